// Package archive turns a clean tracked tree into a byte-reproducible tar.gz
// named by its commit and Merkle root, plus a note binding the three together.
package archive

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/fsx"
	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/sterility"
	"github.com/davidahmann/sterile/core/vcs"
)

const DefaultPrefix = "release"

type Options struct {
	Root   string
	Source vcs.Source
	// Commit defaults to Source.Head.
	Commit    string
	Prefix    string
	OutputDir string
	Excludes  []string
	SignKey   ed25519.PrivateKey
	Workers   int
	// Summaries also writes <stem>_provenance.json and <stem>_SBOM.txt.
	Summaries bool
	Logger    *slog.Logger
}

type Result struct {
	Tree         hashtree.Tree `json:"-"`
	Note         Note          `json:"note"`
	ArchivePath  string        `json:"archive_path"`
	NotePath     string        `json:"note_path"`
	SummaryPath  string        `json:"summary_path,omitempty"`
	SBOMPath     string        `json:"sbom_path,omitempty"`
	ArchiveBytes []byte        `json:"-"`
	FileCount    int           `json:"file_count"`
	// Written is false when an identical archive already existed.
	Written bool `json:"written"`
}

func Package(ctx context.Context, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if strings.TrimSpace(opts.Root) == "" {
		return Result{}, invalidInput("package root is required")
	}
	if opts.Source == nil {
		return Result{}, invalidInput("a version-control source is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !namePartPattern.MatchString(prefix) {
		return Result{}, invalidInput("archive prefix %q must match [A-Za-z0-9][A-Za-z0-9.-]*", prefix)
	}
	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = "."
	}

	if err := sterility.VerifyNoSymlinks(opts.Root, opts.Excludes); err != nil {
		return Result{}, err
	}

	if opts.Commit != "" && (!namePartPattern.MatchString(opts.Commit) || strings.Contains(opts.Commit, ".")) {
		return Result{}, invalidInput("commit id %q must be alphanumeric", opts.Commit)
	}
	commit, err := vcs.CheckedOut(ctx, opts.Source, opts.Commit)
	if err != nil {
		return Result{}, commitError(err)
	}
	if !namePartPattern.MatchString(commit) || strings.Contains(commit, ".") {
		return Result{}, invalidInput("commit id %q must be alphanumeric", commit)
	}

	dirty, err := opts.Source.Dirty(ctx)
	if err != nil {
		return Result{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeVCSFailure, "run from inside the repository")
	}
	if len(dirty) > 0 {
		return Result{}, coreerrors.New(
			coreerrors.CategoryVerification,
			coreerrors.CodeDirtyTree,
			"commit or remove every change before packaging",
			dirty,
			"working tree has %d uncommitted or untracked path(s): %s", len(dirty), strings.Join(dirty, ", "),
		)
	}

	tracked, err := opts.Source.ListTrackedFiles(ctx, commit)
	if err != nil {
		return Result{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeVCSFailure, "check that the commit exists")
	}
	logger.Debug("packaging tracked files", "commit", commit, "files", len(tracked))

	tree, err := hashtree.Build(opts.Root, tracked, hashtree.Options{Workers: opts.Workers, Logger: logger})
	if err != nil {
		return Result{}, err
	}
	data, err := Build(opts.Root, tree)
	if err != nil {
		return Result{}, err
	}
	name, err := ArchiveName(prefix, commit, tree.Root)
	if err != nil {
		return Result{}, invalidInput("%v", err)
	}
	note := Note{
		Commit:        commit,
		MerkleRoot:    tree.Root,
		Archive:       name,
		ArchiveSHA256: SHA256Hex(data),
	}
	if opts.SignKey != nil {
		if err := note.Sign(opts.SignKey); err != nil {
			return Result{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "check the signing key")
		}
	}

	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return Result{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeArchiveExists, "check the output directory")
	}
	archivePath := filepath.Join(outputDir, name)
	written, err := fsx.WriteFileOnce(archivePath, data, 0o644)
	if err != nil {
		return Result{}, coreerrors.Wrap(err, coreerrors.CategoryVerification, coreerrors.CodeArchiveExists, "an archive with this fingerprint already holds different bytes; investigate before removing it")
	}
	notePath := NotePath(archivePath)
	if _, err := fsx.WriteFileOnce(notePath, note.Render(), 0o644); err != nil {
		return Result{}, coreerrors.Wrap(err, coreerrors.CategoryVerification, coreerrors.CodeArchiveExists, "the existing note differs (other signing key or commit id); notes are never rewritten")
	}
	result := Result{
		Tree:         tree,
		Note:         note,
		ArchivePath:  archivePath,
		NotePath:     notePath,
		ArchiveBytes: data,
		FileCount:    len(tree.Files),
		Written:      written,
	}
	if opts.Summaries {
		if err := writeSummaries(&result); err != nil {
			return Result{}, err
		}
	}
	logger.Info("archive packaged", "archive", archivePath, "merkle_root", tree.Root, "written", written, "summaries", opts.Summaries)
	return result, nil
}

// writeSummaries keeps the provenance summary write-once like the note. The
// SBOM describes the binary of the latest run and is replaced atomically.
func writeSummaries(result *Result) error {
	summary, err := EncodeSummary(result.Tree, result.Note)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, coreerrors.CodeHashComputation, "")
	}
	summaryPath := SummaryPath(result.ArchivePath)
	if _, err := fsx.WriteFileOnce(summaryPath, summary, 0o644); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryVerification, coreerrors.CodeArchiveExists, "the existing provenance summary differs from this archive; investigate before removing it")
	}
	sbomPath := SBOMPath(result.ArchivePath)
	if err := fsx.WriteFileAtomic(sbomPath, RenderSBOM(result.Note, buildInfo()), 0o644); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeArchiveExists, "check the output directory")
	}
	result.SummaryPath = summaryPath
	result.SBOMPath = sbomPath
	return nil
}

// commitError classifies a failure to pin the commit. Files are read from the
// working tree, so a commit other than HEAD would bind the note to bytes it
// never contained.
func commitError(err error) error {
	var notHead *vcs.NotCheckedOutError
	if errors.As(err, &notHead) {
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "check out "+notHead.Requested+" first, or omit --commit to use HEAD")
	}
	return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeVCSFailure, "run from inside the repository and check that the commit exists")
}

func invalidInput(format string, args ...any) error {
	return coreerrors.New(coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "", nil, format, args...)
}

// LoadArchive reads an archive together with its sibling note.
func LoadArchive(archivePath string) ([]byte, Note, error) {
	// #nosec G304 -- archive path is explicit caller input.
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, Note{}, fmt.Errorf("read archive: %w", err)
	}
	note, err := ReadNote(NotePath(archivePath))
	if err != nil {
		return nil, Note{}, err
	}
	return data, note, nil
}
