// Package rebuild extracts an archive into an isolated directory, recomputes
// the Merkle root with the hashing rule used at packaging time, and compares it
// with the root the archive claims.
package rebuild

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/sterile/core/archive"
	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/sterility"
)

type Options struct {
	// WorkDir holds the fresh extraction directory; empty means os.TempDir.
	WorkDir string
	// NotePath overrides the sibling <stem>_NOTE.txt. When set, the note must exist.
	NotePath string
	// ExpectedRoot overrides the root recorded in the note.
	ExpectedRoot string
	// PublicKey, when set, requires a valid note signature.
	PublicKey ed25519.PublicKey
	Workers   int
	Logger    *slog.Logger
}

type Report struct {
	Archive           string `json:"archive"`
	ArchiveSHA256     string `json:"archive_sha256"`
	NotePath          string `json:"note_path,omitempty"`
	ExtractDir        string `json:"extract_dir"`
	Files             int    `json:"files"`
	ExpectedRoot      string `json:"expected_root"`
	RecomputedRoot    string `json:"recomputed_root"`
	Match             bool   `json:"match"`
	SignatureVerified bool   `json:"signature_verified"`
}

// Rebuild never modifies archivePath. On success the extracted tree is left in
// Report.ExtractDir for the caller to inspect or remove.
func Rebuild(archivePath string, opts Options) (Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	// #nosec G304 -- archive path is explicit caller input.
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return Report{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeArchiveCorrupt, "check the archive path")
	}
	report := Report{Archive: archivePath, ArchiveSHA256: archive.SHA256Hex(data)}

	note, notePath, err := loadNote(archivePath, opts.NotePath)
	if err != nil {
		return report, err
	}
	report.NotePath = notePath
	if note != nil {
		if note.ArchiveSHA256 != report.ArchiveSHA256 {
			return report, coreerrors.New(
				coreerrors.CategoryVerification,
				coreerrors.CodeChecksumMismatch,
				"the archive bytes differ from those the note describes; treat the archive as untrustworthy",
				[]string{"expected=" + note.ArchiveSHA256, "actual=" + report.ArchiveSHA256},
				"archive %s sha256 %s does not match note %s", filepath.Base(archivePath), report.ArchiveSHA256, note.ArchiveSHA256,
			)
		}
		if opts.PublicKey != nil {
			if err := note.VerifySignature(opts.PublicKey); err != nil {
				return report, coreerrors.Wrap(err, coreerrors.CategoryVerification, coreerrors.CodeChecksumMismatch, "check the verify key")
			}
			report.SignatureVerified = true
		}
	} else if opts.PublicKey != nil {
		return report, coreerrors.New(coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "", nil, "signature verification requested but %s has no note", archivePath)
	}

	report.ExpectedRoot = opts.ExpectedRoot
	if report.ExpectedRoot == "" && note != nil {
		report.ExpectedRoot = note.MerkleRoot
	}

	if _, err := Inspect(data); err != nil {
		return report, err
	}
	if report.ExpectedRoot == "" {
		if _, _, _, err := archive.ParseArchiveName(filepath.Base(archivePath)); err != nil {
			return report, coreerrors.New(
				coreerrors.CategoryInvalidInput,
				coreerrors.CodeInvalidArgument,
				"pass --expected-root, or --note with the archive's note",
				nil,
				"nothing to compare %s against: no note, no expected root, and the name carries no root fingerprint", filepath.Base(archivePath),
			)
		}
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return report, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeArchiveCorrupt, "check the work directory")
	}
	extractDir, err := os.MkdirTemp(workDir, "rebuild-*")
	if err != nil {
		return report, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeArchiveCorrupt, "check the work directory")
	}
	report.ExtractDir = extractDir
	if _, err := Extract(data, extractDir); err != nil {
		_ = os.RemoveAll(extractDir)
		report.ExtractDir = ""
		return report, err
	}
	logger.Debug("archive extracted", "archive", archivePath, "dir", extractDir)

	tree, err := VerifyTree(extractDir, report.ExpectedRoot, hashtree.Options{Workers: opts.Workers, Logger: logger})
	report.Files = len(tree.Files)
	report.RecomputedRoot = tree.Root
	if err != nil {
		return report, err
	}
	if err := checkNameFingerprint(archivePath, tree.Root); err != nil {
		return report, err
	}
	report.Match = true
	logger.Info("archive rebuilt", "archive", archivePath, "merkle_root", tree.Root)
	return report, nil
}

// VerifyTree recomputes the root over every file under dir. A non-empty
// expectedRoot that differs is a merkle mismatch; the tree is returned either
// way so callers can report the recomputed root.
func VerifyTree(dir, expectedRoot string, opts hashtree.Options) (hashtree.Tree, error) {
	if err := sterility.VerifyNoSymlinks(dir, []string{}); err != nil {
		return hashtree.Tree{}, coreerrors.Wrap(err, coreerrors.CategoryVerification, coreerrors.CodeSymlinkDetected, "treat the archive as untrustworthy")
	}
	tree, err := hashtree.BuildDir(dir, opts)
	if err != nil {
		return hashtree.Tree{}, err
	}
	if expectedRoot != "" && tree.Root != expectedRoot {
		return tree, hashtree.MismatchError(expectedRoot, tree.Root, dir)
	}
	return tree, nil
}

func loadNote(archivePath, explicit string) (*archive.Note, string, error) {
	notePath := explicit
	if notePath == "" {
		notePath = archive.NotePath(archivePath)
	}
	note, err := archive.ReadNote(notePath)
	if err != nil {
		if explicit == "" && errors.Is(err, fs.ErrNotExist) {
			return nil, "", nil
		}
		return nil, notePath, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "check the note file")
	}
	return &note, notePath, nil
}

// checkNameFingerprint cross-checks the root prefix embedded in a
// fingerprint-named archive. Other names are only reached with a reference
// root from the note or the caller.
func checkNameFingerprint(archivePath, root string) error {
	_, _, short, err := archive.ParseArchiveName(filepath.Base(archivePath))
	if err != nil {
		return nil
	}
	if !strings.HasPrefix(root, short) {
		return coreerrors.New(
			coreerrors.CategoryVerification,
			coreerrors.CodeMerkleMismatch,
			"the archive name does not fingerprint its contents; treat the archive as untrustworthy",
			[]string{"expected=" + short, "actual=" + root},
			"archive name %s claims root %s but contents hash to %s", filepath.Base(archivePath), short, root,
		)
	}
	return nil
}

func (r Report) String() string {
	status := "MISMATCH"
	if r.Match {
		status = "OK"
	}
	return fmt.Sprintf("%s %s files=%d expected=%s recomputed=%s", status, r.Archive, r.Files, r.ExpectedRoot, r.RecomputedRoot)
}
