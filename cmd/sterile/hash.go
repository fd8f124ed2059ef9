package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/sterility"
	"github.com/davidahmann/sterile/core/vcs"
)

const (
	sourceGit = "git"
	sourceFS  = "fs"
)

type hashOutput struct {
	MerkleRoot string `json:"merkle_root"`
	Algorithm  string `json:"algorithm"`
	FileCount  int    `json:"file_count"`
	Source     string `json:"source"`
	Record     string `json:"record,omitempty"`
	Listing    string `json:"listing,omitempty"`
	Verified   bool   `json:"verified,omitempty"`
	// Differences lists the paths that moved the root away from the record.
	Differences []string `json:"differences,omitempty"`
}

func newHashCommand(a *app) *cobra.Command {
	var source, commit, recordPath, listingPath string
	var workers int
	var verify bool
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Compute the Merkle root of the tracked file set",
		Long:  "hash lists the tracked files (from git, or every file under --root with --source fs), refuses symlinks, and writes the canonical hash tree record plus a sha256sum-style listing. With --verify it recomputes the root and compares it to the existing record instead.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if source != sourceGit && source != sourceFS {
				return usagef("--source must be %q or %q", sourceGit, sourceFS)
			}
			if workers < 0 {
				return usagef("--workers must be >= 0")
			}
			if !cmd.Flags().Changed("workers") {
				workers = a.config.Hash.Workers
			}
			if !cmd.Flags().Changed("record") {
				recordPath = a.config.Hash.Record
			}
			if !cmd.Flags().Changed("listing") {
				listingPath = a.config.Hash.Listing
			}
			recordPath = a.resolve(recordPath)
			listingPath = a.resolve(listingPath)

			return a.observe("hash", func() error {
				if err := sterility.VerifyNoSymlinks(a.root, a.config.Sterility.Excludes); err != nil {
					return err
				}
				paths, err := a.trackedFiles(cmd, source, commit, recordPath, listingPath)
				if err != nil {
					return err
				}
				tree, err := hashtree.Build(a.root, paths, hashtree.Options{Workers: workers, Logger: a.logger})
				if err != nil {
					return err
				}
				a.metrics.AddFilesHashed(len(tree.Files))
				output := hashOutput{
					MerkleRoot: tree.Root,
					Algorithm:  hashtree.Algorithm,
					FileCount:  len(tree.Files),
					Source:     source,
				}

				if verify {
					recorded, _, err := hashtree.ReadRecord(recordPath)
					if err != nil {
						return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "run sterile hash once to create the record")
					}
					output.Record = recordPath
					if recorded.Root != tree.Root {
						output.Differences = hashtree.Diff(recorded, tree)
						a.logger.Warn("hash tree differs from record", "record", recordPath, "differences", len(output.Differences))
						return withResult(output, hashtree.MismatchError(recorded.Root, tree.Root, recordPath))
					}
					output.Verified = true
					a.logger.Info("hash tree verified", "root", tree.Root, "files", len(tree.Files))
					return a.writeResult(output, fmt.Sprintf("verified %s (%d files)", tree.Root, len(tree.Files)))
				}

				if err := a.guardRaw(recordPath, listingPath); err != nil {
					return err
				}
				createdAt := a.now()
				if err := hashtree.WriteRecord(recordPath, tree, hashtree.RecordMeta{CreatedAt: createdAt, ProducerVersion: version}); err != nil {
					return err
				}
				output.Record = recordPath
				if listingPath != "" {
					if err := hashtree.WriteListing(listingPath, tree, createdAt); err != nil {
						return err
					}
					output.Listing = listingPath
				}
				a.logger.Info("hash tree written", "root", tree.Root, "files", len(tree.Files), "record", recordPath)
				return a.writeResult(output, fmt.Sprintf("%s  (%d files, %s)", tree.Root, len(tree.Files), hashtree.Algorithm))
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", sourceGit, "where the tracked file set comes from: git or fs")
	cmd.Flags().StringVar(&commit, "commit", "", "commit whose tracked files are hashed; must be the checked-out HEAD (git source)")
	cmd.Flags().StringVar(&recordPath, "record", "", "hash tree record path (default from config)")
	cmd.Flags().StringVar(&listingPath, "listing", "", "sha256sum-style listing path (default from config; empty skips)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent hashing workers (0 or 1 hashes serially)")
	cmd.Flags().BoolVar(&verify, "verify", false, "compare against the existing record instead of writing one")
	return cmd
}

// trackedFiles returns the file set to hash. The fs source never includes the
// hash outputs themselves.
func (a *app) trackedFiles(cmd *cobra.Command, source, commit string, outputs ...string) ([]string, error) {
	if source == sourceGit {
		git := vcs.Git{Dir: a.root}
		head, err := vcs.CheckedOut(cmd.Context(), git, commit)
		if err != nil {
			var notHead *vcs.NotCheckedOutError
			if errors.As(err, &notHead) {
				return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "file bytes come from the working tree; check out "+commit+" first")
			}
			return nil, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, coreerrors.CodeVCSFailure, "run inside a git work tree or use --source fs")
		}
		paths, err := git.ListTrackedFiles(cmd.Context(), head)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, coreerrors.CodeVCSFailure, "run inside a git work tree or use --source fs")
		}
		return paths, nil
	}
	paths, err := hashtree.ListFilesExcept(a.root, a.config.Sterility.Excludes)
	if err != nil {
		return nil, err
	}
	skip := map[string]struct{}{}
	for _, output := range outputs {
		if output == "" {
			continue
		}
		if rel, err := filepath.Rel(a.root, output); err == nil {
			skip[filepath.ToSlash(rel)] = struct{}{}
		}
	}
	kept := paths[:0]
	for _, path := range paths {
		if _, ok := skip[path]; !ok {
			kept = append(kept, path)
		}
	}
	return kept, nil
}
