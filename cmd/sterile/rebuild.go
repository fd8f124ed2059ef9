package main

import (
	"crypto/ed25519"
	"os"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/rebuild"
	"github.com/davidahmann/sterile/core/sign"
)

type rebuildOutput struct {
	rebuild.Report
	CleanedUp bool `json:"cleaned_up,omitempty"`
}

func newRebuildCommand(a *app) *cobra.Command {
	var notePath, expectedRoot, workDir, publicKey, publicKeyEnv string
	var workers int
	var cleanup bool
	cmd := &cobra.Command{
		Use:   "rebuild <archive>",
		Short: "Extract an archive in isolation and verify its Merkle root",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usagef("rebuild expects exactly one archive path")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if expectedRoot != "" && !hashtree.IsDigest(expectedRoot) {
				return usagef("--expected-root must be 64 lowercase hex characters")
			}
			if !cmd.Flags().Changed("work-dir") {
				workDir = a.config.Rebuild.WorkDir
			}
			keys := a.config.VerifyKey()
			if cmd.Flags().Changed("public-key") {
				keys.PublicKeyPath = publicKey
			}
			if cmd.Flags().Changed("public-key-env") {
				keys.PublicKeyEnv = publicKeyEnv
			}
			keys.PublicKeyPath = a.resolve(keys.PublicKeyPath)

			return a.observe("rebuild", func() error {
				var verifyKey ed25519.PublicKey
				if keys.HasPublicSource() {
					loaded, err := sign.LoadVerifyKey(keys)
					if err != nil {
						return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "check the public key source")
					}
					verifyKey = loaded
				}
				report, err := rebuild.Rebuild(args[0], rebuild.Options{
					WorkDir:      a.resolve(workDir),
					NotePath:     notePath,
					ExpectedRoot: expectedRoot,
					PublicKey:    verifyKey,
					Workers:      workers,
					Logger:       a.logger,
				})
				output := rebuildOutput{Report: report}
				if cleanup && report.ExtractDir != "" {
					if removeErr := os.RemoveAll(report.ExtractDir); removeErr != nil {
						a.logger.Warn("extraction directory not removed", "dir", report.ExtractDir, "error", removeErr)
					} else {
						output.CleanedUp = true
					}
				}
				if err != nil {
					return withResult(output, err)
				}
				a.metrics.AddFilesHashed(report.Files)
				if info, statErr := os.Stat(args[0]); statErr == nil {
					a.metrics.AddArchiveBytes(int(info.Size()))
				}
				return a.writeResult(output, report.String())
			})
		},
	}
	cmd.Flags().StringVar(&notePath, "note", "", "note file (default <archive stem>_NOTE.txt next to the archive)")
	cmd.Flags().StringVar(&expectedRoot, "expected-root", "", "Merkle root to compare against instead of the note's")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "parent of the fresh extraction directory (default system temp)")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "base64 ed25519 public key file; requires a valid note signature")
	cmd.Flags().StringVar(&publicKeyEnv, "public-key-env", "", "environment variable holding a base64 ed25519 public key")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent hashing workers")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove the extraction directory afterwards")
	return cmd
}
