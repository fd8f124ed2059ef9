package main

import (
	"crypto/ed25519"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/sterile/core/archive"
	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/sign"
	"github.com/davidahmann/sterile/core/vcs"
)

func newPackageCommand(a *app) *cobra.Command {
	var commit, prefix, outputDir, privateKey, privateKeyEnv string
	var workers int
	var summaries bool
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Build a byte-reproducible archive of the tracked files",
		Long:  "package requires a clean git work tree, hashes the files tracked at --commit, and writes <prefix>_<commit7>_<root12>.tar.gz plus its _NOTE.txt into --output-dir. An existing archive is never overwritten.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("prefix") {
				prefix = a.config.Package.Prefix
			}
			if !cmd.Flags().Changed("output-dir") {
				outputDir = a.config.Package.OutputDir
			}
			if !cmd.Flags().Changed("summary") {
				summaries = a.config.Package.Summaries
			}
			if !cmd.Flags().Changed("workers") {
				workers = a.config.Hash.Workers
			}
			if workers < 0 {
				return usagef("--workers must be >= 0")
			}
			keys := a.config.SigningKey()
			if cmd.Flags().Changed("private-key") {
				keys.PrivateKeyPath = privateKey
			}
			if cmd.Flags().Changed("private-key-env") {
				keys.PrivateKeyEnv = privateKeyEnv
			}
			keys.PrivateKeyPath = a.resolve(keys.PrivateKeyPath)

			outputDir = a.resolve(outputDir)

			return a.observe("package", func() error {
				if err := a.guardRaw(outputDir); err != nil {
					return err
				}
				var signKey ed25519.PrivateKey
				if keys.HasPrivateSource() {
					pair, err := sign.LoadSigningKey(keys)
					if err != nil {
						return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "check the private key source")
					}
					signKey = pair.Private
				}
				result, err := archive.Package(cmd.Context(), archive.Options{
					Root:      a.root,
					Source:    vcs.Git{Dir: a.root},
					Commit:    commit,
					Prefix:    prefix,
					OutputDir: outputDir,
					Excludes:  a.config.Sterility.Excludes,
					SignKey:   signKey,
					Workers:   workers,
					Summaries: summaries,
					Logger:    a.logger,
				})
				if err != nil {
					return err
				}
				a.metrics.AddFilesHashed(result.FileCount)
				a.metrics.AddArchiveBytes(len(result.ArchiveBytes))
				state := "written"
				if !result.Written {
					state = "unchanged"
				}
				return a.writeResult(result, fmt.Sprintf("%s %s\n%s", state, result.ArchivePath, result.Note.Render()))
			})
		},
	}
	cmd.Flags().StringVar(&commit, "commit", "", "commit to package; must be the checked-out HEAD (default HEAD)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "archive name prefix (default from config)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory receiving the archive and note (default from config)")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "base64 ed25519 private key file used to sign the note")
	cmd.Flags().StringVar(&privateKeyEnv, "private-key-env", "", "environment variable holding a base64 ed25519 private key")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent hashing workers")
	cmd.Flags().BoolVar(&summaries, "summary", false, "also write <stem>_provenance.json and <stem>_SBOM.txt (default from config)")
	return cmd
}
