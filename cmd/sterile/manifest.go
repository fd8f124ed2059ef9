package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/ledger"
	"github.com/davidahmann/sterile/core/pathx"
)

type manifestVerifyOutput struct {
	Checksums string                 `json:"checksums"`
	Sources   string                 `json:"sources,omitempty"`
	Entries   []ledger.ManifestEntry `json:"entries"`
}

type manifestFillOutput struct {
	Sources string `json:"sources"`
	ledger.FillResult
}

type manifestGenerateOutput struct {
	Checksums string `json:"checksums"`
	Files     int    `json:"files"`
}

func newManifestCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Verify, pin, and generate checksum manifests",
	}
	var checksumsPath, sourcesPath string
	cmd.PersistentFlags().StringVar(&checksumsPath, "checksums", "", "sha256sum-style checksum manifest (default from config)")
	cmd.PersistentFlags().StringVar(&sourcesPath, "sources", "", "sources.yml with pinned hashes (default from config)")
	paths := func() (string, string) {
		checksums := checksumsPath
		if checksums == "" {
			checksums = a.config.Ledger.Checksums
		}
		sources := sourcesPath
		if sources == "" {
			sources = a.config.Ledger.Sources
		}
		return a.resolve(checksums), a.resolve(sources)
	}
	cmd.AddCommand(
		newManifestVerifyCommand(a, paths),
		newManifestFillCommand(a, paths),
		newManifestGenerateCommand(a, paths),
	)
	return cmd
}

func newManifestVerifyCommand(a *app, paths func() (string, string)) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Hash every file in the checksum manifest and compare with the pinned hashes",
		Long:  "verify hashes each file listed in the checksum manifest, relative to --root. The expected hash is the one pinned in sources.yml for that filename when present, otherwise the manifest's own. Any file whose observed hash mismatches is deleted.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			checksumsPath, sourcesPath := paths()
			return a.observe("manifest_verify", func() error {
				entries, err := ledger.ReadManifest(checksumsPath)
				if err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "generate the checksum manifest first")
				}
				output := manifestVerifyOutput{Checksums: checksumsPath}
				pinned := map[string]string{}
				sources, err := ledger.LoadSources(sourcesPath)
				switch {
				case err == nil:
					pinned, err = sources.ExpectedHashes()
					if err != nil {
						return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "fix the pinned hashes in the sources manifest")
					}
					output.Sources = sourcesPath
				case errors.Is(err, fs.ErrNotExist):
					a.logger.Debug("no sources manifest; using checksum manifest hashes", "path", sourcesPath)
				default:
					return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "fix the sources manifest")
				}

				expected := make(map[string]string, len(entries))
				var present []string
				for _, entry := range entries {
					expected[entry.Path] = entry.SHA256
					if digest, ok := pinned[path.Base(entry.Path)]; ok {
						expected[entry.Path] = digest
					}
					if _, locateErr := pathx.Locate(a.root, entry.Path); locateErr == nil {
						present = append(present, entry.Path)
					}
				}
				observed, err := ledger.Observe(a.root, present)
				if err != nil {
					return err
				}
				a.metrics.AddFilesHashed(len(observed))
				results, err := ledger.VerifyAgainstManifest(a.root, observed, expected)
				output.Entries = results
				if err != nil {
					a.logger.Error("checksum verification failed", "details", coreerrors.DetailsOf(err))
					return withResult(output, err)
				}
				a.logger.Info("checksums verified", "files", len(results))
				return a.writeResult(output, fmt.Sprintf("verified %d file(s) against %s", len(results), checksumsPath))
			})
		},
	}
}

func newManifestFillCommand(a *app, paths func() (string, string)) *cobra.Command {
	return &cobra.Command{
		Use:   "fill",
		Short: "Pin placeholder hashes in sources.yml from the checksum manifest",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			checksumsPath, sourcesPath := paths()
			return a.observe("manifest_fill", func() error {
				entries, err := ledger.ReadManifest(checksumsPath)
				if err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "generate the checksum manifest first")
				}
				byName, err := ledger.ByFilename(entries)
				if err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "give each fetched file a unique filename")
				}
				sources, err := ledger.LoadSources(sourcesPath)
				if err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "check the sources manifest path")
				}
				result := sources.FillPlaceholders(byName)
				if len(result.Updated) > 0 {
					if err := sources.Write(sourcesPath); err != nil {
						return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeLedgerWrite, "check that the sources manifest is writable")
					}
				}
				for _, missing := range result.Missing {
					a.logger.Warn("placeholder left unfilled", "file", missing)
				}
				text := fmt.Sprintf("pinned %d placeholder(s) in %s", len(result.Updated), sourcesPath)
				if len(result.Missing) > 0 {
					text += fmt.Sprintf("; %d still missing: %s", len(result.Missing), strings.Join(result.Missing, ", "))
				}
				return a.writeResult(manifestFillOutput{Sources: sourcesPath, FillResult: result}, text)
			})
		},
	}
}

func newManifestGenerateCommand(a *app, paths func() (string, string)) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write the checksum manifest for every file under a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("dir") {
				dir = a.config.Sterility.RawDir
			}
			checksumsPath, _ := paths()
			return a.observe("manifest_generate", func() error {
				if err := a.guardRaw(checksumsPath); err != nil {
					return err
				}
				rel := filepath.ToSlash(filepath.Clean(dir))
				files, err := hashtree.ListFiles(a.resolve(dir))
				if err != nil {
					return err
				}
				markers := map[string]struct{}{}
				for _, marker := range a.config.Sterility.Markers {
					markers[marker] = struct{}{}
				}
				var tracked []string
				for _, file := range files {
					if _, ok := markers[path.Base(file)]; ok {
						continue
					}
					tracked = append(tracked, path.Join(rel, file))
				}
				if len(tracked) == 0 {
					return usagef("%s holds no files to checksum", dir)
				}
				tree, err := hashtree.Build(a.root, tracked, hashtree.Options{Workers: a.config.Hash.Workers, Logger: a.logger})
				if err != nil {
					return err
				}
				a.metrics.AddFilesHashed(len(tree.Files))
				checksums := make([]ledger.Checksum, len(tree.Files))
				for i, entry := range tree.Files {
					checksums[i] = ledger.Checksum{Path: entry.Path, SHA256: entry.SHA256}
				}
				if err := ledger.WriteManifest(checksumsPath, checksums, a.now()); err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeLedgerWrite, "check that the manifest directory is writable")
				}
				return a.writeResult(manifestGenerateOutput{Checksums: checksumsPath, Files: len(checksums)}, fmt.Sprintf("wrote %d checksum(s) to %s", len(checksums), checksumsPath))
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to checksum, relative to --root (default the raw data dir)")
	return cmd
}
