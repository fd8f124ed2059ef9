package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/sterile/core/seal"
)

func newSealCommand(a *app) *cobra.Command {
	var dir, statePath string
	locations := func(cmd *cobra.Command) (string, string) {
		target := a.config.Sterility.RawDir
		if cmd.Flags().Changed("dir") {
			target = dir
		}
		state := a.config.Seal.State
		if cmd.Flags().Changed("state") {
			state = statePath
		}
		return a.resolve(target), a.resolve(state)
	}

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Make the raw data directory permanently read-only",
		Long:  "seal chmods every file under the raw data directory to 0444 and every directory to 0555, then records the directory's Merkle root. Sealing is one-way; sealing again only re-verifies the root.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, state := locations(cmd)
			return a.observe("seal", func() error {
				sealed, err := seal.Seal(target, state, a.now())
				if err != nil {
					return withResult(sealed, err)
				}
				a.metrics.AddFilesHashed(sealed.FileCount)
				a.logger.Info("raw directory sealed", "dir", target, "root", sealed.TreeRoot, "files", sealed.FileCount)
				return a.writeResult(sealed, fmt.Sprintf("sealed %s (%d files, root %s)", target, sealed.FileCount, sealed.TreeRoot))
			})
		},
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "directory to seal (default the raw data dir)")
	cmd.PersistentFlags().StringVar(&statePath, "state", "", "seal state file outside the sealed directory (default from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether the raw data directory is sealed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, state := locations(cmd)
			current, err := seal.Load(state, target)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("%s: %s", current.Dir, current.Status)
			if current.TreeRoot != "" {
				text += fmt.Sprintf(" (root %s)", current.TreeRoot)
			}
			return a.writeResult(current, text)
		},
	})
	return cmd
}
