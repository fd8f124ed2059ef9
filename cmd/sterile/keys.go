package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/sign"
)

func newKeysCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage ed25519 keys for signing archive notes",
	}
	var outDir, prefix string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a key pair as base64 files",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usagef("keys init takes no arguments")
			}
			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			pair, err := sign.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate key pair: %w", err)
			}
			files, err := sign.WriteKeyPair(a.resolve(outDir), prefix, pair, force)
			if err != nil {
				return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "choose another prefix or pass --force")
			}
			a.logger.Info("key pair written", "key_id", files.KeyID, "private", files.PrivateKeyPath)
			return a.writeResult(files, fmt.Sprintf("key_id=%s\nprivate=%s\npublic=%s", files.KeyID, files.PrivateKeyPath, files.PublicKeyPath))
		},
	}
	initCmd.Flags().StringVar(&outDir, "out-dir", filepath.Join(".sterile", "keys"), "directory for the key files, relative to --root")
	initCmd.Flags().StringVar(&prefix, "prefix", "sterile", "key file prefix")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite existing key files")
	cmd.AddCommand(initCmd)
	return cmd
}
