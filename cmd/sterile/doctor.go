package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidahmann/sterile/core/doctor"
	coreerrors "github.com/davidahmann/sterile/core/errors"
)

func newDoctorCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the project is ready to hash, package, and rebuild",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signing := a.config.SigningKey()
			signing.PrivateKeyPath = a.resolve(signing.PrivateKeyPath)
			verifying := a.config.VerifyKey()
			verifying.PublicKeyPath = a.resolve(verifying.PublicKeyPath)

			result := doctor.Run(cmd.Context(), doctor.Options{
				Root:            a.root,
				OutputDir:       a.resolve(a.config.Package.OutputDir),
				RawDir:          a.resolve(a.config.Sterility.RawDir),
				SealState:       a.resolve(a.config.Seal.State),
				SigningKey:      signing,
				VerifyKey:       verifying,
				ProducerVersion: version,
				Clock:           a.now,
			})
			lines := []string{result.Summary}
			for _, check := range result.Checks {
				lines = append(lines, "  "+check.Name+": "+check.Status+" ("+check.Message+")")
			}
			for _, fix := range result.FixCommands {
				lines = append(lines, "  fix: "+fix)
			}
			if result.Status != doctor.StatusFail {
				return a.writeResult(result, strings.Join(lines, "\n"))
			}
			failure := coreerrors.New(
				coreerrors.CategoryInvalidInput,
				coreerrors.CodeInvalidArgument,
				strings.Join(result.FixCommands, "; "),
				result.Failed(),
				"doctor found %d failing check(s): %s", len(result.Failed()), strings.Join(result.Failed(), ", "),
			)
			if !a.jsonOutput {
				if err := a.writeResult(nil, strings.Join(lines, "\n")); err != nil {
					return err
				}
			}
			return withResult(result, failure)
		},
	}
}
