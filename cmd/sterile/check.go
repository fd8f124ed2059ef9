package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidahmann/sterile/core/sterility"
)

func newCheckCommand(a *app) *cobra.Command {
	var rawDir, scriptsDir string
	var excludes []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run sterility checks against the project root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			options := sterility.Options{
				Root:       a.root,
				RawDir:     a.config.Sterility.RawDir,
				ScriptsDir: a.config.Sterility.ScriptsDir,
				Excludes:   a.config.Sterility.Excludes,
				Markers:    a.config.Sterility.Markers,
				Logger:     a.logger,
			}
			if cmd.Flags().Changed("raw-dir") {
				options.RawDir = rawDir
			}
			if cmd.Flags().Changed("scripts-dir") {
				options.ScriptsDir = scriptsDir
			}
			if cmd.Flags().Changed("exclude") {
				options.Excludes = excludes
			}
			return a.observe("check", func() error {
				report := sterility.Run(options)
				if !a.jsonOutput {
					if err := a.writeResult(nil, renderCheckReport(report)); err != nil {
						return err
					}
					return report.Err()
				}
				if err := report.Err(); err != nil {
					return withResult(report, err)
				}
				return a.writeResult(report, "")
			})
		},
	}
	cmd.Flags().StringVar(&rawDir, "raw-dir", "", "raw data directory expected to be read-only (empty skips the check)")
	cmd.Flags().StringVar(&scriptsDir, "scripts-dir", "", "directory of scripts scanned for unsafe paths (empty skips the scan)")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "root-relative directories skipped by the symlink scan")
	return cmd
}

func renderCheckReport(report sterility.Report) string {
	var b strings.Builder
	b.WriteString(report.Summary)
	for _, check := range report.Checks {
		b.WriteString("\n  ")
		b.WriteString(check.Name)
		b.WriteString(": ")
		b.WriteString(check.Status)
		b.WriteString(" (")
		b.WriteString(check.Message)
		b.WriteString(")")
	}
	for _, warning := range report.Warnings {
		b.WriteString("\n  warning: ")
		b.WriteString(warning)
	}
	return b.String()
}
