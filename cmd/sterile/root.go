package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/metrics"
	"github.com/davidahmann/sterile/core/projectconfig"
	"github.com/davidahmann/sterile/core/seal"
)

// app holds global flags and the collaborators every command shares.
type app struct {
	stdout io.Writer
	stderr io.Writer

	root        string
	configPath  string
	jsonOutput  bool
	verbose     bool
	metricsFile string

	config  projectconfig.Config
	logger  *slog.Logger
	metrics *metrics.Prom
	now     func() time.Time
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:  stdout,
		stderr:  stderr,
		config:  projectconfig.Defaults(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: metrics.NewProm("sterile"),
		now:     time.Now,
	}
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sterile",
		Short:         "Provenance audit and reproducible archival",
		Long:          "sterile verifies that a tracked tree is free of symlinks, hashes it into a Merkle root, packages it into a byte-reproducible archive, and rebuilds archives to prove they still match.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usagef("unknown command %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.root, "root", ".", "project root that config paths are relative to")
	flags.StringVar(&a.configPath, "config", projectconfig.DefaultPath, "project config file, relative to --root")
	flags.BoolVar(&a.jsonOutput, "json", false, "emit JSON output")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging on stderr")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus textfile metrics here on exit")

	cmd.AddCommand(
		newCheckCommand(a),
		newHashCommand(a),
		newPackageCommand(a),
		newRebuildCommand(a),
		newManifestCommand(a),
		newSealCommand(a),
		newProvenanceCommand(a),
		newDoctorCommand(a),
		newKeysCommand(a),
		newVersionCommand(a),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))

	if strings.TrimSpace(a.root) == "" {
		return usagef("--root must not be empty")
	}
	explicit := cmd.Flags().Changed("config")
	configuration, err := projectconfig.Load(a.resolve(a.configPath), !explicit)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "fix or remove the project config")
	}
	a.config = configuration
	a.logger.Debug("configuration loaded", "root", a.root, "config", a.configPath, "explicit", explicit)
	return nil
}

// resolve interprets p relative to --root unless it is absolute.
func (a *app) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.root, filepath.FromSlash(p))
}

// guardRaw refuses writes to any target inside the sealed raw directory.
// Chmod alone does not stop a privileged user, so every writer checks first.
func (a *app) guardRaw(targets ...string) error {
	rawDir := a.resolve(a.config.Sterility.RawDir)
	state := a.resolve(a.config.Seal.State)
	for _, target := range targets {
		if target == "" {
			continue
		}
		if err := seal.GuardWrite(state, rawDir, target); err != nil {
			return err
		}
	}
	return nil
}

// observe runs fn and records its outcome under operation.
func (a *app) observe(operation string, fn func() error) error {
	started := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
		a.metrics.IncFailure(operation, coreerrors.CodeOf(err))
	}
	a.metrics.ObserveOperation(operation, outcome, time.Since(started).Seconds())
	return err
}

func (a *app) flushMetrics() {
	if a.metricsFile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.metricsFile); err != nil {
		a.logger.Warn("metrics textfile not written", "path", a.metricsFile, "error", err)
	}
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.writeResult(map[string]string{"version": version}, fmt.Sprintf("sterile %s", version))
		},
	}
}
