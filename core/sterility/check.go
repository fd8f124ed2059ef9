package sterility

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	coreerrors "github.com/davidahmann/sterile/core/errors"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// suspiciousPatterns flag scripts that may write outside the repository.
var suspiciousPatterns = []string{"../", "..\\", "~/", "/tmp/", "/var/tmp/"}

type Options struct {
	Root       string
	RawDir     string
	ScriptsDir string
	Excludes   []string
	Markers    []string
	Logger     *slog.Logger
}

type Report struct {
	Root       string   `json:"root"`
	Status     string   `json:"status"`
	Summary    string   `json:"summary"`
	Checks     []Check  `json:"checks"`
	Violations []string `json:"violations,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`

	err error
}

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Err returns the fatal violation behind a failed report, or nil.
func (r Report) Err() error {
	return r.err
}

// Run performs every sterility check against opts.Root. Only symlinks fail the
// report; permission and script pattern findings are warnings.
func Run(opts Options) Report {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root := opts.Root
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	report := Report{Root: root}

	symlinkCheck := Check{Name: "no_symlinks", Status: StatusPass, Message: "no symbolic links found"}
	if err := VerifyNoSymlinks(root, opts.Excludes); err != nil {
		symlinkCheck.Status = StatusFail
		symlinkCheck.Message = err.Error()
		report.Violations = coreerrors.DetailsOf(err)
		report.err = err
		logger.Error("sterility violation", "root", root, "symlinks", report.Violations)
	}
	report.Checks = append(report.Checks, symlinkCheck)

	rawCheck := Check{Name: "raw_readonly", Status: StatusPass, Message: "raw data is read-only or not yet populated"}
	if opts.RawDir != "" {
		warnings, err := VerifyPermissions(resolveUnder(root, opts.RawDir), opts.Markers)
		switch {
		case err != nil:
			rawCheck.Status = StatusWarn
			rawCheck.Message = fmt.Sprintf("permission check failed: %v", err)
			report.Warnings = append(report.Warnings, rawCheck.Message)
		case len(warnings) > 0:
			rawCheck.Status = StatusWarn
			rawCheck.Message = fmt.Sprintf("%d permission deviation(s) under %s", len(warnings), opts.RawDir)
			report.Warnings = append(report.Warnings, warnings...)
		}
	}
	report.Checks = append(report.Checks, rawCheck)

	patternCheck := Check{Name: "path_patterns", Status: StatusPass, Message: "no unsafe path patterns in scripts"}
	if opts.ScriptsDir != "" {
		findings, err := scanScripts(resolveUnder(root, opts.ScriptsDir))
		switch {
		case err != nil:
			patternCheck.Status = StatusWarn
			patternCheck.Message = fmt.Sprintf("script scan failed: %v", err)
			report.Warnings = append(report.Warnings, patternCheck.Message)
		case len(findings) > 0:
			patternCheck.Status = StatusWarn
			patternCheck.Message = fmt.Sprintf("%d script(s) contain unsafe path patterns", len(findings))
			report.Warnings = append(report.Warnings, findings...)
		}
	}
	report.Checks = append(report.Checks, patternCheck)

	for _, warning := range report.Warnings {
		logger.Warn("sterility warning", "root", root, "detail", warning)
	}

	failed, warned := 0, 0
	for _, check := range report.Checks {
		switch check.Status {
		case StatusFail:
			failed++
		case StatusWarn:
			warned++
		}
	}
	report.Status = StatusPass
	if failed > 0 {
		report.Status = StatusFail
	} else if warned > 0 {
		report.Status = StatusWarn
	}
	report.Summary = fmt.Sprintf("sterility: status=%s failed=%d warned=%d", report.Status, failed, warned)
	return report
}

func resolveUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, filepath.FromSlash(path))
}

// scanScripts flags scripts that both mention an escaping path pattern and
// appear to open or write files.
func scanScripts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var findings []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		// #nosec G304 -- script path is enumerated from the configured scripts directory.
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		text := string(content)
		if !strings.Contains(text, "open(") && !strings.Contains(text, "write") && !strings.Contains(text, "Create(") {
			continue
		}
		for _, pattern := range suspiciousPatterns {
			if strings.Contains(text, pattern) {
				findings = append(findings, fmt.Sprintf("%s contains suspicious pattern: %s", entry.Name(), pattern))
			}
		}
	}
	sort.Strings(findings)
	return findings, nil
}
