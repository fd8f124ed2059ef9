// Package doctor reports whether a project root is ready for hashing,
// packaging, and rebuilding: tools present, directories writable, key sources
// loadable, and the raw seal state well placed.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/sterile/core/seal"
	"github.com/davidahmann/sterile/core/sign"
	"github.com/davidahmann/sterile/core/vcs"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Options struct {
	Root            string
	OutputDir       string
	RawDir          string
	SealState       string
	SigningKey      sign.KeyConfig
	VerifyKey       sign.KeyConfig
	ProducerVersion string
	// Source defaults to git in Root.
	Source   vcs.Source
	LookPath func(string) (string, error)
	Clock    func() time.Time
}

type Result struct {
	CreatedAt       time.Time `json:"created_at"`
	ProducerVersion string    `json:"producer_version"`
	Status          string    `json:"status"`
	NonFixable      bool      `json:"non_fixable"`
	Summary         string    `json:"summary"`
	FixCommands     []string  `json:"fix_commands"`
	Checks          []Check   `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
	NonFixable bool   `json:"non_fixable,omitempty"`
}

// Failed lists the names of failing checks.
func (r Result) Failed() []string {
	var names []string
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			names = append(names, check.Name)
		}
	}
	return names
}

func Run(ctx context.Context, opts Options) Result {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		root = "."
	}
	source := opts.Source
	if source == nil {
		source = vcs.Git{Dir: root}
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = "0.0.0-dev"
	}

	checks := []Check{
		checkRoot(root),
		checkGitBinary(lookPath),
		checkWorkTree(ctx, source, root),
		checkOutputDir(opts.OutputDir),
		checkSealState(opts.SealState, opts.RawDir),
		checkSigningKey(opts.SigningKey),
		checkVerifyKey(opts.VerifyKey),
	}

	failed := 0
	warned := 0
	nonFixable := false
	fixCommands := make([]string, 0, len(checks))
	seenFixes := map[string]struct{}{}
	for _, check := range checks {
		switch check.Status {
		case StatusFail:
			failed++
		case StatusWarn:
			warned++
		}
		if check.NonFixable {
			nonFixable = true
		}
		if check.FixCommand != "" {
			if _, ok := seenFixes[check.FixCommand]; !ok {
				seenFixes[check.FixCommand] = struct{}{}
				fixCommands = append(fixCommands, check.FixCommand)
			}
		}
	}

	status := StatusPass
	if failed > 0 {
		status = StatusFail
	} else if warned > 0 {
		status = StatusWarn
	}
	sort.Strings(fixCommands)

	return Result{
		CreatedAt:       clock().UTC(),
		ProducerVersion: producerVersion,
		Status:          status,
		NonFixable:      nonFixable,
		Summary:         fmt.Sprintf("doctor: status=%s failed=%d warned=%d non_fixable=%t", status, failed, warned, nonFixable),
		FixCommands:     fixCommands,
		Checks:          checks,
	}
}

func checkRoot(root string) Check {
	info, err := os.Stat(root)
	if err != nil {
		return Check{Name: "project_root", Status: StatusFail, Message: fmt.Sprintf("project root not accessible: %v", err), NonFixable: true}
	}
	if !info.IsDir() {
		return Check{Name: "project_root", Status: StatusFail, Message: "project root is not a directory", NonFixable: true}
	}
	return Check{Name: "project_root", Status: StatusPass, Message: "project root is a directory"}
}

func checkGitBinary(lookPath func(string) (string, error)) Check {
	path, err := lookPath("git")
	if err != nil {
		return Check{
			Name:       "git_binary",
			Status:     StatusFail,
			Message:    "git not found on PATH; hash and package list tracked files through git",
			FixCommand: "install git",
		}
	}
	return Check{Name: "git_binary", Status: StatusPass, Message: "git found at " + path}
}

func checkWorkTree(ctx context.Context, source vcs.Source, root string) Check {
	head, err := source.Head(ctx)
	if err != nil {
		return Check{
			Name:       "git_worktree",
			Status:     StatusWarn,
			Message:    fmt.Sprintf("no commit to package: %v", err),
			FixCommand: fmt.Sprintf("git -C %s init && git -C %s commit", shellQuote(root), shellQuote(root)),
		}
	}
	dirty, err := source.Dirty(ctx)
	if err != nil {
		return Check{Name: "git_worktree", Status: StatusWarn, Message: fmt.Sprintf("work tree status unavailable: %v", err)}
	}
	if len(dirty) > 0 {
		return Check{
			Name:    "git_worktree",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d uncommitted or untracked path(s); package will refuse to run", len(dirty)),
		}
	}
	return Check{Name: "git_worktree", Status: StatusPass, Message: "work tree is clean at " + head}
}

func checkOutputDir(outputDir string) Check {
	if strings.TrimSpace(outputDir) == "" {
		return Check{Name: "output_dir", Status: StatusPass, Message: "archives are written to the working directory"}
	}
	info, err := os.Stat(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:       "output_dir",
				Status:     StatusWarn,
				Message:    "output directory does not exist yet",
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(outputDir)),
			}
		}
		return Check{Name: "output_dir", Status: StatusFail, Message: fmt.Sprintf("output directory check failed: %v", err)}
	}
	if !info.IsDir() {
		return Check{Name: "output_dir", Status: StatusFail, Message: "output path is not a directory"}
	}
	scratch, err := os.CreateTemp(outputDir, ".sterile-doctor-*")
	if err != nil {
		return Check{
			Name:       "output_dir",
			Status:     StatusFail,
			Message:    fmt.Sprintf("output directory not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(outputDir)),
		}
	}
	_ = scratch.Close()
	_ = os.Remove(scratch.Name())
	return Check{Name: "output_dir", Status: StatusPass, Message: "output directory is writable"}
}

func checkSealState(statePath, rawDir string) Check {
	if statePath == "" || rawDir == "" {
		return Check{Name: "seal_state", Status: StatusPass, Message: "raw sealing not configured"}
	}
	inside, err := within(rawDir, statePath)
	if err != nil {
		return Check{Name: "seal_state", Status: StatusFail, Message: err.Error()}
	}
	if inside {
		return Check{
			Name:       "seal_state",
			Status:     StatusFail,
			Message:    fmt.Sprintf("seal state %s lies inside the raw directory", statePath),
			FixCommand: "move seal.state outside the raw data directory in .sterile/config.yaml",
		}
	}
	state, err := seal.Load(statePath, rawDir)
	if err != nil {
		return Check{Name: "seal_state", Status: StatusFail, Message: fmt.Sprintf("seal state unreadable: %v", err), NonFixable: true}
	}
	return Check{Name: "seal_state", Status: StatusPass, Message: fmt.Sprintf("raw directory is %s", state.Status)}
}

func checkSigningKey(cfg sign.KeyConfig) Check {
	if !cfg.HasPrivateSource() {
		return Check{Name: "signing_key", Status: StatusPass, Message: "no signing key configured; notes are unsigned"}
	}
	if _, err := sign.LoadSigningKey(cfg); err != nil {
		return Check{
			Name:       "signing_key",
			Status:     StatusFail,
			Message:    fmt.Sprintf("signing key unusable: %v", err),
			FixCommand: "set package.private_key or package.private_key_env to a base64 ed25519 private key",
		}
	}
	return Check{Name: "signing_key", Status: StatusPass, Message: "signing key loads"}
}

func checkVerifyKey(cfg sign.KeyConfig) Check {
	if !cfg.HasPublicSource() {
		return Check{Name: "verify_key", Status: StatusPass, Message: "no verify key configured; rebuild skips signature checks"}
	}
	if _, err := sign.LoadVerifyKey(cfg); err != nil {
		return Check{
			Name:       "verify_key",
			Status:     StatusFail,
			Message:    fmt.Sprintf("verify key unusable: %v", err),
			FixCommand: "set rebuild.public_key or rebuild.public_key_env to a base64 ed25519 public key",
		}
	}
	return Check{Name: "verify_key", Status: StatusPass, Message: "verify key loads"}
}

func within(dir, target string) (bool, error) {
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", dir, err)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", target, err)
	}
	rel, err := filepath.Rel(dirAbs, targetAbs)
	if err != nil {
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
