package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Git reads tracked files and status from the git CLI in Dir.
type Git struct {
	Dir    string
	Binary string
}

func (g Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g Git) ResolveCommit(ctx context.Context, rev string) (string, error) {
	if strings.TrimSpace(rev) == "" || strings.HasPrefix(rev, "-") {
		return "", fmt.Errorf("invalid commit %q", rev)
	}
	out, err := g.run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("unknown commit %q: %w", rev, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g Git) ListTrackedFiles(ctx context.Context, commit string) ([]string, error) {
	if strings.TrimSpace(commit) == "" {
		commit = "HEAD"
	}
	if strings.HasPrefix(commit, "-") {
		return nil, fmt.Errorf("invalid commit %q", commit)
	}
	out, err := g.run(ctx, "ls-tree", "-r", "-z", "--full-tree", "--name-only", commit)
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// Dirty lists paths from `git status --porcelain=v1 -z --untracked-files=all`,
// which covers staged, unstaged, and untracked changes.
func (g Git) Dirty(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var paths []string
	records := bytes.Split(out, []byte{0})
	for i := 0; i < len(records); i++ {
		record := string(records[i])
		if len(record) < 4 {
			continue
		}
		status := record[:2]
		paths = append(paths, record[3:])
		// Renames and copies carry the source path as the next record.
		if status[0] == 'R' || status[0] == 'C' {
			i++
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (g Git) run(ctx context.Context, args ...string) ([]byte, error) {
	binary := g.Binary
	if binary == "" {
		binary = "git"
	}
	// #nosec G204 -- arguments are fixed subcommands plus a validated commit id.
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = g.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func splitNUL(out []byte) []string {
	var paths []string
	for _, field := range bytes.Split(out, []byte{0}) {
		if len(field) > 0 {
			paths = append(paths, string(field))
		}
	}
	sort.Strings(paths)
	return paths
}
