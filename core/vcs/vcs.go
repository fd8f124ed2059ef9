// Package vcs abstracts the version-control collaborator that supplies the
// tracked file set for a commit and reports uncommitted or untracked changes.
package vcs

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type Source interface {
	// Head returns the identifier of the commit the working tree is on.
	Head(ctx context.Context) (string, error)
	// ResolveCommit expands rev (a full or abbreviated id, or a ref) to the
	// full commit id.
	ResolveCommit(ctx context.Context, rev string) (string, error)
	// ListTrackedFiles returns the root-relative paths tracked at commit.
	ListTrackedFiles(ctx context.Context, commit string) ([]string, error)
	// Dirty returns modified, staged, or untracked paths; empty means clean.
	Dirty(ctx context.Context) ([]string, error)
}

// Static is a Source over a fixed file list, for callers without a repository.
type Static struct {
	Commit     string
	Files      []string
	DirtyPaths []string
}

func (s Static) Head(context.Context) (string, error) {
	return s.Commit, nil
}

func (s Static) ResolveCommit(_ context.Context, rev string) (string, error) {
	if rev == "HEAD" || (len(rev) >= 4 && strings.HasPrefix(s.Commit, rev)) {
		return s.Commit, nil
	}
	return "", fmt.Errorf("unknown commit %q", rev)
}

func (s Static) ListTrackedFiles(context.Context, string) ([]string, error) {
	out := append([]string(nil), s.Files...)
	sort.Strings(out)
	return out, nil
}

func (s Static) Dirty(context.Context) ([]string, error) {
	out := append([]string(nil), s.DirtyPaths...)
	sort.Strings(out)
	return out, nil
}

// NotCheckedOutError reports a requested commit that differs from HEAD. File
// bytes are always read from the working tree, so only HEAD can be hashed.
type NotCheckedOutError struct {
	Requested string
	Resolved  string
	Head      string
}

func (e *NotCheckedOutError) Error() string {
	return fmt.Sprintf("commit %s (%s) is not the checked-out HEAD %s", e.Requested, e.Resolved, e.Head)
}

// CheckedOut returns the full HEAD commit id. A non-empty rev must resolve to
// that same commit, otherwise a *NotCheckedOutError is returned.
func CheckedOut(ctx context.Context, source Source, rev string) (string, error) {
	head, err := source.Head(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(rev) == "" {
		return head, nil
	}
	resolved, err := source.ResolveCommit(ctx, rev)
	if err != nil {
		return "", err
	}
	if resolved != head {
		return "", &NotCheckedOutError{Requested: rev, Resolved: resolved, Head: head}
	}
	return head, nil
}
