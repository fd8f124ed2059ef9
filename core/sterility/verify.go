package sterility

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/pathx"
)

const (
	ReadOnlyDirMode  os.FileMode = 0o555
	ReadOnlyFileMode os.FileMode = 0o444
)

var (
	DefaultExcludes = []string{".git"}
	DefaultMarkers  = []string{".keep"}
)

// VerifyNoSymlinks walks root without following links and fails with a
// sterility violation listing every symlink found. Directories whose name is in
// exclude are skipped at any depth; nil means DefaultExcludes.
func VerifyNoSymlinks(root string, exclude []string) error {
	links, err := FindSymlinks(root, exclude)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return nil
	}
	return coreerrors.New(
		coreerrors.CategoryVerification,
		coreerrors.CodeSterilityViolation,
		"replace each symlink with a regular file or remove it",
		links,
		"symbolic links detected under %s: %s", root, strings.Join(links, ", "),
	)
}

// FindSymlinks returns the sorted root-relative slash paths of every symlink.
func FindSymlinks(root string, exclude []string) ([]string, error) {
	if exclude == nil {
		exclude = DefaultExcludes
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		skip[name] = struct{}{}
	}

	rootInfo, err := os.Lstat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if rootInfo.Mode()&os.ModeSymlink != 0 {
		return []string{"."}, nil
	}

	var links []string
	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}
			links = append(links, filepath.ToSlash(rel))
			return nil
		}
		if entry.IsDir() {
			if _, ok := skip[entry.Name()]; ok {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan %s: %w", root, walkErr)
	}
	sort.Strings(links)
	return links, nil
}

// VerifyPermissions reports read-only deviations under rawDir as warnings.
// A missing directory, or one holding only marker files, is not yet sealed and
// produces no deviation warnings. The error return is reserved for I/O failure.
func VerifyPermissions(rawDir string, markers []string) ([]string, error) {
	if markers == nil {
		markers = DefaultMarkers
	}
	info, err := os.Lstat(rawDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{fmt.Sprintf("%s does not exist yet", rawDir)}, nil
		}
		return nil, fmt.Errorf("stat raw dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("raw dir is not a directory: %s", rawDir)
	}
	hasContent, err := HasRealContent(rawDir, markers)
	if err != nil {
		return nil, err
	}
	if !hasContent {
		return nil, nil
	}

	var warnings []string
	walkErr := filepath.WalkDir(rawDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		entryInfo, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rawDir, path)
		if err != nil {
			return err
		}
		perm := entryInfo.Mode().Perm()
		switch {
		case entryInfo.IsDir():
			if perm != ReadOnlyDirMode {
				warnings = append(warnings, fmt.Sprintf("%s: directory mode %#o, want %#o", filepath.ToSlash(rel), perm, ReadOnlyDirMode))
			}
		case entryInfo.Mode().IsRegular():
			if perm != ReadOnlyFileMode {
				warnings = append(warnings, fmt.Sprintf("%s: file mode %#o, want %#o", filepath.ToSlash(rel), perm, ReadOnlyFileMode))
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan raw dir: %w", walkErr)
	}
	sort.Strings(warnings)
	return warnings, nil
}

// HasRealContent reports whether dir holds any regular file that is not a marker.
func HasRealContent(dir string, markers []string) (bool, error) {
	isMarker := make(map[string]struct{}, len(markers))
	for _, name := range markers {
		isMarker[name] = struct{}{}
	}
	found := false
	walkErr := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if _, ok := isMarker[entry.Name()]; ok {
			return nil
		}
		found = true
		return filepath.SkipAll
	})
	if walkErr != nil {
		return false, fmt.Errorf("scan %s: %w", dir, walkErr)
	}
	return found, nil
}

// VerifyPathSafety resolves candidate under root and returns the absolute
// target. Candidates are root-relative: it fails on an absolute candidate
// (even one inside root), a parent segment, or an existing symlinked
// ancestor that leads outside root.
func VerifyPathSafety(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	if strings.TrimSpace(candidate) == "" {
		return "", traversal(candidate, "path is empty")
	}
	if pathx.HasParentSegment(candidate) {
		return "", traversal(candidate, "path contains a parent-directory segment")
	}
	if filepath.IsAbs(candidate) || strings.HasPrefix(filepath.ToSlash(candidate), "/") || filepath.VolumeName(candidate) != "" {
		return "", traversal(candidate, "path must be relative to "+rootAbs)
	}
	target := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(candidate)))
	if !within(rootAbs, target) {
		return "", traversal(candidate, "path resolves outside "+rootAbs)
	}

	resolvedRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return target, nil
		}
		return "", fmt.Errorf("resolve root: %w", err)
	}
	ancestor := target
	for {
		if _, statErr := os.Lstat(ancestor); statErr == nil {
			break
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return target, nil
		}
		ancestor = parent
	}
	resolved, err := filepath.EvalSymlinks(ancestor)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ancestor, err)
	}
	if !within(resolvedRoot, resolved) {
		return "", traversal(candidate, "path resolves outside "+rootAbs+" via symlink")
	}
	return target, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func traversal(candidate, reason string) error {
	return coreerrors.New(
		coreerrors.CategoryVerification,
		coreerrors.CodePathTraversal,
		"use a root-relative path without '..' segments",
		[]string{candidate},
		"unsafe path %q: %s", candidate, reason,
	)
}
