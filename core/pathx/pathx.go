// Package pathx normalizes tracked paths into the single form used for
// sorting, hashing and archive entry names.
package pathx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the root-relative, forward-slash, NFC form of p.
// Absolute paths and parent segments are rejected.
func Normalize(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL byte: %q", p)
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	if strings.TrimSpace(slashed) == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("path must be relative: %s", p)
	}
	if HasParentSegment(slashed) {
		return "", fmt.Errorf("path must not contain parent segments: %s", p)
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." {
		return "", fmt.Errorf("path names the root itself: %s", p)
	}
	return norm.NFC.String(cleaned), nil
}

// Entry pairs the normalized key of a path with the spelling found on disk.
// Keys drive sorting, leaf hashes and archive names; Disk is what gets opened,
// since a file stored under an NFD name cannot be opened by its NFC key.
type Entry struct {
	Key  string
	Disk string
}

// NormalizeEntries normalizes every path and rejects collisions, which can
// occur when two spellings share an NFC form. Input order is kept.
func NormalizeEntries(paths []string) ([]Entry, error) {
	out := make([]Entry, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, raw := range paths {
		normalized, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		if previous, ok := seen[normalized]; ok {
			return nil, fmt.Errorf("paths %q and %q normalize to the same entry %q", previous, raw, normalized)
		}
		seen[normalized] = raw
		out = append(out, Entry{Key: normalized, Disk: filepath.ToSlash(filepath.Clean(raw))})
	}
	return out, nil
}

// NormalizeAll is NormalizeEntries reduced to the keys.
func NormalizeAll(paths []string) ([]string, error) {
	entries, err := NormalizeEntries(paths)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, entry := range entries {
		out[i] = entry.Key
	}
	return out, nil
}

// Locate finds the on-disk spelling of a normalized key under root, matching
// each segment by its NFC form when the exact spelling is absent. The result
// is slash-separated and root-relative; fs.ErrNotExist means no match.
func Locate(root, key string) (string, error) {
	normalized, err := Normalize(key)
	if err != nil {
		return "", err
	}
	found := make([]string, 0, strings.Count(normalized, "/")+1)
	dir := root
	for _, segment := range strings.Split(normalized, "/") {
		name := segment
		if _, err := os.Lstat(filepath.Join(dir, name)); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return "", err
			}
			name, err = matchNFC(dir, segment)
			if err != nil {
				return "", err
			}
		}
		found = append(found, name)
		dir = filepath.Join(dir, name)
	}
	return strings.Join(found, "/"), nil
}

func matchNFC(dir, segment string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if norm.NFC.String(entry.Name()) == segment {
			return entry.Name(), nil
		}
	}
	return "", fmt.Errorf("%s: %w", path.Join(filepath.ToSlash(dir), segment), fs.ErrNotExist)
}

// HasParentSegment reports whether any slash- or backslash-separated segment is "..".
func HasParentSegment(p string) bool {
	for _, segment := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return true
		}
	}
	return false
}
