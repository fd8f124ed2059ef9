package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/pathx"
	"github.com/davidahmann/sterile/core/sterility"
)

type Outcome string

const (
	OutcomeMatch    Outcome = "match"
	OutcomeMismatch Outcome = "mismatch"
)

// ManifestEntry compares the pinned and the observed hash of one dataset
// file. An empty side never matches.
type ManifestEntry struct {
	Name     string `json:"name"`
	Expected string `json:"expected"`
	Observed string `json:"observed"`
	// Removed is set when the observed file was deleted because it mismatched.
	Removed bool `json:"removed,omitempty"`
}

func (e ManifestEntry) Outcome() Outcome {
	if e.Expected != "" && e.Expected == e.Observed {
		return OutcomeMatch
	}
	return OutcomeMismatch
}

// Observe hashes the named files under dir. Names are normalized keys; a file
// stored under another Unicode spelling of the same name is still found.
func Observe(dir string, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		target, err := locate(dir, name)
		if err != nil {
			return nil, err
		}
		digest, err := hashtree.SHA256File(target)
		if err != nil {
			return nil, err
		}
		out[name] = digest
	}
	return out, nil
}

// VerifyAgainstManifest compares every observed and every expected name.
// Each observed file that mismatches is deleted from dir before returning, so
// no unverified bytes stay behind. The returned error carries
// checksum_mismatch and names each file with both hashes.
func VerifyAgainstManifest(dir string, observed, expected map[string]string) ([]ManifestEntry, error) {
	names := make([]string, 0, len(observed)+len(expected))
	for name := range observed {
		names = append(names, name)
	}
	for name := range expected {
		if _, ok := observed[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	entries := make([]ManifestEntry, 0, len(names))
	var details []string
	var removeErrs []string
	for _, name := range names {
		entry := ManifestEntry{
			Name:     name,
			Expected: strings.ToLower(expected[name]),
			Observed: strings.ToLower(observed[name]),
		}
		if entry.Outcome() == OutcomeMismatch {
			details = append(details, fmt.Sprintf("%s expected=%s observed=%s", name, display(entry.Expected), display(entry.Observed)))
			if entry.Observed != "" {
				removed, err := removeUnverified(dir, name)
				if err != nil {
					removeErrs = append(removeErrs, err.Error())
				}
				entry.Removed = removed
			}
		}
		entries = append(entries, entry)
	}
	if len(details) == 0 {
		return entries, nil
	}
	hint := "re-fetch the file from its source and compare against the pinned hash"
	if len(removeErrs) > 0 {
		hint = "remove the unverified files by hand: " + strings.Join(removeErrs, "; ")
	}
	return entries, coreerrors.New(
		coreerrors.CategoryVerification,
		coreerrors.CodeChecksumMismatch,
		hint,
		details,
		"%d checksum mismatch(es): %s", len(details), strings.Join(details, "; "),
	)
}

func removeUnverified(dir, name string) (bool, error) {
	target, err := locate(dir, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove %s: %w", name, err)
	}
	return true, nil
}

func locate(dir, name string) (string, error) {
	if _, err := sterility.VerifyPathSafety(dir, name); err != nil {
		return "", err
	}
	disk, err := pathx.Locate(dir, name)
	if err != nil {
		return "", err
	}
	return sterility.VerifyPathSafety(dir, disk)
}

func display(digest string) string {
	if digest == "" {
		return "<none>"
	}
	return digest
}
