package ledger

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/sterile/core/fsx"
	"github.com/davidahmann/sterile/core/pathx"
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Checksum is one "hash  path" line of a checksum manifest.
type Checksum struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ParseManifest reads newline-delimited "hash  path" records in sha256sum's
// format, including its backslash-escaped lines. Blank lines and lines
// starting with '#' are ignored. Names are taken verbatim up to the line end,
// so trailing spaces survive; a backslash inside a name is read as a
// directory separator once unescaped. Hashes are accepted in either case and
// returned lowercase.
func ParseManifest(r io.Reader) ([]Checksum, error) {
	var entries []Checksum
	seen := map[string]string{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		hash, rel, blank, err := pathx.ParseChecksumLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		if blank {
			continue
		}
		digest := strings.ToLower(hash)
		if !sha256Pattern.MatchString(digest) {
			return nil, fmt.Errorf("manifest line %d: %q is not a sha256 hex digest", line, hash)
		}
		normalized, err := pathx.Normalize(rel)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		if previous, ok := seen[normalized]; ok {
			if previous != digest {
				return nil, fmt.Errorf("manifest line %d: %s listed twice with different hashes", line, normalized)
			}
			continue
		}
		seen[normalized] = digest
		entries = append(entries, Checksum{Path: normalized, SHA256: digest})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return entries, nil
}

func ReadManifest(manifestPath string) ([]Checksum, error) {
	// #nosec G304 -- manifest path is explicit caller input.
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(bytes.NewReader(data))
}

// RenderManifest writes entries sorted by path under a two-line header.
func RenderManifest(entries []Checksum, createdAt time.Time) []byte {
	sorted := append([]Checksum(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	var b strings.Builder
	b.WriteString("# SHA-256 checksums\n")
	fmt.Fprintf(&b, "# Generated: %s\n", createdAt.UTC().Format(time.RFC3339))
	for _, entry := range sorted {
		b.WriteString(pathx.ChecksumLine(entry.SHA256, entry.Path) + "\n")
	}
	return []byte(b.String())
}

func WriteManifest(manifestPath string, entries []Checksum, createdAt time.Time) error {
	if err := fsx.WriteFileAtomic(manifestPath, RenderManifest(entries, createdAt), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ByFilename keys checksums by base filename, the key sources.yml uses. Two
// paths sharing a filename with different hashes are ambiguous.
func ByFilename(entries []Checksum) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		name := path.Base(entry.Path)
		if previous, ok := out[name]; ok && previous != entry.SHA256 {
			return nil, fmt.Errorf("filename %s appears with two different hashes", name)
		}
		out[name] = entry.SHA256
	}
	return out, nil
}
