package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/hashtree"
)

// Normalization constants. Archive bytes are a pure function of the sorted
// (path, content, executable bit) list and these values.
var FixedModTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

const CompressionLevel = gzip.BestCompression

const (
	fileMode int64 = 0o644
	execMode int64 = 0o755
)

// Build writes the tree's files under root into a deterministic tar.gz. Every
// file is re-read and must still match the digest recorded in tree.
func Build(root string, tree hashtree.Tree) ([]byte, error) {
	if len(tree.Files) == 0 {
		return nil, fmt.Errorf("no files to archive")
	}
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	// Zero header fields keep the container free of names and timestamps.
	gz.Header = gzip.Header{OS: 255}

	tw := tar.NewWriter(gz)
	previous := ""
	for _, entry := range tree.Files {
		if entry.Path <= previous {
			return nil, fmt.Errorf("archive entries not strictly sorted at %q", entry.Path)
		}
		previous = entry.Path

		content, err := readVerified(root, entry)
		if err != nil {
			return nil, err
		}
		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     entry.Path,
			Size:     int64(len(content)),
			Mode:     normalizedMode(entry.Mode),
			ModTime:  FixedModTime,
			Uid:      0,
			Gid:      0,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header %s: %w", entry.Path, err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, fmt.Errorf("write tar entry %s: %w", entry.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func normalizedMode(mode os.FileMode) int64 {
	if mode&0o111 != 0 {
		return execMode
	}
	return fileMode
}

func readVerified(root string, entry hashtree.FileEntry) ([]byte, error) {
	full := filepath.Join(root, filepath.FromSlash(entry.DiskPath()))
	info, err := os.Lstat(full)
	if err != nil {
		return nil, packError(entry.Path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, packError(entry.Path, fmt.Errorf("no longer a regular file"))
	}
	// #nosec G304 -- path is a normalized tracked path under the audited root.
	content, err := os.ReadFile(full)
	if err != nil {
		return nil, packError(entry.Path, err)
	}
	if actual := SHA256Hex(content); actual != entry.SHA256 {
		return nil, packError(entry.Path, fmt.Errorf("content changed since hashing: %s != %s", actual, entry.SHA256))
	}
	return content, nil
}

func packError(path string, cause error) error {
	return coreerrors.New(
		coreerrors.CategoryIOFailure,
		coreerrors.CodeHashComputation,
		"stop concurrent writers and package again",
		[]string{path},
		"package %s: %v", path, cause,
	)
}

func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
