package rebuild

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/pathx"
	"github.com/davidahmann/sterile/core/sterility"
)

// Entry is one archive member that passed the integrity pass.
type Entry struct {
	Name string
	Size int64
	Exec bool
}

// Inspect decompresses the whole archive, checking the gzip CRC and every tar
// header, and returns its regular-file entries. Nothing touches the disk.
func Inspect(data []byte) ([]Entry, error) {
	entries := []Entry{}
	err := walk(data, func(header *tar.Header, body io.Reader) error {
		if _, err := io.Copy(io.Discard, body); err != nil {
			return corrupt(fmt.Errorf("read entry %s: %w", header.Name, err))
		}
		entries = append(entries, Entry{Name: header.Name, Size: header.Size, Exec: header.Mode&0o111 != 0})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, corrupt(fmt.Errorf("archive contains no files"))
	}
	return entries, nil
}

// Extract writes every regular entry under dest. Ownership and timestamps in
// the archive are ignored. Callers run Inspect first; Extract still rejects
// unsafe entries on its own.
func Extract(data []byte, dest string) ([]string, error) {
	var written []string
	err := walk(data, func(header *tar.Header, body io.Reader) error {
		target, err := sterility.VerifyPathSafety(dest, header.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("create parent for %s: %w", header.Name, err)
		}
		mode := os.FileMode(0o644)
		if header.Mode&0o111 != 0 {
			mode = 0o755
		}
		// #nosec G304 -- target was checked to stay under dest.
		file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
		if err != nil {
			return fmt.Errorf("create %s: %w", header.Name, err)
		}
		if _, err := io.Copy(file, body); err != nil {
			_ = file.Close()
			return corrupt(fmt.Errorf("write %s: %w", header.Name, err))
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close %s: %w", header.Name, err)
		}
		written = append(written, header.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// walk streams data and applies fn to each regular-file entry after the entry
// type and name have been validated.
func walk(data []byte, fn func(*tar.Header, io.Reader) error) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return corrupt(fmt.Errorf("open gzip stream: %w", err))
	}
	defer func() { _ = gz.Close() }()

	seen := map[string]struct{}{}
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return corrupt(fmt.Errorf("read tar header: %w", err))
		}
		if err := checkHeader(header); err != nil {
			return err
		}
		if _, dup := seen[header.Name]; dup {
			return corrupt(fmt.Errorf("duplicate entry %s", header.Name))
		}
		seen[header.Name] = struct{}{}
		if err := fn(header, tr); err != nil {
			return err
		}
	}
	// Drain to the end of the gzip member so the trailing CRC is checked.
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return corrupt(fmt.Errorf("verify gzip trailer: %w", err))
	}
	return nil
}

func checkHeader(header *tar.Header) error {
	switch header.Typeflag {
	case tar.TypeReg:
	case tar.TypeSymlink, tar.TypeLink:
		return coreerrors.New(
			coreerrors.CategoryVerification,
			coreerrors.CodeSymlinkDetected,
			"treat the archive as untrustworthy",
			[]string{header.Name},
			"archive entry %s is a link to %q", header.Name, header.Linkname,
		)
	default:
		return corrupt(fmt.Errorf("archive entry %s has unsupported type %q", header.Name, header.Typeflag))
	}
	normalized, err := pathx.Normalize(header.Name)
	if err != nil || pathx.HasParentSegment(header.Name) {
		return coreerrors.New(
			coreerrors.CategoryVerification,
			coreerrors.CodePathTraversal,
			"treat the archive as untrustworthy",
			[]string{header.Name},
			"archive entry %q is not a safe relative path", header.Name,
		)
	}
	if normalized != header.Name {
		return corrupt(fmt.Errorf("archive entry %q is not in normalized form %q", header.Name, normalized))
	}
	return nil
}

func corrupt(cause error) error {
	return coreerrors.Wrap(cause, coreerrors.CategoryVerification, coreerrors.CodeArchiveCorrupt, "the archive failed its integrity check; fetch a fresh copy")
}
