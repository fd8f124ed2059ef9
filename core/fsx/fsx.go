package fsx

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFileAtomic replaces path with content via a synced temp file and rename,
// creating missing parent directories. A destination that is a symlink is
// refused rather than followed.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	if err := RefuseSymlink(path); err != nil {
		return err
	}
	parent := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false
	syncDirectory(parent)
	return nil
}

// WriteFileOnce writes content to path unless a file already exists there.
// An existing file with identical bytes is accepted; different bytes are an
// error, so content-addressed artifacts are never silently replaced.
func WriteFileOnce(path string, content []byte, mode os.FileMode) (bool, error) {
	if err := RefuseSymlink(path); err != nil {
		return false, err
	}
	// #nosec G304 -- destination path is chosen by the caller's output directory.
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if bytes.Equal(existing, content) {
			return false, nil
		}
		return false, fmt.Errorf("%s already exists with different content", path)
	case !os.IsNotExist(err):
		return false, fmt.Errorf("read existing %s: %w", path, err)
	}
	if err := WriteFileAtomic(path, content, mode); err != nil {
		return false, err
	}
	return true, nil
}

// RefuseSymlink fails when path exists and is a symbolic link.
func RefuseSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat destination: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to write through symlink: %s", path)
	}
	return nil
}

func syncDirectory(path string) {
	// #nosec G304 -- directory path is derived from an explicit destination path.
	if dirHandle, err := os.Open(path); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
}
