package fsx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockWait    = 30 * time.Second
	lockPoll    = 10 * time.Millisecond
	lockExpires = 2 * time.Minute
)

// ErrTornTail means the file does not end in a newline, so an earlier append
// was interrupted mid-record. Appending after it would merge two records.
var ErrTornTail = errors.New("file ends in a partial line")

// AppendLineLocked appends line and a newline under a sibling .lock file and
// fsyncs before returning. Bytes already in the file are never rewritten.
func AppendLineLocked(path string, line []byte, mode os.FileMode) error {
	target, err := appendTarget(path)
	if err != nil {
		return err
	}
	if strings.ContainsRune(string(line), '\n') {
		return fmt.Errorf("append record must be a single line")
	}
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("create append directory: %w", err)
	}
	if err := RefuseSymlink(target); err != nil {
		return err
	}
	record := append(append(make([]byte, 0, len(line)+1), line...), '\n')

	err = withLock(target+".lock", func() error {
		// #nosec G304 -- append target is a validated local or absolute path.
		file, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_APPEND, mode)
		if err != nil {
			return fmt.Errorf("open %s: %w", target, err)
		}
		defer func() { _ = file.Close() }()
		if err := checkTail(file); err != nil {
			return fmt.Errorf("append to %s: %w", target, err)
		}
		if _, err := file.Write(record); err != nil {
			return fmt.Errorf("append to %s: %w", target, err)
		}
		if err := file.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", target, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	syncDirectory(parent)
	return nil
}

func checkTail(file *os.File) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if last[0] != '\n' {
		return ErrTornTail
	}
	return nil
}

// withLock holds an O_EXCL lock file for the duration of fn. A lock older
// than lockExpires is treated as abandoned by a crashed writer.
func withLock(lockPath string, fn func() error) error {
	deadline := time.Now().Add(lockWait)
	for {
		// #nosec G304 -- lock path is derived from a validated append target.
		lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lock.Close()
			defer func() { _ = os.Remove(lockPath) }()
			return fn()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire %s: %w", lockPath, err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockExpires {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", lockPath)
		}
		time.Sleep(lockPoll)
	}
}

func appendTarget(path string) (string, error) {
	clean := filepath.Clean(path)
	if !filepath.IsLocal(clean) && !filepath.IsAbs(clean) {
		return "", fmt.Errorf("append path must be local relative or absolute: %s", path)
	}
	return clean, nil
}
