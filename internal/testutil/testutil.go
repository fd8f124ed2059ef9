package testutil

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func BuildSterileBinary(t *testing.T, root string) string {
	t.Helper()
	binDir := t.TempDir()
	binName := "sterile"
	if runtime.GOOS == "windows" {
		binName = "sterile.exe"
	}
	binPath := filepath.Join(binDir, binName)

	// #nosec G204 -- arguments are fixed and used only in test binaries.
	build := exec.Command("go", "build", "-o", binPath, "./cmd/sterile")
	build.Dir = root
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build sterile binary: %v\n%s", err, string(out))
	}
	return binPath
}

func CommandExitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected command exit error, got: %v", err)
	}
	return exitErr.ExitCode()
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteTree materializes files (slash path -> content) under root and returns
// the sorted path list.
func WriteTree(t *testing.T, root string, files map[string]string) []string {
	t.Helper()
	paths := make([]string, 0, len(files))
	for rel, content := range files {
		WriteFile(t, filepath.Join(root, filepath.FromSlash(rel)), []byte(content))
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

// TarEntry describes one member of a hand-crafted archive.
type TarEntry struct {
	Name     string
	Body     string
	Typeflag byte
	Linkname string
	Mode     int64
}

// BuildTarGz writes entries verbatim, in order, with no normalization. It is
// meant for archives a packager would never produce.
func BuildTarGz(t *testing.T, entries []TarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, entry := range entries {
		typeflag := entry.Typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		mode := entry.Mode
		if mode == 0 {
			mode = 0o644
		}
		header := &tar.Header{
			Name:     entry.Name,
			Typeflag: typeflag,
			Linkname: entry.Linkname,
			Mode:     mode,
			ModTime:  time.Date(2001, time.February, 3, 4, 5, 6, 0, time.UTC),
		}
		if typeflag == tar.TypeReg {
			header.Size = int64(len(entry.Body))
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("write header %s: %v", entry.Name, err)
		}
		if typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(entry.Body)); err != nil {
				t.Fatalf("write body %s: %v", entry.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// InitGitRepo writes files into a fresh directory and commits them. The test
// is skipped when git is not installed.
func InitGitRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	root := t.TempDir()
	WriteTree(t, root, files)
	Git(t, root, "init", "-q")
	Git(t, root, "add", "-A")
	Git(t, root, "-c", "user.name=sterile", "-c", "user.email=sterile@example.com", "-c", "commit.gpgsign=false", "commit", "-q", "-m", "initial")
	return root
}

// Git runs git in dir, isolated from the caller's global configuration.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	// #nosec G204 -- arguments are fixed by the calling test.
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_CONFIG_NOSYSTEM=1", "HOME="+dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}
