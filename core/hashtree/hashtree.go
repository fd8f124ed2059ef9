// Package hashtree computes per-file SHA-256 digests over a tracked file set
// and folds them into one Merkle root that depends only on (path, content).
package hashtree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/pathx"
)

// FileEntry is one hashed leaf. Path is normalized and root-relative.
type FileEntry struct {
	Path   string      `json:"path"`
	SHA256 string      `json:"sha256"`
	Size   int64       `json:"size"`
	Mode   os.FileMode `json:"mode"`
	// disk is the on-disk spelling when it differs from Path.
	disk string
}

// DiskPath is the root-relative, slash-separated name to open for this entry.
func (e FileEntry) DiskPath() string {
	if e.disk != "" {
		return e.disk
	}
	return e.Path
}

type Tree struct {
	Files []FileEntry `json:"files"`
	Root  string      `json:"merkle_root"`
}

type Options struct {
	// Workers bounds concurrent file hashing; values below 2 hash serially.
	Workers int
	Logger  *slog.Logger
}

// Build hashes paths under root and returns the sorted tree. paths is the
// complete tracked set; its order is irrelevant.
func Build(root string, paths []string, opts Options) (Tree, error) {
	normalized, err := pathx.NormalizeEntries(paths)
	if err != nil {
		return Tree{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeHashComputation, "list each tracked file once by its root-relative path")
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].Key < normalized[j].Key })

	entries := make([]FileEntry, len(normalized))
	errs := make([]error, len(normalized))
	hashOne := func(index int) {
		entries[index], errs[index] = hashFile(root, normalized[index])
	}
	if opts.Workers < 2 {
		for index := range normalized {
			hashOne(index)
		}
	} else {
		jobs := make(chan int)
		var group sync.WaitGroup
		for worker := 0; worker < opts.Workers; worker++ {
			group.Add(1)
			go func() {
				defer group.Done()
				for index := range jobs {
					hashOne(index)
				}
			}()
		}
		for index := range normalized {
			jobs <- index
		}
		close(jobs)
		group.Wait()
	}
	for _, err := range errs {
		if err != nil {
			return Tree{}, err
		}
	}

	merkleRoot, err := MerkleRoot(entries)
	if err != nil {
		return Tree{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeHashComputation, "track at least one regular file")
	}
	if opts.Logger != nil {
		opts.Logger.Debug("hash tree built", "files", len(entries), "merkle_root", merkleRoot)
	}
	return Tree{Files: entries, Root: merkleRoot}, nil
}

// BuildDir hashes every regular file under dir. Symlinks and other special
// files make it fail rather than being skipped.
func BuildDir(dir string, opts Options) (Tree, error) {
	paths, err := ListFiles(dir)
	if err != nil {
		return Tree{}, err
	}
	return Build(dir, paths, opts)
}

// ListFiles returns the slash-separated relative path of every file under dir.
func ListFiles(dir string) ([]string, error) {
	return ListFilesExcept(dir, nil)
}

// ListFilesExcept is ListFiles skipping directories named in exclude at any
// depth.
func ListFilesExcept(dir string, exclude []string) ([]string, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		skip[name] = struct{}{}
	}
	var paths []string
	walkErr := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if _, ok := skip[entry.Name()]; ok && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return hashError(path, fmt.Errorf("not a regular file (%s)", entry.Type()))
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		if coreerrors.CodeOf(walkErr) != "" {
			return nil, walkErr
		}
		return nil, hashError(dir, walkErr)
	}
	return paths, nil
}

// Lookup returns the entry for a normalized path.
func (t Tree) Lookup(path string) (FileEntry, bool) {
	index := sort.Search(len(t.Files), func(i int) bool { return t.Files[i].Path >= path })
	if index < len(t.Files) && t.Files[index].Path == path {
		return t.Files[index], true
	}
	return FileEntry{}, false
}

func (t Tree) Paths() []string {
	out := make([]string, len(t.Files))
	for i, entry := range t.Files {
		out[i] = entry.Path
	}
	return out
}

// Diff names every path whose presence or digest differs between want and
// got, prefixed with "added: ", "removed: " or "changed: ". The result is
// sorted by path.
func Diff(want, got Tree) []string {
	var out []string
	for _, path := range want.Paths() {
		expected, _ := want.Lookup(path)
		actual, ok := got.Lookup(path)
		switch {
		case !ok:
			out = append(out, "removed: "+path)
		case actual.SHA256 != expected.SHA256:
			out = append(out, "changed: "+path)
		}
	}
	for _, path := range got.Paths() {
		if _, ok := want.Lookup(path); !ok {
			out = append(out, "added: "+path)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return diffPath(out[i]) < diffPath(out[j])
	})
	return out
}

func diffPath(line string) string {
	_, path, _ := strings.Cut(line, ": ")
	return path
}

func hashFile(root string, path pathx.Entry) (FileEntry, error) {
	rel := path.Key
	full := filepath.Join(root, filepath.FromSlash(path.Disk))
	before, err := os.Lstat(full)
	if err != nil {
		return FileEntry{}, hashError(rel, err)
	}
	if before.Mode()&os.ModeSymlink != 0 {
		return FileEntry{}, hashError(rel, fmt.Errorf("is a symlink"))
	}
	if !before.Mode().IsRegular() {
		return FileEntry{}, hashError(rel, fmt.Errorf("not a regular file (%s)", before.Mode().Type()))
	}

	// #nosec G304 -- path is a normalized tracked path joined under the audited root.
	file, err := os.Open(full)
	if err != nil {
		return FileEntry{}, hashError(rel, err)
	}
	defer func() {
		_ = file.Close()
	}()
	opened, err := file.Stat()
	if err != nil {
		return FileEntry{}, hashError(rel, err)
	}
	if !os.SameFile(before, opened) {
		return FileEntry{}, hashError(rel, fmt.Errorf("file was replaced between listing and reading"))
	}

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return FileEntry{}, hashError(rel, err)
	}
	if size != opened.Size() {
		return FileEntry{}, hashError(rel, fmt.Errorf("size changed while hashing: %d != %d", size, opened.Size()))
	}
	entry := FileEntry{
		Path:   rel,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
		Size:   size,
		Mode:   opened.Mode().Perm(),
	}
	if path.Disk != rel {
		entry.disk = path.Disk
	}
	return entry, nil
}

func hashError(path string, cause error) error {
	return coreerrors.New(
		coreerrors.CategoryIOFailure,
		coreerrors.CodeHashComputation,
		"restore the file as a readable regular file and rerun",
		[]string{path},
		"hash %s: %v", path, cause,
	)
}

// SHA256File is the raw-bytes digest of one file, used by the ledger and packager.
func SHA256File(path string) (string, error) {
	// #nosec G304 -- caller supplies an explicit artifact path.
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
