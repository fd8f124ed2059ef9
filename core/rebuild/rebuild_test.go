package rebuild

import (
	"archive/tar"
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/sterile/core/archive"
	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/sign"
	"github.com/davidahmann/sterile/core/vcs"
	"github.com/davidahmann/sterile/internal/testutil"
)

const testCommit = "9fceb02d0ae598e95dc970b74767f19372d61af8"

func packageFixture(t *testing.T, signKey ed25519.PrivateKey) archive.Result {
	t.Helper()
	root := t.TempDir()
	paths := testutil.WriteTree(t, root, map[string]string{
		"README.md":             "# fixture\n",
		"data/empty.txt":        "",
		"data/values.csv":       "a,b\n1,2\n",
		"docs/\u00fcber.txt":    "gr\u00fc\u00dfe \u65e5\u672c\n",
		"scripts/01_prepare.sh": "#!/bin/sh\nexit 0\n",
	})
	require.NoError(t, os.Chmod(filepath.Join(root, "scripts", "01_prepare.sh"), 0o755))
	result, err := archive.Package(context.Background(), archive.Options{
		Root:      root,
		Source:    vcs.Static{Commit: testCommit, Files: paths},
		OutputDir: t.TempDir(),
		SignKey:   signKey,
	})
	require.NoError(t, err)
	return result
}

func TestRebuildRoundTrip(t *testing.T) {
	packaged := packageFixture(t, nil)
	before := testutil.MustReadFile(t, packaged.ArchivePath)

	report, err := Rebuild(packaged.ArchivePath, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, report.Match)
	assert.Equal(t, 5, report.Files)
	assert.Equal(t, packaged.Note.MerkleRoot, report.ExpectedRoot)
	assert.Equal(t, packaged.Note.MerkleRoot, report.RecomputedRoot)
	assert.Equal(t, packaged.NotePath, report.NotePath)
	assert.Equal(t, before, testutil.MustReadFile(t, packaged.ArchivePath))

	info, err := os.Stat(filepath.Join(report.ExtractDir, "scripts", "01_prepare.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm()&0o755)
	empty, err := os.Stat(filepath.Join(report.ExtractDir, "data", "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, empty.Size())
}

func TestRebuildIsIdempotent(t *testing.T) {
	packaged := packageFixture(t, nil)
	work := t.TempDir()
	first, err := Rebuild(packaged.ArchivePath, Options{WorkDir: work})
	require.NoError(t, err)
	second, err := Rebuild(packaged.ArchivePath, Options{WorkDir: work, Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, first.RecomputedRoot, second.RecomputedRoot)
	assert.NotEqual(t, first.ExtractDir, second.ExtractDir)
}

func TestTamperedExtractedContentIsMerkleMismatch(t *testing.T) {
	packaged := packageFixture(t, nil)
	report, err := Rebuild(packaged.ArchivePath, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	target := filepath.Join(report.ExtractDir, "data", "values.csv")
	content := testutil.MustReadFile(t, target)
	content[0] ^= 0x01
	require.NoError(t, os.WriteFile(target, content, 0o600))

	tree, err := VerifyTree(report.ExtractDir, packaged.Note.MerkleRoot, hashtree.Options{})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeMerkleMismatch, coreerrors.CodeOf(err))
	assert.NotEqual(t, packaged.Note.MerkleRoot, tree.Root)
	assert.Contains(t, coreerrors.DetailsOf(err), "expected="+packaged.Note.MerkleRoot)
}

func TestRebuildDetectsArchiveNotMatchingNoteRoot(t *testing.T) {
	packaged := packageFixture(t, nil)
	dir := t.TempDir()
	forged := testutil.BuildTarGz(t, []testutil.TarEntry{
		{Name: "README.md", Body: "# fixture\n"},
		{Name: "data/values.csv", Body: "a,b\n1,3\n"},
	})
	archivePath := filepath.Join(dir, "forged.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, forged, 0o600))
	note := packaged.Note
	note.Archive = "forged.tar.gz"
	note.ArchiveSHA256 = archive.SHA256Hex(forged)
	require.NoError(t, os.WriteFile(archive.NotePath(archivePath), note.Render(), 0o600))

	report, err := Rebuild(archivePath, Options{WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeMerkleMismatch, coreerrors.CodeOf(err))
	assert.False(t, report.Match)
	assert.NotEmpty(t, report.RecomputedRoot)
}

func TestRebuildRejectsArchiveHashDifferentFromNote(t *testing.T) {
	packaged := packageFixture(t, nil)
	data := testutil.MustReadFile(t, packaged.ArchivePath)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(packaged.ArchivePath, data, 0o600))

	_, err := Rebuild(packaged.ArchivePath, Options{WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeChecksumMismatch, coreerrors.CodeOf(err))
}

func TestRebuildRejectsCorruptContainer(t *testing.T) {
	packaged := packageFixture(t, nil)
	data := testutil.MustReadFile(t, packaged.ArchivePath)
	data[len(data)-6] ^= 0xff // inside the CRC32 trailer
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "corrupt.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, data, 0o600))

	work := t.TempDir()
	_, err := Rebuild(archivePath, Options{WorkDir: work})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeArchiveCorrupt, coreerrors.CodeOf(err))
	entries, readErr := os.ReadDir(work)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "nothing may be extracted from a corrupt archive")
}

func TestRebuildRejectsCraftedEntries(t *testing.T) {
	cases := map[string]struct {
		entries []testutil.TarEntry
		code    string
	}{
		"symlink": {
			entries: []testutil.TarEntry{
				{Name: "a.txt", Body: "a"},
				{Name: "passwd", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"},
			},
			code: coreerrors.CodeSymlinkDetected,
		},
		"hardlink": {
			entries: []testutil.TarEntry{
				{Name: "a.txt", Body: "a"},
				{Name: "b.txt", Typeflag: tar.TypeLink, Linkname: "a.txt"},
			},
			code: coreerrors.CodeSymlinkDetected,
		},
		"parent segment": {
			entries: []testutil.TarEntry{{Name: "../escape.txt", Body: "x"}},
			code:    coreerrors.CodePathTraversal,
		},
		"absolute": {
			entries: []testutil.TarEntry{{Name: "/tmp/escape.txt", Body: "x"}},
			code:    coreerrors.CodePathTraversal,
		},
		"directory entry": {
			entries: []testutil.TarEntry{{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0o755}},
			code:    coreerrors.CodeArchiveCorrupt,
		},
		"duplicate": {
			entries: []testutil.TarEntry{{Name: "a.txt", Body: "1"}, {Name: "a.txt", Body: "2"}},
			code:    coreerrors.CodeArchiveCorrupt,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			archivePath := filepath.Join(dir, "crafted.tar.gz")
			require.NoError(t, os.WriteFile(archivePath, testutil.BuildTarGz(t, tc.entries), 0o600))

			work := t.TempDir()
			_, err := Rebuild(archivePath, Options{WorkDir: work})
			require.Error(t, err)
			assert.True(t, coreerrors.HasCode(err, tc.code), "got %v", err)
			entries, readErr := os.ReadDir(work)
			require.NoError(t, readErr)
			assert.Empty(t, entries)
		})
	}
}

func TestRebuildWithoutNoteUsesExpectedRoot(t *testing.T) {
	packaged := packageFixture(t, nil)
	require.NoError(t, os.Remove(packaged.NotePath))

	report, err := Rebuild(packaged.ArchivePath, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, report.NotePath)
	assert.Empty(t, report.ExpectedRoot)
	assert.Equal(t, packaged.Note.MerkleRoot, report.RecomputedRoot)

	report, err = Rebuild(packaged.ArchivePath, Options{WorkDir: t.TempDir(), ExpectedRoot: packaged.Note.MerkleRoot})
	require.NoError(t, err)
	assert.True(t, report.Match)

	_, err = Rebuild(packaged.ArchivePath, Options{WorkDir: t.TempDir(), ExpectedRoot: strings.Repeat("0", 64)})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeMerkleMismatch, coreerrors.CodeOf(err))

	_, err = Rebuild(packaged.ArchivePath, Options{WorkDir: t.TempDir(), NotePath: packaged.NotePath})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
}

func TestRebuildRefusesArchiveWithNothingToCompare(t *testing.T) {
	packaged := packageFixture(t, nil)
	require.NoError(t, os.Remove(packaged.NotePath))
	downloaded := filepath.Join(t.TempDir(), "downloaded.tar.gz")
	require.NoError(t, os.WriteFile(downloaded, testutil.MustReadFile(t, packaged.ArchivePath), 0o600))

	work := t.TempDir()
	report, err := Rebuild(downloaded, Options{WorkDir: work})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeInvalidArgument, coreerrors.CodeOf(err))
	assert.False(t, report.Match)
	entries, readErr := os.ReadDir(work)
	require.NoError(t, readErr)
	assert.Empty(t, entries)

	report, err = Rebuild(downloaded, Options{WorkDir: work, ExpectedRoot: packaged.Note.MerkleRoot})
	require.NoError(t, err)
	assert.True(t, report.Match)
}

func TestRebuildChecksNameFingerprint(t *testing.T) {
	packaged := packageFixture(t, nil)
	renamed := filepath.Join(filepath.Dir(packaged.ArchivePath), "release_9fceb02_000000000000.tar.gz")
	require.NoError(t, os.Rename(packaged.ArchivePath, renamed))

	_, err := Rebuild(renamed, Options{WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeMerkleMismatch, coreerrors.CodeOf(err))
}

func TestRebuildVerifiesSignature(t *testing.T) {
	keys, err := sign.GenerateKeyPair()
	require.NoError(t, err)
	other, err := sign.GenerateKeyPair()
	require.NoError(t, err)
	packaged := packageFixture(t, keys.Private)

	report, err := Rebuild(packaged.ArchivePath, Options{WorkDir: t.TempDir(), PublicKey: keys.Public})
	require.NoError(t, err)
	assert.True(t, report.SignatureVerified)

	_, err = Rebuild(packaged.ArchivePath, Options{WorkDir: t.TempDir(), PublicKey: other.Public})
	require.Error(t, err)
}
