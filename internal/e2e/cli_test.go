package e2e

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidahmann/sterile/internal/testutil"
)

type packageResult struct {
	OK          bool   `json:"ok"`
	ArchivePath string `json:"archive_path"`
	NotePath    string `json:"note_path"`
	Note        struct {
		Commit     string `json:"commit"`
		MerkleRoot string `json:"merkle_root"`
	} `json:"note"`
}

type rebuildResult struct {
	OK             bool   `json:"ok"`
	Match          bool   `json:"match"`
	RecomputedRoot string `json:"recomputed_root"`
	ErrorCode      string `json:"error_code"`
}

var projectFiles = map[string]string{
	"README.md":              "# Cepheid ladder audit\n",
	"data/raw/.keep":         "",
	"scripts/01_clean.py":    "print('clean')\n",
	"scripts/02_fit.py":      "print('fit')\n",
	"results/h0_summary.txt": "H0 = 73.0 +/- 1.0\n",
}

func TestCLIPackageRebuildAcrossClones(t *testing.T) {
	binPath := testutil.BuildSterileBinary(t, testutil.RepoRoot(t))
	first := testutil.InitGitRepo(t, projectFiles)

	// A second checkout of the same content with different mtimes.
	second := t.TempDir()
	testutil.Git(t, second, "clone", "-q", first, "clone")
	second = filepath.Join(second, "clone")
	old := time.Date(2003, time.March, 4, 5, 6, 7, 0, time.UTC)
	for rel := range projectFiles {
		if err := os.Chtimes(filepath.Join(second, filepath.FromSlash(rel)), old, old); err != nil {
			t.Fatalf("chtimes %s: %v", rel, err)
		}
	}

	firstOut := t.TempDir()
	secondOut := t.TempDir()
	one := runPackage(t, binPath, first, firstOut)
	two := runPackage(t, binPath, second, secondOut)
	if filepath.Base(one.ArchivePath) != filepath.Base(two.ArchivePath) || one.Note.MerkleRoot != two.Note.MerkleRoot {
		t.Fatalf("clones disagree: %+v vs %+v", one, two)
	}
	if !bytes.Equal(testutil.MustReadFile(t, one.ArchivePath), testutil.MustReadFile(t, two.ArchivePath)) {
		t.Fatalf("archives from two clones differ")
	}
	if !bytes.Equal(testutil.MustReadFile(t, one.NotePath), testutil.MustReadFile(t, two.NotePath)) {
		t.Fatalf("notes from two clones differ")
	}

	rebuild := exec.Command(binPath, "--json", "rebuild", one.ArchivePath, "--work-dir", t.TempDir(), "--cleanup")
	out, err := rebuild.Output()
	if err != nil {
		t.Fatalf("sterile rebuild failed: %v\n%s", err, out)
	}
	var rebuilt rebuildResult
	if err := json.Unmarshal(out, &rebuilt); err != nil {
		t.Fatalf("parse rebuild output: %v\n%s", err, out)
	}
	if !rebuilt.OK || !rebuilt.Match || rebuilt.RecomputedRoot != one.Note.MerkleRoot {
		t.Fatalf("unexpected rebuild result: %+v", rebuilt)
	}
}

func TestCLIRebuildRejectsTamperedArchive(t *testing.T) {
	binPath := testutil.BuildSterileBinary(t, testutil.RepoRoot(t))
	root := testutil.InitGitRepo(t, projectFiles)
	result := runPackage(t, binPath, root, t.TempDir())

	data := testutil.MustReadFile(t, result.ArchivePath)
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(result.ArchivePath, data, 0o600); err != nil {
		t.Fatalf("tamper archive: %v", err)
	}

	workDir := t.TempDir()
	rebuild := exec.Command(binPath, "--json", "rebuild", result.ArchivePath, "--work-dir", workDir)
	out, err := rebuild.Output()
	if code := testutil.CommandExitCode(t, err); code != 2 {
		t.Fatalf("expected exit 2 for tampered archive, got %d\n%s", code, out)
	}
	var rebuilt rebuildResult
	if err := json.Unmarshal(out, &rebuilt); err != nil {
		t.Fatalf("parse rebuild output: %v\n%s", err, out)
	}
	if rebuilt.OK || rebuilt.ErrorCode != "checksum_mismatch" {
		t.Fatalf("unexpected tampered rebuild result: %+v", rebuilt)
	}
	entries, err := os.ReadDir(workDir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("tampered archive must not be extracted: %v (%v)", entries, err)
	}
}

func TestCLIPackageRefusesDirtyTree(t *testing.T) {
	binPath := testutil.BuildSterileBinary(t, testutil.RepoRoot(t))
	root := testutil.InitGitRepo(t, projectFiles)
	testutil.WriteFile(t, filepath.Join(root, "results", "scratch.txt"), []byte("draft\n"))

	outputDir := t.TempDir()
	pack := exec.Command(binPath, "--root", root, "package", "--output-dir", outputDir)
	out, err := pack.CombinedOutput()
	if code := testutil.CommandExitCode(t, err); code != 2 {
		t.Fatalf("expected exit 2 for dirty tree, got %d\n%s", code, out)
	}
	if !bytes.Contains(out, []byte("dirty_tree")) || !bytes.Contains(out, []byte("results/scratch.txt")) {
		t.Fatalf("unexpected dirty tree output: %s", out)
	}
	entries, err := os.ReadDir(outputDir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("dirty tree must not produce artifacts: %v (%v)", entries, err)
	}
}

func runPackage(t *testing.T, binPath, root, outputDir string) packageResult {
	t.Helper()
	pack := exec.Command(binPath, "--json", "--root", root, "package", "--output-dir", outputDir)
	out, err := pack.Output()
	if err != nil {
		t.Fatalf("sterile package in %s failed: %v\n%s", root, err, out)
	}
	var result packageResult
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("parse package output: %v\n%s", err, out)
	}
	if !result.OK || result.ArchivePath == "" {
		t.Fatalf("unexpected package result: %+v", result)
	}
	return result
}
