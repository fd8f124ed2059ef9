package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/sterile/core/archive"
	"github.com/davidahmann/sterile/core/sign"
	"github.com/davidahmann/sterile/internal/testutil"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func runJSON(t *testing.T, args ...string) (int, map[string]any) {
	t.Helper()
	code, stdout, stderr := runCLI(t, append([]string{"--json"}, args...)...)
	var payload map[string]any
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		t.Fatalf("decode output of %v: %v\nstdout=%s\nstderr=%s", args, err, stdout, stderr)
	}
	return code, payload
}

func TestRunDispatch(t *testing.T) {
	if code, _, _ := runCLI(t); code != exitOK {
		t.Fatalf("run without args: expected %d got %d", exitOK, code)
	}
	if code, _, _ := runCLI(t, "unknown"); code != exitInvalidInput {
		t.Fatalf("run unknown: expected %d got %d", exitInvalidInput, code)
	}
	if code, _, _ := runCLI(t, "hash", "--no-such-flag"); code != exitInvalidInput {
		t.Fatalf("run unknown flag: expected %d got %d", exitInvalidInput, code)
	}
	for _, args := range [][]string{
		{"check", "--help"},
		{"hash", "--help"},
		{"package", "--help"},
		{"rebuild", "--help"},
		{"manifest", "verify", "--help"},
		{"seal", "status", "--help"},
		{"provenance", "record", "--help"},
	} {
		if code, _, _ := runCLI(t, args...); code != exitOK {
			t.Fatalf("run %v: expected %d got %d", args, exitOK, code)
		}
	}
}

func TestVersionOutput(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	if code != exitOK || strings.TrimSpace(stdout) != "sterile "+version {
		t.Fatalf("unexpected version output: code=%d stdout=%q", code, stdout)
	}
	code, payload := runJSON(t, "version")
	if code != exitOK || payload["ok"] != true || payload["version"] != version {
		t.Fatalf("unexpected version json: code=%d payload=%v", code, payload)
	}
}

func TestMainEntrypoint(t *testing.T) {
	if os.Getenv("STERILE_TEST_MAIN") == "1" {
		os.Args = []string{"sterile", "version"}
		main()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestMainEntrypoint")
	cmd.Env = append(os.Environ(), "STERILE_TEST_MAIN=1")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run child process: %v", err)
	}
}

func TestInvalidConfigIsInvalidInput(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, filepath.Join(root, ".sterile", "config.yaml"), []byte("hash:\n  workers: -1\n"))
	code, payload := runJSON(t, "--root", root, "version")
	if code != exitInvalidInput || payload["error_category"] != "invalid_input" {
		t.Fatalf("expected invalid input for bad config: code=%d payload=%v", code, payload)
	}

	missing := filepath.Join(root, "missing.yaml")
	if code, _, _ := runCLI(t, "--root", root, "--config", missing, "version"); code != exitInvalidInput {
		t.Fatalf("explicit missing config: expected %d got %d", exitInvalidInput, code)
	}
}

func TestCheckCommand(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"data/raw/.keep":      "",
		"scripts/analysis.py": "print('ok')\n",
	})

	code, payload := runJSON(t, "--root", root, "check")
	if code != exitOK || payload["status"] != "pass" {
		t.Fatalf("expected clean check to pass: code=%d payload=%v", code, payload)
	}

	if err := os.Symlink("analysis.py", filepath.Join(root, "scripts", "alias.py")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}
	code, payload = runJSON(t, "--root", root, "check")
	if code != exitVerifyFailed {
		t.Fatalf("symlink check: expected %d got %d", exitVerifyFailed, code)
	}
	if payload["ok"] != false || payload["error_code"] != "sterility_violation" || payload["status"] != "fail" {
		t.Fatalf("unexpected symlink payload: %v", payload)
	}

	code, stdout, stderr := runCLI(t, "--root", root, "check")
	if code != exitVerifyFailed {
		t.Fatalf("text symlink check: expected %d got %d", exitVerifyFailed, code)
	}
	if !strings.Contains(stdout, "no_symlinks: fail") || !strings.Contains(stderr, "sterility_violation") {
		t.Fatalf("unexpected text output:\nstdout=%s\nstderr=%s", stdout, stderr)
	}
}

func TestHashWriteAndVerify(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"README.md":       "# audit\n",
		"scripts/run.sh":  "#!/bin/sh\necho ok\n",
		".git/HEAD":       "ref: refs/heads/main\n",
		"data/raw/a.csv":  "x,y\n1,2\n",
		"data/raw/.keep":  "",
		"results/out.txt": "42\n",
	})

	code, payload := runJSON(t, "--root", root, "hash", "--source", "fs")
	if code != exitOK {
		t.Fatalf("hash: expected %d got %d (%v)", exitOK, code, payload)
	}
	if payload["file_count"] != float64(5) {
		t.Fatalf("expected 5 files excluding .git, got %v", payload["file_count"])
	}
	merkleRoot, _ := payload["merkle_root"].(string)
	if len(merkleRoot) != 64 {
		t.Fatalf("unexpected merkle root %q", merkleRoot)
	}
	for _, rel := range []string{"provenance/hash_tree.json", "provenance/hash_tree.txt"} {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			t.Fatalf("expected %s: %v", rel, err)
		}
	}
	listing := string(testutil.MustReadFile(t, filepath.Join(root, "provenance", "hash_tree.txt")))
	if !strings.Contains(listing, "# MerkleRoot: "+merkleRoot) {
		t.Fatalf("listing missing root:\n%s", listing)
	}

	// The written outputs never feed back into the root.
	code, payload = runJSON(t, "--root", root, "hash", "--source", "fs", "--verify")
	if code != exitOK || payload["verified"] != true || payload["merkle_root"] != merkleRoot {
		t.Fatalf("verify: code=%d payload=%v", code, payload)
	}

	testutil.WriteFile(t, filepath.Join(root, "results", "out.txt"), []byte("43\n"))
	code, payload = runJSON(t, "--root", root, "hash", "--source", "fs", "--verify")
	if code != exitVerifyFailed || payload["error_code"] != "merkle_mismatch" {
		t.Fatalf("tampered verify: code=%d payload=%v", code, payload)
	}
	if differences, _ := payload["differences"].([]any); len(differences) != 1 || differences[0] != "changed: results/out.txt" {
		t.Fatalf("tampered verify differences: %v", payload["differences"])
	}

	if code, _, _ := runCLI(t, "--root", root, "hash", "--source", "svn"); code != exitInvalidInput {
		t.Fatalf("bad source: expected %d got %d", exitInvalidInput, code)
	}

	if err := os.Symlink("README.md", filepath.Join(root, "link.md")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}
	code, payload = runJSON(t, "--root", root, "hash", "--source", "fs")
	if code != exitVerifyFailed || payload["error_code"] != "sterility_violation" {
		t.Fatalf("symlink hash: code=%d payload=%v", code, payload)
	}
}

func TestPackageRebuildFlow(t *testing.T) {
	root := testutil.InitGitRepo(t, map[string]string{
		"README.md":        "# audit\n",
		"data/raw/a.csv":   "x,y\n1,2\n",
		"scripts/fit.py":   "print('fit')\n",
		"results/table.md": "| a | b |\n",
	})
	outputDir := t.TempDir()
	keyDir := t.TempDir()
	pair, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	privatePath := filepath.Join(keyDir, "private.key")
	publicPath := filepath.Join(keyDir, "public.key")
	testutil.WriteFile(t, privatePath, []byte(base64.StdEncoding.EncodeToString(pair.Private)))
	testutil.WriteFile(t, publicPath, []byte(base64.StdEncoding.EncodeToString(pair.Public)))

	code, payload := runJSON(t, "--root", root, "package", "--output-dir", outputDir, "--private-key", privatePath)
	if code != exitOK {
		t.Fatalf("package: expected %d got %d (%v)", exitOK, code, payload)
	}
	archivePath, _ := payload["archive_path"].(string)
	note, _ := payload["note"].(map[string]any)
	if archivePath == "" || note == nil || payload["written"] != true || payload["file_count"] != float64(4) {
		t.Fatalf("unexpected package payload: %v", payload)
	}
	if !strings.HasPrefix(filepath.Base(archivePath), "release_") || note["signature"] == nil {
		t.Fatalf("unexpected archive name or unsigned note: %v", payload)
	}
	original := testutil.MustReadFile(t, archivePath)

	code, payload = runJSON(t, "--root", root, "package", "--output-dir", outputDir, "--private-key", privatePath)
	if code != exitOK || payload["written"] != false {
		t.Fatalf("repackage: code=%d payload=%v", code, payload)
	}
	if !bytes.Equal(original, testutil.MustReadFile(t, archivePath)) {
		t.Fatalf("repackaging changed archive bytes")
	}
	signedNote := testutil.MustReadFile(t, archive.NotePath(archivePath))
	code, payload = runJSON(t, "--root", root, "package", "--output-dir", outputDir)
	if code != exitVerifyFailed || payload["error_code"] != "archive_exists" {
		t.Fatalf("unsigned repackage over signed note: code=%d payload=%v", code, payload)
	}
	if !bytes.Equal(signedNote, testutil.MustReadFile(t, archive.NotePath(archivePath))) {
		t.Fatalf("existing note was rewritten")
	}

	// Hashing the same commit from git agrees with the packaged root.
	recordPath := filepath.Join(t.TempDir(), "hash_tree.json")
	code, payload = runJSON(t, "--root", root, "hash", "--record", recordPath, "--listing", "")
	if code != exitOK || payload["merkle_root"] != note["merkle_root"] {
		t.Fatalf("hash vs package root: code=%d payload=%v note=%v", code, payload, note)
	}

	workDir := t.TempDir()
	code, payload = runJSON(t, "--root", root, "rebuild", archivePath, "--work-dir", workDir, "--public-key", publicPath, "--cleanup")
	if code != exitOK {
		t.Fatalf("rebuild: expected %d got %d (%v)", exitOK, code, payload)
	}
	if payload["match"] != true || payload["signature_verified"] != true || payload["cleaned_up"] != true {
		t.Fatalf("unexpected rebuild payload: %v", payload)
	}
	if payload["recomputed_root"] != note["merkle_root"] {
		t.Fatalf("recomputed root %v differs from note %v", payload["recomputed_root"], note["merkle_root"])
	}
	entries, err := os.ReadDir(workDir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected cleaned work dir, got %v (%v)", entries, err)
	}

	code, payload = runJSON(t, "rebuild", archivePath, "--work-dir", workDir, "--cleanup", "--expected-root", strings.Repeat("0", 64))
	if code != exitVerifyFailed || payload["error_code"] != "merkle_mismatch" || payload["match"] != false {
		t.Fatalf("expected merkle mismatch: code=%d payload=%v", code, payload)
	}

	if code, _, _ := runCLI(t, "rebuild", archivePath, "--expected-root", "nothex"); code != exitInvalidInput {
		t.Fatalf("bad expected root: expected %d got %d", exitInvalidInput, code)
	}
	if code, _, _ := runCLI(t, "rebuild"); code != exitInvalidInput {
		t.Fatalf("rebuild without archive: expected %d got %d", exitInvalidInput, code)
	}

	testutil.WriteFile(t, filepath.Join(root, "results", "table.md"), []byte("| changed |\n"))
	code, payload = runJSON(t, "--root", root, "package", "--output-dir", outputDir)
	if code != exitVerifyFailed || payload["error_code"] != "dirty_tree" {
		t.Fatalf("dirty package: code=%d payload=%v", code, payload)
	}
}

func TestCommitFlagMustBeCheckedOut(t *testing.T) {
	root := testutil.InitGitRepo(t, map[string]string{"a.txt": "v1\n"})
	first := strings.TrimSpace(testutil.Git(t, root, "rev-parse", "HEAD"))
	testutil.WriteFile(t, filepath.Join(root, "a.txt"), []byte("v2\n"))
	testutil.Git(t, root, "-c", "user.name=sterile", "-c", "user.email=sterile@example.com", "-c", "commit.gpgsign=false", "commit", "-q", "-am", "second")
	head := strings.TrimSpace(testutil.Git(t, root, "rev-parse", "HEAD"))
	outputDir := t.TempDir()

	code, payload := runJSON(t, "--root", root, "package", "--output-dir", outputDir, "--commit", first)
	if code != exitInvalidInput || payload["error_code"] != "invalid_argument" {
		t.Fatalf("package of older commit: code=%d payload=%v", code, payload)
	}
	if entries, _ := os.ReadDir(outputDir); len(entries) != 0 {
		t.Fatalf("older commit left files behind: %v", entries)
	}
	recordPath := filepath.Join(t.TempDir(), "hash_tree.json")
	code, payload = runJSON(t, "--root", root, "hash", "--commit", first[:7], "--record", recordPath, "--listing", "")
	if code != exitInvalidInput || payload["error_code"] != "invalid_argument" {
		t.Fatalf("hash of older commit: code=%d payload=%v", code, payload)
	}

	code, payload = runJSON(t, "--root", root, "package", "--output-dir", outputDir, "--commit", "HEAD")
	if code != exitOK {
		t.Fatalf("package of HEAD: code=%d payload=%v", code, payload)
	}
	note, _ := payload["note"].(map[string]any)
	if note["commit"] != head {
		t.Fatalf("note commit %v, want %s", note["commit"], head)
	}
}

func TestPackageSummaryFlag(t *testing.T) {
	root := testutil.InitGitRepo(t, map[string]string{"a.txt": "alpha\n", "b/c.txt": "gamma\n"})
	outputDir := t.TempDir()

	code, payload := runJSON(t, "--root", root, "package", "--output-dir", outputDir, "--summary")
	if code != exitOK {
		t.Fatalf("package --summary: code=%d payload=%v", code, payload)
	}
	summaryPath, _ := payload["summary_path"].(string)
	sbomPath, _ := payload["sbom_path"].(string)
	archivePath, _ := payload["archive_path"].(string)
	if summaryPath != archive.SummaryPath(archivePath) || sbomPath != archive.SBOMPath(archivePath) {
		t.Fatalf("unexpected summary paths: %v", payload)
	}
	var summary map[string]any
	if err := json.Unmarshal(testutil.MustReadFile(t, summaryPath), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	files, _ := summary["files"].(map[string]any)
	note, _ := payload["note"].(map[string]any)
	if len(files) != 2 || files["b/c.txt"] == nil || summary["merkle_root"] != note["merkle_root"] {
		t.Fatalf("unexpected summary: %v", summary)
	}
	if !strings.Contains(string(testutil.MustReadFile(t, sbomPath)), "# Commit: "+note["commit"].(string)) {
		t.Fatalf("sbom does not name the commit")
	}

	plainDir := t.TempDir()
	code, payload = runJSON(t, "--root", root, "package", "--output-dir", plainDir)
	if code != exitOK || payload["summary_path"] != nil {
		t.Fatalf("package without --summary: code=%d payload=%v", code, payload)
	}
}

func TestManifestGenerateFillVerify(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"data/raw/.keep":      "",
		"data/raw/hello.txt":  "hello",
		"data/raw/nested/b.x": "world",
	})

	code, payload := runJSON(t, "--root", root, "manifest", "generate")
	if code != exitOK || payload["files"] != float64(2) {
		t.Fatalf("generate: code=%d payload=%v", code, payload)
	}
	manifest := string(testutil.MustReadFile(t, filepath.Join(root, "manifests", "checksums.sha256")))
	if !strings.Contains(manifest, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824  data/raw/hello.txt") {
		t.Fatalf("unexpected manifest:\n%s", manifest)
	}

	testutil.WriteFile(t, filepath.Join(root, "manifests", "sources.yml"), []byte(`# pinned after first fetch
greetings:
  files:
    - name: hello.txt
      sha256: <EXPECTED_SHA256_FROM_GREETINGS>
    - name: absent.txt
      sha256: <EXPECTED_SHA256_FROM_GREETINGS>
`))
	code, payload = runJSON(t, "--root", root, "manifest", "fill")
	if code != exitOK {
		t.Fatalf("fill: expected %d got %d (%v)", exitOK, code, payload)
	}
	updated, _ := payload["updated"].([]any)
	missing, _ := payload["missing"].([]any)
	if len(updated) != 1 || updated[0] != "greetings/hello.txt" || len(missing) != 1 {
		t.Fatalf("unexpected fill payload: %v", payload)
	}
	sources := string(testutil.MustReadFile(t, filepath.Join(root, "manifests", "sources.yml")))
	if !strings.Contains(sources, "# pinned after first fetch") || !strings.Contains(sources, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824") {
		t.Fatalf("unexpected sources after fill:\n%s", sources)
	}

	code, payload = runJSON(t, "--root", root, "manifest", "verify")
	if code != exitOK {
		t.Fatalf("verify: expected %d got %d (%v)", exitOK, code, payload)
	}

	tampered := filepath.Join(root, "data", "raw", "hello.txt")
	testutil.WriteFile(t, tampered, []byte("HELLO"))
	code, payload = runJSON(t, "--root", root, "manifest", "verify")
	if code != exitVerifyFailed || payload["error_code"] != "checksum_mismatch" {
		t.Fatalf("tampered verify: code=%d payload=%v", code, payload)
	}
	details, _ := payload["details"].([]any)
	if len(details) != 1 || !strings.HasPrefix(details[0].(string), "data/raw/hello.txt expected=2cf24dba") {
		t.Fatalf("unexpected mismatch details: %v", payload["details"])
	}
	if _, err := os.Stat(tampered); !os.IsNotExist(err) {
		t.Fatalf("expected mismatching file to be removed, stat err=%v", err)
	}
}

func TestSealBlocksRawWriters(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"data/raw/a.csv":   "x\n1\n",
		"scripts/clean.py": "print('clean')\n",
	})
	restorePermissions(t, filepath.Join(root, "data", "raw"))

	code, payload := runJSON(t, "--root", root, "seal", "status")
	if code != exitOK || payload["status"] != "writable" {
		t.Fatalf("status before seal: code=%d payload=%v", code, payload)
	}

	code, payload = runJSON(t, "--root", root, "seal")
	if code != exitOK || payload["status"] != "sealed" || payload["file_count"] != float64(1) {
		t.Fatalf("seal: code=%d payload=%v", code, payload)
	}
	info, err := os.Stat(filepath.Join(root, "data", "raw", "a.csv"))
	if err != nil || info.Mode().Perm() != 0o444 {
		t.Fatalf("expected sealed file mode 0444, got %v (%v)", info, err)
	}

	code, payload = runJSON(t, "--root", root, "seal", "status")
	if code != exitOK || payload["status"] != "sealed" {
		t.Fatalf("status after seal: code=%d payload=%v", code, payload)
	}
	if code, _ = runJSON(t, "--root", root, "seal"); code != exitOK {
		t.Fatalf("reseal: expected %d got %d", exitOK, code)
	}

	code, payload = runJSON(t, "--root", root, "provenance", "record", "--stage", "clean", "--script", "scripts/clean.py", "--output", "data/raw/clean.csv")
	if code != exitVerifyFailed || payload["error_code"] != "raw_sealed" {
		t.Fatalf("record into sealed dir: code=%d payload=%v", code, payload)
	}
	code, payload = runJSON(t, "--root", root, "manifest", "generate", "--checksums", "data/raw/checksums.sha256")
	if code != exitVerifyFailed || payload["error_code"] != "raw_sealed" {
		t.Fatalf("manifest into sealed dir: code=%d payload=%v", code, payload)
	}
	code, payload = runJSON(t, "--root", root, "hash", "--source", "fs", "--record", "data/raw/hash_tree.json", "--listing", "")
	if code != exitVerifyFailed || payload["error_code"] != "raw_sealed" {
		t.Fatalf("hash record into sealed dir: code=%d payload=%v", code, payload)
	}
	code, payload = runJSON(t, "--root", root, "hash", "--source", "fs", "--record", filepath.Join(t.TempDir(), "hash_tree.json"), "--listing", "data/raw/listing.txt")
	if code != exitVerifyFailed || payload["error_code"] != "raw_sealed" {
		t.Fatalf("hash listing into sealed dir: code=%d payload=%v", code, payload)
	}
	code, payload = runJSON(t, "--root", root, "package", "--output-dir", "data/raw/release")
	if code != exitVerifyFailed || payload["error_code"] != "raw_sealed" {
		t.Fatalf("package into sealed dir: code=%d payload=%v", code, payload)
	}
	if _, err := os.Stat(filepath.Join(root, "data", "raw", "hash_tree.json")); !os.IsNotExist(err) {
		t.Fatalf("sealed dir gained a record: %v", err)
	}
}

func TestProvenanceRecordAndList(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"data/raw/a.csv":      "x\n1\n",
		"scripts/clean.py":    "print('clean')\n",
		"data/clean/a.csv":    "x\n1\n",
		"scripts/analyze.py":  "print('analyze')\n",
		"results/summary.txt": "mean=1\n",
	})
	metricsPath := filepath.Join(t.TempDir(), "sterile.prom")

	code, payload := runJSON(t, "--root", root, "--metrics-file", metricsPath, "provenance", "record",
		"--run-id", "run-1", "--stage", "clean", "--script", "scripts/clean.py",
		"--input", "data/raw/a.csv", "--output", "data/clean/a.csv")
	if code != exitOK || payload["sequence"] != float64(1) || payload["run_id"] != "run-1" {
		t.Fatalf("first record: code=%d payload=%v", code, payload)
	}
	metrics := string(testutil.MustReadFile(t, metricsPath))
	if !strings.Contains(metrics, `sterile_operations_total{operation="provenance_record",outcome="ok"} 1`) {
		t.Fatalf("unexpected metrics textfile:\n%s", metrics)
	}

	t.Setenv(runIDEnv, "run-1")
	code, payload = runJSON(t, "--root", root, "provenance", "record",
		"--stage", "analyze", "--script", "scripts/analyze.py",
		"--input", "data/clean/a.csv", "--output", "results/summary.txt")
	if code != exitOK || payload["sequence"] != float64(2) {
		t.Fatalf("second record: code=%d payload=%v", code, payload)
	}

	code, payload = runJSON(t, "--root", root, "provenance", "record", "--run-id", "run-2", "--stage", "analyze")
	if code != exitOK || payload["sequence"] != float64(1) {
		t.Fatalf("other run: code=%d payload=%v", code, payload)
	}

	code, payload = runJSON(t, "--root", root, "provenance", "list", "--run-id", "run-1")
	records, _ := payload["records"].([]any)
	if code != exitOK || len(records) != 2 {
		t.Fatalf("list: code=%d payload=%v", code, payload)
	}
	second, _ := records[1].(map[string]any)
	if second["stage"] != "analyze" || second["script_sha256"] == "" {
		t.Fatalf("unexpected second record: %v", second)
	}

	if code, _, _ := runCLI(t, "--root", root, "provenance", "record"); code != exitInvalidInput {
		t.Fatalf("record without stage: expected %d got %d", exitInvalidInput, code)
	}
	code, payload = runJSON(t, "--root", root, "provenance", "record", "--stage", "x", "--input", "missing.csv")
	if code == exitOK || payload["ok"] != false {
		t.Fatalf("missing input: code=%d payload=%v", code, payload)
	}
}

// restorePermissions lets t.TempDir remove a sealed directory.
func restorePermissions(t *testing.T, dir string) {
	t.Helper()
	t.Cleanup(func() {
		_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if entry.IsDir() {
				_ = os.Chmod(path, 0o755)
			} else {
				_ = os.Chmod(path, 0o644)
			}
			return nil
		})
	})
}

func TestDoctorCommand(t *testing.T) {
	root := t.TempDir()
	code, payload := runJSON(t, "--root", root, "doctor")
	if code == exitInternalFailure {
		t.Fatalf("doctor should not fail internally: %v", payload)
	}
	checks, _ := payload["checks"].([]any)
	if len(checks) != 7 {
		t.Fatalf("unexpected doctor payload: %v", payload)
	}

	testutil.WriteFile(t, filepath.Join(root, ".sterile", "config.yaml"), []byte("package:\n  private_key: missing.key\n"))
	code, payload = runJSON(t, "--root", root, "doctor")
	if code != exitInvalidInput || payload["status"] != "fail" {
		t.Fatalf("expected failing doctor: code=%d payload=%v", code, payload)
	}
}

func TestKeysInitFeedsPackageSigning(t *testing.T) {
	root := t.TempDir()
	code, payload := runJSON(t, "--root", root, "keys", "init", "--prefix", "audit")
	if code != exitOK {
		t.Fatalf("keys init: code=%d payload=%v", code, payload)
	}
	privatePath, _ := payload["private_key_path"].(string)
	if filepath.Base(privatePath) != "audit_private.key" || len(payload["key_id"].(string)) != 64 {
		t.Fatalf("unexpected keys payload: %v", payload)
	}
	if _, err := sign.LoadSigningKey(sign.KeyConfig{PrivateKeyPath: privatePath}); err != nil {
		t.Fatalf("generated key does not load: %v", err)
	}
	if code, _, _ := runCLI(t, "--root", root, "keys", "init", "--prefix", "audit"); code != exitInvalidInput {
		t.Fatalf("second init: expected %d got %d", exitInvalidInput, code)
	}
}
