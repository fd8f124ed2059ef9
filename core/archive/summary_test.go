package archive

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	schemarelease "github.com/davidahmann/sterile/core/schema/v1/release"
	"github.com/davidahmann/sterile/core/vcs"
	"github.com/davidahmann/sterile/internal/testutil"
)

func TestPackageWritesSummariesWhenAsked(t *testing.T) {
	root, paths := fixture(t)
	out := t.TempDir()
	source := vcs.Static{Commit: testCommit, Files: paths}

	plain, err := Package(context.Background(), Options{Root: root, Source: source, OutputDir: out})
	require.NoError(t, err)
	assert.Empty(t, plain.SummaryPath)
	_, statErr := os.Stat(SummaryPath(plain.ArchivePath))
	assert.True(t, os.IsNotExist(statErr))

	result, err := Package(context.Background(), Options{Root: root, Source: source, OutputDir: out, Summaries: true})
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSuffix(result.ArchivePath, ".tar.gz")+"_provenance.json", result.SummaryPath)
	assert.Equal(t, strings.TrimSuffix(result.ArchivePath, ".tar.gz")+"_SBOM.txt", result.SBOMPath)

	var summary schemarelease.Summary
	require.NoError(t, json.Unmarshal(testutil.MustReadFile(t, result.SummaryPath), &summary))
	assert.Equal(t, schemarelease.SummarySchemaID, summary.SchemaID)
	assert.Equal(t, testCommit, summary.Commit)
	assert.Equal(t, result.Tree.Root, summary.MerkleRoot)
	assert.Equal(t, result.Note.ArchiveSHA256, summary.ArchiveSHA256)
	require.Len(t, summary.Files, len(paths))
	for _, entry := range result.Tree.Files {
		file, ok := summary.Files[entry.Path]
		require.True(t, ok, entry.Path)
		assert.Equal(t, entry.SHA256, file.SHA256)
		assert.Equal(t, entry.Size, file.SizeBytes)
	}
	assert.Equal(t, int64(len("id,value\n1,2\n")), summary.Files["data/clean.csv"].SizeBytes)

	sbom := string(testutil.MustReadFile(t, result.SBOMPath))
	assert.Contains(t, sbom, "# Commit: "+testCommit+"\n")
	assert.Contains(t, sbom, "# Platform: "+runtime.GOOS+"/"+runtime.GOARCH+"\n")
	assert.Contains(t, sbom, "# Dependencies")
}

func TestSummaryIsStableAndWriteOnce(t *testing.T) {
	root, paths := fixture(t)
	out := t.TempDir()
	source := vcs.Static{Commit: testCommit, Files: paths}

	result, err := Package(context.Background(), Options{Root: root, Source: source, OutputDir: out, Summaries: true})
	require.NoError(t, err)
	first := testutil.MustReadFile(t, result.SummaryPath)

	again, err := Package(context.Background(), Options{Root: root, Source: source, OutputDir: out, Summaries: true})
	require.NoError(t, err)
	assert.Equal(t, first, testutil.MustReadFile(t, again.SummaryPath))

	require.NoError(t, os.WriteFile(result.SummaryPath, []byte("{}\n"), 0o600))
	_, err = Package(context.Background(), Options{Root: root, Source: source, OutputDir: out, Summaries: true})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeArchiveExists, coreerrors.CodeOf(err))
}

func TestRenderSBOMListsSortedDependencies(t *testing.T) {
	note := Note{Commit: testCommit, Archive: "release_0123456_abcdefabcdef.tar.gz"}
	info := &debug.BuildInfo{
		GoVersion: "go1.25.1",
		Main:      debug.Module{Path: "github.com/davidahmann/sterile"},
		Deps: []*debug.Module{
			{Path: "gopkg.in/yaml.v3", Version: "v3.0.1"},
			{Path: "github.com/spf13/cobra", Version: "v1.10.2"},
			{Path: "example.com/forked", Version: "v1.0.0", Replace: &debug.Module{Path: "../forked"}},
		},
	}
	lines := strings.Split(strings.TrimSpace(string(RenderSBOM(note, info))), "\n")
	assert.Contains(t, lines, "# Go: go1.25.1")
	assert.Contains(t, lines, "# Producer: github.com/davidahmann/sterile (devel)")
	assert.Equal(t, []string{
		"# Dependencies:",
		"example.com/forked v1.0.0 => ../forked (devel)",
		"github.com/spf13/cobra v1.10.2",
		"gopkg.in/yaml.v3 v3.0.1",
	}, lines[len(lines)-4:])

	bare := string(RenderSBOM(note, nil))
	assert.Contains(t, bare, "# Go: "+runtime.Version()+"\n")
	assert.Contains(t, bare, "unavailable")
}

func TestEncodeSummaryRejectsEmptyTree(t *testing.T) {
	root, paths := fixture(t)
	result, err := Package(context.Background(), Options{Root: root, Source: vcs.Static{Commit: testCommit, Files: paths}, OutputDir: t.TempDir()})
	require.NoError(t, err)
	result.Tree.Files = nil
	_, err = EncodeSummary(result.Tree, result.Note)
	require.Error(t, err)
}
