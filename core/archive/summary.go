package archive

import (
	"bytes"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/jcs"
	schemarelease "github.com/davidahmann/sterile/core/schema/v1/release"
	"github.com/davidahmann/sterile/core/schema/validate"
)

const (
	summarySuffix = "_provenance.json"
	sbomSuffix    = "_SBOM.txt"
)

var readBuildInfo = debug.ReadBuildInfo

// SummaryPath returns <stem>_provenance.json for archivePath.
func SummaryPath(archivePath string) string {
	return strings.TrimSuffix(archivePath, archiveSuffix) + summarySuffix
}

// SBOMPath returns <stem>_SBOM.txt for archivePath.
func SBOMPath(archivePath string) string {
	return strings.TrimSuffix(archivePath, archiveSuffix) + sbomSuffix
}

func NewSummary(tree hashtree.Tree, note Note) schemarelease.Summary {
	files := make(map[string]schemarelease.File, len(tree.Files))
	for _, entry := range tree.Files {
		files[entry.Path] = schemarelease.File{SHA256: entry.SHA256, SizeBytes: entry.Size}
	}
	return schemarelease.Summary{
		SchemaID:      schemarelease.SummarySchemaID,
		SchemaVersion: schemarelease.SummarySchemaVersion,
		Commit:        note.Commit,
		MerkleRoot:    note.MerkleRoot,
		Archive:       note.Archive,
		ArchiveSHA256: note.ArchiveSHA256,
		FileCount:     len(files),
		Files:         files,
	}
}

// EncodeSummary returns canonical JSON, so the same archive always yields the
// same summary bytes.
func EncodeSummary(tree hashtree.Tree, note Note) ([]byte, error) {
	encoded, err := jcs.Marshal(NewSummary(tree, note))
	if err != nil {
		return nil, fmt.Errorf("encode release summary: %w", err)
	}
	if err := validate.ValidateJSON(validate.KindReleaseSummary, encoded); err != nil {
		return nil, fmt.Errorf("release summary: %w", err)
	}
	return append(encoded, '\n'), nil
}

// RenderSBOM lists the toolchain and modules of the binary that produced the
// archive. A nil info yields the header without a dependency list.
func RenderSBOM(note Note, info *debug.BuildInfo) []byte {
	var b bytes.Buffer
	fmt.Fprintln(&b, "# Software bill of materials")
	fmt.Fprintf(&b, "# Commit: %s\n", note.Commit)
	fmt.Fprintf(&b, "# Archive: %s\n", note.Archive)
	fmt.Fprintf(&b, "# Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if info == nil {
		fmt.Fprintf(&b, "# Go: %s\n", runtime.Version())
		fmt.Fprintln(&b, "\n# Dependencies: unavailable (binary built without module information)")
		return b.Bytes()
	}
	fmt.Fprintf(&b, "# Go: %s\n", info.GoVersion)
	if info.Main.Path != "" {
		fmt.Fprintf(&b, "# Producer: %s %s\n", info.Main.Path, moduleVersion(info.Main))
	}
	fmt.Fprintln(&b, "\n# Dependencies:")
	deps := append([]*debug.Module(nil), info.Deps...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Path < deps[j].Path })
	for _, dep := range deps {
		if dep == nil {
			continue
		}
		line := dep.Path + " " + moduleVersion(*dep)
		if dep.Replace != nil {
			line += " => " + dep.Replace.Path + " " + moduleVersion(*dep.Replace)
		}
		fmt.Fprintln(&b, line)
	}
	return b.Bytes()
}

func moduleVersion(module debug.Module) string {
	if module.Version == "" {
		return "(devel)"
	}
	return module.Version
}

func buildInfo() *debug.BuildInfo {
	info, ok := readBuildInfo()
	if !ok {
		return nil
	}
	return info
}
