package hashtree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/fsx"
	"github.com/davidahmann/sterile/core/jcs"
	"github.com/davidahmann/sterile/core/pathx"
	schemahashtree "github.com/davidahmann/sterile/core/schema/v1/hashtree"
	"github.com/davidahmann/sterile/core/schema/validate"
)

// RecordMeta carries the fields of a persisted record that are not derived
// from the tree itself.
type RecordMeta struct {
	CreatedAt       time.Time
	ProducerVersion string
}

func NewRecord(tree Tree, meta RecordMeta) schemahashtree.Record {
	producer := meta.ProducerVersion
	if producer == "" {
		producer = "0.0.0-dev"
	}
	files := make([]schemahashtree.File, len(tree.Files))
	for i, entry := range tree.Files {
		files[i] = schemahashtree.File{
			Path:   entry.Path,
			SHA256: entry.SHA256,
			Size:   entry.Size,
			Mode:   fmt.Sprintf("%04o", entry.Mode.Perm()),
		}
	}
	return schemahashtree.Record{
		SchemaID:        schemahashtree.RecordSchemaID,
		SchemaVersion:   schemahashtree.RecordSchemaVersion,
		CreatedAt:       meta.CreatedAt.UTC(),
		ProducerVersion: producer,
		Algorithm:       Algorithm,
		MerkleRoot:      tree.Root,
		FileCount:       len(files),
		Files:           files,
	}
}

// EncodeRecord returns the canonical JSON of the record after schema validation.
func EncodeRecord(tree Tree, meta RecordMeta) ([]byte, error) {
	encoded, err := jcs.Marshal(NewRecord(tree, meta))
	if err != nil {
		return nil, fmt.Errorf("encode hash tree record: %w", err)
	}
	if err := validate.ValidateJSON(validate.KindHashTreeRecord, encoded); err != nil {
		return nil, fmt.Errorf("hash tree record: %w", err)
	}
	return append(encoded, '\n'), nil
}

func WriteRecord(path string, tree Tree, meta RecordMeta) error {
	encoded, err := EncodeRecord(tree, meta)
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(path, encoded, 0o644); err != nil {
		return fmt.Errorf("write hash tree record: %w", err)
	}
	return nil
}

// ReadRecord loads a record and re-derives its root from the listed entries;
// a record whose stated root disagrees with its own entries is rejected.
func ReadRecord(path string) (Tree, schemahashtree.Record, error) {
	// #nosec G304 -- record path is explicit caller input.
	data, err := os.ReadFile(path)
	if err != nil {
		return Tree{}, schemahashtree.Record{}, fmt.Errorf("read hash tree record: %w", err)
	}
	return DecodeRecord(data)
}

func DecodeRecord(data []byte) (Tree, schemahashtree.Record, error) {
	if err := validate.ValidateJSON(validate.KindHashTreeRecord, data); err != nil {
		return Tree{}, schemahashtree.Record{}, fmt.Errorf("hash tree record: %w", err)
	}
	var record schemahashtree.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Tree{}, schemahashtree.Record{}, fmt.Errorf("parse hash tree record: %w", err)
	}
	if record.FileCount != len(record.Files) {
		return Tree{}, schemahashtree.Record{}, fmt.Errorf("hash tree record: file_count %d does not match %d entries", record.FileCount, len(record.Files))
	}
	entries := make([]FileEntry, len(record.Files))
	for i, file := range record.Files {
		mode, err := strconv.ParseUint(file.Mode, 8, 32)
		if err != nil {
			return Tree{}, schemahashtree.Record{}, fmt.Errorf("hash tree record: mode of %s: %w", file.Path, err)
		}
		entries[i] = FileEntry{Path: file.Path, SHA256: file.SHA256, Size: file.Size, Mode: os.FileMode(mode)}
	}
	root, err := MerkleRoot(entries)
	if err != nil {
		return Tree{}, schemahashtree.Record{}, fmt.Errorf("hash tree record: %w", err)
	}
	if root != record.MerkleRoot {
		return Tree{}, schemahashtree.Record{}, MismatchError(record.MerkleRoot, root, "hash tree record")
	}
	return Tree{Files: entries, Root: root}, record, nil
}

// RenderListing is the human-readable form: a comment header followed by
// "sha256  path" lines that sha256sum -c accepts.
func RenderListing(tree Tree, createdAt time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Repository hash manifest\n")
	fmt.Fprintf(&buf, "# Timestamp: %s\n", createdAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "# Algorithm: %s\n", Algorithm)
	fmt.Fprintf(&buf, "# MerkleRoot: %s\n", tree.Root)
	for _, entry := range tree.Files {
		buf.WriteString(pathx.ChecksumLine(entry.SHA256, entry.Path) + "\n")
	}
	return buf.Bytes()
}

func WriteListing(path string, tree Tree, createdAt time.Time) error {
	if err := fsx.WriteFileAtomic(path, RenderListing(tree, createdAt), 0o644); err != nil {
		return fmt.Errorf("write hash listing: %w", err)
	}
	return nil
}

// MismatchError reports two roots that should be equal.
func MismatchError(expected, actual, subject string) error {
	return coreerrors.New(
		coreerrors.CategoryVerification,
		coreerrors.CodeMerkleMismatch,
		"treat the artifact as untrustworthy and rebuild it from a verified source",
		[]string{"expected=" + expected, "actual=" + actual},
		"%s: merkle root mismatch: expected %s, recomputed %s", subject, expected, actual,
	)
}
