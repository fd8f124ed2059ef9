package release

const (
	SummarySchemaID      = "sterile.release.summary"
	SummarySchemaVersion = "1.0.0"
)

// Summary lists every archived file by path so a release can be audited
// without unpacking it.
type Summary struct {
	SchemaID      string          `json:"schema_id"`
	SchemaVersion string          `json:"schema_version"`
	Commit        string          `json:"commit"`
	MerkleRoot    string          `json:"merkle_root"`
	Archive       string          `json:"archive"`
	ArchiveSHA256 string          `json:"archive_sha256"`
	FileCount     int             `json:"file_count"`
	Files         map[string]File `json:"files"`
}

type File struct {
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}
