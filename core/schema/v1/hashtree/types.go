package hashtree

import "time"

const (
	RecordSchemaID      = "sterile.hashtree.record"
	RecordSchemaVersion = "1.0.0"
)

type Record struct {
	SchemaID        string    `json:"schema_id"`
	SchemaVersion   string    `json:"schema_version"`
	CreatedAt       time.Time `json:"created_at"`
	ProducerVersion string    `json:"producer_version"`
	Algorithm       string    `json:"algorithm"`
	MerkleRoot      string    `json:"merkle_root"`
	FileCount       int       `json:"file_count"`
	Files           []File    `json:"files"`
}

type File struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Mode   string `json:"mode"`
}
