package seal

import "time"

const (
	StateSchemaID      = "sterile.seal.state"
	StateSchemaVersion = "1.0.0"
)

type Status string

const (
	StatusWritable Status = "writable"
	StatusSealed   Status = "sealed"
)

type State struct {
	SchemaID      string     `json:"schema_id"`
	SchemaVersion string     `json:"schema_version"`
	Dir           string     `json:"dir"`
	Status        Status     `json:"status"`
	SealedAt      *time.Time `json:"sealed_at,omitempty"`
	TreeRoot      string     `json:"tree_root,omitempty"`
	FileCount     int        `json:"file_count,omitempty"`
}
