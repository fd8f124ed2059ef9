package provenance

import "time"

const (
	RecordSchemaID      = "sterile.provenance.record"
	RecordSchemaVersion = "1.0.0"
)

type Record struct {
	SchemaID        string            `json:"schema_id"`
	SchemaVersion   string            `json:"schema_version"`
	ProducerVersion string            `json:"producer_version"`
	RunID           string            `json:"run_id"`
	Sequence        int               `json:"sequence"`
	Stage           string            `json:"stage"`
	ScriptPath      string            `json:"script_path,omitempty"`
	ScriptSHA256    string            `json:"script_sha256,omitempty"`
	ExecutedAt      time.Time         `json:"executed_at"`
	Environment     map[string]string `json:"environment"`
	Inputs          []Artifact        `json:"inputs"`
	Outputs         []Artifact        `json:"outputs"`
}

type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}
