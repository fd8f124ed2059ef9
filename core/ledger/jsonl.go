package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/davidahmann/sterile/core/fsx"
	"github.com/davidahmann/sterile/core/jcs"
	"github.com/davidahmann/sterile/core/schema/validate"
)

// JSONLSink appends one canonical JSON record per line.
type JSONLSink struct {
	Path string
}

func (s JSONLSink) Append(_ context.Context, record ProvenanceRecord) error {
	line, err := jcs.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode provenance record: %w", err)
	}
	if err := validate.ValidateJSON(validate.KindProvenanceRecord, line); err != nil {
		return fmt.Errorf("provenance record failed validation: %w", err)
	}
	return fsx.AppendLineLocked(s.Path, line, 0o644)
}

// ReadJSONL loads and validates every record in a JSONL ledger. A missing
// file is an empty ledger.
func ReadJSONL(path string) ([]ProvenanceRecord, error) {
	// #nosec G304 -- ledger path is explicit caller input.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []ProvenanceRecord{}, nil
		}
		return nil, fmt.Errorf("read provenance ledger: %w", err)
	}
	if err := validate.ValidateJSONL(validate.KindProvenanceRecord, data); err != nil {
		return nil, fmt.Errorf("validate provenance ledger: %w", err)
	}
	records := []ProvenanceRecord{}
	for index, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var record ProvenanceRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("provenance ledger line %d: %w", index+1, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// NextSequence returns the number of records already present for runID.
func NextSequence(records []ProvenanceRecord, runID string) int {
	count := 0
	for _, record := range records {
		if record.RunID == runID && record.Sequence > count {
			count = record.Sequence
		}
	}
	return count
}
