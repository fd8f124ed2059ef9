// Package sqlstore persists provenance records in SQLite. Triggers reject any
// UPDATE or DELETE, so the table can only grow.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/davidahmann/sterile/core/jcs"
	schemaprovenance "github.com/davidahmann/sterile/core/schema/v1/provenance"
	"github.com/davidahmann/sterile/core/schema/validate"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema. It is
// safe to call repeatedly on the same file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open provenance store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect provenance store: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply provenance schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores the canonical encoding of record. A second record with the
// same run id and sequence is rejected.
func (s *Store) Append(ctx context.Context, record schemaprovenance.Record) error {
	encoded, err := jcs.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode provenance record: %w", err)
	}
	if err := validate.ValidateJSON(validate.KindProvenanceRecord, encoded); err != nil {
		return fmt.Errorf("provenance record failed validation: %w", err)
	}
	digest, err := jcs.DigestJCS(encoded)
	if err != nil {
		return fmt.Errorf("digest provenance record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provenance_records (run_id, sequence, stage, executed_at, record_json, record_digest)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.RunID, record.Sequence, record.Stage, record.ExecutedAt.UTC().Format(time.RFC3339Nano), string(encoded), digest,
	)
	if err != nil {
		return fmt.Errorf("insert provenance record %s/%d: %w", record.RunID, record.Sequence, err)
	}
	return nil
}

// List returns records ordered by run and sequence. An empty runID lists all
// runs. Each row's digest is re-checked.
func (s *Store) List(ctx context.Context, runID string) ([]schemaprovenance.Record, error) {
	query := `SELECT record_json, record_digest FROM provenance_records`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY run_id, sequence`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query provenance records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []schemaprovenance.Record{}
	for rows.Next() {
		var encoded, digest string
		if err := rows.Scan(&encoded, &digest); err != nil {
			return nil, fmt.Errorf("scan provenance record: %w", err)
		}
		actual, err := jcs.DigestJCS([]byte(encoded))
		if err != nil {
			return nil, fmt.Errorf("digest stored record: %w", err)
		}
		if actual != digest {
			return nil, fmt.Errorf("stored provenance record digest mismatch: %s != %s", actual, digest)
		}
		var record schemaprovenance.Record
		if err := json.Unmarshal([]byte(encoded), &record); err != nil {
			return nil, fmt.Errorf("decode provenance record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// LastSequence is the highest sequence stored for runID, or 0.
func (s *Store) LastSequence(ctx context.Context, runID string) (int, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM provenance_records WHERE run_id = ?`, runID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return int(last.Int64), nil
}
