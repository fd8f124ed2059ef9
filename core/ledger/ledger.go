// Package ledger tracks expected against observed dataset checksums and keeps
// an append-only record of each pipeline stage that ran.
package ledger

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/hashtree"
	"github.com/davidahmann/sterile/core/pathx"
	schemaprovenance "github.com/davidahmann/sterile/core/schema/v1/provenance"
)

type ProvenanceRecord = schemaprovenance.Record

// DefaultEnvKeys are the environment inputs that change a stage's output
// without changing its script.
var DefaultEnvKeys = []string{"LANG", "LC_ALL", "SOURCE_DATE_EPOCH", "TZ"}

// Sink persists each record as it is appended.
type Sink interface {
	Append(ctx context.Context, record ProvenanceRecord) error
}

type Options struct {
	// Root resolves relative script and artifact paths; recorded paths stay relative.
	Root            string
	RunID           string
	ProducerVersion string
	Clock           func() time.Time
	EnvKeys         []string
	LookupEnv       func(string) (string, bool)
	Sink            Sink
	// Sequence continues an existing run from this many entries.
	Sequence int
}

// Ledger is append-only: Record adds an entry and nothing edits or removes one.
type Ledger struct {
	mu      sync.Mutex
	opts    Options
	entries []ProvenanceRecord
	seq     int
}

func New(opts Options) *Ledger {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.ProducerVersion == "" {
		opts.ProducerVersion = "0.0.0-dev"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.EnvKeys == nil {
		opts.EnvKeys = DefaultEnvKeys
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	return &Ledger{opts: opts, seq: opts.Sequence}
}

func (l *Ledger) RunID() string {
	return l.opts.RunID
}

// Record hashes the stage script and every input and output, then appends the
// entry and hands it to the sink. A failing sink leaves the ledger unchanged.
func (l *Ledger) Record(ctx context.Context, stage, scriptPath string, inputs, outputs []string) (ProvenanceRecord, error) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return ProvenanceRecord{}, coreerrors.New(coreerrors.CategoryInvalidInput, coreerrors.CodeInvalidArgument, "name the stage", nil, "stage name is required")
	}
	record := ProvenanceRecord{
		SchemaID:        schemaprovenance.RecordSchemaID,
		SchemaVersion:   schemaprovenance.RecordSchemaVersion,
		ProducerVersion: l.opts.ProducerVersion,
		RunID:           l.opts.RunID,
		Stage:           stage,
		Environment:     l.environment(),
	}
	if scriptPath != "" {
		rel, digest, err := l.hashArtifact(scriptPath)
		if err != nil {
			return ProvenanceRecord{}, err
		}
		record.ScriptPath = rel
		record.ScriptSHA256 = digest
	}
	var err error
	if record.Inputs, err = l.hashArtifacts(inputs); err != nil {
		return ProvenanceRecord{}, err
	}
	if record.Outputs, err = l.hashArtifacts(outputs); err != nil {
		return ProvenanceRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	record.Sequence = l.seq + 1
	record.ExecutedAt = l.opts.Clock().UTC()
	if l.opts.Sink != nil {
		if err := l.opts.Sink.Append(ctx, record); err != nil {
			return ProvenanceRecord{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeLedgerWrite, "check the provenance ledger location")
		}
	}
	l.seq = record.Sequence
	l.entries = append(l.entries, record)
	return cloneRecord(record), nil
}

// Entries returns copies; mutating them does not affect the ledger.
func (l *Ledger) Entries() []ProvenanceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ProvenanceRecord, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, cloneRecord(entry))
	}
	return out
}

func (l *Ledger) environment() map[string]string {
	env := map[string]string{}
	for _, key := range l.opts.EnvKeys {
		if value, ok := l.opts.LookupEnv(key); ok {
			env[key] = value
		}
	}
	return env
}

func (l *Ledger) hashArtifacts(paths []string) ([]schemaprovenance.Artifact, error) {
	out := make([]schemaprovenance.Artifact, 0, len(paths))
	for _, p := range paths {
		rel, digest, err := l.hashArtifact(p)
		if err != nil {
			return nil, err
		}
		out = append(out, schemaprovenance.Artifact{Path: rel, SHA256: digest})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (l *Ledger) hashArtifact(p string) (string, string, error) {
	full := p
	rel := filepath.ToSlash(p)
	if !filepath.IsAbs(p) {
		normalized, err := pathx.Normalize(p)
		if err != nil {
			return "", "", coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodePathTraversal, "use paths relative to the project root")
		}
		// The record carries the normalized key; the file is opened as spelled.
		rel = normalized
		full = filepath.Join(l.opts.Root, p)
	}
	digest, err := hashtree.SHA256File(full)
	if err != nil {
		return "", "", coreerrors.New(coreerrors.CategoryIOFailure, coreerrors.CodeHashComputation, "", []string{rel}, "hash %s: %v", rel, err)
	}
	return rel, digest, nil
}

func cloneRecord(record ProvenanceRecord) ProvenanceRecord {
	record.Environment = maps.Clone(record.Environment)
	record.Inputs = append([]schemaprovenance.Artifact{}, record.Inputs...)
	record.Outputs = append([]schemaprovenance.Artifact{}, record.Outputs...)
	return record
}

// MemorySink keeps appended records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []ProvenanceRecord
}

func (m *MemorySink) Append(_ context.Context, record ProvenanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, cloneRecord(record))
	return nil
}

func (m *MemorySink) Records() []ProvenanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProvenanceRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, cloneRecord(record))
	}
	return out
}

// MultiSink fans out to every sink in order and stops at the first failure.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, record ProvenanceRecord) error {
	for index, sink := range m {
		if err := sink.Append(ctx, record); err != nil {
			return fmt.Errorf("sink %d: %w", index, err)
		}
	}
	return nil
}
