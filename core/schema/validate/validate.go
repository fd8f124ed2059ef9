package validate

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

type Kind string

const (
	KindHashTreeRecord   Kind = "hashtree_record"
	KindProvenanceRecord Kind = "provenance_record"
	KindSealState        Kind = "seal_state"
	KindReleaseSummary   Kind = "release_summary"
)

//go:embed schemas/v1/*.schema.json
var schemaFS embed.FS

var compiled struct {
	sync.Mutex
	schemas map[Kind]*jsonschema.Schema
}

// ValidateJSON checks one JSON document against the embedded schema for kind.
func ValidateJSON(kind Kind, data []byte) error {
	schema, err := schemaFor(kind)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

// ValidateJSONL checks every non-blank line against the embedded schema for kind.
func ValidateJSONL(kind Kind, data []byte) error {
	schema, err := schemaFor(kind)
	if err != nil {
		return err
	}
	return validateJSONL(schema, data)
}

func schemaFor(kind Kind) (*jsonschema.Schema, error) {
	compiled.Lock()
	defer compiled.Unlock()
	if schema, ok := compiled.schemas[kind]; ok {
		return schema, nil
	}
	data, err := schemaFS.ReadFile("schemas/v1/" + string(kind) + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema kind %q: %w", kind, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", kind, err)
	}
	if compiled.schemas == nil {
		compiled.schemas = map[Kind]*jsonschema.Schema{}
	}
	compiled.schemas[kind] = schema
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func validateJSONL(schema *jsonschema.Schema, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}
