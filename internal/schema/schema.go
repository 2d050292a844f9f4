// Package schema validates opaque JSON documents against JSON Schema
// (draft 2020-12) definitions stored alongside jobs and skills.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Empty reports whether raw holds no schema at all. An empty schema places
// no constraint on documents.
func Empty(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}

// Compile parses and resolves a schema document. It returns nil for an
// empty schema.
func Compile(raw []byte) (*jsonschema.Resolved, error) {
	if Empty(raw) {
		return nil, nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("schema: resolve: %w", err)
	}
	return resolved, nil
}

// Check reports whether raw is a well-formed schema.
func Check(raw []byte) error {
	_, err := Compile(raw)
	return err
}

// Validate checks the JSON document doc against the schema raw.
func Validate(raw, doc []byte) error {
	resolved, err := Compile(raw)
	if err != nil {
		return err
	}
	if resolved == nil {
		return nil
	}
	var instance any
	if len(bytes.TrimSpace(doc)) == 0 {
		instance = map[string]any{}
	} else if err := json.Unmarshal(doc, &instance); err != nil {
		return fmt.Errorf("schema: document is not JSON: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Marshal encodes v as a JSON document, mapping nil to an empty document.
func Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal: %w", err)
	}
	return data, nil
}
