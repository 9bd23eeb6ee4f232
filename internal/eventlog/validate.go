package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"timeline/internal/artifacts"
	"timeline/internal/common"
)

const schemaBaseURL = "https://timeline.local/schemas/"

// PayloadValidator checks event payloads against the embedded JSON schemas.
// Types without a schema accept any JSON value.
type PayloadValidator struct {
	schemas map[EventType]*jsonschema.Schema
}

// NewPayloadValidator compiles every schema embedded in artifacts.
func NewPayloadValidator() (*PayloadValidator, error) {
	return newPayloadValidator(artifacts.PayloadSchemas, "schemas")
}

func newPayloadValidator(fsys fs.FS, dir string) (*PayloadValidator, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list payload schemas: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}

	v := &PayloadValidator{schemas: make(map[EventType]*jsonschema.Schema, len(names))}
	for _, name := range names {
		schema, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[EventType(strings.TrimSuffix(name, ".json"))] = schema
	}
	return v, nil
}

// HasSchema reports whether payloads of type t are validated.
func (v *PayloadValidator) HasSchema(t EventType) bool {
	_, ok := v.schemas[t]
	return ok
}

// Validate checks payload (JSON text) for event type t.
// Violations wrap common.ErrInvalidPayload.
func (v *PayloadValidator) Validate(t EventType, payload []byte) error {
	schema, ok := v.schemas[t]
	if !ok {
		return nil
	}
	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("%w: %s payload is not valid JSON: %v", common.ErrInvalidPayload, t, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrInvalidPayload, t, err)
	}
	return nil
}
