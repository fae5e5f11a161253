package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/cuk-labs/usagebar/internal/host/hosterr"
)

// CompiledSchema is a validated, ready-to-use config schema for one plugin.
type CompiledSchema struct {
	fields map[string]ConfigField
	schema *gojsonschema.Schema
}

// CompileSchema turns the manifest's field map into a JSON Schema document
// and compiles it. An empty field map compiles to a schema accepting any
// object.
func CompileSchema(fields map[string]ConfigField) (*CompiledSchema, error) {
	doc := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
	}
	properties := map[string]any{}
	var required []string
	for name, field := range fields {
		prop := map[string]any{"type": field.Type}
		if len(field.Enum) > 0 {
			vals := make([]any, len(field.Enum))
			for i, v := range field.Enum {
				vals[i] = v
			}
			prop["enum"] = vals
		}
		properties[name] = prop
		if field.Required {
			required = append(required, name)
		}
	}
	doc["properties"] = properties
	if len(required) > 0 {
		doc["required"] = required
	}
	if len(fields) == 0 {
		delete(doc, "additionalProperties")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, hosterr.Wrap(hosterr.CodeManifestInvariant, err, "compile configSchema")
	}
	return &CompiledSchema{fields: fields, schema: schema}, nil
}

// Validate checks a config object against the schema.
func (s *CompiledSchema) Validate(config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return hosterr.Wrap(hosterr.CodeManifestInvariant, err, "validate config")
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return hosterr.New(hosterr.CodeManifestInvariant, "config invalid: %s", first.String())
	}
	return nil
}

// ApplyDefaults returns config with schema defaults filled in for absent
// keys. The input map is not mutated.
func (s *CompiledSchema) ApplyDefaults(config map[string]any) map[string]any {
	out := make(map[string]any, len(config)+len(s.fields))
	for k, v := range config {
		out[k] = v
	}
	for name, field := range s.fields {
		if _, ok := out[name]; !ok && field.Default != nil {
			out[name] = field.Default
		}
	}
	return out
}

// Fields exposes the declared fields, with secret values marked so the IPC
// layer can redact them.
func (s *CompiledSchema) Fields() map[string]ConfigField {
	return s.fields
}
