package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles a model-generated schema so it can serve as a structured
// output constraint and as a local validator.
func CompileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// UsableSchema reports whether v is a non-empty JSON object that compiles as a
// JSON Schema, returning the object and its compiled form when it is.
func UsableSchema(v any) (map[string]any, *jsonschema.Schema, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, nil, false
	}
	compiled, err := CompileSchema(m)
	if err != nil {
		return nil, nil, false
	}
	return m, compiled, true
}

// ValidateJSONAgainstSchema validates an already decoded value against schemaMap.
func ValidateJSONAgainstSchema(schemaMap map[string]any, value any) error {
	schema, err := CompileSchema(schemaMap)
	if err != nil {
		return err
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
