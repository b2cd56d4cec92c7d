package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsableSchema(t *testing.T) {
	valid := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "integer"},
		},
		"required": []any{"name"},
	}

	m, compiled, ok := UsableSchema(valid)
	require.True(t, ok)
	assert.Equal(t, valid, m)
	require.NotNil(t, compiled)
	assert.NoError(t, compiled.Validate(map[string]any{"name": "Bo", "age": float64(3)}))
	assert.Error(t, compiled.Validate(map[string]any{"age": "three"}))

	for name, v := range map[string]any{
		"nil":          nil,
		"empty object": map[string]any{},
		"array":        []any{map[string]any{"type": "object"}},
		"string":       "schema",
		"bad type":     map[string]any{"type": 12},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, ok := UsableSchema(v)
			assert.False(t, ok)
		})
	}
}

func TestValidateJSONAgainstSchema(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"id"},
	}
	assert.NoError(t, ValidateJSONAgainstSchema(schema, map[string]any{"id": "1"}))

	err := ValidateJSONAgainstSchema(schema, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json does not match schema")
}
