package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRequiredProperty(t *testing.T) {
	s := Schema{
		"type":     "object",
		"required": []any{"answer"},
		"properties": map[string]any{
			"answer": map[string]any{"type": "string"},
		},
	}

	assert.Empty(t, Validate(s, map[string]any{"answer": "42"}))

	errs := Validate(s, map[string]any{})
	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0], "answer")
}

func TestValidateTypeMismatch(t *testing.T) {
	s := Schema{"type": "string"}
	errs := Validate(s, 42.0)
	assert.Len(t, errs, 1)
}

func TestValidateEnum(t *testing.T) {
	s := Schema{"enum": []any{"a", "b", "c"}}
	assert.Empty(t, Validate(s, "b"))
	assert.NotEmpty(t, Validate(s, "z"))
}

func TestValidateNestedProperties(t *testing.T) {
	s := Schema{
		"type": "object",
		"properties": map[string]any{
			"nested": map[string]any{
				"type":     "object",
				"required": []any{"x"},
			},
		},
	}
	errs := Validate(s, map[string]any{"nested": map[string]any{}})
	assert.Len(t, errs, 1)
}
