// Package schema implements the narrow JSON-schema subset the gateway
// actually needs (spec §6.3 input/output schema validation): type,
// required, properties, and enum checks over a decoded map[string]any. No
// third-party JSON-schema validator appears anywhere in the example pack
// (its only schema hits describe outbound tool parameters, not inbound
// validation against a caller-supplied document), so this is hand-rolled on
// top of encoding/json — see the design ledger for the full justification.
package schema

import (
	"fmt"
	"sort"
)

// Schema is a decoded JSON-schema document, restricted to the subset this
// package understands.
type Schema map[string]any

// Validate checks value against the schema, returning every violation found
// (not just the first) so a caller can report all of them at once.
func Validate(s Schema, value any) []string {
	return validate(s, value, "$")
}

func validate(s Schema, value any, path string) []string {
	var errs []string

	if t, ok := s["type"].(string); ok {
		if !matchesType(t, value) {
			errs = append(errs, fmt.Sprintf("%s: expected type %q, got %s", path, t, jsonType(value)))
			return errs // type mismatch makes deeper checks meaningless
		}
	}

	if enum, ok := s["enum"].([]any); ok {
		if !inEnum(enum, value) {
			errs = append(errs, fmt.Sprintf("%s: value not in enum", path))
		}
	}

	obj, isObj := value.(map[string]any)
	if !isObj {
		return errs
	}

	if required, ok := s["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if _, present := obj[name]; !present {
				errs = append(errs, fmt.Sprintf("%s: missing required property %q", path, name))
			}
		}
	}

	if props, ok := s["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			propSchema, _ := props[name].(map[string]any)
			if propSchema == nil {
				continue
			}
			v, present := obj[name]
			if !present {
				continue // required-ness already checked above
			}
			errs = append(errs, validate(Schema(propSchema), v, path+"."+name)...)
		}
	}

	return errs
}

func matchesType(t string, v any) bool {
	switch t {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	default:
		return true // unknown type keyword: don't fail closed on schemas we don't model
	}
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func jsonType(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}
