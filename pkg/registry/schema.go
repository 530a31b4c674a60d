package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaViolation describes one failing argument field.
type SchemaViolation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// SchemaViolationError reports every failing field of an argument set, not
// just the first, so callers get complete diagnostics in one round trip.
type SchemaViolationError struct {
	Tool       string
	Violations []SchemaViolation
}

func (e *SchemaViolationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Reason))
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(parts, "; "))
}

// compileSchema builds a gojsonschema schema from a descriptor's argument
// specs. additionalProperties is false: unknown fields are violations.
func compileSchema(args map[string]FieldSpec) (*gojsonschema.Schema, error) {
	properties := make(map[string]any, len(args))
	required := []string{}

	for name, spec := range args {
		prop := map[string]any{
			"type": spec.Type,
		}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		if spec.Default != nil {
			prop["default"] = spec.Default
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		if spec.Minimum != nil {
			prop["minimum"] = *spec.Minimum
		}
		if spec.Maximum != nil {
			prop["maximum"] = *spec.Maximum
		}
		if spec.MinLength != nil {
			prop["minLength"] = *spec.MinLength
		}
		if spec.MaxLength != nil {
			prop["maxLength"] = *spec.MaxLength
		}
		if spec.Pattern != "" {
			prop["pattern"] = spec.Pattern
		}
		properties[name] = prop

		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schemaMap := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateAgainstSchema runs structural validation and collects one
// violation per failing field.
func validateAgainstSchema(tool string, schema *gojsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation error for %s: %w", tool, err)
	}
	if result.Valid() {
		return nil
	}

	violations := make([]SchemaViolation, 0, len(result.Errors()))
	for _, resErr := range result.Errors() {
		violations = append(violations, SchemaViolation{
			Field:  violationField(resErr),
			Reason: resErr.Description(),
		})
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Field < violations[j].Field })

	return &SchemaViolationError{Tool: tool, Violations: violations}
}

// violationField extracts the offending field name from a gojsonschema
// result error. Required and additionalProperties errors report the field
// in details rather than in the path.
func violationField(resErr gojsonschema.ResultError) string {
	if prop, ok := resErr.Details()["property"].(string); ok && prop != "" {
		return prop
	}
	return resErr.Field()
}

// normalizeArgs produces the normalized argument map handed to capabilities.
// It runs after structural validation, so cross-kind mismatches are already
// rejected; this pass fixes Go numeric representations and fills defaults.
//
// Coercion rules:
// - number: any Go int/uint/float kind or json.Number -> float64
// - integer: any Go int/uint kind, or a float/json.Number with zero
//   fractional part -> int64
// - boolean, string, object, array: passed through unchanged
// Strings are never coerced to numbers or booleans, and vice versa.
func normalizeArgs(tool string, specs map[string]FieldSpec, args map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(args))
	var violations []SchemaViolation

	for name, spec := range specs {
		value, present := args[name]
		if !present {
			if spec.Default == nil {
				continue
			}
			// Defaults take the same coercion path as caller values, so an
			// integer field always surfaces as int64 downstream.
			value = spec.Default
		}

		switch spec.Type {
		case "number":
			f, ok := toFloat(value)
			if !ok {
				violations = append(violations, SchemaViolation{Field: name, Reason: fmt.Sprintf("cannot coerce %T to number", value)})
				continue
			}
			normalized[name] = f
		case "integer":
			i, ok := toInt(value)
			if !ok {
				violations = append(violations, SchemaViolation{Field: name, Reason: fmt.Sprintf("cannot coerce %T to integer", value)})
				continue
			}
			normalized[name] = i
		default:
			normalized[name] = value
		}
	}

	if len(violations) > 0 {
		sort.Slice(violations, func(i, j int) bool { return violations[i].Field < violations[j].Field })
		return nil, &SchemaViolationError{Tool: tool, Violations: violations}
	}
	return normalized, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case float32:
		f := float64(v)
		if f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
