package tools

import (
	"fmt"
	"math"
)

// Schema is a structural parameter schema. It validates provider-supplied
// argument maps at runtime and strips any property it does not declare.
// Unknown-key rejection is a robustness property, not a convenience:
// chatty providers echo extraneous fields back on chained calls.
type Schema struct {
	Type        string             `json:"type" yaml:"type"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Required    []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// ObjectSchema is a convenience constructor for the common case of an
// object schema with named properties.
func ObjectSchema(properties map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: properties, Required: required}
}

// StringParam returns a string property schema with a description.
func StringParam(description string) *Schema {
	return &Schema{Type: "string", Description: description}
}

// IntParam returns an integer property schema with a description.
func IntParam(description string) *Schema {
	return &Schema{Type: "integer", Description: description}
}

// BoolParam returns a boolean property schema with a description.
func BoolParam(description string) *Schema {
	return &Schema{Type: "boolean", Description: description}
}

// FilterArgs returns a copy of args with every property the schema does
// not declare removed. Filtering recurses into nested object properties
// and into arrays of objects; declared properties' values pass through
// unchanged.
func (s *Schema) FilterArgs(args map[string]any) map[string]any {
	if s == nil || s.Type != "object" || args == nil {
		return args
	}
	filtered := make(map[string]any, len(args))
	for key, value := range args {
		prop, declared := s.Properties[key]
		if !declared {
			continue
		}
		filtered[key] = prop.filterValue(value)
	}
	return filtered
}

func (s *Schema) filterValue(value any) any {
	if s == nil {
		return value
	}
	switch s.Type {
	case "object":
		if nested, ok := value.(map[string]any); ok {
			return s.FilterArgs(nested)
		}
	case "array":
		if items, ok := value.([]any); ok && s.Items != nil {
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = s.Items.filterValue(item)
			}
			return out
		}
	}
	return value
}

// Validate checks args against the schema. Returns a VALIDATION
// ToolError describing the first violation, or nil.
func (s *Schema) Validate(args map[string]any) *ToolError {
	if s == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	for _, field := range s.Required {
		if _, exists := args[field]; !exists {
			return NewError(KindValidation, "missing required field: %s", field)
		}
	}

	for key, value := range args {
		prop, ok := s.Properties[key]
		if !ok {
			// FilterArgs runs first in the execute path, so an unknown
			// key reaching here means the caller skipped filtering.
			return NewError(KindValidation, "unknown field: %s", key)
		}
		if err := prop.validateValue(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) validateValue(field string, value any) *ToolError {
	if s == nil || s.Type == "" {
		return nil
	}

	switch s.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return typeError(field, "string", value)
		}
		if len(s.Enum) > 0 && !containsString(s.Enum, str) {
			return NewError(KindValidation, "field %s: %q not in %v", field, str, s.Enum)
		}
	case "number":
		if !isNumber(value) {
			return typeError(field, "number", value)
		}
	case "integer":
		if !isInteger(value) {
			return typeError(field, "integer", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeError(field, "boolean", value)
		}
	case "object":
		nested, ok := value.(map[string]any)
		if !ok {
			return typeError(field, "object", value)
		}
		if err := s.Validate(nested); err != nil {
			return NewError(KindValidation, "field %s: %s", field, err.Message)
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return typeError(field, "array", value)
		}
		if s.Items != nil {
			for i, item := range items {
				if err := s.Items.validateValue(fmt.Sprintf("%s[%d]", field, i), item); err != nil {
					return err
				}
			}
		}
	case "null":
		if value != nil {
			return typeError(field, "null", value)
		}
	default:
		return NewError(KindValidation, "field %s: unsupported schema type %q", field, s.Type)
	}
	return nil
}

// ProviderSchema renders the schema as the generic JSON-schema map shape
// model providers expect in tool listings.
func (s *Schema) ProviderSchema() map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	out := map[string]any{"type": s.Type}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = prop.ProviderSchema()
		}
		out["properties"] = props
	} else if s.Type == "object" {
		out["properties"] = map[string]any{}
	}
	if s.Items != nil {
		out["items"] = s.Items.ProviderSchema()
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	return out
}

func typeError(field, want string, got any) *ToolError {
	return NewError(KindValidation, "field %s: expected %s but got %T", field, want, got)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// JSON decoding yields float64 for all numbers; accept native Go numeric
// types too so handlers can be exercised directly in tests.
func isNumber(value any) bool {
	switch value.(type) {
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return math.Trunc(float64(v)) == float64(v)
	case float64:
		return math.Trunc(v) == v
	}
	return false
}
