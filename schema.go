package draftkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrInvalidStructSchema is returned when a schema cannot be built from the provided type.
var ErrInvalidStructSchema = errors.New("draftkit: struct schema requires a struct type")

// ParameterSchema describes one capability argument.
type ParameterSchema struct {
	paramType   string
	description string
	required    bool
	enum        []string
	items       map[string]any
	properties  map[string]*ParameterSchema
	raw         map[string]any
}

// String creates a string parameter.
func String() *ParameterSchema {
	return &ParameterSchema{paramType: "string"}
}

// Integer creates an integer parameter.
func Integer() *ParameterSchema {
	return &ParameterSchema{paramType: "integer"}
}

// Boolean creates a boolean parameter.
func Boolean() *ParameterSchema {
	return &ParameterSchema{paramType: "boolean"}
}

// Array creates an array parameter whose items are of itemType.
func Array(itemType string) *ParameterSchema {
	return &ParameterSchema{
		paramType: "array",
		items:     map[string]any{"type": itemType},
	}
}

// Object creates an object parameter.
func Object() *ParameterSchema {
	return &ParameterSchema{paramType: "object", properties: map[string]*ParameterSchema{}}
}

// WithProperty adds a property to an object parameter.
func (ps *ParameterSchema) WithProperty(name string, schema *ParameterSchema) *ParameterSchema {
	ps.paramType = "object"
	if ps.properties == nil {
		ps.properties = map[string]*ParameterSchema{}
	}
	ps.properties[name] = schema
	return ps
}

// WithDescription sets the description.
func (ps *ParameterSchema) WithDescription(desc string) *ParameterSchema {
	ps.description = desc
	return ps
}

// Required marks the parameter as required.
func (ps *ParameterSchema) Required() *ParameterSchema {
	ps.required = true
	return ps
}

// WithEnum restricts the allowed values.
func (ps *ParameterSchema) WithEnum(values ...string) *ParameterSchema {
	ps.enum = values
	return ps
}

// ToMap renders the schema as given.
func (ps *ParameterSchema) ToMap() map[string]any {
	return ps.render(false)
}

// ToMapStrict renders the schema for strict tool calling: optional values
// become anyOf with null, and every object property is listed as required.
func (ps *ParameterSchema) ToMapStrict() map[string]any {
	return ps.render(true)
}

func (ps *ParameterSchema) render(strict bool) map[string]any {
	if ps.raw != nil {
		return ps.raw
	}
	if strict && !ps.required {
		base := ps.render(false)
		delete(base, "description")
		out := map[string]any{"anyOf": []any{base, map[string]any{"type": "null"}}}
		if ps.description != "" {
			out["description"] = ps.description
		}
		return out
	}

	m := map[string]any{"type": ps.paramType}
	if ps.description != "" {
		m["description"] = ps.description
	}
	if len(ps.enum) > 0 {
		m["enum"] = ps.enum
	}
	if len(ps.items) > 0 {
		m["items"] = ps.items
	}
	if ps.paramType == "object" {
		props := make(map[string]any, len(ps.properties))
		required := []string{}
		for name, schema := range ps.properties {
			if schema == nil {
				continue
			}
			// Nested properties always render strict so they carry the
			// same null-for-optional shape as top-level parameters.
			props[name] = schema.render(true)
			required = append(required, name)
		}
		m["properties"] = props
		m["required"] = required
		m["additionalProperties"] = false
	}
	return m
}

// SchemaFromStruct builds a JSON schema object from a struct value or pointer.
//
// Supported struct tags:
//   - json: field name ("-" skips the field)
//   - desc: description
//   - enum: comma-separated allowed values
//   - required: "true" marks the field as non-nullable
func SchemaFromStruct(sample any) (map[string]any, error) {
	if sample == nil {
		return nil, ErrInvalidStructSchema
	}
	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, ErrInvalidStructSchema
	}
	return structSchema(t, map[reflect.Type]bool{}), nil
}

// NewStructCapability builds a capability whose argument schema is derived
// from T and whose handler receives the arguments decoded into T.
func NewStructCapability[T any](name string, handler func(ctx context.Context, args T, state AgentState) (CapabilityResult, error)) (*CapabilityBuilder, error) {
	var zero T
	schema, err := SchemaFromStruct(zero)
	if err != nil {
		return nil, fmt.Errorf("capability %q: %w", name, err)
	}
	wrapped := func(ctx context.Context, args map[string]any, state AgentState) (CapabilityResult, error) {
		var typed T
		payload, err := json.Marshal(args)
		if err != nil {
			return CapabilityResult{}, fmt.Errorf("encode arguments: %w", err)
		}
		if err := json.Unmarshal(payload, &typed); err != nil {
			return CapabilityResult{}, fmt.Errorf("decode arguments: %w", err)
		}
		return handler(ctx, typed, state)
	}
	return NewCapability(name).WithRawParameters(schema).WithHandler(wrapped), nil
}

func structSchema(t reflect.Type, visiting map[reflect.Type]bool) map[string]any {
	if visiting[t] {
		return map[string]any{"type": "object"}
	}
	visiting[t] = true
	defer delete(visiting, t)

	props := make(map[string]any)
	required := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, skip := jsonName(field)
		if skip {
			continue
		}

		schema := typeSchema(field.Type, visiting)
		if enum := splitCSV(field.Tag.Get("enum")); len(enum) > 0 {
			schema["enum"] = enum
		}
		desc := field.Tag.Get("desc")
		if !isTrue(field.Tag.Get("required")) {
			schema = map[string]any{"anyOf": []any{schema, map[string]any{"type": "null"}}}
		}
		if desc != "" {
			schema["description"] = desc
		}
		props[name] = schema
		required = append(required, name)
	}

	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func typeSchema(t reflect.Type, visiting map[reflect.Type]bool) map[string]any {
	if t.Kind() == reflect.Pointer {
		return typeSchema(t.Elem(), visiting)
	}
	if t.PkgPath() == "time" && t.Name() == "Time" {
		return map[string]any{"type": "string", "format": "date-time"}
	}
	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem(), visiting)}
	case reflect.Map:
		return map[string]any{"type": "object"}
	case reflect.Struct:
		return structSchema(t, visiting)
	default:
		return map[string]any{"type": "string"}
	}
}

func jsonName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = strings.ToLower(field.Name[:1]) + field.Name[1:]
	}
	return name, false
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isTrue(tag string) bool {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
