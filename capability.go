package draftkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/darkostanimirovic/draftkit/providers"
)

// CapabilityHandler runs a capability with validated arguments against a
// read-only view of the conversation state.
type CapabilityHandler func(ctx context.Context, args map[string]any, state AgentState) (CapabilityResult, error)

// CapabilityResult is the textual result handed back to the model plus any
// state delta the capability produced.
type CapabilityResult struct {
	Text   string
	Update AgentUpdate
}

// Capability is a named, schema-validated operation the reasoning step may
// request.
type Capability struct {
	name        string
	description string
	parameters  map[string]any
	handler     CapabilityHandler
	schema      *jsonschema.Schema
	label       string
}

// CapabilityBuilder constructs capabilities with a fluent API.
type CapabilityBuilder struct {
	c    Capability
	errs []error
}

// NewCapability starts a capability definition.
func NewCapability(name string) *CapabilityBuilder {
	return &CapabilityBuilder{c: Capability{name: name}}
}

// WithDescription sets the description shown to the model.
func (b *CapabilityBuilder) WithDescription(desc string) *CapabilityBuilder {
	b.c.description = desc
	return b
}

// WithLabel sets the human-readable name used in activity entries.
// Defaults to the name in title case.
func (b *CapabilityBuilder) WithLabel(label string) *CapabilityBuilder {
	b.c.label = label
	return b
}

// WithParameter adds a parameter. Every parameter is listed as required;
// optional ones accept null instead.
func (b *CapabilityBuilder) WithParameter(name string, schema *ParameterSchema) *CapabilityBuilder {
	if schema == nil {
		b.errs = append(b.errs, fmt.Errorf("parameter %q has no schema", name))
		return b
	}
	if b.c.parameters["properties"] == nil {
		b.c.parameters = objectSchema()
	}
	props := b.c.parameters["properties"].(map[string]any)
	if _, dup := props[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("parameter %q declared twice", name))
	}
	props[name] = schema.ToMapStrict()
	required, _ := b.c.parameters["required"].([]string)
	b.c.parameters["required"] = append(required, name)
	return b
}

// WithRawParameters sets the full JSON schema of the arguments.
func (b *CapabilityBuilder) WithRawParameters(params map[string]any) *CapabilityBuilder {
	b.c.parameters = params
	return b
}

// WithHandler sets the handler.
func (b *CapabilityBuilder) WithHandler(handler CapabilityHandler) *CapabilityBuilder {
	b.c.handler = handler
	return b
}

// Build compiles the argument schema and returns the capability.
func (b *CapabilityBuilder) Build() (*Capability, error) {
	c := b.c
	errs := append([]error(nil), b.errs...)
	if c.name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.handler == nil {
		errs = append(errs, errors.New("handler is required"))
	}
	if len(c.parameters) == 0 {
		c.parameters = objectSchema()
	}
	if _, ok := c.parameters["type"]; !ok {
		c.parameters["type"] = "object"
	}
	if c.parameters["type"] == "object" {
		if _, ok := c.parameters["properties"]; !ok {
			c.parameters["properties"] = map[string]any{}
		}
		if _, ok := c.parameters["additionalProperties"]; !ok {
			c.parameters["additionalProperties"] = false
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("capability %q: %w", c.name, err)
	}

	schema, err := compileSchema(c.name, c.parameters)
	if err != nil {
		return nil, fmt.Errorf("capability %q: %w", c.name, err)
	}
	c.schema = schema
	if c.label == "" {
		c.label = titleCase(c.name)
	}
	return &c, nil
}

// MustBuild is Build for static definitions; it panics on error.
func (b *CapabilityBuilder) MustBuild() *Capability {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}

func objectSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"required":             []string{},
		"additionalProperties": false,
	}
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	url := "mem://capabilities/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Name returns the capability name.
func (c *Capability) Name() string { return c.name }

// Label returns the human-readable name.
func (c *Capability) Label() string { return c.label }

// Definition advertises the capability to the model.
func (c *Capability) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        c.name,
		Description: c.description,
		Parameters:  c.parameters,
	}
}

// Validate checks args against the declared schema and returns them
// normalized to JSON types.
func (c *Capability) Validate(args map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(c.withNulls(args))
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return normalized, nil
}

// withNulls fills omitted nullable properties with null, so callers that
// leave optional arguments out still satisfy the strict schema.
func (c *Capability) withNulls(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	props, _ := c.parameters["properties"].(map[string]any)
	for name, schema := range props {
		if _, ok := out[name]; ok {
			continue
		}
		if m, ok := schema.(map[string]any); ok && nullable(m) {
			out[name] = nil
		}
	}
	return out
}

func nullable(schema map[string]any) bool {
	variants, ok := schema["anyOf"].([]any)
	if !ok {
		return schema["type"] == "null"
	}
	for _, v := range variants {
		if m, ok := v.(map[string]any); ok && m["type"] == "null" {
			return true
		}
	}
	return false
}

// Call validates args and runs the handler. Any failure is wrapped in
// ErrCapabilityFailure.
func (c *Capability) Call(ctx context.Context, args map[string]any, state AgentState) (result CapabilityResult, err error) {
	normalized, err := c.Validate(args)
	if err != nil {
		return CapabilityResult{}, fmt.Errorf("%w: %s: %w", ErrCapabilityFailure, c.name, err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrCapabilityFailure, c.name, r)
		}
	}()
	result, err = c.handler(ctx, normalized, state)
	if err != nil {
		return CapabilityResult{}, fmt.Errorf("%w: %s: %w", ErrCapabilityFailure, c.name, err)
	}
	return result, nil
}

// Registry is the fixed set of capabilities available to one session.
// It is safe for concurrent lookups.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*Capability
}

// NewRegistry creates a registry holding caps.
func NewRegistry(caps ...*Capability) (*Registry, error) {
	r := &Registry{items: make(map[string]*Capability, len(caps))}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a capability. Names must be unique.
func (r *Registry) Register(c *Capability) error {
	if c == nil {
		return errors.New("draftkit: nil capability")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.items[c.name]; dup {
		return fmt.Errorf("draftkit: capability %q registered twice", c.name)
	}
	r.items[c.name] = c
	return nil
}

// Lookup finds a capability by name.
func (r *Registry) Lookup(name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[name]
	return c, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool definitions in name order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	names := r.Names()
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		c, _ := r.Lookup(name)
		defs = append(defs, c.Definition())
	}
	return defs
}

// Call resolves name and runs it. Unknown names fail with
// ErrUnknownCapability.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any, state AgentState) (CapabilityResult, error) {
	c, ok := r.Lookup(name)
	if !ok {
		return CapabilityResult{}, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return c.Call(ctx, args, state)
}

// titleCase turns a snake_case name into "Title Case".
func titleCase(name string) string {
	out := make([]rune, 0, len(name))
	capitalize := true
	for _, r := range name {
		switch {
		case r == '_' || r == '-':
			out = append(out, ' ')
			capitalize = true
		case capitalize:
			if r >= 'a' && r <= 'z' {
				r -= 'a' - 'A'
			}
			out = append(out, r)
			capitalize = false
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
