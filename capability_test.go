package draftkit

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

const testCapabilityName = "lookup_order"

func echoHandler(_ context.Context, args map[string]any, _ AgentState) (CapabilityResult, error) {
	id, _ := args["order_id"].(string)
	return CapabilityResult{Text: "order " + id}, nil
}

func orderCapability(t *testing.T) *Capability {
	t.Helper()
	c, err := NewCapability(testCapabilityName).
		WithDescription("Look up an order").
		WithParameter("order_id", String().Required().WithDescription("Order number")).
		WithParameter("include_items", Boolean()).
		WithHandler(echoHandler).
		Build()
	if err != nil {
		t.Fatalf("build capability: %v", err)
	}
	return c
}

func TestCapabilityBuilder_Build(t *testing.T) {
	c := orderCapability(t)

	if c.Name() != testCapabilityName {
		t.Errorf("expected name %s, got %s", testCapabilityName, c.Name())
	}
	if c.Label() != "Lookup Order" {
		t.Errorf("expected derived label 'Lookup Order', got %q", c.Label())
	}

	def := c.Definition()
	if def.Description != "Look up an order" {
		t.Errorf("unexpected description %q", def.Description)
	}
	required := def.Parameters["required"].([]string)
	if !reflect.DeepEqual(required, []string{"order_id", "include_items"}) {
		t.Errorf("expected every parameter to be required, got %v", required)
	}
	if def.Parameters["additionalProperties"] != false {
		t.Error("expected additionalProperties false")
	}

	props := def.Parameters["properties"].(map[string]any)
	optional := props["include_items"].(map[string]any)
	if _, ok := optional["anyOf"]; !ok {
		t.Errorf("expected optional parameter to accept null, got %v", optional)
	}
}

func TestCapabilityBuilder_BuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *CapabilityBuilder
		want    string
	}{
		{"missing name", NewCapability("").WithHandler(echoHandler), "name is required"},
		{"missing handler", NewCapability("x"), "handler is required"},
		{"nil schema", NewCapability("x").WithHandler(echoHandler).WithParameter("a", nil), `parameter "a" has no schema`},
		{
			"duplicate parameter",
			NewCapability("x").WithHandler(echoHandler).WithParameter("a", String()).WithParameter("a", Integer()),
			`parameter "a" declared twice`,
		},
		{
			"invalid raw schema",
			NewCapability("x").WithHandler(echoHandler).WithRawParameters(map[string]any{"type": 42}),
			"compile schema",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCapabilityBuilder_MustBuildPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewCapability("").MustBuild()
}

func TestCapability_Validate(t *testing.T) {
	c := orderCapability(t)

	args, err := c.Validate(map[string]any{"order_id": "A-1"})
	if err != nil {
		t.Fatalf("expected omitted optional argument to validate, got %v", err)
	}
	if v, ok := args["include_items"]; !ok || v != nil {
		t.Errorf("expected include_items normalized to null, got %v", args)
	}

	if _, err := c.Validate(map[string]any{"order_id": "A-1", "include_items": true}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := c.Validate(map[string]any{}); err == nil {
		t.Error("expected missing required argument to fail")
	}
	if _, err := c.Validate(map[string]any{"order_id": 7}); err == nil {
		t.Error("expected wrong type to fail")
	}
	if _, err := c.Validate(map[string]any{"order_id": "A-1", "extra": "x"}); err == nil {
		t.Error("expected unknown argument to fail")
	}
}

func TestCapability_ValidateNumbers(t *testing.T) {
	c, err := NewCapability("reserve_seats").
		WithDescription("Reserve seats").
		WithRawParameters(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seats": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
			},
			"required": []any{"seats"},
		}).
		WithHandler(echoHandler).
		Build()
	if err != nil {
		t.Fatalf("build capability: %v", err)
	}

	args, err := c.Validate(map[string]any{"seats": float64(4)})
	if err != nil {
		t.Fatalf("expected whole number to validate as integer, got %v", err)
	}
	if args["seats"] != float64(4) {
		t.Errorf("expected seats 4, got %v", args["seats"])
	}
	if _, err := c.Validate(map[string]any{"seats": 2.5}); err == nil {
		t.Error("expected fractional value to fail integer check")
	}
	if _, err := c.Validate(map[string]any{"seats": 11}); err == nil {
		t.Error("expected value above maximum to fail")
	}
}

func TestCapability_Call(t *testing.T) {
	c := orderCapability(t)

	res, err := c.Call(context.Background(), map[string]any{"order_id": "A-7"}, AgentState{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "order A-7" {
		t.Errorf("expected 'order A-7', got %q", res.Text)
	}

	_, err = c.Call(context.Background(), map[string]any{"order_id": 1}, AgentState{})
	if !errors.Is(err, ErrCapabilityFailure) {
		t.Errorf("expected ErrCapabilityFailure for invalid args, got %v", err)
	}
}

func TestCapability_CallWrapsHandlerFailures(t *testing.T) {
	boom := errors.New("backend down")
	failing := NewCapability("failing").
		WithHandler(func(context.Context, map[string]any, AgentState) (CapabilityResult, error) {
			return CapabilityResult{}, boom
		}).
		MustBuild()

	_, err := failing.Call(context.Background(), nil, AgentState{})
	if !errors.Is(err, ErrCapabilityFailure) || !errors.Is(err, boom) {
		t.Errorf("expected wrapped handler error, got %v", err)
	}

	panicking := NewCapability("panicking").
		WithHandler(func(context.Context, map[string]any, AgentState) (CapabilityResult, error) {
			panic("nil map")
		}).
		MustBuild()

	_, err = panicking.Call(context.Background(), nil, AgentState{})
	if !errors.Is(err, ErrCapabilityFailure) {
		t.Fatalf("expected panic recovered as ErrCapabilityFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "panic: nil map") {
		t.Errorf("expected panic message in error, got %v", err)
	}
}

func TestCapability_HandlerSeesState(t *testing.T) {
	c := NewCapability("whoami").
		WithHandler(func(_ context.Context, _ map[string]any, state AgentState) (CapabilityResult, error) {
			return CapabilityResult{Text: state.UserID + "/" + state.AccountID}, nil
		}).
		MustBuild()

	res, err := c.Call(context.Background(), nil, AgentState{UserID: "u1", AccountID: "a1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "u1/a1" {
		t.Errorf("expected u1/a1, got %q", res.Text)
	}
}

func TestRegistry(t *testing.T) {
	order := orderCapability(t)
	ping := NewCapability("ping").WithLabel("Ping").WithHandler(echoHandler).MustBuild()

	r, err := NewRegistry(order, ping)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if got := r.Names(); !reflect.DeepEqual(got, []string{testCapabilityName, "ping"}) {
		t.Errorf("expected sorted names, got %v", got)
	}
	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != testCapabilityName || defs[1].Name != "ping" {
		t.Errorf("unexpected definitions %v", defs)
	}
	if c, ok := r.Lookup("ping"); !ok || c.Label() != "Ping" {
		t.Error("expected ping to be registered")
	}

	if err := r.Register(ping); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register(nil); err == nil {
		t.Error("expected nil capability to be rejected")
	}

	_, err = r.Call(context.Background(), "send_email", nil, AgentState{})
	if !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("expected ErrUnknownCapability, got %v", err)
	}

	res, err := r.Call(context.Background(), testCapabilityName, map[string]any{"order_id": "B-2"}, AgentState{})
	if err != nil || res.Text != "order B-2" {
		t.Errorf("unexpected call result %q, %v", res.Text, err)
	}
}

func TestTitleCase(t *testing.T) {
	tests := map[string]string{
		"calendar_lookup": "Calendar Lookup",
		"search-mail":     "Search Mail",
		"ping":            "Ping",
		"":                "",
	}
	for in, want := range tests {
		if got := titleCase(in); got != want {
			t.Errorf("titleCase(%q) = %q, want %q", in, got, want)
		}
	}
}
