package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xonecas/agentcore/internal/message"
)

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "echoes its message argument",
		Schema:      json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		Handle: func(ctx context.Context, args json.RawMessage) message.ToolResult {
			var parsed struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &parsed); err != nil {
				return message.Err(err.Error(), "bad args")
			}
			return message.Ok(parsed.Message, "echoed")
		},
	}
}

func buildTestRegistry(t *testing.T, factories ...Factory) *Registry {
	t.Helper()
	in := NewInjector()
	r, err := Build(in, factories)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return r
}

func TestDispatchUnknownTool(t *testing.T) {
	r := buildTestRegistry(t)

	result := Dispatch(context.Background(), r, message.ToolCall{ID: "tc-1", Name: "nope", Arguments: json.RawMessage(`{}`)})
	if !result.IsError() {
		t.Fatal("expected an Err result for an unknown tool")
	}
	if result.Message != "Unknown tool: nope" {
		t.Errorf("got message %q", result.Message)
	}
	if result.ToolCallID != "tc-1" {
		t.Errorf("got tool_call_id %q, want tc-1", result.ToolCallID)
	}
}

func TestDispatchSchemaValidationFailure(t *testing.T) {
	r := buildTestRegistry(t, func(in *Injector) (Tool, error) { return echoTool(), nil })

	result := Dispatch(context.Background(), r, message.ToolCall{
		ID: "tc-1", Name: "echo", Arguments: json.RawMessage(`{}`), // missing required "message"
	})
	if !result.IsError() {
		t.Fatal("expected a validation Err result")
	}
}

func TestDispatchSuccess(t *testing.T) {
	r := buildTestRegistry(t, func(in *Injector) (Tool, error) { return echoTool(), nil })

	result := Dispatch(context.Background(), r, message.ToolCall{
		ID: "tc-1", Name: "echo", Arguments: json.RawMessage(`{"message":"hi"}`),
	})
	if result.IsError() {
		t.Fatalf("unexpected Err result: %+v", result)
	}
	if result.Output != "hi" {
		t.Errorf("got output %q, want %q", result.Output, "hi")
	}
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	panicky := Tool{
		Name: "boom",
		Handle: func(ctx context.Context, args json.RawMessage) message.ToolResult {
			panic("kaboom")
		},
	}
	r := buildTestRegistry(t, func(in *Injector) (Tool, error) { return panicky, nil })

	result := Dispatch(context.Background(), r, message.ToolCall{ID: "tc-1", Name: "boom", Arguments: json.RawMessage(`{}`)})
	if !result.IsError() {
		t.Fatal("expected a panic to convert to an Err result")
	}
}

func TestBuildAbortsOnMissingRequiredDependency(t *testing.T) {
	in := NewInjector()
	needsApproval := func(in *Injector) (Tool, error) {
		_, err := Require[string](in, "shell", "approval_gate")
		if err != nil {
			return Tool{}, err
		}
		return Tool{Name: "shell"}, nil
	}

	_, err := Build(in, []Factory{needsApproval})
	if err == nil {
		t.Fatal("expected Build to fail on a missing required dependency")
	}
	var depErr *DependencyError
	if !isDependencyError(err, &depErr) {
		t.Fatalf("got %v (%T), want *DependencyError", err, err)
	}
}

func TestBuildOmitsToolOnNonFatalFactoryError(t *testing.T) {
	in := NewInjector()
	broken := func(in *Injector) (Tool, error) {
		return Tool{}, errNotDependency
	}
	good := func(in *Injector) (Tool, error) { return echoTool(), nil }

	r, err := Build(in, []Factory{broken, good})
	if err != nil {
		t.Fatalf("Build should not abort on a non-dependency factory error: %v", err)
	}
	if _, ok := r.Lookup("echo"); !ok {
		t.Fatal("expected the good tool to still be registered")
	}
}

var errNotDependency = errors.New("tool load failed for an unrelated reason")

func TestInjectorOptionalFallsBackToDefault(t *testing.T) {
	in := NewInjector()
	got := Optional(in, "workspace_root", "/default")
	if got != "/default" {
		t.Errorf("got %q, want default", got)
	}

	in.Provide("workspace_root", "/work")
	got = Optional(in, "workspace_root", "/default")
	if got != "/work" {
		t.Errorf("got %q, want provided value", got)
	}
}
