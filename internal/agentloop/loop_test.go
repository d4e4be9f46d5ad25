package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xonecas/agentcore/internal/contextstore"
	"github.com/xonecas/agentcore/internal/engineerr"
	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/modelclient"
	"github.com/xonecas/agentcore/internal/tool"
	"github.com/xonecas/agentcore/internal/wire"
)

func openTestStore(t *testing.T) *contextstore.Store {
	t.Helper()
	s, err := contextstore.Open(filepath.Join(t.TempDir(), "session.ndjson"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func drainEvents(ch <-chan wire.Event) {
	go func() {
		for range ch {
		}
	}()
}

func emptyRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg, err := tool.Build(tool.NewInjector(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return reg
}

// echoRegistry returns a registry with one "echo" tool that returns its
// arguments as output, or a rejection result when args contain "reject".
func echoRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	factory := func(in *tool.Injector) (tool.Tool, error) {
		return tool.Tool{
			Name:        "echo",
			Description: "echoes its arguments",
			Handle: func(ctx context.Context, args json.RawMessage) message.ToolResult {
				if string(args) == `{"reject":true}` {
					return message.Err("rejected by user", rejectedBrief)
				}
				return message.Ok(string(args), "ok")
			},
		}, nil
	}
	reg, err := tool.Build(tool.NewInjector(), []tool.Factory{factory})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return reg
}

// stepProvider scripts a distinct sequence of Parts per call index, for
// tests that need the model to behave differently across Steps of the
// same Turn (a plain modelclient.MockClient always replays the same
// script).
type stepProvider struct {
	calls [][]modelclient.Part
	n     int
}

func (p *stepProvider) Name() string { return "step" }
func (p *stepProvider) Close() error { return nil }
func (p *stepProvider) Stream(ctx context.Context, req modelclient.StreamRequest) (<-chan modelclient.Part, error) {
	idx := p.n
	if idx >= len(p.calls) {
		idx = len(p.calls) - 1
	}
	p.n++
	parts := p.calls[idx]
	ch := make(chan modelclient.Part, len(parts))
	for _, part := range parts {
		ch <- part
	}
	close(ch)
	return ch, nil
}

func newTestSoul(t *testing.T, registry *tool.Registry, provider modelclient.Provider) (*Soul, <-chan wire.Event) {
	t.Helper()
	store := openTestStore(t)
	ch := wire.New()
	drainEvents(ch.UI().Events())
	s := New(store, registry, provider, nil, ch.Soul(), Config{Model: "test-model"})
	return s, ch.UI().Events()
}

func TestRunTurnEndsNoToolCallsOnPlainText(t *testing.T) {
	provider := modelclient.NewMock("mock",
		modelclient.Part{Kind: modelclient.PartTextDelta, Text: "hello there"},
	)
	s, _ := newTestSoul(t, emptyRegistry(t), provider)

	outcome := s.RunTurn(context.Background(), "hi")
	if outcome != wire.OutcomeNoToolCalls {
		t.Fatalf("got outcome %q, want %q", outcome, wire.OutcomeNoToolCalls)
	}

	history := s.store.History()
	if len(history) != 2 {
		t.Fatalf("got %d messages, want 2 (user + assistant): %+v", len(history), history)
	}
	if history[1].Text() != "hello there" {
		t.Errorf("got assistant text %q, want %q", history[1].Text(), "hello there")
	}
}

func TestRunTurnDispatchesToolCallThenStops(t *testing.T) {
	provider := &stepProvider{calls: [][]modelclient.Part{
		{
			{Kind: modelclient.PartToolCallBegin, ToolCallIndex: 0, ToolCallID: "tc-1", ToolCallName: "echo"},
			{Kind: modelclient.PartToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"x":1}`},
			{Kind: modelclient.PartToolCallComplete, ToolCallIndex: 0},
		},
		{
			{Kind: modelclient.PartTextDelta, Text: "done"},
		},
	}}
	s, _ := newTestSoul(t, echoRegistry(t), provider)

	outcome := s.RunTurn(context.Background(), "run echo")
	if outcome != wire.OutcomeNoToolCalls {
		t.Fatalf("got outcome %q, want %q", outcome, wire.OutcomeNoToolCalls)
	}

	history := s.store.History()
	// user, assistant(tool_call), tool_result, assistant(text)
	if len(history) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(history), history)
	}
	if history[1].Role != message.RoleAssistant || len(history[1].ToolCalls) != 1 {
		t.Fatalf("expected step 1 assistant message to carry the tool call, got %+v", history[1])
	}
	if history[2].Role != message.RoleTool || history[2].Text() != `{"x":1}` {
		t.Fatalf("expected tool result echoing arguments, got %+v", history[2])
	}
	if history[3].Text() != "done" {
		t.Fatalf("expected final assistant text %q, got %q", "done", history[3].Text())
	}
}

func TestRunTurnEndsToolRejectedOnRejectionBrief(t *testing.T) {
	provider := &stepProvider{calls: [][]modelclient.Part{
		{
			{Kind: modelclient.PartToolCallBegin, ToolCallIndex: 0, ToolCallID: "tc-1", ToolCallName: "echo"},
			{Kind: modelclient.PartToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"reject":true}`},
			{Kind: modelclient.PartToolCallComplete, ToolCallIndex: 0},
		},
	}}
	s, _ := newTestSoul(t, echoRegistry(t), provider)

	outcome := s.RunTurn(context.Background(), "run echo")
	if outcome != wire.OutcomeToolRejected {
		t.Fatalf("got outcome %q, want %q", outcome, wire.OutcomeToolRejected)
	}
}

// echoAndCounterRegistry returns a registry with the "echo" tool (same as
// echoRegistry) plus a "counter" tool that increments *ran every time its
// Handle actually executes, so a test can prove a tool call was never
// dispatched rather than just inferring it from the final history.
func echoAndCounterRegistry(t *testing.T, ran *int) *tool.Registry {
	t.Helper()
	echoFactory := func(in *tool.Injector) (tool.Tool, error) {
		return tool.Tool{
			Name:        "echo",
			Description: "echoes its arguments",
			Handle: func(ctx context.Context, args json.RawMessage) message.ToolResult {
				if string(args) == `{"reject":true}` {
					return message.Err("rejected by user", rejectedBrief)
				}
				return message.Ok(string(args), "ok")
			},
		}, nil
	}
	counterFactory := func(in *tool.Injector) (tool.Tool, error) {
		return tool.Tool{
			Name:        "counter",
			Description: "increments ran when dispatched",
			Handle: func(ctx context.Context, args json.RawMessage) message.ToolResult {
				*ran++
				return message.Ok("ran", "ok")
			},
		}, nil
	}
	reg, err := tool.Build(tool.NewInjector(), []tool.Factory{echoFactory, counterFactory})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return reg
}

// TestRunTurnSkipsToolCallsAfterRejection covers spec §4.G step 7.d: once a
// tool call in a step is rejected, the remaining calls in that same step
// must not run (a command queued after a rejected one must not execute),
// and each gets a synthetic cancelled result instead so the model still
// sees one tool-result message per tool_call_id it issued.
func TestRunTurnSkipsToolCallsAfterRejection(t *testing.T) {
	var ran int
	provider := &stepProvider{calls: [][]modelclient.Part{
		{
			{Kind: modelclient.PartToolCallBegin, ToolCallIndex: 0, ToolCallID: "tc-1", ToolCallName: "echo"},
			{Kind: modelclient.PartToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"reject":true}`},
			{Kind: modelclient.PartToolCallComplete, ToolCallIndex: 0},
			{Kind: modelclient.PartToolCallBegin, ToolCallIndex: 1, ToolCallID: "tc-2", ToolCallName: "counter"},
			{Kind: modelclient.PartToolCallDelta, ToolCallIndex: 1, ToolCallArgs: `{}`},
			{Kind: modelclient.PartToolCallComplete, ToolCallIndex: 1},
		},
	}}
	s, _ := newTestSoul(t, echoAndCounterRegistry(t, &ran), provider)

	outcome := s.RunTurn(context.Background(), "run echo then counter")
	if outcome != wire.OutcomeToolRejected {
		t.Fatalf("got outcome %q, want %q", outcome, wire.OutcomeToolRejected)
	}
	if ran != 0 {
		t.Fatalf("expected the tool call after the rejection to never run, but it ran %d time(s)", ran)
	}

	history := s.store.History()
	// user, assistant(tool_call x2), tool_result(rejected), tool_result(cancelled)
	if len(history) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(history), history)
	}
	if history[2].ToolCallID != "tc-1" || history[2].Text() != "rejected by user" {
		t.Fatalf("expected tc-1's rejection message, got %+v", history[2])
	}
	if history[3].ToolCallID != "tc-2" || !strings.Contains(history[3].Text(), "cancelled") {
		t.Fatalf("expected tc-2 to carry a synthetic cancelled result, got %+v", history[3])
	}
}

// TestRunModelCallRetriesMidStreamRetryableError covers the
// engineerr.KindModelRetryable case spec §4.F names by example
// (RemoteProtocolError / incomplete chunked read): a failure surfacing
// through the Stream channel itself, after the connection was already
// established, must still be retried at the Step level rather than ending
// the Turn outright.
func TestRunModelCallRetriesMidStreamRetryableError(t *testing.T) {
	provider := &stepProvider{calls: [][]modelclient.Part{
		{{Kind: modelclient.PartError, Err: engineerr.Wrap(engineerr.KindModelRetryable, errors.New("incomplete chunked read"))}},
		{{Kind: modelclient.PartTextDelta, Text: "recovered"}},
	}}
	s, _ := newTestSoul(t, emptyRegistry(t), provider)
	s.cfg.MaxRetriesPerStep = 2

	outcome := s.RunTurn(context.Background(), "hi")
	if outcome != wire.OutcomeNoToolCalls {
		t.Fatalf("got outcome %q, want %q", outcome, wire.OutcomeNoToolCalls)
	}

	history := s.store.History()
	if len(history) != 2 || history[1].Text() != "recovered" {
		t.Fatalf("expected the retried call's text to be the only assistant message, got %+v", history)
	}
}

func TestRunTurnCancelledContextEndsCancelled(t *testing.T) {
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "x"})
	s, _ := newTestSoul(t, emptyRegistry(t), provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := s.RunTurn(ctx, "hi")
	if outcome != wire.OutcomeCancelled {
		t.Fatalf("got outcome %q, want %q", outcome, wire.OutcomeCancelled)
	}
}

func TestRepeatsLastThreeDetectsIdenticalCalls(t *testing.T) {
	recent := []recentCall{
		{name: "echo", args: `{"x":1}`},
		{name: "echo", args: `{"x":1}`},
		{name: "echo", args: `{"x":1}`},
	}
	if !repeatsLastThree(recent) {
		t.Error("expected three identical calls to be detected as a repeat")
	}

	recent[2].args = `{"x":2}`
	if repeatsLastThree(recent) {
		t.Error("expected a differing call to not be detected as a repeat")
	}
}

func TestRalphLoopDisabledRunsOnlyOneTurn(t *testing.T) {
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "ok"})
	s, _ := newTestSoul(t, emptyRegistry(t), provider)

	outcome := RalphLoop(context.Background(), s, "hi", 0)
	if outcome != wire.OutcomeNoToolCalls {
		t.Fatalf("got outcome %q, want %q", outcome, wire.OutcomeNoToolCalls)
	}
	if len(s.store.History()) != 2 {
		t.Fatalf("expected exactly one Turn's worth of messages, got %d", len(s.store.History()))
	}
}

func TestRalphLoopResubmitsOnMaxStepsReached(t *testing.T) {
	// MaxSteps=1 with a tool-calling model forces every Turn to end via
	// finalTextOnlyCall -> OutcomeMaxStepsReached, so RalphLoop should keep
	// resubmitting up to maxIterations, then give up.
	provider := &stepProvider{calls: [][]modelclient.Part{
		{
			{Kind: modelclient.PartToolCallBegin, ToolCallIndex: 0, ToolCallID: "tc-1", ToolCallName: "echo"},
			{Kind: modelclient.PartToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"x":1}`},
			{Kind: modelclient.PartToolCallComplete, ToolCallIndex: 0},
		},
	}}
	store := openTestStore(t)
	ch := wire.New()
	drainEvents(ch.UI().Events())
	s := New(store, echoRegistry(t), provider, nil, ch.Soul(), Config{Model: "test-model", MaxSteps: 1})

	outcome := RalphLoop(context.Background(), s, "keep going", 2)
	if outcome != wire.OutcomeMaxStepsReached {
		t.Fatalf("got outcome %q, want %q", outcome, wire.OutcomeMaxStepsReached)
	}
	// Each Turn makes two model calls (the tool-calling step and the final
	// text-only call), so a resubmission means at least four.
	if provider.n < 4 {
		t.Fatalf("expected RalphLoop to have resubmitted at least once, got %d model calls", provider.n)
	}
}

func TestQueueDrivenRunStopsOnCancel(t *testing.T) {
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "ok"})
	s, _ := newTestSoul(t, emptyRegistry(t), provider)

	s.Queue().Enqueue("first")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Run returned early with %v before cancellation", err)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if len(s.store.History()) != 2 {
		t.Fatalf("expected the queued item's Turn to have run, got %d messages", len(s.store.History()))
	}
}
