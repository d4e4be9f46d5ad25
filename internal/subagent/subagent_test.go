package subagent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xonecas/agentcore/internal/modelclient"
	"github.com/xonecas/agentcore/internal/tool"
)

func emptyRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg, err := tool.Build(tool.NewInjector(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return reg
}

func TestMarketAddDynamicRejectsDuplicateName(t *testing.T) {
	m := NewMarket(Spec{Name: "reviewer", SystemPrompt: "you review code"})

	if err := m.AddDynamic("reviewer", "anything"); err == nil {
		t.Fatal("expected an error adding a name already taken by a fixed subagent")
	}
	if err := m.AddDynamic("helper", "you help"); err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}
	if err := m.AddDynamic("helper", "you help again"); err == nil {
		t.Fatal("expected an error re-adding an already-registered dynamic name")
	}
}

func TestRunAgainstFixedSubagent(t *testing.T) {
	market := NewMarket(Spec{Name: "reviewer", SystemPrompt: "you review code"})
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "looks good"})

	result, err := Run(context.Background(), emptyRegistry(t), provider, market, "reviewer", "review this diff", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "looks good" {
		t.Errorf("got content %q, want %q", result.Content, "looks good")
	}
}

func TestRunAgainstDynamicSubagent(t *testing.T) {
	market := NewMarket()
	if err := market.AddDynamic("helper", "you help with small tasks"); err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "done helping"})

	result, err := Run(context.Background(), emptyRegistry(t), provider, market, "helper", "do a small task", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "done helping" {
		t.Errorf("got content %q, want %q", result.Content, "done helping")
	}
}

func TestRunRejectsUnknownSubagent(t *testing.T) {
	market := NewMarket()
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "x"})

	if _, err := Run(context.Background(), emptyRegistry(t), provider, market, "ghost", "do something", 0); err == nil {
		t.Fatal("expected an error invoking an unregistered subagent")
	}
}

func TestRunRejectsExceededDepth(t *testing.T) {
	market := NewMarket(Spec{Name: "reviewer", SystemPrompt: "you review code"})
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "x"})

	ctx := WithDepth(context.Background(), MaxDepth)
	if _, err := Run(ctx, emptyRegistry(t), provider, market, "reviewer", "review this", 0); err == nil {
		t.Fatal("expected an error exceeding the maximum subagent recursion depth")
	}
}

func TestRunRejectsIterationsAboveMax(t *testing.T) {
	market := NewMarket(Spec{Name: "reviewer", SystemPrompt: "you review code"})
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "x"})

	if _, err := Run(context.Background(), emptyRegistry(t), provider, market, "reviewer", "review this", MaxAllowedIterations+1); err == nil {
		t.Fatal("expected an error for a max_iterations value above MaxAllowedIterations")
	}
}

func newInjector(market *Market, provider modelclient.Provider, getter RegistryGetter) *tool.Injector {
	in := tool.NewInjector()
	in.Provide("subagent_market", market)
	in.Provide("model_provider", provider)
	in.Provide("tool_registry_getter", getter)
	return in
}

func TestTaskToolInvokesNamedSubagent(t *testing.T) {
	market := NewMarket(Spec{Name: "reviewer", SystemPrompt: "you review code"})
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "looks good"})

	var reg *tool.Registry
	taskTool, err := TaskFactory(newInjector(market, provider, func() *tool.Registry { return reg }))
	if err != nil {
		t.Fatalf("TaskFactory: %v", err)
	}
	built, err := tool.Build(tool.NewInjector(), []tool.Factory{func(*tool.Injector) (tool.Tool, error) { return taskTool, nil }})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reg = built

	args, _ := json.Marshal(map[string]any{"subagent_name": "reviewer", "description": "review this diff"})
	result := taskTool.Handle(context.Background(), args)
	if result.IsError() {
		t.Fatalf("Handle returned error: %+v", result)
	}
	if result.Output != "looks good" {
		t.Errorf("got output %q, want %q", result.Output, "looks good")
	}
}

func TestTaskToolReportsUnknownSubagentAsToolError(t *testing.T) {
	market := NewMarket()
	provider := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "x"})

	taskTool, err := TaskFactory(newInjector(market, provider, func() *tool.Registry { return nil }))
	if err != nil {
		t.Fatalf("TaskFactory: %v", err)
	}

	args, _ := json.Marshal(map[string]any{"subagent_name": "ghost", "description": "do something"})
	result := taskTool.Handle(context.Background(), args)
	if !result.IsError() {
		t.Fatal("expected an error result for an unknown subagent")
	}
}

func TestCreateSubagentToolAddsAndRejectsDuplicate(t *testing.T) {
	market := NewMarket()
	in := tool.NewInjector()
	in.Provide("subagent_market", market)

	createTool, err := CreateSubagentFactory(in)
	if err != nil {
		t.Fatalf("CreateSubagentFactory: %v", err)
	}

	args, _ := json.Marshal(map[string]any{"name": "helper", "system_prompt": "you help"})
	result := createTool.Handle(context.Background(), args)
	if result.IsError() {
		t.Fatalf("Handle returned error: %+v", result)
	}
	if !strings.Contains(result.Output, "helper") {
		t.Errorf("got output %q, want it to mention the new subagent name", result.Output)
	}
	if _, ok := market.Get("helper"); !ok {
		t.Fatal("expected the new subagent to be registered in the market")
	}

	result = createTool.Handle(context.Background(), args)
	if !result.IsError() {
		t.Fatal("expected an error creating a subagent with an already-taken name")
	}
}

func TestCreateSubagentToolUsesMarketFromContextWhenPresent(t *testing.T) {
	rootMarket := NewMarket()
	childMarket := NewMarket()
	in := tool.NewInjector()
	in.Provide("subagent_market", rootMarket)

	createTool, err := CreateSubagentFactory(in)
	if err != nil {
		t.Fatalf("CreateSubagentFactory: %v", err)
	}

	ctx := WithMarket(context.Background(), childMarket)
	args, _ := json.Marshal(map[string]any{"name": "helper", "system_prompt": "you help"})
	if result := createTool.Handle(ctx, args); result.IsError() {
		t.Fatalf("Handle returned error: %+v", result)
	}

	if _, ok := childMarket.Get("helper"); !ok {
		t.Error("expected the new subagent to be registered in the context-scoped market")
	}
	if _, ok := rootMarket.Get("helper"); ok {
		t.Error("did not expect the root market to be mutated when a context market is present")
	}
}
