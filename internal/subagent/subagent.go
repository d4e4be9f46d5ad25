// Package subagent implements the Subagent Market (spec §4.I): named,
// fully independent child souls invoked synchronously via a Task tool.
//
// Grounded on the teacher's subagent.Run (a single-shot nested
// llm.ProcessTurn over a throwaway history), generalized from one
// anonymous sub-agent invocation into a named Market of fixed and
// dynamically-created subagent configurations, the way
// kimi_cli/tools/multiagent/create.py's CreateSubagent adds to a
// LaborMarket that a Task-equivalent tool later looks up by name.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xonecas/agentcore/internal/agentloop"
	"github.com/xonecas/agentcore/internal/contextstore"
	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/modelclient"
	"github.com/xonecas/agentcore/internal/tool"
	"github.com/xonecas/agentcore/internal/wire"
)

// RegistryGetter defers resolution of the full Tool Registry until a Task
// call actually runs. The Task tool is itself registered as a member of
// that Registry, so the Registry can't be handed to the Task factory
// directly at Build time (it doesn't exist yet); the wiring step instead
// provides a closure over a variable it fills in right after Build returns,
// the way the teacher's main.go builds allTools before constructing its
// SubAgentHandler, generalized here to not require a fixed build order.
type RegistryGetter func() *tool.Registry

const (
	// MaxDepth bounds recursion: depth 0 is the root Soul, depth 1 is a
	// subagent it spawned. A depth-1 subagent cannot itself spawn a
	// subagent (spec §4.I's recursion is one level deep by construction —
	// the teacher's MaxSubAgentDepth=1).
	MaxDepth = 1

	// DefaultMaxIterations is a subagent Turn's step budget when the
	// caller doesn't specify one, matching the teacher's
	// MaxSubAgentIterations.
	DefaultMaxIterations = 5

	// MaxAllowedIterations caps a caller-specified iteration count,
	// matching the teacher's MaxAllowedIterations.
	MaxAllowedIterations = 20
)

// Spec is one named subagent configuration: its system prompt and whether
// it was declared ahead of time (Fixed) or created at runtime via
// CreateSubagent.
type Spec struct {
	Name         string
	SystemPrompt string
	Fixed        bool
}

// Market is a table of named Specs a Task tool looks up by name (spec
// §4.I: "a table of named subagents"). A fixed subagent's own Market is
// isolated from its parent's (fresh, empty); a dynamic subagent shares the
// Market it was created in.
type Market struct {
	mu        sync.Mutex
	subagents map[string]Spec
}

// NewMarket returns a Market preloaded with fixed, for the Runtime wiring
// step that declares fixed subagents ahead of time.
func NewMarket(fixed ...Spec) *Market {
	m := &Market{subagents: make(map[string]Spec, len(fixed))}
	for _, s := range fixed {
		s.Fixed = true
		m.subagents[s.Name] = s
	}
	return m
}

// AddDynamic registers a runtime-created subagent. Returns an error if the
// name is already taken (spec §4.I / CreateSubagent's "already exists"
// check).
func (m *Market) AddDynamic(name, systemPrompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subagents[name]; exists {
		return fmt.Errorf("subagent: %q already exists", name)
	}
	m.subagents[name] = Spec{Name: name, SystemPrompt: systemPrompt}
	return nil
}

// Get looks up a Spec by name.
func (m *Market) Get(name string) (Spec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subagents[name]
	return s, ok
}

// Names returns every registered subagent name.
func (m *Market) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subagents))
	for name := range m.subagents {
		out = append(out, name)
	}
	return out
}

type ctxKey int

const (
	marketKey ctxKey = iota
	depthKey
)

// WithMarket attaches market to ctx, for a subagent Turn's own tool
// handlers (Task, CreateSubagent) to find when invoked from inside it.
func WithMarket(ctx context.Context, market *Market) context.Context {
	return context.WithValue(ctx, marketKey, market)
}

// MarketFromContext recovers the Market attached by WithMarket.
func MarketFromContext(ctx context.Context) (*Market, bool) {
	m, ok := ctx.Value(marketKey).(*Market)
	return m, ok
}

// WithDepth attaches the current subagent recursion depth to ctx.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

// DepthFromContext recovers the recursion depth attached by WithDepth,
// defaulting to 0 (root Soul) if never set.
func DepthFromContext(ctx context.Context) int {
	d, ok := ctx.Value(depthKey).(int)
	if !ok {
		return 0
	}
	return d
}

// Result is a completed subagent Turn's outcome.
type Result struct {
	Content     string
	TotalTokens int
}

// Run invokes the named subagent synchronously: a fresh Context Store
// seeded with description as the user prompt, the same tool Registry and
// Model Client as the caller, up to maxIterations Steps (0 uses
// DefaultMaxIterations; values above MaxAllowedIterations are rejected).
// Returns the subagent's final assistant text as Content.
//
// Cancelling ctx cancels the child (spec §4.I); its Context Store is never
// written to the session's own SessionFile, so it is implicitly discarded
// once Run returns.
func Run(ctx context.Context, registry *tool.Registry, provider modelclient.Provider, market *Market, name, description string, maxIterations int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("subagent: cancelled: %w", err)
	}

	depth := DepthFromContext(ctx)
	if depth >= MaxDepth {
		return Result{}, fmt.Errorf("subagent: maximum recursion depth (%d) exceeded", MaxDepth)
	}

	spec, ok := market.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("subagent: unknown subagent %q (available: %v)", name, market.Names())
	}

	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	} else if maxIterations > MaxAllowedIterations {
		return Result{}, fmt.Errorf("subagent: max_iterations too large (max %d)", MaxAllowedIterations)
	}

	childMarket := market
	if spec.Fixed {
		// Fixed subagents get an isolated labor market: their own
		// CreateSubagent/Task calls never see or mutate the parent's
		// dynamic subagent table (spec §4.I: "its own labor market
		// (isolated recursion)").
		childMarket = NewMarket()
	}
	childCtx := WithDepth(WithMarket(ctx, childMarket), depth+1)

	dir, err := os.MkdirTemp("", "agentcore-subagent-*")
	if err != nil {
		return Result{}, fmt.Errorf("subagent: %w", err)
	}
	defer os.RemoveAll(dir)

	store, err := contextstore.Open(filepath.Join(dir, "context.ndjson"))
	if err != nil {
		return Result{}, fmt.Errorf("subagent: %w", err)
	}
	defer store.Close()

	ch := wire.New()
	go func() {
		for range ch.UI().Events() {
		}
	}()

	soul := agentloop.New(store, registry, provider, nil, ch.Soul(), agentloop.Config{
		SystemPrompt: spec.SystemPrompt,
		MaxSteps:     maxIterations,
	})

	outcome := soul.RunTurn(childCtx, description)
	switch outcome {
	case wire.OutcomeNoToolCalls, wire.OutcomeMaxStepsReached:
	case wire.OutcomeCancelled:
		return Result{}, fmt.Errorf("subagent: cancelled")
	case wire.OutcomeToolRejected:
		return Result{}, fmt.Errorf("subagent: a tool call was rejected")
	default:
		return Result{}, fmt.Errorf("subagent: turn ended with %s", outcome)
	}

	history := store.History()
	content := lastAssistantText(history)
	if content == "" {
		return Result{}, fmt.Errorf("subagent: %q produced no final response", name)
	}

	return Result{Content: content, TotalTokens: store.TokenCount()}, nil
}

func lastAssistantText(history []message.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == message.RoleAssistant {
			if text := history[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

const taskSchema = `{
	"type": "object",
	"properties": {
		"subagent_name": {"type": "string", "description": "the registered subagent to invoke"},
		"description": {"type": "string", "description": "the task description seeding the subagent's history"},
		"max_iterations": {"type": "integer", "description": "optional Step budget override"}
	},
	"required": ["subagent_name", "description"]
}`

type taskParams struct {
	SubagentName  string `json:"subagent_name"`
	Description   string `json:"description"`
	MaxIterations int    `json:"max_iterations"`
}

// TaskFactory builds the Task tool (spec §4.I): "Task(subagent_name,
// description) synchronously invokes the subagent in the current task,
// seeding its history with the description; returns its final assistant
// text as the tool output." Requires capabilities "subagent_market"
// (*Market), "model_provider" (modelclient.Provider), and
// "tool_registry_getter" (RegistryGetter).
func TaskFactory(in *tool.Injector) (tool.Tool, error) {
	market, err := tool.Require[*Market](in, "Task", "subagent_market")
	if err != nil {
		return tool.Tool{}, err
	}
	provider, err := tool.Require[modelclient.Provider](in, "Task", "model_provider")
	if err != nil {
		return tool.Tool{}, err
	}
	getRegistry, err := tool.Require[RegistryGetter](in, "Task", "tool_registry_getter")
	if err != nil {
		return tool.Tool{}, err
	}

	return tool.Tool{
		Name:        "Task",
		Description: "Invoke a named subagent synchronously with a task description, returning its final response.",
		Schema:      json.RawMessage(taskSchema),
		Handle: func(ctx context.Context, args json.RawMessage) message.ToolResult {
			var p taskParams
			if err := json.Unmarshal(args, &p); err != nil {
				return message.Err(fmt.Sprintf("invalid arguments: %v", err), "bad arguments")
			}

			active := market
			if ctxMarket, ok := MarketFromContext(ctx); ok {
				active = ctxMarket
			}

			result, err := Run(ctx, getRegistry(), provider, active, p.SubagentName, p.Description, p.MaxIterations)
			if err != nil {
				return message.Err(err.Error(), "subagent task failed")
			}
			return message.Ok(result.Content, fmt.Sprintf("subagent %q finished", p.SubagentName))
		},
	}, nil
}

const createSubagentSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "description": "unique name for the new subagent"},
		"system_prompt": {"type": "string", "description": "the new subagent's system prompt"}
	},
	"required": ["name", "system_prompt"]
}`

type createSubagentParams struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

// CreateSubagentFactory builds the CreateSubagent tool: creates a new
// dynamic Spec in the calling Soul's Market, immediately available to Task.
// Grounded on kimi_cli/tools/multiagent/create.py's CreateSubagent
// (params {name, system_prompt}, "already exists" rejection, and the
// "Available subagents: ..." success output). Requires "subagent_market".
func CreateSubagentFactory(in *tool.Injector) (tool.Tool, error) {
	market, err := tool.Require[*Market](in, "CreateSubagent", "subagent_market")
	if err != nil {
		return tool.Tool{}, err
	}

	return tool.Tool{
		Name:        "CreateSubagent",
		Description: "Create a new named subagent with its own system prompt, invocable afterward via Task.",
		Schema:      json.RawMessage(createSubagentSchema),
		Handle: func(ctx context.Context, args json.RawMessage) message.ToolResult {
			var p createSubagentParams
			if err := json.Unmarshal(args, &p); err != nil {
				return message.Err(fmt.Sprintf("invalid arguments: %v", err), "bad arguments")
			}

			m := market
			if ctxMarket, ok := MarketFromContext(ctx); ok {
				m = ctxMarket
			}

			if err := m.AddDynamic(p.Name, p.SystemPrompt); err != nil {
				return message.Err(err.Error(), "subagent already exists")
			}
			return message.Ok(
				"Available subagents: "+strings.Join(m.Names(), ", "),
				fmt.Sprintf("Subagent %q created successfully.", p.Name),
			)
		},
	}, nil
}
