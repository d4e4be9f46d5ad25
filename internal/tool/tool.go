// Package tool implements the Tool Registry, Dispatcher, and Injector
// (spec §4.D). A Tool is a value, not an interface, the same way the
// teacher's mcp.Tool/mcp.ToolHandler pair is: a schema+description value
// plus a handler function, registered into a Proxy-like Registry.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/xonecas/agentcore/internal/message"
)

// Handler invokes a tool with its already-schema-validated arguments. It
// may send events/requests on the Wire via dependencies captured at
// construction time (spec §4.D step 4).
type Handler func(ctx context.Context, args json.RawMessage) message.ToolResult

// Tool is a registrable capability: name, JSON-schema parameters, a
// model-facing description, and its Handler.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON schema for Arguments
	Handle      Handler

	// Upstream marks a tool whose Handler calls an external service subject
	// to rate limiting, so the Dispatcher applies the Retry-After-aware
	// backoff policy (SPEC_FULL supplemented feature 7) instead of invoking
	// Handle exactly once.
	Upstream bool

	compiled *jsonschema.Schema
}

// Factory builds a Tool using capabilities pulled from in. Returning a
// *DependencyError is fatal at registration (process exits during wiring);
// any other error is logged and the tool is omitted from the registry,
// mirroring the teacher's ToolDependencyError/ToolLoadError split
// (SPEC_FULL supplemented feature 6).
type Factory func(in *Injector) (Tool, error)

// Registry is an immutable-after-Build table of tools (spec §4.D: "the
// registry is immutable for the lifetime of an agent").
type Registry struct {
	tools map[string]Tool
}

// Build constructs a Registry from factories, pulling dependencies from in.
// A DependencyError from any factory aborts the whole build (fatal
// configuration error); any other factory error is logged and that tool is
// skipped.
func Build(in *Injector, factories []Factory) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(factories))}
	for _, f := range factories {
		t, err := f(in)
		if err != nil {
			var depErr *DependencyError
			if isDependencyError(err, &depErr) {
				return nil, err
			}
			log.Warn().Err(err).Msg("tool: failed to construct tool, omitting from registry")
			continue
		}
		if t.Schema != nil {
			compiled, err := jsonschema.CompileString(t.Name+".schema.json", string(t.Schema))
			if err != nil {
				return nil, fmt.Errorf("tool %q: compile schema: %w", t.Name, err)
			}
			t.compiled = compiled
		}
		r.tools[t.Name] = t
	}
	return r, nil
}

func isDependencyError(err error, target **DependencyError) bool {
	de, ok := err.(*DependencyError)
	if ok {
		*target = de
	}
	return ok
}

// Lookup returns the named tool, or false if unregistered.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, for the Slash-Command Layer's
// "list registered tools" handler (SPEC_FULL supplemented feature 4).
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}
