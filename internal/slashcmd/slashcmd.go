// Package slashcmd implements the Slash-Command Layer (spec §4.H): a
// name/alias registry of engine-level commands a user can invoke directly
// against the running Soul, bypassing the model entirely.
//
// Grounded on the teacher's original soul/slash.py SlashCommandRegistry +
// @registry.command decorator pattern, translated to Go as an explicit
// Register call per command (spec §9's "explicit registration instead of
// side-effect-based registries" design note) instead of a decorator.
package slashcmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xonecas/agentcore/internal/agentloop"
	"github.com/xonecas/agentcore/internal/approval"
	"github.com/xonecas/agentcore/internal/contextstore"
	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/wire"
)

// surveyPrompt is the throwaway Turn's instruction for "/init", mirroring
// the teacher's prompts.INIT (kept here rather than a separate prompts
// package since it's the Slash-Command Layer's only prompt constant).
const surveyPrompt = "Survey this codebase: its structure, languages, build and test commands, and any " +
	"conventions a new contributor should know. Produce a concise reference document."

// Handler runs one slash command's body. args holds whitespace-split
// tokens following the command name; line holds the full unparsed
// remainder (for commands that want it verbatim, e.g. a free-text note).
type Handler func(ctx context.Context, soul *agentloop.Soul, args []string, line string) (string, error)

// Command is one registered slash command.
type Command struct {
	Name    string
	Aliases []string
	Summary string
	Handle  Handler
}

// Registry is a name/alias-indexed table of Commands (spec §4.H).
type Registry struct {
	commands map[string]*Command
	order    []*Command
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register adds cmd under its Name and every Alias. A later Register call
// using an already-registered name/alias overwrites the earlier binding
// but is appended to List only once (by Name).
func (r *Registry) Register(cmd Command) {
	r.commands[cmd.Name] = &cmd
	for _, a := range cmd.Aliases {
		r.commands[a] = &cmd
	}
	for i, c := range r.order {
		if c.Name == cmd.Name {
			r.order[i] = &cmd
			return
		}
	}
	r.order = append(r.order, &cmd)
}

// List returns every registered Command in registration order, for a help
// listing.
func (r *Registry) List() []Command {
	out := make([]Command, len(r.order))
	for i, c := range r.order {
		out[i] = *c
	}
	return out
}

// Lookup finds a Command by name or alias (without its leading "/").
func (r *Registry) Lookup(name string) (Command, bool) {
	c, ok := r.commands[name]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// IsSlashCommand reports whether line looks like a slash command ("/" as
// the first non-whitespace character), the same heuristic the UI uses to
// decide whether to route input to Dispatch instead of the model.
func IsSlashCommand(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "/")
}

// Dispatch parses line as "/name arg1 arg2 ..." and runs the matching
// Command. An unrecognized command name returns an error rather than
// silently falling through to the model, so a typo doesn't get sent as a
// user message.
func (r *Registry) Dispatch(ctx context.Context, soul *agentloop.Soul, line string) (string, error) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "/")
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", fmt.Errorf("slashcmd: empty command")
	}
	name, args := fields[0], fields[1:]

	cmd, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("slashcmd: unrecognized command %q", name)
	}

	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))
	return cmd.Handle(ctx, soul, args, rest)
}

// Default builds the Registry with the engine's built-in commands: /compact,
// /yolo, /init, /tools (alias /skills), and /context (spec §4.H; SPEC_FULL
// supplemented features 3 and 4). gate may be nil if yolo mode isn't wired for this session, in
// which case "/yolo" reports an error instead of panicking.
func Default(gate *approval.Gate) *Registry {
	r := NewRegistry()
	r.Register(Command{Name: "compact", Summary: "Compact the context", Handle: compactHandler})
	r.Register(Command{Name: "yolo", Summary: "Enable YOLO mode (auto-approve all actions)", Handle: yoloHandler(gate)})
	r.Register(Command{Name: "init", Summary: "Survey the codebase and record findings", Handle: initHandler})
	r.Register(Command{Name: "tools", Aliases: []string{"skills"}, Summary: "List registered tools", Handle: toolsHandler})
	r.Register(Command{Name: "context", Summary: "Show context store statistics", Handle: contextHandler})
	return r
}

func compactHandler(ctx context.Context, soul *agentloop.Soul, args []string, line string) (string, error) {
	if len(soul.Store().History()) == 0 {
		return "The context is empty.", nil
	}
	if err := soul.Compact(ctx); err != nil {
		return "", fmt.Errorf("slashcmd: /compact: %w", err)
	}
	return "The context has been compacted.", nil
}

func yoloHandler(gate *approval.Gate) Handler {
	return func(ctx context.Context, soul *agentloop.Soul, args []string, line string) (string, error) {
		if gate == nil {
			return "", fmt.Errorf("slashcmd: /yolo: no Approval Gate configured for this session")
		}
		gate.SetYolo(true)
		return "You only live once! All actions will be auto-approved.", nil
	}
}

func toolsHandler(ctx context.Context, soul *agentloop.Soul, args []string, line string) (string, error) {
	tools := soul.Registry().List()
	if len(tools) == 0 {
		return "No tools are registered.", nil
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	var b strings.Builder
	b.WriteString("Registered tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "  %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func contextHandler(ctx context.Context, soul *agentloop.Soul, args []string, line string) (string, error) {
	history := soul.Store().History()
	if len(history) == 0 {
		return "Context is empty.", nil
	}

	byRole := make(map[message.Role]int)
	for _, m := range history {
		byRole[m.Role]++
	}

	var b strings.Builder
	b.WriteString("Context Info:\n")
	fmt.Fprintf(&b, "Total messages: %d\n", len(history))
	fmt.Fprintf(&b, "Token count: %d\n", soul.Store().TokenCount())
	b.WriteString("Messages by role:\n")
	for _, role := range []message.Role{message.RoleUser, message.RoleAssistant, message.RoleTool, message.RoleSystem} {
		if n, ok := byRole[role]; ok {
			fmt.Fprintf(&b, "  %s: %d\n", role, n)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// initHandler runs a full nested Turn against a throwaway Context Store
// (teacher's /init: tempfile.TemporaryDirectory + a scratch KimiSoul), then
// folds the result back into the live history as a system-authored
// message rather than polluting it with the survey Turn's own tool-calling
// steps.
func initHandler(ctx context.Context, soul *agentloop.Soul, args []string, line string) (string, error) {
	dir, err := os.MkdirTemp("", "agentcore-init-*")
	if err != nil {
		return "", fmt.Errorf("slashcmd: /init: %w", err)
	}
	defer os.RemoveAll(dir)

	scratch, err := contextstore.Open(filepath.Join(dir, "context.ndjson"))
	if err != nil {
		return "", fmt.Errorf("slashcmd: /init: %w", err)
	}
	defer scratch.Close()

	ch := wire.New()
	go func() {
		for range ch.UI().Events() {
		}
	}()

	scratchSoul := agentloop.New(scratch, soul.Registry(), soul.Provider(), soul.Compactor(), ch.Soul(), soul.Config())
	outcome := scratchSoul.RunTurn(ctx, surveyPrompt)
	if outcome != wire.OutcomeNoToolCalls && outcome != wire.OutcomeMaxStepsReached {
		return "", fmt.Errorf("slashcmd: /init: survey turn ended with %s", outcome)
	}

	survey := lastAssistantText(scratch.History())
	note := message.NewSystem("The user just ran /init. The system surveyed the codebase. " +
		"Findings:\n" + survey)
	if err := soul.Store().Append(note); err != nil {
		return "", fmt.Errorf("slashcmd: /init: record findings: %w", err)
	}
	return "Codebase survey complete; findings recorded in the context.", nil
}

func lastAssistantText(history []message.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == message.RoleAssistant {
			if text := history[i].Text(); text != "" {
				return text
			}
		}
	}
	return "(no survey output)"
}
