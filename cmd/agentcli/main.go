// Command agentcli is the reference CLI binary for the engine: a plain-text
// REPL that drives an agentloop.Soul over stdin/stdout, consuming the
// Wire's ui_side the way a real UI would.
//
// Grounded on cmd/symb/main.go's wiring shape (buildRegistry,
// resolveProvider, setupServices, resolveSession, setupFileLogging,
// newSessionID) with the bubbletea tea.Program replaced by a bufio
// read/print loop, since the full TUI is out of this module's scope.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/x/ansi"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcore/internal/agentloop"
	"github.com/xonecas/agentcore/internal/approval"
	"github.com/xonecas/agentcore/internal/compact"
	"github.com/xonecas/agentcore/internal/config"
	"github.com/xonecas/agentcore/internal/contextstore"
	"github.com/xonecas/agentcore/internal/index"
	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/modelclient"
	"github.com/xonecas/agentcore/internal/slashcmd"
	"github.com/xonecas/agentcore/internal/subagent"
	"github.com/xonecas/agentcore/internal/tool"
	"github.com/xonecas/agentcore/internal/tools"
	"github.com/xonecas/agentcore/internal/wire"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue the most recent session")
	flagModel := flag.String("model", "", "model id to use, overriding default_model")
	flagYolo := flag.Bool("yolo", false, "auto-approve every tool call")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue the most recent session")
	flag.Parse()

	cfg, creds := loadConfigOrExit()

	shareDir, err := config.EnsureShareDir()
	if err != nil {
		fmt.Printf("Error: could not create share directory: %v\n", err)
		os.Exit(2)
	}

	idx, err := index.Open(filepath.Join(shareDir, "sessions.db"))
	if err != nil {
		fmt.Printf("Warning: session index unavailable: %v\n", err)
	}
	defer idx.Close()

	if *flagList {
		listSessions(idx)
		return
	}

	modelID := *flagModel
	if modelID == "" {
		modelID = cfg.DefaultModel
	}
	modelCfg, ok := cfg.Models[modelID]
	if !ok {
		fmt.Printf("Error: model %q is not configured\n", modelID)
		os.Exit(2)
	}
	providerCfg, ok := cfg.Providers[modelCfg.Provider]
	if !ok {
		fmt.Printf("Error: provider %q is not configured\n", modelCfg.Provider)
		os.Exit(2)
	}
	if providerCfg.APIKey == "" {
		providerCfg.APIKey = creds.GetAPIKey(modelCfg.Provider)
	}

	provider, err := newProvider(providerCfg, modelCfg.Model)
	if err != nil {
		fmt.Printf("Error creating model provider: %v\n", err)
		os.Exit(2)
	}
	provider = modelclient.WithRetry(provider, cfg.LoopControl.MaxRetriesPerStepOrDefault())
	defer provider.Close()

	sessionID, store := resolveSession(*flagSession, *flagContinue, shareDir, idx)
	defer store.Close()

	workspaceRoot, err := os.Getwd()
	if err != nil {
		workspaceRoot = "."
	}

	channel := wire.New()
	gate, err := approval.Open(filepath.Join(shareDir, "approvals.json"), channel.Soul())
	if err != nil {
		fmt.Printf("Error opening approval gate: %v\n", err)
		os.Exit(1)
	}
	if *flagYolo {
		gate.SetYolo(true)
	}

	market := subagent.NewMarket()

	var registry *tool.Registry
	getRegistry := subagent.RegistryGetter(func() *tool.Registry { return registry })

	injector := tool.NewInjector()
	injector.Provide("approval_gate", gate)
	injector.Provide("workspace_root", workspaceRoot)
	injector.Provide("wire_soul", channel.Soul())
	injector.Provide("subagent_market", market)
	injector.Provide("model_provider", provider)
	injector.Provide("tool_registry_getter", getRegistry)

	built, err := tool.Build(injector, []tool.Factory{
		tools.ShellFactory,
		tools.ApplyPatchFactory,
		tools.AskUserQuestionFactory,
		subagent.TaskFactory,
		subagent.CreateSubagentFactory,
	})
	if err != nil {
		fmt.Printf("Error building tool registry: %v\n", err)
		os.Exit(2)
	}
	registry = built

	compactor := compact.New(provider, modelCfg.Model, compactPreserveLast)

	loopCfg := agentloop.Config{
		SystemPrompt:      systemPrompt(workspaceRoot),
		Model:             modelCfg.Model,
		MaxSteps:          cfg.LoopControl.MaxStepsPerTurnOrDefault(),
		MaxRetriesPerStep: cfg.LoopControl.MaxRetriesPerStepOrDefault(),
		CompactThreshold:  int(cfg.LoopControl.AutoCompactThresholdOrDefault() * float64(modelCfg.MaxContextSize)),
	}
	soul := agentloop.New(store, registry, provider, compactor, channel.Soul(), loopCfg)
	commands := slashcmd.Default(gate)

	styles := defaultStyles()
	fmt.Printf("session %s · model %s\n", sessionID, modelID)

	go printEvents(channel.UI(), styles)

	reader := bufio.NewReader(os.Stdin)
	go handleRequests(channel.UI(), reader, styles)

	repl(reader, soul, commands, idx, sessionID, styles)
}

// compactPreserveLast is the number of most-recent messages the Compaction
// Engine always keeps uncompacted (spec §4.E).
const compactPreserveLast = 20

func repl(reader *bufio.Reader, soul *agentloop.Soul, commands *slashcmd.Registry, idx *index.Index, sessionID string, styles styleSet) {
	for {
		fmt.Print(styles.prompt.Render("> "))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "/exit" || strings.TrimSpace(line) == "/quit" {
			return
		}

		if slashcmd.IsSlashCommand(line) {
			out, err := commands.Dispatch(context.Background(), soul, line)
			if err != nil {
				fmt.Println(styles.errorText.Render(err.Error()))
				continue
			}
			fmt.Println(out)
			continue
		}

		turnCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		outcome := soul.RunTurn(turnCtx, line)
		stop()

		if idx != nil {
			_ = idx.Touch(sessionID)
		}
		if outcome == wire.OutcomeFatalError {
			fmt.Println(styles.errorText.Render("turn ended: " + string(outcome)))
		}
	}
}

// printEvents drains the Wire's event stream and renders it as plain text,
// grounded on the teacher's tui.Model update loop's event-to-render
// mapping, minus the TUI framing.
func printEvents(ui wire.UISide, styles styleSet) {
	width := consoleWidth()
	for e := range ui.Events() {
		switch e.Kind {
		case wire.EventTextDelta:
			fmt.Print(ansi.Wordwrap(e.Delta, width, ""))
		case wire.EventThoughtDelta:
			fmt.Print(styles.thought.Render(e.Delta))
		case wire.EventToolCallComplete:
			fmt.Println()
			fmt.Println(styles.toolCall.Render("→ " + e.ToolCallName))
		case wire.EventToolResult:
			label := "✓"
			style := styles.toolOK
			if !e.ToolResultOK {
				label = "✗"
				style = styles.errorText
			}
			brief := e.ToolResultBrief
			if brief == "" {
				brief = e.ToolResultOutput
			}
			fmt.Println(style.Render(label + " " + brief))
		case wire.EventTurnEnd:
			fmt.Println()
		}
	}
}

// handleRequests services the Wire's request stream: ApprovalRequests and
// QuestionRequests, both answered interactively off the same stdin reader
// the main REPL loop uses. The two never read concurrently: a request is
// only outstanding while RunTurn blocks the REPL loop on the same
// goroutine (spec §5: single-threaded cooperative engine, at most one
// outstanding request at a time).
func handleRequests(ui wire.UISide, reader *bufio.Reader, styles styleSet) {
	for req := range ui.Requests() {
		switch req.Kind {
		case wire.RequestApproval:
			fmt.Println()
			fmt.Println(styles.toolCall.Render(fmt.Sprintf("approve %s: %s?", req.ToolName, req.Description)))
			for _, d := range req.ApprovalDisplay {
				fmt.Println(d.Data)
			}
			fmt.Print("[y]es / [n]o / [a]lways: ")
			answer, _ := reader.ReadString('\n')
			verdict := parseApproval(answer)
			_ = ui.Reply(req.ID, wire.Reply{Approval: verdict})

		case wire.RequestQuestion:
			answers := make([][]string, len(req.Questions))
			for i, q := range req.Questions {
				fmt.Println()
				fmt.Println(styles.toolCall.Render(q.Question))
				for j, opt := range q.Options {
					fmt.Printf("  %d) %s\n", j+1, opt)
				}
				fmt.Print("> ")
				answer, _ := reader.ReadString('\n')
				answers[i] = []string{resolveOption(q.Options, answer)}
			}
			_ = ui.Reply(req.ID, wire.Reply{Answers: answers})
		}
	}
}

func parseApproval(answer string) wire.ApprovalReplyKind {
	switch strings.TrimSpace(strings.ToLower(answer)) {
	case "a", "always":
		return wire.ApprovalApproveAndRemember
	case "y", "yes", "":
		return wire.ApprovalApprove
	default:
		return wire.ApprovalReject
	}
}

func resolveOption(options []string, answer string) string {
	answer = strings.TrimSpace(answer)
	for i, opt := range options {
		if answer == fmt.Sprintf("%d", i+1) {
			return opt
		}
	}
	if len(options) > 0 {
		return options[0]
	}
	return answer
}

func loadConfigOrExit() (*config.Config, *config.Credentials) {
	configPath := filepath.Join(".", "config.toml")
	if shareDir, err := config.ShareDir(); err == nil {
		shareDirPath := filepath.Join(shareDir, "config.toml")
		if _, err := os.Stat(shareDirPath); err == nil {
			configPath = shareDirPath
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(2)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(2)
	}
	return cfg, creds
}

// newProvider builds the modelclient.Provider named by cfg.Type. Only the
// two transports the teacher/pack's examples actually implement SSE
// parsing for are wired; an unrecognized type is a configuration error
// (spec §7: Configuration errors exit 2).
func newProvider(cfg config.ProviderConfig, model string) (modelclient.Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return modelclient.NewAnthropicClient(cfg.BaseURL, cfg.APIKey, model), nil
	case "openai":
		return modelclient.NewOpenAIClient(cfg.BaseURL, cfg.APIKey, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

func resolveSession(flagSession string, flagContinue bool, shareDir string, idx *index.Index) (string, *contextstore.Store) {
	sessionsDir := filepath.Join(shareDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0750); err != nil {
		fmt.Printf("Error: could not create sessions directory: %v\n", err)
		os.Exit(1)
	}

	var sessionID string
	switch {
	case flagSession != "":
		sessionID = flagSession
	case flagContinue:
		if idx == nil {
			fmt.Println("No session index available to continue from")
			os.Exit(1)
		}
		id, err := idx.LatestSessionID()
		if err != nil {
			fmt.Printf("No sessions to continue: %v\n", err)
			os.Exit(1)
		}
		sessionID = id
	default:
		sessionID = newSessionID()
	}

	path := filepath.Join(sessionsDir, sessionID+".ndjson")
	store, err := contextstore.Open(path)
	if err != nil {
		fmt.Printf("Error opening session store: %v\n", err)
		os.Exit(1)
	}
	if idx != nil {
		_ = idx.Upsert(sessionID, path, sessionTitle(store))
	}
	return sessionID, store
}

func sessionTitle(store *contextstore.Store) string {
	for _, m := range store.History() {
		if m.Role == message.RoleUser {
			if text := m.Text(); text != "" {
				if len(text) > 60 {
					return text[:60]
				}
				return text
			}
		}
	}
	return ""
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for session id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func listSessions(idx *index.Index) {
	if idx == nil {
		fmt.Println("No session index available")
		return
	}
	sessions, err := idx.ListSessions()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range sessions {
		ts := s.Updated.Format("2006-01-02 15:04")
		title := strings.ReplaceAll(s.Title, "\n", " ")
		fmt.Printf("%s  %s  %s\n", s.ID, ts, title)
	}
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	shareDir, err := config.EnsureShareDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(shareDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "agentcli.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}

func consoleWidth() int {
	if w := config.ConsoleWidthOverride(); w > 0 {
		return w
	}
	return 100
}

// systemPrompt builds the Soul's base instruction, folding in any AGENTS.md
// found in the working directory's ancestry. Grounded on the teacher's
// llm.BuildSystemPrompt/LoadAgentInstructions, dropping the model-specific
// prompt variants and tree-sitter outline (out of this module's scope) and
// keeping the project-instructions fold-in.
func systemPrompt(workspaceRoot string) string {
	const base = "You are a careful, autonomous coding agent. Use the available tools to " +
		"read, modify, and run code; ask the user before taking any destructive or " +
		"externally-visible action."

	instructions := loadAgentInstructions(workspaceRoot)
	if instructions == "" {
		return base
	}
	return instructions + "\n\n---\n\n" + base
}

func loadAgentInstructions(workspaceRoot string) string {
	var found []string
	dir := workspaceRoot
	for {
		path := filepath.Join(dir, "AGENTS.md")
		if data, err := os.ReadFile(path); err == nil {
			found = append(found, strings.TrimSpace(string(data)))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if shareDir, err := config.ShareDir(); err == nil {
		if data, err := os.ReadFile(filepath.Join(shareDir, "AGENTS.md")); err == nil {
			found = append(found, strings.TrimSpace(string(data)))
		}
	}
	for i, j := 0, len(found)-1; i < j; i, j = i+1, j-1 {
		found[i], found[j] = found[j], found[i]
	}
	return strings.Join(found, "\n\n")
}

type styleSet struct {
	prompt    lipgloss.Style
	thought   lipgloss.Style
	toolCall  lipgloss.Style
	toolOK    lipgloss.Style
	errorText lipgloss.Style
}

// defaultStyles mirrors the teacher's tui/styles.go semantic palette,
// applied here as plain ANSI string styling instead of a TUI's persistent
// render tree.
func defaultStyles() styleSet {
	return styleSet{
		prompt:    lipgloss.NewStyle().Bold(true),
		thought:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6e6e6e")),
		toolCall:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00E5CC")),
		toolOK:    lipgloss.NewStyle().Foreground(lipgloss.Color("#c8c8c8")),
		errorText: lipgloss.NewStyle().Foreground(lipgloss.Color("#932e2e")),
	}
}
