// Package agentloop implements the Agent Loop / Soul (spec §4.G): the
// Turn/Step state machine that drives one model call at a time, dispatches
// its tool calls, and decides when a Turn ends.
//
// Grounded on the teacher's internal/llm.ProcessTurn (llm/loop.go), which
// already has the round loop, the tool-call accumulator, the empty-response
// retry, the repeated-tool-call guard, and the goal-recitation injection —
// generalized here from a single flat function into the full state machine
// spec §4.G names (Idle/RunningStep/AwaitingTool/Compacting/Ending), since
// the teacher's version has no compaction, no approval gate, and no
// cross-turn input queue to coordinate with.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/agentcore/internal/compact"
	"github.com/xonecas/agentcore/internal/contextstore"
	"github.com/xonecas/agentcore/internal/engineerr"
	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/modelclient"
	"github.com/xonecas/agentcore/internal/tool"
	"github.com/xonecas/agentcore/internal/wire"
)

// rejectedBrief is the Brief a tool handler's ToolResult carries when the
// Approval Gate rejected the call (spec §4.C), the signal runStep uses to
// end the Turn with OutcomeToolRejected instead of feeding the rejection
// back to the model as an ordinary tool error.
const rejectedBrief = "rejected"

// reminderInterval mirrors the teacher's llm.reminderInterval: every Nth
// step, the user's original request (or nothing, if no goal reminder is
// configured) is recited to the model so it doesn't drift during a long
// tool-calling Turn.
const reminderInterval = 10

// Config holds the Soul's tunables, sourced from internal/config (spec §6:
// loop_control.* keys).
type Config struct {
	SystemPrompt      string
	Model             string
	MaxSteps          int // 0 defaults to 60, matching the teacher's MaxToolRounds default
	MaxRetriesPerStep int // 0 defaults to 3
	CompactThreshold  int // token_count at/above which a step auto-compacts first; 0 disables
}

func (c Config) maxSteps() int {
	if c.MaxSteps <= 0 {
		return 60
	}
	return c.MaxSteps
}

func (c Config) maxRetriesPerStep() int {
	if c.MaxRetriesPerStep <= 0 {
		return 3
	}
	return c.MaxRetriesPerStep
}

// Soul is the Agent Loop: the single-threaded cooperative driver tying the
// Context Store, Model Client, Tool Registry, and Wire Channel together for
// one session (spec §4.G, §5).
type Soul struct {
	store     *contextstore.Store
	registry  *tool.Registry
	provider  modelclient.Provider
	compactor *compact.Compactor
	queue     *Queue
	soul      wire.SoulSide
	cfg       Config

	status statusBox
}

// New builds a Soul. provider should already be wrapped with
// modelclient.WithRetry by the caller if connection retries are wanted —
// the Soul itself retries only what happens after the stream is open: an
// empty response, or a retryable error the stream reports mid-way.
func New(store *contextstore.Store, registry *tool.Registry, provider modelclient.Provider, compactor *compact.Compactor, soul wire.SoulSide, cfg Config) *Soul {
	return &Soul{store: store, registry: registry, provider: provider, compactor: compactor, queue: NewQueue(), soul: soul, cfg: cfg}
}

// Queue returns the Soul's FIFO input queue, for the Slash-Command Layer
// and UI to submit/promote/cancel input while a Turn is running.
func (s *Soul) Queue() *Queue { return s.queue }

// Status returns a snapshot of the Soul's current machine state.
func (s *Soul) Status() Status { return s.status.get() }

// Store returns the Soul's Context Store, for introspection commands
// (e.g. the Slash-Command Layer's "/context" and "/compact").
func (s *Soul) Store() *contextstore.Store { return s.store }

// Registry returns the Soul's Tool Registry, for introspection commands
// (e.g. the Slash-Command Layer's tool-listing command).
func (s *Soul) Registry() *tool.Registry { return s.registry }

// Provider returns the Soul's Model Client, for commands that need to run
// a throwaway nested Turn against a different Context Store (e.g.
// "/init"'s codebase survey).
func (s *Soul) Provider() modelclient.Provider { return s.provider }

// Config returns the Soul's Config, for commands that need to spin up a
// throwaway Soul sharing the same model/system-prompt settings.
func (s *Soul) Config() Config { return s.cfg }

// Compactor returns the Soul's Compactor (nil if none was configured), for
// commands that spin up a throwaway Soul and want its auto-compact
// threshold to behave the same way the parent's does.
func (s *Soul) Compactor() *compact.Compactor { return s.compactor }

// Compact runs the Compaction Engine against the Soul's own store
// immediately, outside the normal auto-compact threshold check — the
// Slash-Command Layer's "/compact" calls this directly.
func (s *Soul) Compact(ctx context.Context) error {
	if s.compactor == nil {
		return fmt.Errorf("agentloop: no compactor configured")
	}
	s.status.set(Status{State: StateCompacting})
	defer s.status.set(Status{State: StateIdle})
	return s.compactor.Compact(ctx, s.store)
}

// Run drains the input queue, running one Turn per item, until ctx is
// cancelled or the queue's wait returns an error.
func (s *Soul) Run(ctx context.Context) error {
	for {
		item := s.queue.Dequeue()
		if item == nil {
			if err := s.queue.WaitForNewItem(ctx); err != nil {
				return err
			}
			continue
		}
		s.RunTurn(ctx, item.Input)
	}
}

// RunTurn runs exactly one Turn to completion: append the user message,
// run Steps until an Ending condition, emit TurnBegin/TurnEnd.
func (s *Soul) RunTurn(ctx context.Context, input string) wire.TurnOutcome {
	s.soul.Emit(wire.Event{Kind: wire.EventTurnBegin, At: time.Now(), TurnBeginInput: input})

	if err := s.store.Append(message.NewUser(input)); err != nil {
		log.Error().Err(err).Msg("agentloop: failed to append user message")
		return s.endTurn(wire.OutcomeFatalError)
	}

	outcome := s.stepLoop(ctx)
	return s.endTurn(outcome)
}

func (s *Soul) endTurn(outcome wire.TurnOutcome) wire.TurnOutcome {
	s.status.set(Status{State: StateIdle})
	s.soul.Emit(wire.Event{Kind: wire.EventTurnEnd, At: time.Now(), TurnEndOutcome: outcome})
	return outcome
}

type recentCall struct {
	name string
	args string
}

// stepLoop runs Steps until the model stops calling tools, the step budget
// is exhausted, a tool is rejected, or the context is cancelled.
func (s *Soul) stepLoop(ctx context.Context) wire.TurnOutcome {
	maxSteps := s.cfg.maxSteps()
	var recent []recentCall

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return wire.OutcomeCancelled
		}

		if s.cfg.CompactThreshold > 0 && s.store.TokenCount() >= s.cfg.CompactThreshold {
			s.status.set(Status{State: StateCompacting})
			if err := s.compactor.Compact(ctx, s.store); err != nil {
				log.Warn().Err(err).Msg("agentloop: compaction failed, continuing uncompacted")
			}
		}

		s.status.set(Status{State: StateRunningStep, StepIndex: step})
		s.soul.Emit(wire.Event{Kind: wire.EventStepBegin, At: time.Now(), StepN: step})

		acc, err := s.runModelCall(ctx, step)
		if err != nil {
			if errors.Is(err, context.Canceled) || engineerr.KindOf(err) == engineerr.KindCancelled {
				return wire.OutcomeCancelled
			}
			log.Error().Err(err).Msg("agentloop: model call failed")
			return wire.OutcomeFatalError
		}

		if err := s.appendAssistant(acc); err != nil {
			log.Error().Err(err).Msg("agentloop: failed to append assistant message")
			return wire.OutcomeFatalError
		}

		calls := acc.ToolCalls()
		if len(calls) == 0 {
			return wire.OutcomeNoToolCalls
		}

		rejected, err := s.executeToolCalls(ctx, calls, &recent)
		if err != nil {
			log.Error().Err(err).Msg("agentloop: failed to append tool result")
			return wire.OutcomeFatalError
		}
		if rejected {
			return wire.OutcomeToolRejected
		}
	}

	return s.finalTextOnlyCall(ctx)
}

// appendAssistant appends the step's assistant message to the Store, with
// the accumulated thought (if any) as a leading PartThought, and records
// usage when the stream reported any.
func (s *Soul) appendAssistant(acc *modelclient.Accumulator) error {
	msg := message.NewAssistant(acc.Text(), acc.ToolCalls())
	if thought := acc.Thought(); thought != "" {
		msg.Content = append([]message.ContentPart{message.ThoughtPart(thought)}, msg.Content...)
	}
	if err := s.store.Append(msg); err != nil {
		return err
	}
	if u := acc.Usage(); u.Total() > 0 {
		return s.store.AppendUsage(u)
	}
	return nil
}

// runModelCall drains one Stream into an Accumulator, forwarding deltas as
// Wire events, and retries up to maxRetriesPerStep times on either of two
// transient conditions: an empty response (spec §4.F: "a response with no
// text, no thought, and no tool calls is treated as a transient provider
// glitch, not a valid Step outcome"), mirroring the teacher's
// streamAndCollect/isEmptyResponse; or a mid-stream engineerr.KindModelRetryable
// failure (spec §4.F names "RemoteProtocolError (incomplete chunked read)"
// by name as retryable, and §4.G's retry policy draws no distinction
// between a connection-establishment failure — already retried one layer
// down by modelclient.WithRetry — and one that surfaces partway through the
// SSE body). Neither retry case has appended anything to the Store yet, so
// replaying the call here cannot duplicate or corrupt history; only the
// Wire may see an abandoned partial response replayed by the next attempt.
func (s *Soul) runModelCall(ctx context.Context, step int) (*modelclient.Accumulator, error) {
	req := modelclient.StreamRequest{
		SystemPrompt: s.cfg.SystemPrompt,
		History:      s.recitedHistory(step),
		Tools:        toToolSpecs(s.registry),
		Model:        s.cfg.Model,
	}

	maxRetries := s.cfg.maxRetriesPerStep()
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := modelclient.Backoff(attempt)
			log.Warn().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("agentloop: retrying model call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ch, err := s.provider.Stream(ctx, req)
		if err != nil {
			return nil, err
		}

		acc := modelclient.NewAccumulator()
		for p := range ch {
			s.emitDelta(p)
			acc.Feed(p)
		}
		if err := acc.Err(); err != nil {
			if engineerr.IsRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if isEmptyResponse(acc) {
			lastErr = fmt.Errorf("agentloop: empty response from %s", s.provider.Name())
			continue
		}
		return acc, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("agentloop: %w after %d attempts", lastErr, maxRetries+1)
	}
	return nil, fmt.Errorf("agentloop: empty response from %s after %d attempts", s.provider.Name(), maxRetries+1)
}

func isEmptyResponse(acc *modelclient.Accumulator) bool {
	return acc.Text() == "" && acc.Thought() == "" && len(acc.ToolCalls()) == 0
}

// emitDelta forwards one Part as the corresponding Wire Event. Parts with
// no UI-relevant meaning (PartDone, PartUsage) are not forwarded — usage is
// not sent as an Event at all (the Soul emits no StatusUpdate) and PartDone
// carries no information the UI needs mid-step.
func (s *Soul) emitDelta(p modelclient.Part) {
	switch p.Kind {
	case modelclient.PartTextDelta:
		s.soul.Emit(wire.Event{Kind: wire.EventTextDelta, At: time.Now(), Delta: p.Text})
	case modelclient.PartThoughtDelta:
		s.soul.Emit(wire.Event{Kind: wire.EventThoughtDelta, At: time.Now(), Delta: p.Text})
	case modelclient.PartToolCallBegin:
		s.soul.Emit(wire.Event{Kind: wire.EventToolCallDelta, At: time.Now(), ToolCallID: p.ToolCallID, ToolCallName: p.ToolCallName})
	case modelclient.PartToolCallDelta:
		s.soul.Emit(wire.Event{Kind: wire.EventToolCallDelta, At: time.Now(), ToolCallArgChunk: p.ToolCallArgs})
	case modelclient.PartToolCallComplete:
		s.soul.Emit(wire.Event{Kind: wire.EventToolCallComplete, At: time.Now()})
	}
}

// executeToolCalls dispatches each call in order, appends its result to the
// Store, and reports whether any call was rejected by the Approval Gate.
// Per spec §4.G step 7.d, a rejection ends the Step immediately: the
// remaining calls in this batch are never dispatched (a tool after a
// rejected one must not run) and instead get a synthetic cancelled result,
// so the model still sees one tool-result message per tool_call_id it
// issued. The repeated-call warning is the teacher's ProcessTurn guard
// after three identical calls in a row.
func (s *Soul) executeToolCalls(ctx context.Context, calls []message.ToolCall, recent *[]recentCall) (rejected bool, err error) {
	var appendedAny bool

	for _, tc := range calls {
		if rejected {
			toolMsg := message.NewToolResult(tc.ID, "cancelled: a prior tool call in this step was rejected")
			if err := s.store.Append(toolMsg); err != nil {
				return true, err
			}
			continue
		}

		s.status.set(Status{State: StateAwaitingTool, ToolCallID: tc.ID})

		result := tool.Dispatch(ctx, s.registry, tc)
		s.soul.Emit(wire.Event{
			Kind: wire.EventToolResult, At: time.Now(),
			ToolCallID: tc.ID, ToolResultOK: !result.IsError(),
			ToolResultOutput: result.Output, ToolResultBrief: result.Brief,
		})

		text := result.Output
		if result.IsError() {
			text = result.Message
		}
		toolMsg := message.NewToolResult(tc.ID, text)
		if err := s.store.Append(toolMsg); err != nil {
			return false, err
		}
		appendedAny = true

		*recent = append(*recent, recentCall{name: tc.Name, args: string(tc.Arguments)})

		if result.IsError() && result.Brief == rejectedBrief {
			rejected = true
		}
	}

	if appendedAny && repeatsLastThree(*recent) {
		s.warnRepeatedCall()
	}
	return rejected, nil
}

// repeatsLastThree reports whether the last three tool calls recorded are
// identical (same name, same arguments), the teacher's "3-in-a-row" guard
// against a stuck model.
func repeatsLastThree(recent []recentCall) bool {
	if len(recent) < 3 {
		return false
	}
	last3 := recent[len(recent)-3:]
	return last3[0] == last3[1] && last3[1] == last3[2]
}

// warnRepeatedCall appends a warning onto the most recent tool-result
// message in the Store, the same in-place-append technique the teacher
// uses to avoid shifting message positions (and invalidating a provider's
// prompt cache) by never inserting a brand-new message for this.
func (s *Soul) warnRepeatedCall() {
	const warning = "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. " +
		"This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>"
	history := s.store.History()
	if len(history) == 0 {
		return
	}
	last := history[len(history)-1]
	if last.Role != message.RoleTool {
		return
	}
	amended := message.NewToolResult(last.ToolCallID, last.Text()+warning)
	if err := s.store.Append(amended); err != nil {
		log.Warn().Err(err).Msg("agentloop: failed to append repeated-call warning")
	}
}

// finalTextOnlyCall runs one more model call with no tools declared, once
// the step budget is exhausted, so the model must reply with a text
// summary instead of attempting yet another tool call (teacher's
// ProcessTurn tail behavior).
func (s *Soul) finalTextOnlyCall(ctx context.Context) wire.TurnOutcome {
	if err := ctx.Err(); err != nil {
		return wire.OutcomeCancelled
	}

	limitMsg := message.NewUser("You have exhausted your tool call limit for this turn. " +
		"Respond in text only. Summarize what you accomplished and what remains.")
	if err := s.store.Append(limitMsg); err != nil {
		log.Error().Err(err).Msg("agentloop: failed to append step-limit notice")
		return wire.OutcomeFatalError
	}

	req := modelclient.StreamRequest{
		SystemPrompt: s.cfg.SystemPrompt,
		History:      s.store.History(),
		Model:        s.cfg.Model,
	}
	ch, err := s.provider.Stream(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("agentloop: final text-only call failed")
		return wire.OutcomeFatalError
	}
	acc := modelclient.NewAccumulator()
	for p := range ch {
		s.emitDelta(p)
		acc.Feed(p)
	}
	if err := s.appendAssistant(acc); err != nil {
		log.Error().Err(err).Msg("agentloop: failed to append final assistant message")
		return wire.OutcomeFatalError
	}
	return wire.OutcomeMaxStepsReached
}

// recitedHistory returns the history to send to the model this step: the
// Store's canonical history, with a goal reminder appended to the last
// tool-result message every reminderInterval steps (spec §4.G, SPEC_FULL
// supplemented feature; teacher's injectRecitation). The reminder is never
// persisted to the Store — it exists only in the copy sent to the
// provider, rebuilt fresh each step from the unmodified canonical history.
func (s *Soul) recitedHistory(step int) []message.Message {
	history := s.store.History()
	if step == 0 || step%reminderInterval != 0 {
		return history
	}

	var goal string
	for _, m := range history {
		if m.Role == message.RoleUser {
			goal = "The user's original request: " + m.Text()
			break
		}
	}
	if goal == "" {
		return history
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != message.RoleTool {
			continue
		}
		out := make([]message.Message, len(history))
		copy(out, history)
		reminded := out[i]
		reminded.Content = append([]message.ContentPart{}, reminded.Content...)
		reminded.Content = append(reminded.Content, message.TextPart("\n\n<system-reminder>\n"+goal+"\n</system-reminder>"))
		out[i] = reminded
		return out
	}
	return history
}

func toToolSpecs(registry *tool.Registry) []modelclient.ToolSpec {
	tools := registry.List()
	out := make([]modelclient.ToolSpec, len(tools))
	for i, t := range tools {
		out[i] = modelclient.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema}
	}
	return out
}

// RalphLoop resubmits input as a fresh Turn for as long as a Turn ends with
// OutcomeMaxStepsReached — the model was still working when its step
// budget ran out, not finished — up to maxIterations additional Turns. It
// stops as soon as a Turn ends any other way: OutcomeNoToolCalls means the
// model chose to stop on its own, and OutcomeCancelled/OutcomeFatalError/
// OutcomeToolRejected are terminal regardless of iterations remaining.
// maxIterations == 0 disables resubmission (a single RunTurn, the
// default); maxIterations < 0 resubmits without bound (spec's Open
// Question decision on max_ralph_iterations).
func RalphLoop(ctx context.Context, s *Soul, input string, maxIterations int) wire.TurnOutcome {
	if maxIterations == 0 {
		return s.RunTurn(ctx, input)
	}
	for i := 0; maxIterations < 0 || i <= maxIterations; i++ {
		switch outcome := s.RunTurn(ctx, input); outcome {
		case wire.OutcomeNoToolCalls, wire.OutcomeCancelled, wire.OutcomeFatalError, wire.OutcomeToolRejected:
			return outcome
		}
	}
	return wire.OutcomeMaxStepsReached
}
