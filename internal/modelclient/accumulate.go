package modelclient

import (
	"strings"

	"github.com/xonecas/agentcore/internal/message"
)

// Accumulator collects a Stream's Parts into final text, thought text, and
// completed tool calls, the way the Agent Loop's Step procedure needs them
// once a stream finishes (spec §4.G step 3: "drain the stream, accumulating
// text and tool-call argument chunks by index"). Grounded on the teacher's
// toolCallAccumulator in llm/loop.go, generalized from provider.StreamEvent
// to Part.
type Accumulator struct {
	text     strings.Builder
	thought  strings.Builder
	usage    message.UsageRecord
	finish   FinishReason
	err      error
	byIndex  map[int]*pendingCall
	order    []int
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// NewAccumulator returns an empty Accumulator ready to consume a stream.
func NewAccumulator() *Accumulator {
	return &Accumulator{byIndex: make(map[int]*pendingCall)}
}

// Feed applies one Part. Call it for every Part received from a Stream's
// channel, in order.
func (a *Accumulator) Feed(p Part) {
	switch p.Kind {
	case PartTextDelta:
		a.text.WriteString(p.Text)
	case PartThoughtDelta:
		a.thought.WriteString(p.Text)
	case PartToolCallBegin:
		pc := &pendingCall{id: p.ToolCallID, name: p.ToolCallName}
		a.byIndex[p.ToolCallIndex] = pc
		a.order = append(a.order, p.ToolCallIndex)
	case PartToolCallDelta:
		if pc, ok := a.byIndex[p.ToolCallIndex]; ok {
			pc.args.WriteString(p.ToolCallArgs)
		}
	case PartUsage:
		a.usage.Input += p.Usage.InputTokens
		a.usage.Output += p.Usage.OutputTokens
		a.usage.CacheRead += p.Usage.CacheReadTokens
		a.usage.CacheCreation += p.Usage.CacheCreationTokens
	case PartDone:
		a.finish = p.Finish
	case PartError:
		a.err = p.Err
	}
}

// Text returns the accumulated assistant text.
func (a *Accumulator) Text() string { return a.text.String() }

// Thought returns the accumulated thought/reasoning text.
func (a *Accumulator) Thought() string { return a.thought.String() }

// Usage returns the accumulated usage for this stream.
func (a *Accumulator) Usage() message.UsageRecord { return a.usage }

// Finish returns the stream's terminal FinishReason, or "" if no PartDone
// was ever fed (the stream ended in error or was cut short).
func (a *Accumulator) Finish() FinishReason { return a.finish }

// Err returns the error from a PartError, if any was fed.
func (a *Accumulator) Err() error { return a.err }

// ToolCalls returns completed tool calls in first-seen order. An
// unparseable-as-JSON accumulated argument string still round-trips
// through Arguments as raw bytes; callers validate it against the tool's
// schema later (spec §4.D), not here.
func (a *Accumulator) ToolCalls() []message.ToolCall {
	out := make([]message.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		pc := a.byIndex[idx]
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, message.ToolCall{ID: pc.id, Name: pc.name, Arguments: []byte(args)})
	}
	return out
}
