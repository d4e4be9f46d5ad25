// Package modelclient implements the Model Client (spec §4.F): a
// provider-agnostic streaming abstraction plus concrete clients. A call to
// Stream yields a channel of Parts instead of the provider's own wire
// format, so the Agent Loop never has to know whether it's talking to
// Anthropic's Messages API or an OpenAI-compatible Chat Completions
// endpoint. Grounded on the teacher's internal/provider package, which
// draws the same line between "StreamEvent" (provider-agnostic) and each
// provider file's own SSE payload types.
package modelclient

import "fmt"

// PartKind discriminates a streamed Part's concrete variant (spec §4.F:
// "a lazy sequence of parts: text delta, thought delta, tool-call delta,
// tool-call complete, usage, done, error").
type PartKind string

const (
	PartTextDelta        PartKind = "text_delta"
	PartThoughtDelta     PartKind = "thought_delta"
	PartToolCallBegin    PartKind = "tool_call_begin"
	PartToolCallDelta    PartKind = "tool_call_delta"
	PartToolCallComplete PartKind = "tool_call_complete"
	PartUsage            PartKind = "usage"
	PartDone             PartKind = "done"
	PartError            PartKind = "error"
)

// FinishReason classifies why a stream ended, carried on the PartDone part.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// Part is one element of a Stream's output. Exactly the fields relevant to
// Kind are meaningful; the rest are zero.
type Part struct {
	Kind PartKind

	Text string // PartTextDelta, PartThoughtDelta

	ToolCallIndex int    // PartToolCallBegin, PartToolCallDelta, PartToolCallComplete
	ToolCallID    string // PartToolCallBegin
	ToolCallName  string // PartToolCallBegin
	ToolCallArgs  string // PartToolCallDelta: a partial-JSON chunk to append

	Usage Usage // PartUsage

	Finish FinishReason // PartDone
	Err    error        // PartError
}

// Usage carries token counts from a single stream, mirrored into a
// message.UsageRecord by the caller once the stream finishes.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

func (p Part) String() string {
	switch p.Kind {
	case PartError:
		return fmt.Sprintf("error: %v", p.Err)
	case PartDone:
		return fmt.Sprintf("done(%s)", p.Finish)
	default:
		return string(p.Kind)
	}
}
