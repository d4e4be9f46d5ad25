// Package wire implements the Wire Channel (spec §4.B): a typed duplex pipe
// of events and requests between the Agent Loop and an observing UI.
//
// Grounded on the teacher's tui/messages.go channel discipline (a single
// chan of tagged messages, drained in non-blocking batches by
// waitForLLMUpdate, with a bounded-queue non-blocking send via
// enqueueStoreBatch's select/default pattern) — translated from bubbletea's
// tea.Msg/tea.Cmd Elm architecture into a plain producer/consumer channel
// pair, since the reference renderer here is not a TUI.
package wire

import (
	"encoding/json"
	"time"
)

// EventKind discriminates an Event's concrete payload.
type EventKind string

const (
	EventTurnBegin       EventKind = "turn_begin"
	EventTurnEnd         EventKind = "turn_end"
	EventStepBegin       EventKind = "step_begin"
	EventTextDelta       EventKind = "text_delta"
	EventThoughtDelta    EventKind = "thought_delta"
	EventToolCallDelta   EventKind = "tool_call_delta"
	EventToolCallComplete EventKind = "tool_call_complete"
	EventToolResult      EventKind = "tool_result"
	EventStatusUpdate    EventKind = "status_update"
	EventPreviewChange   EventKind = "preview_change"
)

// TurnOutcome names why a Turn ended (spec §4.G Ending states).
type TurnOutcome string

const (
	OutcomeNoToolCalls     TurnOutcome = "no_tool_calls"
	OutcomeToolRejected    TurnOutcome = "tool_rejected"
	OutcomeMaxStepsReached TurnOutcome = "max_steps_reached"
	OutcomeCancelled       TurnOutcome = "cancelled"
	OutcomeFatalError      TurnOutcome = "fatal_error"
)

// Event is a tagged union of everything the engine emits unidirectionally
// to a UI endpoint. Exactly one of the typed fields is populated, selected
// by Kind; fields irrelevant to Kind are left zero.
type Event struct {
	Kind EventKind
	At   time.Time

	TurnBeginInput string
	TurnEndOutcome TurnOutcome

	StepN int

	Delta string // TextDelta, ThoughtDelta

	ToolCallID       string // ToolCallDelta, ToolCallComplete, ToolResult
	ToolCallName     string // ToolCallDelta (may be empty until the model names it)
	ToolCallArgChunk string // ToolCallDelta
	ToolResultOK     bool
	ToolResultOutput string
	ToolResultBrief  string

	StatusContextUsage float64 // StatusUpdate: fraction of max_context_size in use
	StatusTokenCount   int

	PreviewPath string // PreviewChange
	PreviewBody string
}

// wireEvent is the side-log's on-disk shape: {"kind":"...","payload":{...}}.
type wireEvent struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type eventPayload struct {
	At                 time.Time   `json:"at"`
	TurnBeginInput     string      `json:"turn_begin_input,omitempty"`
	TurnEndOutcome     TurnOutcome `json:"turn_end_outcome,omitempty"`
	StepN              int         `json:"step_n,omitempty"`
	Delta              string      `json:"delta,omitempty"`
	ToolCallID         string      `json:"tool_call_id,omitempty"`
	ToolCallName       string      `json:"tool_call_name,omitempty"`
	ToolCallArgChunk   string      `json:"tool_call_arg_chunk,omitempty"`
	ToolResultOK       bool        `json:"tool_result_ok,omitempty"`
	ToolResultOutput   string      `json:"tool_result_output,omitempty"`
	ToolResultBrief    string      `json:"tool_result_brief,omitempty"`
	StatusContextUsage float64     `json:"status_context_usage,omitempty"`
	StatusTokenCount   int         `json:"status_token_count,omitempty"`
	PreviewPath        string      `json:"preview_path,omitempty"`
	PreviewBody        string      `json:"preview_body,omitempty"`
}

// MarshalJSON implements the side-log record format (spec §6): one
// {"kind":...,"payload":...} object per line.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(eventPayload{
		At:                 e.At,
		TurnBeginInput:     e.TurnBeginInput,
		TurnEndOutcome:     e.TurnEndOutcome,
		StepN:              e.StepN,
		Delta:              e.Delta,
		ToolCallID:         e.ToolCallID,
		ToolCallName:       e.ToolCallName,
		ToolCallArgChunk:   e.ToolCallArgChunk,
		ToolResultOK:       e.ToolResultOK,
		ToolResultOutput:   e.ToolResultOutput,
		ToolResultBrief:    e.ToolResultBrief,
		StatusContextUsage: e.StatusContextUsage,
		StatusTokenCount:   e.StatusTokenCount,
		PreviewPath:        e.PreviewPath,
		PreviewBody:        e.PreviewBody,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Kind: e.Kind, Payload: payload})
}

// UnmarshalJSON implements json.Unmarshaler for the side-log format.
func (e *Event) UnmarshalJSON(data []byte) error {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return err
	}
	var p eventPayload
	if len(we.Payload) > 0 {
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return err
		}
	}
	*e = Event{
		Kind:               we.Kind,
		At:                 p.At,
		TurnBeginInput:     p.TurnBeginInput,
		TurnEndOutcome:     p.TurnEndOutcome,
		StepN:              p.StepN,
		Delta:              p.Delta,
		ToolCallID:         p.ToolCallID,
		ToolCallName:       p.ToolCallName,
		ToolCallArgChunk:   p.ToolCallArgChunk,
		ToolResultOK:       p.ToolResultOK,
		ToolResultOutput:   p.ToolResultOutput,
		ToolResultBrief:    p.ToolResultBrief,
		StatusContextUsage: p.StatusContextUsage,
		StatusTokenCount:   p.StatusTokenCount,
		PreviewPath:        p.PreviewPath,
		PreviewBody:        p.PreviewBody,
	}
	return nil
}
