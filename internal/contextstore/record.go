package contextstore

import (
	"encoding/json"
	"fmt"

	"github.com/xonecas/agentcore/internal/message"
)

// recordKind discriminates a SessionFile line. Unknown values are skipped on
// load (forward compatibility, spec §6).
type recordKind string

const (
	kindMessage    recordKind = ""
	kindUsage      recordKind = "_usage"
	kindCheckpoint recordKind = "_checkpoint"
)

// wireMessage is the on-disk shape of a Message record. For a message whose
// content is a single text part, Content is emitted as a bare string
// (spec §6); otherwise as an array of content-part objects.
type wireMessage struct {
	Role       message.Role    `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []message.ToolCall `json:"tool_calls,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

type wireUsage struct {
	Role          string `json:"role"` // "_usage"
	TokenCount    int    `json:"token_count"`
	Input         int    `json:"input"`
	Output        int    `json:"output"`
	CacheRead     int    `json:"cache_read"`
	CacheCreation int    `json:"cache_creation"`
}

type wireCheckpoint struct {
	Role string `json:"role"` // "_checkpoint"
	ID   int    `json:"id"`
}

// peekRole sniffs just enough of a line to dispatch to the right decoder
// without fully unmarshaling twice.
func peekRole(line []byte) (string, error) {
	var probe struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", err
	}
	return probe.Role, nil
}

func encodeMessage(m message.Message) ([]byte, error) {
	var content json.RawMessage
	var err error
	if len(m.Content) == 1 && m.Content[0].Type == message.PartText {
		content, err = json.Marshal(m.Content[0].Text)
	} else {
		content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	wm := wireMessage{
		Role:       m.Role,
		Content:    content,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
		CreatedAt:  m.CreatedAt.Unix(),
	}
	return json.Marshal(wm)
}

func decodeMessage(line []byte) (message.Message, error) {
	var wm wireMessage
	if err := json.Unmarshal(line, &wm); err != nil {
		return message.Message{}, err
	}
	var content []message.ContentPart
	if len(wm.Content) > 0 {
		// Try "bare string" form first, then the array-of-parts form.
		var asString string
		if err := json.Unmarshal(wm.Content, &asString); err == nil {
			content = []message.ContentPart{message.TextPart(asString)}
		} else if err := json.Unmarshal(wm.Content, &content); err != nil {
			return message.Message{}, fmt.Errorf("decode content: %w", err)
		}
	}
	return message.Message{
		Role:       wm.Role,
		Content:    content,
		ToolCallID: wm.ToolCallID,
		ToolCalls:  wm.ToolCalls,
		CreatedAt:  unixOrZero(wm.CreatedAt),
	}, nil
}

func encodeUsage(u message.UsageRecord) ([]byte, error) {
	return json.Marshal(wireUsage{
		Role:          string(kindUsage),
		TokenCount:    u.Total(),
		Input:         u.Input,
		Output:        u.Output,
		CacheRead:     u.CacheRead,
		CacheCreation: u.CacheCreation,
	})
}

func decodeUsage(line []byte) (message.UsageRecord, error) {
	var wu wireUsage
	if err := json.Unmarshal(line, &wu); err != nil {
		return message.UsageRecord{}, err
	}
	return message.UsageRecord{
		Input:         wu.Input,
		Output:        wu.Output,
		CacheRead:     wu.CacheRead,
		CacheCreation: wu.CacheCreation,
	}, nil
}

func encodeCheckpoint(cp message.Checkpoint) ([]byte, error) {
	return json.Marshal(wireCheckpoint{Role: string(kindCheckpoint), ID: cp.ID})
}

func decodeCheckpoint(line []byte) (message.Checkpoint, error) {
	var wc wireCheckpoint
	if err := json.Unmarshal(line, &wc); err != nil {
		return message.Checkpoint{}, err
	}
	return message.Checkpoint{ID: wc.ID}, nil
}
