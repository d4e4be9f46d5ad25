package modelclient

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/xonecas/agentcore/internal/message"
)

// ToolSpec is a provider-agnostic tool declaration, the Model Client's view
// of an internal/tool.Tool (name, description, JSON schema only — no
// handler, since the model never invokes a tool directly).
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// StreamRequest is everything a Provider needs to start one model call.
type StreamRequest struct {
	SystemPrompt string
	History      []message.Message
	Tools        []ToolSpec
	Model        string
	Temperature  float64
}

// Provider is one model backend (spec §4.F: "the engine talks to a model
// through a narrow Provider seam; everything provider-specific — auth,
// wire format, SSE framing — lives behind it").
type Provider interface {
	// Name identifies the provider for logging and config selection.
	Name() string

	// Stream starts a model call and returns a channel of Parts. The
	// channel is closed after a PartDone or PartError is sent, or when ctx
	// is cancelled. Implementations must not block past ctx.Done().
	Stream(ctx context.Context, req StreamRequest) (<-chan Part, error)

	// Close releases any resources (connection pools, etc).
	Close() error
}

// sanitizeText strips NUL bytes from model-bound text (spec §4.F: "a NUL
// byte anywhere in message content is dropped before it reaches the wire
// format" — some provider JSON encoders reject it outright, others persist
// it into the SessionFile where it would corrupt line-oriented NDJSON
// parsing on reload).
func sanitizeText(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// sanitizeHistory returns a copy of msgs with every PartText/PartThought
// part's text passed through sanitizeText.
func sanitizeHistory(msgs []message.Message) []message.Message {
	out := make([]message.Message, len(msgs))
	for i, m := range msgs {
		content := make([]message.ContentPart, len(m.Content))
		for j, p := range m.Content {
			if p.Type == message.PartText || p.Type == message.PartThought {
				p.Text = sanitizeText(p.Text)
			}
			content[j] = p
		}
		m.Content = content
		out[i] = m
	}
	return out
}
