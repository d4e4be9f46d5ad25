package contextstore

import (
	"testing"

	"github.com/xonecas/agentcore/internal/message"
)

func TestEncodeDecodeMessageRoundTrip_SingleText(t *testing.T) {
	m := message.NewUser("hello world")

	line, err := encodeMessage(m)
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}
	got, err := decodeMessage(line)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if got.Text() != m.Text() || got.Role != m.Role {
		t.Errorf("got %+v, want %+v", got, m)
	}
}

func TestEncodeDecodeMessageRoundTrip_MultiPart(t *testing.T) {
	m := message.Message{
		Role: message.RoleAssistant,
		Content: []message.ContentPart{
			message.TextPart("thinking out loud"),
			message.ThoughtPart("a private thought"),
		},
		ToolCalls: []message.ToolCall{{ID: "tc-1", Name: "shell", Arguments: []byte(`{"cmd":"ls"}`)}},
	}

	line, err := encodeMessage(m)
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}
	got, err := decodeMessage(line)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if len(got.Content) != 2 {
		t.Fatalf("got %d content parts, want 2", len(got.Content))
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "shell" {
		t.Errorf("got tool calls %+v, want one shell call", got.ToolCalls)
	}
}

func TestPeekRoleDispatchesRecordKind(t *testing.T) {
	tests := []struct {
		name string
		line []byte
		want string
	}{
		{"message", []byte(`{"role":"user","content":"hi","created_at":1}`), "user"},
		{"usage", []byte(`{"role":"_usage","token_count":5}`), "_usage"},
		{"checkpoint", []byte(`{"role":"_checkpoint","id":1}`), "_checkpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := peekRole(tt.line)
			if err != nil {
				t.Fatalf("peekRole: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeUsageDecodeUsageRoundTrip(t *testing.T) {
	u := message.UsageRecord{Input: 100, Output: 50, CacheRead: 10, CacheCreation: 5}

	line, err := encodeUsage(u)
	if err != nil {
		t.Fatalf("encodeUsage: %v", err)
	}
	got, err := decodeUsage(line)
	if err != nil {
		t.Fatalf("decodeUsage: %v", err)
	}
	if got != u {
		t.Errorf("got %+v, want %+v", got, u)
	}
}

func TestEncodeCheckpointDecodeCheckpointRoundTrip(t *testing.T) {
	cp := message.Checkpoint{ID: 7}

	line, err := encodeCheckpoint(cp)
	if err != nil {
		t.Fatalf("encodeCheckpoint: %v", err)
	}
	got, err := decodeCheckpoint(line)
	if err != nil {
		t.Fatalf("decodeCheckpoint: %v", err)
	}
	if got != cp {
		t.Errorf("got %+v, want %+v", got, cp)
	}
}
