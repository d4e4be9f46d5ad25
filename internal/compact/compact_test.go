package compact

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xonecas/agentcore/internal/contextstore"
	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/modelclient"
)

func openTestStore(t *testing.T) *contextstore.Store {
	t.Helper()
	s, err := contextstore.Open(filepath.Join(t.TempDir(), "session.ndjson"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCompactNoOpUnderThreshold(t *testing.T) {
	s := openTestStore(t)
	if err := s.Append(message.NewUser("hi")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(message.NewAssistant("hello", nil)); err != nil {
		t.Fatal(err)
	}

	mock := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "should not be called"})
	c := New(mock, "test-model", 2)

	before := s.History()
	if err := c.Compact(context.Background(), s); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(s.History()) != len(before) {
		t.Fatalf("expected no-op, history changed from %d to %d messages", len(before), len(s.History()))
	}
}

func TestCompactPreservesLastKAndSummarizesPrefix(t *testing.T) {
	s := openTestStore(t)
	msgs := []message.Message{
		message.NewUser("first question"),
		message.NewAssistant("first answer", nil),
		message.NewUser("second question"),
		message.NewAssistant("second answer", nil),
		message.NewUser("third question"),
	}
	for _, m := range msgs {
		if err := s.Append(m); err != nil {
			t.Fatal(err)
		}
	}

	mock := modelclient.NewMock("mock",
		modelclient.Part{Kind: modelclient.PartTextDelta, Text: "recap: discussed first and second questions"},
		modelclient.Part{Kind: modelclient.PartUsage, Usage: modelclient.Usage{InputTokens: 100, OutputTokens: 20}},
	)
	c := New(mock, "test-model", 2)

	if err := c.Compact(context.Background(), s); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	history := s.History()
	if len(history) != 3 { // 1 summary + last 2 preserved
		t.Fatalf("got %d messages, want 3: %+v", len(history), history)
	}
	if history[0].Role != message.RoleAssistant || !strings.Contains(history[0].Text(), "recap") {
		t.Errorf("expected an assistant summary message first, got %+v", history[0])
	}
	if history[1].Text() != "second answer" || history[2].Text() != "third question" {
		t.Errorf("expected last 2 original messages preserved, got %q / %q", history[1].Text(), history[2].Text())
	}
	if s.TokenCount() != 120 {
		t.Errorf("got token count %d, want 120 (the summarization call's usage)", s.TokenCount())
	}
}

// TestCompactPreservesSystemSeedMessages covers spec §8 scenario 5: the new
// history is [system-seeded messages, summary-as-assistant, tail-of-K], so
// a leading system message already in history survives compaction
// unchanged instead of being folded into the summary.
func TestCompactPreservesSystemSeedMessages(t *testing.T) {
	s := openTestStore(t)
	msgs := []message.Message{
		message.NewSystem("project instructions: always run tests before committing"),
		message.NewUser("first question"),
		message.NewAssistant("first answer", nil),
		message.NewUser("second question"),
		message.NewAssistant("second answer", nil),
		message.NewUser("third question"),
	}
	for _, m := range msgs {
		if err := s.Append(m); err != nil {
			t.Fatal(err)
		}
	}

	mock := modelclient.NewMock("mock",
		modelclient.Part{Kind: modelclient.PartTextDelta, Text: "recap of the conversation"},
		modelclient.Part{Kind: modelclient.PartUsage, Usage: modelclient.Usage{InputTokens: 100, OutputTokens: 20}},
	)
	c := New(mock, "test-model", 2)

	if err := c.Compact(context.Background(), s); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	history := s.History()
	// K + 2: seed system message + summary + 2 tail.
	if len(history) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(history), history)
	}
	if history[0].Role != message.RoleSystem {
		t.Fatalf("expected the seeded system message to survive first, got %+v", history[0])
	}
	if history[1].Role != message.RoleAssistant || !strings.Contains(history[1].Text(), "recap") {
		t.Fatalf("expected the summary as the second message, got %+v", history[1])
	}
	if history[2].Text() != "second answer" || history[3].Text() != "third question" {
		t.Errorf("expected last 2 original messages preserved, got %q / %q", history[2].Text(), history[3].Text())
	}
}

func TestCompactPullsCutBackOverOrphanToolResult(t *testing.T) {
	s := openTestStore(t)
	toolCall := message.ToolCall{ID: "tc-1", Name: "shell", Arguments: []byte(`{}`)}
	msgs := []message.Message{
		message.NewUser("run ls"),
		message.NewAssistant("", []message.ToolCall{toolCall}),
		message.NewToolResult("tc-1", "file1\nfile2"),
		message.NewAssistant("done", nil),
	}
	for _, m := range msgs {
		if err := s.Append(m); err != nil {
			t.Fatal(err)
		}
	}

	// preserveLast=2 would normally cut so the tail starts at the tool
	// result message (index 2); fixupOrphanCut must pull the cut back to
	// include its pairing assistant tool_call message too.
	mock := modelclient.NewMock("mock", modelclient.Part{Kind: modelclient.PartTextDelta, Text: "recap"})
	c := New(mock, "test-model", 2)

	if err := c.Compact(context.Background(), s); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	history := s.History()
	for i, m := range history {
		if m.Role != message.RoleTool {
			continue
		}
		if i == 0 || history[i-1].Role != message.RoleAssistant || len(history[i-1].ToolCalls) == 0 {
			t.Fatalf("tool_result at index %d has no preceding assistant tool_call, got %+v", i, history)
		}
	}
}

func TestSerializePrefixStripsThoughts(t *testing.T) {
	m := message.Message{Role: message.RoleAssistant, Content: []message.ContentPart{
		message.ThoughtPart("secret reasoning"),
		message.TextPart("visible answer"),
	}}
	out := serializePrefix([]message.Message{m})
	if strings.Contains(out, "secret reasoning") {
		t.Error("expected thought content to be stripped from the serialized prefix")
	}
	if !strings.Contains(out, "visible answer") {
		t.Error("expected text content to survive serialization")
	}
}
