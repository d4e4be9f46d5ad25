// Package compact implements the Compaction Engine (spec §4.E): when a
// session's token_count crosses a configured threshold, the Agent Loop
// calls Compact to fold everything but the last K messages into a single
// synthetic summary message, keeping the conversation within the model's
// context window without losing the thread.
package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/xonecas/agentcore/internal/contextstore"
	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/modelclient"
)

// DefaultPreserveLast is the number of most-recent messages compaction
// never touches, matching spec §4.E's "preserve the last K messages"
// default.
const DefaultPreserveLast = 2

// summarizationPrompt is the instruction sent alongside the serialized
// prefix. It asks for a dense recap rather than a verbatim transcript,
// since the whole point of compaction is to shrink token_count.
const summarizationPrompt = "Summarize the conversation above into a concise recap a continuing assistant " +
	"would need: what the user asked for, what has been done, what decisions were made, and what remains. " +
	"Do not include pleasantries or restate this instruction."

// Compactor runs the Compaction Engine against a contextstore.Store.
type Compactor struct {
	provider     modelclient.Provider
	model        string
	preserveLast int
}

// New builds a Compactor that summarizes using provider/model. preserveLast
// <= 0 falls back to DefaultPreserveLast.
func New(provider modelclient.Provider, model string, preserveLast int) *Compactor {
	if preserveLast <= 0 {
		preserveLast = DefaultPreserveLast
	}
	return &Compactor{provider: provider, model: model, preserveLast: preserveLast}
}

// Compact summarizes store's history, preserving the last K messages, and
// replaces the store's history with [system-seeded messages, summary-as-
// assistant, tail-of-K] via ReplaceHistory (spec §4.E). It is a no-op (spec
// §4.E edge case) if the store holds fewer than preserveLast+1 messages —
// nothing to fold.
func (c *Compactor) Compact(ctx context.Context, store *contextstore.Store) error {
	history := store.History()
	if len(history) <= c.preserveLast {
		return nil
	}

	cut := len(history) - c.preserveLast
	cut = fixupOrphanCut(history, cut)
	if cut <= 0 {
		return nil
	}

	prefix := history[:cut]
	tail := history[cut:]

	seedCount := leadingSystemCount(prefix)
	seed := prefix[:seedCount]
	toSummarize := prefix[seedCount:]
	if len(toSummarize) == 0 {
		return nil
	}

	summary, usage, err := c.summarize(ctx, toSummarize)
	if err != nil {
		return fmt.Errorf("compact: summarize prefix: %w", err)
	}

	newHistory := make([]message.Message, 0, len(seed)+1+len(tail))
	newHistory = append(newHistory, seed...)
	newHistory = append(newHistory, message.NewAssistant(summary, nil))
	newHistory = append(newHistory, tail...)

	return store.ReplaceHistory(newHistory, usage)
}

// leadingSystemCount counts the system messages seeded at the very start of
// msgs (spec §4.E's "system-seeded messages"): instructions appended to
// history ahead of the conversation proper, which compaction must carry
// forward verbatim rather than fold into the summary.
func leadingSystemCount(msgs []message.Message) int {
	n := 0
	for n < len(msgs) && msgs[n].Role == message.RoleSystem {
		n++
	}
	return n
}

// fixupOrphanCut pulls cut backward over a tool-result message at the
// boundary so the tail never starts with an orphaned tool_result whose
// paired assistant tool_call got summarized away — providers reject a
// tool_result with no preceding tool_use in the same request (spec §4.E
// edge case: "if the preserved tail would begin with a tool message, also
// preserve the assistant message immediately before it").
func fixupOrphanCut(history []message.Message, cut int) int {
	for cut > 0 && cut < len(history) && history[cut].Role == message.RoleTool {
		cut--
	}
	return cut
}

// serializePrefix renders msgs as a single text block, one "## Message N"
// section per message, the format spec §4.E names for the synthetic
// summarization request. Thought parts are stripped first (spec invariant
// 2: thoughts never survive a provider hop), and tool calls/results are
// rendered as plain text so the summarization call never needs to declare
// tools.
func serializePrefix(msgs []message.Message) string {
	stripped := message.StripThoughts(msgs)
	var b strings.Builder
	for i, m := range stripped {
		fmt.Fprintf(&b, "## Message %d\nRole: %s\nContent:\n", i+1, m.Role)
		if text := m.Text(); text != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "[tool call %s(%s): %s]\n", tc.Name, tc.ID, tc.Arguments)
		}
		if m.Role == message.RoleTool {
			fmt.Fprintf(&b, "[result for tool call %s]\n", m.ToolCallID)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// summarize issues one model call over the serialized prefix and returns
// the model's text plus the usage it reports.
func (c *Compactor) summarize(ctx context.Context, prefix []message.Message) (string, message.UsageRecord, error) {
	req := modelclient.StreamRequest{
		SystemPrompt: summarizationPrompt,
		History:      []message.Message{message.NewUser(serializePrefix(prefix))},
		Model:        c.model,
	}

	ch, err := c.provider.Stream(ctx, req)
	if err != nil {
		return "", message.UsageRecord{}, err
	}

	acc := modelclient.NewAccumulator()
	for p := range ch {
		acc.Feed(p)
	}
	if err := acc.Err(); err != nil {
		return "", message.UsageRecord{}, err
	}
	return acc.Text(), acc.Usage(), nil
}
