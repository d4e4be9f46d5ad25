package modelclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/agentcore/internal/engineerr"
	"github.com/xonecas/agentcore/internal/message"
)

// OpenAIClient speaks an OpenAI-compatible Chat Completions streaming
// format, the shape shared by OpenAI itself and most self-hosted
// OpenAI-compatible gateways. Grounded on the teacher's
// internal/provider/openai_common.go parseSSEStream/emitOpenAIDelta.
type OpenAIClient struct {
	httpClient *http.Client
	baseURL    string // e.g. "https://api.openai.com/v1/chat/completions"
	apiKey     string
	model      string
}

func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

func (c *OpenAIClient) Name() string { return "openai" }
func (c *OpenAIClient) Close() error { return nil }

type chatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCallOut `json:"tool_calls,omitempty"`
}

type chatToolCallOut struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function chatFunctionOut `json:"function"`
}

type chatFunctionOut struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Tools          []chatTool        `json:"tools,omitempty"`
	Stream         bool              `json:"stream"`
	StreamOptions  *chatStreamOption `json:"stream_options,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
}

type chatStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

// toChatMessages converts a StreamRequest to Chat Completions message
// format, with a single leading system message merging SystemPrompt and
// any RoleSystem messages in history (mergeSystemMessagesOpenAI in the
// teacher).
func toChatMessages(req StreamRequest) []chatMessage {
	history := sanitizeHistory(req.History)
	var systemParts []string
	if req.SystemPrompt != "" {
		systemParts = append(systemParts, sanitizeText(req.SystemPrompt))
	}

	msgs := make([]chatMessage, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case message.RoleSystem:
			if t := m.Text(); t != "" {
				systemParts = append(systemParts, t)
			}
		case message.RoleTool:
			msgs = append(msgs, chatMessage{Role: "tool", Content: m.Text(), ToolCallID: m.ToolCallID})
		case message.RoleAssistant:
			cm := chatMessage{Role: "assistant", Content: m.Text()}
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, chatToolCallOut{
					ID: tc.ID, Type: "function",
					Function: chatFunctionOut{Name: tc.Name, Arguments: string(tc.Arguments)},
				})
			}
			msgs = append(msgs, cm)
		default:
			msgs = append(msgs, chatMessage{Role: "user", Content: m.Text()})
		}
	}

	if len(systemParts) == 0 {
		return msgs
	}
	out := make([]chatMessage, 0, len(msgs)+1)
	out = append(out, chatMessage{Role: "system", Content: strings.Join(systemParts, "\n\n")})
	return append(out, msgs...)
}

func toChatTools(tools []ToolSpec) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatTool, len(tools))
	for i, t := range tools {
		params := t.Schema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out[i] = chatTool{Type: "function", Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: params}}
	}
	return out
}

func (c *OpenAIClient) Stream(ctx context.Context, req StreamRequest) (<-chan Part, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(chatRequest{
		Model:         model,
		Messages:      toChatMessages(req),
		Tools:         toChatTools(req.Tools),
		Stream:        true,
		StreamOptions: &chatStreamOption{IncludeUsage: true},
		Temperature:   req.Temperature,
	})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindModelFatal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindModelFatal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindModelRetryable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, engineerr.WrapHTTPStatus(resp.StatusCode, fmt.Errorf("openai stream: %s", strings.TrimSpace(string(payload))))
	}

	ch := make(chan Part, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		parseChatSSE(ctx, resp.Body, ch)
	}()
	return ch, nil
}

type chatStreamChunk struct {
	Choices []chatStreamChoice `json:"choices"`
	Usage   *chatUsage         `json:"usage,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatStreamChoice struct {
	Delta        chatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type chatStreamDelta struct {
	Content          string            `json:"content,omitempty"`
	Reasoning        string            `json:"reasoning,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCallIn  `json:"tool_calls,omitempty"`
}

type chatToolCallIn struct {
	Index    int             `json:"index"`
	ID       string          `json:"id"`
	Function chatFunctionIn `json:"function"`
}

type chatFunctionIn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// parseChatSSE reads one Chat Completions SSE stream, emitting Parts.
// Grounded on the teacher's parseSSEStream/emitOpenAIDelta.
func parseChatSSE(ctx context.Context, r io.Reader, ch chan<- Part) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	seenToolIndex := make(map[int]bool)
	var finish FinishReason = FinishStop

	send := func(p Part) bool {
		select {
		case ch <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			send(Part{Kind: PartDone, Finish: finish})
			return
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Str("data", data).Msg("modelclient: bad chat completion chunk")
			continue
		}
		if chunk.Usage != nil {
			if !send(Part{Kind: PartUsage, Usage: Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}}) {
				return
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			finish = chatFinishReason(*choice.FinishReason)
		}
		if !emitChatDelta(send, choice.Delta, seenToolIndex) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(Part{Kind: PartError, Err: engineerr.Wrap(engineerr.KindModelRetryable, err)})
		return
	}
	send(Part{Kind: PartDone, Finish: finish})
}

func emitChatDelta(send func(Part) bool, delta chatStreamDelta, seenToolIndex map[int]bool) bool {
	reasoning := delta.Reasoning
	if reasoning == "" {
		reasoning = delta.ReasoningContent
	}
	if reasoning != "" && !send(Part{Kind: PartThoughtDelta, Text: reasoning}) {
		return false
	}
	if delta.Content != "" && !send(Part{Kind: PartTextDelta, Text: delta.Content}) {
		return false
	}
	for _, tc := range delta.ToolCalls {
		if !seenToolIndex[tc.Index] && tc.Function.Name != "" {
			seenToolIndex[tc.Index] = true
			if !send(Part{Kind: PartToolCallBegin, ToolCallIndex: tc.Index, ToolCallID: tc.ID, ToolCallName: tc.Function.Name}) {
				return false
			}
		}
		if tc.Function.Arguments != "" {
			if !send(Part{Kind: PartToolCallDelta, ToolCallIndex: tc.Index, ToolCallArgs: tc.Function.Arguments}) {
				return false
			}
		}
	}
	return true
}

func chatFinishReason(reason string) FinishReason {
	switch reason {
	case "tool_calls":
		return FinishToolCalls
	case "length":
		return FinishLength
	default:
		return FinishStop
	}
}
