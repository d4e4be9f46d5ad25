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

// AnthropicClient speaks the Anthropic Messages API's SSE streaming format.
// Grounded on the teacher's internal/provider/anthropic.go, trimmed to the
// subset the Model Client needs: no Chat/ChatWithTools convenience
// wrappers, since the engine only ever calls Stream.
type AnthropicClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewAnthropicClient builds a client for the given model, talking to
// baseURL (e.g. "https://api.anthropic.com/v1/messages").
func NewAnthropicClient(baseURL, apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 0}, // streaming: no fixed deadline, ctx governs lifetime
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }
func (c *AnthropicClient) Close() error { return nil }

type anthropicRequest struct {
	Model     string              `json:"model"`
	Messages  []anthropicMessage  `json:"messages"`
	System    []anthropicSysBlock `json:"system,omitempty"`
	MaxTokens int                 `json:"max_tokens"`
	Stream    bool                `json:"stream"`
	Tools     []anthropicTool     `json:"tools,omitempty"`
}

type anthropicSysBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicCacheControl struct {
	Type string `json:"type"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type anthropicToolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicTool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  json.RawMessage        `json:"input_schema"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

// toAnthropicBody converts a StreamRequest into the Anthropic wire format.
// A tagged-union ContentPart list collapses to plain text plus tool_use /
// tool_result blocks, since the Messages API has no concept of
// PartUnknown — an unrecognized part type is simply dropped rather than
// rejected, consistent with "an unknown variant never breaks a provider
// call" (spec design note on forward-compatible tagged unions).
func toAnthropicBody(model string, req StreamRequest) anthropicRequest {
	var system []anthropicSysBlock
	if req.SystemPrompt != "" {
		system = []anthropicSysBlock{{
			Type:         "text",
			Text:         sanitizeText(req.SystemPrompt),
			CacheControl: &anthropicCacheControl{Type: "ephemeral"},
		}}
	}

	history := sanitizeHistory(req.History)
	msgs := make([]anthropicMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case message.RoleSystem:
			system = append(system, anthropicSysBlock{Type: "text", Text: m.Text()})
		case message.RoleTool:
			msgs = append(msgs, anthropicMessage{
				Role: "user",
				Content: []anthropicToolResultBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Text(),
				}},
			})
		case message.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, anthropicMessage{Role: "assistant", Content: m.Text()})
				break
			}
			var blocks []any
			if text := m.Text(); text != "" {
				blocks = append(blocks, anthropicTextBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropicToolUseBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			msgs = append(msgs, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			msgs = append(msgs, anthropicMessage{Role: "user", Content: m.Text()})
		}
	}

	var tools []anthropicTool
	if len(req.Tools) > 0 {
		tools = make([]anthropicTool, len(req.Tools))
		for i, t := range req.Tools {
			schema := t.Schema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			tools[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema}
		}
		tools[len(tools)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	}

	model2 := req.Model
	if model2 == "" {
		model2 = model
	}
	return anthropicRequest{
		Model:     model2,
		Messages:  msgs,
		System:    system,
		MaxTokens: 8192,
		Stream:    true,
		Tools:     tools,
	}
}

func (c *AnthropicClient) Stream(ctx context.Context, req StreamRequest) (<-chan Part, error) {
	body, err := json.Marshal(toAnthropicBody(c.model, req))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindModelFatal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindModelFatal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindModelRetryable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, engineerr.WrapHTTPStatus(resp.StatusCode, fmt.Errorf("anthropic stream: %s", strings.TrimSpace(string(payload))))
	}

	ch := make(chan Part, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		parseAnthropicSSE(ctx, resp.Body, ch)
	}()
	return ch, nil
}

type anthropicBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMsgStart struct {
	Message struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type anthropicMsgDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// parseAnthropicSSE reads one Anthropic Messages API SSE stream, emitting
// Parts. Grounded on the teacher's parseAnthropicSSEStream/
// anthropicBlockTracker, collapsed into a single loop since the Model
// Client has no separate index/conversion layer to hand events to.
func parseAnthropicSSE(ctx context.Context, r io.Reader, ch chan<- Part) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	toolIdxOf := make(map[int]int)
	isToolBlock := make(map[int]bool)
	var toolCount int
	var stopReason string
	var eventType string

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
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch eventType {
		case "message_start":
			var ms anthropicMsgStart
			if json.Unmarshal([]byte(data), &ms) == nil {
				u := ms.Message.Usage
				if u.InputTokens > 0 || u.OutputTokens > 0 {
					if !send(Part{Kind: PartUsage, Usage: Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, CacheReadTokens: u.CacheReadInputTokens, CacheCreationTokens: u.CacheCreationInputTokens}}) {
						return
					}
				}
			}
		case "content_block_start":
			var bs anthropicBlockStart
			if err := json.Unmarshal([]byte(data), &bs); err != nil {
				log.Warn().Err(err).Msg("modelclient: bad anthropic content_block_start")
				break
			}
			if bs.ContentBlock.Type != "tool_use" {
				break
			}
			idx := toolCount
			toolCount++
			isToolBlock[bs.Index] = true
			toolIdxOf[bs.Index] = idx
			if !send(Part{Kind: PartToolCallBegin, ToolCallIndex: idx, ToolCallID: bs.ContentBlock.ID, ToolCallName: bs.ContentBlock.Name}) {
				return
			}
		case "content_block_delta":
			var bd anthropicBlockDelta
			if err := json.Unmarshal([]byte(data), &bd); err != nil {
				log.Warn().Err(err).Msg("modelclient: bad anthropic content_block_delta")
				break
			}
			switch bd.Delta.Type {
			case "text_delta":
				if bd.Delta.Text != "" && !send(Part{Kind: PartTextDelta, Text: bd.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if bd.Delta.Thinking != "" && !send(Part{Kind: PartThoughtDelta, Text: bd.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if bd.Delta.PartialJSON != "" && isToolBlock[bd.Index] {
					if !send(Part{Kind: PartToolCallDelta, ToolCallIndex: toolIdxOf[bd.Index], ToolCallArgs: bd.Delta.PartialJSON}) {
						return
					}
				}
			}
		case "content_block_stop":
			var bs anthropicBlockStart
			if json.Unmarshal([]byte(data), &bs) == nil && isToolBlock[bs.Index] {
				if !send(Part{Kind: PartToolCallComplete, ToolCallIndex: toolIdxOf[bs.Index]}) {
					return
				}
			}
		case "message_delta":
			var md anthropicMsgDelta
			if json.Unmarshal([]byte(data), &md) == nil {
				stopReason = md.Delta.StopReason
				if md.Usage.OutputTokens > 0 {
					if !send(Part{Kind: PartUsage, Usage: Usage{OutputTokens: md.Usage.OutputTokens}}) {
						return
					}
				}
			}
		case "message_stop":
			send(Part{Kind: PartDone, Finish: anthropicFinishReason(stopReason)})
			return
		}
		eventType = ""
	}

	if err := scanner.Err(); err != nil {
		send(Part{Kind: PartError, Err: engineerr.Wrap(engineerr.KindModelRetryable, err)})
		return
	}
	send(Part{Kind: PartDone, Finish: anthropicFinishReason(stopReason)})
}

func anthropicFinishReason(stopReason string) FinishReason {
	switch stopReason {
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}
