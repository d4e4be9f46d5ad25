package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/agentcore/internal/message"
)

// upstreamRetryDelays mirrors the teacher's mcp.Proxy toolRetryDelays: a
// tool call against a rate-limited upstream service gets its own retry
// budget, independent of the Model Client's (spec §4.F vs. SPEC_FULL
// supplemented feature 7).
var upstreamRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

var retryAfterHeaderRe = regexp.MustCompile(`Retry-After:\s*(\d+)`)
var retryAfterPhraseRe = regexp.MustCompile(`Try again in (\d+) seconds?`)

// parseRetryAfter extracts a server-requested retry delay from an error's
// displayable text, grounded on the teacher's mcp.parseRetryAfter.
func parseRetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := err.Error()
	if m := retryAfterHeaderRe.FindStringSubmatch(msg); len(m) > 1 {
		if secs, perr := strconv.Atoi(m[1]); perr == nil {
			return time.Duration(secs) * time.Second, true
		}
	}
	if strings.Contains(msg, "Try again in") {
		if m := retryAfterPhraseRe.FindStringSubmatch(msg); len(m) > 1 {
			if secs, perr := strconv.Atoi(m[1]); perr == nil {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	return 0, false
}

// Dispatch implements the Tool Registry + Dispatcher's invocation sequence
// (spec §4.D): unknown tool → Err without calling the model; schema
// validation failure → Err with validation detail; otherwise invoke the
// handler, translating a panic into an Err result exactly like a returned
// error would be (spec §4.D step 5, §7 "any exception in a tool handler is
// converted to an Err result, never re-raised").
func Dispatch(ctx context.Context, r *Registry, call message.ToolCall) message.ToolResult {
	if err := call.Validate(); err != nil {
		return message.Err(err.Error(), "Invalid tool call")
	}

	t, ok := r.Lookup(call.Name)
	if !ok {
		return withCallID(call.ID, message.Err(fmt.Sprintf("Unknown tool: %s", call.Name), "Unknown tool"))
	}

	if t.compiled != nil {
		var decoded any
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		if err := json.Unmarshal(args, &decoded); err != nil {
			return withCallID(call.ID, message.Err(fmt.Sprintf("invalid JSON arguments: %v", err), "Invalid arguments"))
		}
		if err := t.compiled.Validate(decoded); err != nil {
			return withCallID(call.ID, message.Err(fmt.Sprintf("arguments failed validation: %v", err), "Invalid arguments"))
		}
	}

	var result message.ToolResult
	if t.Upstream {
		result = invokeWithRetry(ctx, t, call.Arguments)
	} else {
		result = invokeSafely(ctx, t, call.Arguments)
	}
	result.ToolCallID = call.ID
	return result
}

func withCallID(id string, r message.ToolResult) message.ToolResult {
	r.ToolCallID = id
	return r
}

// invokeSafely calls t.Handle, converting a panic into an Err result
// instead of letting it cross the Dispatcher boundary.
func invokeSafely(ctx context.Context, t Tool, args json.RawMessage) (result message.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Interface("panic", rec).Str("tool", t.Name).Msg("tool: handler panicked")
			result = message.Err(fmt.Sprintf("%v", rec), "Tool failed")
		}
	}()
	return t.Handle(ctx, args)
}

// invokeWithRetry retries an Upstream tool's transient failures using a
// server-requested Retry-After delay when the handler's error carries one,
// falling back to the fixed upstreamRetryDelays ladder otherwise.
func invokeWithRetry(ctx context.Context, t Tool, args json.RawMessage) message.ToolResult {
	var lastResult message.ToolResult
	for attempt := 0; attempt <= len(upstreamRetryDelays); attempt++ {
		if attempt > 0 {
			delay := upstreamRetryDelays[attempt-1]
			if retryAfter, ok := parseRetryAfter(fmt.Errorf("%s", lastResult.Message)); ok {
				if retryAfter > 30*time.Second {
					retryAfter = 30 * time.Second
				}
				delay = retryAfter
			}
			log.Warn().Str("tool", t.Name).Int("attempt", attempt).Dur("delay", delay).Msg("tool: retrying upstream call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return message.Err("cancelled while waiting to retry", "Cancelled")
			}
		}

		result := invokeSafely(ctx, t, args)
		if !result.IsError() || !isRetryableToolError(result) {
			return result
		}
		lastResult = result
	}
	return lastResult
}

// isRetryableToolError reports whether an Err result's message indicates a
// transient upstream condition worth retrying (rate limiting), as opposed
// to a permanent failure (bad arguments, tool bug).
func isRetryableToolError(r message.ToolResult) bool {
	return strings.Contains(r.Message, "429") ||
		strings.Contains(r.Message, "Rate limited") ||
		strings.Contains(r.Message, "Retry-After") ||
		strings.Contains(r.Message, "Try again in")
}
