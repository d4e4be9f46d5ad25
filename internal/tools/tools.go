// Package tools provides a handful of concrete, approval-gated tools
// (Shell, ApplyPatch, AskUserQuestion) that exercise the Tool Registry, the
// Approval Gate, and the Wire end to end. These are illustrative, not the
// "concrete tool implementations" (Read, Edit, Grep, WebFetch, WebSearch,
// LSP indexing, git) spec.md places out of scope as a category — just
// enough surface to prove the Dispatcher's contract works.
package tools

// rejectedBrief is the ToolResult.Brief sentinel the Agent Loop inspects
// to end a Turn with wire.OutcomeToolRejected instead of feeding the
// rejection back to the model as an ordinary tool error (same convention
// as agentloop.rejectedBrief).
const rejectedBrief = "rejected"
