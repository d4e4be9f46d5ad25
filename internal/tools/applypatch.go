package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/xonecas/agentcore/internal/approval"
	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/tool"
	"github.com/xonecas/agentcore/internal/wire"
)

const applyPatchSchema = `{
	"type": "object",
	"properties": {
		"path":    {"type": "string", "description": "Path to the file to write, relative to the workspace root"},
		"content": {"type": "string", "description": "The file's full new content"}
	},
	"required": ["path", "content"]
}`

type applyPatchArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ApplyPatchFactory builds the ApplyPatch tool: an approval-gated whole-file
// write previewed as a unified diff against the file's current content (or
// against empty, for a new file). Requires "approval_gate"
// (*approval.Gate) and optionally "workspace_root" (string).
//
// Grounded on the teacher's mcptools.NewEditTool/EditHandler for the
// approval-then-write shape, and on
// _examples/original_source/src/kimi_cli/tools/file/diff_utils.py for the
// diff-preview idea — generalized to a single unified diff (via
// hexops/gotextdiff, the same library the teacher's own editor-diff flow
// in internal/tui/messages.go uses) instead of per-hunk DisplayBlocks.
func ApplyPatchFactory(in *tool.Injector) (tool.Tool, error) {
	gate, err := tool.Require[*approval.Gate](in, "ApplyPatch", "approval_gate")
	if err != nil {
		return tool.Tool{}, err
	}
	root := tool.Optional[string](in, "workspace_root", "")

	return tool.Tool{
		Name:        "ApplyPatch",
		Description: "Write a file's full content, after the user approves a unified diff of the change.",
		Schema:      json.RawMessage(applyPatchSchema),
		Handle: func(ctx context.Context, rawArgs json.RawMessage) message.ToolResult {
			var args applyPatchArgs
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return message.Err(fmt.Sprintf("invalid arguments: %v", err), "bad arguments")
			}
			if args.Path == "" {
				return message.Err("path is required", "bad arguments")
			}

			absPath := args.Path
			if root != "" && !filepath.IsAbs(absPath) {
				absPath = filepath.Join(root, absPath)
			}

			before := ""
			if data, err := os.ReadFile(absPath); err == nil {
				before = string(data)
			} else if !os.IsNotExist(err) {
				return message.Err(fmt.Sprintf("reading %s: %v", args.Path, err), "read failed")
			}

			diff := unifiedDiff(args.Path, before, args.Content)
			if diff == "" {
				return message.Ok("no changes", "file already matches the requested content")
			}

			ok, err := gate.Request(ctx, "ApplyPatch", "write file", "write "+args.Path,
				[]wire.DisplayItem{{Kind: "diff", Data: diff}})
			if err != nil {
				return message.Err(err.Error(), "approval failed")
			}
			if !ok {
				return message.Err("rejected by user", rejectedBrief)
			}

			if dir := filepath.Dir(absPath); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return message.Err(fmt.Sprintf("creating directories for %s: %v", args.Path, err), "write failed")
				}
			}
			if err := os.WriteFile(absPath, []byte(args.Content), 0600); err != nil {
				return message.Err(fmt.Sprintf("writing %s: %v", args.Path, err), "write failed")
			}

			return message.Ok(
				fmt.Sprintf("wrote %s", args.Path),
				fmt.Sprintf("%s updated", args.Path),
				message.DisplayBlock{Kind: "diff", Data: json.RawMessage(mustMarshal(diff))},
			)
		},
	}, nil
}

func unifiedDiff(path, before, after string) string {
	uri := span.URIFromPath(path)
	edits := myers.ComputeEdits(uri, before, after)
	if len(edits) == 0 {
		return ""
	}
	return fmt.Sprint(gotextdiff.ToUnified(path, path, before, edits))
}

func mustMarshal(s string) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return data
}
