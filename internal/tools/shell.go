package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xonecas/agentcore/internal/approval"
	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/tool"
	"github.com/xonecas/agentcore/internal/wire"
)

const shellSchema = `{
	"type": "object",
	"properties": {
		"command":     {"type": "string", "description": "The shell command to execute"},
		"description": {"type": "string", "description": "Brief description of what this command does (5-10 words)"},
		"timeout":     {"type": "integer", "description": "Timeout in seconds (default 60)"}
	},
	"required": ["command", "description"]
}`

type shellArgs struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Timeout     int    `json:"timeout,omitempty"`
}

const (
	maxShellOutputChars = 30000
	maxShellTimeoutSec  = 300 // spec §5: shell per-call cap
	defaultShellTimeout = 60
)

// ShellFactory builds the Shell tool: an approval-gated, in-process POSIX
// shell command. Requires capabilities "approval_gate" (*approval.Gate) and
// optionally "workspace_root" (string, defaults to the process cwd).
//
// Grounded on the teacher's mcptools.NewShellTool/ShellHandler and
// internal/shell.Shell, and on
// _examples/original_source/src/kimi_cli/tools/shell/__init__.py's
// approval-then-run shape (request approval with the command as its
// description, run only once approved).
func ShellFactory(in *tool.Injector) (tool.Tool, error) {
	gate, err := tool.Require[*approval.Gate](in, "Shell", "approval_gate")
	if err != nil {
		return tool.Tool{}, err
	}
	root := tool.Optional[string](in, "workspace_root", "")
	sh := newShellEngine(root, defaultBlockFuncs())

	return tool.Tool{
		Name: "Shell",
		Description: `Execute a shell command in an in-process POSIX interpreter.
Commands run inside the project working directory. Shell state (cwd, env vars) persists across calls within the same session.
Dangerous commands (network, sudo, package managers, system modification) are blocked.
Use this for: running builds, tests, linters, git operations, file manipulation, and inspecting project state.`,
		Schema: json.RawMessage(shellSchema),
		Handle: func(ctx context.Context, rawArgs json.RawMessage) message.ToolResult {
			var args shellArgs
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return message.Err(fmt.Sprintf("invalid arguments: %v", err), "bad arguments")
			}
			if args.Command == "" {
				return message.Err("command is required", "bad arguments")
			}

			ok, err := gate.Request(ctx, "Shell", "run command", args.Description,
				[]wire.DisplayItem{{Kind: "command", Data: args.Command}})
			if err != nil {
				return message.Err(err.Error(), "approval failed")
			}
			if !ok {
				return message.Err("rejected by user", rejectedBrief)
			}

			timeout := defaultShellTimeout
			if args.Timeout > 0 {
				timeout = args.Timeout
			}
			if timeout > maxShellTimeoutSec {
				timeout = maxShellTimeoutSec
			}
			runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
			defer cancel()

			var stdout, stderr bytes.Buffer
			execErr := sh.ExecStream(runCtx, args.Command, &stdout, &stderr)
			code := exitCode(execErr)
			output := formatShellOutput(stdout.String(), stderr.String(), code, runCtx.Err())
			if output == "" {
				output = "(no output)\n"
			}
			if len([]rune(output)) > maxShellOutputChars {
				output = truncateMiddle(output, maxShellOutputChars)
			}

			if code != 0 {
				return message.Err(output, fmt.Sprintf("exit code %d", code))
			}
			return message.Ok(output, "command finished")
		},
	}, nil
}

func formatShellOutput(stdout, stderr string, exitCode int, ctxErr error) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(stdout)
		if !strings.HasSuffix(stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if stderr != "" {
		b.WriteString(stderr)
		if !strings.HasSuffix(stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if ctxErr != nil {
		fmt.Fprintf(&b, "[timed out]\n")
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "[exit code: %d]\n", exitCode)
	}
	return b.String()
}

func truncateMiddle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) + "\n\n... [truncated] ...\n\n" + string(runes[len(runes)-half:])
}
