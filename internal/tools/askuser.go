package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xonecas/agentcore/internal/message"
	"github.com/xonecas/agentcore/internal/tool"
	"github.com/xonecas/agentcore/internal/wire"
)

const askUserQuestionSchema = `{
	"type": "object",
	"properties": {
		"questions": {
			"type": "array",
			"description": "1-4 questions to ask the user",
			"minItems": 1,
			"maxItems": 4,
			"items": {
				"type": "object",
				"properties": {
					"question": {"type": "string", "description": "The complete question to ask the user"},
					"header": {"type": "string", "description": "Short label displayed as a tag (max 12 chars)"},
					"options": {
						"type": "array",
						"description": "2-4 available choices",
						"minItems": 2,
						"maxItems": 4,
						"items": {"type": "string"}
					},
					"multi_select": {"type": "boolean", "description": "Whether the user can select multiple options"}
				},
				"required": ["question", "options"]
			}
		}
	},
	"required": ["questions"]
}`

type askUserQuestionParam struct {
	Question    string   `json:"question"`
	Header      string   `json:"header"`
	Options     []string `json:"options"`
	MultiSelect bool     `json:"multi_select"`
}

type askUserQuestionArgs struct {
	Questions []askUserQuestionParam `json:"questions"`
}

// AskUserQuestionFactory builds the AskUserQuestion tool (SPEC_FULL
// supplemented feature: a structured multiple-choice question round trip
// over the Wire, distinct from the Approval Gate's yes/no round trip).
// Requires capability "wire_soul" (wire.SoulSide).
//
// Grounded on
// _examples/original_source/src/kimi_cli/tools/ask_user/__init__.py's
// AskUserQuestion: build a QuestionRequest from the params, send it over
// the Wire, and return the answers as the tool's JSON output.
func AskUserQuestionFactory(in *tool.Injector) (tool.Tool, error) {
	soul, err := tool.Require[wire.SoulSide](in, "AskUserQuestion", "wire_soul")
	if err != nil {
		return tool.Tool{}, err
	}

	return tool.Tool{
		Name:        "AskUserQuestion",
		Description: "Ask the user one or more multiple-choice questions and wait for their answers.",
		Schema:      json.RawMessage(askUserQuestionSchema),
		Handle: func(ctx context.Context, rawArgs json.RawMessage) message.ToolResult {
			var args askUserQuestionArgs
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return message.Err(fmt.Sprintf("invalid arguments: %v", err), "bad arguments")
			}
			if len(args.Questions) == 0 {
				return message.Err("questions is required", "bad arguments")
			}

			questions := make([]wire.Question, len(args.Questions))
			for i, q := range args.Questions {
				if len(q.Options) < 2 || len(q.Options) > 4 {
					return message.Err(fmt.Sprintf("question %d must have 2-4 options", i+1), "bad arguments")
				}
				questions[i] = wire.Question{
					Question:    q.Question,
					Header:      q.Header,
					Options:     q.Options,
					MultiSelect: q.MultiSelect,
				}
			}

			reply, err := soul.Ask(ctx, wire.Request{Kind: wire.RequestQuestion, Questions: questions})
			if err != nil {
				return message.Err(fmt.Sprintf("failed to get user response: %v", err), "question failed")
			}

			output, err := json.Marshal(map[string][][]string{"answers": reply.Answers})
			if err != nil {
				return message.Err(err.Error(), "encode failed")
			}
			return message.Ok(string(output), "user has answered")
		},
	}, nil
}
