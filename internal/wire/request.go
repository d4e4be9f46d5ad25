package wire

import "github.com/xonecas/agentcore/internal/engineerr"

// RequestKind discriminates a Request's concrete payload.
type RequestKind string

const (
	RequestApproval RequestKind = "approval"
	RequestQuestion RequestKind = "question"
)

// ApprovalReplyKind is the UI's answer to an ApprovalRequest (spec §4.C).
type ApprovalReplyKind string

const (
	ApprovalApprove          ApprovalReplyKind = "approve"
	ApprovalApproveAndRemember ApprovalReplyKind = "approve_and_remember"
	ApprovalReject           ApprovalReplyKind = "reject"
)

// Question is one question within a QuestionRequest (spec's AskUserQuestion
// supplement, SPEC_FULL §"Supplemented features" item 1).
type Question struct {
	Question    string
	Header      string
	Options     []string // 2..4 labels
	MultiSelect bool
}

// Request is a tagged union of everything the engine asks a UI endpoint to
// answer. Exactly one request is outstanding per endpoint pair at a time
// (spec §5: "single-producer/single-consumer per endpoint pair").
type Request struct {
	Kind RequestKind
	ID   string

	// ApprovalRequest fields.
	ToolName       string
	Action         string
	Description    string
	ApprovalDisplay []DisplayItem

	// QuestionRequest fields.
	Questions []Question
}

// DisplayItem is a UI rendering hint attached to an ApprovalRequest,
// mirroring message.DisplayBlock's open-string-kind shape.
type DisplayItem struct {
	Kind string
	Data string
}

// Reply is the UI's answer to a Request, delivered on the same round trip.
type Reply struct {
	ID string

	Approval ApprovalReplyKind // set when replying to an ApprovalRequest

	// Answers holds one selected label (or several, if MultiSelect) per
	// question in the originating QuestionRequest, same order.
	Answers [][]string
}

// ErrCancelled is returned by Channel.Ask when a cancellation signal aborts
// a pending request (spec §4.B: "a cancellation signal aborts any pending
// request with a Cancelled error").
var ErrCancelled = engineerr.ErrCancelled
