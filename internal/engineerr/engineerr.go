// Package engineerr defines the core's error-kind taxonomy (spec §7) and the
// retryable-status classification shared by the Model Client and the Tool
// Dispatcher's upstream-tool retry path.
package engineerr

import (
	"errors"
	"fmt"
	"io"
)

// Kind is a closed taxonomy of error categories the Agent Loop reacts to
// differently. It is attached to an error via Wrap and recovered via
// KindOf; callers that don't care still see a normal error via Error().
type Kind int

const (
	// KindUnknown is the zero value: treat like a fatal error.
	KindUnknown Kind = iota
	KindConfiguration
	KindStorage
	KindModelRetryable
	KindModelFatal
	KindToolArgumentInvalid
	KindToolExecutionFailure
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindStorage:
		return "storage"
	case KindModelRetryable:
		return "model_retryable"
	case KindModelFatal:
		return "model_fatal"
	case KindToolArgumentInvalid:
		return "tool_argument_invalid"
	case KindToolExecutionFailure:
		return "tool_execution_failure"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// kindError attaches a Kind to a wrapped error.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// Wrap attaches kind to err. Wrapping nil returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf recovers the Kind attached by Wrap, or KindUnknown if err was never
// wrapped (or is nil).
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsRetryable reports whether err represents a transient condition the
// Agent Loop's retry policy (spec §4.G) should retry: KindModelRetryable, or
// an HTTP status in {429, 500, 502, 503}, or the Go http client's
// characteristic "unexpected EOF" from a server closing a chunked response
// mid-stream. This unifies the duplicated isTransientStatus checks the
// teacher repeats per-provider into one place (see DESIGN.md).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindModelRetryable {
		return true
	}
	if status, ok := HTTPStatus(err); ok {
		return IsRetryableStatus(status)
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// IsRetryableStatus reports whether an HTTP status code should trigger a
// retry per spec §4.F.
func IsRetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503:
		return true
	default:
		return false
	}
}

// httpStatusError lets provider clients report a status code without the
// engine needing to know about net/http.
type httpStatusError struct {
	status int
	err    error
}

func (e *httpStatusError) Error() string { return e.err.Error() }
func (e *httpStatusError) Unwrap() error { return e.err }

// WrapHTTPStatus attaches an HTTP status code to err for IsRetryable/HTTPStatus
// to recover later. Kind is chosen automatically: retryable statuses get
// KindModelRetryable, everything else KindModelFatal.
func WrapHTTPStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	wrapped := &httpStatusError{status: status, err: err}
	kind := KindModelFatal
	if IsRetryableStatus(status) {
		kind = KindModelRetryable
	}
	return Wrap(kind, wrapped)
}

// HTTPStatus recovers the status code attached by WrapHTTPStatus, if any.
func HTTPStatus(err error) (int, bool) {
	var he *httpStatusError
	if errors.As(err, &he) {
		return he.status, true
	}
	return 0, false
}

// Sentinel errors for conditions with no further detail.
var (
	ErrCancelled      = Wrap(KindCancelled, errors.New("cancelled"))
	ErrUnknownTool    = errors.New("unknown tool")
	ErrToolRejected   = errors.New("rejected by user")
	ErrMissingDep     = errors.New("missing required dependency")
	ErrProviderNotFound = errors.New("provider not found")
)
