package vgpu

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure. The set is closed: every error produced by the
// codec, the engine, the submission manager and the backends maps onto
// exactly one Kind.
//
// Kind implements error so that it can be used as an errors.Is target.
type Kind uint8

const (
	// KindNone is the zero Kind; KindOf returns it for a nil error.
	KindNone Kind = iota

	// Decode-time.
	KindTruncatedStream
	KindUnknownOp
	KindInvalidField
	KindInvalidHeader

	// Validation-time.
	KindUnknownHandle
	KindMismatch
	KindHandleAlreadyLive
	KindOutOfRange

	// Engine precondition.
	KindPipelineNotReady

	// Context creation.
	KindUnsupportedCapability

	// Backend.
	KindBackendFailure

	// Submission-time.
	KindQueueFull
	KindContextShutdown
	KindContextLost
)

var kindNames = [...]string{
	KindNone:                  "none",
	KindTruncatedStream:       "truncated_stream",
	KindUnknownOp:             "unknown_op",
	KindInvalidField:          "invalid_field",
	KindInvalidHeader:         "invalid_header",
	KindUnknownHandle:         "unknown_handle",
	KindMismatch:              "kind_mismatch",
	KindHandleAlreadyLive:     "handle_already_live",
	KindOutOfRange:            "out_of_range",
	KindPipelineNotReady:      "pipeline_not_ready",
	KindUnsupportedCapability: "unsupported_capability",
	KindBackendFailure:        "backend_failure",
	KindQueueFull:             "queue_full",
	KindContextShutdown:       "context_shutdown",
	KindContextLost:           "context_lost",
}

// String returns the machine-readable name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error implements error.
func (k Kind) Error() string { return k.String() }

// IsDecode reports whether k is produced by the codec rather than by
// validation, i.e. whether it points at transport corruption instead of a
// producer bug.
func (k Kind) IsDecode() bool {
	return k >= KindTruncatedStream && k <= KindInvalidHeader
}

// Error is the structured error returned by every vgpu package.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the name of the operation that failed, e.g. "set_render_targets".
	Op string

	// Offset is the byte offset of the faulting op within its stream,
	// or -1 when the failure is not tied to a stream position.
	Offset int

	// Msg is a human-readable detail.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

// Errorf returns a new Error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Offset: -1, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a new Error of the given kind wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Offset: -1, Err: err}
}

// Error returns a single-line message of the form
// "kind: op: detail at offset N: cause".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return singleLine(b.String())
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of err. A nil error yields KindNone; an error
// that does not carry a Kind is treated as a backend failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindBackendFailure
}

// WithOffset returns err annotated with a stream offset. Errors that are
// not *Error are wrapped as backend failures first. Offsets that are already
// set are preserved.
func WithOffset(err error, op string, offset int) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(KindBackendFailure, op, err)
	} else {
		c := *e
		e = &c
	}
	if e.Op == "" {
		e.Op = op
	}
	if e.Offset < 0 {
		e.Offset = offset
	}
	return e
}

func singleLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
