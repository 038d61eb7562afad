package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies sandbox errors so callers can tell "retry is safe"
// (provision, transport) from "permanently invalid" (not found, invalid
// state) without parsing messages.
type Kind string

const (
	// KindProvision: the backend failed to create or start an instance.
	KindProvision Kind = "provision_error"
	// KindNotFound: unknown sandbox id.
	KindNotFound Kind = "not_found"
	// KindInvalidState: operation not valid for the current lifecycle state.
	KindInvalidState Kind = "invalid_state"
	// KindTimeout: an exec exceeded its bound; the remote process was killed.
	KindTimeout Kind = "timeout"
	// KindNotPublished: port resolution requested before anything listens.
	KindNotPublished Kind = "not_published"
	// KindPortConflict: no free session port after bounded retries.
	KindPortConflict Kind = "port_conflict"
	// KindTransport: connectivity failure to the backend, distinct from
	// the remote command's own failure.
	KindTransport Kind = "transport_error"
	// KindTerminated: the sandbox was terminated while the operation ran.
	KindTerminated Kind = "sandbox_terminated"
)

// Error is the typed error returned by every component in this package.
// It always carries the sandbox id when one applies.
type Error struct {
	Kind      Kind
	SandboxID string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.SandboxID != "" {
		prefix = fmt.Sprintf("sandbox %s: %s", e.SandboxID, e.Kind)
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", prefix, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return prefix
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by Kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindNotFound}) work regardless of id/message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err carries the given error kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ErrKind extracts the Kind from err, or "" if err is not a sandbox error.
func ErrKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func errf(kind Kind, sandboxID, format string, args ...any) *Error {
	return &Error{Kind: kind, SandboxID: sandboxID, Msg: fmt.Sprintf(format, args...)}
}

func wrapf(kind Kind, sandboxID string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, SandboxID: sandboxID, Msg: fmt.Sprintf(format, args...), Err: err}
}
