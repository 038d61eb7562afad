// Package sandbox implements the orchestration core: the authoritative
// registry of sandbox instances, their lifecycle state machine, the warm
// pool, command execution, file transfer, and host resolution. All remote
// effects go through the backend.Adapter — this package never talks to the
// isolation substrate directly.
package sandbox

import (
	"time"
)

// State is the lifecycle state of a sandbox.
//
// Transitions are monotonic except for the controlled busy → ready reset:
//
//	provisioning → ready ⇄ busy → expiring → terminated
//
// Nothing transitions backward out of terminated.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateExpiring     State = "expiring"
	StateTerminated   State = "terminated"
)

// Sandbox is a snapshot of one isolated execution environment.
// The Manager owns the authoritative copy; values handed to callers are
// copies and only the ID should be retained across calls.
type Sandbox struct {
	ID         string    `json:"id"`
	Template   string    `json:"template"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	PoolOrigin bool      `json:"pool_origin"` // Claimed from the warm pool.

	// BackendID is the adapter-side instance identifier (e.g. container name).
	BackendID string `json:"backend_id"`
}

// Expired reports whether the sandbox deadline has passed at the given time.
func (s *Sandbox) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// ExecResult captures the outcome of a command run inside a sandbox.
// A non-zero ExitCode is data, not an error — only transport, timeout,
// and lifecycle failures surface as errors.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// ExecOptions control a single execution.
type ExecOptions struct {
	// WorkingDir overrides the working directory. Empty = backend default.
	WorkingDir string

	// Shell runs the command through "/bin/sh -c", enabling pipes and
	// multi-command strings. Off = direct argv execution.
	Shell bool

	// Env adds environment variables for this execution only.
	Env map[string]string

	// Timeout is the hard cap. Exceeding it kills the remote process and
	// returns a Timeout error. Zero = manager default.
	Timeout time.Duration

	// Background returns immediately after launch without waiting.
	// Used for long-running servers. Stdout/stderr are not collected.
	Background bool
}
