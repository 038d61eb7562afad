// Package backend defines the pluggable adapter to the isolation substrate.
// The orchestration core consumes only these primitives: create/destroy an
// instance, run a command inside it, copy bytes in and out, and resolve a
// published port to a reachable address. Everything else (lifecycle state,
// pooling, expiry) lives above this interface so the substrate stays
// swappable.
package backend

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all adapter implementations.
var (
	// ErrNotFound is returned when the instance does not exist at the substrate.
	ErrNotFound = errors.New("backend: instance not found")
	// ErrNotPublished is returned when nothing is listening or published on
	// the requested port.
	ErrNotPublished = errors.New("backend: port not published")
	// ErrStartupTimeout is returned when the instance did not become ready
	// within the startup window.
	ErrStartupTimeout = errors.New("backend: instance startup timed out")
)

// CreateSpec describes the instance to provision.
type CreateSpec struct {
	// Name is the substrate-side instance name. Must be unique.
	Name string

	// Template identifies the base environment image/profile.
	Template string

	// Env is the initial environment for the instance.
	Env map[string]string

	// PublishPorts lists internal ports to publish with dynamically
	// assigned external addresses. Resolution of the assigned address goes
	// through ResolvePort; it is never derivable from the create spec.
	PublishPorts []int

	// StartupWindow bounds how long Create waits for the instance to
	// report ready. Zero = adapter default.
	StartupWindow time.Duration
}

// Instance is a provisioned environment at the substrate.
type Instance struct {
	// ID is the substrate-side identifier used by all other calls.
	ID string
}

// ExecRequest describes one command execution inside an instance.
type ExecRequest struct {
	// Command is the argv to execute. Never interpolated into a shell
	// string by the adapter.
	Command []string

	// WorkingDir overrides the working directory. Empty = instance default.
	WorkingDir string

	// Env adds environment variables for this execution.
	Env map[string]string

	// Detach launches the command and returns after launch acknowledgment
	// without collecting output.
	Detach bool
}

// ExecResult is the structured outcome of a completed execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Adapter is the substrate interface. Implementations must be safe for
// concurrent use; the orchestrator calls them from many goroutines.
type Adapter interface {
	// Name identifies the adapter for logging and metrics.
	Name() string

	// Ping verifies connectivity to the substrate.
	Ping(ctx context.Context) error

	// Create provisions and starts an instance, blocking until it is
	// ready or the startup window elapses (ErrStartupTimeout).
	Create(ctx context.Context, spec CreateSpec) (*Instance, error)

	// Destroy stops and removes an instance. Destroying an instance that
	// no longer exists is not an error.
	Destroy(ctx context.Context, instanceID string) error

	// Exec runs a command inside the instance. Cancellation of ctx must
	// forcibly terminate the remote process, not merely stop waiting.
	Exec(ctx context.Context, instanceID string, req ExecRequest) (*ExecResult, error)

	// CopyIn transfers a local file or directory into the instance,
	// byte-exact, preserving permissions where the substrate supports it.
	CopyIn(ctx context.Context, instanceID, localPath, remotePath string) error

	// CopyOut transfers a remote file or directory out of the instance.
	CopyOut(ctx context.Context, instanceID, remotePath, localPath string) error

	// ResolvePort returns the externally reachable URL for an internal
	// port, queried from the substrate's live publish mapping. Returns
	// ErrNotPublished when no listener is up or no mapping exists.
	ResolvePort(ctx context.Context, instanceID string, port int) (string, error)
}
