package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/observability"
)

// ExecClient runs commands inside sandboxes and returns structured
// results. It performs no local state mutation beyond the lifecycle
// busy/ready transitions it borrows from the Manager.
type ExecClient struct {
	manager *Manager
	metrics *observability.Metrics
	tracer  *observability.TracerSetup
	logger  *slog.Logger
}

// NewExecClient creates an ExecClient over the manager's adapter.
func NewExecClient(m *Manager, metrics *observability.Metrics, logger *slog.Logger) *ExecClient {
	return &ExecClient{manager: m, metrics: metrics, logger: logger}
}

// WithTracer enables a span per foreground exec. nil is a no-op.
func (c *ExecClient) WithTracer(t *observability.TracerSetup) *ExecClient {
	c.tracer = t
	return c
}

// Exec runs command inside the sandbox.
//
// Foreground runs block until completion, timeout (the remote process is
// forcibly killed before the Timeout error returns), or termination of the
// sandbox (KindTerminated). Background runs return immediately after
// launch acknowledgment with an empty result.
//
// Operations issued by one caller against one sandbox are observed in
// submission order; callers racing each other get no mutual ordering.
func (c *ExecClient) Exec(ctx context.Context, id string, command []string, opts ExecOptions) (*ExecResult, error) {
	if len(command) == 0 {
		return nil, errf(KindInvalidState, id, "empty command")
	}

	argv := command
	if opts.Shell {
		argv = []string{"/bin/sh", "-c", strings.Join(command, " ")}
	}
	req := backend.ExecRequest{
		Command:    argv,
		WorkingDir: opts.WorkingDir,
		Env:        opts.Env,
		Detach:     opts.Background,
	}

	if opts.Background {
		return c.launchDetached(ctx, id, req)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.manager.cfg.DefaultExecTimeout
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e, release, err := c.manager.beginForegroundExec(id, cancel)
	if err != nil {
		return nil, err
	}
	defer release()

	e.mu.Lock()
	backendID := e.sb.BackendID
	template := e.sb.Template
	e.mu.Unlock()

	// Serialize exec and file operations per sandbox.
	e.opMu.Lock()
	defer e.opMu.Unlock()

	timeoutCtx, timeoutCancel := context.WithTimeout(execCtx, timeout)
	defer timeoutCancel()

	timeoutCtx, span := c.tracer.StartSpan(timeoutCtx, "sandbox.exec", id,
		observability.AttrTemplate.String(template))
	defer span.End()

	c.logger.InfoContext(ctx, "sandbox exec",
		slog.String("sandbox_id", id),
		slog.Any("command", command),
		slog.Bool("shell", opts.Shell),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	res, err := c.manager.adapter.Exec(timeoutCtx, backendID, req)
	duration := time.Since(start)

	if err != nil {
		kind, msg := c.classifyExecFailure(e, execCtx, timeoutCtx, timeout)
		if c.metrics != nil {
			c.metrics.ExecsTotal.WithLabelValues(string(kind)).Inc()
		}
		return nil, wrapf(kind, id, err, "%s", msg)
	}

	if c.metrics != nil {
		c.metrics.ExecsTotal.WithLabelValues("ok").Inc()
		c.metrics.ExecDuration.Observe(duration.Seconds())
	}
	return &ExecResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: duration,
	}, nil
}

// launchDetached starts a background process and returns after the launch
// acknowledgment. The sandbox stays ready; the process is bounded only by
// the sandbox lifetime.
func (c *ExecClient) launchDetached(ctx context.Context, id string, req backend.ExecRequest) (*ExecResult, error) {
	sb, err := c.manager.Get(id)
	if err != nil {
		return nil, err
	}
	switch sb.State {
	case StateTerminated, StateExpiring:
		return nil, errf(KindTerminated, id, "sandbox is %s", sb.State)
	case StateProvisioning:
		return nil, errf(KindInvalidState, id, "sandbox is still provisioning")
	}

	if _, err := c.manager.adapter.Exec(ctx, sb.BackendID, req); err != nil {
		if c.metrics != nil {
			c.metrics.ExecsTotal.WithLabelValues(string(KindTransport)).Inc()
		}
		return nil, wrapf(KindTransport, id, err, "launching background command")
	}
	if c.metrics != nil {
		c.metrics.ExecsTotal.WithLabelValues("detached").Inc()
	}
	c.logger.InfoContext(ctx, "background command launched",
		slog.String("sandbox_id", id),
		slog.Any("command", req.Command),
	)
	return &ExecResult{}, nil
}

// classifyExecFailure distinguishes the three ways a foreground exec dies:
// the sandbox was terminated underneath it, the timeout fired (remote
// process already killed by the adapter), or the transport broke.
func (c *ExecClient) classifyExecFailure(e *entry, execCtx, timeoutCtx context.Context, timeout time.Duration) (Kind, string) {
	e.mu.Lock()
	state := e.sb.State
	e.mu.Unlock()
	if state == StateTerminated || state == StateExpiring {
		return KindTerminated, "sandbox terminated during execution"
	}
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && execCtx.Err() == nil {
		return KindTimeout, "execution timed out after " + timeout.String() + "; remote process killed"
	}
	return KindTransport, "execution failed"
}
