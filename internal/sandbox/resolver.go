package sandbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jkaninda/sanduku/internal/backend"
)

// HostResolver turns an internal sandbox port into an externally
// reachable URL. Resolution always queries the substrate's live publish
// mapping; nothing is cached, so a listener that came up after sandbox
// creation resolves on the next call.
type HostResolver struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHostResolver creates a resolver over the manager's adapter.
func NewHostResolver(m *Manager, logger *slog.Logger) *HostResolver {
	return &HostResolver{manager: m, logger: logger}
}

// Resolve returns the external URL for the sandbox's internal port.
// A port with no publish mapping or no live listener yields
// KindNotPublished; the caller retries after its service binds the port.
func (r *HostResolver) Resolve(ctx context.Context, id string, port int) (string, error) {
	e, err := r.manager.entry(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	state := e.sb.State
	backendID := e.sb.BackendID
	e.mu.Unlock()

	switch state {
	case StateTerminated, StateExpiring:
		return "", errf(KindTerminated, id, "sandbox is %s", state)
	case StateProvisioning:
		return "", errf(KindInvalidState, id, "sandbox is still provisioning")
	}

	url, err := r.manager.adapter.ResolvePort(ctx, backendID, port)
	if err != nil {
		if errors.Is(err, backend.ErrNotPublished) {
			return "", wrapf(KindNotPublished, id, err, "port %d has no live listener or publish mapping", port)
		}
		if errors.Is(err, backend.ErrNotFound) {
			return "", wrapf(KindTransport, id, err, "backend instance missing while resolving port %d", port)
		}
		return "", wrapf(KindTransport, id, err, "resolving port %d", port)
	}

	r.logger.DebugContext(ctx, "port resolved",
		slog.String("sandbox_id", id),
		slog.Int("port", port),
		slog.String("url", url),
	)
	return url, nil
}
