// Package session tracks long-lived interactive sessions bound to
// sandboxes, one unique local port each. The registry is the single
// authority for the no-two-live-sessions-share-a-port invariant inside a
// process; persisted leases let a restarted process rehydrate the in-use
// set instead of double-allocating.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ports"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Session is one live interactive session. The sandbox reference is a
// back-reference, not ownership: terminating the sandbox closes the
// session, closing the session leaves the sandbox alone.
type Session struct {
	ID        string    `json:"id" yaml:"id"`
	SandboxID string    `json:"sandbox_id" yaml:"sandboxId"`
	Port      int       `json:"port" yaml:"port"`
	StartedAt time.Time `json:"started_at" yaml:"startedAt"`
}

// Store persists session leases across process restarts. Nil store keeps
// the registry purely in-memory.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*Session, error)
}

// Registry owns the live session table and its port leases.
type Registry struct {
	alloc   *ports.Allocator
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	byID   map[string]*Session
	byPort map[int]string // port → session id
}

// NewRegistry creates a registry over the allocator. store may be nil.
func NewRegistry(alloc *ports.Allocator, store Store, logger *slog.Logger) *Registry {
	return &Registry{
		alloc:  alloc,
		store:  store,
		logger: logger,
		byID:   make(map[string]*Session),
		byPort: make(map[int]string),
	}
}

// WithMetrics enables the ports-in-use gauge. nil is a no-op.
func (r *Registry) WithMetrics(m *observability.Metrics) *Registry {
	r.metrics = m
	return r
}

func (r *Registry) recordPortsInUse() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	n := len(r.byPort)
	r.mu.Unlock()
	r.metrics.PortsInUse.Set(float64(n))
}

// Open registers a session for the sandbox. port == 0 allocates a fresh
// unique port; an explicit port is honored only if no live session holds
// it and the host-side bind is reserved through the allocator.
func (r *Registry) Open(ctx context.Context, sandboxID string, port int) (*Session, error) {
	if port == 0 {
		p, err := r.alloc.Allocate()
		if err != nil {
			if errors.Is(err, ports.ErrExhausted) {
				return nil, &sandbox.Error{Kind: sandbox.KindPortConflict, SandboxID: sandboxID, Msg: "no free session port", Err: err}
			}
			return nil, err
		}
		port = p
	}

	s := &Session{
		ID:        uuid.NewString(),
		SandboxID: sandboxID,
		Port:      port,
		StartedAt: time.Now().UTC(),
	}

	// Conflict check and table insertion happen in one critical section so
	// racing opens on the same explicit port cannot both win.
	r.mu.Lock()
	if holder, taken := r.byPort[port]; taken {
		r.mu.Unlock()
		return nil, &sandbox.Error{
			Kind:      sandbox.KindPortConflict,
			SandboxID: sandboxID,
			Msg:       "port " + strconv.Itoa(port) + " already held by session " + holder,
		}
	}
	r.alloc.MarkInUse(port)
	r.byID[s.ID] = s
	r.byPort[port] = s.ID
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveSession(ctx, s); err != nil {
			r.logger.WarnContext(ctx, "persisting session lease failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	r.recordPortsInUse()
	r.logger.InfoContext(ctx, "session opened",
		slog.String("session_id", s.ID),
		slog.String("sandbox_id", sandboxID),
		slog.Int("port", port),
	)
	return s, nil
}

// Get returns the live session or a NotFound error.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil, &sandbox.Error{Kind: sandbox.KindNotFound, Msg: "unknown session " + id}
	}
	cp := *s
	return &cp, nil
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// Close removes the session and releases its port. Closing an unknown
// session is a no-op.
func (r *Registry) Close(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byPort, s.Port)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.alloc.Release(s.Port)
	if r.store != nil {
		if err := r.store.DeleteSession(ctx, id); err != nil {
			r.logger.WarnContext(ctx, "deleting session lease failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	r.recordPortsInUse()
	r.logger.InfoContext(ctx, "session closed",
		slog.String("session_id", id),
		slog.Int("port", s.Port),
	)
}

// CloseBySandbox closes every session bound to the sandbox. Wired to the
// manager's terminate hook so sandbox death reclaims session ports.
func (r *Registry) CloseBySandbox(ctx context.Context, sandboxID string) int {
	r.mu.Lock()
	var ids []string
	for id, s := range r.byID {
		if s.SandboxID == sandboxID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Close(ctx, id)
	}
	return len(ids)
}

// Restore loads persisted leases and marks their ports in use, so a
// restarted process cannot hand a leased port to a new session.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	leases, err := r.store.ListSessions(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, s := range leases {
		if _, exists := r.byID[s.ID]; exists {
			continue
		}
		cp := *s
		r.byID[s.ID] = &cp
		r.byPort[s.Port] = s.ID
		r.alloc.MarkInUse(s.Port)
	}
	r.mu.Unlock()

	r.recordPortsInUse()
	if len(leases) > 0 {
		r.logger.InfoContext(ctx, "session leases restored",
			slog.Int("count", len(leases)),
		)
	}
	return nil
}
