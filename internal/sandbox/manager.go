package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/observability"
)

const (
	defaultLifetime      = 30 * time.Minute
	defaultExecTimeout   = 60 * time.Second
	defaultStartupWindow = 30 * time.Second

	instancePrefix = "sanduku-sbx-"
)

// Template describes a base environment profile a sandbox can be created
// from. Image naming is substrate-specific; publish ports are the internal
// ports the substrate maps to dynamically assigned external addresses.
type Template struct {
	Name         string
	Image        string
	PublishPorts []int
	Env          map[string]string
}

// RecordStore persists sandbox records so a restarted process can pick up
// still-running instances. Nil store = purely in-memory registry.
type RecordStore interface {
	SaveSandbox(ctx context.Context, sb *Sandbox) error
	DeleteSandbox(ctx context.Context, id string) error
	ListSandboxes(ctx context.Context) ([]*Sandbox, error)
}

// ManagerConfig configures lifecycle defaults.
type ManagerConfig struct {
	DefaultLifetime    time.Duration // Sandbox lifetime when the caller passes zero.
	DefaultExecTimeout time.Duration // Exec timeout when options pass zero.
	StartupWindow      time.Duration // Bound on backend readiness wait.
}

// Manager owns the authoritative state of every sandbox and enforces valid
// lifecycle transitions. Per-sandbox transitions are serialized by one
// mutex per entry; operations on different sandboxes proceed in parallel.
type Manager struct {
	adapter   backend.Adapter
	store     RecordStore
	templates map[string]Template
	metrics   *observability.Metrics
	logger    *slog.Logger
	cfg       ManagerConfig

	mu      sync.RWMutex
	entries map[string]*entry

	hookMu      sync.Mutex
	onTerminate []func(sandboxID string)
}

// entry is the registry slot for one sandbox. mu guards state transitions;
// opMu serializes exec and file operations so a single caller observes its
// own submission order.
type entry struct {
	mu sync.Mutex
	sb Sandbox

	opMu        sync.Mutex
	execCancels map[int]context.CancelFunc // In-flight foreground execs, keyed by token.
	nextExec    int
}

// NewManager creates a Manager over the given adapter. templates maps
// template names to profiles; store and metrics may be nil.
func NewManager(adapter backend.Adapter, templates map[string]Template, store RecordStore, metrics *observability.Metrics, logger *slog.Logger, cfg ManagerConfig) *Manager {
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = defaultLifetime
	}
	if cfg.DefaultExecTimeout <= 0 {
		cfg.DefaultExecTimeout = defaultExecTimeout
	}
	if cfg.StartupWindow <= 0 {
		cfg.StartupWindow = defaultStartupWindow
	}
	if templates == nil {
		templates = map[string]Template{}
	}
	return &Manager{
		adapter:   adapter,
		store:     store,
		templates: templates,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		entries:   make(map[string]*entry),
	}
}

// OnTerminate registers a hook invoked after a sandbox reaches terminated.
// Hooks run outside the sandbox lock.
func (m *Manager) OnTerminate(fn func(sandboxID string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onTerminate = append(m.onTerminate, fn)
}

// Create provisions a fresh sandbox from the named template and blocks
// until it is ready or the startup window elapses.
func (m *Manager) Create(ctx context.Context, template string, lifetime time.Duration) (*Sandbox, error) {
	tmpl, ok := m.templates[template]
	if !ok && template != "" {
		return nil, errf(KindProvision, "", "unknown template %q", template)
	}
	if lifetime <= 0 {
		lifetime = m.cfg.DefaultLifetime
	}

	id := uuid.NewString()
	backendID := instancePrefix + strings.ReplaceAll(id, "-", "")[:12]
	now := time.Now().UTC()

	e := &entry{sb: Sandbox{
		ID:        id,
		Template:  template,
		State:     StateProvisioning,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
		BackendID: backendID,
	}}

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()

	inst, err := m.adapter.Create(ctx, backend.CreateSpec{
		Name:          backendID,
		Template:      tmpl.Image,
		Env:           tmpl.Env,
		PublishPorts:  tmpl.PublishPorts,
		StartupWindow: m.cfg.StartupWindow,
	})
	if err != nil {
		e.mu.Lock()
		e.sb.State = StateTerminated
		e.mu.Unlock()
		if m.metrics != nil {
			m.metrics.SandboxesCreated.WithLabelValues(template, "error").Inc()
		}
		return nil, wrapf(KindProvision, id, err, "provisioning from template %q", template)
	}

	e.mu.Lock()
	e.sb.BackendID = inst.ID
	e.sb.State = StateReady
	sb := e.sb
	e.mu.Unlock()

	m.persist(ctx, &sb)
	if m.metrics != nil {
		m.metrics.SandboxesCreated.WithLabelValues(template, "ok").Inc()
		m.metrics.SandboxesActive.Inc()
	}
	m.logger.InfoContext(ctx, "sandbox created",
		slog.String("sandbox_id", id),
		slog.String("template", template),
		slog.Time("expires_at", sb.ExpiresAt),
	)
	return &sb, nil
}

// Get returns a snapshot of the sandbox.
func (m *Manager) Get(id string) (*Sandbox, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	sb := e.sb
	e.mu.Unlock()
	return &sb, nil
}

// List returns snapshots of all known sandboxes, including terminated ones.
func (m *Manager) List() []*Sandbox {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*Sandbox, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sb := e.sb
		e.mu.Unlock()
		out = append(out, &sb)
	}
	return out
}

// Extend pushes the expiry deadline forward. Extending a terminated
// sandbox is an InvalidState error; extending during a sweep loses the
// race cleanly because both paths hold the sandbox lock.
func (m *Manager) Extend(ctx context.Context, id string, d time.Duration) (*Sandbox, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.sb.State == StateTerminated || e.sb.State == StateExpiring {
		state := e.sb.State
		e.mu.Unlock()
		return nil, errf(KindInvalidState, id, "cannot extend sandbox in state %s", state)
	}
	e.sb.ExpiresAt = e.sb.ExpiresAt.Add(d)
	sb := e.sb
	e.mu.Unlock()

	m.persist(ctx, &sb)
	m.logger.InfoContext(ctx, "sandbox lifetime extended",
		slog.String("sandbox_id", id),
		slog.Duration("by", d),
		slog.Time("expires_at", sb.ExpiresAt),
	)
	return &sb, nil
}

// Terminate moves the sandbox to terminated and destroys the backend
// instance. Idempotent: terminating an already-terminated sandbox is a
// no-op. A foreground exec racing this call is aborted.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	return m.terminate(ctx, e, "requested", false)
}

// terminate drives the expiring → terminated transition. With onlyIfExpired
// set, the deadline is re-checked inside the same critical section as the
// state transition, so an Extend that already landed cancels the kill.
func (m *Manager) terminate(ctx context.Context, e *entry, reason string, onlyIfExpired bool) error {
	e.mu.Lock()
	if e.sb.State == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	if onlyIfExpired && !e.sb.Expired(time.Now().UTC()) {
		e.mu.Unlock()
		return nil
	}
	e.sb.State = StateExpiring
	// Abort every in-flight foreground exec; each surfaces as
	// KindTerminated to its caller.
	for _, cancel := range e.execCancels {
		cancel()
	}
	backendID := e.sb.BackendID
	id := e.sb.ID

	if err := m.adapter.Destroy(ctx, backendID); err != nil {
		// Stay in expiring so a retry can finish the job.
		e.mu.Unlock()
		return wrapf(KindTransport, id, err, "destroying backend instance %s", backendID)
	}
	e.sb.State = StateTerminated
	sb := e.sb
	e.mu.Unlock()

	m.persist(ctx, &sb)
	if m.metrics != nil {
		m.metrics.SandboxesTerminated.WithLabelValues(reason).Inc()
		m.metrics.SandboxesActive.Dec()
	}
	m.logger.InfoContext(ctx, "sandbox terminated",
		slog.String("sandbox_id", id),
		slog.String("reason", reason),
	)

	m.hookMu.Lock()
	hooks := append([]func(string){}, m.onTerminate...)
	m.hookMu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
	return nil
}

// SweepExpired terminates every sandbox whose deadline has passed. The
// deadline is re-checked under the sandbox lock so an Extend racing the
// sweep wins or loses atomically, never partially.
func (m *Manager) SweepExpired(ctx context.Context) int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	swept := 0
	now := time.Now().UTC()
	for _, e := range entries {
		e.mu.Lock()
		id := e.sb.ID
		expired := e.sb.State != StateTerminated && e.sb.Expired(now)
		e.mu.Unlock()
		if !expired {
			continue
		}
		if err := m.terminateIfExpired(ctx, e); err != nil {
			m.logger.ErrorContext(ctx, "expiry sweep failed for sandbox",
				slog.String("sandbox_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		swept++
	}
	return swept
}

// terminateIfExpired terminates with the deadline re-checked under the
// sandbox lock, so an Extend racing the sweep wins or loses atomically.
func (m *Manager) terminateIfExpired(ctx context.Context, e *entry) error {
	return m.terminate(ctx, e, "expired", true)
}

// Restore loads persisted sandbox records into the registry. Instances
// that died while the process was down surface transport errors on first
// use and can be terminated normally.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.ListSandboxes(ctx)
	if err != nil {
		return wrapf(KindTransport, "", err, "loading sandbox records")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, sb := range records {
		if sb.State == StateTerminated {
			continue
		}
		if _, exists := m.entries[sb.ID]; exists {
			continue
		}
		m.entries[sb.ID] = &entry{sb: *sb}
		restored++
	}
	if restored > 0 {
		m.logger.InfoContext(ctx, "sandbox registry restored",
			slog.Int("count", restored),
		)
	}
	return nil
}

// Adapter exposes the backend for components layered on the manager.
func (m *Manager) Adapter() backend.Adapter { return m.adapter }

// Templates returns the configured template profiles.
func (m *Manager) Templates() map[string]Template { return m.templates }

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errf(KindNotFound, id, "unknown sandbox")
	}
	return e, nil
}

// persist best-effort saves the record; registry state remains
// authoritative in-process.
func (m *Manager) persist(ctx context.Context, sb *Sandbox) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSandbox(ctx, sb); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.WarnContext(ctx, "persisting sandbox record failed",
			slog.String("sandbox_id", sb.ID),
			slog.String("error", err.Error()),
		)
	}
}

// beginForegroundExec transitions ready → busy and installs the cancel
// function Terminate uses to abort the exec. Returns the entry and a
// release callback that restores ready once the last in-flight exec is
// done (unless the sandbox was terminated meanwhile).
func (m *Manager) beginForegroundExec(id string, cancel context.CancelFunc) (*entry, func(), error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	switch e.sb.State {
	case StateReady, StateBusy:
		// Busy is allowed: per-sandbox opMu serializes the actual calls.
	case StateTerminated, StateExpiring:
		state := e.sb.State
		e.mu.Unlock()
		return nil, nil, errf(KindTerminated, id, "sandbox is %s", state)
	default:
		state := e.sb.State
		e.mu.Unlock()
		return nil, nil, errf(KindInvalidState, id, "sandbox is %s", state)
	}
	e.sb.State = StateBusy
	if e.execCancels == nil {
		e.execCancels = make(map[int]context.CancelFunc)
	}
	token := e.nextExec
	e.nextExec++
	e.execCancels[token] = cancel
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.execCancels, token)
		if len(e.execCancels) == 0 && e.sb.State == StateBusy {
			e.sb.State = StateReady
		}
		e.mu.Unlock()
	}
	return e, release, nil
}
