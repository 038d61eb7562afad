package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/observability"
)

const (
	defaultPoolLifetime  = 10 * time.Minute
	poolReplenishRetries = 5
	poolBackoffBase      = 2 * time.Second
	poolBackoffMax       = 2 * time.Minute
)

// PoolConfig sets the warm slot targets. Targets maps template name to the
// number of pre-provisioned sandboxes kept on standby; templates absent
// from the map are not pooled.
type PoolConfig struct {
	Targets map[string]int

	// WarmLifetime bounds how long an unclaimed warm sandbox lives. The
	// claimer typically extends it immediately after claiming.
	WarmLifetime time.Duration

	// ReplenishRetries bounds the backoff loop after a failed fill before
	// the slot is declared permanently failed. Zero = default.
	ReplenishRetries int
}

// Pool keeps warm sandboxes on standby per template so claims skip the
// provisioning latency. Claims hand over exactly one warm sandbox to
// exactly one caller; misses are not errors, the caller falls back to a
// cold Create.
type Pool struct {
	manager *Manager
	metrics *observability.Metrics
	logger  *slog.Logger
	cfg     PoolConfig

	mu   sync.Mutex
	warm map[string][]*Sandbox // template → claimable warm sandboxes

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPool creates a pool over the manager. Call Fill to start provisioning
// warm slots and Close to stop background replenishment. The pool watches
// the manager's terminate hook so warm sandboxes reclaimed by the expiry
// sweeper free their slot and trigger a refill.
func NewPool(m *Manager, metrics *observability.Metrics, logger *slog.Logger, cfg PoolConfig) *Pool {
	if cfg.WarmLifetime <= 0 {
		cfg.WarmLifetime = defaultPoolLifetime
	}
	if cfg.ReplenishRetries <= 0 {
		cfg.ReplenishRetries = poolReplenishRetries
	}
	p := &Pool{
		manager: m,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		warm:    make(map[string][]*Sandbox),
		stopped: make(chan struct{}),
	}
	m.OnTerminate(p.handleTerminated)
	return p
}

// Fill asynchronously provisions every configured warm slot. It returns
// immediately; slots become claimable as their sandboxes reach ready.
func (p *Pool) Fill(ctx context.Context) {
	for template, target := range p.cfg.Targets {
		for i := 0; i < target; i++ {
			p.spawnFill(ctx, template)
		}
	}
}

// Claim atomically removes one warm sandbox for the template. The comma-ok
// result distinguishes a hit from an empty pool; an empty pool never
// blocks or errors. On a hit a replacement fill is started in the
// background.
func (p *Pool) Claim(ctx context.Context, template string) (*Sandbox, bool) {
	p.mu.Lock()
	list := p.warm[template]
	var sb *Sandbox
	now := time.Now().UTC()
	// Skip over entries that expired or died while waiting. Each one
	// discarded is a lost slot and gets a replacement fill below.
	discarded := 0
	for len(list) > 0 {
		candidate := list[0]
		list = list[1:]
		if live, err := p.manager.Get(candidate.ID); err == nil && live.State == StateReady && !live.Expired(now) {
			sb = live
			break
		}
		discarded++
	}
	p.warm[template] = list
	p.mu.Unlock()

	for i := 0; i < discarded; i++ {
		if p.metrics != nil {
			p.metrics.PoolWarm.WithLabelValues(template).Dec()
		}
		p.spawnFill(ctx, template)
	}

	if sb == nil {
		if p.metrics != nil {
			p.metrics.PoolClaims.WithLabelValues(template, "miss").Inc()
		}
		return nil, false
	}

	if p.metrics != nil {
		p.metrics.PoolClaims.WithLabelValues(template, "hit").Inc()
		p.metrics.PoolWarm.WithLabelValues(template).Dec()
	}
	p.logger.InfoContext(ctx, "warm sandbox claimed",
		slog.String("sandbox_id", sb.ID),
		slog.String("template", template),
	)
	p.spawnFill(ctx, template)
	return sb, true
}

// Size returns the number of currently claimable warm sandboxes for the
// template.
func (p *Pool) Size(template string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm[template])
}

// Close stops background replenishment and waits for in-flight fills.
// Warm sandboxes are left registered in the manager; the expiry sweeper
// reclaims them.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

// handleTerminated runs on the manager's terminate hook. A warm sandbox
// reclaimed by the sweeper (or killed directly) frees its slot; refilling
// here keeps the target count without depending on claim traffic.
func (p *Pool) handleTerminated(sandboxID string) {
	p.mu.Lock()
	var template string
	found := false
	for tmpl, list := range p.warm {
		for i, sb := range list {
			if sb.ID == sandboxID {
				p.warm[tmpl] = append(list[:i], list[i+1:]...)
				template = tmpl
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	p.mu.Unlock()
	if !found {
		return
	}

	if p.metrics != nil {
		p.metrics.PoolWarm.WithLabelValues(template).Dec()
	}
	p.logger.Info("warm sandbox reclaimed, refilling slot",
		slog.String("sandbox_id", sandboxID),
		slog.String("template", template),
	)
	p.spawnFill(context.Background(), template)
}

// spawnFill starts a fire-and-forget fill for one slot. The claim path
// never waits on it.
func (p *Pool) spawnFill(ctx context.Context, template string) {
	select {
	case <-p.stopped:
		return
	default:
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.fill(context.WithoutCancel(ctx), template)
	}()
}

// fill provisions one warm sandbox, retrying with exponential backoff up
// to the configured bound, then declares the slot permanently failed.
func (p *Pool) fill(ctx context.Context, template string) {
	backoff := poolBackoffBase
	for attempt := 1; attempt <= p.cfg.ReplenishRetries; attempt++ {
		sb, err := p.manager.Create(ctx, template, p.cfg.WarmLifetime)
		if err == nil {
			sb.PoolOrigin = true
			if e, entryErr := p.manager.entry(sb.ID); entryErr == nil {
				e.mu.Lock()
				e.sb.PoolOrigin = true
				e.mu.Unlock()
			}
			p.mu.Lock()
			p.warm[template] = append(p.warm[template], sb)
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.PoolWarm.WithLabelValues(template).Inc()
			}
			p.logger.InfoContext(ctx, "warm sandbox provisioned",
				slog.String("sandbox_id", sb.ID),
				slog.String("template", template),
			)
			return
		}

		p.logger.WarnContext(ctx, "pool fill attempt failed",
			slog.String("template", template),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if p.metrics != nil {
			p.metrics.PoolFillFailures.WithLabelValues(template).Inc()
		}

		select {
		case <-time.After(backoff):
		case <-p.stopped:
			return
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > poolBackoffMax {
			backoff = poolBackoffMax
		}
	}
	p.logger.ErrorContext(ctx, "pool slot permanently failed",
		slog.String("template", template),
		slog.Int("attempts", p.cfg.ReplenishRetries),
	)
}
