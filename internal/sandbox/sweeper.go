package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSweepInterval = 30 * time.Second

// Sweeper periodically terminates expired sandboxes. One sweep scans the
// registry and drives each expired sandbox through the normal terminate
// path, so hooks and persistence fire the same way as for a requested
// kill.
type Sweeper struct {
	manager  *Manager
	logger   *slog.Logger
	interval time.Duration

	cron *cron.Cron
}

// NewSweeper creates a sweeper over the manager. interval <= 0 uses the
// default.
func NewSweeper(m *Manager, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{manager: m, logger: logger, interval: interval}
}

// Start schedules the periodic sweep. Returns an error if the schedule
// cannot be registered.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling expiry sweep: %w", err)
	}
	s.cron.Start()
	s.logger.InfoContext(ctx, "expiry sweeper started",
		slog.Duration("interval", s.interval),
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep(ctx context.Context) {
	if n := s.manager.SweepExpired(ctx); n > 0 {
		s.logger.InfoContext(ctx, "expired sandboxes reclaimed",
			slog.Int("count", n),
		)
	}
}
