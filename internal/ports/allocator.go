// Package ports hands out local TCP ports for browser and tooling
// sessions. Allocation is pseudo-random within a configured range,
// bind-tested against the host, and tracked in an in-use set so two live
// sessions never share a port. The set can be rehydrated from persisted
// session leases after a restart.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
)

const (
	defaultRangeStart = 20000
	defaultRangeEnd   = 40000
	maxAttempts       = 50
)

// ErrExhausted is returned when no free port was found within the bounded
// number of attempts. Callers surface it as a port conflict.
var ErrExhausted = errors.New("ports: no free port in range after bounded attempts")

// Allocator tracks which ports this process has handed out. It is safe
// for concurrent use.
type Allocator struct {
	start, end int
	logger     *slog.Logger

	mu    sync.Mutex
	inUse map[int]struct{}
}

// NewAllocator creates an allocator over [start, end). Zero bounds select
// the default range.
func NewAllocator(start, end int, logger *slog.Logger) *Allocator {
	if start <= 0 || end <= start {
		start, end = defaultRangeStart, defaultRangeEnd
	}
	return &Allocator{
		start:  start,
		end:    end,
		logger: logger,
		inUse:  make(map[int]struct{}),
	}
}

// Allocate picks a free port: random candidate in range, skipped if
// already handed out, bind-tested against the host, re-picked on
// conflict. After the attempt bound it returns ErrExhausted rather than
// scanning the whole range.
func (a *Allocator) Allocate() (int, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port := a.start + rand.Intn(a.end-a.start)

		a.mu.Lock()
		if _, taken := a.inUse[port]; taken {
			a.mu.Unlock()
			continue
		}
		// Reserve before the bind test so a concurrent Allocate cannot
		// pick the same candidate.
		a.inUse[port] = struct{}{}
		a.mu.Unlock()

		if err := bindTest(port); err != nil {
			a.Release(port)
			continue
		}
		return port, nil
	}
	a.logger.Warn("port allocation exhausted",
		slog.Int("range_start", a.start),
		slog.Int("range_end", a.end),
		slog.Int("in_use", a.InUse()),
	)
	return 0, fmt.Errorf("range %d-%d: %w", a.start, a.end, ErrExhausted)
}

// Release returns a port to the free set. Releasing a port that was never
// allocated is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

// MarkInUse records a port as taken without a bind test. Used to
// rehydrate the set from persisted session leases at startup.
func (a *Allocator) MarkInUse(port int) {
	a.mu.Lock()
	a.inUse[port] = struct{}{}
	a.mu.Unlock()
}

// InUse returns the number of ports currently handed out.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// bindTest confirms the host side of the port is actually free. Something
// outside this process may hold it even when our set says otherwise.
func bindTest(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return l.Close()
}
