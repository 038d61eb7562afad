package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
)

func newTestPool(t *testing.T, m *Manager, targets map[string]int) *Pool {
	t.Helper()
	p := NewPool(m, nil, testLogger(), PoolConfig{
		Targets:      targets,
		WarmLifetime: time.Hour,
	})
	t.Cleanup(p.Close)
	return p
}

func TestPoolFillAndClaim(t *testing.T) {
	m := newTestManager(t, backend.NewMemory())
	p := newTestPool(t, m, map[string]int{"base": 2})
	ctx := context.Background()

	p.Fill(ctx)
	waitFor(t, 2*time.Second, func() bool { return p.Size("base") == 2 })

	sb, ok := p.Claim(ctx, "base")
	if !ok {
		t.Fatal("claim missed with warm sandboxes available")
	}
	if !sb.PoolOrigin {
		t.Fatal("claimed sandbox not marked pool-origin")
	}
	if sb.State != StateReady {
		t.Fatalf("claimed sandbox state = %s, want %s", sb.State, StateReady)
	}
}

func TestPoolClaimMiss(t *testing.T) {
	m := newTestManager(t, backend.NewMemory())
	p := newTestPool(t, m, nil)

	if _, ok := p.Claim(context.Background(), "base"); ok {
		t.Fatal("claim hit on empty pool")
	}
}

// With more claimers than warm sandboxes, each warm sandbox goes to
// exactly one claimer and everyone else gets a clean miss.
func TestPoolClaimAtomic(t *testing.T) {
	const warm = 3
	const claimers = 10

	m := newTestManager(t, backend.NewMemory())
	p := newTestPool(t, m, map[string]int{"base": warm})
	ctx := context.Background()

	p.Fill(ctx)
	waitFor(t, 2*time.Second, func() bool { return p.Size("base") == warm })

	var mu sync.Mutex
	claimed := map[string]int{}
	misses := 0

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			sb, ok := p.Claim(ctx, "base")
			mu.Lock()
			defer mu.Unlock()
			if ok {
				claimed[sb.ID]++
			} else {
				misses++
			}
		}()
	}
	close(start)
	wg.Wait()

	// Replenish fills may have landed between claims, so hits can exceed
	// the initial warm count, but no sandbox may be handed out twice.
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("sandbox %s claimed %d times", id, n)
		}
	}
	if len(claimed)+misses != claimers {
		t.Fatalf("hits %d + misses %d != claimers %d", len(claimed), misses, claimers)
	}
	if len(claimed) < warm {
		t.Fatalf("only %d hits, want at least %d", len(claimed), warm)
	}
}

func TestPoolClaimSkipsTerminated(t *testing.T) {
	m := newTestManager(t, backend.NewMemory())
	p := newTestPool(t, m, map[string]int{"base": 1})
	ctx := context.Background()

	p.Fill(ctx)
	waitFor(t, 2*time.Second, func() bool { return p.Size("base") == 1 })

	// Kill the warm sandbox underneath the pool. The terminate hook frees
	// the slot and refills it, so a later claim may hit the replacement,
	// but never the corpse.
	killed := map[string]bool{}
	for _, sb := range m.List() {
		killed[sb.ID] = true
		if err := m.Terminate(ctx, sb.ID); err != nil {
			t.Fatalf("Terminate: %v", err)
		}
	}

	if sb, ok := p.Claim(ctx, "base"); ok {
		if killed[sb.ID] {
			t.Fatalf("claimed terminated sandbox %s", sb.ID)
		}
		if sb.State != StateReady {
			t.Fatalf("claimed sandbox state = %s, want %s", sb.State, StateReady)
		}
	}
}

// A sweep that reclaims an expired warm sandbox must not shrink the pool
// for good: the freed slot refills without any claim traffic.
func TestPoolRefillsAfterSweep(t *testing.T) {
	m := newTestManager(t, backend.NewMemory())
	p := NewPool(m, nil, testLogger(), PoolConfig{
		Targets:      map[string]int{"base": 1},
		WarmLifetime: 50 * time.Millisecond,
	})
	t.Cleanup(p.Close)
	ctx := context.Background()

	p.Fill(ctx)
	waitFor(t, 2*time.Second, func() bool { return p.Size("base") == 1 })

	var firstID string
	for _, sb := range m.List() {
		firstID = sb.ID
	}

	waitFor(t, 2*time.Second, func() bool { return m.SweepExpired(ctx) >= 1 })
	waitFor(t, 2*time.Second, func() bool { return p.Size("base") == 1 })

	// The refilled slot is a fresh sandbox, not the swept one.
	for _, sb := range m.List() {
		if sb.ID == firstID {
			if sb.State != StateTerminated {
				t.Fatalf("swept sandbox state = %s, want %s", sb.State, StateTerminated)
			}
			continue
		}
		if sb.State != StateReady {
			t.Fatalf("replacement sandbox state = %s, want %s", sb.State, StateReady)
		}
	}
}

// An expired warm sandbox the sweeper has not reached yet is discarded at
// claim time; the lost slot must trigger a replacement fill.
func TestPoolClaimRefillsExpiredSlot(t *testing.T) {
	m := newTestManager(t, backend.NewMemory())
	p := NewPool(m, nil, testLogger(), PoolConfig{
		Targets:      map[string]int{"base": 1},
		WarmLifetime: 20 * time.Millisecond,
	})
	t.Cleanup(p.Close)
	ctx := context.Background()

	p.Fill(ctx)
	waitFor(t, 2*time.Second, func() bool { return p.Size("base") == 1 })

	time.Sleep(30 * time.Millisecond)

	if sb, ok := p.Claim(ctx, "base"); ok {
		t.Fatalf("claimed expired sandbox %s", sb.ID)
	}
	waitFor(t, 2*time.Second, func() bool { return p.Size("base") == 1 })
}

func TestPoolReplenishAfterClaim(t *testing.T) {
	m := newTestManager(t, backend.NewMemory())
	p := newTestPool(t, m, map[string]int{"base": 1})
	ctx := context.Background()

	p.Fill(ctx)
	waitFor(t, 2*time.Second, func() bool { return p.Size("base") == 1 })

	if _, ok := p.Claim(ctx, "base"); !ok {
		t.Fatal("claim missed")
	}
	waitFor(t, 2*time.Second, func() bool { return p.Size("base") == 1 })
}

func TestPoolFillRetriesBackendFailure(t *testing.T) {
	mem := backend.NewMemory()
	mem.FailCreates = 1
	m := newTestManager(t, mem)

	p := NewPool(m, nil, testLogger(), PoolConfig{
		Targets:      map[string]int{"base": 1},
		WarmLifetime: time.Hour,
	})
	t.Cleanup(p.Close)

	p.Fill(context.Background())
	// First attempt fails, the backoff retry provisions the slot.
	waitFor(t, 10*time.Second, func() bool { return p.Size("base") == 1 })
}
