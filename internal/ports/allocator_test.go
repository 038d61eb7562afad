package ports

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllocateUnique(t *testing.T) {
	a := NewAllocator(21000, 21100, testLogger())

	seen := map[int]bool{}
	for i := 0; i < 20; i++ {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if port < 21000 || port >= 21100 {
			t.Fatalf("port %d outside range", port)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
}

func TestConcurrentAllocateNoCollision(t *testing.T) {
	a := NewAllocator(22000, 23000, testLogger())

	const n = 50
	var mu sync.Mutex
	counts := map[int]int{}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Allocate()
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			mu.Lock()
			counts[port]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for port, c := range counts {
		if c != 1 {
			t.Fatalf("port %d allocated %d times", port, c)
		}
	}
	if a.InUse() != n {
		t.Fatalf("InUse = %d, want %d", a.InUse(), n)
	}
}

func TestAllocateSkipsBoundPort(t *testing.T) {
	// Occupy one specific port and shrink the range so the allocator
	// keeps hitting it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	a := NewAllocator(busy, busy+3, testLogger())
	for i := 0; i < 2; i++ {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if port == busy {
			t.Fatalf("allocator handed out externally bound port %d", busy)
		}
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := NewAllocator(24000, 24002, testLogger())
	a.MarkInUse(24000)
	a.MarkInUse(24001)

	if _, err := a.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	a := NewAllocator(25000, 25100, testLogger())
	port, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	a.Release(port)
	a.Release(port)
	a.Release(99999)
	if a.InUse() != 0 {
		t.Fatalf("InUse = %d, want 0", a.InUse())
	}
}

func TestMarkInUseRehydration(t *testing.T) {
	a := NewAllocator(26000, 26002, testLogger())
	a.MarkInUse(26000)
	a.MarkInUse(26001)

	if a.InUse() != 2 {
		t.Fatalf("InUse = %d, want 2", a.InUse())
	}
	// Both ports leased by a previous process; a fresh allocation must
	// fail rather than double-allocate.
	if _, err := a.Allocate(); err == nil {
		t.Fatal("allocated a rehydrated port")
	}
}
