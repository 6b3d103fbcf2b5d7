package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/heliosfn/helios/internal/config"
	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/sandbox"
)

func testPool(t *testing.T, max, min int, acquireTimeout time.Duration) *Pool {
	t.Helper()
	p := NewWithFactory(config.PoolConfig{
		MaxPoolSize:    max,
		MinPool:        min,
		AcquireTimeout: acquireTimeout,
	}, sandbox.NewIsolate)
	t.Cleanup(p.Close)
	return p
}

func TestWarmAcquire(t *testing.T) {
	p := testPool(t, 4, 2, time.Second)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.ColdStart {
		t.Fatal("expected a warm isolate from the pre-booted set")
	}
	p.Release(h)
}

func TestColdStartBeyondWarmSet(t *testing.T) {
	p := testPool(t, 2, 0, time.Second)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !h.ColdStart {
		t.Fatal("empty pool must report a cold start")
	}
	p.Release(h)

	// released isolate comes back warm
	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h2.ColdStart {
		t.Fatal("expected the released isolate to be reused warm")
	}
	p.Release(h2)
}

func TestExhaustionTimesOutAsOverloaded(t *testing.T) {
	p := testPool(t, 1, 0, 50*time.Millisecond)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	_, err = p.Acquire(context.Background())
	if !errors.Is(err, fault.ErrOverloaded) {
		t.Fatalf("expected overloaded, got %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("acquire returned before the timeout elapsed")
	}

	p.Release(h)
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	p := testPool(t, 1, 1, time.Second)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		h2, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(h2)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(h)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}
}

func TestBrokenIsolateReplaced(t *testing.T) {
	p := testPool(t, 1, 1, time.Second)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first := h.Isolate
	first.Destroy() // simulates a timeout or memory failure mid-invocation
	p.Release(h)

	if p.Live() != 1 {
		t.Fatalf("warm set not replenished, live = %d", p.Live())
	}
	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after destroy: %v", err)
	}
	defer p.Release(h2)
	if h2.Isolate == first {
		t.Fatal("broken isolate must not be handed out again")
	}
	if h2.ColdStart {
		t.Fatal("replacement should already be warm")
	}
}

func TestReplenishOnlyBelowMinPool(t *testing.T) {
	p := testPool(t, 2, 0, time.Second)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Isolate.Destroy()
	p.Release(h)

	if p.Live() != 0 {
		t.Fatalf("pool with MinPool 0 must not re-warm, live = %d", p.Live())
	}
	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(h2)
	if !h2.ColdStart {
		t.Fatal("expected a cold start with nothing warm")
	}
}

func TestConcurrentAcquireRespectsBound(t *testing.T) {
	const max = 4
	p := testPool(t, max, 0, time.Second)

	var mu sync.Mutex
	inFlight, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			p.Release(h)
		}()
	}
	wg.Wait()

	if peak > max {
		t.Fatalf("pool bound violated: %d concurrent owners", peak)
	}
}
