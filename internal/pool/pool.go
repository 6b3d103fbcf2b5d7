// Package pool manages the bounded set of sandbox isolates. Acquisition
// grants exclusive ownership; release resets the isolate or replaces it.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/heliosfn/helios/internal/config"
	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/metrics"
	"github.com/heliosfn/helios/internal/sandbox"
)

// Handle is an exclusively owned isolate. ColdStart is true when the
// isolate was created for this acquisition rather than taken warm.
type Handle struct {
	Isolate   *sandbox.Isolate
	ColdStart bool
}

// Pool is a fixed-capacity isolate pool. MinPool isolates are booted ahead
// of demand and the warm set is restored after a destroy; the rest are
// created on first need up to MaxPoolSize.
type Pool struct {
	factory func() *sandbox.Isolate

	idle           chan *sandbox.Isolate
	slots          chan struct{}
	min            int
	acquireTimeout time.Duration

	live   atomic.Int64
	closed atomic.Bool
}

// New builds and warms the pool.
func New(cfg config.PoolConfig) *Pool {
	return NewWithFactory(cfg, sandbox.NewIsolate)
}

// NewWithFactory injects the isolate constructor, for tests.
func NewWithFactory(cfg config.PoolConfig, factory func() *sandbox.Isolate) *Pool {
	max := cfg.MaxPoolSize
	if max <= 0 {
		max = 1
	}
	min := cfg.MinPool
	if min > max {
		min = max
	}

	p := &Pool{
		factory:        factory,
		idle:           make(chan *sandbox.Isolate, max),
		slots:          make(chan struct{}, max),
		min:            min,
		acquireTimeout: cfg.AcquireTimeout,
	}
	for i := 0; i < max; i++ {
		p.slots <- struct{}{}
	}
	for i := 0; i < min; i++ {
		p.idle <- p.spawn()
	}
	logging.Op().Info("isolate pool ready", "max", max, "warm", min)
	return p
}

func (p *Pool) spawn() *sandbox.Isolate {
	iso := p.factory()
	n := p.live.Add(1)
	metrics.Global().SetIsolatesLive(int(n))
	return iso
}

func (p *Pool) teardown(iso *sandbox.Isolate) {
	iso.Destroy()
	n := p.live.Add(-1)
	metrics.Global().SetIsolatesLive(int(n))
}

func (p *Pool) destroy(iso *sandbox.Isolate) {
	p.teardown(iso)
	metrics.Global().RecordIsolateDestroyed()
	p.replenish()
}

// replenish restores the warm set to MinPool after a destroy.
func (p *Pool) replenish() {
	if p.closed.Load() || p.live.Load() >= int64(p.min) {
		return
	}
	iso := p.spawn()
	select {
	case p.idle <- iso:
	default:
		p.teardown(iso)
		return
	}
	if p.closed.Load() {
		// lost the race with Close; drain the isolate just parked
		select {
		case parked := <-p.idle:
			p.teardown(parked)
		default:
		}
	}
}

// Acquire blocks until an isolate is available, the configured acquisition
// timeout elapses, or ctx is done. Exhaustion surfaces as Overloaded so the
// HTTP edge can answer 503.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.closed.Load() {
		return nil, fault.New(fault.KindOverloaded, "isolate pool is shut down")
	}
	start := time.Now()

	var timeout <-chan time.Time
	if p.acquireTimeout > 0 {
		t := time.NewTimer(p.acquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-p.slots:
	case <-timeout:
		return nil, fault.ErrOverloaded
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindOverloaded, "acquire isolate", ctx.Err())
	}
	metrics.Global().RecordAcquireWait(time.Since(start))

	select {
	case iso := <-p.idle:
		return &Handle{Isolate: iso}, nil
	default:
		return &Handle{Isolate: p.spawn(), ColdStart: true}, nil
	}
}

// Release returns the isolate after resetting it. Broken isolates and
// failed resets discard the isolate; a fresh one is warmed in its place
// while the pool sits below MinPool, and the freed slot admits the next
// waiter either way.
func (p *Pool) Release(h *Handle) {
	defer func() { p.slots <- struct{}{} }()

	if p.closed.Load() || h.Isolate.Broken() || !h.Isolate.Reset() {
		p.destroy(h.Isolate)
		return
	}
	select {
	case p.idle <- h.Isolate:
	default:
		p.destroy(h.Isolate)
	}
}

// Live reports the number of isolates currently alive.
func (p *Pool) Live() int { return int(p.live.Load()) }

// Close destroys all idle isolates. In-flight handles are destroyed as
// they are released.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case iso := <-p.idle:
			p.destroy(iso)
		default:
			return
		}
	}
}
