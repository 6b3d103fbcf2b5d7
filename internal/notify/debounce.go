package notify

import (
	"sync"
	"time"
)

// debouncer collapses same-key events arriving within the window into one
// callback carrying the latest payload. At most one callback per key is
// pending at any time; ordering of unrelated keys is unspecified.
type debouncer struct {
	window  time.Duration
	handler Handler

	mu      sync.Mutex
	pending map[string]*pendingEvent
	stopped bool
}

type pendingEvent struct {
	latest Event
	timer  *time.Timer
}

func newDebouncer(window time.Duration, handler Handler) *debouncer {
	return &debouncer{
		window:  window,
		handler: handler,
		pending: make(map[string]*pendingEvent),
	}
}

func (d *debouncer) offer(ev Event) {
	key := ev.Key()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if p, ok := d.pending[key]; ok {
		p.latest = ev
		return
	}

	p := &pendingEvent{latest: ev}
	p.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = p
}

func (d *debouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if !ok || stopped {
		return
	}
	d.handler(p.latest)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
