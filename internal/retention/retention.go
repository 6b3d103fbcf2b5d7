// Package retention prunes execution logs on a schedule, applying each
// function's retention override or the global default.
package retention

import (
	"context"
	"time"

	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/store"
)

// Defaults applies when a function carries no retention of its own.
type Defaults struct {
	MaxAge   time.Duration
	MaxCount int
}

// Sweeper walks all functions periodically and prunes their logs.
type Sweeper struct {
	store    store.MetadataStore
	defaults Defaults
	interval time.Duration
}

func NewSweeper(s store.MetadataStore, defaults Defaults, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: s, defaults: defaults, interval: interval}
}

// Run sweeps until ctx is cancelled. The first sweep happens after one
// interval, not at startup, so restarts don't stampede the store.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				logging.Op().Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep prunes every function once. A per-function failure is logged and
// skipped so one bad row cannot stall the rest.
func (s *Sweeper) Sweep(ctx context.Context) error {
	fns, err := s.store.ListFunctionsWithRetention(ctx)
	if err != nil {
		return err
	}

	var pruned int64
	for _, fn := range fns {
		maxAge, maxCount := s.effective(fn)
		if maxAge <= 0 && maxCount <= 0 {
			continue
		}

		before := time.Time{}
		if maxAge > 0 {
			before = time.Now().Add(-maxAge)
		}
		n, err := s.store.PruneExecutionLogs(ctx, fn.ID, before, maxCount)
		if err != nil {
			logging.Op().Warn("prune failed", "function", fn.ID, "error", err)
			continue
		}
		pruned += n
	}

	if pruned > 0 {
		logging.Op().Info("retention sweep complete", "functions", len(fns), "pruned", pruned)
	}
	return nil
}

// effective resolves a function's retention: a zero field falls back to the
// global default for that field.
func (s *Sweeper) effective(fn *domain.Function) (time.Duration, int) {
	maxAge := s.defaults.MaxAge
	maxCount := s.defaults.MaxCount
	if fn.Retention != nil {
		if fn.Retention.MaxAge > 0 {
			maxAge = fn.Retention.MaxAge
		}
		if fn.Retention.MaxCount > 0 {
			maxCount = fn.Retention.MaxCount
		}
	}
	return maxAge, maxCount
}
