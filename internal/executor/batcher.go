package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/store"
)

const (
	defaultLogBatchSize     = 100
	defaultLogBufferSize    = 1000
	defaultLogFlushInterval = 500 * time.Millisecond
	defaultLogWriteTimeout  = 5 * time.Second
)

// logBatcher accumulates execution logs and writes them in batches. The
// store insert also bumps execution_count and last_executed per function,
// in the same transaction as the rows.
type logBatcher struct {
	store         store.MetadataStore
	logger        *slog.Logger
	logs          chan *domain.ExecutionLog
	flushInterval time.Duration
	batchSize     int
	done          chan struct{}
}

func newLogBatcher(s store.MetadataStore) *logBatcher {
	b := &logBatcher{
		store:         s,
		logger:        logging.Op(),
		logs:          make(chan *domain.ExecutionLog, defaultLogBufferSize),
		flushInterval: defaultLogFlushInterval,
		batchSize:     defaultLogBatchSize,
		done:          make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *logBatcher) Enqueue(entry *domain.ExecutionLog) {
	select {
	case b.logs <- entry:
	default:
		b.logger.Warn("dropping execution log, buffer full", "request_id", entry.ID, "function_id", entry.FunctionID)
	}
}

func (b *logBatcher) Shutdown(timeout time.Duration) {
	close(b.logs)
	select {
	case <-b.done:
	case <-time.After(timeout):
		b.logger.Warn("timeout waiting for execution log flush", "timeout", timeout)
	}
}

func (b *logBatcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]*domain.ExecutionLog, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultLogWriteTimeout)
		defer cancel()
		if err := b.store.InsertExecutionLogs(ctx, batch); err != nil {
			b.logger.Warn("failed to persist execution logs", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-b.logs:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
