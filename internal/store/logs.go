package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/heliosfn/helios/internal/domain"
)

// InsertExecutionLogs writes a batch of execution logs in one transaction
// and bumps each function's execution_count and last_executed atomically
// with the insert.
func (s *PostgresStore) InsertExecutionLogs(ctx context.Context, logs []*domain.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin log batch: %w", err)
	}
	defer tx.Rollback(ctx)

	counts := make(map[string]int64, len(logs))
	latest := make(map[string]time.Time, len(logs))
	for _, l := range logs {
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now().UTC()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO execution_logs (id, function_id, status_code, duration_ms,
				request_size, response_size, error_kind, error_message, client_ip, user_agent, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, l.ID, l.FunctionID, l.StatusCode, l.DurationMs, l.RequestSize, l.ResponseSize,
			l.ErrorKind, l.ErrorMessage, l.ClientIP, l.UserAgent, l.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert execution log: %w", err)
		}
		counts[l.FunctionID]++
		if l.CreatedAt.After(latest[l.FunctionID]) {
			latest[l.FunctionID] = l.CreatedAt
		}
	}

	for fnID, n := range counts {
		_, err := tx.Exec(ctx, `
			UPDATE functions
			SET execution_count = execution_count + $2, last_executed = $3
			WHERE id = $1
		`, fnID, n, latest[fnID])
		if err != nil {
			return fmt.Errorf("bump execution count: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit log batch: %w", err)
	}
	return nil
}

// PruneExecutionLogs removes logs for a function older than before, and if
// keep > 0 additionally trims to the newest keep rows. Returns rows removed.
func (s *PostgresStore) PruneExecutionLogs(ctx context.Context, functionID string, before time.Time, keep int) (int64, error) {
	var removed int64

	if !before.IsZero() {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM execution_logs WHERE function_id = $1 AND created_at < $2
		`, functionID, before)
		if err != nil {
			return removed, fmt.Errorf("prune logs by age: %w", err)
		}
		removed += tag.RowsAffected()
	}

	if keep > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM execution_logs
			WHERE function_id = $1 AND id NOT IN (
				SELECT id FROM execution_logs
				WHERE function_id = $1
				ORDER BY created_at DESC
				LIMIT $2
			)
		`, functionID, keep)
		if err != nil {
			return removed, fmt.Errorf("prune logs by count: %w", err)
		}
		removed += tag.RowsAffected()
	}

	return removed, nil
}

// ListFunctionsWithRetention returns every function, so the retention
// sweeper can apply per-function overrides or the global default.
func (s *PostgresStore) ListFunctionsWithRetention(ctx context.Context) ([]*domain.Function, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+functionColumns+` FROM functions`)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var fns []*domain.Function
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan function: %w", err)
		}
		fns = append(fns, fn)
	}
	return fns, rows.Err()
}
