// Package kvstore backs the sandbox kv capability. Values are namespaced
// per project and bounded by the project's byte quota.
package kvstore

import (
	"context"
	"time"

	"github.com/heliosfn/helios/internal/fault"
)

// ErrNotFound is returned for absent keys.
var ErrNotFound = fault.New(fault.KindNotFound, "key not found")

// Store is the project-scoped key-value interface exposed to handlers.
type Store interface {
	Get(ctx context.Context, projectID, key string) ([]byte, error)
	Set(ctx context.Context, projectID, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, projectID, key string) error
	// Usage reports the bytes currently attributed to a project.
	Usage(ctx context.Context, projectID string) (int64, error)
	Close() error
}

// QuotaExceeded builds the error returned when a Set would push a project
// past its quota.
func QuotaExceeded(projectID string, quota int64) error {
	return fault.Newf(fault.KindForbidden, "project %s kv quota of %d bytes exceeded", projectID, quota)
}
