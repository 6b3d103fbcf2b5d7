// Package store is the authoritative metadata store for projects,
// functions, versions, environment variables, network policies, gateway
// configuration and execution logs, backed by PostgreSQL via pgx.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/heliosfn/helios/internal/domain"
)

// MetadataStore is the read/write surface the daemons need. PostgresStore
// implements it; CachedMetadataStore wraps it for the execution hot path.
type MetadataStore interface {
	// execution hot path
	GetFunction(ctx context.Context, id string) (*domain.Function, error)
	GetActiveVersion(ctx context.Context, functionID string) (*domain.FunctionVersion, error)
	GetEnvVars(ctx context.Context, functionID string) (map[string]string, error)
	GetProjectPolicies(ctx context.Context, projectID string) ([]*domain.NetworkPolicyRule, error)
	GetGlobalPolicies(ctx context.Context) ([]*domain.NetworkPolicyRule, error)
	GetProject(ctx context.Context, id string) (*domain.Project, error)

	// execution logging
	InsertExecutionLogs(ctx context.Context, logs []*domain.ExecutionLog) error
	PruneExecutionLogs(ctx context.Context, functionID string, before time.Time, keep int) (int64, error)
	ListFunctionsWithRetention(ctx context.Context) ([]*domain.Function, error)

	// gateway
	ListGateways(ctx context.Context) ([]*domain.GatewayConfig, error)
	ListGatewayRoutes(ctx context.Context, gatewayID string) ([]*domain.GatewayRoute, error)
	ListAuthMethods(ctx context.Context, gatewayID string) ([]*domain.AuthMethod, error)

	// administration (upload boundary, tests)
	SaveProject(ctx context.Context, p *domain.Project) error
	SaveFunction(ctx context.Context, fn *domain.Function) error
	CreateVersion(ctx context.Context, v *domain.FunctionVersion) error
	SetActiveVersion(ctx context.Context, functionID, versionID string) error
	SetEnvVar(ctx context.Context, functionID, key, value string) error
	DeleteEnvVar(ctx context.Context, functionID, key string) error
	SaveNetworkPolicy(ctx context.Context, rule *domain.NetworkPolicyRule) error
	DeleteNetworkPolicy(ctx context.Context, id string, projectScoped bool) error
	DeleteFunction(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements MetadataStore on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying connection pool for components that need a
// dedicated connection (the notify listener).
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
