package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heliosfn/helios/internal/domain"
)

func (s *PostgresStore) ListGateways(ctx context.Context) ([]*domain.GatewayConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.project_id, g.enabled, COALESCE(g.custom_domain, ''), g.created_at, g.updated_at
		FROM gateway_configs g
		JOIN projects p ON p.id = g.project_id
		WHERE p.active
	`)
	if err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}
	defer rows.Close()

	var gws []*domain.GatewayConfig
	for rows.Next() {
		g := &domain.GatewayConfig{}
		if err := rows.Scan(&g.ID, &g.ProjectID, &g.Enabled, &g.CustomDomain,
			&g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan gateway: %w", err)
		}
		gws = append(gws, g)
	}
	return gws, rows.Err()
}

func (s *PostgresStore) ListGatewayRoutes(ctx context.Context, gatewayID string) ([]*domain.GatewayRoute, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.gateway_id, r.path, r.methods, r.function_id, r.path_rewrite, r.cors,
			r.created_at, r.updated_at,
			COALESCE(
				(SELECT array_agg(b.auth_method_id ORDER BY b.position)
				 FROM route_auth_bindings b WHERE b.route_id = r.id),
				'{}')
		FROM gateway_routes r
		WHERE r.gateway_id = $1
		ORDER BY r.path
	`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("list gateway routes: %w", err)
	}
	defer rows.Close()

	var routes []*domain.GatewayRoute
	for rows.Next() {
		r := &domain.GatewayRoute{}
		var corsJSON []byte
		if err := rows.Scan(&r.ID, &r.GatewayID, &r.Path, &r.Methods, &r.FunctionID,
			&r.PathRewrite, &corsJSON, &r.CreatedAt, &r.UpdatedAt, &r.AuthMethods); err != nil {
			return nil, fmt.Errorf("scan gateway route: %w", err)
		}
		if len(corsJSON) > 0 {
			r.CORS = &domain.CORSPolicy{}
			if err := json.Unmarshal(corsJSON, r.CORS); err != nil {
				return nil, fmt.Errorf("unmarshal cors: %w", err)
			}
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (s *PostgresStore) ListAuthMethods(ctx context.Context, gatewayID string) ([]*domain.AuthMethod, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, gateway_id, name, type, config, created_at, updated_at
		FROM gateway_auth_methods
		WHERE gateway_id = $1
	`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("list auth methods: %w", err)
	}
	defer rows.Close()

	var methods []*domain.AuthMethod
	for rows.Next() {
		m := &domain.AuthMethod{}
		var cfg []byte
		if err := rows.Scan(&m.ID, &m.GatewayID, &m.Name, &m.Type, &cfg,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan auth method: %w", err)
		}
		m.Config = json.RawMessage(cfg)
		methods = append(methods, m)
	}
	return methods, rows.Err()
}
