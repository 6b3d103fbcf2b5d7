package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/fault"
)

func scanPolicyRows(rows pgx.Rows, projectScoped bool) ([]*domain.NetworkPolicyRule, error) {
	defer rows.Close()
	var rules []*domain.NetworkPolicyRule
	for rows.Next() {
		r := &domain.NetworkPolicyRule{}
		var err error
		if projectScoped {
			err = rows.Scan(&r.ID, &r.ProjectID, &r.Action, &r.TargetType,
				&r.TargetValue, &r.Priority, &r.Description, &r.CreatedAt)
		} else {
			err = rows.Scan(&r.ID, &r.Action, &r.TargetType,
				&r.TargetValue, &r.Priority, &r.Description, &r.CreatedAt)
		}
		if err != nil {
			return nil, fmt.Errorf("scan policy rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetProjectPolicies returns the project's rules stable-sorted by ascending
// priority.
func (s *PostgresStore) GetProjectPolicies(ctx context.Context, projectID string) ([]*domain.NetworkPolicyRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, action, target_type, target_value, priority, description, created_at
		FROM project_network_policies
		WHERE project_id = $1
		ORDER BY priority ASC, created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project policies: %w", err)
	}
	return scanPolicyRows(rows, true)
}

// GetGlobalPolicies returns the global rules stable-sorted by ascending
// priority.
func (s *PostgresStore) GetGlobalPolicies(ctx context.Context) ([]*domain.NetworkPolicyRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, target_type, target_value, priority, description, created_at
		FROM global_network_policies
		ORDER BY priority ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("get global policies: %w", err)
	}
	return scanPolicyRows(rows, false)
}

func (s *PostgresStore) SaveNetworkPolicy(ctx context.Context, rule *domain.NetworkPolicyRule) error {
	if !domain.IsValidPolicyAction(rule.Action) {
		return fault.Newf(fault.KindBadRequest, "invalid policy action %q", rule.Action)
	}
	if !domain.IsValidPolicyTargetType(rule.TargetType) {
		return fault.Newf(fault.KindBadRequest, "invalid policy target type %q", rule.TargetType)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	var err error
	if rule.ProjectID != "" {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO project_network_policies (id, project_id, action, target_type, target_value, priority, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET
				action = EXCLUDED.action,
				target_type = EXCLUDED.target_type,
				target_value = EXCLUDED.target_value,
				priority = EXCLUDED.priority,
				description = EXCLUDED.description
		`, rule.ID, rule.ProjectID, rule.Action, rule.TargetType,
			rule.TargetValue, rule.Priority, rule.Description, rule.CreatedAt)
	} else {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO global_network_policies (id, action, target_type, target_value, priority, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (id) DO UPDATE SET
				action = EXCLUDED.action,
				target_type = EXCLUDED.target_type,
				target_value = EXCLUDED.target_value,
				priority = EXCLUDED.priority,
				description = EXCLUDED.description
		`, rule.ID, rule.Action, rule.TargetType,
			rule.TargetValue, rule.Priority, rule.Description, rule.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("save network policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNetworkPolicy(ctx context.Context, id string, projectScoped bool) error {
	table := "global_network_policies"
	if projectScoped {
		table = "project_network_policies"
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete network policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Newf(fault.KindNotFound, "network policy not found: %s", id)
	}
	return nil
}
