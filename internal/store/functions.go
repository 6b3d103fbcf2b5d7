package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/fault"
)

func (s *PostgresStore) SaveProject(ctx context.Context, p *domain.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, slug, name, active, kv_quota_bytes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			kv_quota_bytes = EXCLUDED.kv_quota_bytes,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.Slug, p.Name, p.Active, p.KVQuotaBytes, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	p := &domain.Project{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, slug, name, active, kv_quota_bytes, created_at, updated_at
		FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.Slug, &p.Name, &p.Active, &p.KVQuotaBytes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "project not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SaveFunction(ctx context.Context, fn *domain.Function) error {
	if fn.ID == "" {
		fn.ID = uuid.New().String()
	}
	if fn.ProjectID == "" || fn.Name == "" {
		return fmt.Errorf("function project_id and name are required")
	}
	now := time.Now().UTC()
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = now
	}
	fn.UpdatedAt = now

	var maxAgeS int64
	var maxCount int
	if fn.Retention != nil {
		maxAgeS = int64(fn.Retention.MaxAge / time.Second)
		maxCount = fn.Retention.MaxCount
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO functions (id, project_id, name, active, requires_api_key, api_key_hash,
			active_version_id, retention_max_age_s, retention_max_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			requires_api_key = EXCLUDED.requires_api_key,
			api_key_hash = EXCLUDED.api_key_hash,
			active_version_id = EXCLUDED.active_version_id,
			retention_max_age_s = EXCLUDED.retention_max_age_s,
			retention_max_count = EXCLUDED.retention_max_count,
			updated_at = EXCLUDED.updated_at
	`, fn.ID, fn.ProjectID, fn.Name, fn.Active, fn.RequiresAPIKey, fn.APIKeyHash,
		fn.ActiveVersionID, maxAgeS, maxCount, fn.CreatedAt, fn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save function: %w", err)
	}
	return nil
}

const functionColumns = `id, project_id, name, active, requires_api_key, api_key_hash,
	COALESCE(active_version_id, ''), retention_max_age_s, retention_max_count,
	execution_count, last_executed, created_at, updated_at`

func scanFunction(row pgx.Row) (*domain.Function, error) {
	fn := &domain.Function{}
	var maxAgeS int64
	var maxCount int
	err := row.Scan(&fn.ID, &fn.ProjectID, &fn.Name, &fn.Active, &fn.RequiresAPIKey,
		&fn.APIKeyHash, &fn.ActiveVersionID, &maxAgeS, &maxCount,
		&fn.ExecutionCount, &fn.LastExecuted, &fn.CreatedAt, &fn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if maxAgeS > 0 || maxCount > 0 {
		fn.Retention = &domain.Retention{
			MaxAge:   time.Duration(maxAgeS) * time.Second,
			MaxCount: maxCount,
		}
	}
	return fn, nil
}

func (s *PostgresStore) GetFunction(ctx context.Context, id string) (*domain.Function, error) {
	fn, err := scanFunction(s.pool.QueryRow(ctx,
		`SELECT `+functionColumns+` FROM functions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "function not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}
	return fn, nil
}

func (s *PostgresStore) DeleteFunction(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM functions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete function: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Newf(fault.KindNotFound, "function not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) CreateVersion(ctx context.Context, v *domain.FunctionVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	// version numbers are allocated monotonically and never reused
	err := s.pool.QueryRow(ctx, `
		INSERT INTO function_versions (id, function_id, version, object_name, package_hash, size_bytes, uploaded_by, created_at)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM function_versions WHERE function_id = $2),
			$3, $4, $5, $6, $7)
		RETURNING version
	`, v.ID, v.FunctionID, v.ObjectName, v.PackageHash, v.SizeBytes, v.UploadedBy, v.CreatedAt).Scan(&v.Version)
	if err != nil {
		return fmt.Errorf("create version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveVersion(ctx context.Context, functionID string) (*domain.FunctionVersion, error) {
	v := &domain.FunctionVersion{}
	err := s.pool.QueryRow(ctx, `
		SELECT v.id, v.function_id, v.version, v.object_name, v.package_hash, v.size_bytes, v.uploaded_by, v.created_at
		FROM function_versions v
		JOIN functions f ON f.active_version_id = v.id
		WHERE f.id = $1
	`, functionID).Scan(&v.ID, &v.FunctionID, &v.Version, &v.ObjectName,
		&v.PackageHash, &v.SizeBytes, &v.UploadedBy, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "no active version for function %s", functionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get active version: %w", err)
	}
	return v, nil
}

// SetActiveVersion switches the served version. Deleting the active version
// is forbidden at the schema level by this reference.
func (s *PostgresStore) SetActiveVersion(ctx context.Context, functionID, versionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE functions SET active_version_id = $2, updated_at = now()
		WHERE id = $1
		  AND EXISTS (SELECT 1 FROM function_versions WHERE id = $2 AND function_id = $1)
	`, functionID, versionID)
	if err != nil {
		return fmt.Errorf("set active version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Newf(fault.KindNotFound, "version %s does not belong to function %s", versionID, functionID)
	}
	return nil
}

func (s *PostgresStore) GetEnvVars(ctx context.Context, functionID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value FROM function_environment_variables WHERE function_id = $1
	`, functionID)
	if err != nil {
		return nil, fmt.Errorf("get env vars: %w", err)
	}
	defer rows.Close()

	env := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan env var: %w", err)
		}
		env[k] = v
	}
	return env, rows.Err()
}

func (s *PostgresStore) SetEnvVar(ctx context.Context, functionID, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO function_environment_variables (function_id, key, value)
		VALUES ($1,$2,$3)
		ON CONFLICT (function_id, key) DO UPDATE SET value = EXCLUDED.value
	`, functionID, key, value)
	if err != nil {
		return fmt.Errorf("set env var: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEnvVar(ctx context.Context, functionID, key string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM function_environment_variables WHERE function_id = $1 AND key = $2
	`, functionID, key)
	if err != nil {
		return fmt.Errorf("delete env var: %w", err)
	}
	return nil
}
