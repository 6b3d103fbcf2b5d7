package store

import (
	"context"
	"fmt"
)

// schema is the full DDL, applied idempotently at startup. The notify
// triggers queue an invalidation inside the mutating transaction, so by the
// time an administrative write commits, listeners are guaranteed to hear
// about it within the same session.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY,
	slug            TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	kv_quota_bytes  BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS functions (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name               TEXT NOT NULL,
	active             BOOLEAN NOT NULL DEFAULT TRUE,
	requires_api_key   BOOLEAN NOT NULL DEFAULT FALSE,
	api_key_hash       TEXT NOT NULL DEFAULT '',
	active_version_id  TEXT,
	retention_max_age_s BIGINT NOT NULL DEFAULT 0,
	retention_max_count INT NOT NULL DEFAULT 0,
	execution_count    BIGINT NOT NULL DEFAULT 0,
	last_executed      TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS function_versions (
	id            TEXT PRIMARY KEY,
	function_id   TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
	version       INT NOT NULL,
	object_name   TEXT NOT NULL,
	package_hash  TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL DEFAULT 0,
	uploaded_by   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (function_id, version)
);

CREATE TABLE IF NOT EXISTS function_environment_variables (
	function_id  TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
	key          TEXT NOT NULL,
	value        TEXT NOT NULL,
	PRIMARY KEY (function_id, key)
);

CREATE TABLE IF NOT EXISTS project_network_policies (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	action        TEXT NOT NULL,
	target_type   TEXT NOT NULL,
	target_value  TEXT NOT NULL,
	priority      INT NOT NULL DEFAULT 100,
	description   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS global_network_policies (
	id            TEXT PRIMARY KEY,
	action        TEXT NOT NULL,
	target_type   TEXT NOT NULL,
	target_value  TEXT NOT NULL,
	priority      INT NOT NULL DEFAULT 100,
	description   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS gateway_configs (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL UNIQUE REFERENCES projects(id) ON DELETE CASCADE,
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	custom_domain  TEXT UNIQUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS gateway_routes (
	id            TEXT PRIMARY KEY,
	gateway_id    TEXT NOT NULL REFERENCES gateway_configs(id) ON DELETE CASCADE,
	path          TEXT NOT NULL,
	methods       TEXT[] NOT NULL DEFAULT '{}',
	function_id   TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
	path_rewrite  TEXT NOT NULL DEFAULT '',
	cors          JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (gateway_id, path)
);

CREATE TABLE IF NOT EXISTS gateway_auth_methods (
	id          TEXT PRIMARY KEY,
	gateway_id  TEXT NOT NULL REFERENCES gateway_configs(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	config      JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (gateway_id, name)
);

CREATE TABLE IF NOT EXISTS route_auth_bindings (
	route_id        TEXT NOT NULL REFERENCES gateway_routes(id) ON DELETE CASCADE,
	auth_method_id  TEXT NOT NULL REFERENCES gateway_auth_methods(id) ON DELETE CASCADE,
	position        INT NOT NULL DEFAULT 0,
	PRIMARY KEY (route_id, auth_method_id)
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id             TEXT PRIMARY KEY,
	function_id    TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
	status_code    INT NOT NULL,
	duration_ms    BIGINT NOT NULL,
	request_size   INT NOT NULL DEFAULT 0,
	response_size  INT NOT NULL DEFAULT 0,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	client_ip      TEXT NOT NULL DEFAULT '',
	user_agent     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS execution_logs_fn_created
	ON execution_logs (function_id, created_at DESC);

CREATE OR REPLACE FUNCTION notify_execution_cache() RETURNS trigger AS $$
DECLARE
	fid TEXT := '';
	pid TEXT := '';
BEGIN
	IF TG_TABLE_NAME = 'function_environment_variables' THEN
		fid := COALESCE(NEW.function_id, OLD.function_id);
	ELSIF TG_TABLE_NAME = 'project_network_policies' THEN
		pid := COALESCE(NEW.project_id, OLD.project_id);
	ELSIF TG_TABLE_NAME = 'functions' THEN
		fid := COALESCE(NEW.id, OLD.id);
		pid := COALESCE(NEW.project_id, OLD.project_id);
	END IF;
	PERFORM pg_notify('execution_cache_invalidated',
		json_build_object('table', TG_TABLE_NAME, 'function_id', fid, 'project_id', pid)::text);
	RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION notify_gateway() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('gateway_invalidated', '');
	RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_envvars_notify') THEN
		CREATE TRIGGER trg_envvars_notify
			AFTER INSERT OR UPDATE OR DELETE ON function_environment_variables
			FOR EACH ROW EXECUTE FUNCTION notify_execution_cache();
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_project_netpol_notify') THEN
		CREATE TRIGGER trg_project_netpol_notify
			AFTER INSERT OR UPDATE OR DELETE ON project_network_policies
			FOR EACH ROW EXECUTE FUNCTION notify_execution_cache();
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_global_netpol_notify') THEN
		CREATE TRIGGER trg_global_netpol_notify
			AFTER INSERT OR UPDATE OR DELETE ON global_network_policies
			FOR EACH ROW EXECUTE FUNCTION notify_execution_cache();
	END IF;
	-- execution_count/last_executed are rewritten on every log-batch flush;
	-- only administrative columns may invalidate caches
	DROP TRIGGER IF EXISTS trg_functions_notify ON functions;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_functions_admin_notify') THEN
		CREATE TRIGGER trg_functions_admin_notify
			AFTER UPDATE ON functions
			FOR EACH ROW
			WHEN (OLD.active_version_id IS DISTINCT FROM NEW.active_version_id
				OR OLD.active IS DISTINCT FROM NEW.active
				OR OLD.requires_api_key IS DISTINCT FROM NEW.requires_api_key
				OR OLD.api_key_hash IS DISTINCT FROM NEW.api_key_hash
				OR OLD.name IS DISTINCT FROM NEW.name
				OR OLD.retention_max_age_s IS DISTINCT FROM NEW.retention_max_age_s
				OR OLD.retention_max_count IS DISTINCT FROM NEW.retention_max_count)
			EXECUTE FUNCTION notify_execution_cache();
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_functions_delete_notify') THEN
		CREATE TRIGGER trg_functions_delete_notify
			AFTER DELETE ON functions
			FOR EACH ROW EXECUTE FUNCTION notify_execution_cache();
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_gateway_configs_notify') THEN
		CREATE TRIGGER trg_gateway_configs_notify
			AFTER INSERT OR UPDATE OR DELETE ON gateway_configs
			FOR EACH ROW EXECUTE FUNCTION notify_gateway();
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_gateway_routes_notify') THEN
		CREATE TRIGGER trg_gateway_routes_notify
			AFTER INSERT OR UPDATE OR DELETE ON gateway_routes
			FOR EACH ROW EXECUTE FUNCTION notify_gateway();
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_gateway_auth_notify') THEN
		CREATE TRIGGER trg_gateway_auth_notify
			AFTER INSERT OR UPDATE OR DELETE ON gateway_auth_methods
			FOR EACH ROW EXECUTE FUNCTION notify_gateway();
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_route_bindings_notify') THEN
		CREATE TRIGGER trg_route_bindings_notify
			AFTER INSERT OR UPDATE OR DELETE ON route_auth_bindings
			FOR EACH ROW EXECUTE FUNCTION notify_gateway();
	END IF;
END $$;
`

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
