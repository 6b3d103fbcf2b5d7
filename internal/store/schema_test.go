package store

import (
	"strings"
	"testing"
)

// triggerDDL pulls one CREATE TRIGGER statement out of the schema.
func triggerDDL(t *testing.T, name string) string {
	t.Helper()
	start := strings.Index(schema, "CREATE TRIGGER "+name)
	if start < 0 {
		t.Fatalf("trigger %s not in schema", name)
	}
	end := strings.Index(schema[start:], ";")
	if end < 0 {
		t.Fatalf("trigger %s statement not terminated", name)
	}
	return schema[start : start+end]
}

// Execution stats on functions are rewritten by every log-batch flush. If
// the cache trigger fired for those writes, every replica would purge the
// package cache of any actively invoked function once per flush.
func TestFunctionsUpdateTriggerGuardsAdminColumns(t *testing.T) {
	ddl := triggerDDL(t, "trg_functions_admin_notify")

	if !strings.Contains(ddl, "AFTER UPDATE ON functions") {
		t.Fatalf("expected an update-only trigger, got:\n%s", ddl)
	}
	if !strings.Contains(ddl, "WHEN (") {
		t.Fatalf("update trigger has no column guard:\n%s", ddl)
	}
	for _, col := range []string{
		"active_version_id", "active", "requires_api_key", "api_key_hash",
		"name", "retention_max_age_s", "retention_max_count",
	} {
		if !strings.Contains(ddl, "OLD."+col+" IS DISTINCT FROM NEW."+col) {
			t.Errorf("guard does not cover %s", col)
		}
	}
	for _, col := range []string{"execution_count", "last_executed"} {
		if strings.Contains(ddl, col) {
			t.Errorf("guard must not react to stats column %s", col)
		}
	}
}

// A WHEN clause referencing NEW is invalid on DELETE, so row removal gets
// its own unconditional trigger.
func TestFunctionsDeleteTriggerIsSeparate(t *testing.T) {
	ddl := triggerDDL(t, "trg_functions_delete_notify")

	if !strings.Contains(ddl, "AFTER DELETE ON functions") {
		t.Fatalf("expected a delete trigger, got:\n%s", ddl)
	}
	if strings.Contains(ddl, "NEW.") {
		t.Fatalf("delete trigger must not reference NEW:\n%s", ddl)
	}
	if strings.Contains(schema, "AFTER UPDATE OR DELETE ON functions") {
		t.Fatal("functions must not keep a combined update-or-delete trigger")
	}
}
