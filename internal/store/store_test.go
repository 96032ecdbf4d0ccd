package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "loopdesk.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenAppliesSchema(t *testing.T) {
	st := newTestStore(t)

	tables := []string{
		"tenants", "tenant_quotas", "hitl_requests", "reviewers",
		"escalation_actions", "golden_paths", "events", "tenant_sequences",
		"graph_nodes", "graph_edges", "playbooks", "pipeline_failures",
	}
	for _, table := range tables {
		var name string
		err := st.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "loopdesk.db")
	st1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := st1.DB().Exec(
		`INSERT INTO tenants (tenant_id) VALUES ('acme')`,
	); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	if err := st1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	var n int
	if err := st2.DB().QueryRow(`SELECT COUNT(*) FROM tenants`).Scan(&n); err != nil {
		t.Fatalf("count tenants: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected data to survive reopen, got %d tenants", n)
	}
}
