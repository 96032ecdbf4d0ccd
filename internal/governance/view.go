package governance

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// Snapshot is an aggregated, read-only view of one tenant's activity.
type Snapshot struct {
	TenantID          string         `json:"tenant_id"`
	RequestsByStatus  map[string]int `json:"requests_by_status"`
	GoldenPaths       int            `json:"golden_paths"`
	EventsAppended    int64          `json:"events_appended"`
	ActivePlaybooks   int            `json:"active_playbooks"`
	PendingBreaches   int            `json:"pending_breaches"`
	EscalationActions int            `json:"escalation_actions"`
	PipelineFailures  int            `json:"pipeline_failures"`
}

// View aggregates counters for dashboards. Read-only by construction: it
// only ever issues SELECT statements.
type View struct {
	db *sql.DB
}

func NewView(db *sql.DB) *View {
	return &View{db: db}
}

// Snapshot builds the aggregate view for a single tenant.
func (v *View) Snapshot(ctx context.Context, tc tenant.Context) (*Snapshot, error) {
	snap := &Snapshot{
		TenantID:         tc.TenantID,
		RequestsByStatus: make(map[string]int),
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM hitl_requests WHERE tenant_id = ? GROUP BY status
	`, tc.TenantID)
	if err != nil {
		return nil, fmt.Errorf("governance snapshot: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		snap.RequestsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM golden_paths WHERE tenant_id = ?
	`, tc.TenantID).Scan(&snap.GoldenPaths); err != nil {
		return nil, fmt.Errorf("governance snapshot: %w", err)
	}

	if err := v.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_no), 0) FROM events WHERE tenant_id = ?
	`, tc.TenantID).Scan(&snap.EventsAppended); err != nil {
		return nil, fmt.Errorf("governance snapshot: %w", err)
	}

	if err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM playbooks WHERE tenant_id = ? AND status = 'active'
	`, tc.TenantID).Scan(&snap.ActivePlaybooks); err != nil {
		return nil, fmt.Errorf("governance snapshot: %w", err)
	}

	if err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM hitl_requests
		WHERE tenant_id = ? AND status IN ('pending', 'assigned') AND sla_deadline < CURRENT_TIMESTAMP
	`, tc.TenantID).Scan(&snap.PendingBreaches); err != nil {
		return nil, fmt.Errorf("governance snapshot: %w", err)
	}

	if err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escalation_actions WHERE tenant_id = ?
	`, tc.TenantID).Scan(&snap.EscalationActions); err != nil {
		return nil, fmt.Errorf("governance snapshot: %w", err)
	}

	if err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_failures WHERE tenant_id = ?
	`, tc.TenantID).Scan(&snap.PipelineFailures); err != nil {
		return nil, fmt.Errorf("governance snapshot: %w", err)
	}

	return snap, nil
}
