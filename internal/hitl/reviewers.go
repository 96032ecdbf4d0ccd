package hitl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// ErrNoReviewer is returned by assignment strategies when no active
// reviewer is registered for the tenant.
var ErrNoReviewer = errors.New("no active reviewer available")

// Reviewer is a human operator eligible for assignment.
type Reviewer struct {
	ReviewerID     string     `json:"reviewer_id"`
	TenantID       string     `json:"tenant_id"`
	Active         bool       `json:"active"`
	LastAssignedAt *time.Time `json:"last_assigned_at,omitempty"`
	OpenCount      int        `json:"open_count"`
}

// Strategy picks the reviewer a request should be routed to.
type Strategy interface {
	Pick(ctx context.Context, tc tenant.Context, req *Request) (string, error)
}

// Reviewers manages the per-tenant reviewer roster.
type Reviewers struct {
	db *sql.DB
}

func NewReviewers(db *sql.DB) *Reviewers {
	return &Reviewers{db: db}
}

// Register adds a reviewer, or reactivates one previously deactivated.
func (r *Reviewers) Register(ctx context.Context, tc tenant.Context, reviewerID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reviewers (tenant_id, reviewer_id, active)
		VALUES (?, ?, 1)
		ON CONFLICT(tenant_id, reviewer_id) DO UPDATE SET active = 1
	`, tc.TenantID, reviewerID)
	if err != nil {
		return fmt.Errorf("register reviewer: %w", err)
	}
	return nil
}

// Deactivate removes a reviewer from the rotation without losing history.
func (r *Reviewers) Deactivate(ctx context.Context, tc tenant.Context, reviewerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reviewers SET active = 0 WHERE tenant_id = ? AND reviewer_id = ?
	`, tc.TenantID, reviewerID)
	if err != nil {
		return fmt.Errorf("deactivate reviewer: %w", err)
	}
	return nil
}

// List returns the roster with open assignment counts.
func (r *Reviewers) List(ctx context.Context, tc tenant.Context) ([]Reviewer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.reviewer_id, r.tenant_id, r.active, r.last_assigned_at,
			(SELECT COUNT(*) FROM hitl_requests h
			 WHERE h.tenant_id = r.tenant_id AND h.assigned_to = r.reviewer_id AND h.status = 'assigned')
		FROM reviewers r
		WHERE r.tenant_id = ?
		ORDER BY r.reviewer_id
	`, tc.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list reviewers: %w", err)
	}
	defer rows.Close()

	var out []Reviewer
	for rows.Next() {
		var rv Reviewer
		var last sql.NullTime
		if err := rows.Scan(&rv.ReviewerID, &rv.TenantID, &rv.Active, &last, &rv.OpenCount); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time
			rv.LastAssignedAt = &t
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

// RoundRobin routes to the active reviewer assigned least recently. Ties
// break on reviewer id so rotation order is stable.
type RoundRobin struct {
	db *sql.DB
}

func NewRoundRobin(db *sql.DB) *RoundRobin {
	return &RoundRobin{db: db}
}

func (s *RoundRobin) Pick(ctx context.Context, tc tenant.Context, _ *Request) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT reviewer_id FROM reviewers
		WHERE tenant_id = ? AND active = 1
		ORDER BY last_assigned_at IS NOT NULL, last_assigned_at ASC, reviewer_id ASC
		LIMIT 1
	`, tc.TenantID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoReviewer
	}
	if err != nil {
		return "", fmt.Errorf("round robin pick: %w", err)
	}
	return id, nil
}

// LeastLoaded routes to the active reviewer holding the fewest open
// assignments, falling back to rotation order on ties.
type LeastLoaded struct {
	db *sql.DB
}

func NewLeastLoaded(db *sql.DB) *LeastLoaded {
	return &LeastLoaded{db: db}
}

func (s *LeastLoaded) Pick(ctx context.Context, tc tenant.Context, _ *Request) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.reviewer_id FROM reviewers r
		WHERE r.tenant_id = ? AND r.active = 1
		ORDER BY
			(SELECT COUNT(*) FROM hitl_requests h
			 WHERE h.tenant_id = r.tenant_id AND h.assigned_to = r.reviewer_id AND h.status = 'assigned') ASC,
			r.last_assigned_at IS NOT NULL, r.last_assigned_at ASC, r.reviewer_id ASC
		LIMIT 1
	`, tc.TenantID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoReviewer
	}
	if err != nil {
		return "", fmt.Errorf("least loaded pick: %w", err)
	}
	return id, nil
}

// StrategyByName resolves a configured strategy name. Unknown names fall
// back to round robin.
func StrategyByName(name string, db *sql.DB) Strategy {
	switch name {
	case "least_loaded":
		return NewLeastLoaded(db)
	default:
		return NewRoundRobin(db)
	}
}
