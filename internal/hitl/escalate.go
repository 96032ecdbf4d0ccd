package hitl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// Escalation actions.
const (
	ActionNotify           = "notify"
	ActionReassign         = "reassign"
	ActionEscalatePriority = "escalate_priority"
)

// EscalationRule fires when an open request of the matching priority has
// waited longer than Age. Empty Priority matches every priority; empty
// Status matches both pending and assigned.
type EscalationRule struct {
	Name     string        `json:"name"`
	Priority string        `json:"priority,omitempty"`
	Status   string        `json:"status,omitempty"`
	Age      time.Duration `json:"age"`
	Action   string        `json:"action"`
}

// DefaultEscalationRules cover the common breach ladder: nudge first,
// rebalance stuck assignments, then raise the stakes.
func DefaultEscalationRules() []EscalationRule {
	return []EscalationRule{
		{Name: "notify-waiting", Status: StatusPending, Age: 15 * time.Minute, Action: ActionNotify},
		{Name: "reassign-stalled", Status: StatusAssigned, Age: 30 * time.Minute, Action: ActionReassign},
		{Name: "bump-aged", Age: time.Hour, Action: ActionEscalatePriority},
	}
}

// Notifier receives escalation notifications. Implementations deliver to
// whatever channel the deployment uses; the engine only requires that
// delivery failures are returned so they can be retried on the next sweep.
type Notifier interface {
	Notify(ctx context.Context, tc tenant.Context, req *Request, rule string) error
}

// LogNotifier is the default sink: structured log only.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, tc tenant.Context, req *Request, rule string) error {
	slog.Warn("escalation notification",
		"tenant", tc.TenantID, "request", req.RequestID,
		"priority", req.Priority, "rule", rule)
	return nil
}

// EscalationEngine evaluates rules against open requests. Each rule fires
// at most once per request: fired actions are recorded in
// escalation_actions and consulted before re-applying, so repeated sweeps
// converge instead of re-escalating.
type EscalationEngine struct {
	db       *sql.DB
	queue    *Queue
	strategy Strategy
	notifier Notifier
	rules    []EscalationRule
}

func NewEscalationEngine(db *sql.DB, queue *Queue, strategy Strategy, notifier Notifier, rules []EscalationRule) *EscalationEngine {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if len(rules) == 0 {
		rules = DefaultEscalationRules()
	}
	return &EscalationEngine{db: db, queue: queue, strategy: strategy, notifier: notifier, rules: rules}
}

// Evaluate runs all rules for one tenant and returns the number of actions
// applied.
func (e *EscalationEngine) Evaluate(ctx context.Context, tc tenant.Context) (int, error) {
	open, err := e.queue.List(ctx, tc, ListFilter{})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	applied := 0
	for _, req := range open {
		if req.Terminal() {
			continue
		}
		for _, rule := range e.rules {
			if !rule.matches(req, now) {
				continue
			}
			fired, err := e.alreadyFired(ctx, tc, req.RequestID, rule.Name)
			if err != nil {
				return applied, err
			}
			if fired {
				continue
			}
			if err := e.apply(ctx, tc, req, rule); err != nil {
				if errors.Is(err, ErrNoReviewer) {
					// Nothing to route to; leave unrecorded so the next
					// sweep retries once a reviewer registers.
					slog.Warn("escalation deferred", "tenant", tc.TenantID,
						"request", req.RequestID, "rule", rule.Name, "error", err)
					continue
				}
				return applied, err
			}
			applied++
		}
	}
	return applied, nil
}

func (r EscalationRule) matches(req *Request, now time.Time) bool {
	if r.Priority != "" && req.Priority != r.Priority {
		return false
	}
	if r.Status != "" && req.Status != r.Status {
		return false
	}
	return now.Sub(req.CreatedAt) >= r.Age
}

func (e *EscalationEngine) apply(ctx context.Context, tc tenant.Context, req *Request, rule EscalationRule) error {
	switch rule.Action {
	case ActionNotify:
		if err := e.notifier.Notify(ctx, tc, req, rule.Name); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return e.record(ctx, tc, req.RequestID, rule, "")

	case ActionEscalatePriority:
		next := escalated(req.Priority)
		if next == req.Priority {
			return e.record(ctx, tc, req.RequestID, rule, "already at top priority")
		}
		_, err := e.db.ExecContext(ctx, `
			UPDATE hitl_requests SET priority = ?, updated_at = ?
			WHERE request_id = ? AND tenant_id = ? AND status IN (?, ?)
		`, next, time.Now().UTC(), req.RequestID, tc.TenantID, StatusPending, StatusAssigned)
		if err != nil {
			return fmt.Errorf("escalate priority: %w", err)
		}
		return e.record(ctx, tc, req.RequestID, rule, req.Priority+" -> "+next)

	case ActionReassign:
		target, err := e.strategy.Pick(ctx, tc, req)
		if err != nil {
			return err
		}
		if req.Status == StatusAssigned {
			if target == req.AssignedTo {
				return e.record(ctx, tc, req.RequestID, rule, "kept "+target)
			}
			if err := e.queue.Release(ctx, tc, req.RequestID, req.AssignedTo); err != nil {
				if errors.Is(err, ErrTerminal) || errors.Is(err, ErrNotAssignee) {
					return nil // resolved or moved underneath us
				}
				return err
			}
		}
		if err := e.queue.Claim(ctx, tc, req.RequestID, target); err != nil {
			if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrTerminal) {
				return nil
			}
			return err
		}
		return e.record(ctx, tc, req.RequestID, rule, "to "+target)

	default:
		return fmt.Errorf("unknown escalation action %q", rule.Action)
	}
}

func (e *EscalationEngine) alreadyFired(ctx context.Context, tc tenant.Context, requestID, ruleName string) (bool, error) {
	var n int
	err := e.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escalation_actions
		WHERE tenant_id = ? AND request_id = ? AND action = ?
	`, tc.TenantID, requestID, ruleName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check escalation history: %w", err)
	}
	return n > 0, nil
}

func (e *EscalationEngine) record(ctx context.Context, tc tenant.Context, requestID string, rule EscalationRule, detail string) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO escalation_actions (tenant_id, request_id, action, detail)
		VALUES (?, ?, ?, ?)
	`, tc.TenantID, requestID, rule.Name, rule.Action+": "+detail)
	if err != nil {
		return fmt.Errorf("record escalation: %w", err)
	}
	slog.Info("escalation applied", "tenant", tc.TenantID, "request", requestID,
		"rule", rule.Name, "action", rule.Action, "detail", detail)
	return nil
}
