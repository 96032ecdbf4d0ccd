package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopdesk/loopdesk/internal/feedback"
	"github.com/loopdesk/loopdesk/internal/governance"
	"github.com/loopdesk/loopdesk/internal/stream"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

// QuotaResource is the tenant quota consumed by Submit.
const QuotaResource = "hitl_requests"

// Queue is the durable approval queue. Request state lives in SQLite and
// survives restarts; the claim CAS is a single guarded UPDATE, the only
// hard serialization point besides stream sequence allocation.
type Queue struct {
	db       *sql.DB
	sla      SLAPolicy
	tenants  *tenant.Registry
	stream   *stream.Stream
	feedback *feedback.Loop
	metrics  *governance.Metrics
}

func NewQueue(db *sql.DB, sla SLAPolicy, tenants *tenant.Registry, st *stream.Stream, fb *feedback.Loop, metrics *governance.Metrics) *Queue {
	return &Queue{
		db:       db,
		sla:      sla,
		tenants:  tenants,
		stream:   st,
		feedback: fb,
		metrics:  metrics,
	}
}

// Submit validates and inserts a pending request, computing its SLA deadline
// from the priority policy. Idempotent on the caller-supplied dedup key: a
// retried agent escalation returns the original request id without consuming
// quota again.
func (q *Queue) Submit(ctx context.Context, tc tenant.Context, req *Request) (string, error) {
	if req.TenantID == "" {
		req.TenantID = tc.TenantID
	}
	if err := tc.Check(req.TenantID); err != nil {
		return "", err
	}
	if !validPriority(req.Priority) {
		return "", fmt.Errorf("%w: priority %q", ErrInvalidRequest, req.Priority)
	}
	if strings.TrimSpace(req.Question) == "" {
		return "", fmt.Errorf("%w: question required", ErrInvalidRequest)
	}
	for _, opt := range req.Options {
		if strings.TrimSpace(opt) == "" {
			return "", fmt.Errorf("%w: empty option", ErrInvalidRequest)
		}
	}

	if req.DedupKey != "" {
		if id, ok, err := q.findByDedupKey(ctx, tc, req.DedupKey); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
	}

	if err := q.tenants.Reserve(ctx, tc, QuotaResource, 1); err != nil {
		return "", err
	}

	req.RequestID = uuid.NewString()
	req.Status = StatusPending
	now := time.Now().UTC()
	req.CreatedAt = now
	deadline := now.Add(q.sla.Budget(req.Priority))
	req.SLADeadline = &deadline

	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		_ = q.tenants.Release(ctx, tc, QuotaResource, 1)
		return "", fmt.Errorf("marshal context: %w", err)
	}
	optJSON, err := json.Marshal(req.Options)
	if err != nil {
		_ = q.tenants.Release(ctx, tc, QuotaResource, 1)
		return "", fmt.Errorf("marshal options: %w", err)
	}

	var dedup any
	if req.DedupKey != "" {
		dedup = req.DedupKey
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO hitl_requests
			(request_id, tenant_id, agent_id, request_type, priority, status, question, context, options, dedup_key, sla_deadline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.RequestID, tc.TenantID, req.AgentID, req.RequestType, req.Priority, StatusPending,
		req.Question, string(ctxJSON), string(optJSON), dedup, deadline, now, now)
	if err != nil {
		// A concurrent retry with the same dedup key can race past the
		// lookup above; the unique index resolves the race.
		if req.DedupKey != "" {
			if id, ok, derr := q.findByDedupKey(ctx, tc, req.DedupKey); derr == nil && ok {
				_ = q.tenants.Release(ctx, tc, QuotaResource, 1)
				return id, nil
			}
		}
		_ = q.tenants.Release(ctx, tc, QuotaResource, 1)
		return "", fmt.Errorf("submit request: %w", err)
	}

	q.metrics.RequestOutcome(tc.TenantID, "submitted")
	q.emitEvent(ctx, tc, req, stream.TypeHITLCreated, map[string]any{
		"request_id": req.RequestID,
		"agent_id":   req.AgentID,
		"priority":   req.Priority,
		"category":   req.ContextString("category"),
		"ticket_id":  req.ContextString("ticket_id"),
	})
	return req.RequestID, nil
}

// Claim atomically assigns a pending request to a reviewer. Exactly one of
// any set of concurrent claimants wins; the rest receive ErrAlreadyClaimed
// (or ErrTerminal when the request expired or completed underneath them).
func (q *Queue) Claim(ctx context.Context, tc tenant.Context, requestID, reviewerID string) error {
	if strings.TrimSpace(reviewerID) == "" {
		return fmt.Errorf("%w: reviewer id required", ErrInvalidRequest)
	}

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE hitl_requests
		SET status = ?, assigned_to = ?, assigned_at = ?, updated_at = ?
		WHERE request_id = ? AND tenant_id = ? AND status = ?
	`, StatusAssigned, reviewerID, now, now, requestID, tc.TenantID, StatusPending)
	if err != nil {
		return fmt.Errorf("claim request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim request: %w", err)
	}
	if n == 1 {
		q.touchReviewer(ctx, tc, reviewerID, now)
		q.metrics.RequestOutcome(tc.TenantID, "claimed")
		return nil
	}

	cur, err := q.Get(ctx, tc, requestID)
	if err != nil {
		return err
	}
	switch cur.Status {
	case StatusAssigned:
		return fmt.Errorf("%w: held by %s", ErrAlreadyClaimed, cur.AssignedTo)
	case StatusCompleted, StatusExpired:
		return fmt.Errorf("%w: %s", ErrTerminal, cur.Status)
	default:
		return fmt.Errorf("%w: unexpected state %s", ErrAlreadyClaimed, cur.Status)
	}
}

// Release returns an assigned request to pending without recording a
// decision. Used by reviewers giving up a claim and by escalation
// reassignment.
func (q *Queue) Release(ctx context.Context, tc tenant.Context, requestID, reviewerID string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE hitl_requests
		SET status = ?, assigned_to = '', assigned_at = NULL, updated_at = ?
		WHERE request_id = ? AND tenant_id = ? AND status = ? AND assigned_to = ?
	`, StatusPending, now, requestID, tc.TenantID, StatusAssigned, reviewerID)
	if err != nil {
		return fmt.Errorf("release request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.classifyRespondFailure(ctx, tc, requestID, reviewerID)
	}
	return nil
}

// Respond records the assignee's decision and completes the request. Only
// the current assignee is accepted; anyone else fails without mutating
// state. FeedbackLoop ingestion and the decision event are emitted as part
// of the same logical operation, at-least-once: their failure is recorded
// for retry but never rolls back the decision.
func (q *Queue) Respond(ctx context.Context, tc tenant.Context, requestID, reviewerID, decision, notes string) error {
	if !validDecision(decision) {
		return fmt.Errorf("%w: decision %q", ErrInvalidRequest, decision)
	}

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE hitl_requests
		SET status = ?, decision = ?, notes = ?, updated_at = ?, completed_at = ?
		WHERE request_id = ? AND tenant_id = ? AND status = ? AND assigned_to = ?
	`, StatusCompleted, decision, notes, now, now, requestID, tc.TenantID, StatusAssigned, reviewerID)
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.classifyRespondFailure(ctx, tc, requestID, reviewerID)
	}

	q.metrics.RequestOutcome(tc.TenantID, "completed")

	req, err := q.Get(ctx, tc, requestID)
	if err != nil {
		q.recordPipelineFailure(ctx, tc, requestID, "load_completed", err)
		return nil
	}

	var eventType string
	switch decision {
	case DecisionApprove:
		eventType = stream.TypeHITLApproved
	case DecisionEdit:
		eventType = stream.TypeHITLEdited
	default:
		eventType = stream.TypeHITLRejected
	}
	q.emitEvent(ctx, tc, req, eventType, map[string]any{
		"request_id":  requestID,
		"reviewer_id": reviewerID,
		"decision":    decision,
		"notes":       notes,
		"category":    req.ContextString("category"),
		"ticket_id":   req.ContextString("ticket_id"),
		"agent_id":    req.AgentID,
		"steps":       req.ContextStrings("proposed_steps"),
	})

	if err := q.feedback.Ingest(ctx, tc, &feedback.Outcome{
		RequestID: requestID,
		Question:  req.Question,
		Category:  req.ContextString("category"),
		SubjectID: req.ContextString("customer_id"),
		Steps:     req.ContextStrings("proposed_steps"),
		Decision:  decision,
	}); err != nil {
		q.recordPipelineFailure(ctx, tc, requestID, "feedback_ingest", err)
	}

	return nil
}

// RecordFeedback attaches an external satisfaction score to a completed
// request. Scores at or above the feedback threshold also produce a golden
// path even for non-approve decisions.
func (q *Queue) RecordFeedback(ctx context.Context, tc tenant.Context, requestID string, score float64) error {
	req, err := q.Get(ctx, tc, requestID)
	if err != nil {
		return err
	}
	if req.Status != StatusCompleted {
		return fmt.Errorf("%w: feedback requires a completed request", ErrInvalidRequest)
	}

	if err := q.feedback.Ingest(ctx, tc, &feedback.Outcome{
		RequestID: requestID,
		Question:  req.Question,
		Category:  req.ContextString("category"),
		SubjectID: req.ContextString("customer_id"),
		Steps:     req.ContextStrings("proposed_steps"),
		Decision:  req.Decision,
		Score:     score,
	}); err != nil {
		q.recordPipelineFailure(ctx, tc, requestID, "feedback_score", err)
	}
	return nil
}

// SweepExpired transitions overdue non-terminal requests to expired and
// emits a breach event per request. Safe to run concurrently: each
// transition is its own CAS, so a request completed mid-sweep is left
// alone and a double sweep expires a request exactly once.
func (q *Queue) SweepExpired(ctx context.Context, tc tenant.Context) (int, error) {
	now := time.Now().UTC()
	rows, err := q.db.QueryContext(ctx, `
		SELECT request_id FROM hitl_requests
		WHERE tenant_id = ? AND status IN (?, ?) AND sla_deadline IS NOT NULL AND sla_deadline < ?
	`, tc.TenantID, StatusPending, StatusAssigned, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range candidates {
		res, err := q.db.ExecContext(ctx, `
			UPDATE hitl_requests
			SET status = ?, updated_at = ?
			WHERE request_id = ? AND tenant_id = ? AND status IN (?, ?)
		`, StatusExpired, now, id, tc.TenantID, StatusPending, StatusAssigned)
		if err != nil {
			return expired, fmt.Errorf("sweep expired: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // completed or already expired by a concurrent sweep
		}
		expired++
		q.metrics.RequestOutcome(tc.TenantID, "expired")

		req, err := q.Get(ctx, tc, id)
		if err != nil {
			q.recordPipelineFailure(ctx, tc, id, "load_expired", err)
			continue
		}
		q.emitEvent(ctx, tc, req, stream.TypeSLABreached, map[string]any{
			"request_id": id,
			"priority":   req.Priority,
			"ticket_id":  req.ContextString("ticket_id"),
		})
	}
	return expired, nil
}

// Get loads a single request scoped to the caller's tenant.
func (q *Queue) Get(ctx context.Context, tc tenant.Context, requestID string) (*Request, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT request_id, tenant_id, agent_id, request_type, priority, status, question,
			context, options, COALESCE(dedup_key, ''), decision, notes, assigned_to,
			assigned_at, sla_deadline, created_at, updated_at, completed_at
		FROM hitl_requests
		WHERE request_id = ? AND tenant_id = ?
	`, requestID, tc.TenantID)
	return scanRequest(row)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   string
	Priority string
	Limit    int
}

// List returns requests ordered by priority (critical first), then
// created_at ascending, then request_id for determinism.
func (q *Queue) List(ctx context.Context, tc tenant.Context, filter ListFilter) ([]*Request, error) {
	query := `
		SELECT request_id, tenant_id, agent_id, request_type, priority, status, question,
			context, options, COALESCE(dedup_key, ''), decision, notes, assigned_to,
			assigned_at, sla_deadline, created_at, updated_at, completed_at
		FROM hitl_requests
		WHERE tenant_id = ?`
	args := []any{tc.TenantID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, filter.Priority)
	}
	query += `
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			ELSE 3
		END, created_at ASC, request_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (q *Queue) findByDedupKey(ctx context.Context, tc tenant.Context, key string) (string, bool, error) {
	var id string
	err := q.db.QueryRowContext(ctx, `
		SELECT request_id FROM hitl_requests WHERE tenant_id = ? AND dedup_key = ?
	`, tc.TenantID, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	return id, true, nil
}

func (q *Queue) classifyRespondFailure(ctx context.Context, tc tenant.Context, requestID, reviewerID string) error {
	cur, err := q.Get(ctx, tc, requestID)
	if err != nil {
		return err
	}
	switch cur.Status {
	case StatusPending:
		return fmt.Errorf("%w: request is unassigned", ErrNotAssignee)
	case StatusAssigned:
		return fmt.Errorf("%w: held by %s, not %s", ErrNotAssignee, cur.AssignedTo, reviewerID)
	default:
		return fmt.Errorf("%w: %s", ErrTerminal, cur.Status)
	}
}

// emitEvent appends to the activity stream at-least-once. The event id is
// derived from the transition so replays and concurrent sweeps dedupe to a
// single stream entry.
func (q *Queue) emitEvent(ctx context.Context, tc tenant.Context, req *Request, eventType string, payload map[string]any) {
	_, err := q.stream.Append(ctx, tc, &stream.Event{
		EventID:   eventType + ":" + req.RequestID,
		EventType: eventType,
		Source:    "hitl",
		Payload:   payload,
	})
	if err != nil {
		q.recordPipelineFailure(ctx, tc, req.RequestID, "emit_"+eventType, err)
	}
}

// recordPipelineFailure persists a downstream failure for observability and
// later retry. Downstream failures never propagate to the triggering HITL
// operation.
func (q *Queue) recordPipelineFailure(ctx context.Context, tc tenant.Context, requestID, stage string, cause error) {
	slog.Warn("hitl pipeline stage failed", "tenant", tc.TenantID, "request", requestID, "stage", stage, "error", cause)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pipeline_failures (tenant_id, request_id, stage, error_text)
		VALUES (?, ?, ?, ?)
	`, tc.TenantID, requestID, stage, cause.Error())
	if err != nil {
		slog.Warn("failed to record pipeline failure", "tenant", tc.TenantID, "stage", stage, "error", err)
	}
}

func (q *Queue) touchReviewer(ctx context.Context, tc tenant.Context, reviewerID string, now time.Time) {
	_, _ = q.db.ExecContext(ctx, `
		UPDATE reviewers SET last_assigned_at = ? WHERE tenant_id = ? AND reviewer_id = ?
	`, now, tc.TenantID, reviewerID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var ctxJSON, optJSON string
	var assignedAt, deadline, completedAt sql.NullTime
	err := row.Scan(
		&req.RequestID, &req.TenantID, &req.AgentID, &req.RequestType, &req.Priority,
		&req.Status, &req.Question, &ctxJSON, &optJSON, &req.DedupKey, &req.Decision,
		&req.Notes, &req.AssignedTo, &assignedAt, &deadline, &req.CreatedAt,
		&req.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	if ctxJSON != "" {
		_ = json.Unmarshal([]byte(ctxJSON), &req.Context)
	}
	if optJSON != "" {
		_ = json.Unmarshal([]byte(optJSON), &req.Options)
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		req.AssignedAt = &t
	}
	if deadline.Valid {
		t := deadline.Time
		req.SLADeadline = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return &req, nil
}
