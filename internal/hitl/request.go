// Package hitl implements the human-in-the-loop approval queue: a priority
// queue of approval requests with SLA deadlines, a claim/respond protocol,
// and escalation on breach.
package hitl

import (
	"errors"
	"time"
)

// Priorities, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Request states. completed and expired are terminal.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

// Decisions recorded by Respond.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionEdit    = "edit"
)

var (
	// ErrAlreadyClaimed is the expected outcome for claim races: exactly one
	// concurrent claimant wins, the rest get this. Reported, not logged as
	// an error, so UIs can show "already claimed".
	ErrAlreadyClaimed = errors.New("request already claimed")

	// ErrNotAssignee is returned when respond comes from anyone but the
	// current assignee. State is never mutated.
	ErrNotAssignee = errors.New("caller does not hold the assignment")

	// ErrTerminal is returned for claim/respond against a completed or
	// expired request.
	ErrTerminal = errors.New("request is terminal")

	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("request not found")

	// ErrInvalidRequest is returned by Submit for malformed input.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is an approval request escalated by an agent. Mutation happens
// only through the claim/respond state machine.
type Request struct {
	RequestID   string         `json:"request_id"`
	TenantID    string         `json:"tenant_id"`
	AgentID     string         `json:"agent_id"`
	RequestType string         `json:"request_type"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	Question    string         `json:"question"`
	Context     map[string]any `json:"context,omitempty"`
	Options     []string       `json:"options,omitempty"`
	DedupKey    string         `json:"dedup_key,omitempty"`
	Decision    string         `json:"decision,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	AssignedAt  *time.Time     `json:"assigned_at,omitempty"`
	SLADeadline *time.Time     `json:"sla_deadline,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the request reached a terminal state.
func (r *Request) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusExpired
}

// ContextString extracts a string field from the opaque request context.
func (r *Request) ContextString(key string) string {
	if r.Context == nil {
		return ""
	}
	v, _ := r.Context[key].(string)
	return v
}

// ContextStrings extracts a string slice field from the request context,
// tolerating the []any shape JSON decoding produces.
func (r *Request) ContextStrings(key string) []string {
	if r.Context == nil {
		return nil
	}
	switch v := r.Context[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SLAPolicy maps priority to the time budget before a request expires.
type SLAPolicy struct {
	Critical time.Duration `json:"critical" envconfig:"SLA_CRITICAL"`
	High     time.Duration `json:"high" envconfig:"SLA_HIGH"`
	Medium   time.Duration `json:"medium" envconfig:"SLA_MEDIUM"`
	Low      time.Duration `json:"low" envconfig:"SLA_LOW"`
}

func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{
		Critical: 10 * time.Minute,
		High:     30 * time.Minute,
		Medium:   2 * time.Hour,
		Low:      24 * time.Hour,
	}
}

// Budget returns the SLA duration for a priority.
func (p SLAPolicy) Budget(priority string) time.Duration {
	switch priority {
	case PriorityCritical:
		return p.Critical
	case PriorityHigh:
		return p.High
	case PriorityMedium:
		return p.Medium
	default:
		return p.Low
	}
}

func validPriority(p string) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

func validDecision(d string) bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionEdit:
		return true
	}
	return false
}

// escalated returns the next priority up, or the same priority at the top.
func escalated(p string) string {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh:
		return PriorityCritical
	default:
		return p
	}
}
