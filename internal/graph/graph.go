// Package graph maintains the per-tenant activity graph: customers,
// tickets, agents, resolutions, and playbooks linked by typed edges. The
// graph is a pure projection of the activity stream and can be rebuilt from
// sequence zero at any time.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// Node types.
const (
	NodeCustomer   = "customer"
	NodeTicket     = "ticket"
	NodeAgent      = "agent"
	NodeResolution = "resolution"
	NodePlaybook   = "playbook"
)

// Edge labels.
const (
	EdgeOpened     = "opened"
	EdgeEscalated  = "escalated"
	EdgeResolvedBy = "resolved_by"
	EdgeHandled    = "handled"
)

// ErrNodeNotFound is returned when a lookup misses.
var ErrNodeNotFound = errors.New("graph node not found")

// Node is identified by its business id within a type, not by a synthetic
// key, so replaying the same event lands on the same node.
type Node struct {
	TenantID  string         `json:"tenant_id"`
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Category  string         `json:"category,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Edge links two nodes. The full five-part identity makes edge upserts
// idempotent.
type Edge struct {
	FromType  string    `json:"from_type"`
	FromID    string    `json:"from_id"`
	ToType    string    `json:"to_type"`
	ToID      string    `json:"to_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the graph backend. All writes are upserts keyed on business
// identity; applying the same event twice produces the same graph.
type Store interface {
	UpsertNode(ctx context.Context, tc tenant.Context, node *Node) error
	UpsertEdge(ctx context.Context, tc tenant.Context, edge *Edge) error
	Node(ctx context.Context, tc tenant.Context, nodeType, id string) (*Node, error)
	Neighbors(ctx context.Context, tc tenant.Context, nodeType, id, label string) ([]*Node, error)
	NodesByCategory(ctx context.Context, tc tenant.Context, nodeType, category string, limit int) ([]*Node, error)
	Categories(ctx context.Context, tc tenant.Context, nodeType string) ([]string, error)
	PurgeNode(ctx context.Context, tc tenant.Context, nodeType, id string) (int, error)
}

// JourneyEntry is one step in a customer's history.
type JourneyEntry struct {
	Ticket      *Node   `json:"ticket"`
	Resolutions []*Node `json:"resolutions,omitempty"`
}

// CustomerJourney returns a customer's tickets in creation order, each with
// the resolutions that closed it.
func CustomerJourney(ctx context.Context, tc tenant.Context, store Store, customerID string) ([]JourneyEntry, error) {
	tickets, err := store.Neighbors(ctx, tc, NodeCustomer, customerID, EdgeOpened)
	if err != nil {
		return nil, err
	}
	out := make([]JourneyEntry, 0, len(tickets))
	for _, ticket := range tickets {
		resolutions, err := store.Neighbors(ctx, tc, NodeTicket, ticket.ID, EdgeResolvedBy)
		if err != nil {
			return nil, err
		}
		out = append(out, JourneyEntry{Ticket: ticket, Resolutions: resolutions})
	}
	return out, nil
}

// SimilarResolutions returns resolutions recorded for a ticket category,
// most recent first. Used by agents looking for precedent before escalating.
func SimilarResolutions(ctx context.Context, tc tenant.Context, store Store, category string, limit int) ([]*Node, error) {
	return store.NodesByCategory(ctx, tc, NodeResolution, category, limit)
}
