package graph

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loopdesk/loopdesk/internal/stream"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

// Builder projects activity events onto the graph. Every recipe is an
// upsert on business identity, so the builder tolerates replays and can
// rebuild the whole graph from sequence zero after a wipe.
type Builder struct {
	store  Store
	stream *stream.Stream

	mu          sync.Mutex
	checkpoints map[string]int64
}

func NewBuilder(store Store, st *stream.Stream) *Builder {
	return &Builder{
		store:       store,
		stream:      st,
		checkpoints: make(map[string]int64),
	}
}

// Checkpoint returns the last applied sequence for a tenant.
func (b *Builder) Checkpoint(tenantID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkpoints[tenantID]
}

func (b *Builder) advance(tenantID string, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.checkpoints[tenantID] {
		b.checkpoints[tenantID] = seq
	}
}

// Run tails a tenant's stream from the current checkpoint and applies every
// event until ctx is cancelled. Apply failures are logged and skipped; the
// event can be re-applied by a later Rebuild.
func (b *Builder) Run(ctx context.Context, tc tenant.Context) {
	from := b.Checkpoint(tc.TenantID)
	slog.Info("graph builder started", "tenant", tc.TenantID, "from_seq", from)
	for evt := range b.stream.Subscribe(ctx, tc, from) {
		if err := b.Apply(ctx, tc, &evt); err != nil {
			slog.Error("graph apply failed", "tenant", tc.TenantID,
				"seq", evt.SequenceNo, "type", evt.EventType, "error", err)
		}
		b.advance(tc.TenantID, evt.SequenceNo)
	}
	slog.Info("graph builder stopped", "tenant", tc.TenantID)
}

// Rebuild replays a tenant's full stream through the recipes and returns
// the number of events applied.
func (b *Builder) Rebuild(ctx context.Context, tc tenant.Context) (int, error) {
	applied := 0
	var from int64
	for {
		events, err := b.stream.ReadFrom(ctx, tc, from, 256)
		if err != nil {
			return applied, err
		}
		if len(events) == 0 {
			return applied, nil
		}
		for i := range events {
			if err := b.Apply(ctx, tc, &events[i]); err != nil {
				return applied, err
			}
			applied++
			from = events[i].SequenceNo
			b.advance(tc.TenantID, from)
		}
	}
}

// Apply routes one event through its recipe. Unknown event types are
// ignored so new producers never break the projection.
func (b *Builder) Apply(ctx context.Context, tc tenant.Context, evt *stream.Event) error {
	switch evt.EventType {
	case stream.TypeTicketCreated:
		return b.applyTicketCreated(ctx, tc, evt)
	case stream.TypeHITLCreated:
		return b.applyEscalation(ctx, tc, evt)
	case stream.TypeHITLApproved:
		return b.applyResolution(ctx, tc, evt)
	case stream.TypePlaybookUpdated:
		return b.applyPlaybook(ctx, tc, evt)
	default:
		return nil
	}
}

func (b *Builder) applyTicketCreated(ctx context.Context, tc tenant.Context, evt *stream.Event) error {
	customerID := evt.PayloadString("customer_id")
	ticketID := evt.PayloadString("ticket_id")
	if customerID == "" || ticketID == "" {
		return nil
	}
	if err := b.store.UpsertNode(ctx, tc, &Node{Type: NodeCustomer, ID: customerID}); err != nil {
		return err
	}
	if err := b.store.UpsertNode(ctx, tc, &Node{
		Type:     NodeTicket,
		ID:       ticketID,
		Category: evt.PayloadString("category"),
		Attrs:    map[string]any{"subject": evt.PayloadString("subject")},
	}); err != nil {
		return err
	}
	return b.store.UpsertEdge(ctx, tc, &Edge{
		FromType: NodeCustomer, FromID: customerID,
		ToType: NodeTicket, ToID: ticketID,
		Label: EdgeOpened,
	})
}

func (b *Builder) applyEscalation(ctx context.Context, tc tenant.Context, evt *stream.Event) error {
	agentID := evt.PayloadString("agent_id")
	ticketID := evt.PayloadString("ticket_id")
	if agentID == "" {
		return nil
	}
	if err := b.store.UpsertNode(ctx, tc, &Node{Type: NodeAgent, ID: agentID}); err != nil {
		return err
	}
	if ticketID == "" {
		return nil
	}
	if err := b.store.UpsertNode(ctx, tc, &Node{
		Type:     NodeTicket,
		ID:       ticketID,
		Category: evt.PayloadString("category"),
	}); err != nil {
		return err
	}
	return b.store.UpsertEdge(ctx, tc, &Edge{
		FromType: NodeAgent, FromID: agentID,
		ToType: NodeTicket, ToID: ticketID,
		Label: EdgeEscalated,
	})
}

// applyResolution keys the resolution node on the request id, so a
// re-delivered approval converges on the same node.
func (b *Builder) applyResolution(ctx context.Context, tc tenant.Context, evt *stream.Event) error {
	requestID := evt.PayloadString("request_id")
	if requestID == "" {
		return nil
	}
	if err := b.store.UpsertNode(ctx, tc, &Node{
		Type:     NodeResolution,
		ID:       requestID,
		Category: evt.PayloadString("category"),
		Attrs: map[string]any{
			"steps":       evt.PayloadStrings("steps"),
			"reviewer_id": evt.PayloadString("reviewer_id"),
			"notes":       evt.PayloadString("notes"),
		},
	}); err != nil {
		return err
	}
	if ticketID := evt.PayloadString("ticket_id"); ticketID != "" {
		if err := b.store.UpsertEdge(ctx, tc, &Edge{
			FromType: NodeTicket, FromID: ticketID,
			ToType: NodeResolution, ToID: requestID,
			Label: EdgeResolvedBy,
		}); err != nil {
			return err
		}
	}
	if agentID := evt.PayloadString("agent_id"); agentID != "" {
		if err := b.store.UpsertNode(ctx, tc, &Node{Type: NodeAgent, ID: agentID}); err != nil {
			return err
		}
		if err := b.store.UpsertEdge(ctx, tc, &Edge{
			FromType: NodeAgent, FromID: agentID,
			ToType: NodeResolution, ToID: requestID,
			Label: EdgeHandled,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) applyPlaybook(ctx context.Context, tc tenant.Context, evt *stream.Event) error {
	playbookID := evt.PayloadString("playbook_id")
	if playbookID == "" {
		return nil
	}
	return b.store.UpsertNode(ctx, tc, &Node{
		Type:     NodePlaybook,
		ID:       playbookID,
		Category: evt.PayloadString("category"),
		Attrs: map[string]any{
			"steps": evt.PayloadStrings("steps"),
		},
	})
}
