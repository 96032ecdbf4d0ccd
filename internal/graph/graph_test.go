package graph

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/loopdesk/loopdesk/internal/store"
	"github.com/loopdesk/loopdesk/internal/stream"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

func openStores(t *testing.T) []Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return []Store{NewSQLiteStore(st.DB()), NewMemoryStore()}
}

func storeName(s Store) string {
	switch s.(type) {
	case *SQLiteStore:
		return "sqlite"
	default:
		return "memory"
	}
}

func TestUpsertNodeIsIdempotent(t *testing.T) {
	for _, gs := range openStores(t) {
		t.Run(storeName(gs), func(t *testing.T) {
			ctx := context.Background()
			tc := tenant.Context{TenantID: "acme"}

			node := &Node{Type: NodeTicket, ID: "T-1", Category: "billing", Attrs: map[string]any{"subject": "refund"}}
			if err := gs.UpsertNode(ctx, tc, node); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if err := gs.UpsertNode(ctx, tc, &Node{Type: NodeTicket, ID: "T-1", Attrs: map[string]any{"subject": "refund again"}}); err != nil {
				t.Fatalf("second upsert: %v", err)
			}

			got, err := gs.Node(ctx, tc, NodeTicket, "T-1")
			if err != nil {
				t.Fatalf("node: %v", err)
			}
			if got.Category != "billing" {
				t.Fatalf("category must survive an upsert without one, got %q", got.Category)
			}
			if got.Attrs["subject"] != "refund again" {
				t.Fatalf("attrs not updated: %+v", got.Attrs)
			}
		})
	}
}

func TestNodeNotFound(t *testing.T) {
	for _, gs := range openStores(t) {
		t.Run(storeName(gs), func(t *testing.T) {
			_, err := gs.Node(context.Background(), tenant.Context{TenantID: "acme"}, NodeTicket, "missing")
			if !errors.Is(err, ErrNodeNotFound) {
				t.Fatalf("expected ErrNodeNotFound, got %v", err)
			}
		})
	}
}

func TestNeighborsFollowLabel(t *testing.T) {
	for _, gs := range openStores(t) {
		t.Run(storeName(gs), func(t *testing.T) {
			ctx := context.Background()
			tc := tenant.Context{TenantID: "acme"}

			mustUpsert := func(n *Node) {
				if err := gs.UpsertNode(ctx, tc, n); err != nil {
					t.Fatalf("upsert node: %v", err)
				}
			}
			mustUpsert(&Node{Type: NodeCustomer, ID: "cust-1"})
			mustUpsert(&Node{Type: NodeTicket, ID: "T-1"})
			mustUpsert(&Node{Type: NodeTicket, ID: "T-2"})

			for _, ticket := range []string{"T-1", "T-2"} {
				if err := gs.UpsertEdge(ctx, tc, &Edge{
					FromType: NodeCustomer, FromID: "cust-1",
					ToType: NodeTicket, ToID: ticket, Label: EdgeOpened,
				}); err != nil {
					t.Fatalf("upsert edge: %v", err)
				}
			}
			// Re-adding an edge must not duplicate it.
			if err := gs.UpsertEdge(ctx, tc, &Edge{
				FromType: NodeCustomer, FromID: "cust-1",
				ToType: NodeTicket, ToID: "T-1", Label: EdgeOpened,
			}); err != nil {
				t.Fatalf("re-upsert edge: %v", err)
			}

			tickets, err := gs.Neighbors(ctx, tc, NodeCustomer, "cust-1", EdgeOpened)
			if err != nil {
				t.Fatalf("neighbors: %v", err)
			}
			if len(tickets) != 2 {
				t.Fatalf("expected 2 tickets, got %d", len(tickets))
			}
			if tickets[0].ID != "T-1" || tickets[1].ID != "T-2" {
				t.Fatalf("expected creation order, got %s, %s", tickets[0].ID, tickets[1].ID)
			}
		})
	}
}

func TestPurgeNodeRemovesEdgesBothWays(t *testing.T) {
	for _, gs := range openStores(t) {
		t.Run(storeName(gs), func(t *testing.T) {
			ctx := context.Background()
			tc := tenant.Context{TenantID: "acme"}

			for _, n := range []*Node{
				{Type: NodeCustomer, ID: "cust-1"},
				{Type: NodeTicket, ID: "T-1"},
			} {
				if err := gs.UpsertNode(ctx, tc, n); err != nil {
					t.Fatalf("upsert node: %v", err)
				}
			}
			if err := gs.UpsertEdge(ctx, tc, &Edge{
				FromType: NodeCustomer, FromID: "cust-1",
				ToType: NodeTicket, ToID: "T-1", Label: EdgeOpened,
			}); err != nil {
				t.Fatalf("upsert edge: %v", err)
			}

			n, err := gs.PurgeNode(ctx, tc, NodeCustomer, "cust-1")
			if err != nil {
				t.Fatalf("purge: %v", err)
			}
			if n != 2 {
				t.Fatalf("expected node plus edge removed, got %d", n)
			}
			if _, err := gs.Node(ctx, tc, NodeCustomer, "cust-1"); !errors.Is(err, ErrNodeNotFound) {
				t.Fatalf("purged node still present: %v", err)
			}
			if got, _ := gs.Node(ctx, tc, NodeTicket, "T-1"); got == nil {
				t.Fatalf("ticket must survive a customer purge")
			}
		})
	}
}

func TestCategoriesAreDistinctAndSorted(t *testing.T) {
	for _, gs := range openStores(t) {
		t.Run(storeName(gs), func(t *testing.T) {
			ctx := context.Background()
			tc := tenant.Context{TenantID: "acme"}

			for i, cat := range []string{"shipping", "billing", "billing", ""} {
				if err := gs.UpsertNode(ctx, tc, &Node{
					Type:     NodeResolution,
					ID:       fmt.Sprintf("r%d", i),
					Category: cat,
				}); err != nil {
					t.Fatalf("upsert: %v", err)
				}
			}
			if err := gs.UpsertNode(ctx, tc, &Node{Type: NodeTicket, ID: "T-1", Category: "returns"}); err != nil {
				t.Fatalf("upsert ticket: %v", err)
			}

			cats, err := gs.Categories(ctx, tc, NodeResolution)
			if err != nil {
				t.Fatalf("categories: %v", err)
			}
			if len(cats) != 2 || cats[0] != "billing" || cats[1] != "shipping" {
				t.Fatalf("unexpected categories: %v", cats)
			}
			if cats, _ := gs.Categories(ctx, tenant.Context{TenantID: "globex"}, NodeResolution); len(cats) != 0 {
				t.Fatalf("cross-tenant categories visible: %v", cats)
			}
		})
	}
}

func TestStoresAreTenantScoped(t *testing.T) {
	for _, gs := range openStores(t) {
		t.Run(storeName(gs), func(t *testing.T) {
			ctx := context.Background()
			acme := tenant.Context{TenantID: "acme"}
			globex := tenant.Context{TenantID: "globex"}

			if err := gs.UpsertNode(ctx, acme, &Node{Type: NodeCustomer, ID: "cust-1"}); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if _, err := gs.Node(ctx, globex, NodeCustomer, "cust-1"); !errors.Is(err, ErrNodeNotFound) {
				t.Fatalf("cross-tenant node visible: %v", err)
			}
		})
	}
}

func newBuilderFixture(t *testing.T) (*Builder, *stream.Stream, Store, tenant.Context) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	str := stream.New(stream.NewSQLiteStore(st.DB()))
	gs := NewSQLiteStore(st.DB())
	return NewBuilder(gs, str), str, gs, tenant.Context{TenantID: "acme"}
}

func appendEvent(t *testing.T, str *stream.Stream, tc tenant.Context, eventType string, payload map[string]any) {
	t.Helper()
	if _, err := str.Append(context.Background(), tc, &stream.Event{
		EventType: eventType,
		Source:    "test",
		Payload:   payload,
	}); err != nil {
		t.Fatalf("append %s: %v", eventType, err)
	}
}

func TestRebuildProjectsJourney(t *testing.T) {
	builder, str, gs, tc := newBuilderFixture(t)
	ctx := context.Background()

	appendEvent(t, str, tc, stream.TypeTicketCreated, map[string]any{
		"customer_id": "cust-1", "ticket_id": "T-1", "category": "billing", "subject": "double charge",
	})
	appendEvent(t, str, tc, stream.TypeHITLCreated, map[string]any{
		"agent_id": "agent-1", "ticket_id": "T-1", "category": "billing", "request_id": "r1",
	})
	appendEvent(t, str, tc, stream.TypeHITLApproved, map[string]any{
		"request_id": "r1", "ticket_id": "T-1", "agent_id": "agent-1",
		"category": "billing", "reviewer_id": "rev-1",
		"steps": []any{"verify charge", "issue refund"},
	})

	applied, err := builder.Rebuild(ctx, tc)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if applied != 3 {
		t.Fatalf("expected 3 events applied, got %d", applied)
	}
	if builder.Checkpoint(tc.TenantID) != 3 {
		t.Fatalf("checkpoint = %d, want 3", builder.Checkpoint(tc.TenantID))
	}

	journey, err := CustomerJourney(ctx, tc, gs, "cust-1")
	if err != nil {
		t.Fatalf("journey: %v", err)
	}
	if len(journey) != 1 {
		t.Fatalf("expected 1 ticket, got %d", len(journey))
	}
	if journey[0].Ticket.ID != "T-1" || journey[0].Ticket.Category != "billing" {
		t.Fatalf("unexpected ticket: %+v", journey[0].Ticket)
	}
	if len(journey[0].Resolutions) != 1 || journey[0].Resolutions[0].ID != "r1" {
		t.Fatalf("unexpected resolutions: %+v", journey[0].Resolutions)
	}

	handled, err := gs.Neighbors(ctx, tc, NodeAgent, "agent-1", EdgeHandled)
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(handled) != 1 || handled[0].ID != "r1" {
		t.Fatalf("expected agent handled r1, got %+v", handled)
	}
}

func TestReplayConverges(t *testing.T) {
	builder, str, gs, tc := newBuilderFixture(t)
	ctx := context.Background()

	appendEvent(t, str, tc, stream.TypeTicketCreated, map[string]any{
		"customer_id": "cust-1", "ticket_id": "T-1", "category": "billing",
	})

	for i := 0; i < 2; i++ {
		if _, err := builder.Rebuild(ctx, tc); err != nil {
			t.Fatalf("rebuild %d: %v", i, err)
		}
	}

	tickets, err := gs.Neighbors(ctx, tc, NodeCustomer, "cust-1", EdgeOpened)
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(tickets) != 1 {
		t.Fatalf("replay duplicated the graph: %d tickets", len(tickets))
	}
}

func TestApplySkipsIncompleteAndUnknownEvents(t *testing.T) {
	builder, _, gs, tc := newBuilderFixture(t)
	ctx := context.Background()

	events := []*stream.Event{
		{EventType: stream.TypeTicketCreated, Payload: map[string]any{"ticket_id": "T-1"}},
		{EventType: stream.TypeHITLCreated, Payload: map[string]any{"ticket_id": "T-1"}},
		{EventType: "something.else", Payload: map[string]any{"ticket_id": "T-1"}},
	}
	for i, evt := range events {
		if err := builder.Apply(ctx, tc, evt); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if _, err := gs.Node(ctx, tc, NodeTicket, "T-1"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("incomplete events must not create nodes: %v", err)
	}
}

func TestSimilarResolutionsMostRecentFirst(t *testing.T) {
	for _, gs := range openStores(t) {
		t.Run(storeName(gs), func(t *testing.T) {
			ctx := context.Background()
			tc := tenant.Context{TenantID: "acme"}

			for i := 0; i < 3; i++ {
				if err := gs.UpsertNode(ctx, tc, &Node{
					Type:     NodeResolution,
					ID:       fmt.Sprintf("r%d", i),
					Category: "billing",
				}); err != nil {
					t.Fatalf("upsert: %v", err)
				}
			}
			if err := gs.UpsertNode(ctx, tc, &Node{Type: NodeResolution, ID: "other", Category: "account"}); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			got, err := SimilarResolutions(ctx, tc, gs, "billing", 2)
			if err != nil {
				t.Fatalf("similar: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected limit 2, got %d", len(got))
			}
			for _, n := range got {
				if n.Category != "billing" {
					t.Fatalf("wrong category in results: %+v", n)
				}
			}
		})
	}
}
