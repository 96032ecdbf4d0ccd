package compliance

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loopdesk/loopdesk/internal/feedback"
	"github.com/loopdesk/loopdesk/internal/graph"
	"github.com/loopdesk/loopdesk/internal/store"
	"github.com/loopdesk/loopdesk/internal/stream"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

func TestPurgeSubjectErasesEverywhere(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "purge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme"}

	fb := feedback.NewLoop(feedback.DefaultConfig(), feedback.NewSQLiteVecStore(st.DB()), nil, nil, nil)
	gs := graph.NewSQLiteStore(st.DB())
	str := stream.New(stream.NewSQLiteStore(st.DB()))
	purger := NewPurger(fb, gs, str)

	if err := fb.Ingest(ctx, tc, &feedback.Outcome{
		Question:  "refund for cust-9",
		SubjectID: "cust-9",
		Decision:  "approve",
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	for _, n := range []*graph.Node{
		{Type: graph.NodeCustomer, ID: "cust-9"},
		{Type: graph.NodeTicket, ID: "T-1"},
	} {
		if err := gs.UpsertNode(ctx, tc, n); err != nil {
			t.Fatalf("upsert node: %v", err)
		}
	}
	if err := gs.UpsertEdge(ctx, tc, &graph.Edge{
		FromType: graph.NodeCustomer, FromID: "cust-9",
		ToType: graph.NodeTicket, ToID: "T-1", Label: graph.EdgeOpened,
	}); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}

	res, err := purger.PurgeSubject(ctx, tc, "cust-9")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if res.GoldenPaths != 1 {
		t.Fatalf("golden paths = %d, want 1", res.GoldenPaths)
	}
	if res.GraphRecords != 2 {
		t.Fatalf("graph records = %d, want 2 (node plus edge)", res.GraphRecords)
	}
	if res.TombstoneSeq == 0 {
		t.Fatalf("expected a tombstone sequence")
	}

	if _, err := gs.Node(ctx, tc, graph.NodeCustomer, "cust-9"); !errors.Is(err, graph.ErrNodeNotFound) {
		t.Fatalf("customer node still present: %v", err)
	}
	hits, err := fb.Search(ctx, tc, "refund for cust-9", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("golden path still searchable after purge")
	}

	events, err := str.ReadFrom(ctx, tc, 0, 10)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(events) != 1 || events[0].EventType != stream.TypePurgeTombstone {
		t.Fatalf("expected a single tombstone event, got %+v", events)
	}
	if events[0].Payload["subject_id"] != "cust-9" {
		t.Fatalf("unexpected tombstone payload: %+v", events[0].Payload)
	}
}

func TestRepeatPurgeIsIdempotent(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "purge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	tc := tenant.Context{TenantID: "acme"}

	fb := feedback.NewLoop(feedback.DefaultConfig(), feedback.NewSQLiteVecStore(st.DB()), nil, nil, nil)
	gs := graph.NewSQLiteStore(st.DB())
	str := stream.New(stream.NewSQLiteStore(st.DB()))
	purger := NewPurger(fb, gs, str)

	first, err := purger.PurgeSubject(ctx, tc, "cust-9")
	if err != nil {
		t.Fatalf("first purge: %v", err)
	}
	second, err := purger.PurgeSubject(ctx, tc, "cust-9")
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if second.GoldenPaths != 0 || second.GraphRecords != 0 {
		t.Fatalf("repeat purge deleted again: %+v", second)
	}
	if second.TombstoneSeq != first.TombstoneSeq {
		t.Fatalf("repeat purge must land on the same tombstone: %d vs %d", first.TombstoneSeq, second.TombstoneSeq)
	}

	events, err := str.ReadFrom(ctx, tc, 0, 10)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one tombstone, got %d", len(events))
	}
}

func TestPurgeRequiresSubjectID(t *testing.T) {
	purger := NewPurger(nil, graph.NewMemoryStore(), nil)
	if _, err := purger.PurgeSubject(context.Background(), tenant.Context{TenantID: "acme"}, ""); err == nil {
		t.Fatalf("expected error for empty subject id")
	}
}
