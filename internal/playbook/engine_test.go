package playbook

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/loopdesk/loopdesk/internal/graph"
	"github.com/loopdesk/loopdesk/internal/store"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

func newEngine(t *testing.T) (*Engine, graph.Store, tenant.Context) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "playbook.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	gs := graph.NewSQLiteStore(st.DB())
	engine := NewEngine(st.DB(), gs, nil, nil, DefaultConfig())
	return engine, gs, tenant.Context{TenantID: "acme"}
}

func addResolution(t *testing.T, gs graph.Store, tc tenant.Context, id, category string, steps []string) {
	t.Helper()
	if err := gs.UpsertNode(context.Background(), tc, &graph.Node{
		Type:     graph.NodeResolution,
		ID:       id,
		Category: category,
		Attrs:    map[string]any{"steps": steps},
	}); err != nil {
		t.Fatalf("add resolution %s: %v", id, err)
	}
}

func TestExtractMinesFromMemoryGraphStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "playbook.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	gs := graph.NewMemoryStore()
	engine := NewEngine(st.DB(), gs, nil, nil, DefaultConfig())
	tc := tenant.Context{TenantID: "acme"}
	ctx := context.Background()

	steps := []string{"verify charge", "issue refund"}
	for i := 0; i < 3; i++ {
		addResolution(t, gs, tc, fmt.Sprintf("r%d", i), "billing", steps)
	}

	updated, err := engine.Extract(ctx, tc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if updated == 0 {
		t.Fatalf("extract mined nothing from the memory graph store")
	}
	pb, err := engine.Suggest(ctx, tc, "billing")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if pb == nil || pb.SampleCount != 3 {
		t.Fatalf("expected a 3-sample suggestion, got %+v", pb)
	}
}

func TestSuggestWithoutEnoughSamples(t *testing.T) {
	engine, gs, tc := newEngine(t)
	ctx := context.Background()

	addResolution(t, gs, tc, "r1", "billing", []string{"verify charge", "issue refund"})
	addResolution(t, gs, tc, "r2", "billing", []string{"verify charge", "issue refund"})

	if _, err := engine.Extract(ctx, tc); err != nil {
		t.Fatalf("extract: %v", err)
	}
	pb, err := engine.Suggest(ctx, tc, "billing")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if pb != nil {
		t.Fatalf("two samples must not earn a suggestion, got %+v", pb)
	}
}

func TestExtractPromotesDominantSequence(t *testing.T) {
	engine, gs, tc := newEngine(t)
	ctx := context.Background()

	steps := []string{"verify charge", "issue refund"}
	for i := 0; i < 3; i++ {
		addResolution(t, gs, tc, fmt.Sprintf("r%d", i), "billing", steps)
	}
	addResolution(t, gs, tc, "outlier", "billing", []string{"escalate to finance"})

	updated, err := engine.Extract(ctx, tc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if updated != 2 {
		t.Fatalf("expected 2 new playbooks, got %d", updated)
	}

	pb, err := engine.Suggest(ctx, tc, "billing")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if pb == nil {
		t.Fatalf("expected a suggestion")
	}
	if pb.SampleCount != 3 {
		t.Fatalf("sample count = %d, want 3", pb.SampleCount)
	}
	if pb.SuccessRate != 0.75 {
		t.Fatalf("success rate = %f, want 0.75", pb.SuccessRate)
	}
	if len(pb.Steps) != 2 || pb.Steps[0] != steps[0] || pb.Steps[1] != steps[1] {
		t.Fatalf("unexpected steps: %v", pb.Steps)
	}
	if pb.Status != StatusActive {
		t.Fatalf("expected active, got %s", pb.Status)
	}
}

func TestExtractIsQuietWhenNothingChanged(t *testing.T) {
	engine, gs, tc := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addResolution(t, gs, tc, fmt.Sprintf("r%d", i), "billing", []string{"a", "b"})
	}
	if _, err := engine.Extract(ctx, tc); err != nil {
		t.Fatalf("extract: %v", err)
	}

	updated, err := engine.Extract(ctx, tc)
	if err != nil {
		t.Fatalf("second extract: %v", err)
	}
	if updated != 0 {
		t.Fatalf("unchanged data must not report updates, got %d", updated)
	}
}

func TestSimilarSequencesMergeIntoOneCluster(t *testing.T) {
	engine, gs, tc := newEngine(t)
	ctx := context.Background()

	addResolution(t, gs, tc, "r1", "account", []string{"verify identity", "reset password", "notify customer"})
	addResolution(t, gs, tc, "r2", "account", []string{"verify identity", "reset password", "notify customer"})
	addResolution(t, gs, tc, "r3", "account", []string{"verify identity", "reset password", "notify customer", "close ticket"})

	if _, err := engine.Extract(ctx, tc); err != nil {
		t.Fatalf("extract: %v", err)
	}

	playbooks, err := engine.List(ctx, tc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(playbooks) != 1 {
		t.Fatalf("expected one merged playbook, got %d", len(playbooks))
	}
	pb := playbooks[0]
	if pb.SampleCount != 3 || pb.SuccessRate != 1.0 {
		t.Fatalf("unexpected cluster stats: %+v", pb)
	}
	if len(pb.Steps) != 3 {
		t.Fatalf("representative must be the dominant exact sequence, got %v", pb.Steps)
	}
}

func TestReextractionUpdatesInPlace(t *testing.T) {
	engine, gs, tc := newEngine(t)
	ctx := context.Background()

	steps := []string{"a", "b"}
	for i := 0; i < 3; i++ {
		addResolution(t, gs, tc, fmt.Sprintf("r%d", i), "billing", steps)
	}
	if _, err := engine.Extract(ctx, tc); err != nil {
		t.Fatalf("extract: %v", err)
	}
	first, err := engine.Suggest(ctx, tc, "billing")
	if err != nil || first == nil {
		t.Fatalf("suggest: %v %v", first, err)
	}

	addResolution(t, gs, tc, "r3", "billing", steps)
	if _, err := engine.Extract(ctx, tc); err != nil {
		t.Fatalf("re-extract: %v", err)
	}
	second, err := engine.Suggest(ctx, tc, "billing")
	if err != nil || second == nil {
		t.Fatalf("suggest: %v %v", second, err)
	}
	if second.PlaybookID != first.PlaybookID {
		t.Fatalf("same fingerprint must keep its playbook id: %s vs %s", first.PlaybookID, second.PlaybookID)
	}
	if second.SampleCount != 4 {
		t.Fatalf("sample count = %d, want 4", second.SampleCount)
	}
}

func TestStaleFingerprintIsSupersededNotDeleted(t *testing.T) {
	engine, gs, tc := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addResolution(t, gs, tc, fmt.Sprintf("old%d", i), "billing", []string{"old", "procedure"})
	}
	if _, err := engine.Extract(ctx, tc); err != nil {
		t.Fatalf("extract: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := gs.PurgeNode(ctx, tc, graph.NodeResolution, fmt.Sprintf("old%d", i)); err != nil {
			t.Fatalf("purge: %v", err)
		}
		addResolution(t, gs, tc, fmt.Sprintf("new%d", i), "billing", []string{"new", "procedure"})
	}
	if _, err := engine.Extract(ctx, tc); err != nil {
		t.Fatalf("re-extract: %v", err)
	}

	playbooks, err := engine.List(ctx, tc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(playbooks) != 2 {
		t.Fatalf("superseded playbooks must be kept, got %d", len(playbooks))
	}
	var active, superseded int
	for _, pb := range playbooks {
		switch pb.Status {
		case StatusActive:
			active++
			if pb.Steps[0] != "new" {
				t.Fatalf("wrong active playbook: %+v", pb)
			}
		case StatusSuperseded:
			superseded++
		}
	}
	if active != 1 || superseded != 1 {
		t.Fatalf("expected 1 active and 1 superseded, got %d/%d", active, superseded)
	}
}

func TestPrefixSimilarity(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{[]string{"a", "b"}, []string{"a", "b"}, 1},
		{[]string{"a", "b", "c"}, []string{"a", "b", "c", "d"}, 0.75},
		{[]string{"a"}, []string{"x"}, 0},
		{nil, nil, 1},
	}
	for i, c := range cases {
		if got := prefixSimilarity(c.a, c.b); got != c.want {
			t.Fatalf("case %d: got %f, want %f", i, got, c.want)
		}
	}
}
