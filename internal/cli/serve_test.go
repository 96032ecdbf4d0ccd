package cli

import (
	"path/filepath"
	"testing"

	"github.com/loopdesk/loopdesk/internal/config"
	"github.com/loopdesk/loopdesk/internal/graph"
	"github.com/loopdesk/loopdesk/internal/store"
	"github.com/loopdesk/loopdesk/internal/stream"
)

func TestStoreModeSelection(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "serve.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	db := st.DB()

	cfg := config.DefaultConfig()
	es, err := newEventStore(cfg, db)
	if err != nil {
		t.Fatalf("default event store: %v", err)
	}
	if _, ok := es.(*stream.SQLiteStore); !ok {
		t.Fatalf("default stream mode must be durable, got %T", es)
	}
	gs, err := newGraphStore(cfg, db)
	if err != nil {
		t.Fatalf("default graph store: %v", err)
	}
	if _, ok := gs.(*graph.SQLiteStore); !ok {
		t.Fatalf("default graph mode must be durable, got %T", gs)
	}

	cfg.Stream.Mode = config.ModeMemory
	cfg.Graph.Mode = config.ModeMemory
	es, err = newEventStore(cfg, db)
	if err != nil {
		t.Fatalf("memory event store: %v", err)
	}
	if _, ok := es.(*stream.RingStore); !ok {
		t.Fatalf("memory stream mode must use the ring store, got %T", es)
	}
	gs, err = newGraphStore(cfg, db)
	if err != nil {
		t.Fatalf("memory graph store: %v", err)
	}
	if _, ok := gs.(*graph.MemoryStore); !ok {
		t.Fatalf("memory graph mode must use the memory store, got %T", gs)
	}
}

func TestStoreModeRejectsUnknown(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "serve.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DefaultConfig()
	cfg.Stream.Mode = "redis"
	if _, err := newEventStore(cfg, st.DB()); err == nil {
		t.Fatalf("expected an error for an unknown stream mode")
	}
	cfg = config.DefaultConfig()
	cfg.Graph.Mode = "redis"
	if _, err := newGraphStore(cfg, st.DB()); err == nil {
		t.Fatalf("expected an error for an unknown graph mode")
	}
}
