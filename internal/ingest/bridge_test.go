package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopdesk/loopdesk/internal/store"
	"github.com/loopdesk/loopdesk/internal/stream"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

func newBridgeFixture(t *testing.T) (*Bridge, *ChannelConsumer, *stream.Stream, tenant.Context) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tenants := tenant.NewRegistry(st.DB())
	tc, err := tenants.Provision(context.Background(), "acme", "standard", "")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	str := stream.New(stream.NewSQLiteStore(st.DB()))
	consumer := NewChannelConsumer()
	return NewBridge(consumer, str, tenants, nil), consumer, str, tc
}

func envelope(t *testing.T, env Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func runBridge(t *testing.T, bridge *Bridge, consumer *ChannelConsumer) func() {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(context.Background())
	}()
	return func() {
		_ = consumer.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("bridge did not stop")
		}
	}
}

func TestBridgeAppendsValidEnvelopes(t *testing.T) {
	bridge, consumer, str, tc := newBridgeFixture(t)
	stop := runBridge(t, bridge, consumer)

	consumer.Send(ConsumerMessage{
		Topic: "support.activity",
		Value: envelope(t, Envelope{
			EventID:   "evt-1",
			TenantID:  "acme",
			EventType: stream.TypeTicketCreated,
			Payload:   map[string]any{"ticket_id": "T-1", "customer_id": "cust-1"},
		}),
	})
	stop()

	events, err := str.ReadFrom(context.Background(), tc, 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.EventType != stream.TypeTicketCreated || evt.EventID != "evt-1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Source != "support.activity" {
		t.Fatalf("source must default to the topic, got %q", evt.Source)
	}
}

func TestBridgeDropsMalformedAndUnknown(t *testing.T) {
	bridge, consumer, str, tc := newBridgeFixture(t)
	stop := runBridge(t, bridge, consumer)

	consumer.Send(ConsumerMessage{Topic: "support.activity", Value: []byte("not json")})
	consumer.Send(ConsumerMessage{
		Topic: "support.activity",
		Value: envelope(t, Envelope{TenantID: "acme", EventType: "ticket.created"}),
	})
	consumer.Send(ConsumerMessage{
		Topic: "support.activity",
		Value: envelope(t, Envelope{EventID: "evt-x", TenantID: "nobody", EventType: "ticket.created"}),
	})
	consumer.Send(ConsumerMessage{
		Topic: "support.activity",
		Value: envelope(t, Envelope{EventID: "evt-ok", TenantID: "acme", EventType: "ticket.created"}),
	})
	stop()

	events, err := str.ReadFrom(context.Background(), tc, 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "evt-ok" {
		t.Fatalf("only the valid envelope should land, got %+v", events)
	}
}

func TestBridgeRedeliveryIsDeduped(t *testing.T) {
	bridge, consumer, str, tc := newBridgeFixture(t)
	stop := runBridge(t, bridge, consumer)

	msg := ConsumerMessage{
		Topic: "support.activity",
		Value: envelope(t, Envelope{EventID: "evt-1", TenantID: "acme", EventType: "ticket.created"}),
	}
	consumer.Send(msg)
	consumer.Send(msg)
	stop()

	events, err := str.ReadFrom(context.Background(), tc, 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("redelivery must dedupe to one event, got %d", len(events))
	}
}
