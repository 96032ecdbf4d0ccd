package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopdesk/loopdesk/internal/governance"
	"github.com/loopdesk/loopdesk/internal/stream"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

// Envelope is the normalized wire format for external activity. Producers
// must supply a stable event_id; redelivery with the same id is dropped by
// the stream's idempotent append.
type Envelope struct {
	EventID   string         `json:"event_id"`
	TenantID  string         `json:"tenant_id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

func (e *Envelope) validate() error {
	if e.EventID == "" {
		return fmt.Errorf("missing event_id")
	}
	if e.TenantID == "" {
		return fmt.Errorf("missing tenant_id")
	}
	if e.EventType == "" {
		return fmt.Errorf("missing event_type")
	}
	return nil
}

// Bridge pumps consumer messages into the activity stream. Malformed
// messages and unknown tenants are logged and dropped rather than wedging
// the partition.
type Bridge struct {
	consumer Consumer
	stream   *stream.Stream
	tenants  *tenant.Registry
	metrics  *governance.Metrics
}

func NewBridge(consumer Consumer, st *stream.Stream, tenants *tenant.Registry, metrics *governance.Metrics) *Bridge {
	return &Bridge{consumer: consumer, stream: st, tenants: tenants, metrics: metrics}
}

// Run consumes until ctx is cancelled or the consumer channel closes.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	slog.Info("ingest bridge started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("ingest bridge stopped")
			return nil
		case msg, ok := <-b.consumer.Messages():
			if !ok {
				slog.Info("ingest bridge stopped", "reason", "consumer closed")
				return nil
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, msg ConsumerMessage) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		slog.Warn("ingest: malformed message", "topic", msg.Topic, "error", err)
		return
	}
	if err := env.validate(); err != nil {
		slog.Warn("ingest: invalid envelope", "topic", msg.Topic, "error", err)
		return
	}

	tc, err := b.tenants.Resolve(ctx, env.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownTenant) {
			slog.Warn("ingest: unknown tenant", "tenant", env.TenantID, "event", env.EventID)
			return
		}
		slog.Error("ingest: resolve tenant", "tenant", env.TenantID, "error", err)
		return
	}

	source := env.Source
	if source == "" {
		source = msg.Topic
	}
	_, err = b.stream.Append(ctx, tc, &stream.Event{
		EventID:   env.EventID,
		EventType: env.EventType,
		Source:    source,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		if errors.Is(err, stream.ErrStoreUnavailable) {
			b.metrics.Degraded("ingest")
		}
		slog.Error("ingest: append failed", "tenant", env.TenantID, "event", env.EventID, "error", err)
	}
}
