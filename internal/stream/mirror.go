package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/loopdesk/loopdesk/internal/breaker"
)

// Mirror best-effort publishes appended events to a Kafka topic so external
// consumers can tail the activity log. Messages are keyed by tenant id,
// which preserves per-tenant ordering within a partition. Mirror failures
// never fail the owning Append; the breaker keeps a slow broker from
// blocking the stream.
type Mirror struct {
	writer  *kafka.Writer
	breaker *breaker.Breaker
}

func NewMirror(brokers, topic string, br *breaker.Breaker) *Mirror {
	if br == nil {
		br = breaker.New("kafka-mirror", breaker.DefaultConfig())
	}
	return &Mirror{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(strings.Split(brokers, ",")...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		breaker: br,
	}
}

// Publish sends one event. Errors are absorbed; the breaker logs the outage
// once per window.
func (m *Mirror) Publish(ctx context.Context, evt *Event) {
	value, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("mirror: marshal event failed", "event_id", evt.EventID, "error", err)
		return
	}

	_ = m.breaker.Do(ctx, func(ctx context.Context) error {
		return m.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(evt.TenantID),
			Value: value,
		})
	})
}

func (m *Mirror) Close() error {
	return m.writer.Close()
}
