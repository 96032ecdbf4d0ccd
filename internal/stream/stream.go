// Package stream provides the append-only, per-tenant ordered activity log.
// sequence_no is the sole ordering authority; wall-clock timestamps are
// advisory.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopdesk/loopdesk/internal/governance"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

// ErrStoreUnavailable signals that the backing log cannot serve the call.
// Callers switch to their degraded path; the breaker handles outage logging.
var ErrStoreUnavailable = errors.New("stream store unavailable")

// Well-known event types emitted by the core subsystems.
const (
	TypeHITLCreated     = "hitl.created"
	TypeHITLApproved    = "hitl.approved"
	TypeHITLRejected    = "hitl.rejected"
	TypeHITLEdited      = "hitl.edited"
	TypeSLABreached     = "sla.breached"
	TypeTicketCreated   = "ticket.created"
	TypePlaybookUpdated = "playbook.updated"
	TypePurgeTombstone  = "compliance.purged"
)

// Event is a single entry in a tenant's activity log.
type Event struct {
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id"`
	SequenceNo int64          `json:"sequence_no"`
	EventType  string         `json:"event_type"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Store is the backing log. Append assigns the tenant's next sequence number
// atomically and is idempotent on event_id (a replayed event keeps its
// original sequence). ReadFrom returns events with sequence_no > fromSeq in
// strictly ascending order.
type Store interface {
	Append(ctx context.Context, tc tenant.Context, evt *Event) (int64, error)
	ReadFrom(ctx context.Context, tc tenant.Context, fromSeq int64, limit int) ([]Event, error)
	LastSequence(ctx context.Context, tc tenant.Context) (int64, error)
}

// Stream wraps a Store with tenant checks, metrics, and an optional Kafka
// mirror. The mirror is best-effort: its failure never fails Append.
type Stream struct {
	store        Store
	mirror       *Mirror
	metrics      *governance.Metrics
	pollInterval time.Duration
}

// Option configures a Stream.
type Option func(*Stream)

func WithMirror(m *Mirror) Option {
	return func(s *Stream) { s.mirror = m }
}

func WithMetrics(m *governance.Metrics) Option {
	return func(s *Stream) { s.metrics = m }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Stream) { s.pollInterval = d }
}

func New(store Store, opts ...Option) *Stream {
	s := &Stream{
		store:        store,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append persists the event under the caller's tenant and returns its
// assigned sequence number. Missing ids and timestamps are filled in.
func (s *Stream) Append(ctx context.Context, tc tenant.Context, evt *Event) (int64, error) {
	if evt.TenantID == "" {
		evt.TenantID = tc.TenantID
	}
	if err := tc.Check(evt.TenantID); err != nil {
		return 0, err
	}
	if err := validateEvent(evt); err != nil {
		return 0, err
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	seq, err := s.store.Append(ctx, tc, evt)
	if err != nil {
		return 0, err
	}
	evt.SequenceNo = seq
	s.metrics.EventAppended(tc.TenantID, evt.EventType)

	if s.mirror != nil {
		s.mirror.Publish(ctx, evt)
	}
	return seq, nil
}

// ReadFrom returns up to limit events after fromSeq, in order.
func (s *Stream) ReadFrom(ctx context.Context, tc tenant.Context, fromSeq int64, limit int) ([]Event, error) {
	return s.store.ReadFrom(ctx, tc, fromSeq, limit)
}

// LastSequence returns the highest assigned sequence number for the tenant.
func (s *Stream) LastSequence(ctx context.Context, tc tenant.Context) (int64, error) {
	return s.store.LastSequence(ctx, tc)
}

// Subscribe delivers events with sequence_no > fromSeq in order on the
// returned channel until ctx is cancelled, then closes it. A consumer that
// crashes can resume by passing its last processed sequence number; it
// receives exactly the remaining events with no gaps. Redelivery after a
// resume may duplicate events but never reorders them.
func (s *Stream) Subscribe(ctx context.Context, tc tenant.Context, fromSeq int64) <-chan Event {
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		next := fromSeq
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			batch, err := s.store.ReadFrom(ctx, tc, next, 256)
			if err != nil && ctx.Err() == nil && !errors.Is(err, ErrStoreUnavailable) {
				// Transient read error; retry on the next tick.
				batch = nil
			}
			for _, evt := range batch {
				select {
				case out <- evt:
					next = evt.SequenceNo
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

// PayloadString extracts a string field from an event payload.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	v, _ := e.Payload[key].(string)
	return v
}

// PayloadStrings extracts a string slice field from an event payload,
// tolerating the []any shape produced by JSON decoding.
func (e *Event) PayloadStrings(key string) []string {
	if e.Payload == nil {
		return nil
	}
	switch v := e.Payload[key].(type) {
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

func validateEvent(evt *Event) error {
	if evt.EventType == "" {
		return fmt.Errorf("event type required")
	}
	return nil
}
