package stream

import (
	"context"
	"sync"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// RingStore is the degraded in-process Store used when no durable log is
// configured. Events are delivered in order to in-process subscribers but
// are lost on restart; operators opting into memory mode accept that.
type RingStore struct {
	capacity int

	mu      sync.Mutex
	tenants map[string]*tenantRing
}

type tenantRing struct {
	nextSeq int64
	events  []Event // ordered, oldest first, bounded by capacity
	byID    map[string]int64
}

func NewRingStore(capacity int) *RingStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingStore{
		capacity: capacity,
		tenants:  make(map[string]*tenantRing),
	}
}

func (r *RingStore) ring(tenantID string) *tenantRing {
	tr, ok := r.tenants[tenantID]
	if !ok {
		tr = &tenantRing{nextSeq: 1, byID: make(map[string]int64)}
		r.tenants[tenantID] = tr
	}
	return tr
}

func (r *RingStore) Append(ctx context.Context, tc tenant.Context, evt *Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr := r.ring(tc.TenantID)
	if evt.EventID != "" {
		if seq, ok := tr.byID[evt.EventID]; ok {
			return seq, nil
		}
	}

	seq := tr.nextSeq
	tr.nextSeq++

	stored := *evt
	stored.SequenceNo = seq
	tr.events = append(tr.events, stored)
	if evt.EventID != "" {
		tr.byID[evt.EventID] = seq
	}
	if len(tr.events) > r.capacity {
		evicted := tr.events[0]
		delete(tr.byID, evicted.EventID)
		tr.events = tr.events[1:]
	}
	return seq, nil
}

func (r *RingStore) ReadFrom(ctx context.Context, tc tenant.Context, fromSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 256
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tr := r.ring(tc.TenantID)
	var out []Event
	for _, evt := range tr.events {
		if evt.SequenceNo <= fromSeq {
			continue
		}
		out = append(out, evt)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *RingStore) LastSequence(ctx context.Context, tc tenant.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring(tc.TenantID).nextSeq - 1, nil
}
