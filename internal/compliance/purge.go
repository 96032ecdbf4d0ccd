// Package compliance implements subject erasure: a single purge removes a
// customer's learned artifacts everywhere and leaves a tombstone event as
// the only trace.
package compliance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loopdesk/loopdesk/internal/feedback"
	"github.com/loopdesk/loopdesk/internal/graph"
	"github.com/loopdesk/loopdesk/internal/stream"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

// Purger erases a subject's golden paths and graph presence. The activity
// stream itself is append-only; erasure there is represented by the
// tombstone, not by rewriting history.
type Purger struct {
	feedback *feedback.Loop
	graph    graph.Store
	stream   *stream.Stream
}

func NewPurger(fb *feedback.Loop, g graph.Store, st *stream.Stream) *Purger {
	return &Purger{feedback: fb, graph: g, stream: st}
}

// Result reports what a purge removed.
type Result struct {
	SubjectID    string `json:"subject_id"`
	GoldenPaths  int    `json:"golden_paths"`
	GraphRecords int    `json:"graph_records"`
	TombstoneSeq int64  `json:"tombstone_seq"`
}

// PurgeSubject removes everything learned from a customer. Idempotent: a
// repeat purge deletes nothing further and lands on the same tombstone.
func (p *Purger) PurgeSubject(ctx context.Context, tc tenant.Context, subjectID string) (*Result, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject id required")
	}
	res := &Result{SubjectID: subjectID}

	paths, err := p.feedback.PurgeSubject(ctx, tc, subjectID)
	if err != nil {
		return nil, fmt.Errorf("purge golden paths: %w", err)
	}
	res.GoldenPaths = paths

	removed, err := p.graph.PurgeNode(ctx, tc, graph.NodeCustomer, subjectID)
	if err != nil {
		return nil, fmt.Errorf("purge graph: %w", err)
	}
	res.GraphRecords = removed

	seq, err := p.stream.Append(ctx, tc, &stream.Event{
		EventID:   stream.TypePurgeTombstone + ":" + subjectID,
		EventType: stream.TypePurgeTombstone,
		Source:    "compliance",
		Payload: map[string]any{
			"subject_id": subjectID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("append tombstone: %w", err)
	}
	res.TombstoneSeq = seq

	slog.Info("subject purged", "tenant", tc.TenantID, "subject", subjectID,
		"golden_paths", res.GoldenPaths, "graph_records", res.GraphRecords, "tombstone_seq", seq)
	return res, nil
}
