// Package feedback converts reviewed approval outcomes into durable golden
// path records searchable by semantic similarity.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopdesk/loopdesk/internal/breaker"
	"github.com/loopdesk/loopdesk/internal/governance"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

// GoldenPath is an immutable, human-approved resolution trace.
type GoldenPath struct {
	PathID     string    `json:"path_id"`
	TenantID   string    `json:"tenant_id"`
	Category   string    `json:"category"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Steps      []string  `json:"steps"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Outcome is a terminal, decided approval request handed to Ingest. The
// queue constructs it; this package never reaches back into queue state.
type Outcome struct {
	RequestID string
	Question  string
	Category  string
	SubjectID string
	Steps     []string
	Decision  string
	// Score is an external feedback score in [0,5]; zero means none given.
	Score float64
}

// Config holds feedback loop settings.
type Config struct {
	// ScoreThreshold admits externally scored outcomes at or above it.
	ScoreThreshold float64 `json:"scoreThreshold" envconfig:"SCORE_THRESHOLD"`
	// BufferSize bounds the in-memory ingest buffer in degraded mode.
	BufferSize int `json:"bufferSize" envconfig:"BUFFER_SIZE"`
	// QdrantURL selects the Qdrant store when set; empty uses SQLite.
	QdrantURL string `json:"qdrantUrl" envconfig:"QDRANT_URL"`
	// Dimension is the embedding dimension.
	Dimension int `json:"dimension" envconfig:"DIMENSION"`
}

func DefaultConfig() Config {
	return Config{
		ScoreThreshold: 4.0,
		BufferSize:     512,
		Dimension:      256,
	}
}

// Loop ingests decided outcomes and serves semantic search over them.
// When the semantic store is unavailable ingest buffers in memory (bounded,
// oldest evicted) and search returns empty: capture is best-effort, never
// blocking the caller.
type Loop struct {
	cfg      Config
	store    VectorStore
	embedder Embedder
	breaker  *breaker.Breaker
	metrics  *governance.Metrics

	mu     sync.Mutex
	buffer []bufferedPath
}

type bufferedPath struct {
	tc  tenant.Context
	rec *GoldenPath
}

func NewLoop(cfg Config, store VectorStore, embedder Embedder, br *breaker.Breaker, metrics *governance.Metrics) *Loop {
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = DefaultConfig().ScoreThreshold
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if embedder == nil {
		embedder = NewHashEmbedder(cfg.Dimension)
	}
	if br == nil {
		br = breaker.New("semantic-store", breaker.DefaultConfig())
	}
	return &Loop{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		breaker:  br,
		metrics:  metrics,
	}
}

// Admits reports whether an outcome qualifies as a golden path: an approve
// decision, or an external score at or above the threshold.
func (l *Loop) Admits(out *Outcome) bool {
	if out.Decision == "approve" {
		return true
	}
	return out.Score >= l.cfg.ScoreThreshold && out.Score > 0
}

// Ingest records a qualifying outcome as a golden path. Non-qualifying
// outcomes are ignored without error. Store failures degrade to the buffer.
func (l *Loop) Ingest(ctx context.Context, tc tenant.Context, out *Outcome) error {
	if !l.Admits(out) {
		return nil
	}

	vec, err := l.embedder.Embed(ctx, out.Question)
	if err != nil {
		// The embedder is advisory; fall back to the hash embedder so the
		// record is still captured.
		vec, _ = NewHashEmbedder(l.cfg.Dimension).Embed(ctx, out.Question)
	}

	rec := &GoldenPath{
		PathID:     uuid.NewString(),
		TenantID:   tc.TenantID,
		Category:   out.Category,
		SubjectID:  out.SubjectID,
		Steps:      append([]string(nil), out.Steps...),
		Confidence: confidenceFor(out),
		Embedding:  vec,
		CreatedAt:  time.Now().UTC(),
	}

	l.flushBuffered(ctx)

	err = l.breaker.Do(ctx, func(ctx context.Context) error {
		return l.store.Upsert(ctx, tc, rec)
	})
	if err != nil {
		l.bufferRecord(tc, rec)
		l.metrics.GoldenPath(tc.TenantID, "buffered")
		l.metrics.Degraded("feedback")
		return nil
	}
	l.metrics.GoldenPath(tc.TenantID, "stored")
	return nil
}

// Search returns the closest golden paths to the query within the caller's
// tenant, ranked by similarity. Results are advisory hints; a degraded
// store yields an empty result, never an error.
func (l *Loop) Search(ctx context.Context, tc tenant.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = 5
	}

	vec, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, nil
	}

	var results []Result
	err = l.breaker.Do(ctx, func(ctx context.Context) error {
		var serr error
		results, serr = l.store.Search(ctx, tc, vec, topK)
		return serr
	})
	if err != nil {
		l.metrics.Degraded("feedback")
		return nil, nil
	}
	return results, nil
}

// Flush retries buffered records against the store. Called opportunistically
// and from the sweep cadence.
func (l *Loop) Flush(ctx context.Context) {
	l.flushBuffered(ctx)
}

// Buffered reports how many records are waiting for the store to recover.
func (l *Loop) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// PurgeSubject removes all golden paths tied to a subject. Compliance path;
// the caller is responsible for appending the tombstone event.
func (l *Loop) PurgeSubject(ctx context.Context, tc tenant.Context, subjectID string) (int, error) {
	var n int
	err := l.breaker.Do(ctx, func(ctx context.Context) error {
		var derr error
		n, derr = l.store.DeleteBySubject(ctx, tc, subjectID)
		return derr
	})
	if err != nil {
		return 0, fmt.Errorf("purge subject %s: %w", subjectID, err)
	}

	l.mu.Lock()
	kept := l.buffer[:0]
	for _, b := range l.buffer {
		if b.tc.TenantID == tc.TenantID && b.rec.SubjectID == subjectID {
			n++
			continue
		}
		kept = append(kept, b)
	}
	l.buffer = kept
	l.mu.Unlock()

	return n, nil
}

func (l *Loop) bufferRecord(tc tenant.Context, rec *GoldenPath) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, bufferedPath{tc: tc, rec: rec})
	if len(l.buffer) > l.cfg.BufferSize {
		l.buffer = l.buffer[1:]
	}
}

func (l *Loop) flushBuffered(ctx context.Context) {
	l.mu.Lock()
	if len(l.buffer) == 0 || !l.breaker.Available() {
		l.mu.Unlock()
		return
	}
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	for i, b := range pending {
		err := l.breaker.Do(ctx, func(ctx context.Context) error {
			return l.store.Upsert(ctx, b.tc, b.rec)
		})
		if err != nil {
			// Store still down; requeue the remainder in order.
			l.mu.Lock()
			l.buffer = append(pending[i:], l.buffer...)
			l.mu.Unlock()
			return
		}
		l.metrics.GoldenPath(b.tc.TenantID, "stored")
	}
	slog.Info("feedback buffer flushed", "records", len(pending))
}

func confidenceFor(out *Outcome) float64 {
	if out.Score > 0 {
		return out.Score / 5.0
	}
	if out.Decision == "approve" {
		return 0.9
	}
	return 0.5
}
