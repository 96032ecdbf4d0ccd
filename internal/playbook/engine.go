// Package playbook mines approved resolutions for recurring step sequences
// and promotes the dominant ones to suggested playbooks.
package playbook

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopdesk/loopdesk/internal/governance"
	"github.com/loopdesk/loopdesk/internal/graph"
	"github.com/loopdesk/loopdesk/internal/stream"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

// Playbook statuses.
const (
	StatusActive     = "active"
	StatusSuperseded = "superseded"
)

// Playbook is a mined step sequence for a ticket category.
type Playbook struct {
	PlaybookID  string    `json:"playbook_id"`
	TenantID    string    `json:"tenant_id"`
	Category    string    `json:"category"`
	Steps       []string  `json:"steps"`
	Fingerprint string    `json:"fingerprint"`
	SampleCount int       `json:"sample_count"`
	SuccessRate float64   `json:"success_rate"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Config tunes extraction and suggestion thresholds.
type Config struct {
	MinSamples     int     `json:"min_samples" envconfig:"PLAYBOOK_MIN_SAMPLES"`
	MinRate        float64 `json:"min_rate" envconfig:"PLAYBOOK_MIN_RATE"`
	MergeThreshold float64 `json:"merge_threshold" envconfig:"PLAYBOOK_MERGE_THRESHOLD"`
	SampleLimit    int     `json:"sample_limit" envconfig:"PLAYBOOK_SAMPLE_LIMIT"`
}

func DefaultConfig() Config {
	return Config{
		MinSamples:     3,
		MinRate:        0.7,
		MergeThreshold: 0.6,
		SampleLimit:    200,
	}
}

// Engine mines resolutions out of the activity graph and maintains the
// playbook table. Extraction is re-runnable: clusters land on stable
// fingerprints and counts are recomputed, never accumulated.
type Engine struct {
	db      *sql.DB
	graph   graph.Store
	stream  *stream.Stream
	metrics *governance.Metrics
	cfg     Config
}

func NewEngine(db *sql.DB, g graph.Store, st *stream.Stream, metrics *governance.Metrics, cfg Config) *Engine {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 3
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = 0.7
	}
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = 0.6
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = 200
	}
	return &Engine{db: db, graph: g, stream: st, metrics: metrics, cfg: cfg}
}

// Suggest returns the active playbook for a category. A nil playbook with a
// nil error means no pattern has earned suggestion yet, which is the normal
// outcome for young tenants.
func (e *Engine) Suggest(ctx context.Context, tc tenant.Context, category string) (*Playbook, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT playbook_id, tenant_id, category, steps, fingerprint, sample_count, success_rate, status, created_at, updated_at
		FROM playbooks
		WHERE tenant_id = ? AND category = ? AND status = ? AND sample_count >= ? AND success_rate >= ?
		ORDER BY success_rate DESC, sample_count DESC, playbook_id ASC
		LIMIT 1
	`, tc.TenantID, category, StatusActive, e.cfg.MinSamples, e.cfg.MinRate)

	pb, err := scanPlaybook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pb, nil
}

// List returns a tenant's playbooks, active first.
func (e *Engine) List(ctx context.Context, tc tenant.Context) ([]*Playbook, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT playbook_id, tenant_id, category, steps, fingerprint, sample_count, success_rate, status, created_at, updated_at
		FROM playbooks
		WHERE tenant_id = ?
		ORDER BY status ASC, category ASC, success_rate DESC
	`, tc.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var out []*Playbook
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

// Extract mines the graph's resolutions per category, merges similar step
// sequences, and upserts the resulting playbooks. Existing playbooks whose
// recomputed rate falls below the suggestion floor are marked superseded
// rather than deleted, so history stays auditable.
func (e *Engine) Extract(ctx context.Context, tc tenant.Context) (int, error) {
	categories, err := e.resolutionCategories(ctx, tc)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, category := range categories {
		n, err := e.extractCategory(ctx, tc, category)
		if err != nil {
			return updated, err
		}
		updated += n
	}
	return updated, nil
}

func (e *Engine) extractCategory(ctx context.Context, tc tenant.Context, category string) (int, error) {
	resolutions, err := e.graph.NodesByCategory(ctx, tc, graph.NodeResolution, category, e.cfg.SampleLimit)
	if err != nil {
		return 0, fmt.Errorf("load resolutions: %w", err)
	}

	var samples [][]string
	for _, node := range resolutions {
		steps := attrStrings(node.Attrs, "steps")
		if len(steps) > 0 {
			samples = append(samples, steps)
		}
	}
	if len(samples) == 0 {
		return 0, nil
	}

	clusters := clusterSteps(samples, e.cfg.MergeThreshold)
	total := len(samples)

	updated := 0
	seen := make(map[string]bool)
	for _, cl := range clusters {
		steps := cl.representative()
		fp := fingerprint(steps)
		seen[fp] = true
		rate := float64(len(cl.members)) / float64(total)

		pb, changed, err := e.upsert(ctx, tc, category, fp, steps, len(cl.members), rate)
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
			e.metrics.PlaybookUpdated(tc.TenantID)
			e.emitUpdated(ctx, tc, pb)
		}
	}

	if err := e.supersedeStale(ctx, tc, category, seen); err != nil {
		return updated, err
	}
	return updated, nil
}

// upsert inserts or refreshes the playbook for a fingerprint, reporting
// whether anything changed.
func (e *Engine) upsert(ctx context.Context, tc tenant.Context, category, fp string, steps []string, count int, rate float64) (*Playbook, bool, error) {
	now := time.Now().UTC()

	row := e.db.QueryRowContext(ctx, `
		SELECT playbook_id, tenant_id, category, steps, fingerprint, sample_count, success_rate, status, created_at, updated_at
		FROM playbooks
		WHERE tenant_id = ? AND category = ? AND fingerprint = ?
	`, tc.TenantID, category, fp)
	existing, err := scanPlaybook(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, false, fmt.Errorf("marshal steps: %w", err)
	}
	status := StatusActive
	if rate < e.cfg.MinRate {
		status = StatusSuperseded
	}

	if existing == nil {
		pb := &Playbook{
			PlaybookID:  uuid.NewString(),
			TenantID:    tc.TenantID,
			Category:    category,
			Steps:       steps,
			Fingerprint: fp,
			SampleCount: count,
			SuccessRate: rate,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO playbooks (playbook_id, tenant_id, category, steps, fingerprint, sample_count, success_rate, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, pb.PlaybookID, pb.TenantID, pb.Category, string(stepsJSON), pb.Fingerprint,
			pb.SampleCount, pb.SuccessRate, pb.Status, now, now)
		if err != nil {
			return nil, false, fmt.Errorf("insert playbook: %w", err)
		}
		return pb, true, nil
	}

	if existing.SampleCount == count && existing.SuccessRate == rate && existing.Status == status {
		return existing, false, nil
	}
	_, err = e.db.ExecContext(ctx, `
		UPDATE playbooks
		SET steps = ?, sample_count = ?, success_rate = ?, status = ?, updated_at = ?
		WHERE playbook_id = ? AND tenant_id = ?
	`, string(stepsJSON), count, rate, status, now, existing.PlaybookID, tc.TenantID)
	if err != nil {
		return nil, false, fmt.Errorf("update playbook: %w", err)
	}
	existing.Steps = steps
	existing.SampleCount = count
	existing.SuccessRate = rate
	existing.Status = status
	existing.UpdatedAt = now
	return existing, true, nil
}

// supersedeStale retires active playbooks whose fingerprint no longer
// appears in the current extraction.
func (e *Engine) supersedeStale(ctx context.Context, tc tenant.Context, category string, seen map[string]bool) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT playbook_id, fingerprint FROM playbooks
		WHERE tenant_id = ? AND category = ? AND status = ?
	`, tc.TenantID, category, StatusActive)
	if err != nil {
		return fmt.Errorf("load active playbooks: %w", err)
	}
	type stale struct{ id, fp string }
	var stales []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.fp); err != nil {
			rows.Close()
			return err
		}
		if !seen[s.fp] {
			stales = append(stales, s)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range stales {
		_, err := e.db.ExecContext(ctx, `
			UPDATE playbooks SET status = ?, updated_at = ? WHERE playbook_id = ? AND tenant_id = ?
		`, StatusSuperseded, time.Now().UTC(), s.id, tc.TenantID)
		if err != nil {
			return fmt.Errorf("supersede playbook: %w", err)
		}
		slog.Info("playbook superseded", "tenant", tc.TenantID, "playbook", s.id, "category", category)
	}
	return nil
}

// emitUpdated announces a changed playbook on the stream. The event id
// encodes the playbook state, so re-running extraction over unchanged data
// dedupes instead of spamming the log.
func (e *Engine) emitUpdated(ctx context.Context, tc tenant.Context, pb *Playbook) {
	if e.stream == nil {
		return
	}
	_, err := e.stream.Append(ctx, tc, &stream.Event{
		EventID:   fmt.Sprintf("%s:%s:%d", stream.TypePlaybookUpdated, pb.PlaybookID, pb.SampleCount),
		EventType: stream.TypePlaybookUpdated,
		Source:    "playbook",
		Payload: map[string]any{
			"playbook_id":  pb.PlaybookID,
			"category":     pb.Category,
			"steps":        pb.Steps,
			"sample_count": pb.SampleCount,
			"success_rate": pb.SuccessRate,
			"status":       pb.Status,
		},
	})
	if err != nil {
		slog.Warn("playbook event emit failed", "tenant", tc.TenantID, "playbook", pb.PlaybookID, "error", err)
	}
}

func (e *Engine) resolutionCategories(ctx context.Context, tc tenant.Context) ([]string, error) {
	out, err := e.graph.Categories(ctx, tc, graph.NodeResolution)
	if err != nil {
		return nil, fmt.Errorf("resolution categories: %w", err)
	}
	return out, nil
}

type cluster struct {
	members [][]string
}

// representative returns the most frequent exact sequence in the cluster,
// breaking ties toward the shorter then lexicographically smaller one.
func (c *cluster) representative() []string {
	counts := make(map[string]int)
	byKey := make(map[string][]string)
	for _, steps := range c.members {
		key := strings.Join(steps, "\x1f")
		counts[key]++
		byKey[key] = steps
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		if len(byKey[keys[i]]) != len(byKey[keys[j]]) {
			return len(byKey[keys[i]]) < len(byKey[keys[j]])
		}
		return keys[i] < keys[j]
	})
	return byKey[keys[0]]
}

// clusterSteps greedily groups step sequences whose shared prefix covers at
// least threshold of the longer sequence.
func clusterSteps(samples [][]string, threshold float64) []*cluster {
	var clusters []*cluster
	for _, steps := range samples {
		placed := false
		for _, cl := range clusters {
			if prefixSimilarity(cl.members[0], steps) >= threshold {
				cl.members = append(cl.members, steps)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{members: [][]string{steps}})
		}
	}
	return clusters
}

func prefixSimilarity(a, b []string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	common := 0
	for common < len(a) && common < len(b) && a[common] == b[common] {
		common++
	}
	return float64(common) / float64(longest)
}

func fingerprint(steps []string) string {
	sum := sha256.Sum256([]byte(strings.Join(steps, "\x1f")))
	return hex.EncodeToString(sum[:8])
}

func attrStrings(attrs map[string]any, key string) []string {
	if attrs == nil {
		return nil
	}
	switch v := attrs[key].(type) {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlaybook(row rowScanner) (*Playbook, error) {
	var pb Playbook
	var stepsJSON string
	err := row.Scan(&pb.PlaybookID, &pb.TenantID, &pb.Category, &stepsJSON, &pb.Fingerprint,
		&pb.SampleCount, &pb.SuccessRate, &pb.Status, &pb.CreatedAt, &pb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if stepsJSON != "" {
		_ = json.Unmarshal([]byte(stepsJSON), &pb.Steps)
	}
	return &pb, nil
}
