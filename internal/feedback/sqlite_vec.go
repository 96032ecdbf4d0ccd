package feedback

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// SQLiteVecStore implements VectorStore on the shared SQLite database.
// Embeddings are stored as little-endian float32 BLOBs in the golden_paths
// table and cosine similarity is computed in Go; at the record counts a
// single tenant accumulates this is sub-millisecond.
type SQLiteVecStore struct {
	db *sql.DB
}

func NewSQLiteVecStore(db *sql.DB) *SQLiteVecStore {
	return &SQLiteVecStore{db: db}
}

func (s *SQLiteVecStore) Upsert(ctx context.Context, tc tenant.Context, rec *GoldenPath) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	blob := encodeFloat32s(rec.Embedding)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO golden_paths (path_id, tenant_id, category, subject_id, steps, confidence, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path_id) DO NOTHING
	`, rec.PathID, tc.TenantID, rec.Category, rec.SubjectID, string(steps), rec.Confidence, blob)
	if err != nil {
		return fmt.Errorf("upsert golden path: %w", err)
	}
	return nil
}

func (s *SQLiteVecStore) Search(ctx context.Context, tc tenant.Context, vector []float32, limit int) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path_id, category, subject_id, steps, confidence, embedding, created_at
		FROM golden_paths
		WHERE tenant_id = ? AND embedding IS NOT NULL
	`, tc.TenantID)
	if err != nil {
		return nil, fmt.Errorf("search golden paths: %w", err)
	}
	defer rows.Close()

	var candidates []Result
	for rows.Next() {
		rec := GoldenPath{TenantID: tc.TenantID}
		var steps string
		var blob []byte
		if err := rows.Scan(&rec.PathID, &rec.Category, &rec.SubjectID, &steps, &rec.Confidence, &blob, &rec.CreatedAt); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(steps), &rec.Steps)

		stored := decodeFloat32s(blob)
		if len(stored) != len(vector) {
			continue // dimension mismatch, skip
		}
		candidates = append(candidates, Result{
			Record: &rec,
			Score:  cosineSimilarity(vector, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *SQLiteVecStore) DeleteBySubject(ctx context.Context, tc tenant.Context, subjectID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM golden_paths WHERE tenant_id = ? AND subject_id = ?
	`, tc.TenantID, subjectID)
	if err != nil {
		return 0, fmt.Errorf("purge golden paths: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// encodeFloat32s converts a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s converts little-endian bytes back to a float32 slice.
func decodeFloat32s(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
