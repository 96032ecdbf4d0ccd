package feedback

import (
	"context"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// VectorStore is the semantic store for golden path records. Every call is
// scoped to the caller's tenant namespace.
type VectorStore interface {
	// Upsert stores a record with its embedding.
	Upsert(ctx context.Context, tc tenant.Context, rec *GoldenPath) error

	// Search finds the most similar records within the tenant namespace.
	Search(ctx context.Context, tc tenant.Context, vector []float32, limit int) ([]Result, error)

	// DeleteBySubject removes all records tied to a subject (compliance
	// purge). Returns the number of records removed.
	DeleteBySubject(ctx context.Context, tc tenant.Context, subjectID string) (int, error)
}

// Result is a scored search hit.
type Result struct {
	Record *GoldenPath `json:"record"`
	Score  float32     `json:"score"`
}
