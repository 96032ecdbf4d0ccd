package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// QdrantStore implements VectorStore against a Qdrant instance over plain
// HTTP. Each tenant gets its own collection, derived from the tenant
// namespace, so cross-tenant leakage is structurally impossible.
type QdrantStore struct {
	baseURL   string
	dimension int
	client    *http.Client

	ensured map[string]bool
}

func NewQdrantStore(url string, dim int) *QdrantStore {
	return &QdrantStore{
		baseURL:   strings.TrimRight(url, "/"),
		dimension: dim,
		client:    &http.Client{},
		ensured:   make(map[string]bool),
	}
}

func (s *QdrantStore) collection(tc tenant.Context) string {
	name := tc.Namespace("golden-paths")
	return strings.NewReplacer(":", "-", "/", "-").Replace(name)
}

func (s *QdrantStore) ensureCollection(ctx context.Context, coll string) error {
	if s.ensured[coll] {
		return nil
	}

	resp, err := s.client.Get(s.baseURL + "/collections/" + coll)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == 200 {
		s.ensured[coll] = true
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     s.dimension,
			"distance": "Cosine",
		},
	}
	jsonBody, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, "PUT", s.baseURL+"/collections/"+coll, bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err = s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to create collection: %s", string(b))
	}
	s.ensured[coll] = true
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, tc tenant.Context, rec *GoldenPath) error {
	coll := s.collection(tc)
	if err := s.ensureCollection(ctx, coll); err != nil {
		return err
	}

	body := map[string]interface{}{
		"points": []map[string]interface{}{
			{
				"id":     rec.PathID,
				"vector": rec.Embedding,
				"payload": map[string]interface{}{
					"tenant_id":  tc.TenantID,
					"category":   rec.Category,
					"subject_id": rec.SubjectID,
					"steps":      rec.Steps,
					"confidence": rec.Confidence,
				},
			},
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, _ := http.NewRequestWithContext(ctx, "PUT", fmt.Sprintf("%s/collections/%s/points?wait=true", s.baseURL, coll), bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant upsert failed: %s", string(b))
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, tc tenant.Context, vector []float32, limit int) ([]Result, error) {
	coll := s.collection(tc)
	body := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}

	jsonBody, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/collections/%s/points/search", s.baseURL, coll), bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("qdrant search failed: %d", resp.StatusCode)
	}

	var response struct {
		Result []struct {
			ID      string                 `json:"id"`
			Score   float32                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(response.Result))
	for _, r := range response.Result {
		rec := &GoldenPath{
			PathID:   r.ID,
			TenantID: tc.TenantID,
		}
		rec.Category, _ = r.Payload["category"].(string)
		rec.SubjectID, _ = r.Payload["subject_id"].(string)
		if conf, ok := r.Payload["confidence"].(float64); ok {
			rec.Confidence = conf
		}
		if raw, ok := r.Payload["steps"].([]interface{}); ok {
			for _, item := range raw {
				if step, ok := item.(string); ok {
					rec.Steps = append(rec.Steps, step)
				}
			}
		}
		results = append(results, Result{Record: rec, Score: r.Score})
	}
	return results, nil
}

func (s *QdrantStore) DeleteBySubject(ctx context.Context, tc tenant.Context, subjectID string) (int, error) {
	coll := s.collection(tc)
	body := map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "subject_id", "match": map[string]interface{}{"value": subjectID}},
			},
		},
	}

	jsonBody, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.baseURL, coll), bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("qdrant delete failed: %s", string(b))
	}
	// Qdrant does not report a deleted count for filter deletes.
	return 0, nil
}
