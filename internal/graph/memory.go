package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

type nodeKey struct {
	nodeType string
	id       string
}

type edgeKey struct {
	fromType string
	fromID   string
	toType   string
	toID     string
	label    string
}

type memoryEdge struct {
	edge  Edge
	order int
}

type tenantGraph struct {
	nodes map[nodeKey]*Node
	edges map[edgeKey]memoryEdge
	seq   int
}

// MemoryStore is an in-process graph used in tests and as the degraded
// fallback while the durable store is unavailable. Same upsert semantics as
// the SQLite store.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantGraph
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantGraph)}
}

func (m *MemoryStore) graphFor(tenantID string) *tenantGraph {
	g, ok := m.tenants[tenantID]
	if !ok {
		g = &tenantGraph{nodes: make(map[nodeKey]*Node), edges: make(map[edgeKey]memoryEdge)}
		m.tenants[tenantID] = g
	}
	return g
}

func (m *MemoryStore) UpsertNode(_ context.Context, tc tenant.Context, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.graphFor(tc.TenantID)
	key := nodeKey{node.Type, node.ID}
	stored := &Node{
		TenantID:  tc.TenantID,
		Type:      node.Type,
		ID:        node.ID,
		Category:  node.Category,
		Attrs:     node.Attrs,
		UpdatedAt: time.Now().UTC(),
	}
	if prev, ok := g.nodes[key]; ok && stored.Category == "" {
		stored.Category = prev.Category
	}
	g.nodes[key] = stored
	return nil
}

func (m *MemoryStore) UpsertEdge(_ context.Context, tc tenant.Context, edge *Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.graphFor(tc.TenantID)
	key := edgeKey{edge.FromType, edge.FromID, edge.ToType, edge.ToID, edge.Label}
	if _, ok := g.edges[key]; ok {
		return nil
	}
	g.seq++
	g.edges[key] = memoryEdge{edge: *edge, order: g.seq}
	return nil
}

func (m *MemoryStore) Node(_ context.Context, tc tenant.Context, nodeType, id string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.tenants[tc.TenantID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	node, ok := g.nodes[nodeKey{nodeType, id}]
	if !ok {
		return nil, ErrNodeNotFound
	}
	cp := *node
	return &cp, nil
}

func (m *MemoryStore) Neighbors(_ context.Context, tc tenant.Context, nodeType, id, label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.tenants[tc.TenantID]
	if !ok {
		return nil, nil
	}
	var hits []memoryEdge
	for _, me := range g.edges {
		e := me.edge
		if e.FromType == nodeType && e.FromID == id && e.Label == label {
			hits = append(hits, me)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].order < hits[j].order })

	var out []*Node
	for _, me := range hits {
		if node, ok := g.nodes[nodeKey{me.edge.ToType, me.edge.ToID}]; ok {
			cp := *node
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) NodesByCategory(_ context.Context, tc tenant.Context, nodeType, category string, limit int) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	g, ok := m.tenants[tc.TenantID]
	if !ok {
		return nil, nil
	}
	var out []*Node
	for _, node := range g.nodes {
		if node.Type == nodeType && node.Category == category {
			cp := *node
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Categories(_ context.Context, tc tenant.Context, nodeType string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.tenants[tc.TenantID]
	if !ok {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []string
	for _, node := range g.nodes {
		if node.Type == nodeType && node.Category != "" && !seen[node.Category] {
			seen[node.Category] = true
			out = append(out, node.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) PurgeNode(_ context.Context, tc tenant.Context, nodeType, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.tenants[tc.TenantID]
	if !ok {
		return 0, nil
	}
	removed := 0
	if _, ok := g.nodes[nodeKey{nodeType, id}]; ok {
		delete(g.nodes, nodeKey{nodeType, id})
		removed++
	}
	for key, me := range g.edges {
		e := me.edge
		if (e.FromType == nodeType && e.FromID == id) || (e.ToType == nodeType && e.ToID == id) {
			delete(g.edges, key)
			removed++
		}
	}
	return removed, nil
}
