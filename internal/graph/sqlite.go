package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// SQLiteStore persists the graph in the shared database. Upserts use the
// natural-key primary keys so event replay converges.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) UpsertNode(ctx context.Context, tc tenant.Context, node *Node) error {
	attrs, err := json.Marshal(node.Attrs)
	if err != nil {
		return fmt.Errorf("marshal node attrs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (tenant_id, node_type, business_id, category, attrs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, node_type, business_id) DO UPDATE SET
			category = CASE WHEN excluded.category != '' THEN excluded.category ELSE graph_nodes.category END,
			attrs = excluded.attrs,
			updated_at = excluded.updated_at
	`, tc.TenantID, node.Type, node.ID, node.Category, string(attrs), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertEdge(ctx context.Context, tc tenant.Context, edge *Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_edges (tenant_id, from_type, from_id, to_type, to_id, label)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, from_type, from_id, to_type, to_id, label) DO NOTHING
	`, tc.TenantID, edge.FromType, edge.FromID, edge.ToType, edge.ToID, edge.Label)
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Node(ctx context.Context, tc tenant.Context, nodeType, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, node_type, business_id, category, attrs, updated_at
		FROM graph_nodes
		WHERE tenant_id = ? AND node_type = ? AND business_id = ?
	`, tc.TenantID, nodeType, id)
	return scanNode(row)
}

func (s *SQLiteStore) Neighbors(ctx context.Context, tc tenant.Context, nodeType, id, label string) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.tenant_id, n.node_type, n.business_id, n.category, n.attrs, n.updated_at
		FROM graph_edges e
		JOIN graph_nodes n
			ON n.tenant_id = e.tenant_id AND n.node_type = e.to_type AND n.business_id = e.to_id
		WHERE e.tenant_id = ? AND e.from_type = ? AND e.from_id = ? AND e.label = ?
		ORDER BY e.created_at ASC, n.business_id ASC
	`, tc.TenantID, nodeType, id, label)
	if err != nil {
		return nil, fmt.Errorf("neighbors: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *SQLiteStore) NodesByCategory(ctx context.Context, tc tenant.Context, nodeType, category string, limit int) ([]*Node, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, node_type, business_id, category, attrs, updated_at
		FROM graph_nodes
		WHERE tenant_id = ? AND node_type = ? AND category = ?
		ORDER BY updated_at DESC, business_id ASC
		LIMIT ?
	`, tc.TenantID, nodeType, category, limit)
	if err != nil {
		return nil, fmt.Errorf("nodes by category: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// Categories returns the distinct non-empty categories present for a node
// type, sorted lexically.
func (s *SQLiteStore) Categories(ctx context.Context, tc tenant.Context, nodeType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT category FROM graph_nodes
		WHERE tenant_id = ? AND node_type = ? AND category != ''
		ORDER BY category
	`, tc.TenantID, nodeType)
	if err != nil {
		return nil, fmt.Errorf("categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("categories: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PurgeNode removes a node and every edge touching it, returning the number
// of rows removed. Used by compliance purges.
func (s *SQLiteStore) PurgeNode(ctx context.Context, tc tenant.Context, nodeType, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge node: %w", err)
	}
	defer tx.Rollback()

	total := 0
	res, err := tx.ExecContext(ctx, `
		DELETE FROM graph_edges
		WHERE tenant_id = ? AND ((from_type = ? AND from_id = ?) OR (to_type = ? AND to_id = ?))
	`, tc.TenantID, nodeType, id, nodeType, id)
	if err != nil {
		return 0, fmt.Errorf("purge edges: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM graph_nodes WHERE tenant_id = ? AND node_type = ? AND business_id = ?
	`, tc.TenantID, nodeType, id)
	if err != nil {
		return 0, fmt.Errorf("purge node: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge node: %w", err)
	}
	return total, nil
}

func scanNode(row *sql.Row) (*Node, error) {
	var node Node
	var attrs string
	err := row.Scan(&node.TenantID, &node.Type, &node.ID, &node.Category, &attrs, &node.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &node.Attrs)
	}
	return &node, nil
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	var out []*Node
	for rows.Next() {
		var node Node
		var attrs string
		if err := rows.Scan(&node.TenantID, &node.Type, &node.ID, &node.Category, &attrs, &node.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if attrs != "" {
			_ = json.Unmarshal([]byte(attrs), &node.Attrs)
		}
		out = append(out, &node)
	}
	return out, rows.Err()
}
