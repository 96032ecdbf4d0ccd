// Package store owns the shared SQLite database used by the approval queue,
// tenant quotas, activity stream, graph, and playbook subsystems.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns existed.
	_, _ = db.Exec(`ALTER TABLE graph_nodes ADD COLUMN category TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE playbooks ADD COLUMN status TEXT NOT NULL DEFAULT 'active'`)
	_, _ = db.Exec(`ALTER TABLE golden_paths ADD COLUMN subject_id TEXT NOT NULL DEFAULT ''`)

	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB for shared access by the subsystems.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}
