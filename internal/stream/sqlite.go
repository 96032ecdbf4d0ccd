package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loopdesk/loopdesk/internal/tenant"
)

// SQLiteStore is the durable Store. Sequence allocation and the event insert
// happen in one transaction holding the write lock on the tenant's counter
// row, so sequence numbers are gap-free in commit order and a reader never
// observes N+1 before N.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Append(ctx context.Context, tc tenant.Context, evt *Event) (int64, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	// Replayed event: keep the original sequence number. The lookup stays
	// outside the transaction so the transaction below is write-only; a
	// transaction that reads before its first write cannot upgrade its lock
	// under SQLite and fails with SQLITE_BUSY regardless of busy_timeout.
	if seq, ok, err := s.lookup(ctx, tc, evt.EventID); err != nil {
		return 0, err
	} else if ok {
		return seq, nil
	}

	seq, err := s.insert(ctx, tc, evt, payload)
	if err != nil {
		// A concurrent append with the same event id can commit between
		// the lookup and the insert; the unique (tenant_id, event_id)
		// index resolves the race to the original sequence.
		if evt.EventID != "" {
			if raced, ok, lerr := s.lookup(ctx, tc, evt.EventID); lerr == nil && ok {
				return raced, nil
			}
		}
		return 0, err
	}
	return seq, nil
}

func (s *SQLiteStore) lookup(ctx context.Context, tc tenant.Context, eventID string) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence_no FROM events WHERE tenant_id = ? AND event_id = ?
	`, tc.TenantID, eventID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("append event: %w", err)
	}
	return seq, true, nil
}

func (s *SQLiteStore) insert(ctx context.Context, tc tenant.Context, evt *Event, payload []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_sequences (tenant_id, next_seq) VALUES (?, 1)
		ON CONFLICT(tenant_id) DO NOTHING
	`, tc.TenantID); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE tenant_sequences SET next_seq = next_seq + 1
		WHERE tenant_id = ?
		RETURNING next_seq - 1
	`, tc.TenantID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, tenant_id, sequence_no, event_type, source, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, evt.EventID, tc.TenantID, seq, evt.EventType, evt.Source, string(payload), evt.Timestamp); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return seq, nil
}

func (s *SQLiteStore) ReadFrom(ctx context.Context, tc tenant.Context, fromSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, tenant_id, sequence_no, event_type, source, payload, timestamp
		FROM events
		WHERE tenant_id = ? AND sequence_no > ?
		ORDER BY sequence_no ASC
		LIMIT ?
	`, tc.TenantID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var evt Event
		var payload string
		if err := rows.Scan(&evt.EventID, &evt.TenantID, &evt.SequenceNo, &evt.EventType, &evt.Source, &payload, &evt.Timestamp); err != nil {
			return nil, err
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &evt.Payload)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastSequence(ctx context.Context, tc tenant.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_no), 0) FROM events WHERE tenant_id = ?
	`, tc.TenantID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return seq, nil
}
