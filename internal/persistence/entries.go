package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/taskcore/internal/audit"
)

// AppendEntry inserts an audit entry. (stream, sequence) is unique, so a
// replayed or forked append fails.
func (s *SQLiteStore) AppendEntry(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (stream, sequence, timestamp, actor, event_type, payload, payload_hash, previous_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Stream, e.Sequence, formatTime(e.Timestamp), e.Actor, e.EventType, string(e.Payload), e.PayloadHash, e.PreviousHash, e.Hash)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry %s/%d: %w", e.Stream, e.Sequence, err)
	}
	return nil
}

// Entries returns entries of stream with from <= sequence <= to, in
// sequence order. to == 0 means no upper bound.
func (s *SQLiteStore) Entries(ctx context.Context, stream string, from, to uint64) ([]audit.Entry, error) {
	query := `
		SELECT stream, sequence, timestamp, actor, event_type, payload, payload_hash, previous_hash, hash
		FROM audit_entries
		WHERE stream = ? AND sequence >= ?`
	args := []any{stream, from}
	if to != 0 {
		query += ` AND sequence <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// LastEntry returns the highest-sequence entry of stream.
func (s *SQLiteStore) LastEntry(ctx context.Context, stream string) (audit.Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stream, sequence, timestamp, actor, event_type, payload, payload_hash, previous_hash, hash
		FROM audit_entries
		WHERE stream = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, stream)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, err
	}
	return e, true, nil
}

// SaveCheckpoint inserts a checkpoint.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp audit.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_checkpoints (stream, root_hash, entry_count, first_sequence, last_sequence, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cp.Stream, cp.RootHash, cp.EntryCount, cp.FirstSequence, cp.LastSequence, formatTime(cp.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// Checkpoints returns the checkpoints of stream, oldest first.
func (s *SQLiteStore) Checkpoints(ctx context.Context, stream string) ([]audit.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream, root_hash, entry_count, first_sequence, last_sequence, timestamp
		FROM audit_checkpoints
		WHERE stream = ?
		ORDER BY last_sequence ASC, id ASC
	`, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []audit.Checkpoint
	for rows.Next() {
		var cp audit.Checkpoint
		var ts string
		if err := rows.Scan(&cp.Stream, &cp.RootHash, &cp.EntryCount, &cp.FirstSequence, &cp.LastSequence, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if cp.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return cps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (audit.Entry, error) {
	var e audit.Entry
	var ts, payload string
	err := row.Scan(&e.Stream, &e.Sequence, &ts, &e.Actor, &e.EventType, &payload, &e.PayloadHash, &e.PreviousHash, &e.Hash)
	if err == sql.ErrNoRows {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, err
	}
	e.Payload = []byte(payload)
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
