package persistence

import (
	"context"
)

// initSchema creates all required tables and append-only triggers if they
// don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		UNIQUE (stream, sequence)
	);

	CREATE TABLE IF NOT EXISTS audit_checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream TEXT NOT NULL,
		root_hash TEXT NOT NULL,
		entry_count INTEGER NOT NULL,
		first_sequence INTEGER NOT NULL,
		last_sequence INTEGER NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_checkpoints_stream
		ON audit_checkpoints(stream, last_sequence);

	CREATE TABLE IF NOT EXISTS decision_records (
		id TEXT PRIMARY KEY,
		lane TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		task_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		alternatives TEXT NOT NULL,
		tools_used TEXT NOT NULL,
		confidence REAL NOT NULL,
		previous_record_hash TEXT NOT NULL,
		key_id TEXT NOT NULL,
		signature TEXT NOT NULL,
		UNIQUE (lane, sequence)
	);

	CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
	BEFORE UPDATE ON audit_entries
	BEGIN
		SELECT RAISE(ABORT, 'audit_entries is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
	BEFORE DELETE ON audit_entries
	BEGIN
		SELECT RAISE(ABORT, 'audit_entries is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_checkpoints_no_update
	BEFORE UPDATE ON audit_checkpoints
	BEGIN
		SELECT RAISE(ABORT, 'audit_checkpoints is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_checkpoints_no_delete
	BEFORE DELETE ON audit_checkpoints
	BEGIN
		SELECT RAISE(ABORT, 'audit_checkpoints is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS decision_records_no_update
	BEFORE UPDATE ON decision_records
	BEGIN
		SELECT RAISE(ABORT, 'decision_records is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS decision_records_no_delete
	BEFORE DELETE ON decision_records
	BEGIN
		SELECT RAISE(ABORT, 'decision_records is append-only');
	END;
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
