package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/taskcore/internal/audit"
)

// AppendDecision inserts a signed decision record.
func (s *SQLiteStore) AppendDecision(ctx context.Context, rec audit.DecisionRecord) error {
	alts, err := json.Marshal(nonNil(rec.AlternativesConsidered))
	if err != nil {
		return fmt.Errorf("failed to encode alternatives: %w", err)
	}
	tools, err := json.Marshal(nonNil(rec.ToolsUsed))
	if err != nil {
		return fmt.Errorf("failed to encode tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_records (id, lane, sequence, timestamp, actor, task_id, decision, inputs_hash,
			alternatives, tools_used, confidence, previous_record_hash, key_id, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Lane, rec.Sequence, formatTime(rec.Timestamp), rec.Actor, rec.TaskID, rec.Decision, rec.InputsHash,
		string(alts), string(tools), rec.Confidence, rec.PreviousRecordHash, rec.KeyID, rec.Signature)
	if err != nil {
		return fmt.Errorf("failed to insert decision record %s/%d: %w", rec.Lane, rec.Sequence, err)
	}
	return nil
}

const decisionColumns = `id, lane, sequence, timestamp, actor, task_id, decision, inputs_hash,
	alternatives, tools_used, confidence, previous_record_hash, key_id, signature`

// Decisions returns the records of lane in sequence order.
func (s *SQLiteStore) Decisions(ctx context.Context, lane string) ([]audit.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+`
		FROM decision_records
		WHERE lane = ?
		ORDER BY sequence ASC
	`, lane)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision records: %w", err)
	}
	defer rows.Close()

	var recs []audit.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision records: %w", err)
	}
	return recs, nil
}

// LastDecision returns the latest record of lane.
func (s *SQLiteStore) LastDecision(ctx context.Context, lane string) (audit.DecisionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+decisionColumns+`
		FROM decision_records
		WHERE lane = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, lane)

	rec, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return audit.DecisionRecord{}, false, nil
	}
	if err != nil {
		return audit.DecisionRecord{}, false, err
	}
	return rec, true, nil
}

// Lanes returns every lane that has records, sorted.
func (s *SQLiteStore) Lanes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT lane FROM decision_records ORDER BY lane`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lanes: %w", err)
	}
	defer rows.Close()

	var lanes []string
	for rows.Next() {
		var lane string
		if err := rows.Scan(&lane); err != nil {
			return nil, fmt.Errorf("failed to scan lane: %w", err)
		}
		lanes = append(lanes, lane)
	}
	return lanes, rows.Err()
}

func scanDecision(row scanner) (audit.DecisionRecord, error) {
	var rec audit.DecisionRecord
	var ts, alts, tools string
	err := row.Scan(&rec.ID, &rec.Lane, &rec.Sequence, &ts, &rec.Actor, &rec.TaskID, &rec.Decision, &rec.InputsHash,
		&alts, &tools, &rec.Confidence, &rec.PreviousRecordHash, &rec.KeyID, &rec.Signature)
	if err == sql.ErrNoRows {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan decision record: %w", err)
	}
	if rec.Timestamp, err = parseTime(ts); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(alts), &rec.AlternativesConsidered); err != nil {
		return rec, fmt.Errorf("failed to decode alternatives: %w", err)
	}
	if err := json.Unmarshal([]byte(tools), &rec.ToolsUsed); err != nil {
		return rec, fmt.Errorf("failed to decode tools: %w", err)
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
