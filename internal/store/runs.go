package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/saat/internal/broker"
)

// Run is a persisted pipeline run. Result holds the full PipelineResult
// as JSON.
type Run struct {
	ID         string          `json:"id"`
	Pipeline   string          `json:"pipeline"`
	Success    bool            `json:"success"`
	Aborted    bool            `json:"aborted"`
	Params     map[string]any  `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorCount int             `json:"error_count"`
	DurationMs int64           `json:"duration_ms"`
	StartedAt  time.Time       `json:"started_at"`
	Steps      []StepRecord    `json:"steps,omitempty"`
}

type StepRecord struct {
	Seq          int    `json:"seq"`
	Name         string `json:"name"`
	Agent        string `json:"agent"`
	Success      bool   `json:"success"`
	DurationMs   int64  `json:"duration_ms"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RecordRun persists a finished run and its step results in one
// transaction.
func (s *Store) RecordRun(res *broker.PipelineResult, params map[string]any) error {
	result, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	var paramsJSON []byte
	if params != nil {
		if paramsJSON, err = json.Marshal(params); err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO pipeline_runs (id, pipeline, success, aborted, params, result, error_count, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Pipeline, boolToInt(res.Success), boolToInt(res.Aborted), nullString(paramsJSON),
		string(result), len(res.Errors), res.Duration.Milliseconds(), res.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, step := range res.Steps {
		var code, msg sql.NullString
		if step.Error != nil {
			code = sql.NullString{String: step.Error.Code, Valid: true}
			msg = sql.NullString{String: step.Error.Message, Valid: true}
		}
		if _, err := tx.Exec(`
			INSERT INTO step_results (run_id, seq, name, agent, success, duration_ms, error_code, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, i, step.Name, step.Agent, boolToInt(step.Success), step.Duration.Milliseconds(), code, msg); err != nil {
			return fmt.Errorf("insert step result: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun returns the run with its step records, or nil if it does not
// exist.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, pipeline, success, aborted, params, result, error_count, duration_ms, started_at
		FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row, true)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	steps, err := s.ListStepRecords(id)
	if err != nil {
		return nil, err
	}
	r.Steps = steps
	return r, nil
}

// ListRuns returns the most recent runs first, without their result
// payload. An empty pipeline matches all pipelines.
func (s *Store) ListRuns(pipeline string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, pipeline, success, aborted, params, NULL, error_count, duration_ms, started_at
		FROM pipeline_runs
		WHERE ? = '' OR pipeline = ?
		ORDER BY started_at DESC
		LIMIT ?`, pipeline, pipeline, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) ListStepRecords(runID string) ([]StepRecord, error) {
	rows, err := s.db.Query(`
		SELECT seq, name, agent, success, duration_ms, error_code, error_message
		FROM step_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var st StepRecord
		var success int
		var code, msg sql.NullString
		if err := rows.Scan(&st.Seq, &st.Name, &st.Agent, &success, &st.DurationMs, &code, &msg); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		st.Success = success == 1
		st.ErrorCode = code.String
		st.ErrorMessage = msg.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// DeleteRun removes a run together with its step records.
func (s *Store) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM step_results WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete step results: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pipeline_runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return tx.Commit()
}

// PruneRuns deletes runs that started before cutoff and returns how many
// were removed.
func (s *Store) PruneRuns(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM step_results
		WHERE run_id IN (SELECT id FROM pipeline_runs WHERE started_at < ?)`, cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("prune step results: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM pipeline_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// CountRuns returns the number of stored runs and how many of them failed.
func (s *Store) CountRuns() (total, failed int, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0) FROM pipeline_runs`).
		Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count runs: %w", err)
	}
	return total, failed, nil
}

func scanRun(sc scanner, withResult bool) (*Run, error) {
	r := &Run{}
	var success, aborted int
	var params, result sql.NullString
	if err := sc.Scan(&r.ID, &r.Pipeline, &success, &aborted, &params, &result,
		&r.ErrorCount, &r.DurationMs, &r.StartedAt); err != nil {
		return nil, err
	}
	r.Success = success == 1
	r.Aborted = aborted == 1
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &r.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if withResult && result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	return r, nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
