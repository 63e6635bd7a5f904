package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ScheduleActive = "active"
	SchedulePaused = "paused"
)

type Schedule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Pipeline   string         `json:"pipeline"`
	Cron       string         `json:"cron"`
	Params     map[string]any `json:"params,omitempty"`
	Status     string         `json:"status"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	LastStatus string         `json:"last_status,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	LastRunID  string         `json:"last_run_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

const scheduleColumns = `id, name, pipeline, cron, params, status,
		       next_run_at, last_run_at, last_status, last_error, last_run_id, created_at`

func scanSchedule(sc scanner) (*Schedule, error) {
	sch := &Schedule{}
	var params, lastStatus, lastError, lastRunID sql.NullString
	err := sc.Scan(&sch.ID, &sch.Name, &sch.Pipeline, &sch.Cron, &params, &sch.Status,
		&sch.NextRunAt, &sch.LastRunAt, &lastStatus, &lastError, &lastRunID, &sch.CreatedAt)
	if err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &sch.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	sch.LastStatus = lastStatus.String
	sch.LastError = lastError.String
	sch.LastRunID = lastRunID.String
	return sch, nil
}

// SaveSchedule upserts by id. Run bookkeeping columns are left untouched
// on update.
func (s *Store) SaveSchedule(sch *Schedule) error {
	params, err := json.Marshal(sch.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO schedules (id, name, pipeline, cron, params, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			pipeline = excluded.pipeline,
			cron = excluded.cron,
			params = excluded.params,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sch.ID, sch.Name, sch.Pipeline, sch.Cron, string(params), sch.Status, sch.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sch, nil
}

func (s *Store) GetScheduleByName(name string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE name = ?`, name)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sch, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	rows, err := s.db.Query(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	rows, err := s.db.Query(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sch)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduleRun(id, lastStatus, lastError, runID string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, last_run_id = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, runID, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteSchedulesNotIn(names []string) error {
	if len(names) == 0 {
		_, err := s.db.Exec(`DELETE FROM schedules`)
		return err
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	_, err := s.db.Exec(`DELETE FROM schedules WHERE name NOT IN (`+inClause(len(names))+`)`, args...)
	return err
}
