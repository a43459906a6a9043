package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ScheduleActive    = "active"
	SchedulePaused    = "paused"
	ScheduleCompleted = "completed"
)

// Schedule is a task broadcast repeated on a cron, interval or one-off
// timetable. Spec holds the normalized JSON timetable.
type Schedule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Spec        string          `json:"schedule"`
	Task        string          `json:"task"`
	Destination string          `json:"dst,omitempty"`
	Options     map[string]any  `json:"options,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Status      string          `json:"status"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	LastOutcome string          `json:"last_outcome,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

const scheduleColumns = `id, name, schedule, task, destination, options, data, status,
	next_run_at, last_run_at, last_outcome, last_error, created_at`

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*Schedule, error) {
	sc := &Schedule{}
	var dst, options, data, lastOutcome, lastError *string
	err := scanner.Scan(&sc.ID, &sc.Name, &sc.Spec, &sc.Task, &dst, &options, &data, &sc.Status,
		&sc.NextRunAt, &sc.LastRunAt, &lastOutcome, &lastError, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if dst != nil {
		sc.Destination = *dst
	}
	if options != nil && *options != "" {
		if err := json.Unmarshal([]byte(*options), &sc.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	if data != nil && *data != "" {
		sc.Data = json.RawMessage(*data)
	}
	if lastOutcome != nil {
		sc.LastOutcome = *lastOutcome
	}
	if lastError != nil {
		sc.LastError = *lastError
	}
	return sc, nil
}

func (s *Store) SaveSchedule(sc *Schedule) error {
	var options *string
	if len(sc.Options) > 0 {
		raw, err := json.Marshal(sc.Options)
		if err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
		options = nullString(string(raw))
	}
	if sc.Status == "" {
		sc.Status = ScheduleActive
	}

	_, err := s.db.Exec(`
		INSERT INTO schedules (id, name, schedule, task, destination, options, data, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			task = excluded.task,
			destination = excluded.destination,
			options = excluded.options,
			data = excluded.data,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sc.ID, sc.Name, sc.Spec, sc.Task, nullString(sc.Destination), options,
		nullString(string(sc.Data)), sc.Status, utc(sc.NextRunAt))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

// GetSchedule returns nil without error when id is unknown.
func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at`)
}

// GetDueSchedules returns active schedules whose next run is not after now.
func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
}

func (s *Store) querySchedules(query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduleRun(id, lastOutcome, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, last_outcome = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), lastOutcome, nullString(lastError), utc(nextRunAt), id)
	return err
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

// DeleteSchedule reports whether a schedule was removed.
func (s *Store) DeleteSchedule(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
