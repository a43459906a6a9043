package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
)

// OptionScheduleID links an invocation to the schedule that triggered it.
const OptionScheduleID = "schedule_id"

type Invocation struct {
	ID              string            `json:"id"`
	Task            string            `json:"task"`
	Destination     string            `json:"dst"`
	FeedbackChannel string            `json:"feedback_channel"`
	ScheduleID      string            `json:"schedule_id,omitempty"`
	Outcome         taskagent.Outcome `json:"outcome"`
	Agents          map[string]string `json:"agents"`
	Fragments       []any             `json:"fragments,omitempty"`
	Responses       int               `json:"responses"`
	HasError        bool              `json:"has_error"`
	ErrorReason     string            `json:"error_reason,omitempty"`
	ErrorSource     string            `json:"error_source,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	Duration        time.Duration     `json:"duration"`
}

// InvocationFromResult flattens a coordinator result for storage.
func InvocationFromResult(env *taskagent.Envelope, res *taskagent.Result) *Invocation {
	agents := make(map[string]string, len(res.Agents))
	for name, st := range res.Agents {
		agents[name] = string(st)
	}
	inv := &Invocation{
		ID:              res.ID,
		Task:            res.Task,
		Destination:     res.Destination,
		FeedbackChannel: res.FeedbackChannel,
		Outcome:         res.Outcome,
		Agents:          agents,
		Fragments:       res.Fragments,
		Responses:       res.Responses,
		HasError:        res.HasError,
		ErrorReason:     res.ErrorReason,
		ErrorSource:     res.ErrorSource,
		StartedAt:       res.StartedAt,
		Duration:        res.Duration,
	}
	if env != nil {
		inv.ScheduleID, _ = env.Options[OptionScheduleID].(string)
	}
	return inv
}

const invocationColumns = `id, task, destination, feedback_channel, schedule_id, outcome, agents,
	fragments, responses, has_error, error_reason, error_source, started_at, duration_ms`

func scanInvocation(scanner interface {
	Scan(dest ...any) error
}) (*Invocation, error) {
	inv := &Invocation{}
	var (
		scheduleID, errReason, errSource *string
		agents                           string
		fragments                        []byte
		durationMS                       int64
	)
	err := scanner.Scan(&inv.ID, &inv.Task, &inv.Destination, &inv.FeedbackChannel, &scheduleID,
		&inv.Outcome, &agents, &fragments, &inv.Responses, &inv.HasError, &errReason, &errSource,
		&inv.StartedAt, &durationMS)
	if err != nil {
		return nil, err
	}
	if scheduleID != nil {
		inv.ScheduleID = *scheduleID
	}
	if errReason != nil {
		inv.ErrorReason = *errReason
	}
	if errSource != nil {
		inv.ErrorSource = *errSource
	}
	inv.Duration = time.Duration(durationMS) * time.Millisecond

	if err := json.Unmarshal([]byte(agents), &inv.Agents); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	raw, err := decompress(fragments)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &inv.Fragments); err != nil {
			return nil, fmt.Errorf("decode fragments: %w", err)
		}
	}
	return inv, nil
}

func (s *Store) SaveInvocation(inv *Invocation) error {
	agents, err := json.Marshal(inv.Agents)
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}
	var fragments []byte
	if len(inv.Fragments) > 0 {
		raw, err := json.Marshal(inv.Fragments)
		if err != nil {
			return fmt.Errorf("encode fragments: %w", err)
		}
		fragments = compress(raw)
	}

	_, err = s.db.Exec(`
		INSERT INTO invocations (`+invocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			agents = excluded.agents,
			fragments = excluded.fragments,
			responses = excluded.responses,
			has_error = excluded.has_error,
			error_reason = excluded.error_reason,
			error_source = excluded.error_source,
			duration_ms = excluded.duration_ms`,
		inv.ID, inv.Task, inv.Destination, inv.FeedbackChannel, nullString(inv.ScheduleID),
		string(inv.Outcome), string(agents), fragments, inv.Responses, inv.HasError,
		nullString(inv.ErrorReason), nullString(inv.ErrorSource), inv.StartedAt.UTC(),
		inv.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("save invocation: %w", err)
	}
	return nil
}

// GetInvocation returns nil without error when id is unknown.
func (s *Store) GetInvocation(id string) (*Invocation, error) {
	row := s.db.QueryRow(`SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations returns the most recent invocations first. A positive
// limit caps the result; task filters by task name when non-empty.
func (s *Store) ListInvocations(task string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+invocationColumns+` FROM invocations
		WHERE (? = '' OR task = ?)
		ORDER BY started_at DESC LIMIT ?`, task, task, limit)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// CountInvocationsByOutcome is used for the status endpoint.
func (s *Store) CountInvocationsByOutcome() (map[taskagent.Outcome]int, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM invocations GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count invocations: %w", err)
	}
	defer rows.Close()

	counts := make(map[taskagent.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[taskagent.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// DeleteInvocationsBefore prunes history and returns the number of rows
// removed.
func (s *Store) DeleteInvocationsBefore(t time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM invocations WHERE started_at < ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Recorder returns an observer that persists every finished invocation.
func (s *Store) Recorder() taskagent.Observer {
	return recorder{s}
}

type recorder struct{ s *Store }

func (recorder) InvocationStarted(*taskagent.Envelope) {}

func (r recorder) InvocationFinished(env *taskagent.Envelope, res *taskagent.Result) {
	if err := r.s.SaveInvocation(InvocationFromResult(env, res)); err != nil {
		slog.Error("record invocation failed", "id", res.ID, "error", err)
	}
}
