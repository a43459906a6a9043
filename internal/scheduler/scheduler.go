// Package scheduler broadcasts stored tasks on a timetable.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/sipwise/ngcp-taskagent/internal/config"
	"github.com/sipwise/ngcp-taskagent/internal/store"
	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
)

// Invoker runs one task broadcast. *taskagent.Coordinator implements it.
type Invoker interface {
	Invoke(ctx context.Context, req taskagent.Request, opts ...taskagent.InvokeOption) (*taskagent.Result, error)
}

type Scheduler struct {
	store        *store.Store
	invoker      Invoker
	pollInterval time.Duration
	wakeCh       chan struct{}
	now          func() time.Time
}

func New(s *store.Store, inv Invoker, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		invoker:      inv,
		pollInterval: cfg.PollInterval,
		wakeCh:       make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Wake makes the run loop poll immediately, e.g. after a schedule was
// added.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.wakeCh:
			s.poll(ctx)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Add validates and stores a new schedule, computing its first run.
func (s *Scheduler) Add(sc *store.Schedule) error {
	if sc.Task == "" {
		return fmt.Errorf("schedule task is required")
	}
	spec, err := Normalize(sc.Spec)
	if err != nil {
		return err
	}
	next := NextRun(spec, s.now())
	if next == nil {
		return fmt.Errorf("schedule never fires: %s", Describe(spec))
	}

	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Name == "" {
		sc.Name = sc.Task + " " + Describe(spec)
	}
	sc.Spec = spec
	sc.Status = store.ScheduleActive
	sc.NextRunAt = next

	if err := s.store.SaveSchedule(sc); err != nil {
		return err
	}
	slog.Info("schedule added", "id", sc.ID, "task", sc.Task, "next_run_at", next)
	s.Wake()
	return nil
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(s.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sc := range due {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, sc)
	}
}

func (s *Scheduler) execute(ctx context.Context, sc store.Schedule) {
	slog.Info("executing scheduled task", "id", sc.ID, "name", sc.Name, "task", sc.Task)

	opts := make(map[string]any, len(sc.Options)+1)
	maps.Copy(opts, sc.Options)
	opts[store.OptionScheduleID] = sc.ID

	req := taskagent.Request{
		Task:        sc.Task,
		Destination: sc.Destination,
		Options:     opts,
	}
	if len(sc.Data) > 0 {
		req.Data = sc.Data
	}

	var lastOutcome, lastError string
	res, err := s.invoker.Invoke(ctx, req)
	switch {
	case err != nil:
		lastOutcome = "error"
		lastError = err.Error()
		slog.Error("scheduled task failed", "id", sc.ID, "error", err)
	default:
		lastOutcome = string(res.Outcome)
		if rerr := res.Err(); rerr != nil {
			lastError = rerr.Error()
		}
	}

	next := NextRun(sc.Spec, s.now())
	if err := s.store.UpdateScheduleRun(sc.ID, lastOutcome, lastError, next); err != nil {
		slog.Error("failed to update schedule run", "id", sc.ID, "error", err)
	}

	if next == nil {
		slog.Info("no next run, marking schedule as completed", "id", sc.ID, "name", sc.Name)
		if err := s.store.UpdateScheduleStatus(sc.ID, store.ScheduleCompleted); err != nil {
			slog.Error("failed to complete schedule", "id", sc.ID, "error", err)
		}
	}
}
