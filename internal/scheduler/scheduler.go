package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/config"
	"github.com/mtzanidakis/saat/internal/natsbus"
	"github.com/mtzanidakis/saat/internal/store"
)

// Last run statuses recorded on a schedule.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

const defaultPollInterval = 30 * time.Second

type Scheduler struct {
	store  *store.Store
	broker *broker.Broker
	client *natsbus.Client

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
	now          func() time.Time
}

// New returns a scheduler. client may be nil, in which case no schedule
// events are published.
func New(s *store.Store, b *broker.Broker, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		broker:       b,
		client:       client,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
		now:          time.Now,
	}
}

// UpdateConfig updates the poll interval, then signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return defaultPollInterval
	}
	return s.pollInterval
}

// Sync writes the configured schedules into the store and drops stored
// schedules no longer configured. Existing rows keep their id and run
// history; their next run is recomputed only when the cron expression
// changed or the schedule was re-enabled.
func (s *Scheduler) Sync(defs []config.ScheduleDefinition) error {
	now := s.now()
	names := make([]string, 0, len(defs))
	var errs []error

	for _, def := range defs {
		names = append(names, def.Name)
		if !ValidCron(def.Cron) {
			errs = append(errs, fmt.Errorf("schedule %s: invalid cron expression %q", def.Name, def.Cron))
			continue
		}

		existing, err := s.store.GetScheduleByName(def.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		sch := &store.Schedule{
			ID:       uuid.New().String(),
			Name:     def.Name,
			Pipeline: def.Pipeline,
			Cron:     def.Cron,
			Params:   def.Params,
			Status:   store.ScheduleActive,
		}
		if !def.IsEnabled() {
			sch.Status = store.SchedulePaused
		}

		keepNext := false
		if existing != nil {
			sch.ID = existing.ID
			keepNext = existing.Cron == def.Cron && existing.Status == sch.Status && existing.NextRunAt != nil
		}
		switch {
		case sch.Status == store.SchedulePaused:
			sch.NextRunAt = nil
		case keepNext:
			sch.NextRunAt = existing.NextRunAt
		default:
			next, err := NextRun(def.Cron, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("schedule %s: %w", def.Name, err))
				continue
			}
			sch.NextRunAt = next
		}

		if err := s.store.SaveSchedule(sch); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", def.Name, err))
		}
	}

	if err := s.store.DeleteSchedulesNotIn(names); err != nil {
		errs = append(errs, fmt.Errorf("delete stale schedules: %w", err))
	}

	slog.Info("schedules synced", "count", len(defs))
	return errors.Join(errs...)
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue executes every active schedule whose next run is due, one after
// the other, and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	due, err := s.store.GetDueSchedules(s.now().UTC())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return 0
	}

	for _, sch := range due {
		if ctx.Err() != nil {
			return 0
		}
		s.execute(ctx, sch)
	}
	return len(due)
}

// Trigger runs the named schedule immediately, regardless of its next
// run time or status.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*broker.PipelineResult, error) {
	sch, err := s.store.GetScheduleByName(name)
	if err != nil {
		return nil, err
	}
	if sch == nil {
		return nil, fmt.Errorf("schedule %s not found", name)
	}
	return s.execute(ctx, *sch)
}

func (s *Scheduler) execute(ctx context.Context, sch store.Schedule) (*broker.PipelineResult, error) {
	slog.Info("executing schedule", "id", sch.ID, "name", sch.Name, "pipeline", sch.Pipeline)

	res, err := s.broker.ExecutePipeline(ctx, sch.Pipeline, sch.Params)

	var lastStatus, lastError, runID string
	switch {
	case err != nil:
		lastStatus = StatusError
		lastError = err.Error()
		slog.Error("schedule execution failed", "id", sch.ID, "error", err)
	case !res.Success:
		lastStatus = StatusFailed
		runID = res.RunID
		if len(res.Errors) > 0 {
			lastError = res.Errors[0].Error()
		}
	default:
		lastStatus = StatusSuccess
		runID = res.RunID
	}

	next, nerr := NextRun(sch.Cron, s.now())
	if nerr != nil {
		slog.Error("failed to compute next run", "id", sch.ID, "error", nerr)
	}
	if sch.Status == store.SchedulePaused {
		next = nil
	}

	if uerr := s.store.UpdateScheduleRun(sch.ID, lastStatus, lastError, runID, next); uerr != nil {
		slog.Error("failed to update schedule run", "id", sch.ID, "error", uerr)
	}

	s.publishExecuted(sch, lastStatus, runID)
	return res, err
}

func (s *Scheduler) publishExecuted(sch store.Schedule, status, runID string) {
	if s.client == nil {
		return
	}

	event := map[string]any{
		"type":      "schedule_executed",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":       sch.ID,
			"name":     sch.Name,
			"pipeline": sch.Pipeline,
			"status":   status,
			"run_id":   runID,
		},
	}
	if err := s.client.PublishJSON(natsbus.TopicEventsSchedule(sch.ID), event); err != nil {
		slog.Warn("failed to publish schedule event", "id", sch.ID, "error", err)
	}
}
