// Package orchestrator turns the persisted schedule table into discovery
// jobs and runs the periodic maintenance of the queue and result stores.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/trawl/internal/discovery"
	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/globaltime"
	"horse.fit/trawl/internal/queue"
)

const (
	DefaultTickInterval    = 15 * time.Second
	DefaultReapInterval    = 30 * time.Second
	DefaultCleanupInterval = time.Hour
	DefaultRetention       = 30 * 24 * time.Hour

	dueBatchSize = 100
)

type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, sched domain.Schedule) (domain.Schedule, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	AdvanceSchedule(ctx context.Context, id string, expectedNext, next, lastRun time.Time) (bool, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
}

// Jobs is the slice of the queue the orchestrator drives. *queue.Queue
// satisfies it.
type Jobs interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (domain.Job, bool, error)
	ReleaseExpired(ctx context.Context) (int, error)
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Archive removes archived staged results and their snapshots.
type Archive interface {
	PurgeArchived(ctx context.Context, before time.Time) (int, error)
}

// Runner is a supervised long-running component, typically a *queue.Pool.
type Runner interface {
	Run(ctx context.Context) error
}

type Observer interface {
	ScheduleFired(name string)
}

type Options struct {
	TickInterval    time.Duration
	ReapInterval    time.Duration
	CleanupInterval time.Duration
	// Retention is how long finished jobs and archived results are kept.
	Retention time.Duration
	Archive   Archive
	Observer  Observer
	Now       func() time.Time
}

type Orchestrator struct {
	schedules ScheduleStore
	jobs      Jobs
	archive   Archive
	observer  Observer
	tick      time.Duration
	reap      time.Duration
	cleanup   time.Duration
	retention time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

func New(schedules ScheduleStore, jobs Jobs, opts Options, logger zerolog.Logger) (*Orchestrator, error) {
	if schedules == nil {
		return nil, fmt.Errorf("schedule store is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Orchestrator{
		schedules: schedules,
		jobs:      jobs,
		archive:   opts.Archive,
		observer:  opts.Observer,
		tick:      opts.TickInterval,
		reap:      opts.ReapInterval,
		cleanup:   opts.CleanupInterval,
		retention: opts.Retention,
		now:       globaltime.Clock(opts.Now),
		logger:    logger,
	}, nil
}

// ScheduleSpec describes a schedule row to create or replace by name.
type ScheduleSpec struct {
	Name            string
	Task            discovery.Task
	CronExpr        string
	IntervalSeconds int64
	Priority        float64
	Disabled        bool
}

// AddSchedule validates spec and upserts it by name. The first run is the
// next cron slot, or one interval from now.
func (o *Orchestrator) AddSchedule(ctx context.Context, spec ScheduleSpec) (domain.Schedule, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return domain.Schedule{}, fault.Invalid("schedule name is required")
	}
	if spec.Task == nil {
		return domain.Schedule{}, fault.Invalid("schedule %s has no task", name)
	}
	if spec.Task.Kind() == domain.TaskManualBatch {
		return domain.Schedule{}, fault.Invalid("manual batches cannot be scheduled")
	}

	payload, err := discovery.EncodeTask(spec.Task, "")
	if err != nil {
		return domain.Schedule{}, err
	}
	// Run the encoded task through payload validation before it is stored.
	if _, _, err := discovery.DecodeTask(payload); err != nil {
		return domain.Schedule{}, err
	}
	var envelope discovery.JobPayload
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return domain.Schedule{}, fault.Invalid("schedule payload: %v", err)
	}

	sched := domain.Schedule{
		Name:            name,
		TaskKind:        spec.Task.Kind(),
		Payload:         envelope.Task,
		CronExpr:        strings.TrimSpace(spec.CronExpr),
		IntervalSeconds: spec.IntervalSeconds,
		Priority:        spec.Priority,
		Enabled:         !spec.Disabled,
	}
	if sched.Priority <= 0 {
		sched.Priority = 1
	}
	next, err := NextRun(sched, o.now())
	if err != nil {
		return domain.Schedule{}, err
	}
	sched.NextRunAt = next

	stored, err := o.schedules.UpsertSchedule(ctx, sched)
	if err != nil {
		return domain.Schedule{}, fault.Wrap(fault.KindInvariantViolation, fmt.Errorf("upsert schedule %s: %w", name, err))
	}
	o.logger.Info().
		Str("schedule_id", stored.ID).
		Str("name", stored.Name).
		Str("task_kind", string(stored.TaskKind)).
		Time("next_run_at", stored.NextRunAt).
		Msg("schedule saved")
	return stored, nil
}

func (o *Orchestrator) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return o.schedules.ListSchedules(ctx)
}

func (o *Orchestrator) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := o.schedules.SetScheduleEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
		}
		return err
	}
	return nil
}

// NextRun returns the first run strictly after after. Exactly one of the
// cron expression and the interval must be set.
func NextRun(sched domain.Schedule, after time.Time) (time.Time, error) {
	hasCron := strings.TrimSpace(sched.CronExpr) != ""
	hasInterval := sched.IntervalSeconds > 0
	switch {
	case hasCron && hasInterval:
		return time.Time{}, fault.Invalid("schedule %s sets both cron_expr and interval_seconds", sched.Name)
	case hasCron:
		parsed, err := cron.ParseStandard(sched.CronExpr)
		if err != nil {
			return time.Time{}, fault.Invalid("schedule %s cron_expr: %v", sched.Name, err)
		}
		next := parsed.Next(after)
		if next.IsZero() {
			return time.Time{}, fault.Invalid("schedule %s cron_expr never fires", sched.Name)
		}
		return next.UTC(), nil
	case hasInterval:
		return after.Add(time.Duration(sched.IntervalSeconds) * time.Second).UTC(), nil
	default:
		return time.Time{}, fault.Invalid("schedule %s needs cron_expr or interval_seconds", sched.Name)
	}
}

// Tick enqueues one discovery job for every due schedule and advances its
// next run. Missed slots are coalesced into a single run. The job is keyed
// by schedule and slot, so concurrent orchestrators enqueue it once and only
// one of them advances the row.
func (o *Orchestrator) Tick(ctx context.Context) (int, error) {
	now := o.now()
	due, err := o.schedules.DueSchedules(ctx, now, dueBatchSize)
	if err != nil {
		return 0, fault.Wrap(fault.KindInvariantViolation, fmt.Errorf("load due schedules: %w", err))
	}

	fired := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		log := o.logger.With().Str("schedule_id", sched.ID).Str("name", sched.Name).Logger()

		next, err := NextRun(sched, now)
		if err != nil {
			log.Error().Err(err).Msg("schedule is not runnable, disabling")
			if disableErr := o.schedules.SetScheduleEnabled(ctx, sched.ID, false); disableErr != nil {
				log.Error().Err(disableErr).Msg("disable schedule")
			}
			continue
		}

		payload, err := json.Marshal(discovery.JobPayload{
			TaskKind:   sched.TaskKind,
			ScheduleID: sched.ID,
			Task:       sched.Payload,
		})
		if err != nil {
			log.Error().Err(err).Msg("encode scheduled job payload")
			continue
		}
		job, created, err := o.jobs.Enqueue(ctx, queue.EnqueueRequest{
			Kind:           domain.JobDiscovery,
			Payload:        json.RawMessage(payload),
			Priority:       sched.Priority,
			IdempotencyKey: SlotKey(sched.ID, sched.NextRunAt),
		})
		if err != nil {
			return fired, err
		}

		advanced, err := o.schedules.AdvanceSchedule(ctx, sched.ID, sched.NextRunAt, next, now)
		if err != nil {
			return fired, fault.Wrap(fault.KindInvariantViolation, fmt.Errorf("advance schedule %s: %w", sched.ID, err))
		}
		if !advanced || !created {
			continue
		}
		fired++
		if o.observer != nil {
			o.observer.ScheduleFired(sched.Name)
		}
		log.Info().Str("job_id", job.ID).Time("next_run_at", next).Msg("schedule fired")
	}
	return fired, nil
}

// SlotKey is the idempotency key of the discovery job for one schedule slot.
func SlotKey(scheduleID string, slot time.Time) string {
	return fmt.Sprintf("schedule:%s:%d", scheduleID, slot.Unix())
}

// Reap returns jobs with lapsed leases to their lanes.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	n, err := o.jobs.ReleaseExpired(ctx)
	if n > 0 {
		o.logger.Info().Int("released", n).Msg("expired leases reaped")
	}
	return n, err
}

type CleanupReport struct {
	Jobs    int `json:"jobs"`
	Results int `json:"results"`
}

// Cleanup deletes finished jobs and archived staged results older than the
// retention window. Dead jobs are kept for inspection.
func (o *Orchestrator) Cleanup(ctx context.Context) (CleanupReport, error) {
	cutoff := o.now().Add(-o.retention)
	var report CleanupReport

	n, err := o.jobs.Purge(ctx, cutoff)
	report.Jobs = n
	if err != nil {
		return report, err
	}
	if o.archive != nil {
		n, err := o.archive.PurgeArchived(ctx, cutoff)
		report.Results = n
		if err != nil {
			return report, fault.Wrap(fault.KindInvariantViolation, fmt.Errorf("purge archived results: %w", err))
		}
	}
	if report.Jobs > 0 || report.Results > 0 {
		o.logger.Info().Int("jobs", report.Jobs).Int("results", report.Results).Time("cutoff", cutoff).Msg("retention cleanup finished")
	}
	return report, nil
}

// Run drives the schedule, reaper and cleanup loops and supervises the
// given runners until ctx ends or one of them fails.
func (o *Orchestrator) Run(ctx context.Context, runners ...Runner) error {
	group, groupCtx := errgroup.WithContext(ctx)

	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"schedule", o.tick, func(ctx context.Context) error { _, err := o.Tick(ctx); return err }},
		{"reaper", o.reap, func(ctx context.Context) error { _, err := o.Reap(ctx); return err }},
		{"cleanup", o.cleanup, func(ctx context.Context) error { _, err := o.Cleanup(ctx); return err }},
	}
	for _, l := range loops {
		group.Go(func() error { return o.loop(groupCtx, l.name, l.interval, l.fn) })
	}
	for _, r := range runners {
		if r == nil {
			continue
		}
		group.Go(func() error { return r.Run(groupCtx) })
	}

	o.logger.Info().
		Dur("tick_interval", o.tick).
		Dur("reap_interval", o.reap).
		Dur("cleanup_interval", o.cleanup).
		Int("runners", len(runners)).
		Msg("orchestrator started")
	err := group.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// loop runs fn immediately and then every interval. Failures are logged and
// retried on the next tick.
func (o *Orchestrator) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error().Err(err).Str("loop", name).Msg("orchestrator loop iteration failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
