package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"horse.fit/trawl/internal/domain"
)

const scheduleColumns = `
	schedule_id,
	name,
	task_kind,
	payload,
	cron_expr,
	interval_seconds,
	priority,
	enabled,
	next_run_at,
	last_run_at,
	created_at,
	updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var (
		sched    domain.Schedule
		taskKind string
		payload  []byte
		cronExpr *string
	)
	err := row.Scan(
		&sched.ID,
		&sched.Name,
		&taskKind,
		&payload,
		&cronExpr,
		&sched.IntervalSeconds,
		&sched.Priority,
		&sched.Enabled,
		&sched.NextRunAt,
		&sched.LastRunAt,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	sched.TaskKind = domain.TaskKind(taskKind)
	sched.Payload = payload
	sched.CronExpr = derefString(cronExpr)
	sched.NextRunAt = sched.NextRunAt.UTC()
	sched.LastRunAt = utcPtr(sched.LastRunAt)
	sched.CreatedAt = sched.CreatedAt.UTC()
	sched.UpdatedAt = sched.UpdatedAt.UTC()
	return sched, nil
}

func collectSchedules(rows *Rows, err error) ([]domain.Schedule, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Schedule, 0)
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

// UpsertSchedule inserts a schedule or replaces the one with the same name,
// keeping its id, creation time and last run.
func (p *Pool) UpsertSchedule(ctx context.Context, sched domain.Schedule) (domain.Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	payload := string(sched.Payload)
	if payload == "" {
		payload = "{}"
	}
	now := p.now()

	q := `
INSERT INTO trawl.schedules (
	schedule_id,
	name,
	task_kind,
	payload,
	cron_expr,
	interval_seconds,
	priority,
	enabled,
	next_run_at,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $10)
ON CONFLICT (name) DO UPDATE
SET task_kind = EXCLUDED.task_kind,
	payload = EXCLUDED.payload,
	cron_expr = EXCLUDED.cron_expr,
	interval_seconds = EXCLUDED.interval_seconds,
	priority = EXCLUDED.priority,
	enabled = EXCLUDED.enabled,
	next_run_at = EXCLUDED.next_run_at,
	updated_at = EXCLUDED.updated_at
RETURNING ` + scheduleColumns
	out, err := scanSchedule(p.QueryRow(ctx, q,
		sched.ID,
		sched.Name,
		string(sched.TaskKind),
		payload,
		nullableString(sched.CronExpr),
		sched.IntervalSeconds,
		sched.Priority,
		sched.Enabled,
		sched.NextRunAt.UTC(),
		now,
	))
	if err != nil {
		return domain.Schedule{}, classify(fmt.Errorf("upsert schedule %s: %w", sched.Name, err))
	}
	return out, nil
}

func (p *Pool) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	sched, err := scanSchedule(p.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM trawl.schedules WHERE schedule_id = $1`, id))
	if IsNoRows(err) {
		return domain.Schedule{}, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Schedule{}, classify(fmt.Errorf("get schedule %s: %w", id, err))
	}
	return sched, nil
}

func (p *Pool) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	out, err := collectSchedules(p.Query(ctx, `SELECT `+scheduleColumns+` FROM trawl.schedules ORDER BY name`))
	if err != nil {
		return nil, classify(fmt.Errorf("list schedules: %w", err))
	}
	return out, nil
}

func (p *Pool) DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
SELECT ` + scheduleColumns + `
FROM trawl.schedules
WHERE enabled
  AND next_run_at <= $1
ORDER BY next_run_at, name
LIMIT $2
`
	out, err := collectSchedules(p.Query(ctx, q, now.UTC(), limit))
	if err != nil {
		return nil, classify(fmt.Errorf("list due schedules: %w", err))
	}
	return out, nil
}

// AdvanceSchedule moves next_run_at forward only if it still equals
// expectedNext. It reports whether this caller won the tick.
func (p *Pool) AdvanceSchedule(ctx context.Context, id string, expectedNext, next, lastRun time.Time) (bool, error) {
	const q = `
UPDATE trawl.schedules
SET next_run_at = $3,
	last_run_at = $4,
	updated_at = $5
WHERE schedule_id = $1
  AND next_run_at = $2
`
	tag, err := p.Exec(ctx, q, id, expectedNext.UTC(), next.UTC(), lastRun.UTC(), p.now())
	if err != nil {
		return false, classify(fmt.Errorf("advance schedule %s: %w", id, err))
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Pool) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := p.Exec(ctx, `UPDATE trawl.schedules SET enabled = $2, updated_at = $3 WHERE schedule_id = $1`, id, enabled, p.now())
	if err != nil {
		return classify(fmt.Errorf("set schedule %s enabled=%t: %w", id, enabled, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
