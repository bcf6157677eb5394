package db

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"horse.fit/trawl/internal/domain"
)

const jobColumns = `
	job_id,
	kind,
	payload,
	state,
	priority,
	attempt_count,
	max_attempts,
	available_at,
	next_retry_at,
	last_error,
	lease_owner,
	lease_expires_at,
	cancel_requested,
	idempotency_key,
	created_at,
	updated_at,
	finished_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var (
		job            domain.Job
		kind, state    string
		payload        []byte
		lastError      *string
		leaseOwner     *string
		idempotencyKey *string
	)
	err := row.Scan(
		&job.ID,
		&kind,
		&payload,
		&state,
		&job.Priority,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.AvailableAt,
		&job.NextRetryAt,
		&lastError,
		&leaseOwner,
		&job.LeaseExpiresAt,
		&job.CancelRequested,
		&idempotencyKey,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	job.Kind = domain.JobKind(kind)
	job.State = domain.JobState(state)
	job.Payload = payload
	job.LastError = derefString(lastError)
	job.LeaseOwner = derefString(leaseOwner)
	job.IdempotencyKey = derefString(idempotencyKey)
	job.AvailableAt = job.AvailableAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.NextRetryAt = utcPtr(job.NextRetryAt)
	job.LeaseExpiresAt = utcPtr(job.LeaseExpiresAt)
	job.FinishedAt = utcPtr(job.FinishedAt)
	return job, nil
}

func collectJobs(rows *Rows, err error) ([]domain.Job, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (p *Pool) EnqueueJob(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	var (
		out     domain.Job
		created bool
	)
	err := p.inTx(ctx, func(tx Tx) error {
		var err error
		out, created, err = insertJobTx(ctx, tx, job)
		return err
	})
	if err != nil {
		return domain.Job{}, false, err
	}
	return out, created, nil
}

// insertJobTx inserts job unless its idempotency key is taken, in which case
// the existing job is returned with created=false.
func insertJobTx(ctx context.Context, tx Tx, job domain.Job) (domain.Job, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = domain.JobPending
	}
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}

	q := `
INSERT INTO trawl.jobs (
	job_id,
	kind,
	payload,
	state,
	priority,
	attempt_count,
	max_attempts,
	available_at,
	idempotency_key,
	created_at,
	updated_at
)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING ` + jobColumns
	stored, err := scanJob(tx.QueryRow(ctx, q,
		job.ID,
		string(job.Kind),
		payload,
		string(job.State),
		job.Priority,
		job.AttemptCount,
		job.MaxAttempts,
		job.AvailableAt.UTC(),
		nullableString(job.IdempotencyKey),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	))
	if err == nil {
		return stored, true, nil
	}
	if !IsNoRows(err) {
		return domain.Job{}, false, fmt.Errorf("insert %s job: %w", job.Kind, err)
	}

	existing, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM trawl.jobs WHERE idempotency_key = $1`, job.IdempotencyKey))
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("load job for idempotency key %s: %w", job.IdempotencyKey, err)
	}
	return existing, false, nil
}

func (p *Pool) GetJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := scanJob(p.QueryRow(ctx, `SELECT `+jobColumns+` FROM trawl.jobs WHERE job_id = $1`, id))
	if IsNoRows(err) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, classify(fmt.Errorf("get job %s: %w", id, err))
	}
	return job, nil
}

// ClaimJob leases the best pending job of kind. SKIP LOCKED lets concurrent
// workers pass over rows another claimer already holds.
func (p *Pool) ClaimJob(ctx context.Context, kind domain.JobKind, owner string, now, leaseUntil time.Time) (domain.Job, bool, error) {
	q := `
UPDATE trawl.jobs
SET state = 'running',
	attempt_count = attempt_count + 1,
	lease_owner = $2,
	lease_expires_at = $4,
	updated_at = $3
WHERE job_id = (
	SELECT job_id
	FROM trawl.jobs
	WHERE kind = $1
	  AND state = 'pending'
	  AND available_at <= $3
	ORDER BY priority DESC, available_at, job_id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns
	job, err := scanJob(p.QueryRow(ctx, q, string(kind), owner, now.UTC(), leaseUntil.UTC()))
	if IsNoRows(err) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, classify(fmt.Errorf("claim %s job: %w", kind, err))
	}
	return job, true, nil
}

func (p *Pool) HeartbeatJob(ctx context.Context, id, owner string, leaseUntil time.Time) error {
	const q = `
UPDATE trawl.jobs
SET lease_expires_at = $3,
	updated_at = $4
WHERE job_id = $1
  AND state = 'running'
  AND lease_owner = $2
`
	tag, err := p.Exec(ctx, q, id, owner, leaseUntil.UTC(), p.now())
	if err != nil {
		return classify(fmt.Errorf("heartbeat job %s: %w", id, err))
	}
	if tag.RowsAffected() == 0 {
		return p.missingOr(ctx, id, domain.ErrLeaseLost)
	}
	return nil
}

func (p *Pool) TransitionJob(ctx context.Context, id, owner string, tr domain.JobTransition) (domain.Job, error) {
	return p.transition(ctx, id, tr, `state = 'running' AND lease_owner = $9`, owner)
}

func (p *Pool) ExpireJob(ctx context.Context, id string, now time.Time, tr domain.JobTransition) (domain.Job, error) {
	return p.transition(ctx, id, tr, `state = 'running' AND lease_expires_at <= $9`, now.UTC())
}

// transition applies tr when guard holds. guard may reference $9, bound to
// guardArg. The lease is always cleared.
func (p *Pool) transition(ctx context.Context, id string, tr domain.JobTransition, guard string, guardArg any) (domain.Job, error) {
	q := `
UPDATE trawl.jobs
SET state = $2,
	attempt_count = $3,
	available_at = $4,
	next_retry_at = $5,
	last_error = $6,
	finished_at = $7,
	updated_at = $8,
	lease_owner = NULL,
	lease_expires_at = NULL
WHERE job_id = $1
  AND ` + guard + `
RETURNING ` + jobColumns
	job, err := scanJob(p.QueryRow(ctx, q,
		id,
		string(tr.State),
		tr.AttemptCount,
		tr.AvailableAt.UTC(),
		utcPtr(tr.NextRetryAt),
		nullableString(tr.LastError),
		utcPtr(tr.FinishedAt),
		tr.UpdatedAt.UTC(),
		guardArg,
	))
	if IsNoRows(err) {
		return domain.Job{}, p.missingOr(ctx, id, domain.ErrLeaseLost)
	}
	if err != nil {
		return domain.Job{}, classify(fmt.Errorf("transition job %s: %w", id, err))
	}
	return job, nil
}

// missingOr returns domain.ErrNotFound when the job does not exist and
// otherwise err.
func (p *Pool) missingOr(ctx context.Context, id string, err error) error {
	var exists bool
	if qErr := p.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM trawl.jobs WHERE job_id = $1)`, id).Scan(&exists); qErr != nil {
		return classify(fmt.Errorf("check job %s: %w", id, qErr))
	}
	if !exists {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return err
}

func (p *Pool) ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
SELECT ` + jobColumns + `
FROM trawl.jobs
WHERE state = 'running'
  AND lease_expires_at <= $1
ORDER BY lease_expires_at, job_id
LIMIT $2
`
	jobs, err := collectJobs(p.Query(ctx, q, now.UTC(), limit))
	if err != nil {
		return nil, classify(fmt.Errorf("list expired jobs: %w", err))
	}
	return jobs, nil
}

// CancelJob cancels a pending job at once and flags a running one so its
// worker stops after the current attempt. Finished jobs are returned with
// domain.ErrJobFinished.
func (p *Pool) CancelJob(ctx context.Context, id string, now time.Time) (domain.Job, error) {
	var out domain.Job
	err := p.inTx(ctx, func(tx Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM trawl.jobs WHERE job_id = $1 FOR UPDATE`, id))
		if IsNoRows(err) {
			return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock job %s: %w", id, err)
		}

		var q string
		switch job.State {
		case domain.JobPending:
			q = `UPDATE trawl.jobs SET state = 'cancelled', finished_at = $2, updated_at = $2 WHERE job_id = $1 RETURNING ` + jobColumns
		case domain.JobRunning:
			q = `UPDATE trawl.jobs SET cancel_requested = TRUE, updated_at = $2 WHERE job_id = $1 RETURNING ` + jobColumns
		default:
			out = job
			return domain.ErrJobFinished
		}
		out, err = scanJob(tx.QueryRow(ctx, q, id, now.UTC()))
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", id, err)
		}
		return nil
	})
	return out, err
}

func (p *Pool) RequeueJob(ctx context.Context, id string, now time.Time) (domain.Job, error) {
	q := `
UPDATE trawl.jobs
SET state = 'pending',
	attempt_count = 0,
	cancel_requested = FALSE,
	available_at = $2,
	next_retry_at = NULL,
	finished_at = NULL,
	updated_at = $2
WHERE job_id = $1
  AND state IN ('dead', 'cancelled')
RETURNING ` + jobColumns
	job, err := scanJob(p.QueryRow(ctx, q, id, now.UTC()))
	if IsNoRows(err) {
		current, getErr := p.GetJob(ctx, id)
		if getErr != nil {
			return domain.Job{}, getErr
		}
		return domain.Job{}, fmt.Errorf("requeue job %s in state %s: %w", id, current.State, domain.ErrJobState)
	}
	if err != nil {
		return domain.Job{}, classify(fmt.Errorf("requeue job %s: %w", id, err))
	}
	return job, nil
}

func (p *Pool) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query, args, err := jobListQuery(filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build job query: %w", err)
	}
	jobs, err := collectJobs(p.Query(ctx, query, args...))
	if err != nil {
		return nil, classify(fmt.Errorf("list jobs: %w", err))
	}
	return jobs, nil
}

func jobListQuery(filter domain.JobFilter) sq.SelectBuilder {
	b := psql.Select(jobColumns).From("trawl.jobs")
	if filter.Kind != "" {
		b = b.Where(sq.Eq{"kind": string(filter.Kind)})
	}
	if filter.State != "" {
		b = b.Where(sq.Eq{"state": string(filter.State)})
	}
	b = b.OrderBy("updated_at DESC", "job_id")
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	return b
}

func (p *Pool) CountJobs(ctx context.Context) ([]domain.LaneCount, error) {
	const q = `
SELECT kind, state, COUNT(*)
FROM trawl.jobs
GROUP BY kind, state
ORDER BY kind, state
`
	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, classify(fmt.Errorf("count jobs: %w", err))
	}
	defer rows.Close()

	counts := make([]domain.LaneCount, 0)
	for rows.Next() {
		var kind, state string
		var n int64
		if err := rows.Scan(&kind, &state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts = append(counts, domain.LaneCount{Kind: domain.JobKind(kind), State: domain.JobState(state), Count: n})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate job counts: %w", err))
	}
	return counts, nil
}

// DeleteFinishedJobs removes succeeded and cancelled jobs finished before
// cutoff. Dead jobs are kept for inspection.
func (p *Pool) DeleteFinishedJobs(ctx context.Context, before time.Time) (int, error) {
	const q = `
DELETE FROM trawl.jobs
WHERE state IN ('succeeded', 'cancelled')
  AND finished_at < $1
`
	tag, err := p.Exec(ctx, q, before.UTC())
	if err != nil {
		return 0, classify(fmt.Errorf("delete finished jobs: %w", err))
	}
	return int(tag.RowsAffected()), nil
}
