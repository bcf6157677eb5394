// Package queue runs discovery and engagement work as leased jobs. It is the
// only place that decides between retry and dead-letter.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/globaltime"
)

const (
	DefaultMaxAttempts   = 5
	DefaultLeaseDuration = 2 * time.Minute
	maxLastErrorRunes    = 4000
	expiredBatchSize     = 100
)

// Store persists jobs. ClaimJob must hand a pending job to exactly one
// caller and count the attempt. Owner-guarded calls fail with
// domain.ErrLeaseLost when the caller no longer holds the lease.
type Store interface {
	EnqueueJob(ctx context.Context, job domain.Job) (domain.Job, bool, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ClaimJob(ctx context.Context, kind domain.JobKind, owner string, now, leaseUntil time.Time) (domain.Job, bool, error)
	HeartbeatJob(ctx context.Context, id, owner string, leaseUntil time.Time) error
	TransitionJob(ctx context.Context, id, owner string, tr domain.JobTransition) (domain.Job, error)
	ExpireJob(ctx context.Context, id string, now time.Time, tr domain.JobTransition) (domain.Job, error)
	ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	CancelJob(ctx context.Context, id string, now time.Time) (domain.Job, error)
	RequeueJob(ctx context.Context, id string, now time.Time) (domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	CountJobs(ctx context.Context) ([]domain.LaneCount, error)
	DeleteFinishedJobs(ctx context.Context, before time.Time) (int, error)
}

// Observer receives job lifecycle events, typically for metrics.
type Observer interface {
	JobOutcome(kind domain.JobKind, outcome string)
	JobDuration(kind domain.JobKind, d time.Duration)
}

type Options struct {
	MaxAttempts   int
	LeaseDuration time.Duration
	Backoff       Backoff
	Now           func() time.Time
	// Rand returns values in [0,1) for jitter.
	Rand     func() float64
	Observer Observer
}

type Queue struct {
	store    Store
	logger   zerolog.Logger
	max      int
	lease    time.Duration
	backoff  Backoff
	now      func() time.Time
	rnd      func() float64
	observer Observer
}

func New(store Store, opts Options, logger zerolog.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Queue{
		store:    store,
		logger:   logger,
		max:      opts.MaxAttempts,
		lease:    opts.LeaseDuration,
		backoff:  opts.Backoff.normalized(),
		now:      globaltime.Clock(opts.Now),
		rnd:      opts.Rand,
		observer: opts.Observer,
	}
}

// LeaseDuration is how long a claim stays valid without a heartbeat.
func (q *Queue) LeaseDuration() time.Duration {
	return q.lease
}

type EnqueueRequest struct {
	Kind           domain.JobKind
	Payload        any
	Priority       float64
	MaxAttempts    int
	AvailableAt    time.Time
	IdempotencyKey string
}

// NewJob builds a pending job with queue defaults applied. It is used for
// jobs persisted by other stores in the same transaction as their cause.
func (q *Queue) NewJob(req EnqueueRequest) (domain.Job, error) {
	if !req.Kind.Valid() {
		return domain.Job{}, fault.Invalid("unknown job kind %q", req.Kind)
	}

	var payload json.RawMessage
	switch p := req.Payload.(type) {
	case nil:
		payload = json.RawMessage(`{}`)
	case json.RawMessage:
		payload = p
	case []byte:
		payload = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return domain.Job{}, fault.Invalid("encode %s payload: %v", req.Kind, err)
		}
		payload = data
	}
	if !json.Valid(payload) {
		return domain.Job{}, fault.Invalid("%s payload is not valid json", req.Kind)
	}

	now := q.now()
	available := req.AvailableAt
	if available.IsZero() {
		available = now
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.max
	}
	priority := req.Priority
	if priority <= 0 {
		priority = 1
	}

	return domain.Job{
		Kind:           req.Kind,
		Payload:        payload,
		State:          domain.JobPending,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
		AvailableAt:    available,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Enqueue adds a pending job. A request whose idempotency key already exists
// returns the existing job with created=false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Job, bool, error) {
	job, err := q.NewJob(req)
	if err != nil {
		return domain.Job{}, false, err
	}
	stored, created, err := q.store.EnqueueJob(ctx, job)
	if err != nil {
		return domain.Job{}, false, storeFault(fmt.Errorf("enqueue %s job: %w", req.Kind, err))
	}
	if created {
		q.logger.Debug().
			Str("job_id", stored.ID).
			Str("kind", string(stored.Kind)).
			Float64("priority", stored.Priority).
			Msg("job enqueued")
	}
	return stored, created, nil
}

func (q *Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, fault.Invalid("job id is required")
	}
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return domain.Job{}, storeFault(fmt.Errorf("get job %s: %w", id, err))
	}
	return job, nil
}

// Cancel removes a pending job from its lane. A running job is flagged and
// finishes its current attempt without further retries.
func (q *Queue) Cancel(ctx context.Context, id string) (domain.Job, error) {
	job, err := q.store.CancelJob(ctx, id, q.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrJobFinished) {
			return job, fmt.Errorf("cancel job %s: %w", id, err)
		}
		return job, storeFault(fmt.Errorf("cancel job %s: %w", id, err))
	}
	if job.State == domain.JobCancelled {
		q.observe(job.Kind, "cancelled")
	}
	q.logger.Info().
		Str("job_id", job.ID).
		Str("state", string(job.State)).
		Bool("cancel_requested", job.CancelRequested).
		Msg("job cancel requested")
	return job, nil
}

func (q *Queue) Claim(ctx context.Context, kind domain.JobKind, owner string) (domain.Job, bool, error) {
	now := q.now()
	job, ok, err := q.store.ClaimJob(ctx, kind, owner, now, now.Add(q.lease))
	if err != nil {
		return domain.Job{}, false, storeFault(fmt.Errorf("claim %s job: %w", kind, err))
	}
	if ok {
		q.observe(kind, "claimed")
	}
	return job, ok, nil
}

func (q *Queue) Heartbeat(ctx context.Context, job domain.Job) error {
	err := q.store.HeartbeatJob(ctx, job.ID, job.LeaseOwner, q.now().Add(q.lease))
	if err != nil && !errors.Is(err, domain.ErrLeaseLost) {
		return storeFault(fmt.Errorf("heartbeat job %s: %w", job.ID, err))
	}
	return err
}

func (q *Queue) Succeed(ctx context.Context, job domain.Job) (domain.Job, error) {
	now := q.now()
	done, err := q.store.TransitionJob(ctx, job.ID, job.LeaseOwner, domain.JobTransition{
		State:        domain.JobSucceeded,
		AttemptCount: job.AttemptCount,
		AvailableAt:  job.AvailableAt,
		LastError:    job.LastError,
		FinishedAt:   &now,
		UpdatedAt:    now,
	})
	if err != nil {
		return domain.Job{}, transitionFault(job, err)
	}
	q.observe(job.Kind, "succeeded")
	q.observeDuration(job, now)
	return done, nil
}

// Fail records a failed attempt. Transient and unclassified errors are
// retried with backoff while attempts remain; everything else, and any job
// whose cancellation was requested, is finished.
func (q *Queue) Fail(ctx context.Context, job domain.Job, cause error) (domain.Job, error) {
	if cause == nil {
		cause = errors.New("job failed without an error")
	}
	now := q.now()
	tr := domain.JobTransition{
		AttemptCount: job.AttemptCount,
		AvailableAt:  job.AvailableAt,
		LastError:    truncateError(cause.Error()),
		UpdatedAt:    now,
	}

	// Cancellation may have been requested after the claim.
	if current, err := q.store.GetJob(ctx, job.ID); err == nil {
		job.CancelRequested = job.CancelRequested || current.CancelRequested
	}

	kind := fault.KindOf(cause)
	outcome := q.nextState(job, kind, now, &tr)

	done, err := q.store.TransitionJob(ctx, job.ID, job.LeaseOwner, tr)
	if err != nil {
		return domain.Job{}, transitionFault(job, err)
	}
	q.observe(job.Kind, outcome)
	if done.State.Terminal() {
		q.observeDuration(job, now)
	}

	event := q.logger.Warn()
	if done.State == domain.JobDead {
		event = q.logger.Error()
	}
	event.Err(cause).
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("error_kind", string(kind)).
		Int("attempt", job.AttemptCount).
		Int("max_attempts", job.MaxAttempts).
		Str("state", string(done.State)).
		Msg("job attempt failed")
	return done, nil
}

func (q *Queue) nextState(job domain.Job, kind fault.Kind, now time.Time, tr *domain.JobTransition) string {
	retryable := kind == fault.KindTransient || kind == fault.KindUnknown || kind == fault.KindInvariantViolation
	switch {
	case job.CancelRequested:
		tr.State = domain.JobCancelled
		tr.FinishedAt = &now
		return "cancelled"
	case retryable && job.CanRetry():
		next := now.Add(q.backoff.Delay(job.AttemptCount, q.rnd))
		tr.State = domain.JobPending
		tr.AvailableAt = next
		tr.NextRetryAt = &next
		return "retried"
	default:
		tr.State = domain.JobDead
		tr.FinishedAt = &now
		return "dead"
	}
}

// Release hands a claimed job back to its lane without consuming the attempt.
// It is used when a worker shuts down before finishing.
func (q *Queue) Release(ctx context.Context, job domain.Job) (domain.Job, error) {
	now := q.now()
	attempts := job.AttemptCount - 1
	if attempts < 0 {
		attempts = 0
	}
	released, err := q.store.TransitionJob(ctx, job.ID, job.LeaseOwner, domain.JobTransition{
		State:        domain.JobPending,
		AttemptCount: attempts,
		AvailableAt:  now,
		NextRetryAt:  job.NextRetryAt,
		LastError:    job.LastError,
		UpdatedAt:    now,
	})
	if err != nil {
		return domain.Job{}, transitionFault(job, err)
	}
	q.observe(job.Kind, "released")
	return released, nil
}

// ReleaseExpired returns running jobs whose lease lapsed to their lane. An
// expired job counts as a failed attempt so a job that keeps crashing its
// worker still ends up dead.
func (q *Queue) ReleaseExpired(ctx context.Context) (int, error) {
	now := q.now()
	expired, err := q.store.ListExpiredJobs(ctx, now, expiredBatchSize)
	if err != nil {
		return 0, storeFault(fmt.Errorf("list expired jobs: %w", err))
	}

	released := 0
	for _, job := range expired {
		tr := domain.JobTransition{
			AttemptCount: job.AttemptCount,
			AvailableAt:  now,
			NextRetryAt:  job.NextRetryAt,
			LastError:    truncateError(fmt.Sprintf("lease held by %s expired", job.LeaseOwner)),
			UpdatedAt:    now,
		}
		switch {
		case job.CancelRequested:
			tr.State = domain.JobCancelled
			tr.FinishedAt = &now
		case job.CanRetry():
			tr.State = domain.JobPending
		default:
			tr.State = domain.JobDead
			tr.FinishedAt = &now
		}

		if _, err := q.store.ExpireJob(ctx, job.ID, now, tr); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				continue
			}
			return released, storeFault(fmt.Errorf("expire job %s: %w", job.ID, err))
		}
		released++
		q.observe(job.Kind, "expired")
		q.logger.Warn().
			Str("job_id", job.ID).
			Str("kind", string(job.Kind)).
			Str("lease_owner", job.LeaseOwner).
			Str("state", string(tr.State)).
			Msg("job lease expired")
	}
	return released, nil
}

// Requeue moves a dead or cancelled job back to pending with a fresh
// attempt budget.
func (q *Queue) Requeue(ctx context.Context, id string) (domain.Job, error) {
	job, err := q.store.RequeueJob(ctx, id, q.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrJobState) {
			return domain.Job{}, fmt.Errorf("requeue job %s: %w", id, err)
		}
		return domain.Job{}, storeFault(fmt.Errorf("requeue job %s: %w", id, err))
	}
	q.logger.Info().Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("job requeued")
	return job, nil
}

func (q *Queue) ListDead(ctx context.Context, kind domain.JobKind, limit int) ([]domain.Job, error) {
	jobs, err := q.store.ListJobs(ctx, domain.JobFilter{Kind: kind, State: domain.JobDead, Limit: limit})
	if err != nil {
		return nil, storeFault(fmt.Errorf("list dead jobs: %w", err))
	}
	return jobs, nil
}

func (q *Queue) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	jobs, err := q.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, storeFault(fmt.Errorf("list jobs: %w", err))
	}
	return jobs, nil
}

func (q *Queue) Counts(ctx context.Context) ([]domain.LaneCount, error) {
	counts, err := q.store.CountJobs(ctx)
	if err != nil {
		return nil, storeFault(fmt.Errorf("count jobs: %w", err))
	}
	return counts, nil
}

// Purge deletes succeeded and cancelled jobs finished before cutoff.
func (q *Queue) Purge(ctx context.Context, before time.Time) (int, error) {
	n, err := q.store.DeleteFinishedJobs(ctx, before)
	if err != nil {
		return n, storeFault(fmt.Errorf("purge finished jobs: %w", err))
	}
	return n, nil
}

func (q *Queue) observe(kind domain.JobKind, outcome string) {
	if q.observer != nil {
		q.observer.JobOutcome(kind, outcome)
	}
}

func (q *Queue) observeDuration(job domain.Job, now time.Time) {
	if q.observer != nil && !job.CreatedAt.IsZero() {
		q.observer.JobDuration(job.Kind, now.Sub(job.CreatedAt))
	}
}

func truncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= maxLastErrorRunes {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:maxLastErrorRunes])
}

// storeFault marks job-store failures as invariant violations unless the
// store already classified them.
func storeFault(err error) error {
	if fault.KindOf(err) != fault.KindUnknown {
		return err
	}
	return fault.Wrap(fault.KindInvariantViolation, err)
}

func transitionFault(job domain.Job, err error) error {
	if errors.Is(err, domain.ErrLeaseLost) {
		return fmt.Errorf("job %s owned by %s: %w", job.ID, job.LeaseOwner, err)
	}
	return storeFault(fmt.Errorf("transition job %s: %w", job.ID, err))
}
