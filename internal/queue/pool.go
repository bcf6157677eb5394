package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
)

const (
	defaultPollInterval  = time.Second
	defaultShutdownGrace = 30 * time.Second
	finalizeTimeout      = 10 * time.Second
)

// Handler processes one claimed job. It only classifies failures; the queue
// decides what happens next.
type Handler func(ctx context.Context, job domain.Job) error

type Lane struct {
	Kind        domain.JobKind
	Concurrency int
	// RatePerSecond caps claims across the lane's workers. Zero means no cap.
	RatePerSecond float64
	Burst         int
	Handler       Handler
}

type PoolOptions struct {
	// Owner prefixes the lease owner of every worker. Empty uses a random id.
	Owner             string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ShutdownGrace     time.Duration
}

// Pool runs independent worker sets per lane so a slow lane never starves
// another.
type Pool struct {
	queue  *Queue
	lanes  []Lane
	opts   PoolOptions
	logger zerolog.Logger
}

func NewPool(q *Queue, lanes []Lane, opts PoolOptions, logger zerolog.Logger) (*Pool, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	seen := map[domain.JobKind]bool{}
	for _, lane := range lanes {
		if !lane.Kind.Valid() {
			return nil, fmt.Errorf("unknown lane %q", lane.Kind)
		}
		if seen[lane.Kind] {
			return nil, fmt.Errorf("lane %q configured twice", lane.Kind)
		}
		if lane.Handler == nil {
			return nil, fmt.Errorf("lane %q has no handler", lane.Kind)
		}
		seen[lane.Kind] = true
	}

	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = q.LeaseDuration() / 3
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	return &Pool{queue: q, lanes: lanes, opts: opts, logger: logger}, nil
}

// Run blocks until ctx is cancelled and every worker has stopped. In-flight
// jobs get the shutdown grace period to finish before they are released.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range p.lanes {
		concurrency := max(1, lane.Concurrency)
		limit := rate.Inf
		if lane.RatePerSecond > 0 {
			limit = rate.Limit(lane.RatePerSecond)
		}
		limiter := rate.NewLimiter(limit, max(1, lane.Burst))

		for i := 0; i < concurrency; i++ {
			w := worker{
				pool:    p,
				lane:    lane,
				limiter: limiter,
				owner:   fmt.Sprintf("%s/%s/%d", p.opts.Owner, lane.Kind, i),
				logger:  p.logger.With().Str("lane", string(lane.Kind)).Int("worker", i).Logger(),
			}
			g.Go(func() error { return w.run(gctx) })
		}
		p.logger.Info().
			Str("lane", string(lane.Kind)).
			Int("concurrency", concurrency).
			Float64("rate_per_second", lane.RatePerSecond).
			Msg("lane started")
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type worker struct {
	pool    *Pool
	lane    Lane
	limiter *rate.Limiter
	owner   string
	logger  zerolog.Logger
}

func (w worker) run(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		job, ok, err := w.pool.queue.Claim(ctx, w.lane.Kind, w.owner)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("claim failed")
			if !sleep(ctx, w.pool.opts.PollInterval) {
				return nil
			}
			continue
		}
		if !ok {
			if !sleep(ctx, w.pool.opts.PollInterval) {
				return nil
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w worker) process(ctx context.Context, job domain.Job) {
	jobCtx, cancelJob := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJob()

	var (
		shutdown atomic.Bool
		leaseOff atomic.Bool
	)
	stopWatch := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(w.pool.opts.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			shutdown.Store(true)
			cancelJob()
		case <-jobCtx.Done():
		}
	})
	defer stopWatch()

	go w.heartbeat(jobCtx, job, func() {
		leaseOff.Store(true)
		cancelJob()
	})

	log := w.logger.With().Str("job_id", job.ID).Int("attempt", job.AttemptCount).Logger()
	log.Debug().Msg("job started")

	err := w.invoke(jobCtx, job)
	cancelJob()

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	switch {
	case leaseOff.Load():
		log.Warn().Msg("lease lost, abandoning result")
	case shutdown.Load():
		if _, relErr := w.pool.queue.Release(finalCtx, job); relErr != nil {
			log.Error().Err(relErr).Msg("release on shutdown failed")
			return
		}
		log.Info().Msg("job released on shutdown")
	case err == nil:
		if _, doneErr := w.pool.queue.Succeed(finalCtx, job); doneErr != nil {
			log.Error().Err(doneErr).Msg("mark job succeeded failed")
			return
		}
		log.Debug().Msg("job succeeded")
	default:
		if _, failErr := w.pool.queue.Fail(finalCtx, job, err); failErr != nil {
			log.Error().Err(failErr).AnErr("cause", err).Msg("record job failure failed")
		}
	}
}

func (w worker) invoke(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("job_id", job.ID).
				Str("stack", string(debug.Stack())).
				Msgf("job handler panic: %v", r)
			err = fault.Violation("job handler panic: %v", r)
		}
	}()
	return w.lane.Handler(ctx, job)
}

func (w worker) heartbeat(ctx context.Context, job domain.Job, lost func()) {
	ticker := time.NewTicker(w.pool.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.pool.queue.Heartbeat(ctx, job)
			if errors.Is(err, domain.ErrLeaseLost) {
				lost()
				return
			}
			if err != nil && ctx.Err() == nil {
				w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("heartbeat failed")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
