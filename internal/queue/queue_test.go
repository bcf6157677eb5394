package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/kv"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *testClock) {
	t.Helper()

	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := kv.Open(kv.Options{Logger: zerolog.Nop(), Now: clock.Now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	opts.Now = clock.Now
	if opts.Rand == nil {
		opts.Rand = func() float64 { return 0.5 }
	}
	return New(store, opts, zerolog.Nop()), clock
}

func claimOne(t *testing.T, q *Queue, kind domain.JobKind) domain.Job {
	t.Helper()
	job, ok, err := q.Claim(context.Background(), kind, "worker-1")
	if err != nil || !ok {
		t.Fatalf("claim %s: ok=%v err=%v", kind, ok, err)
	}
	return job
}

func timeoutErr() error {
	return fmt.Errorf("fetch https://example.com/post: %w", context.DeadlineExceeded)
}

func TestQueue_TimeoutTwiceThenSucceeds(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	job, created, err := q.Enqueue(ctx, EnqueueRequest{Kind: domain.JobEngagement, Payload: map[string]string{"result_id": "r1"}})
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}

	var retries []time.Time
	for attempt := 1; attempt <= 2; attempt++ {
		claimed := claimOne(t, q, domain.JobEngagement)
		if claimed.AttemptCount != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, claimed.AttemptCount)
		}
		failed, err := q.Fail(ctx, claimed, timeoutErr())
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if failed.State != domain.JobPending || failed.NextRetryAt == nil {
			t.Fatalf("expected pending retry, got %+v", failed)
		}
		retries = append(retries, *failed.NextRetryAt)

		if _, ok, _ := q.Claim(ctx, domain.JobEngagement, "worker-2"); ok {
			t.Fatalf("job must not be claimable before next_retry_at")
		}
		clock.Set(*failed.NextRetryAt)
	}

	claimed := claimOne(t, q, domain.JobEngagement)
	done, err := q.Succeed(ctx, claimed)
	if err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if done.State != domain.JobSucceeded || done.AttemptCount != 3 {
		t.Fatalf("expected succeeded after 3 attempts, got %+v", done)
	}
	if !retries[1].After(retries[0]) {
		t.Fatalf("expected next_retry_at to increase: %v then %v", retries[0], retries[1])
	}

	stored, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != domain.JobSucceeded {
		t.Fatalf("unexpected stored state %s", stored.State)
	}
}

func TestQueue_RetryableFailuresEndInDeadLetter(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	job, _, _ := q.Enqueue(ctx, EnqueueRequest{Kind: domain.JobDiscovery})

	var (
		last       time.Time
		toPending  int
		finalState domain.JobState
	)
	for i := 0; i < 10; i++ {
		claimed, ok, err := q.Claim(ctx, domain.JobDiscovery, "w")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !ok {
			break
		}
		failed, err := q.Fail(ctx, claimed, fault.Retryable("provider 503"))
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		finalState = failed.State
		if failed.State != domain.JobPending {
			break
		}
		toPending++
		if !failed.NextRetryAt.After(last) {
			t.Fatalf("next_retry_at did not increase: %v after %v", failed.NextRetryAt, last)
		}
		last = *failed.NextRetryAt
		clock.Set(last)
	}

	if finalState != domain.JobDead {
		t.Fatalf("expected dead job, got %s", finalState)
	}
	if toPending != 2 {
		t.Fatalf("expected 2 returns to pending, got %d", toPending)
	}

	dead, err := q.ListDead(ctx, domain.JobDiscovery, 10)
	if err != nil {
		t.Fatalf("list dead: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != job.ID || !strings.Contains(dead[0].LastError, "provider 503") {
		t.Fatalf("expected dead job with last error, got %+v", dead)
	}
}

func TestQueue_NonRetryableFailuresGoStraightToDead(t *testing.T) {
	t.Parallel()

	for _, cause := range []error{
		fault.Permanent("content removed"),
		fault.Invalid("bad payload"),
	} {
		q, _ := newTestQueue(t, Options{MaxAttempts: 5})
		ctx := context.Background()

		_, _, _ = q.Enqueue(ctx, EnqueueRequest{Kind: domain.JobEngagement})
		claimed := claimOne(t, q, domain.JobEngagement)
		failed, err := q.Fail(ctx, claimed, cause)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if failed.State != domain.JobDead || failed.AttemptCount != 1 {
			t.Fatalf("expected dead after one attempt for %v, got %+v", cause, failed)
		}
	}
}

func TestQueue_CancelPendingAndRunning(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Options{MaxAttempts: 5})
	ctx := context.Background()

	pending, _, _ := q.Enqueue(ctx, EnqueueRequest{Kind: domain.JobDiscovery})
	cancelled, err := q.Cancel(ctx, pending.ID)
	if err != nil || cancelled.State != domain.JobCancelled {
		t.Fatalf("expected cancelled pending job: %+v err=%v", cancelled, err)
	}
	if _, ok, _ := q.Claim(ctx, domain.JobDiscovery, "w"); ok {
		t.Fatalf("cancelled job must not be claimable")
	}
	if _, err := q.Cancel(ctx, pending.ID); !errors.Is(err, domain.ErrJobFinished) {
		t.Fatalf("expected ErrJobFinished, got %v", err)
	}

	_, _, _ = q.Enqueue(ctx, EnqueueRequest{Kind: domain.JobDiscovery})
	running := claimOne(t, q, domain.JobDiscovery)
	if _, err := q.Cancel(ctx, running.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	failed, err := q.Fail(ctx, running, timeoutErr())
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.State != domain.JobCancelled {
		t.Fatalf("expected cancellation to prevent retry, got %s", failed.State)
	}

	requeued, err := q.Requeue(ctx, failed.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.State != domain.JobPending || requeued.AttemptCount != 0 || requeued.CancelRequested {
		t.Fatalf("unexpected requeued job: %+v", requeued)
	}
}

func TestQueue_IdempotentEnqueue(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	first, created, err := q.Enqueue(ctx, EnqueueRequest{Kind: domain.JobEngagement, IdempotencyKey: "engage:r1:1"})
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}
	second, created, err := q.Enqueue(ctx, EnqueueRequest{Kind: domain.JobEngagement, IdempotencyKey: "engage:r1:1"})
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("expected existing job, got %+v created=%v err=%v", second, created, err)
	}

	if _, _, err := q.Enqueue(ctx, EnqueueRequest{Kind: "unknown"}); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("expected invalid input for unknown kind, got %v", err)
	}
}

func TestQueue_ReleaseExpired(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue(t, Options{MaxAttempts: 2, LeaseDuration: time.Minute})
	ctx := context.Background()

	_, _, _ = q.Enqueue(ctx, EnqueueRequest{Kind: domain.JobEngagement})
	claimed := claimOne(t, q, domain.JobEngagement)

	clock.Set(claimed.LeaseExpiresAt.Add(time.Second))
	n, err := q.ReleaseExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one released job: n=%d err=%v", n, err)
	}
	if _, err := q.Succeed(ctx, claimed); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("expected stale owner to lose the lease, got %v", err)
	}

	again := claimOne(t, q, domain.JobEngagement)
	if again.AttemptCount != 2 {
		t.Fatalf("expected second attempt, got %d", again.AttemptCount)
	}
	clock.Set(again.LeaseExpiresAt.Add(time.Second))
	if _, err := q.ReleaseExpired(ctx); err != nil {
		t.Fatalf("release expired: %v", err)
	}
	stored, _ := q.Get(ctx, again.ID)
	if stored.State != domain.JobDead {
		t.Fatalf("expected job that exhausted attempts by expiry to be dead, got %s", stored.State)
	}
}

func TestQueue_ReleaseKeepsAttemptBudget(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	_, _, _ = q.Enqueue(ctx, EnqueueRequest{Kind: domain.JobEngagement})
	claimed := claimOne(t, q, domain.JobEngagement)
	released, err := q.Release(ctx, claimed)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.State != domain.JobPending || released.AttemptCount != 0 {
		t.Fatalf("unexpected released job: %+v", released)
	}
}

func TestTruncateError(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", maxLastErrorRunes+10)
	if got := []rune(truncateError(long)); len(got) != maxLastErrorRunes {
		t.Fatalf("expected %d runes, got %d", maxLastErrorRunes, len(got))
	}
}
