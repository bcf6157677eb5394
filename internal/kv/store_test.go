package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Options{Logger: zerolog.Nop(), Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestJob(kind domain.JobKind, priority float64) domain.Job {
	return domain.Job{
		Kind:        kind,
		Payload:     []byte(`{}`),
		Priority:    priority,
		MaxAttempts: 3,
		AvailableAt: testNow,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

func TestClaimURL_ConcurrentIdenticalSubmissionsAdmitOnce(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	const workers = 16
	var (
		wg       sync.WaitGroup
		inserted atomic.Int64
		failures atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.ClaimURL(ctx, domain.DedupKey{
				NormalizedURL: "https://example.com/a?id=5",
				FirstSeenAt:   testNow,
			}, nil)
			if err != nil {
				failures.Add(1)
				return
			}
			if ok {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("unexpected claim failures: %d", failures.Load())
	}
	if inserted.Load() != 1 {
		t.Fatalf("expected exactly one admission, got %d", inserted.Load())
	}
	key, found, err := store.GetKey(ctx, "https://example.com/a?id=5")
	if err != nil || !found {
		t.Fatalf("get key: found=%v err=%v", found, err)
	}
	if key.OccurrenceCount != workers {
		t.Fatalf("expected occurrence count %d, got %d", workers, key.OccurrenceCount)
	}
}

func TestClaimURL_StagesResultAndJobAtomically(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job := newTestJob(domain.JobEngagement, 1)
	job.IdempotencyKey = "engage:r1:1"
	staging := &domain.Staging{
		Result: domain.StagedResult{ResultID: "r1", State: domain.StagedPending, CreatedAt: testNow, UpdatedAt: testNow},
		Job:    job,
	}
	if _, ok, err := store.ClaimURL(ctx, domain.DedupKey{NormalizedURL: "https://example.com/x"}, staging); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.ClaimURL(ctx, domain.DedupKey{NormalizedURL: "https://example.com/x"}, staging); err != nil || ok {
		t.Fatalf("second claim should be a duplicate: ok=%v err=%v", ok, err)
	}

	if _, err := store.GetStaged(ctx, "r1"); err != nil {
		t.Fatalf("expected staged result: %v", err)
	}
	jobs, err := store.ListJobs(ctx, domain.JobFilter{Kind: domain.JobEngagement})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one engagement job, got %d", len(jobs))
	}
}

func TestEnqueueJob_IdempotencyKey(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job := newTestJob(domain.JobDiscovery, 1)
	job.IdempotencyKey = "schedule:s1:100"

	first, created, err := store.EnqueueJob(ctx, job)
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := store.EnqueueJob(ctx, job)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing job %s, got %s created=%v", first.ID, second.ID, created)
	}
}

func TestClaimJob_ExclusiveAcrossWorkers(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if _, _, err := store.EnqueueJob(ctx, newTestJob(domain.JobEngagement, 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.ClaimJob(ctx, domain.JobEngagement, "worker", testNow, testNow.Add(time.Minute))
			if err == nil && ok {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	if claimed.Load() != 1 {
		t.Fatalf("expected exactly one claim, got %d", claimed.Load())
	}
}

func TestClaimJob_OrdersByPriorityAndAvailability(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	low, _, _ := store.EnqueueJob(ctx, newTestJob(domain.JobEngagement, 1))
	high, _, _ := store.EnqueueJob(ctx, newTestJob(domain.JobEngagement, 5))
	later := newTestJob(domain.JobEngagement, 10)
	later.AvailableAt = testNow.Add(time.Hour)
	if _, _, err := store.EnqueueJob(ctx, later); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := store.EnqueueJob(ctx, newTestJob(domain.JobDiscovery, 100)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for _, want := range []string{high.ID, low.ID} {
		job, ok, err := store.ClaimJob(ctx, domain.JobEngagement, "w", testNow, testNow.Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if job.ID != want {
			t.Fatalf("expected job %s, got %s", want, job.ID)
		}
		if job.AttemptCount != 1 || job.State != domain.JobRunning {
			t.Fatalf("unexpected claimed job: %+v", job)
		}
	}
	if _, ok, err := store.ClaimJob(ctx, domain.JobEngagement, "w", testNow, testNow.Add(time.Minute)); err != nil || ok {
		t.Fatalf("expected no claimable job before available_at: ok=%v err=%v", ok, err)
	}
}

func countKeys(t *testing.T, store *Store, prefix []byte) int {
	t.Helper()

	n := 0
	err := store.view(context.Background(), func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, false, func([]byte, []byte) (bool, error) {
			n++
			return true, nil
		})
	})
	if err != nil {
		t.Fatalf("scan %s: %v", prefix, err)
	}
	return n
}

func TestClaimJob_DelayedJobsStayOutOfReadyQueue(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	var delayedIDs []string
	for i := 0; i < 40; i++ {
		job := newTestJob(domain.JobEngagement, 10)
		job.AvailableAt = testNow.Add(6*time.Hour + time.Duration(i)*time.Second)
		stored, _, err := store.EnqueueJob(ctx, job)
		if err != nil {
			t.Fatalf("enqueue delayed: %v", err)
		}
		delayedIDs = append(delayedIDs, stored.ID)
	}
	due, _, err := store.EnqueueJob(ctx, newTestJob(domain.JobEngagement, 1))
	if err != nil {
		t.Fatalf("enqueue due: %v", err)
	}

	job, ok, err := store.ClaimJob(ctx, domain.JobEngagement, "w", testNow, testNow.Add(time.Minute))
	if err != nil || !ok || job.ID != due.ID {
		t.Fatalf("expected the due job, got %+v ok=%v err=%v", job, ok, err)
	}
	if n := countKeys(t, store, jobQueuePrefix(domain.JobEngagement)); n != 0 {
		t.Fatalf("expected delayed jobs to stay out of the ready queue, found %d ready keys", n)
	}
	if n := countKeys(t, store, jobDelayedPrefix(domain.JobEngagement)); n != 40 {
		t.Fatalf("expected 40 delayed keys, got %d", n)
	}

	later := testNow.Add(6*time.Hour + 5*time.Second)
	job, ok, err = store.ClaimJob(ctx, domain.JobEngagement, "w", later, later.Add(time.Minute))
	if err != nil || !ok || job.ID != delayedIDs[0] {
		t.Fatalf("expected the earliest delayed job once due, got %+v ok=%v err=%v", job, ok, err)
	}
	if n := countKeys(t, store, jobQueuePrefix(domain.JobEngagement)); n != 5 {
		t.Fatalf("expected the other due jobs promoted to the ready queue, got %d", n)
	}
	if n := countKeys(t, store, jobDelayedPrefix(domain.JobEngagement)); n != 34 {
		t.Fatalf("expected 34 jobs still delayed, got %d", n)
	}
}

func TestTransitionJob_RequiresLeaseOwner(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	_, _, _ = store.EnqueueJob(ctx, newTestJob(domain.JobEngagement, 1))
	job, _, err := store.ClaimJob(ctx, domain.JobEngagement, "owner-a", testNow, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err = store.TransitionJob(ctx, job.ID, "owner-b", domain.JobTransition{State: domain.JobSucceeded, UpdatedAt: testNow})
	if !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := store.HeartbeatJob(ctx, job.ID, "owner-b", testNow.Add(time.Hour)); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on heartbeat, got %v", err)
	}

	finished := testNow
	done, err := store.TransitionJob(ctx, job.ID, "owner-a", domain.JobTransition{
		State:        domain.JobSucceeded,
		AttemptCount: job.AttemptCount,
		FinishedAt:   &finished,
		UpdatedAt:    testNow,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if done.State != domain.JobSucceeded || done.LeaseOwner != "" || done.LeaseExpiresAt != nil {
		t.Fatalf("unexpected finished job: %+v", done)
	}
}

func TestListExpiredJobs(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	_, _, _ = store.EnqueueJob(ctx, newTestJob(domain.JobEngagement, 1))
	_, _, _ = store.EnqueueJob(ctx, newTestJob(domain.JobEngagement, 1))
	stale, _, _ := store.ClaimJob(ctx, domain.JobEngagement, "a", testNow, testNow.Add(time.Second))
	_, _, _ = store.ClaimJob(ctx, domain.JobEngagement, "b", testNow, testNow.Add(time.Hour))

	expired, err := store.ListExpiredJobs(ctx, testNow.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expected only %s to be expired, got %+v", stale.ID, expired)
	}
}

func TestCancelAndRequeueJob(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	pending, _, _ := store.EnqueueJob(ctx, newTestJob(domain.JobDiscovery, 1))
	cancelled, err := store.CancelJob(ctx, pending.ID, testNow)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != domain.JobCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.State)
	}
	if _, err := store.CancelJob(ctx, pending.ID, testNow); !errors.Is(err, domain.ErrJobFinished) {
		t.Fatalf("expected ErrJobFinished, got %v", err)
	}

	requeued, err := store.RequeueJob(ctx, pending.ID, testNow)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.State != domain.JobPending || requeued.AttemptCount != 0 {
		t.Fatalf("unexpected requeued job: %+v", requeued)
	}
	if _, err := store.RequeueJob(ctx, pending.ID, testNow); !errors.Is(err, domain.ErrJobState) {
		t.Fatalf("expected ErrJobState for pending job, got %v", err)
	}

	running, ok, err := store.ClaimJob(ctx, domain.JobDiscovery, "w", testNow, testNow.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	flagged, err := store.CancelJob(ctx, running.ID, testNow)
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if flagged.State != domain.JobRunning || !flagged.CancelRequested {
		t.Fatalf("expected running job with cancel requested, got %+v", flagged)
	}
}

func TestCountJobsAndDeleteFinished(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	old := newTestJob(domain.JobDiscovery, 1)
	old.IdempotencyKey = "old"
	job, _, _ := store.EnqueueJob(ctx, old)
	if _, err := store.CancelJob(ctx, job.ID, testNow.Add(-48*time.Hour)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, _, _ = store.EnqueueJob(ctx, newTestJob(domain.JobDiscovery, 1))

	counts, err := store.CountJobs(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("expected cancelled and pending lanes, got %+v", counts)
	}

	deleted, err := store.DeleteFinishedJobs(ctx, testNow.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete finished: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected one deleted job, got %d", deleted)
	}
	if _, err := store.GetJob(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected deleted job to be gone, got %v", err)
	}
	if _, created, err := store.EnqueueJob(ctx, old); err != nil || !created {
		t.Fatalf("expected idempotency key to be released: created=%v err=%v", created, err)
	}
}

func TestAppendSnapshotAndUpsertFinalResult(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	url := "https://example.com/post"
	if _, _, err := store.ClaimURL(ctx, domain.DedupKey{NormalizedURL: url, FirstSeenAt: testNow}, &domain.Staging{
		Result: domain.StagedResult{ResultID: "r1", State: domain.StagedPending},
		Job:    newTestJob(domain.JobEngagement, 1),
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	for i := 1; i <= 2; i++ {
		snap, err := store.AppendSnapshot(ctx, domain.EngagementSnapshot{ResultID: "r1", CapturedAt: testNow.Add(time.Duration(i) * time.Hour)})
		if err != nil {
			t.Fatalf("append snapshot: %v", err)
		}
		if snap.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, snap.Seq)
		}
	}
	staged, _ := store.GetStaged(ctx, "r1")
	if staged.SnapshotCount != 2 {
		t.Fatalf("expected snapshot count 2, got %d", staged.SnapshotCount)
	}

	first, err := store.UpsertFinalResult(ctx, domain.FinalResult{
		ResultID: "r1", NormalizedURL: url, Title: "one", Similarity: 0.9,
		LastCapturedAt: testNow,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.CanonicalURL != url || first.ClusterMember {
		t.Fatalf("expected result to be its own canonical, got %+v", first)
	}

	second, err := store.UpsertFinalResult(ctx, domain.FinalResult{
		ResultID: "r1", NormalizedURL: url, Title: "two", LastCapturedAt: testNow.Add(time.Hour),
		ImportanceScore: 1.5, MediaURLs: []string{"https://cdn.example.com/a.jpg"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !second.FirstCapturedAt.Equal(testNow) || second.Similarity != 0.9 || second.Title != "two" {
		t.Fatalf("unexpected updated result: %+v", second)
	}

	results, err := store.ListFinalResults(ctx, domain.ResultFilter{CanonicalURL: url})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result in cluster, got %d", len(results))
	}
	if results[0].ImportanceScore != 1.5 || len(results[0].MediaURLs) != 1 || results[0].MediaURLs[0] != "https://cdn.example.com/a.jpg" {
		t.Fatalf("expected importance and media to persist, got %+v", results[0])
	}
}

func TestPurgeArchived(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if _, _, err := store.ClaimURL(ctx, domain.DedupKey{NormalizedURL: "https://example.com/gone"}, &domain.Staging{
		Result: domain.StagedResult{ResultID: "gone", State: domain.StagedPending},
		Job:    newTestJob(domain.JobEngagement, 1),
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SetStagedState(ctx, "gone", domain.StagedGone, "404"); err != nil {
		t.Fatalf("set state: %v", err)
	}

	if n, err := store.PurgeArchived(ctx, testNow); err != nil || n != 0 {
		t.Fatalf("expected nothing older than cutoff: n=%d err=%v", n, err)
	}
	if n, err := store.PurgeArchived(ctx, testNow.Add(time.Second)); err != nil || n != 1 {
		t.Fatalf("expected one purged result: n=%d err=%v", n, err)
	}
	if _, err := store.GetStaged(ctx, "gone"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected purged staged result, got %v", err)
	}
}

func TestAdvanceSchedule_CompareAndSet(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	sched, err := store.UpsertSchedule(ctx, domain.Schedule{
		Name:            "hourly",
		TaskKind:        domain.TaskKeywordSearch,
		Payload:         []byte(`{}`),
		IntervalSeconds: 3600,
		Enabled:         true,
		NextRunAt:       testNow,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	due, err := store.DueSchedules(ctx, testNow, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due schedule: %d err=%v", len(due), err)
	}

	next := testNow.Add(time.Hour)
	won, err := store.AdvanceSchedule(ctx, sched.ID, testNow, next, testNow)
	if err != nil || !won {
		t.Fatalf("expected first advance to win: won=%v err=%v", won, err)
	}
	won, err = store.AdvanceSchedule(ctx, sched.ID, testNow, next.Add(time.Hour), testNow)
	if err != nil || won {
		t.Fatalf("expected stale advance to lose: won=%v err=%v", won, err)
	}

	again, err := store.UpsertSchedule(ctx, domain.Schedule{Name: "hourly", TaskKind: domain.TaskKeywordSearch, IntervalSeconds: 60, NextRunAt: next})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if again.ID != sched.ID {
		t.Fatalf("expected upsert by name to keep id %s, got %s", sched.ID, again.ID)
	}
}

func TestUpdateRetriesConflictsAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	key := []byte("test:conflict")

	calls := 0
	err := store.update(context.Background(), func(txn *badger.Txn) error {
		calls++
		if _, err := txn.Get(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if calls == 1 {
			// A competing writer commits after this transaction read the key.
			if err := store.db.Update(func(other *badger.Txn) error {
				return other.Set(key, []byte("other"))
			}); err != nil {
				return err
			}
		}
		return txn.Set(key, []byte("mine"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry after the conflict, got %d calls", calls)
	}

	sentinel := errors.New("boom")
	calls = 0
	if err := store.update(context.Background(), func(*badger.Txn) error {
		calls++
		return sentinel
	}); !errors.Is(err, sentinel) || calls != 1 {
		t.Fatalf("expected a non-conflict error to be returned at once, calls=%d err=%v", calls, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls = 0
	if err := store.update(ctx, func(*badger.Txn) error {
		calls++
		return nil
	}); !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("expected cancellation before running, calls=%d err=%v", calls, err)
	}
}
