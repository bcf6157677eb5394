//go:build integration

package db

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/config"
	"horse.fit/trawl/internal/dedup"
	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fingerprint"
)

// These tests run against a disposable Postgres database named by
// TRAWL_TEST_DATABASE_URL; every trawl table in it is truncated.
//
//	TRAWL_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/db/

const integrationText = `The chief minister addressed a large gathering in the district headquarters on Sunday
and announced a new scheme for farmers covering crop insurance, free electricity for pump sets,
and a fresh loan waiver for small and marginal cultivators. Party workers from neighbouring
constituencies arrived in buses and the venue was decorated with flags and banners.`

var integrationMu sync.Mutex

func openIntegrationPool(t *testing.T) *Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TRAWL_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TRAWL_TEST_DATABASE_URL is not set")
	}
	integrationMu.Lock()
	t.Cleanup(integrationMu.Unlock)

	ctx := context.Background()
	pool, err := NewPool(ctx, &config.Config{
		Environment: "test",
		LogLevel:    "error",
		DatabaseURL: dsn,
		DBMinConns:  1,
		DBMaxConns:  8,
	})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	if _, err := pool.Exec(ctx, `TRUNCATE trawl.final_results, trawl.engagement_snapshots, trawl.staged_results, trawl.jobs, trawl.dedup_keys, trawl.schedules`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func stageOn(t *testing.T, pool *Pool, url string, seen time.Time) string {
	t.Helper()

	id := uuid.NewString()
	staged := domain.StagedResult{
		ResultID: id,
		Candidate: domain.CandidateURL{
			RawURL:        url,
			NormalizedURL: url,
			SourceType:    domain.SourceManual,
			CompetitorID:  1,
			Priority:      1,
			DiscoveredAt:  seen,
		},
		State:     domain.StagedPending,
		CreatedAt: seen,
		UpdatedAt: seen,
	}
	job := domain.Job{
		ID:             uuid.NewString(),
		Kind:           domain.JobEngagement,
		Payload:        []byte(`{"result_id":"` + id + `","sequence":1}`),
		Priority:       1,
		MaxAttempts:    3,
		AvailableAt:    seen,
		IdempotencyKey: "engage:" + id + ":1",
		CreatedAt:      seen,
		UpdatedAt:      seen,
	}
	if _, ok, err := pool.ClaimURL(context.Background(), domain.DedupKey{
		NormalizedURL: url,
		CompetitorID:  1,
		FirstSeenAt:   seen,
	}, &domain.Staging{Result: staged, Job: job}); err != nil || !ok {
		t.Fatalf("stage %s: ok=%v err=%v", url, ok, err)
	}
	return id
}

func TestIntegrationClaimJobSkipsLockedRows(t *testing.T) {
	pool := openIntegrationPool(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	const jobs = 3
	for i := 0; i < jobs; i++ {
		if _, _, err := pool.EnqueueJob(ctx, domain.Job{
			Kind:           domain.JobDiscovery,
			Priority:       1,
			MaxAttempts:    3,
			AvailableAt:    now.Add(-time.Second),
			IdempotencyKey: uuid.NewString(),
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
		seen    sync.Map
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, ok, err := pool.ClaimJob(ctx, domain.JobDiscovery, "worker", now, now.Add(time.Minute))
			if err != nil || !ok {
				return
			}
			if _, dup := seen.LoadOrStore(job.ID, true); dup {
				t.Errorf("job %s claimed twice", job.ID)
			}
			claimed.Add(1)
		}()
	}
	wg.Wait()

	if claimed.Load() != jobs {
		t.Fatalf("expected %d claims, got %d", jobs, claimed.Load())
	}
}

func TestIntegrationContentAdmissionReparentsFinalResults(t *testing.T) {
	pool := openIntegrationPool(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	engine := dedup.NewEngine(pool, dedup.DefaultPolicy(), zerolog.Nop(), dedup.WithClock(func() time.Time { return now }))
	early := "https://news.example.com/rally"
	late := "https://blog.example.org/rally-copy"
	stageOn(t, pool, early, now.Add(-2*time.Hour))
	lateID := stageOn(t, pool, late, now.Add(-time.Hour))

	fp := fingerprint.New(fingerprint.Options{})
	if decision, err := engine.AdmitContent(ctx, late, fp.Compute(fingerprint.Input{Text: integrationText})); err != nil || decision.Outcome != domain.ContentAdmitted {
		t.Fatalf("admit late: %+v err=%v", decision, err)
	}
	if _, err := pool.UpsertFinalResult(ctx, domain.FinalResult{
		ResultID:        lateID,
		NormalizedURL:   late,
		CompetitorID:    1,
		SourceType:      domain.SourceManual,
		Title:           "Farm scheme rally",
		ImportanceScore: 1.25,
		MediaURLs:       []string{"https://cdn.example.com/rally.jpg"},
		LastCapturedAt:  now,
	}); err != nil {
		t.Fatalf("upsert late: %v", err)
	}

	decision, err := engine.AdmitContent(ctx, early, fp.Compute(fingerprint.Input{Text: strings.Replace(integrationText, "Sunday", "Monday", 1)}))
	if err != nil {
		t.Fatalf("admit early: %v", err)
	}
	if decision.Outcome != domain.ContentAdmitted || decision.CanonicalURL != early {
		t.Fatalf("expected early to become canonical, got %+v", decision)
	}

	key, _, err := pool.GetKey(ctx, late)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if key.ContentState != domain.ContentMember || key.CanonicalURL != early {
		t.Fatalf("expected late key under early, got %+v", key)
	}

	fr, err := pool.GetFinalResult(ctx, lateID)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if !fr.ClusterMember || fr.CanonicalURL != early {
		t.Fatalf("expected final result relinked to early, got %+v", fr)
	}
	if fr.ImportanceScore != 1.25 || len(fr.MediaURLs) != 1 || fr.MediaURLs[0] != "https://cdn.example.com/rally.jpg" {
		t.Fatalf("expected importance and media to persist, got %+v", fr)
	}
}
