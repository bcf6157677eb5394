package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/fingerprint"
	"horse.fit/trawl/internal/kv"
)

const rallyText = `The chief minister addressed a large gathering in the district headquarters on Sunday
and announced a new scheme for farmers covering crop insurance, free electricity for pump sets,
and a fresh loan waiver for small and marginal cultivators. Party workers from neighbouring
constituencies arrived in buses and the venue was decorated with flags and banners.`

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, policy Policy) (*Engine, *kv.Store) {
	t.Helper()

	store, err := kv.Open(kv.Options{Logger: zerolog.Nop(), Now: func() time.Time { return base }})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, policy, zerolog.Nop(), WithClock(func() time.Time { return base })), store
}

func textPrint(text string) domain.Fingerprint {
	return fingerprint.New(fingerprint.Options{}).Compute(fingerprint.Input{Text: text})
}

func claimAt(t *testing.T, store *kv.Store, url string, competitorID int64, seen time.Time) {
	t.Helper()
	if _, ok, err := store.ClaimURL(context.Background(), domain.DedupKey{
		NormalizedURL: url,
		CompetitorID:  competitorID,
		FirstSeenAt:   seen,
	}, nil); err != nil || !ok {
		t.Fatalf("claim %s: ok=%v err=%v", url, ok, err)
	}
}

func TestAdmitURL_ConcurrentSubmissionsAdmitExactlyOne(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, DefaultPolicy())
	ctx := context.Background()

	const n = 12
	var (
		wg         sync.WaitGroup
		admitted   atomic.Int64
		duplicates atomic.Int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.AdmitURL(ctx, "https://example.com/a?id=5", 1, 0)
			if err != nil {
				return
			}
			switch res.Outcome {
			case Admitted:
				admitted.Add(1)
			case Duplicate:
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 || duplicates.Load() != n-1 {
		t.Fatalf("expected 1 admitted and %d duplicates, got %d and %d", n-1, admitted.Load(), duplicates.Load())
	}
}

func TestAdmitContent_MergesIntoEarliestFirstSeen(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t, DefaultPolicy())
	ctx := context.Background()

	early := "https://example.com/early"
	late := "https://example.com/late"
	claimAt(t, store, early, 1, base.Add(-2*time.Hour))
	claimAt(t, store, late, 1, base.Add(-1*time.Hour))

	// The later sighting is enriched first and becomes canonical for now.
	first, err := engine.AdmitContent(ctx, late, textPrint(rallyText))
	if err != nil {
		t.Fatalf("admit late: %v", err)
	}
	if first.Outcome != domain.ContentAdmitted {
		t.Fatalf("expected late to be admitted first, got %s", first.Outcome)
	}

	second, err := engine.AdmitContent(ctx, early, textPrint(strings.Replace(rallyText, "Sunday", "Monday", 1)))
	if err != nil {
		t.Fatalf("admit early: %v", err)
	}
	if second.Outcome != domain.ContentAdmitted || second.CanonicalURL != early {
		t.Fatalf("expected early to become canonical, got %+v", second)
	}

	lateKey, _, err := store.GetKey(ctx, late)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if lateKey.ContentState != domain.ContentMember || lateKey.CanonicalURL != early {
		t.Fatalf("expected late to be re-parented under early, got %+v", lateKey)
	}
}

func TestAdmitContent_LaterKeyMergesIntoCanonical(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t, DefaultPolicy())
	ctx := context.Background()

	claimAt(t, store, "https://example.com/one", 1, base.Add(-2*time.Hour))
	claimAt(t, store, "https://example.com/two", 1, base.Add(-1*time.Hour))

	if _, err := engine.AdmitContent(ctx, "https://example.com/one", textPrint(rallyText)); err != nil {
		t.Fatalf("admit one: %v", err)
	}
	decision, err := engine.AdmitContent(ctx, "https://example.com/two", textPrint(rallyText))
	if err != nil {
		t.Fatalf("admit two: %v", err)
	}
	if decision.Outcome != domain.ContentMerged || decision.CanonicalURL != "https://example.com/one" {
		t.Fatalf("expected merge into one, got %+v", decision)
	}
	if decision.Signal != "content_hash" {
		t.Fatalf("expected identical text to match on content hash, got %q", decision.Signal)
	}

	again, err := engine.AdmitContent(ctx, "https://example.com/two", textPrint("entirely different text"))
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if again.Outcome != domain.ContentMerged || again.CanonicalURL != "https://example.com/one" {
		t.Fatalf("expected stored decision on re-admission, got %+v", again)
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Canonical != 1 || stats.ClusterMembers != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAdmitContent_RejectsCrossCompetitor(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	policy.RejectCrossCompetitor = true
	engine, store := newTestEngine(t, policy)
	ctx := context.Background()

	claimAt(t, store, "https://example.com/ours", 1, base.Add(-2*time.Hour))
	claimAt(t, store, "https://example.com/theirs", 2, base.Add(-1*time.Hour))

	if _, err := engine.AdmitContent(ctx, "https://example.com/ours", textPrint(rallyText)); err != nil {
		t.Fatalf("admit: %v", err)
	}
	decision, err := engine.AdmitContent(ctx, "https://example.com/theirs", textPrint(rallyText))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Outcome != domain.ContentRejectedOutcome || decision.Reason == "" {
		t.Fatalf("expected rejection with reason, got %+v", decision)
	}
}

func TestAdmitContent_UnrelatedContentStaysSeparate(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t, DefaultPolicy())
	ctx := context.Background()

	claimAt(t, store, "https://example.com/rally", 1, base)
	claimAt(t, store, "https://example.com/rain", 1, base)

	_, _ = engine.AdmitContent(ctx, "https://example.com/rally", textPrint(rallyText))
	decision, err := engine.AdmitContent(ctx, "https://example.com/rain", textPrint("Heavy rain lashed the coastal districts and schools were closed for two days."))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Outcome != domain.ContentAdmitted || decision.CanonicalURL != "https://example.com/rain" {
		t.Fatalf("expected separate canonical, got %+v", decision)
	}
}

func TestDecide_MediaAndMetadataSignals(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil, DefaultPolicy(), zerolog.Nop())

	mediaA := uint64(0xF0F0F0F0F0F0F0F0)
	mediaB := mediaA ^ 0b111
	self := domain.DedupKey{
		NormalizedURL: "https://x.com/b",
		FirstSeenAt:   base.Add(time.Hour),
		Fingerprint:   &domain.Fingerprint{MediaHash: &mediaB},
	}
	other := domain.DedupKey{
		NormalizedURL: "https://x.com/a",
		FirstSeenAt:   base,
		Fingerprint:   &domain.Fingerprint{MediaHash: &mediaA},
	}
	decision := engine.Decide(self, []domain.DedupKey{other})
	if decision.Outcome != domain.ContentMerged || decision.Signal != "media" {
		t.Fatalf("expected media merge, got %+v", decision)
	}

	self.Fingerprint = &domain.Fingerprint{MetaKey: "k"}
	other.Fingerprint = &domain.Fingerprint{MetaKey: "k"}
	if got := engine.Decide(self, []domain.DedupKey{other}); got.Signal != "metadata" {
		t.Fatalf("expected metadata signal, got %+v", got)
	}
}

type failingCache struct{}

func (failingCache) ClaimURL(context.Context, domain.DedupKey, *domain.Staging) (domain.DedupKey, bool, error) {
	return domain.DedupKey{}, false, errors.New("disk full")
}

func (failingCache) GetKey(context.Context, string) (domain.DedupKey, bool, error) {
	return domain.DedupKey{}, false, nil
}

func (failingCache) AdmitContent(context.Context, string, domain.Fingerprint, time.Time, domain.ContentDecider) (domain.ContentDecision, error) {
	return domain.ContentDecision{}, errors.New("disk full")
}

func (failingCache) DedupStats(context.Context) (domain.DedupStats, error) {
	return domain.DedupStats{}, nil
}

func TestEngine_FailsClosedOnCacheErrors(t *testing.T) {
	t.Parallel()

	engine := NewEngine(failingCache{}, DefaultPolicy(), zerolog.Nop())

	if _, err := engine.AdmitURL(context.Background(), "https://example.com/a", 1, 0); fault.KindOf(err) != fault.KindInvariantViolation {
		t.Fatalf("expected invariant violation from AdmitURL, got %v", err)
	}
	if _, err := engine.AdmitContent(context.Background(), "https://example.com/a", domain.Fingerprint{}); fault.KindOf(err) != fault.KindInvariantViolation {
		t.Fatalf("expected invariant violation from AdmitContent, got %v", err)
	}
	if _, err := engine.AdmitURL(context.Background(), "  ", 1, 0); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("expected invalid input for blank url, got %v", err)
	}
}
