package engagement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/dedup"
	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/kv"
	"horse.fit/trawl/internal/queue"
)

const rallyText = `The chief minister addressed a large gathering in the district headquarters on Sunday
and announced a new scheme for farmers covering crop insurance, free electricity for pump sets,
and a fresh loan waiver for small and marginal cultivators. Party workers from neighbouring
constituencies arrived in buses and the venue was decorated with flags and banners. #FarmFirst @cmoffice`

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubFetcher struct {
	content map[string]Content
	err     map[string]error
	delay   time.Duration
	calls   int
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (Content, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Content{}, ctx.Err()
		}
	}
	if err := s.err[url]; err != nil {
		return Content{}, err
	}
	c, ok := s.content[url]
	if !ok {
		return Content{}, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return c, nil
}

type fixture struct {
	engine  *Engine
	store   *kv.Store
	gate    *dedup.Engine
	queue   *queue.Queue
	fetcher *stubFetcher
}

func newFixture(t *testing.T, policy dedup.Policy) fixture {
	t.Helper()

	now := func() time.Time { return testNow }
	store, err := kv.Open(kv.Options{Logger: zerolog.Nop(), Now: now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gate := dedup.NewEngine(store, policy, zerolog.Nop(), dedup.WithClock(now))
	q := queue.New(store, queue.Options{Now: now}, zerolog.Nop())
	fetcher := &stubFetcher{content: map[string]Content{}, err: map[string]error{}}

	engine, err := NewEngine(store, fetcher, gate, Options{
		FetchTimeout:    time.Second,
		MaxSnapshots:    3,
		RefreshInterval: time.Hour,
		Scheduler:       q,
		Now:             now,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return fixture{engine: engine, store: store, gate: gate, queue: q, fetcher: fetcher}
}

// stage admits url the way discovery does and returns the staged result id.
func (f fixture) stage(t *testing.T, url string, competitorID int64, seen time.Time) string {
	t.Helper()

	id := "res-" + strings.TrimPrefix(url, "https://")
	id = strings.ReplaceAll(id, "/", "-")
	staged := domain.StagedResult{
		ResultID: id,
		Candidate: domain.CandidateURL{
			RawURL:        url,
			NormalizedURL: url,
			SourceType:    domain.SourceManual,
			CompetitorID:  competitorID,
			Priority:      1,
			DiscoveredAt:  seen,
		},
		State:     domain.StagedPending,
		CreatedAt: seen,
		UpdatedAt: seen,
	}
	job, err := f.queue.NewJob(queue.EnqueueRequest{
		Kind:    domain.JobEngagement,
		Payload: map[string]any{"result_id": id, "sequence": 1},
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if _, ok, err := f.store.ClaimURL(context.Background(), domain.DedupKey{
		NormalizedURL: url,
		CompetitorID:  competitorID,
		FirstSeenAt:   seen,
	}, &domain.Staging{Result: staged, Job: job}); err != nil || !ok {
		t.Fatalf("stage %s: ok=%v err=%v", url, ok, err)
	}
	return id
}

func count(n int64) *int64 { return &n }

func TestEnrich_NearDuplicateMergesIntoEarliest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dedup.DefaultPolicy())
	ctx := context.Background()

	first := f.stage(t, "https://news.example.com/a", 1, testNow.Add(-2*time.Hour))
	second := f.stage(t, "https://blog.example.org/b", 1, testNow.Add(-time.Hour))
	f.fetcher.content["https://news.example.com/a"] = Content{Title: "Farm scheme rally", Text: rallyText}
	f.fetcher.content["https://blog.example.org/b"] = Content{
		Title: "Farm scheme rally",
		Text:  strings.Replace(rallyText, "Sunday", "Saturday", 1),
	}

	if _, err := f.engine.Enrich(ctx, second); err != nil {
		t.Fatalf("enrich second: %v", err)
	}
	if _, err := f.engine.Enrich(ctx, first); err != nil {
		t.Fatalf("enrich first: %v", err)
	}

	canonical, err := f.store.GetFinalResult(ctx, first)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if canonical.ClusterMember || canonical.CanonicalURL != "https://news.example.com/a" {
		t.Fatalf("expected earliest url to be canonical, got %+v", canonical)
	}

	member, err := f.store.GetFinalResult(ctx, second)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if !member.ClusterMember || member.CanonicalURL != "https://news.example.com/a" {
		t.Fatalf("expected later url to join the earliest cluster, got %+v", member)
	}

	visible, err := f.store.ListFinalResults(ctx, domain.ResultFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 1 || visible[0].ResultID != first {
		t.Fatalf("expected only the canonical result in the default listing, got %+v", visible)
	}
}

func TestEnrich_ComputesMetricsAndSchedulesFollowUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dedup.DefaultPolicy())
	ctx := context.Background()

	id := f.stage(t, "https://news.example.com/a", 1, testNow)
	f.fetcher.content["https://news.example.com/a"] = Content{
		Title:           "Farm scheme rally",
		Text:            rallyText,
		AuthorFollowers: count(50000),
		MediaURLs:       []string{"https://cdn.example.com/rally.jpg", "https://cdn.example.com/rally.jpg", "data:image/png;base64,AAAA"},
		Metrics: domain.Metrics{
			Views:    count(1000),
			Likes:    count(100),
			Shares:   count(20),
			Comments: count(30),
		},
	}

	snap, err := f.engine.Enrich(ctx, id)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if snap.Seq != 1 {
		t.Fatalf("expected first snapshot, got %d", snap.Seq)
	}

	fr, err := f.store.GetFinalResult(ctx, id)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if fr.EngagementRate != 0.15 {
		t.Fatalf("expected engagement rate 0.15, got %f", fr.EngagementRate)
	}
	if fr.ViralScore != 0.22 {
		t.Fatalf("expected viral score 0.22, got %f", fr.ViralScore)
	}
	// 0.15 engagement * 5 + 50k followers + 57 words.
	if math.Abs(fr.ImportanceScore-1.82) > 1e-9 {
		t.Fatalf("expected importance score 1.82, got %f", fr.ImportanceScore)
	}
	if len(fr.MediaURLs) != 1 || fr.MediaURLs[0] != "https://cdn.example.com/rally.jpg" {
		t.Fatalf("unexpected media urls %v", fr.MediaURLs)
	}
	if len(fr.Hashtags) != 1 || fr.Hashtags[0] != "#farmfirst" {
		t.Fatalf("unexpected hashtags %v", fr.Hashtags)
	}
	if len(fr.Mentions) != 1 || fr.Mentions[0] != "@cmoffice" {
		t.Fatalf("unexpected mentions %v", fr.Mentions)
	}

	staged, err := f.store.GetStaged(ctx, id)
	if err != nil {
		t.Fatalf("get staged: %v", err)
	}
	if staged.State != domain.StagedEnriched {
		t.Fatalf("expected enriched, got %s", staged.State)
	}

	jobs, err := f.store.ListJobs(ctx, domain.JobFilter{Kind: domain.JobEngagement})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	var followUp *domain.Job
	for i := range jobs {
		if jobs[i].IdempotencyKey == fmt.Sprintf("engage:%s:2", id) {
			followUp = &jobs[i]
		}
	}
	if followUp == nil {
		t.Fatalf("expected a follow-up enrichment job, got %+v", jobs)
	}
	if !followUp.AvailableAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("expected follow-up after the refresh interval, got %s", followUp.AvailableAt)
	}
}

func TestEnrich_ReEnrichmentSkipsContentDedup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dedup.DefaultPolicy())
	ctx := context.Background()

	id := f.stage(t, "https://news.example.com/a", 1, testNow)
	f.fetcher.content["https://news.example.com/a"] = Content{Title: "Rally", Text: rallyText, Metrics: domain.Metrics{Likes: count(5)}}
	if _, err := f.engine.Enrich(ctx, id); err != nil {
		t.Fatalf("first enrich: %v", err)
	}

	f.fetcher.content["https://news.example.com/a"] = Content{Title: "Rally", Text: rallyText, Metrics: domain.Metrics{Likes: count(50)}}
	snap, err := f.engine.Enrich(ctx, id)
	if err != nil {
		t.Fatalf("second enrich: %v", err)
	}
	if snap.Seq != 2 {
		t.Fatalf("expected second snapshot, got %d", snap.Seq)
	}

	fr, err := f.store.GetFinalResult(ctx, id)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if fr.ClusterMember || fr.SnapshotCount != 2 || *fr.Metrics.Likes != 50 {
		t.Fatalf("unexpected final result after re-enrichment: %+v", fr)
	}

	snaps, err := f.store.ListSnapshots(ctx, id)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}

func TestEnrich_CrossCompetitorRejected(t *testing.T) {
	t.Parallel()

	policy := dedup.DefaultPolicy()
	policy.RejectCrossCompetitor = true
	f := newFixture(t, policy)
	ctx := context.Background()

	owner := f.stage(t, "https://news.example.com/a", 1, testNow.Add(-time.Hour))
	other := f.stage(t, "https://copy.example.net/a", 2, testNow)
	f.fetcher.content["https://news.example.com/a"] = Content{Title: "Rally", Text: rallyText}
	f.fetcher.content["https://copy.example.net/a"] = Content{Title: "Rally", Text: rallyText}

	if _, err := f.engine.Enrich(ctx, owner); err != nil {
		t.Fatalf("enrich owner: %v", err)
	}
	if _, err := f.engine.Enrich(ctx, other); err != nil {
		t.Fatalf("enrich other: %v", err)
	}

	staged, err := f.store.GetStaged(ctx, other)
	if err != nil {
		t.Fatalf("get staged: %v", err)
	}
	if staged.State != domain.StagedRejected || staged.LastError == "" {
		t.Fatalf("expected rejected with a reason, got %+v", staged)
	}
	if _, err := f.store.GetFinalResult(ctx, other); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no final result for rejected content, got %v", err)
	}

	if _, err := f.engine.Enrich(ctx, other); fault.KindOf(err) != fault.KindTerminal {
		t.Fatalf("expected terminal error for rejected result, got %v", err)
	}
}

func TestEnrich_MissingContentMarksGone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dedup.DefaultPolicy())
	ctx := context.Background()

	id := f.stage(t, "https://news.example.com/deleted", 1, testNow)
	_, err := f.engine.Enrich(ctx, id)
	if fault.KindOf(err) != fault.KindTerminal || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected terminal not-found error, got %v", err)
	}

	staged, err := f.store.GetStaged(ctx, id)
	if err != nil {
		t.Fatalf("get staged: %v", err)
	}
	if staged.State != domain.StagedGone {
		t.Fatalf("expected gone, got %s", staged.State)
	}
}

func TestEnrich_TimeoutLeavesNoSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dedup.DefaultPolicy())
	ctx := context.Background()

	id := f.stage(t, "https://news.example.com/slow", 1, testNow)
	f.fetcher.content["https://news.example.com/slow"] = Content{Title: "Slow", Text: rallyText}
	f.fetcher.delay = time.Minute
	f.engine.fetchTimeout = 10 * time.Millisecond

	_, err := f.engine.Enrich(ctx, id)
	if !fault.IsRetryable(err) {
		t.Fatalf("expected retryable timeout, got %v", err)
	}

	snaps, err := f.store.ListSnapshots(ctx, id)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected no snapshot after timeout, got %d", len(snaps))
	}
	staged, err := f.store.GetStaged(ctx, id)
	if err != nil {
		t.Fatalf("get staged: %v", err)
	}
	if staged.State != domain.StagedPending || staged.LastError == "" {
		t.Fatalf("expected pending with last error, got %+v", staged)
	}
}

func TestEnrich_UnknownResultIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dedup.DefaultPolicy())
	if _, err := f.engine.Enrich(context.Background(), "missing"); fault.KindOf(err) != fault.KindTerminal {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if _, err := f.engine.Enrich(context.Background(), " "); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestExtractAndScores(t *testing.T) {
	t.Parallel()

	tags := ExtractHashtags("Vote #Change now #change #विकास")
	if len(tags) != 2 || tags[0] != "#change" || tags[1] != "#विकास" {
		t.Fatalf("unexpected hashtags %v", tags)
	}
	mentions := ExtractMentions("Thanks @party_hq. Mail press@example.com")
	if len(mentions) != 1 || mentions[0] != "@party_hq" {
		t.Fatalf("unexpected mentions %v", mentions)
	}

	if got := EngagementRate(domain.Metrics{Views: count(10), Likes: count(50)}); got != 1 {
		t.Fatalf("expected capped engagement rate, got %f", got)
	}
	if got := EngagementRate(domain.Metrics{Likes: count(50)}); got != 0 {
		t.Fatalf("expected zero rate without views, got %f", got)
	}
	if got := ViralScore(domain.Metrics{Shares: count(10000)}); got != 10 {
		t.Fatalf("expected capped viral score, got %f", got)
	}

	if got := ImportanceScore(0, 0, 0); got != 0 {
		t.Fatalf("expected zero importance for empty content, got %f", got)
	}
	if got := ImportanceScore(0, 5_000_000, 50); got != 2.5 {
		t.Fatalf("expected reach capped at 2 plus half length, got %f", got)
	}
	if got := ImportanceScore(1, 300000, 1000); got != 8 {
		t.Fatalf("expected 5 + 2 + 1, got %f", got)
	}
	if got := ImportanceScore(3, 0, 0); got != 10 {
		t.Fatalf("expected capped importance, got %f", got)
	}
	if got := WordCount("  one two\nthree  "); got != 3 {
		t.Fatalf("expected 3 words, got %d", got)
	}

	media := MediaURLs([]string{" https://cdn.example.com/a.jpg", "/relative.png", "https://cdn.example.com/a.jpg", "http://cdn.example.com/b.mp4"})
	if len(media) != 2 || media[0] != "https://cdn.example.com/a.jpg" || media[1] != "http://cdn.example.com/b.mp4" {
		t.Fatalf("unexpected media urls %v", media)
	}
	if MediaURLs(nil) != nil {
		t.Fatalf("expected nil for no media")
	}
}
