// Package dedup gates what enters the pipeline: a cheap URL gate before any
// fetch and a content gate after engagement fetches.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/fingerprint"
	"horse.fit/trawl/internal/globaltime"
)

const (
	DefaultSimhashMaxDistance = 3
	DefaultTextThreshold      = 0.85
	DefaultMediaMaxDistance   = 6
	DefaultLookback           = 90 * 24 * time.Hour
	minSimhashTokens          = 8
)

// Cache is the durable dedup store. ClaimURL and AdmitContent must each be a
// single atomic step.
type Cache interface {
	// ClaimURL inserts key unless its normalized URL exists. On conflict it
	// bumps the existing key's occurrence count and returns it with
	// inserted=false. staging, when non-nil, is written in the same step.
	ClaimURL(ctx context.Context, key domain.DedupKey, staging *domain.Staging) (existing domain.DedupKey, inserted bool, err error)
	GetKey(ctx context.Context, normalizedURL string) (domain.DedupKey, bool, error)
	// AdmitContent attaches fp to the key, consulting decide with the live
	// canonical keys seen since the cutoff, and applies the decision. A key
	// that already has content returns its stored decision without calling
	// decide. Missing keys fail with domain.ErrNotFound.
	AdmitContent(ctx context.Context, normalizedURL string, fp domain.Fingerprint, since time.Time, decide domain.ContentDecider) (domain.ContentDecision, error)
	DedupStats(ctx context.Context) (domain.DedupStats, error)
}

// Observer receives admission outcomes, typically for metrics.
type Observer interface {
	URLAdmission(outcome string)
	ContentAdmission(outcome string)
}

type Policy struct {
	SimhashMaxDistance    int
	TextThreshold         float64
	MediaMaxDistance      int
	MatchMetadata         bool
	RejectCrossCompetitor bool
	Lookback              time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		SimhashMaxDistance: DefaultSimhashMaxDistance,
		TextThreshold:      DefaultTextThreshold,
		MediaMaxDistance:   DefaultMediaMaxDistance,
		MatchMetadata:      true,
		Lookback:           DefaultLookback,
	}
}

type URLOutcome string

const (
	Admitted  URLOutcome = "admitted"
	Duplicate URLOutcome = "duplicate"
)

// URLAdmission carries the winning key for Admitted and the existing key for
// Duplicate.
type URLAdmission struct {
	Outcome URLOutcome
	Key     domain.DedupKey
}

type Engine struct {
	cache    Cache
	policy   Policy
	logger   zerolog.Logger
	now      func() time.Time
	observer Observer
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = globaltime.Clock(now) }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func NewEngine(cache Cache, policy Policy, logger zerolog.Logger, opts ...Option) *Engine {
	if policy.TextThreshold <= 0 || policy.TextThreshold > 1 {
		policy.TextThreshold = DefaultTextThreshold
	}
	if policy.SimhashMaxDistance < 0 {
		policy.SimhashMaxDistance = DefaultSimhashMaxDistance
	}
	if policy.MediaMaxDistance < 0 {
		policy.MediaMaxDistance = DefaultMediaMaxDistance
	}
	if policy.Lookback <= 0 {
		policy.Lookback = DefaultLookback
	}

	e := &Engine{
		cache:  cache,
		policy: policy,
		logger: logger,
		now:    globaltime.UTC,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type admitConfig struct {
	staging *domain.Staging
}

type AdmitOption func(*admitConfig)

// WithStaging persists the staged result and its engagement job together
// with the key when the URL wins admission.
func WithStaging(result domain.StagedResult, job domain.Job) AdmitOption {
	return func(c *admitConfig) {
		c.staging = &domain.Staging{Result: result, Job: job}
	}
}

// AdmitURL admits normalizedURL at most once across all callers. Cache
// failures are returned as invariant violations and nothing is admitted.
func (e *Engine) AdmitURL(ctx context.Context, normalizedURL string, competitorID, platformID int64, opts ...AdmitOption) (URLAdmission, error) {
	if e == nil || e.cache == nil {
		return URLAdmission{}, fault.Violation("dedup engine is not initialized")
	}
	normalizedURL = strings.TrimSpace(normalizedURL)
	if normalizedURL == "" {
		return URLAdmission{}, fault.Invalid("normalized url is required")
	}

	var cfg admitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	key := domain.DedupKey{
		NormalizedURL:   normalizedURL,
		CompetitorID:    competitorID,
		PlatformID:      platformID,
		FirstSeenAt:     e.now(),
		OccurrenceCount: 1,
		ContentState:    domain.ContentNone,
	}

	existing, inserted, err := e.cache.ClaimURL(ctx, key, cfg.staging)
	if err != nil {
		return URLAdmission{}, fault.Wrap(fault.KindInvariantViolation, fmt.Errorf("claim url %s: %w", normalizedURL, err))
	}

	if !inserted {
		e.observeURL(Duplicate)
		e.logger.Debug().
			Str("normalized_url", normalizedURL).
			Int64("occurrences", existing.OccurrenceCount).
			Msg("url duplicate")
		return URLAdmission{Outcome: Duplicate, Key: existing}, nil
	}

	e.observeURL(Admitted)
	e.logger.Debug().
		Str("normalized_url", normalizedURL).
		Int64("competitor_id", competitorID).
		Int64("platform_id", platformID).
		Msg("url admitted")
	return URLAdmission{Outcome: Admitted, Key: existing}, nil
}

// AdmitContent runs content-level dedup for an admitted key. A key that
// already carries content keeps its recorded decision, so re-enrichment never
// compares a result against its own history.
func (e *Engine) AdmitContent(ctx context.Context, normalizedURL string, fp domain.Fingerprint) (domain.ContentDecision, error) {
	if e == nil || e.cache == nil {
		return domain.ContentDecision{}, fault.Violation("dedup engine is not initialized")
	}
	normalizedURL = strings.TrimSpace(normalizedURL)
	if normalizedURL == "" {
		return domain.ContentDecision{}, fault.Invalid("normalized url is required")
	}

	since := e.now().Add(-e.policy.Lookback)
	decision, err := e.cache.AdmitContent(ctx, normalizedURL, fp, since, e.Decide)
	if err != nil {
		return domain.ContentDecision{}, fault.Wrap(fault.KindInvariantViolation, fmt.Errorf("admit content %s: %w", normalizedURL, err))
	}

	e.observeContent(string(decision.Outcome))
	e.logger.Debug().
		Str("normalized_url", normalizedURL).
		Str("outcome", string(decision.Outcome)).
		Str("canonical_url", decision.CanonicalURL).
		Str("signal", decision.Signal).
		Float64("similarity", decision.Similarity).
		Msg("content dedup decision")
	return decision, nil
}

func (e *Engine) Stats(ctx context.Context) (domain.DedupStats, error) {
	if e == nil || e.cache == nil {
		return domain.DedupStats{}, fault.Violation("dedup engine is not initialized")
	}
	stats, err := e.cache.DedupStats(ctx)
	if err != nil {
		return domain.DedupStats{}, fmt.Errorf("dedup stats: %w", err)
	}
	return stats, nil
}

type contentMatch struct {
	key    domain.DedupKey
	signal string
	score  float64
}

// Decide is the similarity policy. It is pure and is invoked inside the
// cache's atomic content step.
func (e *Engine) Decide(self domain.DedupKey, candidates []domain.DedupKey) domain.ContentDecision {
	if self.Fingerprint == nil {
		return domain.ContentDecision{Outcome: domain.ContentAdmitted, CanonicalURL: self.NormalizedURL}
	}

	matches := make([]contentMatch, 0, 4)
	for _, candidate := range candidates {
		if candidate.NormalizedURL == self.NormalizedURL || candidate.Fingerprint == nil {
			continue
		}
		signal, score, ok := e.compare(*self.Fingerprint, *candidate.Fingerprint)
		if !ok {
			continue
		}
		matches = append(matches, contentMatch{key: candidate, signal: signal, score: score})
	}
	if len(matches) == 0 {
		return domain.ContentDecision{Outcome: domain.ContentAdmitted, CanonicalURL: self.NormalizedURL}
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if m.score > best.score {
			best = m
		}
	}

	if e.policy.RejectCrossCompetitor && best.key.CompetitorID != self.CompetitorID {
		return domain.ContentDecision{
			Outcome:    domain.ContentRejectedOutcome,
			Signal:     best.signal,
			Similarity: best.score,
			Reason: fmt.Sprintf("content matches %s owned by competitor %d",
				best.key.NormalizedURL, best.key.CompetitorID),
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return earlier(matches[i].key, matches[j].key)
	})
	target := matches[0]

	if earlier(self, target.key) {
		reparent := make([]string, 0, len(matches))
		for _, m := range matches {
			reparent = append(reparent, m.key.NormalizedURL)
		}
		return domain.ContentDecision{
			Outcome:      domain.ContentAdmitted,
			CanonicalURL: self.NormalizedURL,
			Signal:       best.signal,
			Similarity:   best.score,
			Reparent:     reparent,
		}
	}

	reparent := make([]string, 0, len(matches)-1)
	for _, m := range matches[1:] {
		reparent = append(reparent, m.key.NormalizedURL)
	}
	return domain.ContentDecision{
		Outcome:      domain.ContentMerged,
		CanonicalURL: target.key.NormalizedURL,
		Signal:       target.signal,
		Similarity:   target.score,
		Reparent:     reparent,
	}
}

func (e *Engine) compare(a, b domain.Fingerprint) (string, float64, bool) {
	if a.ContentHash != "" && a.ContentHash == b.ContentHash {
		return "content_hash", 1, true
	}
	if e.policy.MatchMetadata && a.MetaKey != "" && a.MetaKey == b.MetaKey {
		return "metadata", 1, true
	}

	if a.HasSimhash && b.HasSimhash &&
		len(fingerprint.Tokenize(a.TextSample)) >= minSimhashTokens &&
		len(fingerprint.Tokenize(b.TextSample)) >= minSimhashTokens {
		if d := fingerprint.Hamming(a.TextSimhash, b.TextSimhash); d <= e.policy.SimhashMaxDistance {
			return "simhash", 1 - float64(d)/64, true
		}
	}

	if score := fingerprint.TextSimilarity(a.TextSample, b.TextSample); score >= e.policy.TextThreshold {
		return "text", score, true
	}

	if a.MediaHash != nil && b.MediaHash != nil {
		if d := fingerprint.Hamming(*a.MediaHash, *b.MediaHash); d <= e.policy.MediaMaxDistance {
			return "media", 1 - float64(d)/64, true
		}
	}
	return "", 0, false
}

// earlier orders keys by first sighting, breaking ties by URL so the choice
// is stable across processes.
func earlier(a, b domain.DedupKey) bool {
	if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
		return a.FirstSeenAt.Before(b.FirstSeenAt)
	}
	return a.NormalizedURL < b.NormalizedURL
}

func (e *Engine) observeURL(outcome URLOutcome) {
	if e.observer != nil {
		e.observer.URLAdmission(string(outcome))
	}
}

func (e *Engine) observeContent(outcome string) {
	if e.observer != nil {
		e.observer.ContentAdmission(outcome)
	}
}
