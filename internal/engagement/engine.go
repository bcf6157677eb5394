// Package engagement fetches engagement metrics for staged results, runs the
// content gate on first enrichment and maintains final results.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/fingerprint"
	"horse.fit/trawl/internal/globaltime"
	"horse.fit/trawl/internal/queue"
)

const (
	DefaultFetchTimeout    = 30 * time.Second
	DefaultMaxSnapshots    = 4
	DefaultRefreshInterval = 6 * time.Hour
)

var (
	ErrFetchFailed = errors.New("content fetch failed")
	ErrRateLimited = errors.New("content fetch rate limited")
	ErrNotFound    = errors.New("content not found")
)

// Content is what a fetcher extracts from a post or article.
type Content struct {
	Title       string
	Text        string
	Author      string
	PublishedAt *time.Time
	Language    string
	Metrics     domain.Metrics
	// AuthorFollowers is the audience of the author when the page publishes it.
	AuthorFollowers *int64
	// MediaURLs are absolute image and video URLs attached to the content,
	// lead image first.
	MediaURLs []string
	// MediaHash is a perceptual hash of the lead image, when one was found.
	MediaHash *uint64
}

// ContentFetcher retrieves content for a normalized URL. Failures wrap
// ErrFetchFailed, ErrRateLimited or ErrNotFound.
type ContentFetcher interface {
	Fetch(ctx context.Context, normalizedURL string) (Content, error)
}

type Store interface {
	GetStaged(ctx context.Context, resultID string) (domain.StagedResult, error)
	SetStagedState(ctx context.Context, resultID string, state domain.StagedState, lastError string) error
	AppendSnapshot(ctx context.Context, snap domain.EngagementSnapshot) (domain.EngagementSnapshot, error)
	UpsertFinalResult(ctx context.Context, fr domain.FinalResult) (domain.FinalResult, error)
}

// ContentGate is content-level dedup. *dedup.Engine satisfies it.
type ContentGate interface {
	AdmitContent(ctx context.Context, normalizedURL string, fp domain.Fingerprint) (domain.ContentDecision, error)
}

// Scheduler enqueues follow-up enrichments. *queue.Queue satisfies it.
type Scheduler interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (domain.Job, bool, error)
}

type Options struct {
	FetchTimeout time.Duration
	// MaxSnapshots bounds growth tracking. One disables follow-ups.
	MaxSnapshots    int
	RefreshInterval time.Duration
	Fingerprinter   *fingerprint.Fingerprinter
	Scheduler       Scheduler
	Now             func() time.Time
}

type Engine struct {
	store        Store
	fetcher      ContentFetcher
	gate         ContentGate
	fp           *fingerprint.Fingerprinter
	scheduler    Scheduler
	fetchTimeout time.Duration
	maxSnapshots int
	refresh      time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

func NewEngine(store Store, fetcher ContentFetcher, gate ContentGate, opts Options, logger zerolog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engagement store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("content fetcher is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("content gate is required")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = DefaultMaxSnapshots
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Fingerprinter == nil {
		opts.Fingerprinter = fingerprint.New(fingerprint.Options{})
	}
	return &Engine{
		store:        store,
		fetcher:      fetcher,
		gate:         gate,
		fp:           opts.Fingerprinter,
		scheduler:    opts.Scheduler,
		fetchTimeout: opts.FetchTimeout,
		maxSnapshots: opts.MaxSnapshots,
		refresh:      opts.RefreshInterval,
		now:          globaltime.Clock(opts.Now),
		logger:       logger,
	}, nil
}

// Enrich takes one engagement snapshot of a staged result. The first
// enrichment fingerprints the content and runs the content gate; later ones
// only append snapshots and refresh the final result.
func (e *Engine) Enrich(ctx context.Context, resultID string) (domain.EngagementSnapshot, error) {
	resultID = strings.TrimSpace(resultID)
	if resultID == "" {
		return domain.EngagementSnapshot{}, fault.Invalid("result id is required")
	}

	staged, err := e.store.GetStaged(ctx, resultID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.EngagementSnapshot{}, fault.Permanent("staged result %s not found", resultID)
		}
		return domain.EngagementSnapshot{}, fault.Wrap(fault.KindInvariantViolation, fmt.Errorf("load staged result %s: %w", resultID, err))
	}
	switch staged.State {
	case domain.StagedGone, domain.StagedRejected, domain.StagedFailed:
		return domain.EngagementSnapshot{}, fault.Permanent("staged result %s is %s", resultID, staged.State)
	}

	first := staged.State != domain.StagedEnriched
	if first {
		if err := e.store.SetStagedState(ctx, resultID, domain.StagedEnriching, ""); err != nil {
			return domain.EngagementSnapshot{}, storeFault("mark enriching", err)
		}
	}

	url := staged.Candidate.NormalizedURL
	log := e.logger.With().Str("result_id", resultID).Str("normalized_url", url).Logger()

	content, err := e.fetch(ctx, url)
	if err != nil {
		return domain.EngagementSnapshot{}, e.recordFetchFailure(ctx, staged, first, err)
	}

	snap, err := e.store.AppendSnapshot(ctx, domain.EngagementSnapshot{
		ResultID:   resultID,
		CapturedAt: e.now(),
		Metrics:    content.Metrics,
	})
	if err != nil {
		return domain.EngagementSnapshot{}, storeFault("append snapshot", err)
	}

	result := e.buildFinalResult(staged, content, snap)
	if first {
		fp := e.fp.Compute(fingerprint.Input{
			Title:       content.Title,
			Text:        content.Text,
			Author:      content.Author,
			PublishedAt: content.PublishedAt,
			MediaHash:   content.MediaHash,
		})
		if result.Language == "" {
			result.Language = fp.Language
		}

		decision, err := e.gate.AdmitContent(ctx, url, fp)
		if err != nil {
			return domain.EngagementSnapshot{}, err
		}
		if decision.Outcome == domain.ContentRejectedOutcome {
			if err := e.store.SetStagedState(ctx, resultID, domain.StagedRejected, decision.Reason); err != nil {
				return domain.EngagementSnapshot{}, storeFault("mark rejected", err)
			}
			log.Info().Str("reason", decision.Reason).Msg("content rejected")
			return snap, nil
		}
		result.CanonicalURL = decision.CanonicalURL
		result.ClusterMember = decision.Outcome == domain.ContentMerged
		result.Similarity = decision.Similarity
	}

	stored, err := e.store.UpsertFinalResult(ctx, result)
	if err != nil {
		return domain.EngagementSnapshot{}, storeFault("upsert final result", err)
	}
	if err := e.store.SetStagedState(ctx, resultID, domain.StagedEnriched, ""); err != nil {
		return domain.EngagementSnapshot{}, storeFault("mark enriched", err)
	}

	e.scheduleFollowUp(ctx, staged, snap, log)

	log.Info().
		Int("snapshot", snap.Seq).
		Str("canonical_url", stored.CanonicalURL).
		Bool("cluster_member", stored.ClusterMember).
		Msg("result enriched")
	return snap, nil
}

func (e *Engine) fetch(ctx context.Context, url string) (Content, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	content, err := e.fetcher.Fetch(fetchCtx, url)
	if err != nil {
		return Content{}, classifyFetch(err)
	}
	return content, nil
}

func (e *Engine) recordFetchFailure(ctx context.Context, staged domain.StagedResult, first bool, err error) error {
	state := staged.State
	if first {
		state = domain.StagedPending
	}
	if errors.Is(err, ErrNotFound) {
		state = domain.StagedGone
	}
	if setErr := e.store.SetStagedState(ctx, staged.ResultID, state, err.Error()); setErr != nil {
		e.logger.Error().Err(setErr).Str("result_id", staged.ResultID).Msg("record fetch failure")
	}
	return err
}

func (e *Engine) scheduleFollowUp(ctx context.Context, staged domain.StagedResult, snap domain.EngagementSnapshot, log zerolog.Logger) {
	if e.scheduler == nil || snap.Seq >= e.maxSnapshots {
		return
	}
	next := snap.Seq + 1
	job, created, err := e.scheduler.Enqueue(ctx, queue.EnqueueRequest{
		Kind:           domain.JobEngagement,
		Payload:        map[string]any{"result_id": staged.ResultID, "sequence": next},
		Priority:       staged.Candidate.Priority,
		AvailableAt:    snap.CapturedAt.Add(e.refresh),
		IdempotencyKey: fmt.Sprintf("engage:%s:%d", staged.ResultID, next),
	})
	if err != nil {
		log.Error().Err(err).Int("sequence", next).Msg("schedule follow-up enrichment")
		return
	}
	if created {
		log.Debug().Str("job_id", job.ID).Int("sequence", next).Time("available_at", job.AvailableAt).Msg("follow-up enrichment scheduled")
	}
}

func (e *Engine) buildFinalResult(staged domain.StagedResult, content Content, snap domain.EngagementSnapshot) domain.FinalResult {
	body := content.Title + "\n" + content.Text
	rate := EngagementRate(snap.Metrics)
	return domain.FinalResult{
		ResultID:        staged.ResultID,
		NormalizedURL:   staged.Candidate.NormalizedURL,
		CompetitorID:    staged.Candidate.CompetitorID,
		PlatformID:      staged.Candidate.PlatformID,
		SourceType:      staged.Candidate.SourceType,
		Title:           strings.TrimSpace(content.Title),
		Author:          strings.TrimSpace(content.Author),
		PublishedAt:     content.PublishedAt,
		Language:        content.Language,
		Hashtags:        ExtractHashtags(body),
		Mentions:        ExtractMentions(body),
		Metrics:         snap.Metrics,
		EngagementRate:  rate,
		ViralScore:      ViralScore(snap.Metrics),
		ImportanceScore: ImportanceScore(rate, value(content.AuthorFollowers), WordCount(content.Text)),
		MediaURLs:       MediaURLs(content.MediaURLs),
		SnapshotCount:   snap.Seq,
		FirstCapturedAt: snap.CapturedAt,
		LastCapturedAt:  snap.CapturedAt,
	}
}

// classifyFetch maps fetcher failures onto the error taxonomy. Unknown
// failures and timeouts are transient.
func classifyFetch(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fault.Wrap(fault.KindTerminal, err)
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrFetchFailed):
		return fault.Wrap(fault.KindTransient, err)
	case fault.KindOf(err) != fault.KindUnknown:
		return err
	default:
		return fault.Wrap(fault.KindTransient, fmt.Errorf("%w: %w", ErrFetchFailed, err))
	}
}

func storeFault(op string, err error) error {
	return fault.Wrap(fault.KindInvariantViolation, fmt.Errorf("%s: %w", op, err))
}
