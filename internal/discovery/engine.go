// Package discovery turns discovery tasks into staged results. Every URL is
// normalized and passed through URL-level dedup before anything is staged.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/dedup"
	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/globaltime"
	"horse.fit/trawl/internal/queue"
	"horse.fit/trawl/internal/urlnorm"
)

const defaultSearchTimeout = 30 * time.Second

// SearchProvider returns raw URLs matching keywords on a platform.
type SearchProvider interface {
	Search(ctx context.Context, query SearchQuery) ([]string, error)
}

type SearchQuery struct {
	Keywords     []string
	CompetitorID int64
	PlatformID   int64
	Limit        int
}

// SourceFetcher returns the raw URLs currently published by a source.
type SourceFetcher interface {
	Poll(ctx context.Context, source Source) ([]string, error)
}

// Admitter is the URL gate. *dedup.Engine satisfies it.
type Admitter interface {
	AdmitURL(ctx context.Context, normalizedURL string, competitorID, platformID int64, opts ...dedup.AdmitOption) (dedup.URLAdmission, error)
}

// JobBuilder builds engagement jobs with queue defaults. *queue.Queue
// satisfies it.
type JobBuilder interface {
	NewJob(req queue.EnqueueRequest) (domain.Job, error)
}

type Status string

const (
	StatusAdmitted  Status = "admitted"
	StatusDuplicate Status = "duplicate"
	StatusInvalid   Status = "invalid"
	StatusFailed    Status = "failed"
)

// Outcome reports what happened to one discovered URL. A provider failure is
// reported as a single failed outcome with an empty Raw.
type Outcome struct {
	Raw        string `json:"raw_url"`
	Normalized string `json:"normalized_url,omitempty"`
	Status     Status `json:"status"`
	ResultID   string `json:"result_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Err        error  `json:"-"`
}

type Report struct {
	Seen       int       `json:"seen"`
	Admitted   int       `json:"admitted"`
	Duplicates int       `json:"duplicates"`
	Invalid    int       `json:"invalid"`
	Failed     int       `json:"failed"`
	Outcomes   []Outcome `json:"outcomes,omitempty"`
}

type Options struct {
	Search        SearchProvider
	Sources       SourceFetcher
	SearchTimeout time.Duration
	Now           func() time.Time
}

type Engine struct {
	normalizer    *urlnorm.Normalizer
	admitter      Admitter
	jobs          JobBuilder
	search        SearchProvider
	sources       SourceFetcher
	searchTimeout time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

func NewEngine(normalizer *urlnorm.Normalizer, admitter Admitter, jobs JobBuilder, opts Options, logger zerolog.Logger) (*Engine, error) {
	if normalizer == nil {
		return nil, fmt.Errorf("url normalizer is required")
	}
	if admitter == nil {
		return nil, fmt.Errorf("url admitter is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job builder is required")
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = defaultSearchTimeout
	}
	return &Engine{
		normalizer:    normalizer,
		admitter:      admitter,
		jobs:          jobs,
		search:        opts.Search,
		sources:       opts.Sources,
		searchTimeout: opts.SearchTimeout,
		now:           globaltime.Clock(opts.Now),
		logger:        logger,
	}, nil
}

// Discover lazily walks the raw URLs of task, normalizing and admitting each
// one as it is consumed. Stopping iteration early leaves no partial state:
// every yielded admission is already durable.
func (e *Engine) Discover(ctx context.Context, task Task) iter.Seq[Outcome] {
	return func(yield func(Outcome) bool) {
		raws, err := e.rawURLs(ctx, task)
		if err != nil {
			yield(Outcome{Status: StatusFailed, Err: err})
			return
		}

		for _, raw := range raws {
			if ctx.Err() != nil {
				yield(Outcome{Raw: raw, Status: StatusFailed, Err: fault.Wrap(fault.KindTransient, ctx.Err())})
				return
			}
			outcome := e.admit(ctx, task, raw)
			if !yield(outcome) {
				return
			}
			// A failed admission means the dedup cache is unusable.
			if outcome.Status == StatusFailed {
				return
			}
		}
	}
}

// Run drains Discover. Invalid URLs are counted and skipped; a provider or
// dedup failure ends the run and is returned so the queue can decide.
func (e *Engine) Run(ctx context.Context, task Task) (Report, error) {
	if task == nil {
		return Report{}, fault.Invalid("discovery task is required")
	}
	var (
		report   Report
		firstErr error
	)
	for outcome := range e.Discover(ctx, task) {
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Raw != "" {
			report.Seen++
		}
		switch outcome.Status {
		case StatusAdmitted:
			report.Admitted++
		case StatusDuplicate:
			report.Duplicates++
		case StatusInvalid:
			report.Invalid++
		case StatusFailed:
			report.Failed++
			if firstErr == nil {
				firstErr = outcome.Err
			}
		}
	}

	e.logger.Info().
		Str("task_kind", string(task.Kind())).
		Int("seen", report.Seen).
		Int("admitted", report.Admitted).
		Int("duplicates", report.Duplicates).
		Int("invalid", report.Invalid).
		Int("failed", report.Failed).
		Msg("discovery run finished")
	return report, firstErr
}

func (e *Engine) rawURLs(ctx context.Context, task Task) ([]string, error) {
	switch t := task.(type) {
	case KeywordSearch:
		keywords := cleanKeywords(t.Keywords)
		if len(keywords) == 0 {
			return nil, nil
		}
		if e.search == nil {
			return nil, fault.Permanent("no search provider configured")
		}
		callCtx, cancel := context.WithTimeout(ctx, e.searchTimeout)
		defer cancel()
		urls, err := e.search.Search(callCtx, SearchQuery{
			Keywords:     keywords,
			CompetitorID: t.CompetitorID,
			PlatformID:   t.PlatformID,
			Limit:        t.Limit,
		})
		if err != nil {
			return nil, providerFault("keyword search", err)
		}
		return urls, nil
	case SourceMonitor:
		if strings.TrimSpace(t.Source.URL) == "" {
			return nil, fault.Invalid("source url is required")
		}
		if e.sources == nil {
			return nil, fault.Permanent("no source fetcher configured")
		}
		var pattern *regexp.Regexp
		if t.Source.LinkPattern != "" {
			compiled, err := regexp.Compile(t.Source.LinkPattern)
			if err != nil {
				return nil, fault.Invalid("link pattern: %v", err)
			}
			pattern = compiled
		}
		callCtx, cancel := context.WithTimeout(ctx, e.searchTimeout)
		defer cancel()
		urls, err := e.sources.Poll(callCtx, t.Source)
		if err != nil {
			return nil, providerFault("source poll", err)
		}
		if pattern == nil {
			return urls, nil
		}
		kept := make([]string, 0, len(urls))
		for _, u := range urls {
			if pattern.MatchString(u) {
				kept = append(kept, u)
			}
		}
		return kept, nil
	case ManualBatch:
		return t.URLs, nil
	case nil:
		return nil, fault.Invalid("discovery task is required")
	default:
		return nil, fault.Invalid("unsupported discovery task %T", task)
	}
}

func (e *Engine) admit(ctx context.Context, task Task, raw string) Outcome {
	outcome := Outcome{Raw: raw}

	normalized, err := e.normalizer.Normalize(raw)
	if err != nil {
		outcome.Status = StatusInvalid
		outcome.Err = err
		return outcome
	}
	outcome.Normalized = normalized

	competitorID, platformID := task.target()
	if platformID == 0 {
		if id, ok := e.normalizer.Platform(normalized); ok {
			platformID = id
		}
	}

	multiplier := task.multiplier()
	if multiplier <= 0 {
		multiplier = 1
	}
	now := e.now()
	resultID := uuid.NewString()
	candidate := domain.CandidateURL{
		RawURL:        raw,
		NormalizedURL: normalized,
		SourceType:    task.source(),
		CompetitorID:  competitorID,
		PlatformID:    platformID,
		Priority:      multiplier,
		DiscoveredAt:  now,
	}
	staged := domain.StagedResult{
		ResultID:  resultID,
		Candidate: candidate,
		State:     domain.StagedPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	payload, err := json.Marshal(map[string]any{"result_id": resultID, "sequence": 1})
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = fault.Violation("encode engagement payload: %v", err)
		return outcome
	}
	job, err := e.jobs.NewJob(queue.EnqueueRequest{
		Kind:           domain.JobEngagement,
		Payload:        json.RawMessage(payload),
		Priority:       candidate.Priority,
		IdempotencyKey: EngagementKey(resultID, 1),
	})
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = err
		return outcome
	}
	job.ID = uuid.NewString()

	admission, err := e.admitter.AdmitURL(ctx, normalized, competitorID, platformID, dedup.WithStaging(staged, job))
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = err
		e.logger.Error().Err(err).Str("normalized_url", normalized).Msg("url admission failed")
		return outcome
	}
	if admission.Outcome == dedup.Duplicate {
		outcome.Status = StatusDuplicate
		return outcome
	}

	outcome.Status = StatusAdmitted
	outcome.ResultID = resultID
	outcome.JobID = job.ID
	return outcome
}

// EngagementKey is the idempotency key of the n-th enrichment of a result.
func EngagementKey(resultID string, n int) string {
	return fmt.Sprintf("engage:%s:%d", resultID, n)
}

func cleanKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		key := strings.ToLower(k)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	return out
}

// providerFault keeps a provider's own classification and treats anything
// unclassified as transient.
func providerFault(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if fault.KindOf(err) != fault.KindUnknown {
		return wrapped
	}
	return fault.Wrap(fault.KindTransient, wrapped)
}
