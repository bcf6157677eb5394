// Package pipeline exposes the pipeline to its callers and binds the
// discovery and engagement engines to their queue lanes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/discovery"
	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/engagement"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/queue"
	payloadschema "horse.fit/trawl/schema"
)

const (
	MaxManualBatch     = 500
	defaultResultLimit = 50
	maxResultLimit     = 500
)

// ResultStore is read access to staged and final results.
type ResultStore interface {
	GetStaged(ctx context.Context, resultID string) (domain.StagedResult, error)
	GetFinalResult(ctx context.Context, resultID string) (domain.FinalResult, error)
	ListFinalResults(ctx context.Context, filter domain.ResultFilter) ([]domain.FinalResult, error)
	ListSnapshots(ctx context.Context, resultID string) ([]domain.EngagementSnapshot, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (domain.DedupStats, error)
}

type Service struct {
	discovery  *discovery.Engine
	engagement *engagement.Engine
	queue      *queue.Queue
	results    ResultStore
	stats      StatsSource
	logger     zerolog.Logger
}

func NewService(disc *discovery.Engine, enr *engagement.Engine, q *queue.Queue, results ResultStore, stats StatsSource, logger zerolog.Logger) (*Service, error) {
	switch {
	case disc == nil:
		return nil, fmt.Errorf("discovery engine is required")
	case enr == nil:
		return nil, fmt.Errorf("engagement engine is required")
	case q == nil:
		return nil, fmt.Errorf("job queue is required")
	case results == nil:
		return nil, fmt.Errorf("result store is required")
	}
	return &Service{
		discovery:  disc,
		engagement: enr,
		queue:      q,
		results:    results,
		stats:      stats,
		logger:     logger,
	}, nil
}

type ManualSubmission struct {
	CompetitorID       int64    `json:"competitor_id"`
	PlatformID         int64    `json:"platform_id,omitempty"`
	URLs               []string `json:"urls"`
	PriorityMultiplier float64  `json:"priority_multiplier,omitempty"`
}

// URLVerdict is the per-URL answer to a manual submission.
type URLVerdict struct {
	URL           string `json:"url"`
	NormalizedURL string `json:"normalized_url,omitempty"`
	Accepted      bool   `json:"accepted"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	ResultID      string `json:"result_id,omitempty"`
	JobID         string `json:"job_id,omitempty"`
}

type SubmissionReport struct {
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Verdicts []URLVerdict `json:"verdicts"`
}

// SubmitManualURLs normalizes and admits urls in order and reports a verdict
// for each one. Bad or duplicate URLs never fail the batch. An error is
// returned only when admission itself is unavailable, in which case the
// verdicts cover the URLs processed so far.
func (s *Service) SubmitManualURLs(ctx context.Context, sub ManualSubmission) (SubmissionReport, error) {
	if len(sub.URLs) == 0 {
		return SubmissionReport{}, fault.Invalid("at least one url is required")
	}
	if len(sub.URLs) > MaxManualBatch {
		return SubmissionReport{}, fault.Invalid("at most %d urls per submission", MaxManualBatch)
	}
	if sub.CompetitorID <= 0 {
		return SubmissionReport{}, fault.Invalid("competitor_id must be positive")
	}

	report := SubmissionReport{Verdicts: make([]URLVerdict, 0, len(sub.URLs))}
	task := discovery.ManualBatch{
		CompetitorID:       sub.CompetitorID,
		PlatformID:         sub.PlatformID,
		URLs:               sub.URLs,
		PriorityMultiplier: sub.PriorityMultiplier,
	}
	var firstErr error
	for outcome := range s.discovery.Discover(ctx, task) {
		verdict := URLVerdict{
			URL:           outcome.Raw,
			NormalizedURL: outcome.Normalized,
			Status:        string(outcome.Status),
			ResultID:      outcome.ResultID,
			JobID:         outcome.JobID,
		}
		switch outcome.Status {
		case discovery.StatusAdmitted:
			verdict.Accepted = true
			report.Accepted++
		case discovery.StatusDuplicate:
			verdict.Reason = "already discovered"
			report.Rejected++
		default:
			if outcome.Err != nil {
				verdict.Reason = outcome.Err.Error()
			}
			report.Rejected++
			if outcome.Status == discovery.StatusFailed && firstErr == nil {
				firstErr = outcome.Err
			}
		}
		report.Verdicts = append(report.Verdicts, verdict)
	}

	s.logger.Info().
		Int64("competitor_id", sub.CompetitorID).
		Int("submitted", len(sub.URLs)).
		Int("accepted", report.Accepted).
		Int("rejected", report.Rejected).
		Msg("manual urls submitted")
	return report, firstErr
}

// GetJobStatus returns the job with its state, attempts and last error.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (domain.Job, error) {
	return s.queue.Get(ctx, jobID)
}

// ListFinalResults returns final results newest capture first. Cluster
// members are hidden unless requested or a canonical url is given.
func (s *Service) ListFinalResults(ctx context.Context, filter domain.ResultFilter) ([]domain.FinalResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultResultLimit
	}
	if filter.Limit > maxResultLimit {
		filter.Limit = maxResultLimit
	}
	if filter.Offset < 0 {
		return nil, fault.Invalid("offset must not be negative")
	}
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		return nil, fault.Invalid("until must not be before since")
	}
	filter.CanonicalURL = strings.TrimSpace(filter.CanonicalURL)

	results, err := s.results.ListFinalResults(ctx, filter)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvariantViolation, fmt.Errorf("list final results: %w", err))
	}
	return results, nil
}

// ResultDetail is a final result with its snapshot history, or the staged
// result when enrichment has not produced one.
type ResultDetail struct {
	Staged    domain.StagedResult         `json:"staged"`
	Final     *domain.FinalResult         `json:"final,omitempty"`
	Snapshots []domain.EngagementSnapshot `json:"snapshots"`
}

func (s *Service) GetResult(ctx context.Context, resultID string) (ResultDetail, error) {
	resultID = strings.TrimSpace(resultID)
	if resultID == "" {
		return ResultDetail{}, fault.Invalid("result id is required")
	}
	staged, err := s.results.GetStaged(ctx, resultID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ResultDetail{}, fmt.Errorf("result %s: %w", resultID, domain.ErrNotFound)
		}
		return ResultDetail{}, fault.Wrap(fault.KindInvariantViolation, err)
	}
	detail := ResultDetail{Staged: staged}

	final, err := s.results.GetFinalResult(ctx, resultID)
	switch {
	case err == nil:
		detail.Final = &final
	case !errors.Is(err, domain.ErrNotFound):
		return ResultDetail{}, fault.Wrap(fault.KindInvariantViolation, err)
	}

	snaps, err := s.results.ListSnapshots(ctx, resultID)
	if err != nil {
		return ResultDetail{}, fault.Wrap(fault.KindInvariantViolation, err)
	}
	detail.Snapshots = snaps
	return detail, nil
}

func (s *Service) CancelJob(ctx context.Context, jobID string) (domain.Job, error) {
	return s.queue.Cancel(ctx, jobID)
}

func (s *Service) RequeueJob(ctx context.Context, jobID string) (domain.Job, error) {
	return s.queue.Requeue(ctx, jobID)
}

func (s *Service) DeadLetters(ctx context.Context, kind domain.JobKind, limit int) ([]domain.Job, error) {
	if kind != "" && !kind.Valid() {
		return nil, fault.Invalid("unknown job kind %q", kind)
	}
	return s.queue.ListDead(ctx, kind, limit)
}

func (s *Service) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, fault.Invalid("unknown job kind %q", filter.Kind)
	}
	return s.queue.List(ctx, filter)
}

func (s *Service) LaneCounts(ctx context.Context) ([]domain.LaneCount, error) {
	return s.queue.Counts(ctx)
}

func (s *Service) DedupStats(ctx context.Context) (domain.DedupStats, error) {
	if s.stats == nil {
		return domain.DedupStats{}, fault.Violation("dedup statistics are not available")
	}
	return s.stats.Stats(ctx)
}

// Lanes binds the discovery and engagement handlers to their queue lanes.
func (s *Service) Lanes(discoveryWorkers, engagementWorkers int, engagementRate float64) []queue.Lane {
	return []queue.Lane{
		{Kind: domain.JobDiscovery, Concurrency: discoveryWorkers, Handler: s.HandleDiscovery},
		{Kind: domain.JobEngagement, Concurrency: engagementWorkers, RatePerSecond: engagementRate, Burst: engagementWorkers, Handler: s.HandleEngagement},
	}
}

// HandleDiscovery runs the task carried by a discovery job.
func (s *Service) HandleDiscovery(ctx context.Context, job domain.Job) error {
	task, scheduleID, err := discovery.DecodeTask(job.Payload)
	if err != nil {
		return err
	}
	report, err := s.discovery.Run(ctx, task)
	s.logger.Debug().
		Str("job_id", job.ID).
		Str("schedule_id", scheduleID).
		Int("admitted", report.Admitted).
		Int("duplicates", report.Duplicates).
		Msg("discovery job processed")
	return err
}

// HandleEngagement enriches the staged result named by an engagement job.
func (s *Service) HandleEngagement(ctx context.Context, job domain.Job) error {
	payload, err := payloadschema.ValidateEngagementJob(job.Payload)
	if err != nil {
		return fault.Wrap(fault.KindInvalidInput, fmt.Errorf("engagement payload: %w", err))
	}
	_, err = s.engagement.Enrich(ctx, payload.ResultID)
	return err
}
