// Package domain holds the records shared by the discovery, deduplication,
// engagement and queue layers. Persistence packages map these to storage.
package domain

import (
	"encoding/json"
	"time"
)

type SourceType string

const (
	SourceKeywordSearch SourceType = "keyword-search"
	SourceMonitor       SourceType = "source-monitor"
	SourceManual        SourceType = "manual"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceKeywordSearch, SourceMonitor, SourceManual:
		return true
	default:
		return false
	}
}

// CandidateURL is one URL produced by discovery. It is immutable once staged.
type CandidateURL struct {
	RawURL        string     `json:"raw_url"`
	NormalizedURL string     `json:"normalized_url"`
	SourceType    SourceType `json:"source_type"`
	CompetitorID  int64      `json:"competitor_id"`
	PlatformID    int64      `json:"platform_id"`
	Priority      float64    `json:"priority"`
	DiscoveredAt  time.Time  `json:"discovered_at"`
}

type ContentState string

const (
	ContentNone      ContentState = "none"
	ContentCanonical ContentState = "canonical"
	ContentMember    ContentState = "member"
	ContentRejected  ContentState = "rejected"
)

// DedupKey is the dedup cache entry for one normalized URL.
type DedupKey struct {
	NormalizedURL   string       `json:"normalized_url"`
	CompetitorID    int64        `json:"competitor_id"`
	PlatformID      int64        `json:"platform_id"`
	FirstSeenAt     time.Time    `json:"first_seen_at"`
	OccurrenceCount int64        `json:"occurrence_count"`
	ContentState    ContentState `json:"content_state"`
	CanonicalURL    string       `json:"canonical_url,omitempty"`
	Fingerprint     *Fingerprint `json:"fingerprint,omitempty"`
	ContentAt       *time.Time   `json:"content_at,omitempty"`
	RejectReason    string       `json:"reject_reason,omitempty"`
}

// HasContent reports whether content-level dedup already ran for the key.
func (k DedupKey) HasContent() bool {
	return k.ContentState != "" && k.ContentState != ContentNone
}

// Fingerprint is the similarity signature of fetched content.
type Fingerprint struct {
	ContentHash string  `json:"content_hash"`
	TextSimhash uint64  `json:"text_simhash"`
	HasSimhash  bool    `json:"has_simhash"`
	MediaHash   *uint64 `json:"media_hash,omitempty"`
	MetaKey     string  `json:"meta_key,omitempty"`
	TextSample  string  `json:"text_sample,omitempty"`
	Language    string  `json:"language,omitempty"`
}

type StagedState string

const (
	StagedPending   StagedState = "pending"
	StagedEnriching StagedState = "enriching"
	StagedEnriched  StagedState = "enriched"
	StagedGone      StagedState = "gone"
	StagedFailed    StagedState = "failed"
	StagedRejected  StagedState = "rejected"
)

// Archived states are kept for inspection until retention cleanup.
func (s StagedState) Archived() bool {
	switch s {
	case StagedEnriched, StagedGone, StagedFailed, StagedRejected:
		return true
	default:
		return false
	}
}

// StagedResult is a candidate that passed URL-level dedup.
type StagedResult struct {
	ResultID      string       `json:"result_id"`
	Candidate     CandidateURL `json:"candidate"`
	State         StagedState  `json:"state"`
	SnapshotCount int          `json:"snapshot_count"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Metrics holds engagement counters. A nil field means the platform did not
// report that counter.
type Metrics struct {
	Views    *int64 `json:"views"`
	Likes    *int64 `json:"likes"`
	Shares   *int64 `json:"shares"`
	Comments *int64 `json:"comments"`
}

type EngagementSnapshot struct {
	ResultID   string    `json:"result_id"`
	Seq        int       `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
	Metrics    Metrics   `json:"metrics"`
}

// FinalResult is an enriched staged result. Cluster members point at the
// canonical URL of the cluster they belong to.
type FinalResult struct {
	ResultID        string     `json:"result_id"`
	NormalizedURL   string     `json:"normalized_url"`
	CompetitorID    int64      `json:"competitor_id"`
	PlatformID      int64      `json:"platform_id"`
	SourceType      SourceType `json:"source_type"`
	Title           string     `json:"title"`
	Author          string     `json:"author,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	Language        string     `json:"language,omitempty"`
	Hashtags        []string   `json:"hashtags,omitempty"`
	Mentions        []string   `json:"mentions,omitempty"`
	Metrics         Metrics    `json:"metrics"`
	EngagementRate  float64    `json:"engagement_rate"`
	ViralScore      float64    `json:"viral_score"`
	ImportanceScore float64    `json:"importance_score"`
	MediaURLs       []string   `json:"media_urls,omitempty"`
	SnapshotCount   int        `json:"snapshot_count"`
	CanonicalURL    string     `json:"canonical_url"`
	ClusterMember   bool       `json:"cluster_member"`
	Similarity      float64    `json:"similarity,omitempty"`
	FirstCapturedAt time.Time  `json:"first_captured_at"`
	LastCapturedAt  time.Time  `json:"last_captured_at"`
}

// ResultFilter narrows ListFinalResults. Zero values mean "any".
type ResultFilter struct {
	CompetitorID   int64
	PlatformID     int64
	CanonicalURL   string
	IncludeMembers bool
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

type JobKind string

const (
	JobDiscovery  JobKind = "discovery"
	JobEngagement JobKind = "engagement"
)

func (k JobKind) Valid() bool {
	return k == JobDiscovery || k == JobEngagement
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobDead      JobState = "dead"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobDead || s == JobCancelled
}

// Job is one unit of work in a lane. Lane equals Kind.
type Job struct {
	ID              string          `json:"job_id"`
	Kind            JobKind         `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	State           JobState        `json:"state"`
	Priority        float64         `json:"priority"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	AvailableAt     time.Time       `json:"available_at"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	LeaseOwner      string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// CanRetry reports whether another attempt is allowed after the current one.
func (j Job) CanRetry() bool {
	return !j.CancelRequested && j.AttemptCount < j.MaxAttempts
}

// JobFilter narrows job listings. Zero values mean "any".
type JobFilter struct {
	Kind  JobKind
	State JobState
	Limit int
}

type TaskKind string

const (
	TaskKeywordSearch TaskKind = "keyword-search"
	TaskSourceMonitor TaskKind = "source-monitor"
	TaskManualBatch   TaskKind = "manual-batch"
)

// Schedule is one row of the persisted schedule table. Exactly one of
// CronExpr or IntervalSeconds drives NextRunAt.
type Schedule struct {
	ID              string          `json:"schedule_id"`
	Name            string          `json:"name"`
	TaskKind        TaskKind        `json:"task_kind"`
	Payload         json.RawMessage `json:"payload"`
	CronExpr        string          `json:"cron_expr,omitempty"`
	IntervalSeconds int64           `json:"interval_seconds,omitempty"`
	Priority        float64         `json:"priority"`
	Enabled         bool            `json:"enabled"`
	NextRunAt       time.Time       `json:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DedupStats summarizes the dedup cache.
type DedupStats struct {
	Keys            int64 `json:"keys"`
	Occurrences     int64 `json:"occurrences"`
	DuplicateHits   int64 `json:"duplicate_hits"`
	Canonical       int64 `json:"canonical"`
	ClusterMembers  int64 `json:"cluster_members"`
	Rejected        int64 `json:"rejected"`
	AwaitingContent int64 `json:"awaiting_content"`
}

// LaneCount is the number of jobs per kind and state.
type LaneCount struct {
	Kind  JobKind  `json:"kind"`
	State JobState `json:"state"`
	Count int64    `json:"count"`
}

// Staging is persisted atomically with a URL admission so an admitted URL
// always has its staged result and engagement job.
type Staging struct {
	Result StagedResult
	Job    Job
}

type ContentOutcome string

const (
	ContentAdmitted        ContentOutcome = "admitted"
	ContentMerged          ContentOutcome = "merged"
	ContentRejectedOutcome ContentOutcome = "rejected"
)

// ContentDecision is the result of content-level dedup for one key.
// CanonicalURL is the key itself when Outcome is admitted. Reparent lists
// canonical keys whose clusters move under CanonicalURL.
type ContentDecision struct {
	Outcome      ContentOutcome `json:"outcome"`
	CanonicalURL string         `json:"canonical_url,omitempty"`
	Signal       string         `json:"signal,omitempty"`
	Similarity   float64        `json:"similarity,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Reparent     []string       `json:"reparent,omitempty"`
}

// ContentDecider picks a decision for self given the live canonical keys it
// may collide with. It must not block.
type ContentDecider func(self DedupKey, candidates []DedupKey) ContentDecision

// StoredDecision rebuilds the decision already recorded on a key.
func (k DedupKey) StoredDecision() ContentDecision {
	switch k.ContentState {
	case ContentMember:
		return ContentDecision{Outcome: ContentMerged, CanonicalURL: k.CanonicalURL}
	case ContentRejected:
		return ContentDecision{Outcome: ContentRejectedOutcome, Reason: k.RejectReason}
	default:
		return ContentDecision{Outcome: ContentAdmitted, CanonicalURL: k.NormalizedURL}
	}
}
