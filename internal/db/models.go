package db

import (
	"encoding/json"
	"time"
)

// DedupKeyRow maps trawl.dedup_keys.
type DedupKeyRow struct {
	NormalizedURL   string          `gorm:"column:normalized_url;type:text;primaryKey"`
	CompetitorID    int64           `gorm:"column:competitor_id;type:bigint;not null;default:0"`
	PlatformID      int64           `gorm:"column:platform_id;type:bigint;not null;default:0"`
	FirstSeenAt     time.Time       `gorm:"column:first_seen_at;type:timestamptz;not null"`
	OccurrenceCount int64           `gorm:"column:occurrence_count;type:bigint;not null;default:1"`
	ContentState    string          `gorm:"column:content_state;type:text;not null;default:none"`
	CanonicalURL    *string         `gorm:"column:canonical_url;type:text"`
	Fingerprint     json.RawMessage `gorm:"column:fingerprint;type:jsonb"`
	ContentAt       *time.Time      `gorm:"column:content_at;type:timestamptz"`
	RejectReason    *string         `gorm:"column:reject_reason;type:text"`
}

func (DedupKeyRow) TableName() string { return "trawl.dedup_keys" }

// StagedResultRow maps trawl.staged_results.
type StagedResultRow struct {
	ResultID      string    `gorm:"column:result_id;type:text;primaryKey"`
	RawURL        string    `gorm:"column:raw_url;type:text;not null"`
	NormalizedURL string    `gorm:"column:normalized_url;type:text;not null"`
	SourceType    string    `gorm:"column:source_type;type:text;not null"`
	CompetitorID  int64     `gorm:"column:competitor_id;type:bigint;not null;default:0"`
	PlatformID    int64     `gorm:"column:platform_id;type:bigint;not null;default:0"`
	Priority      float64   `gorm:"column:priority;type:double precision;not null;default:1"`
	DiscoveredAt  time.Time `gorm:"column:discovered_at;type:timestamptz;not null"`
	State         string    `gorm:"column:state;type:text;not null;default:pending"`
	SnapshotCount int       `gorm:"column:snapshot_count;type:integer;not null;default:0"`
	LastError     *string   `gorm:"column:last_error;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at;type:timestamptz;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;type:timestamptz;not null"`
}

func (StagedResultRow) TableName() string { return "trawl.staged_results" }

// SnapshotRow maps trawl.engagement_snapshots.
type SnapshotRow struct {
	ResultID   string    `gorm:"column:result_id;type:text;primaryKey"`
	Seq        int       `gorm:"column:seq;type:integer;primaryKey"`
	CapturedAt time.Time `gorm:"column:captured_at;type:timestamptz;not null"`
	Views      *int64    `gorm:"column:views;type:bigint"`
	Likes      *int64    `gorm:"column:likes;type:bigint"`
	Shares     *int64    `gorm:"column:shares;type:bigint"`
	Comments   *int64    `gorm:"column:comments;type:bigint"`
}

func (SnapshotRow) TableName() string { return "trawl.engagement_snapshots" }

// FinalResultRow maps trawl.final_results.
type FinalResultRow struct {
	ResultID        string          `gorm:"column:result_id;type:text;primaryKey"`
	NormalizedURL   string          `gorm:"column:normalized_url;type:text;not null"`
	CompetitorID    int64           `gorm:"column:competitor_id;type:bigint;not null;default:0"`
	PlatformID      int64           `gorm:"column:platform_id;type:bigint;not null;default:0"`
	SourceType      string          `gorm:"column:source_type;type:text;not null"`
	Title           string          `gorm:"column:title;type:text;not null;default:''"`
	Author          *string         `gorm:"column:author;type:text"`
	PublishedAt     *time.Time      `gorm:"column:published_at;type:timestamptz"`
	Language        *string         `gorm:"column:language;type:text"`
	Hashtags        json.RawMessage `gorm:"column:hashtags;type:jsonb;not null;default:'[]'"`
	Mentions        json.RawMessage `gorm:"column:mentions;type:jsonb;not null;default:'[]'"`
	Views           *int64          `gorm:"column:views;type:bigint"`
	Likes           *int64          `gorm:"column:likes;type:bigint"`
	Shares          *int64          `gorm:"column:shares;type:bigint"`
	Comments        *int64          `gorm:"column:comments;type:bigint"`
	EngagementRate  float64         `gorm:"column:engagement_rate;type:double precision;not null;default:0"`
	ViralScore      float64         `gorm:"column:viral_score;type:double precision;not null;default:0"`
	ImportanceScore float64         `gorm:"column:importance_score;type:double precision;not null;default:0"`
	MediaURLs       json.RawMessage `gorm:"column:media_urls;type:jsonb;not null;default:'[]'"`
	SnapshotCount   int             `gorm:"column:snapshot_count;type:integer;not null;default:0"`
	CanonicalURL    string          `gorm:"column:canonical_url;type:text;not null"`
	ClusterMember   bool            `gorm:"column:cluster_member;type:boolean;not null;default:false"`
	Similarity      float64         `gorm:"column:similarity;type:double precision;not null;default:0"`
	FirstCapturedAt time.Time       `gorm:"column:first_captured_at;type:timestamptz;not null"`
	LastCapturedAt  time.Time       `gorm:"column:last_captured_at;type:timestamptz;not null"`
}

func (FinalResultRow) TableName() string { return "trawl.final_results" }

// JobRow maps trawl.jobs.
type JobRow struct {
	JobID           string          `gorm:"column:job_id;type:text;primaryKey"`
	Kind            string          `gorm:"column:kind;type:text;not null"`
	Payload         json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	State           string          `gorm:"column:state;type:text;not null;default:pending"`
	Priority        float64         `gorm:"column:priority;type:double precision;not null;default:1"`
	AttemptCount    int             `gorm:"column:attempt_count;type:integer;not null;default:0"`
	MaxAttempts     int             `gorm:"column:max_attempts;type:integer;not null"`
	AvailableAt     time.Time       `gorm:"column:available_at;type:timestamptz;not null"`
	NextRetryAt     *time.Time      `gorm:"column:next_retry_at;type:timestamptz"`
	LastError       *string         `gorm:"column:last_error;type:text"`
	LeaseOwner      *string         `gorm:"column:lease_owner;type:text"`
	LeaseExpiresAt  *time.Time      `gorm:"column:lease_expires_at;type:timestamptz"`
	CancelRequested bool            `gorm:"column:cancel_requested;type:boolean;not null;default:false"`
	IdempotencyKey  *string         `gorm:"column:idempotency_key;type:text;unique"`
	CreatedAt       time.Time       `gorm:"column:created_at;type:timestamptz;not null"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;type:timestamptz;not null"`
	FinishedAt      *time.Time      `gorm:"column:finished_at;type:timestamptz"`
}

func (JobRow) TableName() string { return "trawl.jobs" }

// ScheduleRow maps trawl.schedules.
type ScheduleRow struct {
	ScheduleID      string          `gorm:"column:schedule_id;type:text;primaryKey"`
	Name            string          `gorm:"column:name;type:text;not null;unique"`
	TaskKind        string          `gorm:"column:task_kind;type:text;not null"`
	Payload         json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	CronExpr        *string         `gorm:"column:cron_expr;type:text"`
	IntervalSeconds int64           `gorm:"column:interval_seconds;type:bigint;not null;default:0"`
	Priority        float64         `gorm:"column:priority;type:double precision;not null;default:1"`
	Enabled         bool            `gorm:"column:enabled;type:boolean;not null;default:true"`
	NextRunAt       time.Time       `gorm:"column:next_run_at;type:timestamptz;not null"`
	LastRunAt       *time.Time      `gorm:"column:last_run_at;type:timestamptz"`
	CreatedAt       time.Time       `gorm:"column:created_at;type:timestamptz;not null"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;type:timestamptz;not null"`
}

func (ScheduleRow) TableName() string { return "trawl.schedules" }

func autoMigrateModels() []any {
	return []any{
		&DedupKeyRow{},
		&StagedResultRow{},
		&SnapshotRow{},
		&FinalResultRow{},
		&JobRow{},
		&ScheduleRow{},
	}
}
