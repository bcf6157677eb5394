package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"postgres"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	DBMinConns   int32  `envconfig:"TRAWL_DB_MIN_CONNS" default:"1"`
	DBMaxConns   int32  `envconfig:"TRAWL_DB_MAX_CONNS" default:"8"`
	BadgerDir    string `envconfig:"BADGER_DIR" default:"./data/trawl"`

	HTTPAddr           string `envconfig:"HTTP_ADDR" default:":8090"`
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
	URLRulesFile       string `envconfig:"URL_RULES_FILE" default:""`

	DiscoveryWorkers  int           `envconfig:"DISCOVERY_WORKERS" default:"2"`
	EngagementWorkers int           `envconfig:"ENGAGEMENT_WORKERS" default:"4"`
	EngagementRate    float64       `envconfig:"ENGAGEMENT_RATE_PER_SECOND" default:"2"`
	MaxAttempts       int           `envconfig:"JOB_MAX_ATTEMPTS" default:"5"`
	LeaseDuration     time.Duration `envconfig:"JOB_LEASE" default:"2m"`
	BackoffBase       time.Duration `envconfig:"JOB_BACKOFF_BASE" default:"5s"`
	BackoffMax        time.Duration `envconfig:"JOB_BACKOFF_MAX" default:"15m"`
	BackoffMultiplier float64       `envconfig:"JOB_BACKOFF_MULTIPLIER" default:"2"`
	BackoffJitter     float64       `envconfig:"JOB_BACKOFF_JITTER" default:"0.2"`
	ShutdownGrace     time.Duration `envconfig:"SHUTDOWN_GRACE" default:"30s"`

	DedupSimhashDistance  int           `envconfig:"DEDUP_SIMHASH_DISTANCE" default:"3"`
	DedupTextThreshold    float64       `envconfig:"DEDUP_TEXT_THRESHOLD" default:"0.85"`
	DedupMediaDistance    int           `envconfig:"DEDUP_MEDIA_DISTANCE" default:"6"`
	DedupMatchMetadata    bool          `envconfig:"DEDUP_MATCH_METADATA" default:"true"`
	DedupRejectCrossOwner bool          `envconfig:"DEDUP_REJECT_CROSS_COMPETITOR" default:"false"`
	DedupLookback         time.Duration `envconfig:"DEDUP_LOOKBACK" default:"2160h"`

	FetchTimeout    time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	MediaHashing    bool          `envconfig:"MEDIA_HASHING" default:"false"`
	MaxSnapshots    int           `envconfig:"ENGAGEMENT_MAX_SNAPSHOTS" default:"4"`
	RefreshInterval time.Duration `envconfig:"ENGAGEMENT_REFRESH_INTERVAL" default:"6h"`

	SearchEndpoint string  `envconfig:"SEARCH_ENDPOINT" default:""`
	SearchAPIKey   string  `envconfig:"SEARCH_API_KEY" default:""`
	SearchRate     float64 `envconfig:"SEARCH_RATE_PER_SECOND" default:"1"`

	TickInterval    time.Duration `envconfig:"SCHEDULE_TICK" default:"15s"`
	ReapInterval    time.Duration `envconfig:"LEASE_REAP_INTERVAL" default:"30s"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	RetentionDays   int           `envconfig:"RETENTION_DAYS" default:"30"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case BackendBadger:
		if strings.TrimSpace(c.BadgerDir) == "" {
			return fmt.Errorf("BADGER_DIR is required when STORE_BACKEND=badger")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendBadger, c.StoreBackend)
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("TRAWL_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("TRAWL_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("TRAWL_DB_MIN_CONNS (%d) cannot exceed TRAWL_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}

	if c.DiscoveryWorkers < 1 || c.EngagementWorkers < 1 {
		return fmt.Errorf("DISCOVERY_WORKERS and ENGAGEMENT_WORKERS must be >= 1")
	}
	if c.EngagementRate < 0 {
		return fmt.Errorf("ENGAGEMENT_RATE_PER_SECOND must be >= 0")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 1")
	}
	if c.LeaseDuration < time.Second {
		return fmt.Errorf("JOB_LEASE must be at least 1s")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("JOB_BACKOFF_BASE must be positive and not exceed JOB_BACKOFF_MAX")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("JOB_BACKOFF_MULTIPLIER must be >= 1")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("JOB_BACKOFF_JITTER must be within [0,1]")
	}

	if c.DedupSimhashDistance < 0 || c.DedupSimhashDistance > 64 {
		return fmt.Errorf("DEDUP_SIMHASH_DISTANCE must be within [0,64]")
	}
	if c.DedupMediaDistance < 0 || c.DedupMediaDistance > 64 {
		return fmt.Errorf("DEDUP_MEDIA_DISTANCE must be within [0,64]")
	}
	if c.DedupTextThreshold <= 0 || c.DedupTextThreshold > 1 {
		return fmt.Errorf("DEDUP_TEXT_THRESHOLD must be within (0,1]")
	}
	if c.DedupLookback <= 0 {
		return fmt.Errorf("DEDUP_LOOKBACK must be positive")
	}

	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.MaxSnapshots < 1 {
		return fmt.Errorf("ENGAGEMENT_MAX_SNAPSHOTS must be >= 1")
	}
	if c.MaxSnapshots > 1 && c.RefreshInterval <= 0 {
		return fmt.Errorf("ENGAGEMENT_REFRESH_INTERVAL must be positive when more than one snapshot is kept")
	}
	if c.SearchRate < 0 {
		return fmt.Errorf("SEARCH_RATE_PER_SECOND must be >= 0")
	}

	if c.TickInterval <= 0 || c.ReapInterval <= 0 || c.CleanupInterval <= 0 {
		return fmt.Errorf("SCHEDULE_TICK, LEASE_REAP_INTERVAL and CLEANUP_INTERVAL must be positive")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be >= 1")
	}
	return nil
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
