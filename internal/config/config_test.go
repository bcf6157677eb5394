package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithBadgerBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Badger")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != BackendBadger {
		t.Fatalf("expected normalized backend, got %q", cfg.StoreBackend)
	}
	if cfg.DedupTextThreshold != 0.85 || cfg.DedupSimhashDistance != 3 || cfg.DedupMediaDistance != 6 {
		t.Fatalf("unexpected dedup defaults: %+v", cfg)
	}
	if cfg.DedupLookback != 90*24*time.Hour {
		t.Fatalf("unexpected lookback %s", cfg.DedupLookback)
	}
	if cfg.Retention() != 30*24*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.Retention())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			StoreBackend:         BackendPostgres,
			DatabaseURL:          "postgres://localhost/trawl",
			DBMinConns:           1,
			DBMaxConns:           4,
			HTTPAddr:             ":8090",
			DiscoveryWorkers:     1,
			EngagementWorkers:    1,
			MaxAttempts:          3,
			LeaseDuration:        time.Minute,
			BackoffBase:          time.Second,
			BackoffMax:           time.Minute,
			BackoffMultiplier:    2,
			DedupSimhashDistance: 3,
			DedupMediaDistance:   6,
			DedupTextThreshold:   0.85,
			DedupLookback:        time.Hour,
			FetchTimeout:         time.Second,
			MaxSnapshots:         1,
			TickInterval:         time.Second,
			ReapInterval:         time.Second,
			CleanupInterval:      time.Second,
			RetentionDays:        1,
		}
	}
	valid := base()
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(*Config){
		"DATABASE_URL":           func(c *Config) { c.DatabaseURL = " " },
		"STORE_BACKEND":          func(c *Config) { c.StoreBackend = "sqlite" },
		"TRAWL_DB_MIN_CONNS":     func(c *Config) { c.DBMinConns = 9 },
		"DEDUP_TEXT_THRESHOLD":   func(c *Config) { c.DedupTextThreshold = 1.5 },
		"JOB_BACKOFF_BASE":       func(c *Config) { c.BackoffMax = time.Millisecond },
		"JOB_BACKOFF_JITTER":     func(c *Config) { c.BackoffJitter = 2 },
		"ENGAGEMENT_REFRESH":     func(c *Config) { c.MaxSnapshots = 3 },
		"DEDUP_SIMHASH_DISTANCE": func(c *Config) { c.DedupSimhashDistance = 65 },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !strings.Contains(err.Error(), strings.SplitN(name, "_", 2)[0]) {
			t.Fatalf("%s: unexpected message %q", name, err)
		}
	}
}

func TestCORSAllowedOriginsList(t *testing.T) {
	t.Parallel()

	cfg := &Config{CORSAllowedOrigins: " https://a.example , ,https://b.example,https://a.example"}
	got := strings.Join(cfg.CORSAllowedOriginsList(), "|")
	if got != "https://a.example|https://b.example" {
		t.Fatalf("unexpected origins %q", got)
	}
}
