package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/cli"
	"horse.fit/trawl/internal/config"
	"horse.fit/trawl/internal/db"
	"horse.fit/trawl/internal/dedup"
	"horse.fit/trawl/internal/discovery"
	"horse.fit/trawl/internal/engagement"
	"horse.fit/trawl/internal/fetch"
	"horse.fit/trawl/internal/fingerprint"
	"horse.fit/trawl/internal/kv"
	"horse.fit/trawl/internal/logging"
	"horse.fit/trawl/internal/metrics"
	"horse.fit/trawl/internal/orchestrator"
	"horse.fit/trawl/internal/pipeline"
	"horse.fit/trawl/internal/queue"
	"horse.fit/trawl/internal/urlnorm"
)

// store is everything the pipeline persists. Both the Postgres pool and the
// embedded Badger store satisfy it.
type store interface {
	dedup.Cache
	queue.Store
	engagement.Store
	pipeline.ResultStore
	orchestrator.ScheduleStore
	orchestrator.Archive
	Ping(ctx context.Context) error
	Close() error
}

// runtime is the fully wired pipeline for one process.
type runtime struct {
	cfg          *config.Config
	logger       zerolog.Logger
	store        store
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	queue        *queue.Queue
	service      *pipeline.Service
	orchestrator *orchestrator.Orchestrator
}

func loadConfig(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store, error) {
	switch cfg.StoreBackend {
	case config.BackendBadger:
		s, err := kv.Open(kv.Options{Dir: cfg.BadgerDir, Logger: logging.Component(logger, "kv")})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil
	default:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return pool, nil
	}
}

func openRuntime(ctx context.Context, envLoader *cli.EnvLoader) (*runtime, error) {
	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.StoreBackend).Msg("store unavailable")
		return nil, err
	}

	rt, err := wire(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return rt, nil
}

func wire(cfg *config.Config, st store, logger zerolog.Logger) (*runtime, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	rules, err := urlnorm.LoadRules(cfg.URLRulesFile)
	if err != nil {
		return nil, err
	}
	normalizer, err := urlnorm.New(rules)
	if err != nil {
		return nil, fmt.Errorf("build url normalizer: %w", err)
	}

	gate := dedup.NewEngine(st, dedup.Policy{
		SimhashMaxDistance:    cfg.DedupSimhashDistance,
		TextThreshold:         cfg.DedupTextThreshold,
		MediaMaxDistance:      cfg.DedupMediaDistance,
		MatchMetadata:         cfg.DedupMatchMetadata,
		RejectCrossCompetitor: cfg.DedupRejectCrossOwner,
		Lookback:              cfg.DedupLookback,
	}, logging.Component(logger, "dedup"), dedup.WithObserver(m))

	q := queue.New(st, queue.Options{
		MaxAttempts:   cfg.MaxAttempts,
		LeaseDuration: cfg.LeaseDuration,
		Backoff: queue.Backoff{
			Base:       cfg.BackoffBase,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiplier,
			Jitter:     cfg.BackoffJitter,
		},
		Observer: m,
	}, logging.Component(logger, "queue"))

	discOpts := discovery.Options{
		Sources: fetch.NewLinkPoller(fetch.LinkOptions{Timeout: cfg.FetchTimeout}),
	}
	if strings.TrimSpace(cfg.SearchEndpoint) != "" {
		search, err := fetch.NewSearchClient(fetch.SearchOptions{
			Endpoint:      cfg.SearchEndpoint,
			APIKey:        cfg.SearchAPIKey,
			Timeout:       cfg.FetchTimeout,
			RatePerSecond: cfg.SearchRate,
		})
		if err != nil {
			return nil, fmt.Errorf("build search client: %w", err)
		}
		discOpts.Search = search
	}
	disc, err := discovery.NewEngine(normalizer, gate, q, discOpts, logging.Component(logger, "discovery"))
	if err != nil {
		return nil, err
	}

	fetcher := fetch.NewChain(logging.Component(logger, "fetch"), fetch.NewHTTPStrategy(fetch.HTTPOptions{
		Timeout:      cfg.FetchTimeout,
		MediaHashing: cfg.MediaHashing,
	}))
	enr, err := engagement.NewEngine(st, fetcher, gate, engagement.Options{
		FetchTimeout:    cfg.FetchTimeout,
		MaxSnapshots:    cfg.MaxSnapshots,
		RefreshInterval: cfg.RefreshInterval,
		Fingerprinter:   fingerprint.New(fingerprint.Options{DetectLanguage: fingerprint.LinguaDetector(fingerprint.DefaultLanguages...)}),
		Scheduler:       q,
	}, logging.Component(logger, "engagement"))
	if err != nil {
		return nil, err
	}

	service, err := pipeline.NewService(disc, enr, q, st, gate, logging.Component(logger, "pipeline"))
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(st, q, orchestrator.Options{
		TickInterval:    cfg.TickInterval,
		ReapInterval:    cfg.ReapInterval,
		CleanupInterval: cfg.CleanupInterval,
		Retention:       cfg.Retention(),
		Archive:         st,
		Observer:        m,
	}, logging.Component(logger, "orchestrator"))
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		registry:     registry,
		metrics:      m,
		queue:        q,
		service:      service,
		orchestrator: orch,
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn().Err(err).Msg("close store failed")
	}
}

// workerPool binds the pipeline lanes to a queue worker pool.
func (rt *runtime) workerPool() (*queue.Pool, error) {
	owner, _ := os.Hostname()
	if owner == "" {
		owner = "trawl"
	}
	lanes := rt.service.Lanes(rt.cfg.DiscoveryWorkers, rt.cfg.EngagementWorkers, rt.cfg.EngagementRate)
	return queue.NewPool(rt.queue, lanes, queue.PoolOptions{
		Owner:         fmt.Sprintf("%s-%d", owner, os.Getpid()),
		ShutdownGrace: rt.cfg.ShutdownGrace,
	}, logging.Component(rt.logger, "worker"))
}

// laneGauges refreshes the per-lane depth gauges on an interval.
type laneGauges struct {
	service  *pipeline.Service
	metrics  *metrics.Metrics
	interval time.Duration
	logger   zerolog.Logger
}

func (g laneGauges) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		counts, err := g.service.LaneCounts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.Warn().Err(err).Msg("lane count refresh failed")
		} else {
			g.metrics.RecordLaneCounts(counts)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
