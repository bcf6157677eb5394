package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"horse.fit/trawl/internal/cli"
	"horse.fit/trawl/internal/httpapi"
	"horse.fit/trawl/internal/logging"
	"horse.fit/trawl/internal/orchestrator"
)

const laneGaugeInterval = 15 * time.Second

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	addr := fs.String("addr", "", "Listen address (defaults to HTTP_ADDR)")
	noWorkers := fs.Bool("no-workers", false, "Serve the API and scheduler without local workers")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	return runDaemon(envLoader, !*noWorkers, func(rt *runtime) orchestrator.Runner {
		listen := *addr
		if listen == "" {
			listen = rt.cfg.HTTPAddr
		}
		srv := httpapi.NewServer(rt.service, rt.orchestrator, logging.Component(rt.logger, "http"), httpapi.Options{
			Addr:            listen,
			AllowOrigins:    rt.cfg.CORSAllowedOriginsList(),
			ReadTimeout:     *readTimeout,
			WriteTimeout:    *writeTimeout,
			ShutdownTimeout: *shutdownTimeout,
			Health:          rt.store,
			Metrics:         promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
		})
		return runnerFunc(srv.Start)
	})
}

func runWork(args []string) int {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "work does not accept positional arguments")
		return 2
	}

	return runDaemon(envLoader, true, nil)
}

// runDaemon runs the orchestrator loops until SIGINT or SIGTERM, together
// with the worker pool and whatever extra runner build returns.
func runDaemon(envLoader *cli.EnvLoader, withWorkers bool, build func(rt *runtime) orchestrator.Runner) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	rt, err := openRuntime(connectCtx, envLoader)
	connectCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()

	runners := []orchestrator.Runner{laneGauges{
		service:  rt.service,
		metrics:  rt.metrics,
		interval: laneGaugeInterval,
		logger:   rt.logger,
	}}
	if withWorkers {
		pool, err := rt.workerPool()
		if err != nil {
			rt.logger.Error().Err(err).Msg("worker pool setup failed")
			fmt.Fprintf(os.Stderr, "Failed to start workers: %v\n", err)
			return 1
		}
		runners = append(runners, pool)
	}
	if build != nil {
		runners = append(runners, build(rt))
	}

	rt.logger.Info().
		Str("backend", rt.cfg.StoreBackend).
		Bool("workers", withWorkers).
		Int("discovery_workers", rt.cfg.DiscoveryWorkers).
		Int("engagement_workers", rt.cfg.EngagementWorkers).
		Msg("trawl started")

	if err := rt.orchestrator.Run(ctx, runners...); err != nil {
		rt.logger.Error().Err(err).Msg("trawl stopped with error")
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}
	rt.logger.Info().Msg("trawl stopped")
	return 0
}
