package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/trawl/internal/cli"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	timeout := fs.Duration("timeout", 5*time.Second, "Store ping timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	logger.Info().
		Str("backend", cfg.StoreBackend).
		Dur("timeout", *timeout).
		Msg("store health check passed")
	fmt.Fprintf(stdout, "ok: %s store reachable\n", cfg.StoreBackend)
	return 0
}

func runCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	return withRuntime(*timeout, envLoader, func(ctx context.Context, rt *runtime) int {
		released, err := rt.orchestrator.Reap(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to release expired leases: %v\n", err)
			return 1
		}
		report, err := rt.orchestrator.Cleanup(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "cleanup released=%d purged_jobs=%d purged_results=%d\n", released, report.Jobs, report.Results)
		return 0
	})
}
