package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"horse.fit/trawl/internal/cli"
	"horse.fit/trawl/internal/discovery"
	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/orchestrator"
)

type taskFlags struct {
	kind         string
	competitorID int64
	platformID   int64
	keywords     string
	limit        int
	sourceURL    string
	linkPattern  string
	multiplier   float64
	taskFile     string
}

// task builds the discovery task from a payload file when given, otherwise
// from the individual flags.
func (f taskFlags) task() (discovery.Task, error) {
	if path := strings.TrimSpace(f.taskFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read task file: %w", err)
		}
		task, _, err := discovery.DecodeTask(json.RawMessage(raw))
		return task, err
	}

	switch domain.TaskKind(strings.TrimSpace(f.kind)) {
	case domain.TaskKeywordSearch:
		return discovery.KeywordSearch{
			CompetitorID:       f.competitorID,
			PlatformID:         f.platformID,
			Keywords:           splitList(f.keywords),
			Limit:              f.limit,
			PriorityMultiplier: f.multiplier,
		}, nil
	case domain.TaskSourceMonitor:
		return discovery.SourceMonitor{
			Source: discovery.Source{
				URL:          strings.TrimSpace(f.sourceURL),
				CompetitorID: f.competitorID,
				PlatformID:   f.platformID,
				LinkPattern:  strings.TrimSpace(f.linkPattern),
			},
			PriorityMultiplier: f.multiplier,
		}, nil
	default:
		return nil, fmt.Errorf("--kind must be %s or %s", domain.TaskKeywordSearch, domain.TaskSourceMonitor)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func runScheduleAdd(args []string) int {
	fs := flag.NewFlagSet("schedule-add", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	var tf taskFlags
	name := fs.String("name", "", "Schedule name (replaces an existing schedule with the same name)")
	fs.StringVar(&tf.kind, "kind", string(domain.TaskKeywordSearch), "Task kind: keyword-search or source-monitor")
	fs.Int64Var(&tf.competitorID, "competitor", 0, "Competitor id")
	fs.Int64Var(&tf.platformID, "platform", 0, "Platform id")
	fs.StringVar(&tf.keywords, "keywords", "", "Comma-separated keywords for keyword-search")
	fs.IntVar(&tf.limit, "limit", 0, "Result limit for keyword-search")
	fs.StringVar(&tf.sourceURL, "source", "", "Source page URL for source-monitor")
	fs.StringVar(&tf.linkPattern, "link-pattern", "", "Regexp discovered links must match")
	fs.Float64Var(&tf.multiplier, "multiplier", 0, "Priority multiplier for admitted URLs")
	fs.StringVar(&tf.taskFile, "task-file", "", "Read the task from a discovery job JSON file instead of flags")
	cronExpr := fs.String("cron", "", "Cron expression")
	every := fs.Duration("every", 0, "Fixed interval (alternative to --cron)")
	priority := fs.Float64("priority", 1, "Priority of the enqueued discovery jobs")
	disabled := fs.Bool("disabled", false, "Create the schedule disabled")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "schedule-add does not accept positional arguments")
		return 2
	}
	if *every < 0 || *every%time.Second != 0 {
		fmt.Fprintln(os.Stderr, "--every must be a whole number of seconds")
		return 2
	}

	task, err := tf.task()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid task: %v\n", err)
		return 2
	}

	return withRuntime(*timeout, envLoader, func(ctx context.Context, rt *runtime) int {
		sched, err := rt.orchestrator.AddSchedule(ctx, orchestrator.ScheduleSpec{
			Name:            *name,
			Task:            task,
			CronExpr:        *cronExpr,
			IntervalSeconds: int64(*every / time.Second),
			Priority:        *priority,
			Disabled:        *disabled,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save schedule: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "schedule %s saved id=%s next_run_at=%s\n", sched.Name, sched.ID, formatUTCTimestamp(sched.NextRunAt))
		return 0
	})
}

func runSchedules(args []string) int {
	fs := flag.NewFlagSet("schedules", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	return withRuntime(*timeout, envLoader, func(ctx context.Context, rt *runtime) int {
		schedules, err := rt.orchestrator.ListSchedules(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list schedules: %v\n", err)
			return 1
		}
		return render(outputFormat, schedules, func() {
			rows := make([][]string, 0, len(schedules))
			for _, s := range schedules {
				timing := s.CronExpr
				if timing == "" {
					timing = (time.Duration(s.IntervalSeconds) * time.Second).String()
				}
				rows = append(rows, []string{
					s.ID,
					s.Name,
					string(s.TaskKind),
					timing,
					strconv.FormatBool(s.Enabled),
					formatUTCTimestamp(s.NextRunAt),
					formatUTCTimestampPtr(s.LastRunAt),
				})
			}
			writeTable([]string{"id", "name", "task", "timing", "enabled", "next_run", "last_run"}, rows)
		})
	})
}

func runScheduleToggle(name string, enabled bool, args []string) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "%s needs exactly one schedule id\n", name)
		return 2
	}

	id := strings.TrimSpace(fs.Arg(0))
	return withRuntime(*timeout, envLoader, func(ctx context.Context, rt *runtime) int {
		if err := rt.orchestrator.SetEnabled(ctx, id, enabled); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to update schedule: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "schedule %s enabled=%t\n", id, enabled)
		return 0
	})
}
