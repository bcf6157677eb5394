package app

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"horse.fit/trawl/internal/cli"
	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/pipeline"
)

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	competitorID := fs.Int64("competitor", 0, "Competitor id the URLs belong to")
	platformID := fs.Int64("platform", 0, "Platform id (0 detects it from the URL)")
	multiplier := fs.Float64("priority", 0, "Priority multiplier for the engagement jobs")
	file := fs.String("file", "", "Read URLs from a file, one per line (- for stdin)")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
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
	urls := fs.Args()
	if strings.TrimSpace(*file) != "" {
		fromFile, err := readURLList(strings.TrimSpace(*file))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read URLs: %v\n", err)
			return 1
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "submit needs at least one URL argument or --file")
		return 2
	}
	if *competitorID <= 0 {
		fmt.Fprintln(os.Stderr, "--competitor must be a positive id")
		return 2
	}

	return withRuntime(*timeout, envLoader, func(ctx context.Context, rt *runtime) int {
		report, err := rt.service.SubmitManualURLs(ctx, pipeline.ManualSubmission{
			CompetitorID:       *competitorID,
			PlatformID:         *platformID,
			URLs:               urls,
			PriorityMultiplier: *multiplier,
		})
		code := render(outputFormat, report, func() {
			rows := make([][]string, 0, len(report.Verdicts))
			for _, v := range report.Verdicts {
				rows = append(rows, []string{
					truncateForTable(v.URL, 60),
					v.Status,
					truncateForTable(v.NormalizedURL, 60),
					v.JobID,
					truncateForTable(v.Reason, 40),
				})
			}
			writeTable([]string{"url", "status", "normalized", "job", "reason"}, rows)
			fmt.Fprintf(stdout, "accepted=%d rejected=%d\n", report.Accepted, report.Rejected)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Submission stopped early: %v\n", err)
			return 1
		}
		return code
	})
}

func readURLList(path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

func runStatus(args []string) int {
	return runJobCommand("status", args, func(ctx context.Context, rt *runtime, id string) (domain.Job, error) {
		return rt.service.GetJobStatus(ctx, id)
	})
}

func runCancel(args []string) int {
	return runJobCommand("cancel", args, func(ctx context.Context, rt *runtime, id string) (domain.Job, error) {
		return rt.service.CancelJob(ctx, id)
	})
}

func runRequeue(args []string) int {
	return runJobCommand("requeue", args, func(ctx context.Context, rt *runtime, id string) (domain.Job, error) {
		return rt.service.RequeueJob(ctx, id)
	})
}

// runJobCommand handles the commands that take one job id and print the
// resulting job.
func runJobCommand(name string, args []string, op func(ctx context.Context, rt *runtime, id string) (domain.Job, error)) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
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
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "%s needs exactly one job id\n", name)
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	return withRuntime(*timeout, envLoader, func(ctx context.Context, rt *runtime) int {
		job, err := op(ctx, rt, strings.TrimSpace(fs.Arg(0)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
			return 1
		}
		return render(outputFormat, job, func() {
			writeTable([]string{"field", "value"}, [][]string{
				{"job_id", job.ID},
				{"kind", string(job.Kind)},
				{"state", string(job.State)},
				{"priority", strconv.FormatFloat(job.Priority, 'f', 2, 64)},
				{"attempts", fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts)},
				{"available_at", formatUTCTimestamp(job.AvailableAt)},
				{"next_retry_at", formatUTCTimestampPtr(job.NextRetryAt)},
				{"lease_owner", job.LeaseOwner},
				{"cancel_requested", strconv.FormatBool(job.CancelRequested)},
				{"last_error", truncateForTable(job.LastError, 80)},
				{"finished_at", formatUTCTimestampPtr(job.FinishedAt)},
			})
		})
	})
}

func runJobs(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	kind := fs.String("kind", "", "Lane: discovery or engagement")
	state := fs.String("state", "", "State: pending, running, succeeded, dead or cancelled")
	limit := fs.Int("limit", 50, "Maximum rows")
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

	filter := domain.JobFilter{
		Kind:  domain.JobKind(strings.TrimSpace(*kind)),
		State: domain.JobState(strings.TrimSpace(*state)),
		Limit: *limit,
	}
	return withRuntime(*timeout, envLoader, func(ctx context.Context, rt *runtime) int {
		jobs, err := rt.service.ListJobs(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list jobs: %v\n", err)
			return 1
		}
		return render(outputFormat, jobs, func() { writeJobTable(jobs) })
	})
}

func runDead(args []string) int {
	fs := flag.NewFlagSet("dead", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	kind := fs.String("kind", "", "Lane: discovery or engagement (empty for both)")
	limit := fs.Int("limit", 50, "Maximum rows")
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
		jobs, err := rt.service.DeadLetters(ctx, domain.JobKind(strings.TrimSpace(*kind)), *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list dead letters: %v\n", err)
			return 1
		}
		return render(outputFormat, jobs, func() { writeJobTable(jobs) })
	})
}

func writeJobTable(jobs []domain.Job) {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			string(job.Kind),
			string(job.State),
			fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
			formatUTCTimestamp(job.UpdatedAt),
			truncateForTable(job.LastError, 50),
		})
	}
	writeTable([]string{"job", "kind", "state", "attempts", "updated", "last_error"}, rows)
}

func runResults(args []string) int {
	fs := flag.NewFlagSet("results", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file").Optional()
	competitorID := fs.Int64("competitor", 0, "Filter by competitor id")
	platformID := fs.Int64("platform", 0, "Filter by platform id")
	canonical := fs.String("canonical", "", "List the cluster of this canonical URL")
	members := fs.Bool("members", false, "Include cluster members")
	since := fs.String("since", "", "Captured at or after (RFC3339 or YYYY-MM-DD)")
	until := fs.String("until", "", "Captured at or before (RFC3339 or YYYY-MM-DD)")
	limit := fs.Int("limit", 50, "Maximum rows")
	offset := fs.Int("offset", 0, "Rows to skip")
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
	sinceTime, err := parseTimeFlag(*since, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --since: %v\n", err)
		return 2
	}
	untilTime, err := parseTimeFlag(*until, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --until: %v\n", err)
		return 2
	}

	filter := domain.ResultFilter{
		CompetitorID:   *competitorID,
		PlatformID:     *platformID,
		CanonicalURL:   *canonical,
		IncludeMembers: *members,
		Since:          sinceTime,
		Until:          untilTime,
		Limit:          *limit,
		Offset:         *offset,
	}
	return withRuntime(*timeout, envLoader, func(ctx context.Context, rt *runtime) int {
		results, err := rt.service.ListFinalResults(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list results: %v\n", err)
			return 1
		}
		return render(outputFormat, results, func() {
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{
					truncateForTable(r.NormalizedURL, 60),
					truncateForTable(r.Title, 40),
					formatInt64Ptr(r.Metrics.Likes),
					formatInt64Ptr(r.Metrics.Shares),
					formatInt64Ptr(r.Metrics.Views),
					strconv.FormatFloat(r.ViralScore, 'f', 2, 64),
					strconv.FormatBool(r.ClusterMember),
					formatUTCTimestamp(r.LastCapturedAt),
				})
			}
			writeTable([]string{"url", "title", "likes", "shares", "views", "viral", "member", "captured"}, rows)
		})
	})
}
