package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/trawl/internal/cli"
	"horse.fit/trawl/internal/domain"
)

type statsReport struct {
	Lanes []domain.LaneCount `json:"lanes"`
	Dedup domain.DedupStats  `json:"dedup"`
}

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
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
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	return withRuntime(*timeout, envLoader, func(ctx context.Context, rt *runtime) int {
		var report statsReport
		if report.Lanes, err = rt.service.LaneCounts(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to count lanes: %v\n", err)
			return 1
		}
		if report.Dedup, err = rt.service.DedupStats(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load dedup stats: %v\n", err)
			return 1
		}

		return render(outputFormat, report, func() {
			laneRows := make([][]string, 0, len(report.Lanes))
			for _, lc := range report.Lanes {
				laneRows = append(laneRows, []string{string(lc.Kind), string(lc.State), strconv.FormatInt(lc.Count, 10)})
			}
			writeTable([]string{"lane", "state", "jobs"}, laneRows)

			fmt.Fprintln(stdout)
			d := report.Dedup
			writeTable([]string{"metric", "value"}, [][]string{
				{"keys", strconv.FormatInt(d.Keys, 10)},
				{"occurrences", strconv.FormatInt(d.Occurrences, 10)},
				{"duplicate_hits", strconv.FormatInt(d.DuplicateHits, 10)},
				{"canonical", strconv.FormatInt(d.Canonical, 10)},
				{"cluster_members", strconv.FormatInt(d.ClusterMembers, 10)},
				{"rejected", strconv.FormatInt(d.Rejected, 10)},
				{"awaiting_content", strconv.FormatInt(d.AwaitingContent, 10)},
			})
		})
	})
}
