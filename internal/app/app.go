package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "serve":
		return runServe(args[1:])
	case "work":
		return runWork(args[1:])
	case "health":
		return runHealth(args[1:])
	case "submit":
		return runSubmit(args[1:])
	case "status":
		return runStatus(args[1:])
	case "jobs":
		return runJobs(args[1:])
	case "results":
		return runResults(args[1:])
	case "cancel":
		return runCancel(args[1:])
	case "requeue":
		return runRequeue(args[1:])
	case "dead":
		return runDead(args[1:])
	case "schedule-add":
		return runScheduleAdd(args[1:])
	case "schedules":
		return runSchedules(args[1:])
	case "schedule-enable":
		return runScheduleToggle("schedule-enable", true, args[1:])
	case "schedule-disable":
		return runScheduleToggle("schedule-disable", false, args[1:])
	case "stats":
		return runStats(args[1:])
	case "cleanup":
		return runCleanup(args[1:])
	case "validate":
		return runValidate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "trawl CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  trawl <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve             Start the API server with workers and the scheduler")
	fmt.Fprintln(os.Stderr, "  work              Run workers and the scheduler without the API")
	fmt.Fprintln(os.Stderr, "  health            Verify store connectivity")
	fmt.Fprintln(os.Stderr, "  submit            Submit URLs for a competitor")
	fmt.Fprintln(os.Stderr, "  status            Show one job")
	fmt.Fprintln(os.Stderr, "  jobs              List jobs by lane and state")
	fmt.Fprintln(os.Stderr, "  results           List final results")
	fmt.Fprintln(os.Stderr, "  cancel            Cancel a job")
	fmt.Fprintln(os.Stderr, "  requeue           Move a dead job back to pending")
	fmt.Fprintln(os.Stderr, "  dead              List dead-lettered jobs")
	fmt.Fprintln(os.Stderr, "  schedule-add      Create or replace a discovery schedule")
	fmt.Fprintln(os.Stderr, "  schedules         List discovery schedules")
	fmt.Fprintln(os.Stderr, "  schedule-enable   Enable a schedule")
	fmt.Fprintln(os.Stderr, "  schedule-disable  Disable a schedule")
	fmt.Fprintln(os.Stderr, "  stats             Show lane depth and dedup statistics")
	fmt.Fprintln(os.Stderr, "  cleanup           Release expired leases and purge old jobs once")
	fmt.Fprintln(os.Stderr, "  validate          Validate discovery task JSON files")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"trawl <command> -h\" for command-specific flags.")
}
