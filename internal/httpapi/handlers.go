package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/trawl/internal/discovery"
	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/globaltime"
	"horse.fit/trawl/internal/orchestrator"
	"horse.fit/trawl/internal/pipeline"
)

const (
	defaultJobLimit    = 50
	maxJobLimit        = 500
	defaultResultLimit = 50
	maxResultLimit     = 500
)

type submissionRequest struct {
	CompetitorID       int64    `json:"competitor_id" validate:"gt=0"`
	PlatformID         int64    `json:"platform_id" validate:"gte=0"`
	URLs               []string `json:"urls" validate:"required,min=1,max=500"`
	PriorityMultiplier float64  `json:"priority_multiplier" validate:"gte=0"`
}

type scheduleRequest struct {
	Name            string          `json:"name" validate:"required,max=200"`
	TaskKind        string          `json:"task_kind" validate:"required,oneof=keyword-search source-monitor"`
	Task            json.RawMessage `json:"task" validate:"required"`
	CronExpr        string          `json:"cron_expr" validate:"max=200"`
	IntervalSeconds int64           `json:"interval_seconds" validate:"gte=0"`
	Priority        float64         `json:"priority" validate:"gte=0"`
	Disabled        bool            `json:"disabled"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.opts.Health != nil {
		if err := s.opts.Health.Ping(c.Request().Context()); err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			return unavailable(c, "Store unavailable")
		}
	}
	return success(c, map[string]any{
		"service": "trawl",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req submissionRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}

	report, err := s.api.SubmitManualURLs(c.Request().Context(), pipeline.ManualSubmission{
		CompetitorID:       req.CompetitorID,
		PlatformID:         req.PlatformID,
		URLs:               req.URLs,
		PriorityMultiplier: req.PriorityMultiplier,
	})
	if err != nil {
		return s.respondError(c, err, "submit urls")
	}
	status := http.StatusAccepted
	if report.Accepted == 0 {
		status = http.StatusOK
	}
	return successWithStatus(c, status, report)
}

func (s *Server) handleJobStatus(c echo.Context) error {
	job, err := s.api.GetJobStatus(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return s.respondError(c, err, "load job")
	}
	return success(c, job)
}

func (s *Server) handleListJobs(c echo.Context) error {
	kind, state := domain.JobKind(strings.TrimSpace(c.QueryParam("kind"))), domain.JobState(strings.TrimSpace(c.QueryParam("state")))
	fields := map[string]string{}
	if state != "" && !validJobState(state) {
		fields["state"] = "unknown job state"
	}
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultJobLimit, 1, maxJobLimit)
	if err != nil {
		fields["limit"] = err.Error()
	}
	if len(fields) > 0 {
		return failValidation(c, fields)
	}

	jobs, err := s.api.ListJobs(c.Request().Context(), domain.JobFilter{Kind: kind, State: state, Limit: limit})
	if err != nil {
		return s.respondError(c, err, "list jobs")
	}
	return success(c, map[string]any{"items": jobs})
}

func (s *Server) handleCancelJob(c echo.Context) error {
	job, err := s.api.CancelJob(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return s.respondError(c, err, "cancel job")
	}
	return success(c, job)
}

func (s *Server) handleRequeueJob(c echo.Context) error {
	job, err := s.api.RequeueJob(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return s.respondError(c, err, "requeue job")
	}
	return success(c, job)
}

func (s *Server) handleDeadLetters(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultJobLimit, 1, maxJobLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	jobs, err := s.api.DeadLetters(c.Request().Context(), domain.JobKind(strings.TrimSpace(c.QueryParam("kind"))), limit)
	if err != nil {
		return s.respondError(c, err, "list dead letters")
	}
	return success(c, map[string]any{"items": jobs})
}

func (s *Server) handleLanes(c echo.Context) error {
	counts, err := s.api.LaneCounts(c.Request().Context())
	if err != nil {
		return s.respondError(c, err, "count lanes")
	}
	return success(c, map[string]any{"items": counts})
}

func (s *Server) handleListResults(c echo.Context) error {
	var filter domain.ResultFilter
	fields := map[string]string{}
	var err error

	if filter.CompetitorID, err = parseID(c.QueryParam("competitor_id")); err != nil {
		fields["competitor_id"] = err.Error()
	}
	if filter.PlatformID, err = parseID(c.QueryParam("platform_id")); err != nil {
		fields["platform_id"] = err.Error()
	}
	if filter.Limit, err = parsePositiveInt(c.QueryParam("limit"), defaultResultLimit, 1, maxResultLimit); err != nil {
		fields["limit"] = err.Error()
	}
	if filter.Offset, err = parsePositiveInt(c.QueryParam("offset"), 0, 0, 1_000_000); err != nil {
		fields["offset"] = err.Error()
	}
	if filter.Since, err = parseTimeFilter(c.QueryParam("since"), false); err != nil {
		fields["since"] = err.Error()
	}
	if filter.Until, err = parseTimeFilter(c.QueryParam("until"), true); err != nil {
		fields["until"] = err.Error()
	}
	if raw := strings.TrimSpace(c.QueryParam("include_members")); raw != "" {
		if filter.IncludeMembers, err = strconv.ParseBool(raw); err != nil {
			fields["include_members"] = "must be a boolean"
		}
	}
	if len(fields) > 0 {
		return failValidation(c, fields)
	}
	filter.CanonicalURL = strings.TrimSpace(c.QueryParam("canonical_url"))

	results, err := s.api.ListFinalResults(c.Request().Context(), filter)
	if err != nil {
		return s.respondError(c, err, "list results")
	}
	return success(c, map[string]any{
		"items":  results,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleResultDetail(c echo.Context) error {
	detail, err := s.api.GetResult(c.Request().Context(), c.Param("result_id"))
	if err != nil {
		return s.respondError(c, err, "load result")
	}
	return success(c, detail)
}

func (s *Server) handleDedupStats(c echo.Context) error {
	stats, err := s.api.DedupStats(c.Request().Context())
	if err != nil {
		return s.respondError(c, err, "load dedup stats")
	}
	return success(c, stats)
}

func (s *Server) handleListSchedules(c echo.Context) error {
	schedules, err := s.schedules.ListSchedules(c.Request().Context())
	if err != nil {
		return s.respondError(c, err, "list schedules")
	}
	return success(c, map[string]any{"items": schedules})
}

func (s *Server) handleAddSchedule(c echo.Context) error {
	var req scheduleRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}

	envelope, err := json.Marshal(discovery.JobPayload{TaskKind: domain.TaskKind(req.TaskKind), Task: req.Task})
	if err != nil {
		return fail(c, http.StatusBadRequest, "Invalid task", nil)
	}
	task, _, err := discovery.DecodeTask(envelope)
	if err != nil {
		return s.respondError(c, err, "decode task")
	}

	sched, err := s.schedules.AddSchedule(c.Request().Context(), orchestrator.ScheduleSpec{
		Name:            req.Name,
		Task:            task,
		CronExpr:        req.CronExpr,
		IntervalSeconds: req.IntervalSeconds,
		Priority:        req.Priority,
		Disabled:        req.Disabled,
	})
	if err != nil {
		return s.respondError(c, err, "save schedule")
	}
	return successWithStatus(c, http.StatusCreated, sched)
}

func (s *Server) handleSetScheduleEnabled(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("schedule_id")
		if err := s.schedules.SetEnabled(c.Request().Context(), id, enabled); err != nil {
			return s.respondError(c, err, "update schedule")
		}
		return success(c, map[string]any{
			"schedule_id": id,
			"enabled":     enabled,
		})
	}
}

func validJobState(state domain.JobState) bool {
	switch state {
	case domain.JobPending, domain.JobRunning, domain.JobSucceeded, domain.JobDead, domain.JobCancelled:
		return true
	}
	return false
}
