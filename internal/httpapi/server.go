// Package httpapi serves the pipeline contracts over HTTP under /api/v1.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	"horse.fit/trawl/internal/orchestrator"
	"horse.fit/trawl/internal/pipeline"
)

// API is the pipeline surface the server exposes.
type API interface {
	SubmitManualURLs(ctx context.Context, sub pipeline.ManualSubmission) (pipeline.SubmissionReport, error)
	GetJobStatus(ctx context.Context, jobID string) (domain.Job, error)
	ListFinalResults(ctx context.Context, filter domain.ResultFilter) ([]domain.FinalResult, error)
	GetResult(ctx context.Context, resultID string) (pipeline.ResultDetail, error)
	CancelJob(ctx context.Context, jobID string) (domain.Job, error)
	RequeueJob(ctx context.Context, jobID string) (domain.Job, error)
	DeadLetters(ctx context.Context, kind domain.JobKind, limit int) ([]domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	LaneCounts(ctx context.Context) ([]domain.LaneCount, error)
	DedupStats(ctx context.Context) (domain.DedupStats, error)
}

type Schedules interface {
	AddSchedule(ctx context.Context, spec orchestrator.ScheduleSpec) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Addr            string
	AllowOrigins    []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Health is pinged by /api/v1/health when set.
	Health Pinger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	api       API
	schedules Schedules
	validate  *validator.Validate
	logger    zerolog.Logger
	opts      Options
}

func NewServer(api API, schedules Schedules, logger zerolog.Logger, opts Options) *Server {
	if strings.TrimSpace(opts.Addr) == "" {
		opts.Addr = ":8090"
	}
	if len(opts.AllowOrigins) == 0 {
		opts.AllowOrigins = []string{"*"}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	return &Server{
		api:       api,
		schedules: schedules,
		validate:  newValidator(),
		logger:    logger,
		opts:      opts,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.api == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.newEcho()
	httpServer := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", s.opts.Addr).Msg("trawl api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("trawl api server stopped")
	return nil
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.opts.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Debug()
			msg := "http request"
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = s.logger.Error().Err(v.Error)
				msg = "http request failed"
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg(msg)
			return nil
		},
	}))

	if s.opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.opts.Metrics))
	}

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.POST("/submissions", s.handleSubmit)
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:job_id", s.handleJobStatus)
	api.POST("/jobs/:job_id/cancel", s.handleCancelJob)
	api.POST("/jobs/:job_id/requeue", s.handleRequeueJob)
	api.GET("/dead-letters", s.handleDeadLetters)
	api.GET("/lanes", s.handleLanes)
	api.GET("/results", s.handleListResults)
	api.GET("/results/:result_id", s.handleResultDetail)
	api.GET("/stats/dedup", s.handleDedupStats)
	if s.schedules != nil {
		api.GET("/schedules", s.handleListSchedules)
		api.POST("/schedules", s.handleAddSchedule)
		api.POST("/schedules/:schedule_id/enable", s.handleSetScheduleEnabled(true))
		api.POST("/schedules/:schedule_id/disable", s.handleSetScheduleEnabled(false))
	}
	return e
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if strings.HasPrefix(c.Request().URL.Path, "/api/") {
		if status >= 500 {
			_ = internalError(c, "Internal server error")
			return
		}
		_ = fail(c, status, message, nil)
		return
	}

	_ = c.String(status, message)
}

// respondError maps pipeline errors onto jsend responses. Only unexpected
// failures are logged; the caller sees a generic message for those.
func (s *Server) respondError(c echo.Context, err error, what string) error {
	switch {
	case fault.KindOf(err) == fault.KindInvalidInput:
		return fail(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return failNotFound(c, err.Error())
	case errors.Is(err, domain.ErrJobFinished), errors.Is(err, domain.ErrJobState):
		return failConflict(c, err.Error())
	}
	s.logger.Error().Err(err).Str("kind", string(fault.KindOf(err))).Msg(what + " failed")
	return internalError(c, "Failed to "+what)
}

// bind decodes the body into dst and runs struct validation. It reports
// false when a response has already been written.
func (s *Server) bind(c echo.Context, dst any) (bool, error) {
	if err := c.Bind(dst); err != nil {
		return false, fail(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return false, fail(c, http.StatusBadRequest, err.Error(), nil)
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = describeFieldError(fe)
		}
		return false, failValidation(c, fields)
	}
	return true, nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func parseID(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return value, nil
}

func parseTimeFilter(raw string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		utc := ts.UTC()
		return &utc, nil
	}

	if day, err := time.Parse("2006-01-02", trimmed); err == nil {
		utc := day.UTC()
		if endOfDay {
			utc = utc.Add((24 * time.Hour) - time.Nanosecond)
		}
		return &utc, nil
	}

	return nil, fmt.Errorf("invalid time format")
}
