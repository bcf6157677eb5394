// Package metrics exposes Prometheus collectors for the job lanes, dedup
// admissions and the schedule table.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"horse.fit/trawl/internal/domain"
)

const Namespace = "trawl"

// Metrics implements the queue, dedup and orchestrator observers.
type Metrics struct {
	JobOutcomes       *prometheus.CounterVec
	JobDurations      *prometheus.HistogramVec
	LaneDepth         *prometheus.GaugeVec
	URLAdmissions     *prometheus.CounterVec
	ContentAdmissions *prometheus.CounterVec
	SchedulesFired    *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "job_outcomes_total",
			Help:      "Job lifecycle events by lane and outcome.",
		}, []string{"lane", "outcome"}),
		JobDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Time from enqueue to a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 16),
		}, []string{"lane"}),
		LaneDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs per lane and state at the last refresh.",
		}, []string{"lane", "state"}),
		URLAdmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dedup",
			Name:      "url_admissions_total",
			Help:      "URL-level dedup outcomes.",
		}, []string{"outcome"}),
		ContentAdmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dedup",
			Name:      "content_admissions_total",
			Help:      "Content-level dedup outcomes.",
		}, []string{"outcome"}),
		SchedulesFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "orchestrator",
			Name:      "schedules_fired_total",
			Help:      "Discovery jobs enqueued from the schedule table.",
		}, []string{"schedule"}),
	}
}

func (m *Metrics) JobOutcome(kind domain.JobKind, outcome string) {
	m.JobOutcomes.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) JobDuration(kind domain.JobKind, d time.Duration) {
	m.JobDurations.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) URLAdmission(outcome string) {
	m.URLAdmissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ContentAdmission(outcome string) {
	m.ContentAdmissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ScheduleFired(name string) {
	m.SchedulesFired.WithLabelValues(name).Inc()
}

// RecordLaneCounts replaces the lane gauges with counts. States missing from
// counts drop to zero.
func (m *Metrics) RecordLaneCounts(counts []domain.LaneCount) {
	m.LaneDepth.Reset()
	for _, kind := range []domain.JobKind{domain.JobDiscovery, domain.JobEngagement} {
		for _, state := range []domain.JobState{domain.JobPending, domain.JobRunning, domain.JobSucceeded, domain.JobDead, domain.JobCancelled} {
			m.LaneDepth.WithLabelValues(string(kind), string(state)).Set(0)
		}
	}
	for _, c := range counts {
		m.LaneDepth.WithLabelValues(string(c.Kind), string(c.State)).Set(float64(c.Count))
	}
}
