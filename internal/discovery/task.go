package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/fault"
	payloadschema "horse.fit/trawl/schema"
)

// Task is one unit of discovery work: KeywordSearch, SourceMonitor or
// ManualBatch.
type Task interface {
	Kind() domain.TaskKind
	source() domain.SourceType
	target() (competitorID, platformID int64)
	multiplier() float64
}

type KeywordSearch struct {
	CompetitorID       int64
	PlatformID         int64
	Keywords           []string
	Limit              int
	PriorityMultiplier float64
}

type Source struct {
	URL          string
	CompetitorID int64
	PlatformID   int64
	// LinkPattern optionally restricts which discovered links are kept.
	LinkPattern string
}

type SourceMonitor struct {
	Source             Source
	PriorityMultiplier float64
}

type ManualBatch struct {
	CompetitorID       int64
	PlatformID         int64
	URLs               []string
	PriorityMultiplier float64
}

func (KeywordSearch) Kind() domain.TaskKind { return domain.TaskKeywordSearch }
func (SourceMonitor) Kind() domain.TaskKind { return domain.TaskSourceMonitor }
func (ManualBatch) Kind() domain.TaskKind   { return domain.TaskManualBatch }

func (KeywordSearch) source() domain.SourceType { return domain.SourceKeywordSearch }
func (SourceMonitor) source() domain.SourceType { return domain.SourceMonitor }
func (ManualBatch) source() domain.SourceType   { return domain.SourceManual }

func (t KeywordSearch) target() (int64, int64) { return t.CompetitorID, t.PlatformID }
func (t SourceMonitor) target() (int64, int64) { return t.Source.CompetitorID, t.Source.PlatformID }
func (t ManualBatch) target() (int64, int64)   { return t.CompetitorID, t.PlatformID }

func (t KeywordSearch) multiplier() float64 { return t.PriorityMultiplier }
func (t SourceMonitor) multiplier() float64 { return t.PriorityMultiplier }
func (t ManualBatch) multiplier() float64   { return t.PriorityMultiplier }

// JobPayload is the discovery job body that carries a task through the queue.
type JobPayload struct {
	TaskKind   domain.TaskKind `json:"task_kind"`
	ScheduleID string          `json:"schedule_id,omitempty"`
	Task       json.RawMessage `json:"task"`
}

// EncodeTask renders task as a discovery job payload.
func EncodeTask(task Task, scheduleID string) (json.RawMessage, error) {
	var body any
	switch t := task.(type) {
	case KeywordSearch:
		body = payloadschema.KeywordSearch{
			CompetitorID:       t.CompetitorID,
			PlatformID:         t.PlatformID,
			Keywords:           nonNil(t.Keywords),
			Limit:              t.Limit,
			PriorityMultiplier: t.PriorityMultiplier,
		}
	case SourceMonitor:
		body = payloadschema.SourceMonitor{
			SourceURL:          t.Source.URL,
			CompetitorID:       t.Source.CompetitorID,
			PlatformID:         t.Source.PlatformID,
			LinkPattern:        t.Source.LinkPattern,
			PriorityMultiplier: t.PriorityMultiplier,
		}
	case ManualBatch:
		body = payloadschema.ManualBatch{
			CompetitorID:       t.CompetitorID,
			PlatformID:         t.PlatformID,
			URLs:               nonNil(t.URLs),
			PriorityMultiplier: t.PriorityMultiplier,
		}
	default:
		return nil, fault.Invalid("unsupported discovery task %T", task)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Invalid("encode %s task: %v", task.Kind(), err)
	}
	payload, err := json.Marshal(JobPayload{TaskKind: task.Kind(), ScheduleID: scheduleID, Task: raw})
	if err != nil {
		return nil, fault.Invalid("encode %s payload: %v", task.Kind(), err)
	}
	return payload, nil
}

// DecodeTask validates a discovery job payload and returns its task. Bad
// payloads are invalid input and are never retried.
func DecodeTask(payload json.RawMessage) (Task, string, error) {
	job, err := payloadschema.ValidateDiscoveryJob(payload)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindInvalidInput, fmt.Errorf("discovery payload: %w", err))
	}

	switch domain.TaskKind(job.TaskKind) {
	case domain.TaskKeywordSearch:
		var body payloadschema.KeywordSearch
		if err := json.Unmarshal(job.Task, &body); err != nil {
			return nil, "", fault.Invalid("keyword-search task: %v", err)
		}
		return KeywordSearch{
			CompetitorID:       body.CompetitorID,
			PlatformID:         body.PlatformID,
			Keywords:           body.Keywords,
			Limit:              body.Limit,
			PriorityMultiplier: body.PriorityMultiplier,
		}, job.ScheduleID, nil
	case domain.TaskSourceMonitor:
		var body payloadschema.SourceMonitor
		if err := json.Unmarshal(job.Task, &body); err != nil {
			return nil, "", fault.Invalid("source-monitor task: %v", err)
		}
		return SourceMonitor{
			Source: Source{
				URL:          strings.TrimSpace(body.SourceURL),
				CompetitorID: body.CompetitorID,
				PlatformID:   body.PlatformID,
				LinkPattern:  body.LinkPattern,
			},
			PriorityMultiplier: body.PriorityMultiplier,
		}, job.ScheduleID, nil
	case domain.TaskManualBatch:
		var body payloadschema.ManualBatch
		if err := json.Unmarshal(job.Task, &body); err != nil {
			return nil, "", fault.Invalid("manual-batch task: %v", err)
		}
		return ManualBatch{
			CompetitorID:       body.CompetitorID,
			PlatformID:         body.PlatformID,
			URLs:               body.URLs,
			PriorityMultiplier: body.PriorityMultiplier,
		}, job.ScheduleID, nil
	default:
		return nil, "", fault.Invalid("unknown task kind %q", job.TaskKind)
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
