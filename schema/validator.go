package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	discoveryJobSchema  = "discovery_job.schema.json"
	engagementJobSchema = "engagement_job.schema.json"
)

//go:embed discovery_job.schema.json
var discoveryJobSchemaJSON string

//go:embed engagement_job.schema.json
var engagementJobSchemaJSON string

var schemaSources = map[string]string{
	discoveryJobSchema:  discoveryJobSchemaJSON,
	engagementJobSchema: engagementJobSchemaJSON,
}

type DiscoveryJob struct {
	TaskKind   string          `json:"task_kind"`
	ScheduleID string          `json:"schedule_id,omitempty"`
	Task       json.RawMessage `json:"task"`
}

type KeywordSearch struct {
	CompetitorID       int64    `json:"competitor_id"`
	PlatformID         int64    `json:"platform_id,omitempty"`
	Keywords           []string `json:"keywords"`
	Limit              int      `json:"limit,omitempty"`
	PriorityMultiplier float64  `json:"priority_multiplier,omitempty"`
}

type SourceMonitor struct {
	SourceURL          string  `json:"source_url"`
	CompetitorID       int64   `json:"competitor_id"`
	PlatformID         int64   `json:"platform_id,omitempty"`
	LinkPattern        string  `json:"link_pattern,omitempty"`
	PriorityMultiplier float64 `json:"priority_multiplier,omitempty"`
}

type ManualBatch struct {
	CompetitorID       int64    `json:"competitor_id"`
	PlatformID         int64    `json:"platform_id,omitempty"`
	URLs               []string `json:"urls"`
	PriorityMultiplier float64  `json:"priority_multiplier,omitempty"`
}

type EngagementJob struct {
	ResultID string `json:"result_id"`
	Sequence int    `json:"sequence,omitempty"`
}

var (
	compileOnce     sync.Once
	compiledSchemas map[string]*jsonschema.Schema
	compileErr      error
)

// ValidateDiscoveryJob checks a discovery job payload, including the task
// body for its kind.
func ValidateDiscoveryJob(payload json.RawMessage) (*DiscoveryJob, error) {
	var job DiscoveryJob
	if err := validateInto(discoveryJobSchema, payload, &job); err != nil {
		return nil, err
	}
	if job.TaskKind == "source-monitor" {
		var task SourceMonitor
		if err := json.Unmarshal(job.Task, &task); err != nil {
			return nil, fmt.Errorf("unmarshal source-monitor task: %w", err)
		}
		if err := validateURI("source_url", task.SourceURL); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

func ValidateEngagementJob(payload json.RawMessage) (*EngagementJob, error) {
	var job EngagementJob
	if err := validateInto(engagementJobSchema, payload, &job); err != nil {
		return nil, err
	}
	if strings.TrimSpace(job.ResultID) == "" {
		return nil, fmt.Errorf("result_id must not be empty")
	}
	return &job, nil
}

func validateInto(name string, payload json.RawMessage, dest any) error {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema(name)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("normalize payload JSON: %w", err)
	}
	if err := json.Unmarshal(normalized, dest); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

func loadSchema(name string) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		for resource, source := range schemaSources {
			if err := compiler.AddResource(resource, strings.NewReader(source)); err != nil {
				compileErr = fmt.Errorf("add schema resource %s: %w", resource, err)
				return
			}
		}

		compiled := make(map[string]*jsonschema.Schema, len(schemaSources))
		for resource := range schemaSources {
			schema, err := compiler.Compile(resource)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", resource, err)
				return
			}
			compiled[resource] = schema
		}
		compiledSchemas = compiled
	})

	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiledSchemas[name]
	if !ok {
		return nil, fmt.Errorf("schema %s not initialized", name)
	}
	return schema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

func validateURI(fieldName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s must not be empty", fieldName)
	}
	u, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return fmt.Errorf("%s is not a valid URI: %w", fieldName, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", fieldName)
	}
	return nil
}
