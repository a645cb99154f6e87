// Package outbox implements the transactional outbox for CRM writeback.
// Tasks are enqueued inside the same transaction that commits intelligence,
// then drained by a worker with at-least-once delivery.
package outbox

import (
	"encoding/json"
	"time"
)

// TaskKind identifies what a task does when drained. CRM kinds push
// fields to Salesforce; TaskPipelineRun processes an ingested activity.
type TaskKind string

const (
	TaskDealHealth    TaskKind = "deal_health"
	TaskDealNarrative TaskKind = "deal_narrative"
	TaskPipelineRun   TaskKind = "pipeline_run"
)

// Task is one pending CRM writeback. Payload is kind-specific JSON so the
// queue table stays schema-free across task kinds.
type Task struct {
	ID          string          `json:"id"`
	Kind        TaskKind        `json:"kind"`
	DealID      string          `json:"deal_id"`
	CRMID       string          `json:"crm_id"`
	Payload     json.RawMessage `json:"payload"`
	LastError   string          `json:"last_error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Filter specifies criteria for dequeuing tasks.
type Filter struct {
	Kind  TaskKind `json:"kind,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// CanRetry reports whether the task has retry budget left.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// HealthPayload is the payload of a TaskDealHealth task.
type HealthPayload struct {
	Temperature float64 `json:"temperature"`
	Momentum    string  `json:"momentum"`
	HealthTrend string  `json:"health_trend"`
}

// NarrativePayload is the payload of a TaskDealNarrative task.
type NarrativePayload struct {
	Narrative string `json:"narrative"`
}

// RunPayload is the payload of a TaskPipelineRun task.
type RunPayload struct {
	ActivityID string `json:"activity_id"`
}
