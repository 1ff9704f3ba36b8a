package models

import (
	"encoding/json"
	"time"
)

// JobKind selects the worker-side dispatch path for a queued job.
type JobKind string

const (
	JobAgentTask   JobKind = "agent_task"
	JobResearch    JobKind = "research"
	JobWebhook     JobKind = "webhook"
	JobScrapeFetch JobKind = "scrape_fetch"
)

// Job is the unit carried by the queue. Agent and research jobs reference a
// task; webhook jobs carry the endpoint, external id, and a copy of the
// verified body.
type Job struct {
	ID         string          `json:"id"`
	Kind       JobKind         `json:"kind"`
	TaskID     string          `json:"task_id,omitempty"`
	Endpoint   string          `json:"endpoint,omitempty"`
	ExternalID string          `json:"external_id,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
