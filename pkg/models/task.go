// Package models contains the shared data types for tasks, conversation
// messages, queue jobs, and the domain entities inserted as agent side
// effects.
package models

import "time"

// TaskState is the lifecycle state of a task.
type TaskState string

// Task lifecycle states.
const (
	TaskQueued        TaskState = "queued"
	TaskRunning       TaskState = "running"
	TaskAwaitingChild TaskState = "awaiting_child"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
	TaskCancelled     TaskState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskKind selects the worker-side handler for a task.
type TaskKind string

const (
	TaskKindAgent    TaskKind = "agent"
	TaskKindResearch TaskKind = "research"
)

// Task is the unit of work tracked by the store. A task is never mutated
// after reaching a terminal state; exactly one of Output or ErrorKind is
// set on a terminal task.
type Task struct {
	ID             string         `json:"id"`
	RequesterID    string         `json:"requester_id"`
	AgentID        string         `json:"agent_id"`
	Kind           TaskKind       `json:"kind"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	State          TaskState      `json:"state"`
	Output         string         `json:"output,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Delegations    []string       `json:"delegations,omitempty"`
	UsedModel      string         `json:"used_model,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Attempts       int            `json:"attempts"`
	LeaseUntil     time.Time      `json:"lease_until,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// TaskResult is the terminal outcome a handler hands back to the worker.
type TaskResult struct {
	Output      string
	UsedModel   string
	Delegations []string
}
