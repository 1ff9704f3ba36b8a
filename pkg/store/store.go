// Package store persists tasks, conversation messages, webhook audit
// entries, and domain entities. Two implementations exist: a Postgres
// store backed by pgx for production and an in-memory store for tests.
package store

import (
	"context"

	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/models"
)

// Store is the persistence boundary. All mutations of task state go
// through CASTaskState or the terminal setters so that the lifecycle
// invariants hold under concurrent workers.
type Store interface {
	// CreateTask inserts a new task. When the task carries an idempotency
	// key already used by the same requester, it returns the existing task
	// and a Conflict fault.
	CreateTask(ctx context.Context, t *models.Task) (*models.Task, error)

	// GetTask returns the task or a NotFound fault.
	GetTask(ctx context.Context, id string) (*models.Task, error)

	// FindByIdempotencyKey returns the requester's task for the key, or a
	// NotFound fault.
	FindByIdempotencyKey(ctx context.Context, requesterID, key string) (*models.Task, error)

	// ListTasksByRequester returns the requester's tasks, newest first.
	ListTasksByRequester(ctx context.Context, requesterID string, limit int) ([]*models.Task, error)

	// ListChildren returns the direct child tasks of a parent, oldest first.
	ListChildren(ctx context.Context, parentID string) ([]*models.Task, error)

	// CASTaskState transitions the task from one state to another. It
	// reports false without error when the task is not in the from state.
	CASTaskState(ctx context.Context, id string, from, to models.TaskState) (bool, error)

	// SaveTaskResult moves the task to Completed with its output. It is a
	// no-op returning a Conflict fault when the task is already terminal.
	SaveTaskResult(ctx context.Context, id string, res models.TaskResult) error

	// SaveTaskFailure moves the task to Failed with an error kind and
	// message. Terminal tasks are not overwritten.
	SaveTaskFailure(ctx context.Context, id string, kind fault.Kind, message string) error

	// BumpAttempts increments the task's attempt counter and returns the
	// new value.
	BumpAttempts(ctx context.Context, id string) (int, error)

	// AppendMessage appends to a conversation, assigning the next sequence
	// number.
	AppendMessage(ctx context.Context, m *models.ConversationMessage) error

	// ListMessages returns every message of a conversation in sequence order.
	ListMessages(ctx context.Context, conversationID string) ([]models.ConversationMessage, error)

	// RecentMessages returns the last n messages in sequence order.
	RecentMessages(ctx context.Context, conversationID string, n int) ([]models.ConversationMessage, error)

	// CompactConversation replaces all messages with seq below keepFromSeq
	// by the given summary message. The summary receives a sequence number
	// below the kept messages.
	CompactConversation(ctx context.Context, conversationID string, summary models.ConversationMessage, keepFromSeq int64) error

	// RecordWebhook inserts an audit entry for a delivery. It reports
	// seen=true when the (endpoint, external id) pair was recorded before;
	// in that case nothing is written.
	RecordWebhook(ctx context.Context, e *models.WebhookAuditEntry) (seen bool, err error)

	// InsertEntity stores a domain entity row.
	InsertEntity(ctx context.Context, e *models.DomainEntity) error

	// ListEntities returns entities of a kind for a requester, newest first.
	ListEntities(ctx context.Context, requesterID string, kind models.EntityKind, limit int) ([]*models.DomainEntity, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend connections.
	Close()
}
