package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/models"
)

// MemoryStore is an in-process Store used by tests and local runs. It
// mirrors the Postgres store's semantics, including idempotency conflicts
// and terminal-state protection.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[string]*models.Task
	idempotency map[string]string // requester \x00 key -> task id
	messages    map[string][]models.ConversationMessage
	webhooks    map[string]struct{} // endpoint \x00 external id
	entities    []*models.DomainEntity

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*models.Task),
		idempotency: make(map[string]string),
		messages:    make(map[string][]models.ConversationMessage),
		webhooks:    make(map[string]struct{}),
		now:         time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func idemKey(requesterID, key string) string { return requesterID + "\x00" + key }

func copyTask(t *models.Task) *models.Task {
	c := *t
	if t.Inputs != nil {
		c.Inputs = make(map[string]any, len(t.Inputs))
		for k, v := range t.Inputs {
			c.Inputs[k] = v
		}
	}
	c.Delegations = append([]string(nil), t.Delegations...)
	return &c
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.IdempotencyKey != "" {
		if id, ok := s.idempotency[idemKey(t.RequesterID, t.IdempotencyKey)]; ok {
			existing := s.tasks[id]
			// The key only reserves live tasks; a terminal holder
			// releases it.
			if !existing.State.IsTerminal() {
				return copyTask(existing), fault.New(fault.Conflict, "idempotency key already used by task %s", id)
			}
			delete(s.idempotency, idemKey(t.RequesterID, t.IdempotencyKey))
		}
	}

	c := copyTask(t)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.State == "" {
		c.State = models.TaskQueued
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.tasks[c.ID] = c
	if c.IdempotencyKey != "" {
		s.idempotency[idemKey(c.RequesterID, c.IdempotencyKey)] = c.ID
	}
	return copyTask(c), nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "task %s not found", id)
	}
	return copyTask(t), nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, requesterID, key string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idempotency[idemKey(requesterID, key)]
	if !ok || s.tasks[id].State.IsTerminal() {
		return nil, fault.New(fault.NotFound, "no live task for idempotency key")
	}
	return copyTask(s.tasks[id]), nil
}

func (s *MemoryStore) ListTasksByRequester(ctx context.Context, requesterID string, limit int) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.RequesterID == requesterID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CASTaskState(ctx context.Context, id string, from, to models.TaskState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, fault.New(fault.NotFound, "task %s not found", id)
	}
	if t.State != from {
		return false, nil
	}
	t.State = to
	switch to {
	case models.TaskRunning:
		if t.StartedAt == nil {
			now := s.now()
			t.StartedAt = &now
		}
	case models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
		now := s.now()
		t.CompletedAt = &now
	}
	return true, nil
}

func (s *MemoryStore) SaveTaskResult(ctx context.Context, id string, res models.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fault.New(fault.NotFound, "task %s not found", id)
	}
	if t.State.IsTerminal() {
		return fault.New(fault.Conflict, "task %s is already %s", id, t.State)
	}
	t.State = models.TaskCompleted
	t.Output = res.Output
	t.UsedModel = res.UsedModel
	t.Delegations = append([]string(nil), res.Delegations...)
	now := s.now()
	t.CompletedAt = &now
	return nil
}

func (s *MemoryStore) SaveTaskFailure(ctx context.Context, id string, kind fault.Kind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fault.New(fault.NotFound, "task %s not found", id)
	}
	if t.State.IsTerminal() {
		return fault.New(fault.Conflict, "task %s is already %s", id, t.State)
	}
	t.State = models.TaskFailed
	t.ErrorKind = string(kind)
	t.ErrorMessage = message
	now := s.now()
	t.CompletedAt = &now
	return nil
}

func (s *MemoryStore) BumpAttempts(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, fault.New(fault.NotFound, "task %s not found", id)
	}
	t.Attempts++
	return t.Attempts, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m *models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[m.ConversationID]
	var next int64 = 1
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Seq + 1
	}
	m.Seq = next
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.messages[m.ConversationID] = append(msgs, *m)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]models.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConversationMessage(nil), s.messages[conversationID]...), nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, conversationID string, n int) ([]models.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]models.ConversationMessage(nil), msgs...), nil
}

func (s *MemoryStore) CompactConversation(ctx context.Context, conversationID string, summary models.ConversationMessage, keepFromSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	summary.ConversationID = conversationID
	summary.Seq = keepFromSeq - 1
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now()
	}
	kept := []models.ConversationMessage{summary}
	for _, m := range msgs {
		if m.Seq >= keepFromSeq {
			kept = append(kept, m)
		}
	}
	s.messages[conversationID] = kept
	return nil
}

func (s *MemoryStore) RecordWebhook(ctx context.Context, e *models.WebhookAuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.Endpoint + "\x00" + e.ExternalID
	if _, ok := s.webhooks[key]; ok {
		return true, nil
	}
	s.webhooks[key] = struct{}{}
	return false, nil
}

func (s *MemoryStore) InsertEntity(ctx context.Context, e *models.DomainEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	if c.ID == "" {
		c.ID = uuid.NewString()
		e.ID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.entities = append(s.entities, &c)
	return nil
}

func (s *MemoryStore) ListEntities(ctx context.Context, requesterID string, kind models.EntityKind, limit int) ([]*models.DomainEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DomainEntity
	for i := len(s.entities) - 1; i >= 0; i-- {
		e := s.entities[i]
		if e.RequesterID == requesterID && e.Kind == kind {
			c := *e
			out = append(out, &c)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}
