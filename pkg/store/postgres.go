package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/models"
)

const pgUniqueViolation = "23505"

// schema is applied on startup. Statements are idempotent so replicas can
// race on boot.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	requester_id    TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	inputs          JSONB,
	state           TEXT NOT NULL,
	output          TEXT NOT NULL DEFAULT '',
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	delegations     TEXT[] NOT NULL DEFAULT '{}',
	used_model      TEXT NOT NULL DEFAULT '',
	parent_id       TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT,
	attempts        INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);
DROP INDEX IF EXISTS tasks_idempotency;
CREATE UNIQUE INDEX IF NOT EXISTS tasks_idempotency_live
	ON tasks (requester_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL
	AND state NOT IN ('completed','failed','cancelled');
CREATE INDEX IF NOT EXISTS tasks_requester ON tasks (requester_id, created_at DESC);
CREATE INDEX IF NOT EXISTS tasks_parent ON tasks (parent_id) WHERE parent_id <> '';

CREATE TABLE IF NOT EXISTS conversation_messages (
	conversation_id  TEXT NOT NULL,
	seq              BIGINT NOT NULL,
	role             TEXT NOT NULL,
	speaker_agent_id TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS webhook_audit (
	endpoint        TEXT NOT NULL,
	external_id     TEXT NOT NULL,
	headers         JSONB,
	signature_valid BOOLEAN NOT NULL,
	received_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (endpoint, external_id)
);

CREATE TABLE IF NOT EXISTS domain_entities (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	payload      JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS domain_entities_lookup
	ON domain_entities (requester_id, kind, created_at DESC);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, applies the schema, and returns the store.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	c := *t
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.State == "" {
		c.State = models.TaskQueued
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	inputs, err := json.Marshal(c.Inputs)
	if err != nil {
		return nil, fault.Wrap(fault.BadRequest, err, "encode task inputs")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, requester_id, agent_id, kind, conversation_id,
			inputs, state, parent_id, idempotency_key, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.RequesterID, c.AgentID, string(c.Kind), c.ConversationID,
		inputs, string(c.State), c.ParentID, nullable(c.IdempotencyKey),
		c.Attempts, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, ferr := s.FindByIdempotencyKey(ctx, c.RequesterID, c.IdempotencyKey)
			if ferr != nil {
				return nil, ferr
			}
			return existing, fault.New(fault.Conflict, "idempotency key already used by task %s", existing.ID)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var inputs []byte
	var idem *string
	err := row.Scan(&t.ID, &t.RequesterID, &t.AgentID, &t.Kind, &t.ConversationID,
		&inputs, &t.State, &t.Output, &t.ErrorKind, &t.ErrorMessage,
		&t.Delegations, &t.UsedModel, &t.ParentID, &idem, &t.Attempts,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if idem != nil {
		t.IdempotencyKey = *idem
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &t.Inputs); err != nil {
			return nil, fmt.Errorf("decode task inputs: %w", err)
		}
	}
	return &t, nil
}

const taskColumns = `id, requester_id, agent_id, kind, conversation_id,
	inputs, state, output, error_kind, error_message, delegations,
	used_model, parent_id, idempotency_key, attempts,
	created_at, started_at, completed_at`

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "task %s not found", id)
	}
	return t, err
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, requesterID, key string) (*models.Task, error) {
	t, err := s.scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE requester_id = $1 AND idempotency_key = $2
		 AND state NOT IN ('completed','failed','cancelled')
		 ORDER BY created_at DESC LIMIT 1`,
		requesterID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "no live task for idempotency key")
	}
	return t, err
}

func (s *PostgresStore) listTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTasksByRequester(ctx context.Context, requesterID string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE requester_id = $1 ORDER BY created_at DESC LIMIT $2`,
		requesterID, limit)
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]*models.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE parent_id = $1 ORDER BY created_at ASC`, parentID)
}

func (s *PostgresStore) CASTaskState(ctx context.Context, id string, from, to models.TaskState) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET state = $3,
			started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed','failed','cancelled') THEN now() ELSE completed_at END
		WHERE id = $1 AND state = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("update task state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a missing task.
		if _, err := s.GetTask(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) SaveTaskResult(ctx context.Context, id string, res models.TaskResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET state = 'completed', output = $2, used_model = $3,
			delegations = $4, completed_at = now()
		WHERE id = $1 AND state NOT IN ('completed','failed','cancelled')`,
		id, res.Output, res.UsedModel, res.Delegations)
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return fault.New(fault.Conflict, "task %s is already %s", id, t.State)
	}
	return nil
}

func (s *PostgresStore) SaveTaskFailure(ctx context.Context, id string, kind fault.Kind, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET state = 'failed', error_kind = $2, error_message = $3,
			completed_at = now()
		WHERE id = $1 AND state NOT IN ('completed','failed','cancelled')`,
		id, string(kind), message)
	if err != nil {
		return fmt.Errorf("save task failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return fault.New(fault.Conflict, "task %s is already %s", id, t.State)
	}
	return nil
}

func (s *PostgresStore) BumpAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fault.New(fault.NotFound, "task %s not found", id)
	}
	return attempts, err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *models.ConversationMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	// Retry on the rare seq race between two appenders.
	for attempt := 0; attempt < 5; attempt++ {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO conversation_messages (conversation_id, seq, role, speaker_agent_id, content, created_at)
			SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
			FROM conversation_messages WHERE conversation_id = $1
			RETURNING seq`,
			m.ConversationID, string(m.Role), m.SpeakerAgentID, m.Content, m.CreatedAt).Scan(&m.Seq)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("append message: %w", err)
		}
	}
	return fault.New(fault.Conflict, "conversation %s: sequence contention", m.ConversationID)
}

func (s *PostgresStore) listMessages(ctx context.Context, query string, args ...any) ([]models.ConversationMessage, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.Role, &m.SpeakerAgentID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]models.ConversationMessage, error) {
	return s.listMessages(ctx, `
		SELECT conversation_id, seq, role, speaker_agent_id, content, created_at
		FROM conversation_messages WHERE conversation_id = $1 ORDER BY seq ASC`,
		conversationID)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, n int) ([]models.ConversationMessage, error) {
	if n <= 0 {
		return s.ListMessages(ctx, conversationID)
	}
	msgs, err := s.listMessages(ctx, `
		SELECT conversation_id, seq, role, speaker_agent_id, content, created_at
		FROM conversation_messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2`,
		conversationID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PostgresStore) CompactConversation(ctx context.Context, conversationID string, summary models.ConversationMessage, keepFromSeq int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin compaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id = $1 AND seq < $2`,
		conversationID, keepFromSeq); err != nil {
		return fmt.Errorf("drop compacted messages: %w", err)
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_messages (conversation_id, seq, role, speaker_agent_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conversationID, keepFromSeq-1, string(summary.Role), summary.SpeakerAgentID,
		summary.Content, summary.CreatedAt); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RecordWebhook(ctx context.Context, e *models.WebhookAuditEntry) (bool, error) {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return false, fault.Wrap(fault.BadRequest, err, "encode webhook headers")
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_audit (endpoint, external_id, headers, signature_valid, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (endpoint, external_id) DO NOTHING`,
		e.Endpoint, e.ExternalID, headers, e.SignatureValid, e.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("record webhook: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func (s *PostgresStore) InsertEntity(ctx context.Context, e *models.DomainEntity) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_entities (id, kind, requester_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, string(e.Kind), e.RequesterID, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s entity: %w", e.Kind, err)
	}
	return nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, requesterID string, kind models.EntityKind, limit int) ([]*models.DomainEntity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, requester_id, payload, created_at
		FROM domain_entities
		WHERE requester_id = $1 AND kind = $2
		ORDER BY created_at DESC LIMIT $3`,
		requesterID, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DomainEntity
	for rows.Next() {
		var e models.DomainEntity
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.RequesterID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
