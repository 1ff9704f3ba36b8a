// Package memory maintains the per-conversation message log and compacts
// it when it outgrows the token budget. Older messages are folded into a
// single summary message; the most recent messages are always kept
// verbatim.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/store"
)

// Summarizer condenses a run of messages into one summary string. The
// model client provides one at wiring time.
type Summarizer func(ctx context.Context, msgs []models.ConversationMessage) (string, error)

// Log is the conversation memory. All appends to the same conversation
// are serialized so compaction never races an append.
type Log struct {
	store     store.Store
	cfg       config.MemoryConfig
	enc       *tiktoken.Tiktoken
	summarize Summarizer
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLog builds the conversation memory. The summarizer may be nil, in
// which case compaction truncates instead of summarizing.
func NewLog(s store.Store, cfg config.MemoryConfig, summarize Summarizer, logger *slog.Logger) (*Log, error) {
	enc, err := tiktoken.GetEncoding(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", cfg.Encoding, err)
	}
	return &Log{
		store:     s,
		cfg:       cfg,
		enc:       enc,
		summarize: summarize,
		logger:    logger.With("component", "memory"),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

func (l *Log) lock(conversationID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[conversationID] = m
	}
	return m
}

// Append records a message and compacts the conversation if it now
// exceeds the token budget.
func (l *Log) Append(ctx context.Context, conversationID, role, speakerAgentID, content string) (*models.ConversationMessage, error) {
	mu := l.lock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	m := &models.ConversationMessage{
		ConversationID: conversationID,
		Role:           role,
		SpeakerAgentID: speakerAgentID,
		Content:        content,
	}
	if err := l.store.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := l.maybeCompact(ctx, conversationID); err != nil {
		// Compaction failure is not fatal; the log just stays long.
		l.logger.WarnContext(ctx, "compaction failed",
			"conversation_id", conversationID, "error", err)
	}
	return m, nil
}

// History returns the conversation in order, summary first if compacted.
func (l *Log) History(ctx context.Context, conversationID string) ([]models.ConversationMessage, error) {
	return l.store.ListMessages(ctx, conversationID)
}

// Recent returns the last n messages in order.
func (l *Log) Recent(ctx context.Context, conversationID string, n int) ([]models.ConversationMessage, error) {
	return l.store.RecentMessages(ctx, conversationID, n)
}

// Tokens reports the token count of the messages under the configured
// encoding.
func (l *Log) Tokens(msgs []models.ConversationMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(l.enc.Encode(m.Content, nil, nil))
	}
	return total
}

func (l *Log) maybeCompact(ctx context.Context, conversationID string) error {
	msgs, err := l.store.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	if len(msgs) <= l.cfg.KeepRecent || l.Tokens(msgs) <= l.cfg.BudgetTokens {
		return nil
	}

	cut := len(msgs) - l.cfg.KeepRecent
	old, kept := msgs[:cut], msgs[cut:]

	summary := l.truncationSummary(old)
	if l.summarize != nil {
		s, err := l.summarize(ctx, old)
		if err != nil {
			return fmt.Errorf("summarize %d messages: %w", len(old), err)
		}
		summary = s
	}

	err = l.store.CompactConversation(ctx, conversationID, models.ConversationMessage{
		Role:    models.RoleSystem,
		Content: "Conversation summary: " + summary,
	}, kept[0].Seq)
	if err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "conversation compacted",
		"conversation_id", conversationID,
		"dropped", len(old), "kept", len(kept))
	return nil
}

// truncationSummary is the fallback when no summarizer is wired.
func (l *Log) truncationSummary(old []models.ConversationMessage) string {
	return fmt.Sprintf("%d earlier messages were dropped to fit the context window.", len(old))
}
