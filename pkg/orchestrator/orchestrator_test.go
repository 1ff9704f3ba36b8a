package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/agent"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/memory"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/queue"
	"github.com/crewhq/crewd/pkg/research"
	"github.com/crewhq/crewd/pkg/store"
)

type env struct {
	orch  *Orchestrator
	store *store.MemoryStore
	queue *queue.MemoryQueue
}

func newEnv(t *testing.T, syncWait time.Duration) *env {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	mem, err := memory.NewLog(st, config.MemoryConfig{
		BudgetTokens: 100000,
		KeepRecent:   10,
		Encoding:     "cl100k_base",
	}, nil, slog.Default())
	require.NoError(t, err)
	orch := New(st, q, agent.NewRegistry(), mem, config.AgentConfig{
		MaxDepth: 3,
		SyncWait: syncWait,
	}, slog.Default())
	return &env{orch: orch, store: st, queue: q}
}

// completeAfter pretends to be a worker: it claims the next job after the
// delay and records the given outcome on its task.
func (e *env) completeAfter(t *testing.T, delay time.Duration, output string, failWith fault.Kind) {
	t.Helper()
	go func() {
		time.Sleep(delay)
		ctx := context.Background()
		for {
			job, err := e.queue.Claim(ctx, "w-test", time.Minute)
			if err != nil || job == nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			_, _ = e.store.CASTaskState(ctx, job.TaskID, models.TaskQueued, models.TaskRunning)
			if failWith != "" {
				_ = e.store.SaveTaskFailure(ctx, job.TaskID, failWith, "simulated failure")
			} else {
				_ = e.store.SaveTaskResult(ctx, job.TaskID, models.TaskResult{
					Output:    output,
					UsedModel: "openai/gpt-4o-mini",
				})
			}
			_ = e.queue.Ack(ctx, job.ID)
			return
		}
	}()
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	_, _, err := e.orch.Submit(ctx, SubmitRequest{AgentID: "engineer", Prompt: "hi"})
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))

	_, _, err = e.orch.Submit(ctx, SubmitRequest{RequesterID: "u1", AgentID: "engineer"})
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))

	_, _, err = e.orch.Submit(ctx, SubmitRequest{RequesterID: "u1", AgentID: "cfo", Prompt: "hi"})
	assert.Equal(t, fault.UnknownAgent, fault.KindOf(err))
}

func TestSubmitQueuesTask(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	task, done, err := e.orch.Submit(ctx, SubmitRequest{
		RequesterID: "u1", AgentID: "engineer", Prompt: "fix the build",
	})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, models.TaskQueued, task.State)

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSubmitResolvesDisplayName(t *testing.T) {
	e := newEnv(t, 0)
	task, _, err := e.orch.Submit(context.Background(), SubmitRequest{
		RequesterID: "u1", AgentID: "Kevin", Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, agent.Engineer, task.AgentID)
}

func TestSubmitFastPath(t *testing.T) {
	e := newEnv(t, 2*time.Second)
	e.completeAfter(t, 20*time.Millisecond, "done and dusted", "")

	task, done, err := e.orch.Submit(context.Background(), SubmitRequest{
		RequesterID: "u1", AgentID: "engineer", Prompt: "quick one",
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, models.TaskCompleted, task.State)
	assert.Equal(t, "done and dusted", task.Output)
}

func TestSubmitIdempotency(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	req := SubmitRequest{
		RequesterID: "u1", AgentID: "engineer", Prompt: "hi",
		IdempotencyKey: "key-1",
	}

	first, _, err := e.orch.Submit(ctx, req)
	require.NoError(t, err)
	second, _, err := e.orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSubmitIdempotencyDivergentInputs(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	_, _, err := e.orch.Submit(ctx, SubmitRequest{
		RequesterID: "u1", AgentID: "engineer", Prompt: "hi",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	// Same key, different agent and prompt: the key is already bound to a
	// different submission, so this is a conflict, not a replay.
	_, _, err = e.orch.Submit(ctx, SubmitRequest{
		RequesterID: "u1", AgentID: "marketing_strategist", Prompt: "bye",
		IdempotencyKey: "key-1",
	})
	require.Error(t, err)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
	assert.Contains(t, err.Error(), "different inputs")

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSubmitIdempotencyKeyFreedByTerminalTask(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	req := SubmitRequest{
		RequesterID: "u1", AgentID: "engineer", Prompt: "hi",
		IdempotencyKey: "key-1",
	}

	first, _, err := e.orch.Submit(ctx, req)
	require.NoError(t, err)
	_, err = e.store.CASTaskState(ctx, first.ID, models.TaskQueued, models.TaskRunning)
	require.NoError(t, err)
	require.NoError(t, e.store.SaveTaskResult(ctx, first.ID, models.TaskResult{
		Output: "done", UsedModel: "openai/gpt-4o-mini",
	}))

	// The holder finished, so the key is free for a fresh run.
	second, _, err := e.orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.TaskQueued, second.State)
}

func TestSubmitMulti(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	_, _, err := e.orch.SubmitMulti(ctx, SubmitRequest{
		RequesterID: "u1", Prompt: "no mentions",
	})
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))

	task, _, err := e.orch.SubmitMulti(ctx, SubmitRequest{
		RequesterID: "u1", Prompt: "hey @kevin can you look at this",
	})
	require.NoError(t, err)
	assert.Equal(t, agent.Engineer, task.AgentID)

	task, _, err = e.orch.SubmitMulti(ctx, SubmitRequest{
		RequesterID: "u1", Prompt: "@marcus and @alex, weigh in please",
	})
	require.NoError(t, err)
	assert.Equal(t, agent.MultiAgent, task.AgentID)
	assert.Equal(t, []string{agent.FinanceManager, agent.ProductManager}, task.Inputs["agents"])
}

func TestCancelQueued(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	task, _, err := e.orch.Submit(ctx, SubmitRequest{
		RequesterID: "u1", AgentID: "engineer", Prompt: "hi",
	})
	require.NoError(t, err)

	got, err := e.orch.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.State)

	_, err = e.orch.Cancel(ctx, task.ID)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
}

type recordingCanceller struct {
	mu  sync.Mutex
	ids []string
}

func (c *recordingCanceller) Cancel(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, taskID)
	return true
}

func TestCancelRunningSignals(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	rc := &recordingCanceller{}
	e.orch.SetCanceller(rc)

	task, _, err := e.orch.Submit(ctx, SubmitRequest{
		RequesterID: "u1", AgentID: "engineer", Prompt: "hi",
	})
	require.NoError(t, err)
	_, err = e.store.CASTaskState(ctx, task.ID, models.TaskQueued, models.TaskRunning)
	require.NoError(t, err)

	got, err := e.orch.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.State)
	assert.Equal(t, []string{task.ID}, rc.ids)
}

func TestCancelUnknownTask(t *testing.T) {
	e := newEnv(t, 0)
	_, err := e.orch.Cancel(context.Background(), "nope")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestResearchRoundTrip(t *testing.T) {
	e := newEnv(t, 0)
	report := research.Report{
		Query:  "state of the art",
		Answer: "It is good [1].",
		Sources: []research.Source{
			{N: 1, URL: "https://example.com", Title: "Example"},
		},
		Model: "openai/gpt-4o-mini",
	}
	raw, err := json.Marshal(report)
	require.NoError(t, err)
	e.completeAfter(t, 20*time.Millisecond, string(raw), "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, task, err := e.orch.Research(ctx, ResearchRequest{
		RequesterID: "u1", Query: "state of the art",
	})
	require.NoError(t, err)
	assert.Equal(t, report.Answer, got.Answer)
	assert.Equal(t, models.TaskKindResearch, task.Kind)
}

func TestResearchFailureSurfacesKind(t *testing.T) {
	e := newEnv(t, 0)
	e.completeAfter(t, 20*time.Millisecond, "", fault.NoSources)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := e.orch.Research(ctx, ResearchRequest{
		RequesterID: "u1", Query: "obscure thing",
	})
	require.Error(t, err)
	assert.Equal(t, fault.NoSources, fault.KindOf(err))
}

func TestResearchRejectsNonResearchAgent(t *testing.T) {
	e := newEnv(t, 0)
	_, _, err := e.orch.Research(context.Background(), ResearchRequest{
		RequesterID: "u1", Query: "q", PreferredAgent: "engineer",
	})
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))
}
