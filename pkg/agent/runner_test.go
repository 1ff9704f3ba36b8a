package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/cache"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/limiter"
	"github.com/crewhq/crewd/pkg/llm"
	"github.com/crewhq/crewd/pkg/memory"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/store"
)

type fakeProvider struct {
	mu      sync.Mutex
	reqs    []llm.Request
	respond func(req llm.Request) (*llm.Response, error)
}

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeProvider) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.reqs...)
}

func reply(content string) (*llm.Response, error) {
	return &llm.Response{Content: content, Model: "openai/gpt-4o-mini", PromptTokens: 10, CompletionTokens: 20}, nil
}

// lastUser returns the content of the final user message of a request.
func lastUser(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func systemOf(req llm.Request) string {
	if len(req.Messages) > 0 && req.Messages[0].Role == models.RoleSystem {
		return req.Messages[0].Content
	}
	return ""
}

func newTestRunner(t *testing.T, p *fakeProvider, maxDepth int) (*Runner, *store.MemoryStore) {
	t.Helper()
	logger := slog.Default()
	st := store.NewMemoryStore()
	limits := limiter.New(config.LimiterConfig{
		GlobalConcurrency:    8,
		RequesterConcurrency: 8,
		BucketCapacity:       1000,
		BucketRefillPerSec:   1000,
	})
	client := llm.NewClient(p, cache.New(cache.DefaultConfig()), limits, config.LLMConfig{
		DefaultModel: "openai/gpt-4o-mini",
	}, logger)
	mem, err := memory.NewLog(st, config.MemoryConfig{
		BudgetTokens: 100000,
		KeepRecent:   10,
		Encoding:     "cl100k_base",
	}, nil, logger)
	require.NoError(t, err)
	return NewRunner(NewRegistry(), client, mem, st, config.AgentConfig{MaxDepth: maxDepth}, logger), st
}

func newTask(st *store.MemoryStore, t *testing.T, agentID, prompt string) *models.Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), &models.Task{
		RequesterID: "u1",
		AgentID:     agentID,
		Kind:        models.TaskKindAgent,
		Inputs:      map[string]any{"prompt": prompt},
	})
	require.NoError(t, err)
	_, err = st.CASTaskState(context.Background(), task.ID, models.TaskQueued, models.TaskRunning)
	require.NoError(t, err)
	return task
}

func TestRunnerSimpleAnswer(t *testing.T) {
	p := &fakeProvider{respond: func(llm.Request) (*llm.Response, error) {
		return reply("Ship it next sprint.")
	}}
	r, st := newTestRunner(t, p, 3)

	task := newTask(st, t, ProductManager, "when do we ship?")
	res, err := r.Run(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, "Ship it next sprint.", res.Output)
	assert.Equal(t, "openai/gpt-4o-mini", res.UsedModel)
	assert.Empty(t, res.Delegations)

	calls := p.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, systemOf(calls[0]), "DELEGATE(")
	assert.Contains(t, lastUser(calls[0]), "when do we ship?")
}

func TestRunnerExtraInputsSerialised(t *testing.T) {
	p := &fakeProvider{respond: func(llm.Request) (*llm.Response, error) {
		return reply("noted")
	}}
	r, st := newTestRunner(t, p, 3)

	task, err := st.CreateTask(context.Background(), &models.Task{
		RequesterID: "u1",
		AgentID:     Engineer,
		Kind:        models.TaskKindAgent,
		Inputs: map[string]any{
			"prompt":   "triage this",
			"severity": "high",
			"source":   "pagerduty",
		},
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), task)
	require.NoError(t, err)

	user := lastUser(p.calls()[0])
	assert.Contains(t, user, "triage this")
	assert.Contains(t, user, "Context:")
	assert.Contains(t, user, "severity: high")
	assert.Contains(t, user, "source: pagerduty")
}

func TestRunnerDelegation(t *testing.T) {
	p := &fakeProvider{}
	p.respond = func(req llm.Request) (*llm.Response, error) {
		switch {
		case strings.Contains(systemOf(req), "draft answer"):
			return reply("Plan: two weeks, per Kevin's estimate.")
		case strings.Contains(lastUser(req), "Estimate the effort"):
			return reply("Two weeks of work.")
		default:
			return reply("I'll check with engineering.\nDELEGATE(engineer):\n  Estimate the effort for the export feature.")
		}
	}
	r, st := newTestRunner(t, p, 3)

	task := newTask(st, t, ProductManager, "plan the export feature")
	res, err := r.Run(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, "Plan: two weeks, per Kevin's estimate.", res.Output)
	require.Len(t, res.Delegations, 1)
	assert.Len(t, p.calls(), 3)

	child, err := st.GetTask(context.Background(), res.Delegations[0])
	require.NoError(t, err)
	assert.Equal(t, Engineer, child.AgentID)
	assert.Equal(t, task.ID, child.ParentID)
	assert.Equal(t, models.TaskCompleted, child.State)
	assert.Equal(t, "Two weeks of work.", child.Output)

	// Parent is handed back in Running for the worker to finalise.
	parent, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, parent.State)
}

func TestRunnerDepthCapAnnotates(t *testing.T) {
	p := &fakeProvider{respond: func(llm.Request) (*llm.Response, error) {
		return reply("Answer.\nDELEGATE(engineer):\n  Dig deeper.")
	}}
	r, st := newTestRunner(t, p, 0)

	task := newTask(st, t, ProductManager, "go deep")
	res, err := r.Run(context.Background(), task)
	require.NoError(t, err)

	assert.Contains(t, res.Output, "Answer.")
	assert.Contains(t, res.Output, "depth limit")
	assert.Empty(t, res.Delegations)
	assert.Len(t, p.calls(), 1)
	// At the cap the delegation syntax is not offered either.
	assert.NotContains(t, systemOf(p.calls()[0]), "DELEGATE(")
}

func TestRunnerNonPeerDropped(t *testing.T) {
	p := &fakeProvider{respond: func(llm.Request) (*llm.Response, error) {
		// The finance manager may not delegate to leadgen.
		return reply("Numbers below.\nDELEGATE(leadgen):\n  Find prospects.")
	}}
	r, st := newTestRunner(t, p, 3)

	task := newTask(st, t, FinanceManager, "runway?")
	res, err := r.Run(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, "Numbers below.", res.Output)
	assert.Empty(t, res.Delegations)
	assert.Len(t, p.calls(), 1)
}

func TestRunnerCycleRefused(t *testing.T) {
	p := &fakeProvider{respond: func(llm.Request) (*llm.Response, error) {
		return reply("Thoughts.\nDELEGATE(engineer):\n  Bounce this back.")
	}}
	r, st := newTestRunner(t, p, 3)

	task := newTask(st, t, ProductManager, "review")
	res, err := r.run(context.Background(), task, 1, []string{Engineer})
	require.NoError(t, err)

	assert.Contains(t, res.Output, "Thoughts.")
	assert.Contains(t, res.Output, "refused")
	assert.Empty(t, res.Delegations)
	assert.Len(t, p.calls(), 1)
}

func TestRunnerChildFailureSurfacedToParent(t *testing.T) {
	p := &fakeProvider{}
	p.respond = func(req llm.Request) (*llm.Response, error) {
		switch {
		case strings.Contains(systemOf(req), "draft answer"):
			return reply("Final, minus the estimate.")
		case strings.Contains(lastUser(req), "Estimate"):
			return nil, fault.New(fault.BadRequest, "model rejected the prompt")
		default:
			return reply("DELEGATE(engineer):\n  Estimate the work.")
		}
	}
	r, st := newTestRunner(t, p, 3)

	task := newTask(st, t, ProductManager, "plan")
	res, err := r.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "Final, minus the estimate.", res.Output)
	require.Len(t, res.Delegations, 1)

	child, err := st.GetTask(context.Background(), res.Delegations[0])
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, child.State)
	assert.Equal(t, string(fault.BadRequest), child.ErrorKind)

	// The consolidator saw the failure note.
	var consolidation llm.Request
	for _, req := range p.calls() {
		if strings.Contains(systemOf(req), "draft answer") {
			consolidation = req
		}
	}
	assert.Contains(t, lastUser(consolidation), "could not complete")
}

func TestRunnerUnknownAgent(t *testing.T) {
	p := &fakeProvider{respond: func(llm.Request) (*llm.Response, error) {
		return reply("unused")
	}}
	r, st := newTestRunner(t, p, 3)

	task := newTask(st, t, "cfo", "hi")
	_, err := r.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, fault.UnknownAgent, fault.KindOf(err))
}

func TestRunnerConversationMemory(t *testing.T) {
	p := &fakeProvider{respond: func(req llm.Request) (*llm.Response, error) {
		if strings.Contains(lastUser(req), "second question") {
			return reply("second answer")
		}
		return reply("first answer")
	}}
	r, st := newTestRunner(t, p, 3)
	ctx := context.Background()

	for _, prompt := range []string{"first question", "second question"} {
		task, err := st.CreateTask(ctx, &models.Task{
			RequesterID:    "u1",
			AgentID:        Assistant,
			Kind:           models.TaskKindAgent,
			ConversationID: "conv-1",
			Inputs:         map[string]any{"prompt": prompt},
		})
		require.NoError(t, err)
		_, err = r.Run(ctx, task)
		require.NoError(t, err)
	}

	msgs, err := st.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "first answer", msgs[1].Content)
	assert.Equal(t, Assistant, msgs[1].SpeakerAgentID)
	assert.Equal(t, "second answer", msgs[3].Content)

	// The second turn carried the first exchange as context.
	calls := p.calls()
	require.Len(t, calls, 2)
	var sawHistory bool
	for _, m := range calls[1].Messages {
		if m.Content == "first answer" {
			sawHistory = true
		}
	}
	assert.True(t, sawHistory)
}

func TestRunnerRoundtable(t *testing.T) {
	p := &fakeProvider{}
	p.respond = func(req llm.Request) (*llm.Response, error) {
		sys := systemOf(req)
		switch {
		case strings.Contains(sys, "Several specialists"):
			return reply("Merged take.")
		case strings.Contains(sys, "engineer"):
			return reply("Engineering view.")
		default:
			return reply("Finance view.")
		}
	}
	r, st := newTestRunner(t, p, 3)

	task, err := st.CreateTask(context.Background(), &models.Task{
		RequesterID: "u1",
		AgentID:     MultiAgent,
		Kind:        models.TaskKindAgent,
		Inputs: map[string]any{
			"prompt": "state of the business?",
			"agents": []string{Engineer, FinanceManager},
		},
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "Merged take.", res.Output)
	assert.Len(t, res.Delegations, 2)
	assert.Len(t, p.calls(), 3)

	merge := p.calls()[2]
	assert.Contains(t, lastUser(merge), "Kevin answered:")
	assert.Contains(t, lastUser(merge), "Marcus answered:")
}

func TestRunnerRoundtableSingleAgentSkipsMerge(t *testing.T) {
	p := &fakeProvider{respond: func(llm.Request) (*llm.Response, error) {
		return reply("Solo view.")
	}}
	r, st := newTestRunner(t, p, 3)

	task, err := st.CreateTask(context.Background(), &models.Task{
		RequesterID: "u1",
		AgentID:     MultiAgent,
		Kind:        models.TaskKindAgent,
		Inputs: map[string]any{
			"prompt": "ask @engineer only",
			"agents": []string{Engineer},
		},
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "Solo view.", res.Output)
	assert.Len(t, p.calls(), 1)
}

func TestRunnerRoundtableAllFailed(t *testing.T) {
	p := &fakeProvider{respond: func(llm.Request) (*llm.Response, error) {
		return nil, fault.New(fault.BadRequest, "nope")
	}}
	r, st := newTestRunner(t, p, 3)

	task, err := st.CreateTask(context.Background(), &models.Task{
		RequesterID: "u1",
		AgentID:     MultiAgent,
		Kind:        models.TaskKindAgent,
		Inputs: map[string]any{
			"prompt": "anyone?",
			"agents": []string{Engineer, FinanceManager},
		},
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, fault.ProviderError, fault.KindOf(err))
}

func TestRunnerCancelledContext(t *testing.T) {
	p := &fakeProvider{respond: func(llm.Request) (*llm.Response, error) {
		return reply("unused")
	}}
	r, st := newTestRunner(t, p, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := newTask(st, t, Engineer, "hi")
	_, err := r.Run(ctx, task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || fault.KindOf(err) == fault.Cancelled)
}
