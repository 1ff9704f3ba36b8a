package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/cache"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/limiter"
)

type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	responses []func(req Request) (*Response, error)
}

func (f *fakeProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i](req)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func ok(content string) func(Request) (*Response, error) {
	return func(req Request) (*Response, error) {
		return &Response{Content: content, Model: req.Model, PromptTokens: 10, CompletionTokens: 5}, nil
	}
}

func fail(err error) func(Request) (*Response, error) {
	return func(Request) (*Response, error) { return nil, err }
}

func testClient(p Provider, mutate ...func(*config.LLMConfig)) *Client {
	cfg := config.LLMConfig{
		DefaultModel: "openai/gpt-4o-mini",
		RetryLadder:  []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	lim := limiter.New(config.LimiterConfig{
		GlobalConcurrency:    3,
		RequesterConcurrency: 2,
		BucketCapacity:       1000,
		BucketRefillPerSec:   1000,
	})
	return NewClient(p, cache.New(cache.DefaultConfig()), lim, cfg, slog.Default())
}

func TestGenerateSuccess(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){ok("hello")}}
	c := testClient(p)

	res, err := c.Generate(context.Background(), Call{RequesterID: "alice", AgentID: "alex", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, "openai/gpt-4o-mini", res.Model)

	usage := c.Usage().Snapshot()["openai/gpt-4o-mini"]
	assert.Equal(t, int64(1), usage.Calls)
	assert.Equal(t, int64(10), usage.PromptTokens)
}

func TestGenerateRetriesTransient(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){
		fail(fault.New(fault.ProviderError, "upstream 502")),
		fail(fault.Throttle(0, "slow down")),
		ok("eventually"),
	}}
	c := testClient(p)

	res, err := c.Generate(context.Background(), Call{RequesterID: "alice", AgentID: "alex"})
	require.NoError(t, err)
	assert.Equal(t, "eventually", res.Content)
	assert.Equal(t, 3, p.callCount())
}

func TestGenerateLadderExhausted(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){
		fail(fault.New(fault.ProviderError, "down")),
	}}
	c := testClient(p)

	_, err := c.Generate(context.Background(), Call{RequesterID: "alice", AgentID: "alex"})
	require.Error(t, err)
	assert.Equal(t, fault.ProviderError, fault.KindOf(err))
	// Initial try plus the three-step ladder.
	assert.Equal(t, 4, p.callCount())
}

func TestGeneratePermanentFailureNotRetried(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){
		fail(fault.New(fault.BadRequest, "bad prompt")),
	}}
	c := testClient(p)

	_, err := c.Generate(context.Background(), Call{RequesterID: "alice", AgentID: "alex"})
	require.Error(t, err)
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))
	assert.Equal(t, 1, p.callCount())
}

func TestGenerateEmptyCompletionIsBadResponse(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){ok("   ")}}
	c := testClient(p)

	_, err := c.Generate(context.Background(), Call{RequesterID: "alice", AgentID: "alex"})
	assert.Equal(t, fault.BadResponse, fault.KindOf(err))
}

func TestGenerateShapeCheck(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){ok("not json")}}
	c := testClient(p)

	_, err := c.Generate(context.Background(), Call{
		RequesterID: "alice",
		AgentID:     "alex",
		Validate: func(content string) error {
			return errors.New("expected a list")
		},
	})
	assert.Equal(t, fault.BadResponse, fault.KindOf(err))
	// Shape failures are permanent: one call only.
	assert.Equal(t, 1, p.callCount())
}

func TestGenerateModelFallback(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){
		fail(fault.New(fault.ProviderError, "primary down")),
		fail(fault.New(fault.ProviderError, "primary down")),
		fail(fault.New(fault.ProviderError, "primary down")),
		fail(fault.New(fault.ProviderError, "primary down")),
		ok("from fallback"),
	}}
	c := testClient(p, func(cfg *config.LLMConfig) {
		cfg.FallbackModels = []string{"openai/gpt-4o"}
	})

	res, err := c.Generate(context.Background(), Call{RequesterID: "alice", AgentID: "alex"})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", res.Content)
	assert.Equal(t, "openai/gpt-4o", res.Model)
}

func TestGenerateCacheable(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){ok("cached answer")}}
	c := testClient(p)
	ctx := context.Background()

	call := Call{
		RequesterID: "alice",
		AgentID:     "alex",
		Cacheable:   true,
		CacheInputs: map[string]any{"message": "what is the plan"},
	}
	first, err := c.Generate(ctx, call)
	require.NoError(t, err)
	second, err := c.Generate(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, p.callCount(), "second call must be served from cache")

	// Different inputs miss the cache.
	call.CacheInputs = map[string]any{"message": "something else"}
	_, err = c.Generate(ctx, call)
	require.NoError(t, err)
	assert.Equal(t, 2, p.callCount())
}

func TestGenerateThrottleHonorsRetryAfter(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){
		fail(fault.Throttle(5*time.Millisecond, "later")),
		ok("after wait"),
	}}
	c := testClient(p)

	var waited time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waited = d
		return nil
	}

	_, err := c.Generate(context.Background(), Call{RequesterID: "alice", AgentID: "alex"})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, waited, "retry hint above the ladder step wins")
}

// hangingProvider blocks until the call context ends, then recovers.
type hangingProvider struct {
	mu    sync.Mutex
	calls int
}

func (h *hangingProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	h.mu.Lock()
	h.calls++
	n := h.calls
	h.mu.Unlock()
	if n == 1 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &Response{Content: "recovered", Model: req.Model}, nil
}

func TestGenerateAttemptTimeoutFreesTheLadder(t *testing.T) {
	p := &hangingProvider{}
	c := testClient(p, func(cfg *config.LLMConfig) {
		cfg.CallTimeout = 20 * time.Millisecond
	})

	res, err := c.Generate(context.Background(), Call{RequesterID: "alice", AgentID: "alex"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Content)
	assert.Equal(t, 2, p.calls, "a hung first attempt must time out and yield to the retry ladder")
}

func TestGenerateAllAttemptsHungIsTimeout(t *testing.T) {
	p := &fakeProvider{responses: []func(Request) (*Response, error){
		fail(context.DeadlineExceeded),
	}}
	c := testClient(p, func(cfg *config.LLMConfig) {
		cfg.CallTimeout = time.Millisecond
		cfg.RetryLadder = []time.Duration{time.Millisecond}
	})

	_, err := c.Generate(context.Background(), Call{RequesterID: "alice", AgentID: "alex"})
	require.Error(t, err)
	assert.Equal(t, fault.Timeout, fault.KindOf(err))
}

func TestGenerateCallTimeoutOverridesDefault(t *testing.T) {
	var deadline time.Time
	p := &fakeProvider{responses: []func(Request) (*Response, error){ok("quick")}}
	probeDeadline := func(ctx context.Context) {
		deadline, _ = ctx.Deadline()
	}
	wrapped := providerFunc(func(ctx context.Context, req Request) (*Response, error) {
		probeDeadline(ctx)
		return p.Complete(ctx, req)
	})
	c := testClient(wrapped, func(cfg *config.LLMConfig) {
		cfg.CallTimeout = 30 * time.Second
	})

	start := time.Now()
	_, err := c.Generate(context.Background(), Call{
		RequesterID: "alice",
		AgentID:     "kevin",
		Timeout:     60 * time.Second,
	})
	require.NoError(t, err)
	remaining := deadline.Sub(start)
	assert.Greater(t, remaining, 45*time.Second, "per-call timeout must widen the attempt window")
	assert.LessOrEqual(t, remaining, 60*time.Second)
}

type providerFunc func(ctx context.Context, req Request) (*Response, error)

func (f providerFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
