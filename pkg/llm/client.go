package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/crewhq/crewd/pkg/cache"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/limiter"
)

// Call is one model invocation as the rest of the engine sees it. The
// client fills the model from config when empty and falls back through the
// configured model list on provider failure.
type Call struct {
	RequesterID string
	AgentID     string
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int

	// Timeout bounds each provider attempt so a hung call cannot eat the
	// whole task deadline. Zero means the configured default.
	Timeout time.Duration

	// Cacheable turns on read-through caching keyed by the fingerprint of
	// (agent, inputs, model). Non-cacheable calls always hit the provider.
	Cacheable bool
	// CacheInputs is the canonical input set used for the fingerprint.
	// Required when Cacheable is set.
	CacheInputs any

	// Validate rejects a completion whose shape is wrong for the caller.
	// A rejection is permanent, not retried.
	Validate func(content string) error
}

// Result is the completion plus accounting.
type Result struct {
	Content          string    `json:"content"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Client is the retrying, cached, rate-limited front of the provider.
type Client struct {
	provider Provider
	cache    *cache.Cache
	limits   *limiter.Limiter
	cfg      config.LLMConfig
	usage    *UsageMeter
	logger   *slog.Logger

	sleep func(context.Context, time.Duration) error
}

func NewClient(p Provider, c *cache.Cache, l *limiter.Limiter, cfg config.LLMConfig, logger *slog.Logger) *Client {
	return &Client{
		provider: p,
		cache:    c,
		limits:   l,
		cfg:      cfg,
		usage:    NewUsageMeter(),
		logger:   logger.With("component", "llm"),
		sleep:    sleepCtx,
	}
}

// Usage exposes the per-model accounting.
func (c *Client) Usage() *UsageMeter { return c.usage }

// DefaultModel returns the configured default model id.
func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

// Generate runs the call through cache, admission control, the retry
// ladder, and the model fallback chain.
func (c *Client) Generate(ctx context.Context, call Call) (*Result, error) {
	if call.Model == "" {
		call.Model = c.cfg.DefaultModel
	}
	if !call.Cacheable {
		return c.generate(ctx, call)
	}

	key := cache.Fingerprint(cache.PurposeModel, call.AgentID, call.CacheInputs, call.Model)
	raw, err := c.cache.GetOrProduce(ctx, cache.PurposeModel, key, func(fctx context.Context) ([]byte, error) {
		res, err := c.generate(fctx, call)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode cached completion")
	}
	return &res, nil
}

func (c *Client) generate(ctx context.Context, call Call) (*Result, error) {
	candidates := append([]string{call.Model}, c.cfg.FallbackModels...)
	var lastErr error
	for _, model := range candidates {
		res, err := c.withModel(ctx, call, model)
		if err == nil {
			return res, nil
		}
		lastErr = err
		// Only exhausted-transient failures move to the next model.
		if !fault.IsTransient(err) {
			return nil, err
		}
		c.logger.WarnContext(ctx, "model exhausted retries, falling back",
			"model", model, "error", err)
	}
	return nil, lastErr
}

// withModel runs the retry ladder for one model.
func (c *Client) withModel(ctx context.Context, call Call, model string) (*Result, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := c.attempt(ctx, call, model)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !fault.IsTransient(err) || attempt >= len(c.cfg.RetryLadder) {
			return nil, lastErr
		}
		wait := c.cfg.RetryLadder[attempt]
		if hint := fault.RetryAfterOf(err); hint > wait {
			wait = hint
		}
		c.logger.DebugContext(ctx, "model call retrying",
			"model", model, "attempt", attempt+1, "wait", wait, "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) attempt(ctx context.Context, call Call, model string) (*Result, error) {
	release, err := c.limits.AcquireModelCall(ctx, call.RequesterID, model)
	if err != nil {
		return nil, err
	}
	defer release()

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.provider.Complete(actx, Request{
		Model:       model,
		Messages:    call.Messages,
		Temperature: call.Temperature,
		MaxTokens:   call.MaxTokens,
	})
	if err != nil {
		c.usage.RecordFailure(model)
		if actx.Err() != nil && ctx.Err() == nil {
			return nil, fault.Wrap(fault.Timeout, err, "provider call timed out")
		}
		return nil, err
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		c.usage.RecordFailure(model)
		return nil, fault.New(fault.BadResponse, "model %s returned an empty completion", model)
	}
	if call.Validate != nil {
		if verr := call.Validate(content); verr != nil {
			c.usage.RecordFailure(model)
			return nil, fault.Wrap(fault.BadResponse, verr, "completion failed shape check")
		}
	}

	c.usage.Record(model, resp.PromptTokens, resp.CompletionTokens)
	c.logger.DebugContext(ctx, "model call completed",
		"model", model,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
		"duration", time.Since(start))
	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}
	return &Result{
		Content:          content,
		Model:            usedModel,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CompletedAt:      time.Now().UTC(),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "retry wait interrupted")
	}
}
