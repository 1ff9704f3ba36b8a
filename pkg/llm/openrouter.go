package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
)

// OpenRouterProvider talks to OpenRouter's OpenAI-compatible endpoint.
type OpenRouterProvider struct {
	client *openai.Client
}

var _ Provider = (*OpenRouterProvider)(nil)

func NewOpenRouterProvider(cfg config.LLMConfig) *OpenRouterProvider {
	cc := openai.DefaultConfig(cfg.APIKey)
	cc.BaseURL = cfg.BaseURL
	return &OpenRouterProvider{client: openai.NewClientWithConfig(cc)}
}

func (p *OpenRouterProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.BadResponse, "model %s returned no choices", req.Model)
	}
	return &Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classify maps provider transport errors onto the engine's error kinds.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fault.Throttle(time.Second, "provider rate limited: %v", apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return fault.Wrap(fault.Unauthorized, err, "provider rejected credentials")
		case apiErr.HTTPStatusCode >= 500:
			return fault.Wrap(fault.ProviderError, err, "provider unavailable")
		case apiErr.HTTPStatusCode == http.StatusBadRequest:
			return fault.Wrap(fault.BadRequest, err, "provider rejected request")
		}
		return fault.Wrap(fault.ProviderError, err, "provider error")
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 0 {
			return fault.Wrap(fault.ProviderError, err, "provider unreachable")
		}
		return fault.Wrap(fault.ProviderError, err, "provider request failed")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Timeout, err, "model call timed out")
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Cancelled, err, "model call cancelled")
	}
	return fault.Wrap(fault.ProviderError, err, "provider call failed")
}
