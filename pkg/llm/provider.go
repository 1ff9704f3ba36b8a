// Package llm wraps the model provider behind a retrying, cached,
// rate-limited client. The provider speaks the OpenAI-compatible chat
// completions API, which OpenRouter exposes for every routed model.
package llm

import "context"

// Message is one turn of a chat completion request.
type Message struct {
	Role    string
	Content string
}

// Request is a single chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Response carries the completion and the provider-reported usage.
type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider executes one chat completion against a model backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
