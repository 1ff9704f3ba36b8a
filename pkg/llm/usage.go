package llm

import "sync"

// ModelUsage accumulates per-model accounting.
type ModelUsage struct {
	Calls            int64 `json:"calls"`
	Failures         int64 `json:"failures"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// UsageMeter tracks token spend per model across the process.
type UsageMeter struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
}

func NewUsageMeter() *UsageMeter {
	return &UsageMeter{models: make(map[string]*ModelUsage)}
}

func (u *UsageMeter) entry(model string) *ModelUsage {
	e, ok := u.models[model]
	if !ok {
		e = &ModelUsage{}
		u.models[model] = e
	}
	return e
}

// Record accounts one successful call.
func (u *UsageMeter) Record(model string, promptTokens, completionTokens int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e := u.entry(model)
	e.Calls++
	e.PromptTokens += int64(promptTokens)
	e.CompletionTokens += int64(completionTokens)
}

// RecordFailure accounts one failed call.
func (u *UsageMeter) RecordFailure(model string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e := u.entry(model)
	e.Calls++
	e.Failures++
}

// Snapshot returns a copy of the per-model totals.
func (u *UsageMeter) Snapshot() map[string]ModelUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]ModelUsage, len(u.models))
	for model, e := range u.models {
		out[model] = *e
	}
	return out
}
