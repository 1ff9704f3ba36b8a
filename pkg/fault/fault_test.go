package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"fault", New(Throttled, "busy"), Throttled},
		{"wrapped fault", fmt.Errorf("outer: %w", New(Timeout, "slow")), Timeout},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"canceled", context.Canceled, Cancelled},
		{"plain error", errors.New("boom"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(Timeout, "")))
	assert.True(t, IsTransient(New(Throttled, "")))
	assert.True(t, IsTransient(New(ProviderError, "upstream 503")))
	assert.False(t, IsTransient(New(BadResponse, "")))
	assert.False(t, IsTransient(New(UnknownAgent, "")))
	assert.False(t, IsTransient(New(Cancelled, "")))
	assert.False(t, IsTransient(nil))
}

func TestThrottleCarriesRetryAfter(t *testing.T) {
	err := Throttle(90*time.Second, "domain backoff")
	require.Equal(t, Throttled, KindOf(err))
	assert.Equal(t, 90*time.Second, RetryAfterOf(err))

	wrapped := fmt.Errorf("fetch: %w", err)
	assert.Equal(t, 90*time.Second, RetryAfterOf(wrapped))
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := Wrap(ProviderError, errors.New("502"), "upstream")
	assert.True(t, errors.Is(err, &Fault{Kind: ProviderError}))
	assert.False(t, errors.Is(err, &Fault{Kind: Timeout}))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ProviderError, cause, "post")
	assert.True(t, errors.Is(err, cause))
}
