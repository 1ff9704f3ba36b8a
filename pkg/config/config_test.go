package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := Default()
	c.Auth.WebhookSecret = "whsec"
	c.Auth.BearerKey = "bearer-key"
	c.LLM.APIKey = "sk-test"
	return c
}

func TestValidate(t *testing.T) {
	t.Run("defaults with secrets pass", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("missing webhook secret", func(t *testing.T) {
		c := validConfig()
		c.Auth.WebhookSecret = ""
		assert.ErrorContains(t, c.Validate(), "WEBHOOK_SECRET")
	})

	t.Run("missing bearer key", func(t *testing.T) {
		c := validConfig()
		c.Auth.BearerKey = ""
		assert.ErrorContains(t, c.Validate(), "INTERNAL_BEARER_KEY")
	})

	t.Run("lease shorter than two heartbeats", func(t *testing.T) {
		c := validConfig()
		c.Worker.HeartbeatInterval = 20 * time.Second
		c.Worker.LeaseTTL = 30 * time.Second
		assert.ErrorContains(t, c.Validate(), "lease TTL")
	})

	t.Run("zero workers", func(t *testing.T) {
		c := validConfig()
		c.Worker.Count = 0
		assert.ErrorContains(t, c.Validate(), "worker count")
	})
}

func TestFromEnv(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("INTERNAL_BEARER_KEY", "bearer-key")
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("AGENT_TIMEOUT", "90s")
	t.Setenv("FALLBACK_MODELS", "openai/gpt-4o, anthropic/claude-sonnet-4")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, c.Worker.Count)
	assert.Equal(t, 90*time.Second, c.LLM.AgentTimeout)
	assert.Equal(t, []string{"openai/gpt-4o", "anthropic/claude-sonnet-4"}, c.LLM.FallbackModels)
	// Untouched knobs keep their defaults.
	assert.Equal(t, 3, c.Limiter.GlobalConcurrency)
	assert.Equal(t, int64(2<<20), c.Server.MaxBodyBytes)
}

func TestDatabaseConnString(t *testing.T) {
	d := Default().Database
	d.Password = "pw"
	assert.Equal(t, "postgres://crewd:pw@localhost:5432/crewd?sslmode=disable", d.ConnString())

	d.URL = "postgres://elsewhere/db"
	assert.Equal(t, "postgres://elsewhere/db", d.ConnString())
}
