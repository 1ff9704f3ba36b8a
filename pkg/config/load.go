package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv builds a Config from the defaults overlaid with environment
// variables, then validates it.
func FromEnv() (*Config, error) {
	c := Default()

	c.Server.ListenAddr = envString("LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.MaxBodyBytes = envInt64("MAX_BODY_BYTES", c.Server.MaxBodyBytes)

	c.Auth.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	c.Auth.BearerKey = os.Getenv("INTERNAL_BEARER_KEY")
	c.Auth.BearerAudience = envString("BEARER_AUDIENCE", c.Auth.BearerAudience)

	c.Database.URL = os.Getenv("DATABASE_URL")
	c.Database.Host = envString("DB_HOST", c.Database.Host)
	c.Database.Port = envInt("DB_PORT", c.Database.Port)
	c.Database.User = envString("DB_USER", c.Database.User)
	c.Database.Password = os.Getenv("DB_PASSWORD")
	c.Database.Database = envString("DB_NAME", c.Database.Database)
	c.Database.SSLMode = envString("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Addr = envString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = envInt("REDIS_DB", c.Redis.DB)

	c.LLM.BaseURL = envString("OPENROUTER_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = os.Getenv("OPENROUTER_API_KEY")
	c.LLM.DefaultModel = envString("DEFAULT_MODEL", c.LLM.DefaultModel)
	if raw := os.Getenv("FALLBACK_MODELS"); raw != "" {
		c.LLM.FallbackModels = splitList(raw)
	}
	c.LLM.AgentTimeout = envDuration("AGENT_TIMEOUT", c.LLM.AgentTimeout)
	c.LLM.ResearchTimeout = envDuration("RESEARCH_TIMEOUT", c.LLM.ResearchTimeout)
	c.LLM.CallTimeout = envDuration("LLM_CALL_TIMEOUT", c.LLM.CallTimeout)

	c.Limiter.GlobalConcurrency = envInt("LLM_GLOBAL_CONCURRENCY", c.Limiter.GlobalConcurrency)
	c.Limiter.RequesterConcurrency = envInt("LLM_REQUESTER_CONCURRENCY", c.Limiter.RequesterConcurrency)
	c.Limiter.BucketCapacity = envInt("LLM_BUCKET_CAPACITY", c.Limiter.BucketCapacity)

	c.Memory.BudgetTokens = envInt("MEMORY_BUDGET_TOKENS", c.Memory.BudgetTokens)
	c.Memory.KeepRecent = envInt("MEMORY_KEEP_RECENT", c.Memory.KeepRecent)

	c.Research.BraveAPIKey = os.Getenv("BRAVE_API_KEY")
	c.Research.MaxResults = envInt("RESEARCH_MAX_RESULTS", c.Research.MaxResults)
	c.Research.FetchTimeout = envDuration("RESEARCH_FETCH_TIMEOUT", c.Research.FetchTimeout)

	c.Agents.MaxDepth = envInt("MAX_DELEGATION_DEPTH", c.Agents.MaxDepth)
	c.Agents.SyncWait = envDuration("SYNC_WAIT", c.Agents.SyncWait)

	c.Worker.Count = envInt("WORKER_COUNT", c.Worker.Count)
	c.Worker.PollInterval = envDuration("WORKER_POLL_INTERVAL", c.Worker.PollInterval)
	c.Worker.HeartbeatInterval = envDuration("WORKER_HEARTBEAT_INTERVAL", c.Worker.HeartbeatInterval)
	c.Worker.LeaseTTL = envDuration("WORKER_LEASE_TTL", c.Worker.LeaseTTL)
	c.Worker.GracefulShutdownTimeout = envDuration("WORKER_SHUTDOWN_TIMEOUT", c.Worker.GracefulShutdownTimeout)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
