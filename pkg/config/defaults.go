package config

import "time"

// Default returns the built-in configuration. Secrets are left empty and
// must be supplied via the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			MaxBodyBytes: 2 << 20,
			AckTimeout:   1 * time.Second,
		},
		Auth: AuthConfig{
			BearerAudience: "crewd-internal",
			BearerTTL:      60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "crewd",
			Database: "crewd",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		LLM: LLMConfig{
			BaseURL:         "https://openrouter.ai/api/v1",
			DefaultModel:    "openai/gpt-4o-mini",
			AgentTimeout:    60 * time.Second,
			ResearchTimeout: 120 * time.Second,
			CallTimeout:     30 * time.Second,
			RetryLadder:     []time.Duration{1 * time.Second, 4 * time.Second, 12 * time.Second},
		},
		Limiter: LimiterConfig{
			GlobalConcurrency:    3,
			RequesterConcurrency: 2,
			BucketCapacity:       60,
			BucketRefillPerSec:   1,
		},
		Cache: CacheConfig{
			ModelTTL:    24 * time.Hour,
			PageTTL:     24 * time.Hour,
			ResearchTTL: 6 * time.Hour,
			RobotsTTL:   24 * time.Hour,
			MaxEntries:  4096,
		},
		Memory: MemoryConfig{
			BudgetTokens: 8000,
			KeepRecent:   10,
			Encoding:     "cl100k_base",
		},
		Research: ResearchConfig{
			MaxResults:   5,
			PageCharCap:  8000,
			FetchTimeout: 15 * time.Second,
			UserAgent:    "crewd-research/1.0",
		},
		Agents: AgentConfig{
			MaxDepth: 3,
			SyncWait: 2 * time.Second,
		},
		Worker: WorkerConfig{
			Count:                   4,
			PollInterval:            1 * time.Second,
			HeartbeatInterval:       15 * time.Second,
			LeaseTTL:                30 * time.Second,
			RetryLadder:             []time.Duration{2 * time.Second, 8 * time.Second, 20 * time.Second},
			GracefulShutdownTimeout: 30 * time.Second,
		},
	}
}
