// Package config holds the resolved runtime configuration for the engine.
// Values come from environment variables with built-in defaults; secrets
// are read from the environment only, never from files.
package config

import (
	"fmt"
	"time"
)

// Config is the umbrella configuration object returned by FromEnv and
// passed to the wiring in main.
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Database DatabaseConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Limiter  LimiterConfig
	Cache    CacheConfig
	Memory   MemoryConfig
	Research ResearchConfig
	Agents   AgentConfig
	Worker   WorkerConfig
}

// ServerConfig holds the HTTP ingress settings.
type ServerConfig struct {
	ListenAddr   string        // host:port for the API server (default ":8080")
	MaxBodyBytes int64         // webhook/request body cap (default 2 MiB)
	AckTimeout   time.Duration // webhook handlers must respond within this
}

// AuthConfig holds signing material for inbound webhooks and the
// service-to-service bearer tokens.
type AuthConfig struct {
	WebhookSecret  string // shared HMAC secret for webhook signatures
	BearerKey      string // HS256 key for internal bearer tokens
	BearerAudience string
	BearerTTL      time.Duration // capped at 60s regardless of setting
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL      string // full connection string; overrides the parts below
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// ConnString assembles a pgx connection string.
func (c DatabaseConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds the queue backend settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LLMConfig holds model provider settings and the model-call retry ladder.
type LLMConfig struct {
	BaseURL         string // OpenAI-compatible endpoint (default OpenRouter)
	APIKey          string
	DefaultModel    string
	FallbackModels  []string // tried in order when the default is unavailable
	AgentTimeout    time.Duration
	ResearchTimeout time.Duration
	CallTimeout     time.Duration // per-attempt provider timeout; agents may override per record
	RetryLadder     []time.Duration
}

// LimiterConfig holds the admission-control knobs.
type LimiterConfig struct {
	GlobalConcurrency    int     // concurrent model calls across the process
	RequesterConcurrency int     // concurrent model calls per requester
	BucketCapacity       int     // per-model token bucket size
	BucketRefillPerSec   float64 // per-model bucket refill rate
}

// CacheConfig holds the TTLs for the read-through cache partitions.
type CacheConfig struct {
	ModelTTL    time.Duration
	PageTTL     time.Duration
	ResearchTTL time.Duration
	RobotsTTL   time.Duration
	MaxEntries  int
}

// MemoryConfig controls conversation memory compaction.
type MemoryConfig struct {
	BudgetTokens int // compact when a conversation exceeds this
	KeepRecent   int // messages always kept verbatim
	Encoding     string
}

// ResearchConfig holds web research settings.
type ResearchConfig struct {
	BraveAPIKey  string
	MaxResults   int
	PageCharCap  int
	FetchTimeout time.Duration
	UserAgent    string
}

// AgentConfig holds delegation limits.
type AgentConfig struct {
	MaxDepth int           // delegation chain depth cap
	SyncWait time.Duration // how long Submit waits before going async
}

// WorkerConfig contains queue and worker pool configuration.
type WorkerConfig struct {
	// Count is the number of worker goroutines per replica.
	Count int

	// PollInterval is the base interval for checking for claimable jobs.
	PollInterval time.Duration

	// HeartbeatInterval is how often a running worker extends its lease.
	HeartbeatInterval time.Duration

	// LeaseTTL is how long a claim holds without a heartbeat before the
	// job becomes claimable again. Keep it at least twice HeartbeatInterval.
	LeaseTTL time.Duration

	// RetryLadder is the backoff schedule for transient job failures.
	// Its length is the retry budget.
	RetryLadder []time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight jobs
	// during shutdown.
	GracefulShutdownTimeout time.Duration
}

// Validate checks cross-field consistency and required secrets.
func (c *Config) Validate() error {
	if c.Auth.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.Auth.BearerKey == "" {
		return fmt.Errorf("INTERNAL_BEARER_KEY is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is required")
	}
	if c.Limiter.GlobalConcurrency < 1 {
		return fmt.Errorf("global concurrency must be at least 1, got %d", c.Limiter.GlobalConcurrency)
	}
	if c.Limiter.RequesterConcurrency < 1 {
		return fmt.Errorf("requester concurrency must be at least 1, got %d", c.Limiter.RequesterConcurrency)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.LeaseTTL < 2*c.Worker.HeartbeatInterval {
		return fmt.Errorf("lease TTL %s must be at least twice the heartbeat interval %s",
			c.Worker.LeaseTTL, c.Worker.HeartbeatInterval)
	}
	if c.Agents.MaxDepth < 1 {
		return fmt.Errorf("max delegation depth must be at least 1, got %d", c.Agents.MaxDepth)
	}
	if c.Memory.BudgetTokens <= 0 {
		return fmt.Errorf("memory budget must be positive, got %d", c.Memory.BudgetTokens)
	}
	return nil
}
