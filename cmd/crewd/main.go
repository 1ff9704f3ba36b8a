// crewd is the agent crew server: HTTP API, queue workers, and the
// orchestration between them run in this one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crewhq/crewd/pkg/agent"
	"github.com/crewhq/crewd/pkg/api"
	"github.com/crewhq/crewd/pkg/auth"
	"github.com/crewhq/crewd/pkg/cache"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/hooks"
	"github.com/crewhq/crewd/pkg/limiter"
	"github.com/crewhq/crewd/pkg/llm"
	"github.com/crewhq/crewd/pkg/memory"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/orchestrator"
	"github.com/crewhq/crewd/pkg/queue"
	"github.com/crewhq/crewd/pkg/research"
	"github.com/crewhq/crewd/pkg/store"
	"github.com/crewhq/crewd/pkg/worker"
)

// resolvePodID determines the replica identifier used for job claims.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Load .env if present; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	// 1. Configuration
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	podID := resolvePodID()
	logger.Info("Starting crewd", "pod_id", podID, "listen_addr", cfg.Server.ListenAddr)

	ctx := context.Background()

	// 2. Task store: Postgres when configured, in-memory otherwise
	var st store.Store
	if cfg.Database.URL != "" || os.Getenv("DB_HOST") != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		logger.Info("Connected to Postgres")
		st = pg
	} else {
		logger.Warn("DATABASE_URL not set, tasks are held in memory only")
		st = store.NewMemoryStore()
	}

	// 3. Job queue: Redis when configured, in-memory otherwise
	var q queue.Queue
	if os.Getenv("REDIS_ADDR") != "" {
		rq, err := queue.NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
		q = rq
	} else {
		logger.Warn("REDIS_ADDR not set, jobs are queued in memory only")
		q = queue.NewMemoryQueue()
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("Error closing queue", "error", err)
		}
	}()

	// 4. Model client behind the limiter and the read-through cache
	limits := limiter.New(cfg.Limiter)
	shared := cache.New(cache.Config{
		TTLs: map[cache.Purpose]time.Duration{
			cache.PurposeModel:    cfg.Cache.ModelTTL,
			cache.PurposePage:     cfg.Cache.PageTTL,
			cache.PurposeResearch: cfg.Cache.ResearchTTL,
			cache.PurposeRobots:   cfg.Cache.RobotsTTL,
		},
		DefaultTTL: time.Hour,
		MaxEntries: cfg.Cache.MaxEntries,
	})
	client := llm.NewClient(llm.NewOpenRouterProvider(cfg.LLM), shared, limits, cfg.LLM, logger)

	// 5. Conversation memory, with compaction summaries from the model
	summarize := func(ctx context.Context, msgs []models.ConversationMessage) (string, error) {
		var b strings.Builder
		for _, m := range msgs {
			speaker := m.Role
			if m.SpeakerAgentID != "" {
				speaker = m.SpeakerAgentID
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
		}
		res, err := client.Generate(ctx, llm.Call{
			RequesterID: "memory",
			AgentID:     "memory",
			Messages: []llm.Message{
				{Role: models.RoleSystem, Content: "Condense the conversation below into a short factual summary. Keep names, figures, decisions, and open items."},
				{Role: models.RoleUser, Content: b.String()},
			},
			Temperature: 0.2,
			MaxTokens:   512,
		})
		if err != nil {
			return "", err
		}
		return res.Content, nil
	}
	mem, err := memory.NewLog(st, cfg.Memory, summarize, logger)
	if err != nil {
		logger.Error("Failed to initialize conversation memory", "error", err)
		os.Exit(1)
	}

	// 6. Research pipeline; research-capable agents double as synthesis
	// personas when a request prefers one
	registry := agent.NewRegistry()
	fetcher := research.NewFetcher(cfg.Research, limits, shared, logger)
	researcher := research.NewResearcher(research.NewBraveSearch(cfg.Research), fetcher, client, shared, cfg.Research, logger).
		WithSynthesists(func(agentID string) (*research.Synthesist, bool) {
			ag, err := registry.Get(agentID)
			if err != nil || !ag.CanResearch {
				return nil, false
			}
			return &research.Synthesist{
				AgentID:      ag.ID,
				Name:         ag.Name,
				Model:        ag.Model,
				SystemPrompt: ag.SystemPrompt,
				Temperature:  ag.Temperature,
			}, true
		})

	// 7. Agents and orchestration
	runner := agent.NewRunner(registry, client, mem, st, cfg.Agents, logger)
	orch := orchestrator.New(st, q, registry, mem, cfg.Agents, logger)

	// Mail bodies arrive inline in webhook payloads; no gateway fetch-back.
	dispatcher := hooks.NewDispatcher(st, q, fetcher, nil, logger)

	// 8. Worker pool (before the HTTP server, so queued jobs drain)
	pool := worker.NewPool(podID, q, st, worker.Handlers{
		Runner:     runner,
		Researcher: researcher,
		Hooks:      dispatcher,
	}, cfg.Worker, cfg.LLM, logger)
	orch.SetCanceller(pool)
	pool.Start(ctx)

	// 9. HTTP server
	signer := auth.NewSigner(cfg.Auth.WebhookSecret, cfg.Auth.BearerKey)
	server := api.NewServer(orch, signer, q, st, client.Usage(), pool, cfg.Server, cfg.Auth, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("crewd started", "pod_id", podID, "workers", cfg.Worker.Count)

	// 10. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop taking work, let in-flight jobs finish
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Worker.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, incomplete tasks will be adopted on restart")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
