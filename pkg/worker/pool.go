// Package worker drains the job queue: a fixed pool of workers claims
// jobs, dispatches them to the agent runner, the researcher, or the
// webhook handlers, and applies the retry policy.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/queue"
	"github.com/crewhq/crewd/pkg/research"
	"github.com/crewhq/crewd/pkg/store"
)

// AgentRunner executes an agent task to completion.
type AgentRunner interface {
	Run(ctx context.Context, task *models.Task) (*models.TaskResult, error)
}

// ResearchRunner answers a research query, optionally synthesizing in the
// voice of a preferred agent.
type ResearchRunner interface {
	Research(ctx context.Context, requesterID, query string, maxResults int, preferredAgent string) (*research.Report, error)
}

// HookHandler processes webhook follow-up jobs.
type HookHandler interface {
	Handle(ctx context.Context, job *models.Job) error
}

// Handlers bundles the dispatch targets.
type Handlers struct {
	Runner     AgentRunner
	Researcher ResearchRunner
	Hooks      HookHandler
}

// Pool manages the worker goroutines and the per-task cancel registry.
type Pool struct {
	podID    string
	queue    queue.Queue
	store    store.Store
	handlers Handlers
	cfg      config.WorkerConfig
	llmCfg   config.LLMConfig
	logger   *slog.Logger

	workers  []*Worker
	stopOnce sync.Once
	stopCh   chan struct{}

	// active task cancel registry: task id -> cancel
	mu      sync.RWMutex
	active  map[string]context.CancelFunc
	started bool
}

// NewPool builds a pool; Start spawns the workers.
func NewPool(podID string, q queue.Queue, st store.Store, h Handlers, cfg config.WorkerConfig, llmCfg config.LLMConfig, logger *slog.Logger) *Pool {
	return &Pool{
		podID:    podID,
		queue:    q,
		store:    st,
		handlers: h,
		cfg:      cfg,
		llmCfg:   llmCfg,
		logger:   logger.With("component", "worker_pool", "pod_id", podID),
		workers:  make([]*Worker, 0, cfg.Count),
		stopCh:   make(chan struct{}),
		active:   make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Calling it twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		p.logger.Warn("pool already started")
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Count; i++ {
		w := newWorker(fmt.Sprintf("%s-worker-%d", p.podID, i), p)
		p.workers = append(p.workers, w)
		w.start(ctx)
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Count)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	done := make(chan struct{})
	go func() {
		for _, w := range p.workers {
			w.wait()
		}
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out", "timeout", p.cfg.GracefulShutdownTimeout)
	}
}

// register stores a cancel function for the task while it runs here.
func (p *Pool) register(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[taskID] = cancel
}

func (p *Pool) unregister(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, taskID)
}

// Cancel aborts the task if this replica is running it. It reports
// whether a cancel signal was delivered.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.active[taskID]; ok {
		cancel()
		return true
	}
	return false
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}

// PoolHealth is the pool's health snapshot, served on /healthz.
type PoolHealth struct {
	IsHealthy      bool           `json:"is_healthy"`
	QueueReachable bool           `json:"queue_reachable"`
	QueueDepth     int            `json:"queue_depth"`
	ActiveTasks    int            `json:"active_tasks"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
}

// Health reports pool health, including queue reachability and depth.
func (p *Pool) Health() *PoolHealth {
	depth, err := p.queue.Depth(context.Background())
	reachable := err == nil
	if err != nil {
		p.logger.Error("queue depth check failed", "error", err)
	}

	p.mu.RLock()
	activeTasks := len(p.active)
	p.mu.RUnlock()

	stats := make([]WorkerHealth, len(p.workers))
	for i, w := range p.workers {
		stats[i] = w.health()
	}
	return &PoolHealth{
		IsHealthy:      reachable && len(p.workers) > 0,
		QueueReachable: reachable,
		QueueDepth:     depth,
		ActiveTasks:    activeTasks,
		WorkerStats:    stats,
	}
}
