package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/models"
)

// Worker status values.
const (
	statusIdle    = "idle"
	statusWorking = "working"
)

// Worker is one claim-and-process loop.
type Worker struct {
	id     string
	pool   *Pool
	logger *slog.Logger
	wg     sync.WaitGroup

	mu            sync.RWMutex
	status        string
	currentTaskID string
	jobsProcessed int
	lastActivity  time.Time
}

func newWorker(id string, pool *Pool) *Worker {
	return &Worker{
		id:           id,
		pool:         pool,
		logger:       pool.logger.With("worker_id", id),
		status:       statusIdle,
		lastActivity: time.Now(),
	}
}

func (w *Worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Worker) wait() { w.wg.Wait() }

func (w *Worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentTaskID: w.currentTaskID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

func (w *Worker) setStatus(status, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("worker started")
	for {
		select {
		case <-w.pool.stopCh:
			w.logger.Info("worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("context cancelled, worker shutting down")
			return
		default:
			job, err := w.pool.queue.Claim(ctx, w.id, w.pool.cfg.LeaseTTL)
			if err != nil {
				w.logger.Error("claim failed", "error", err)
				w.sleep(time.Second)
				continue
			}
			if job == nil {
				w.sleep(w.pollInterval())
				continue
			}
			w.process(ctx, job)
		}
	}
}

// pollInterval jitters the base interval so idle workers do not hit the
// queue in lockstep.
func (w *Worker) pollInterval() time.Duration {
	base := w.pool.cfg.PollInterval
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base/2 + jitter + base/4
}

// sleep waits for d or until the pool stops.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.pool.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	w.setStatus(statusWorking, job.TaskID)
	defer w.setStatus(statusIdle, "")

	var err error
	switch job.Kind {
	case models.JobAgentTask, models.JobResearch:
		err = w.processTask(ctx, job)
	case models.JobWebhook, models.JobScrapeFetch:
		err = w.processHook(ctx, job)
	default:
		w.logger.Error("unknown job kind, dropping", "job_id", job.ID, "kind", job.Kind)
		err = w.pool.queue.Ack(context.Background(), job.ID)
	}
	if err != nil {
		w.logger.Error("job processing failed", "job_id", job.ID, "error", err)
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
}

// processTask runs an agent or research job against its task record.
func (w *Worker) processTask(ctx context.Context, job *models.Job) error {
	bg := context.Background()
	task, err := w.pool.store.GetTask(ctx, job.TaskID)
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			w.logger.Warn("job references missing task, dropping", "task_id", job.TaskID)
			return w.pool.queue.Ack(bg, job.ID)
		}
		// Store hiccup: give the job back.
		return w.pool.queue.Nack(bg, job.ID, time.Second)
	}
	if task.State.IsTerminal() {
		return w.pool.queue.Ack(bg, job.ID)
	}

	won, err := w.pool.store.CASTaskState(ctx, task.ID, models.TaskQueued, models.TaskRunning)
	if err != nil {
		return w.pool.queue.Nack(bg, job.ID, time.Second)
	}
	if !won {
		cur, err := w.pool.store.GetTask(ctx, task.ID)
		if err != nil || cur.State != models.TaskRunning {
			// Another worker owns it, or it was cancelled under us.
			return w.pool.queue.Ack(bg, job.ID)
		}
		// Already Running with a recovered lease: a worker died mid-task.
		// Adopt it; every terminal write is a CAS so double execution
		// cannot corrupt state.
		w.logger.Warn("adopting orphaned task", "task_id", task.ID)
	}
	if _, err := w.pool.store.BumpAttempts(ctx, task.ID); err != nil {
		w.logger.Warn("bump attempts failed", "task_id", task.ID, "error", err)
	}

	timeout := w.pool.llmCfg.AgentTimeout
	if job.Kind == models.JobResearch {
		timeout = w.pool.llmCfg.ResearchTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	w.pool.register(task.ID, cancel)
	defer w.pool.unregister(task.ID)

	hbCtx, stopHeartbeat := context.WithCancel(tctx)
	defer stopHeartbeat()
	go w.runHeartbeat(hbCtx, job.ID)

	var res *models.TaskResult
	if job.Kind == models.JobResearch {
		res, err = w.runResearch(tctx, task)
	} else {
		res, err = w.pool.handlers.Runner.Run(tctx, task)
	}
	stopHeartbeat()

	return w.finishTask(bg, job, task, res, err, tctx)
}

// finishTask applies the retry policy and records the outcome. Terminal
// writes use a background context; the task context may already be dead.
func (w *Worker) finishTask(bg context.Context, job *models.Job, task *models.Task, res *models.TaskResult, err error, tctx context.Context) error {
	switch {
	case err == nil:
		if saveErr := w.pool.store.SaveTaskResult(bg, task.ID, *res); saveErr != nil {
			if fault.KindOf(saveErr) == fault.Conflict {
				// Lost to a concurrent terminal write (cancel or adopted
				// twin); the recorded state wins.
				return w.pool.queue.Ack(bg, job.ID)
			}
			return w.pool.queue.Nack(bg, job.ID, time.Second)
		}
		w.logger.Info("task completed", "task_id", task.ID, "attempt", job.Attempt)
		return w.pool.queue.Ack(bg, job.ID)

	case isCancelled(err, tctx):
		if _, casErr := w.pool.store.CASTaskState(bg, task.ID, models.TaskRunning, models.TaskCancelled); casErr != nil {
			w.logger.Warn("cancel transition failed", "task_id", task.ID, "error", casErr)
		}
		w.logger.Info("task cancelled", "task_id", task.ID)
		return w.pool.queue.Ack(bg, job.ID)

	case w.retryable(err, job.Attempt):
		delay := w.pool.cfg.RetryLadder[job.Attempt]
		if _, casErr := w.pool.store.CASTaskState(bg, task.ID, models.TaskRunning, models.TaskQueued); casErr != nil {
			w.logger.Warn("requeue transition failed", "task_id", task.ID, "error", casErr)
		}
		w.logger.Warn("transient failure, retrying",
			"task_id", task.ID, "attempt", job.Attempt, "delay", delay, "error", err)
		return w.pool.queue.Nack(bg, job.ID, delay)

	default:
		kind := fault.KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = fault.Timeout
		}
		if saveErr := w.pool.store.SaveTaskFailure(bg, task.ID, kind, err.Error()); saveErr != nil && fault.KindOf(saveErr) != fault.Conflict {
			return w.pool.queue.Nack(bg, job.ID, time.Second)
		}
		w.logger.Warn("task failed", "task_id", task.ID, "kind", kind, "error", err)
		return w.pool.queue.Ack(bg, job.ID)
	}
}

// retryable reports whether the error is transient and retry budget
// remains. Deadline blowouts count as transient Timeout.
func (w *Worker) retryable(err error, attempt int) bool {
	if attempt >= len(w.pool.cfg.RetryLadder) {
		return false
	}
	return fault.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func isCancelled(err error, tctx context.Context) bool {
	if fault.KindOf(err) == fault.Cancelled {
		return true
	}
	return errors.Is(tctx.Err(), context.Canceled)
}

func (w *Worker) runResearch(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	query, _ := task.Inputs["query"].(string)
	maxResults := 0
	switch v := task.Inputs["max_results"].(type) {
	case int:
		maxResults = v
	case float64:
		maxResults = int(v)
	}
	report, err := w.pool.handlers.Researcher.Research(ctx, task.RequesterID, query, maxResults, task.AgentID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "encode research report")
	}
	return &models.TaskResult{
		Output:    string(raw),
		UsedModel: report.Model,
	}, nil
}

// processHook runs a webhook follow-up job; there is no task record, so
// failures only affect the job.
func (w *Worker) processHook(ctx context.Context, job *models.Job) error {
	bg := context.Background()
	hctx, cancel := context.WithTimeout(ctx, w.pool.llmCfg.AgentTimeout)
	defer cancel()

	hbCtx, stopHeartbeat := context.WithCancel(hctx)
	defer stopHeartbeat()
	go w.runHeartbeat(hbCtx, job.ID)

	err := w.pool.handlers.Hooks.Handle(hctx, job)
	stopHeartbeat()
	if err == nil {
		return w.pool.queue.Ack(bg, job.ID)
	}
	if w.retryable(err, job.Attempt) {
		delay := w.pool.cfg.RetryLadder[job.Attempt]
		w.logger.Warn("webhook job transient failure, retrying",
			"job_id", job.ID, "endpoint", job.Endpoint, "delay", delay, "error", err)
		return w.pool.queue.Nack(bg, job.ID, delay)
	}
	w.logger.Error("webhook job failed permanently",
		"job_id", job.ID, "endpoint", job.Endpoint, "error", err)
	return w.pool.queue.Ack(bg, job.ID)
}

// runHeartbeat extends the job lease until the surrounding work stops it.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.pool.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.pool.queue.ExtendLease(ctx, jobID, w.pool.cfg.LeaseTTL); err != nil {
				w.logger.Warn("lease extension failed", "job_id", jobID, "error", err)
			}
		}
	}
}
