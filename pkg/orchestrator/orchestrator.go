// Package orchestrator is the write-side entry point: it persists tasks,
// hands them to the queue, and offers a short synchronous fast path for
// requests that finish quickly. It never calls the model itself; all
// execution happens on the worker path so limiting and auditing stay
// uniform.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewhq/crewd/pkg/agent"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/memory"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/queue"
	"github.com/crewhq/crewd/pkg/research"
	"github.com/crewhq/crewd/pkg/store"
)

// pollInterval is how often the fast path re-reads a task while waiting.
const pollInterval = 50 * time.Millisecond

// Canceller aborts the in-process execution of a task, if this replica is
// running it. The worker pool implements it.
type Canceller interface {
	Cancel(taskID string) bool
}

// Orchestrator accepts requests and turns them into queued tasks.
type Orchestrator struct {
	store     store.Store
	queue     queue.Queue
	registry  *agent.Registry
	memory    *memory.Log
	cfg       config.AgentConfig
	syncWait  time.Duration
	canceller Canceller
	logger    *slog.Logger
}

func New(st store.Store, q queue.Queue, reg *agent.Registry, mem *memory.Log, cfg config.AgentConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		queue:    q,
		registry: reg,
		memory:   mem,
		cfg:      cfg,
		syncWait: cfg.SyncWait,
		logger:   logger.With("component", "orchestrator"),
	}
}

// SetCanceller wires the worker pool in after construction; the pool needs
// the handlers built first, so the dependency cannot flow the other way.
func (o *Orchestrator) SetCanceller(c Canceller) { o.canceller = c }

// SubmitRequest is one agent task submission.
type SubmitRequest struct {
	RequesterID    string
	AgentID        string
	Prompt         string
	ConversationID string
	IdempotencyKey string
	// Inputs carries structured payload beyond the prompt.
	Inputs map[string]any
}

// Submit persists and enqueues an agent task, then waits briefly for it to
// finish. The returned bool reports whether the task is already terminal.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*models.Task, bool, error) {
	if strings.TrimSpace(req.RequesterID) == "" {
		return nil, false, fault.New(fault.BadRequest, "requester_id is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, false, fault.New(fault.BadRequest, "prompt is required")
	}
	agentID, ok := o.registry.Resolve(req.AgentID)
	if !ok {
		return nil, false, fault.New(fault.UnknownAgent, "unknown agent %q", req.AgentID)
	}
	if _, err := o.registry.Get(agentID); err != nil {
		return nil, false, err
	}

	inputs := make(map[string]any, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	inputs["prompt"] = req.Prompt

	task, err := o.create(ctx, &models.Task{
		RequesterID:    req.RequesterID,
		AgentID:        agentID,
		Kind:           models.TaskKindAgent,
		ConversationID: req.ConversationID,
		Inputs:         inputs,
		IdempotencyKey: req.IdempotencyKey,
	}, models.JobAgentTask)
	if err != nil {
		return nil, false, err
	}
	return o.await(ctx, task, o.syncWait)
}

// SubmitMulti routes free text to the agents it @mentions. One mention
// behaves like Submit to that agent; two or more go to the roundtable
// pseudo-agent which consults them in mention order.
func (o *Orchestrator) SubmitMulti(ctx context.Context, req SubmitRequest) (*models.Task, bool, error) {
	mentions := o.registry.ParseMentions(req.Prompt)
	switch len(mentions) {
	case 0:
		return nil, false, fault.New(fault.BadRequest, "no known agents mentioned; address agents as @name")
	case 1:
		req.AgentID = mentions[0]
		return o.Submit(ctx, req)
	}
	req.AgentID = agent.MultiAgent
	if req.Inputs == nil {
		req.Inputs = make(map[string]any, 1)
	}
	req.Inputs["agents"] = mentions
	return o.Submit(ctx, req)
}

// ResearchRequest is one research submission.
type ResearchRequest struct {
	RequesterID    string
	Query          string
	MaxResults     int
	PreferredAgent string
}

// Research runs a research task through the worker path and waits for the
// report. It blocks up to the deadline on ctx; callers set that from the
// research timeout.
func (o *Orchestrator) Research(ctx context.Context, req ResearchRequest) (*research.Report, *models.Task, error) {
	if strings.TrimSpace(req.RequesterID) == "" {
		return nil, nil, fault.New(fault.BadRequest, "requester_id is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, nil, fault.New(fault.BadRequest, "query is required")
	}
	agentID := req.PreferredAgent
	if agentID != "" {
		id, ok := o.registry.Resolve(agentID)
		if !ok {
			return nil, nil, fault.New(fault.UnknownAgent, "unknown agent %q", req.PreferredAgent)
		}
		if ag, _ := o.registry.Get(id); ag != nil && !ag.CanResearch {
			return nil, nil, fault.New(fault.BadRequest, "agent %s does not do research", id)
		}
		agentID = id
	}

	task, err := o.create(ctx, &models.Task{
		RequesterID: req.RequesterID,
		AgentID:     agentID,
		Kind:        models.TaskKindResearch,
		Inputs: map[string]any{
			"query":       req.Query,
			"max_results": req.MaxResults,
		},
	}, models.JobResearch)
	if err != nil {
		return nil, nil, err
	}

	// Research is synchronous for the caller: wait until terminal or ctx
	// deadline.
	task, done, err := o.await(ctx, task, waitForever)
	if err != nil {
		return nil, nil, err
	}
	if !done {
		return nil, task, fault.New(fault.Timeout, "research did not finish in time")
	}
	if task.State != models.TaskCompleted {
		return nil, task, taskFault(task)
	}
	var report research.Report
	if err := json.Unmarshal([]byte(task.Output), &report); err != nil {
		return nil, task, fault.Wrap(fault.Internal, err, "decode research report")
	}
	return &report, task, nil
}

// Get returns the task record.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (*models.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// List returns the requester's tasks, newest first.
func (o *Orchestrator) List(ctx context.Context, requesterID string, limit int) ([]*models.Task, error) {
	if strings.TrimSpace(requesterID) == "" {
		return nil, fault.New(fault.BadRequest, "requester_id is required")
	}
	return o.store.ListTasksByRequester(ctx, requesterID, limit)
}

// Messages returns the tail of a conversation.
func (o *Orchestrator) Messages(ctx context.Context, conversationID string, limit int) ([]models.ConversationMessage, error) {
	return o.memory.Recent(ctx, conversationID, limit)
}

// Cancel stops a task. Queued tasks are cancelled in place; running ones
// get the in-process signal plus a state transition so workers on other
// replicas observe it at their next state check.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State.IsTerminal() {
		return nil, fault.New(fault.Conflict, "task %s is already %s", taskID, task.State)
	}

	if o.canceller != nil {
		o.canceller.Cancel(taskID)
	}
	for _, from := range []models.TaskState{models.TaskQueued, models.TaskRunning, models.TaskAwaitingChild} {
		ok, err := o.store.CASTaskState(ctx, taskID, from, models.TaskCancelled)
		if err != nil {
			return nil, err
		}
		if ok {
			o.logger.InfoContext(ctx, "task cancelled", "task_id", taskID, "was", from)
			break
		}
	}
	return o.store.GetTask(ctx, taskID)
}

// create persists the task and enqueues its job. An idempotency hit with
// the same submission returns the existing task; a hit with divergent
// inputs is a Conflict on its own.
func (o *Orchestrator) create(ctx context.Context, task *models.Task, kind models.JobKind) (*models.Task, error) {
	created, err := o.store.CreateTask(ctx, task)
	if err != nil {
		if fault.KindOf(err) == fault.Conflict && created != nil {
			if !sameSubmission(created, task) {
				return nil, fault.New(fault.Conflict,
					"idempotency key %q is held by task %s with different inputs",
					task.IdempotencyKey, created.ID)
			}
			o.logger.InfoContext(ctx, "idempotency hit",
				"task_id", created.ID, "requester", task.RequesterID)
			return created, nil
		}
		return nil, err
	}

	job := &models.Job{
		ID:     uuid.NewString(),
		Kind:   kind,
		TaskID: created.ID,
	}
	if err := o.queue.Enqueue(ctx, job, 0); err != nil {
		_ = o.store.SaveTaskFailure(ctx, created.ID, fault.Internal, "enqueue failed: "+err.Error())
		return nil, fault.Wrap(fault.Internal, err, "enqueue task")
	}
	o.logger.InfoContext(ctx, "task queued",
		"task_id", created.ID, "agent", created.AgentID, "kind", kind)
	return created, nil
}

// waitForever makes await poll until ctx expires.
const waitForever = -1

// await polls the task until it is terminal or the window closes.
func (o *Orchestrator) await(ctx context.Context, task *models.Task, window time.Duration) (*models.Task, bool, error) {
	if task.State.IsTerminal() {
		return task, true, nil
	}
	var deadline <-chan time.Time
	if window >= 0 {
		if window == 0 {
			return task, false, nil
		}
		t := time.NewTimer(window)
		defer t.Stop()
		deadline = t.C
	}
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return task, false, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "wait aborted")
		case <-deadline:
			return task, false, nil
		case <-tick.C:
			cur, err := o.store.GetTask(ctx, task.ID)
			if err != nil {
				return task, false, err
			}
			if cur.State.IsTerminal() {
				return cur, true, nil
			}
			task = cur
		}
	}
}

// sameSubmission reports whether a resubmitted task matches the holder of
// its idempotency key. Inputs are compared via their canonical JSON form;
// encoding/json sorts map keys, so key order in the request is irrelevant.
func sameSubmission(existing, task *models.Task) bool {
	if existing.AgentID != task.AgentID || existing.Kind != task.Kind {
		return false
	}
	a, err := json.Marshal(existing.Inputs)
	if err != nil {
		return false
	}
	b, err := json.Marshal(task.Inputs)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// taskFault rebuilds the fault recorded on a failed task.
func taskFault(task *models.Task) error {
	kind := fault.Kind(task.ErrorKind)
	if kind == "" {
		kind = fault.Internal
	}
	msg := task.ErrorMessage
	if msg == "" {
		msg = "task " + task.ID + " " + string(task.State)
	}
	return fault.New(kind, "%s", msg)
}
