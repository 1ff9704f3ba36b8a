package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/llm"
	"github.com/crewhq/crewd/pkg/memory"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/store"
	"github.com/crewhq/crewd/pkg/toon"
)

// conversationWindow is how many recent messages are prepended as context.
const conversationWindow = 10

// Runner executes agent tasks, including the bounded recursive execution
// of delegated child tasks.
type Runner struct {
	registry *Registry
	client   *llm.Client
	memory   *memory.Log
	store    store.Store
	cfg      config.AgentConfig
	logger   *slog.Logger
}

func NewRunner(reg *Registry, client *llm.Client, mem *memory.Log, st store.Store, cfg config.AgentConfig, logger *slog.Logger) *Runner {
	return &Runner{
		registry: reg,
		client:   client,
		memory:   mem,
		store:    st,
		cfg:      cfg,
		logger:   logger.With("component", "runner"),
	}
}

// Run executes the task's agent to completion. The worker has already
// moved the task to Running; Run reports the result without persisting it.
func (r *Runner) Run(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	return r.run(ctx, task, 0, nil)
}

// section is one delegated contribution to the final answer.
type section struct {
	label  string
	text   string
	failed bool
}

func (r *Runner) run(ctx context.Context, task *models.Task, depth int, stack []string) (*models.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindOf(err), err, "task aborted")
	}
	if task.AgentID == MultiAgent {
		return r.runRoundtable(ctx, task, depth, stack)
	}
	ag, err := r.registry.Get(task.AgentID)
	if err != nil {
		return nil, err
	}

	prompt, userContent := buildUserContent(task.Inputs)

	// The conversation excerpt is read before this turn's user message is
	// appended, so the prompt carries each message exactly once.
	var excerpt []models.ConversationMessage
	if task.ConversationID != "" {
		excerpt, err = r.memory.Recent(ctx, task.ConversationID, conversationWindow)
		if err != nil {
			return nil, err
		}
		if depth == 0 {
			if _, err := r.memory.Append(ctx, task.ConversationID, models.RoleUser, "", prompt); err != nil {
				return nil, err
			}
		}
	}

	msgs := r.buildMessages(ag, depth, excerpt, userContent)
	res, err := r.client.Generate(ctx, llm.Call{
		RequesterID: task.RequesterID,
		AgentID:     ag.ID,
		Model:       ag.Model,
		Temperature: ag.Temperature,
		Timeout:     ag.CallTimeout,
		Messages:    msgs,
		Cacheable:   task.ConversationID == "",
		CacheInputs: task.Inputs,
	})
	if err != nil {
		return nil, err
	}

	visible, dirs := parseDelegations(res.Content)
	if visible == "" {
		visible = res.Content
	}
	dirs, notes := r.filterDirectives(ctx, ag, dirs, depth, stack)

	var sections []section
	var childIDs []string
	if len(dirs) > 0 {
		sections, childIDs, err = r.runChildren(ctx, task, ag, dirs, depth, stack)
		if err != nil {
			return nil, err
		}
	}

	final := visible
	usedModel := res.Model
	if len(notes) > 0 {
		final = final + "\n\n" + strings.Join(notes, "\n")
	}
	if len(sections) > 0 {
		cres, err := r.consolidate(ctx, task, ag, final, sections)
		if err != nil {
			return nil, err
		}
		final = cres.Content
		usedModel = cres.Model
	}

	if task.ConversationID != "" && depth == 0 {
		if _, err := r.memory.Append(ctx, task.ConversationID, models.RoleAssistant, ag.ID, final); err != nil {
			return nil, err
		}
	}
	return &models.TaskResult{
		Output:      final,
		UsedModel:   usedModel,
		Delegations: childIDs,
	}, nil
}

// buildUserContent extracts the free-text prompt and serialises any other
// inputs as a compact context block.
func buildUserContent(inputs map[string]any) (prompt, content string) {
	prompt, _ = inputs["prompt"].(string)
	rest := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if k != "prompt" {
			rest[k] = v
		}
	}
	content = prompt
	if len(rest) > 0 {
		encoded, err := toon.Encode(rest)
		if err == nil {
			content = prompt + "\n\nContext:\n" + encoded
		}
	}
	if content == "" {
		content = "(no prompt provided)"
	}
	return prompt, content
}

func (r *Runner) buildMessages(ag *Agent, depth int, excerpt []models.ConversationMessage, userContent string) []llm.Message {
	system := ag.SystemPrompt
	if ag.CanDelegate && depth < r.cfg.MaxDepth {
		system += fmt.Sprintf(delegationInstructions, strings.Join(ag.Peers, ", "))
	}
	msgs := []llm.Message{{Role: models.RoleSystem, Content: system}}
	for _, m := range excerpt {
		role := m.Role
		if role == models.RoleSystem {
			// Compaction summaries ride along as user-visible context.
			role = models.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: models.RoleUser, Content: userContent})
}

// filterDirectives applies the delegation policy: depth cap, allow-list,
// and cycle refusal. Returned notes are surfaced to the requester.
func (r *Runner) filterDirectives(ctx context.Context, ag *Agent, dirs []Delegation, depth int, stack []string) ([]Delegation, []string) {
	if len(dirs) == 0 {
		return nil, nil
	}
	if depth >= r.cfg.MaxDepth {
		return nil, []string{"[note: a requested hand-off was skipped because the delegation depth limit was reached]"}
	}
	onStack := make(map[string]bool, len(stack)+1)
	for _, id := range stack {
		onStack[id] = true
	}
	onStack[ag.ID] = true

	allowed := make(map[string]bool, len(ag.Peers))
	for _, id := range ag.Peers {
		allowed[id] = true
	}

	var out []Delegation
	var notes []string
	for _, d := range dirs {
		callee, ok := r.registry.Resolve(d.Callee)
		if !ok || !allowed[callee] {
			r.logger.WarnContext(ctx, "delegation dropped, callee not allowed",
				"caller", ag.ID, "callee", d.Callee)
			continue
		}
		if onStack[callee] {
			notes = append(notes, fmt.Sprintf("[note: hand-off to %s was refused, they are already part of this request]", callee))
			continue
		}
		d.Callee = callee
		out = append(out, d)
	}
	return out, notes
}

// runChildren executes the accepted directives sequentially, each as its
// own persisted task.
func (r *Runner) runChildren(ctx context.Context, task *models.Task, ag *Agent, dirs []Delegation, depth int, stack []string) ([]section, []string, error) {
	if _, err := r.store.CASTaskState(ctx, task.ID, models.TaskRunning, models.TaskAwaitingChild); err != nil {
		return nil, nil, err
	}
	defer func() {
		_, _ = r.store.CASTaskState(ctx, task.ID, models.TaskAwaitingChild, models.TaskRunning)
	}()

	childStack := append(append([]string(nil), stack...), ag.ID)
	var sections []section
	var childIDs []string
	for _, d := range dirs {
		child, err := r.store.CreateTask(ctx, &models.Task{
			RequesterID: task.RequesterID,
			AgentID:     d.Callee,
			Kind:        models.TaskKindAgent,
			Inputs:      map[string]any{"prompt": d.Prompt},
			ParentID:    task.ID,
		})
		if err != nil {
			return nil, nil, err
		}
		childIDs = append(childIDs, child.ID)
		if _, err := r.store.CASTaskState(ctx, child.ID, models.TaskQueued, models.TaskRunning); err != nil {
			return nil, nil, err
		}

		callee, _ := r.registry.Get(d.Callee)
		label := d.Callee
		if callee != nil {
			label = callee.Name
		}

		res, err := r.run(ctx, child, depth+1, childStack)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "delegation aborted")
		case err != nil:
			_ = r.store.SaveTaskFailure(ctx, child.ID, fault.KindOf(err), err.Error())
			if ag.RequireChildren {
				return nil, nil, err
			}
			r.logger.WarnContext(ctx, "delegated child failed",
				"task_id", task.ID, "child_id", child.ID, "callee", d.Callee, "error", err)
			sections = append(sections, section{
				label:  label,
				text:   fmt.Sprintf("%s could not complete the request: %v", label, err),
				failed: true,
			})
		default:
			if err := r.store.SaveTaskResult(ctx, child.ID, *res); err != nil {
				return nil, nil, err
			}
			sections = append(sections, section{label: label, text: res.Output})
		}
	}
	return sections, childIDs, nil
}

func (r *Runner) consolidate(ctx context.Context, task *models.Task, ag *Agent, draft string, sections []section) (*llm.Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request owner: %s\n\nDraft answer:\n%s\n", ag.Name, draft)
	for _, s := range sections {
		fmt.Fprintf(&b, "\nFrom %s:\n%s\n", s.label, s.text)
	}
	return r.client.Generate(ctx, llm.Call{
		RequesterID: task.RequesterID,
		AgentID:     ag.ID,
		Model:       ag.Model,
		Timeout:     ag.CallTimeout,
		Messages: []llm.Message{
			{Role: models.RoleSystem, Content: consolidationPrompt},
			{Role: models.RoleUser, Content: b.String()},
		},
	})
}

// runRoundtable handles the multi-agent pseudo-agent: every mentioned
// agent answers the prompt independently and the answers are merged.
func (r *Runner) runRoundtable(ctx context.Context, task *models.Task, depth int, stack []string) (*models.TaskResult, error) {
	prompt, _ := task.Inputs["prompt"].(string)
	agentIDs := stringSlice(task.Inputs["agents"])
	if len(agentIDs) == 0 {
		agentIDs = r.registry.ParseMentions(prompt)
	}
	if len(agentIDs) == 0 {
		return nil, fault.New(fault.BadRequest, "multi-agent task mentions no known agents")
	}

	if task.ConversationID != "" && depth == 0 {
		if _, err := r.memory.Append(ctx, task.ConversationID, models.RoleUser, "", prompt); err != nil {
			return nil, err
		}
	}

	dirs := make([]Delegation, 0, len(agentIDs))
	for _, id := range agentIDs {
		if _, err := r.registry.Get(id); err != nil {
			return nil, err
		}
		dirs = append(dirs, Delegation{Callee: id, Prompt: prompt})
	}
	ag, _ := r.registry.Get(MultiAgent)
	sections, childIDs, err := r.runChildren(ctx, task, ag, dirs, depth, stack)
	if err != nil {
		return nil, err
	}

	var ok []section
	for _, s := range sections {
		if !s.failed {
			ok = append(ok, s)
		}
	}
	if len(ok) == 0 {
		return nil, fault.New(fault.ProviderError, "every consulted agent failed")
	}

	var final string
	var usedModel string
	if len(ok) == 1 && len(sections) == 1 {
		// A single contribution needs no merge pass.
		final = ok[0].text
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "Request:\n%s\n", prompt)
		for _, s := range sections {
			fmt.Fprintf(&b, "\n%s answered:\n%s\n", s.label, s.text)
		}
		res, err := r.client.Generate(ctx, llm.Call{
			RequesterID: task.RequesterID,
			AgentID:     MultiAgent,
			Messages: []llm.Message{
				{Role: models.RoleSystem, Content: roundtablePrompt},
				{Role: models.RoleUser, Content: b.String()},
			},
		})
		if err != nil {
			return nil, err
		}
		final = res.Content
		usedModel = res.Model
	}

	if task.ConversationID != "" && depth == 0 {
		if _, err := r.memory.Append(ctx, task.ConversationID, models.RoleAssistant, MultiAgent, final); err != nil {
			return nil, err
		}
	}
	return &models.TaskResult{
		Output:      final,
		UsedModel:   usedModel,
		Delegations: childIDs,
	}, nil
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
