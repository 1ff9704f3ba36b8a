// Package agent holds the closed set of agents, their system prompts, and
// the runner that executes an agent task including bounded agent-to-agent
// delegation.
package agent

import (
	"regexp"
	"strings"
	"time"

	"github.com/crewhq/crewd/pkg/fault"
)

// Agent ids. The set is closed; MultiAgent is the pseudo-agent that fans a
// prompt out to the agents mentioned in it.
const (
	ProductManager      = "product_manager"
	FinanceManager      = "finance_manager"
	MarketingStrategist = "marketing_strategist"
	LeadGen             = "leadgen"
	OutboundMail        = "outbound_mail"
	CallPrep            = "call_prep"
	Engineer            = "engineer"
	Assistant           = "assistant"
	MultiAgent          = "multi_agent"
)

// Agent is one registry record.
type Agent struct {
	ID           string
	Name         string // display identity used in prompts and consolidation labels
	SystemPrompt string
	Model        string  // empty means the configured default
	Temperature  float32
	// CallTimeout is the agent's timeout class for a single provider
	// attempt. Zero means the configured default.
	CallTimeout time.Duration
	CanDelegate bool
	CanResearch bool
	// Peers is the allow-list of agent ids this agent may delegate to.
	Peers []string
	// RequireChildren fails the parent when any delegated child fails.
	RequireChildren bool
}

// Registry is the fixed agent table.
type Registry struct {
	agents map[string]*Agent
	byName map[string]string // lowercase display name or alias -> id
	order  []string
}

// NewRegistry builds the built-in agent table.
func NewRegistry() *Registry {
	r := &Registry{
		agents: make(map[string]*Agent),
		byName: make(map[string]string),
	}
	for _, a := range builtinAgents() {
		r.agents[a.ID] = a
		r.byName[a.ID] = a.ID
		r.byName[strings.ToLower(a.Name)] = a.ID
		r.order = append(r.order, a.ID)
	}
	// Historic aliases.
	r.byName["pm"] = ProductManager
	r.byName["mail"] = OutboundMail
	return r
}

// Get returns the agent record or an UnknownAgent fault.
func (r *Registry) Get(id string) (*Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return nil, fault.New(fault.UnknownAgent, "unknown agent %q", id)
	}
	return a, nil
}

// Resolve maps an id, display name, or alias to an agent id.
func (r *Registry) Resolve(nameOrID string) (string, bool) {
	id, ok := r.byName[strings.ToLower(strings.TrimSpace(nameOrID))]
	return id, ok
}

// IDs returns the agent ids in registry order, pseudo-agents excluded.
func (r *Registry) IDs() []string {
	var out []string
	for _, id := range r.order {
		if id != MultiAgent {
			out = append(out, id)
		}
	}
	return out
}

var mentionRe = regexp.MustCompile(`@(\w+)`)

// ParseMentions extracts the agent ids @mentioned in text, in order of
// first appearance, names resolved and duplicates dropped.
func (r *Registry) ParseMentions(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		id, ok := r.Resolve(m[1])
		if !ok || seen[id] || id == MultiAgent {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func builtinAgents() []*Agent {
	return []*Agent{
		{
			ID:           ProductManager,
			Name:         "Alex",
			SystemPrompt: productManagerPrompt,
			Temperature:  0.7,
			CanDelegate:  true,
			Peers:        []string{Engineer, FinanceManager, MarketingStrategist},
		},
		{
			ID:           FinanceManager,
			Name:         "Marcus",
			SystemPrompt: financeManagerPrompt,
			Temperature:  0.3,
			CanDelegate:  true,
			Peers:        []string{ProductManager, MarketingStrategist},
		},
		{
			ID:           MarketingStrategist,
			Name:         "Ryan",
			SystemPrompt: marketingStrategistPrompt,
			Temperature:  0.8,
			CanDelegate:  true,
			CanResearch:  true,
			Peers:        []string{FinanceManager, OutboundMail, ProductManager},
		},
		{
			ID:           LeadGen,
			Name:         "Jake",
			SystemPrompt: leadGenPrompt,
			Temperature:  0.4,
			CanDelegate:  true,
			CanResearch:  true,
			Peers:        []string{OutboundMail, MarketingStrategist},
		},
		{
			ID:           OutboundMail,
			Name:         "Chris",
			SystemPrompt: outboundMailPrompt,
			Temperature:  0.7,
			CanDelegate:  true,
			Peers:        []string{LeadGen, MarketingStrategist, CallPrep},
		},
		{
			ID:           CallPrep,
			Name:         "Daniel",
			SystemPrompt: callPrepPrompt,
			Temperature:  0.5,
			CanDelegate:  true,
			Peers:        []string{OutboundMail, Engineer, ProductManager},
		},
		{
			ID:           Engineer,
			Name:         "Kevin",
			SystemPrompt: engineerPrompt,
			Temperature:  0.2,
			// Code and architecture answers run long; give the model
			// twice the standard attempt window.
			CallTimeout: 60 * time.Second,
			CanDelegate: true,
			Peers:       []string{ProductManager, FinanceManager},
		},
		{
			ID:           Assistant,
			Name:         "Sophia",
			SystemPrompt: assistantPrompt,
			Temperature:  0.6,
			CanDelegate:  true,
			CanResearch:  true,
			// The assistant may reach any specialist.
			Peers: []string{
				ProductManager, FinanceManager, MarketingStrategist,
				LeadGen, OutboundMail, CallPrep, Engineer,
			},
		},
		{
			ID:              MultiAgent,
			Name:            "Roundtable",
			SystemPrompt:    "", // children carry their own prompts
			CanDelegate:     true,
			RequireChildren: false,
			Peers: []string{
				ProductManager, FinanceManager, MarketingStrategist,
				LeadGen, OutboundMail, CallPrep, Engineer, Assistant,
			},
		},
	}
}
