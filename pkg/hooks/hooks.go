// Package hooks holds the substantive side of webhook processing. The
// HTTP layer only verifies, dedupes, and enqueues; the handlers here run
// on the worker pool and perform the follow-up work: storing domain
// entities and opening follow-up agent tasks.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/crewhq/crewd/pkg/agent"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/queue"
	"github.com/crewhq/crewd/pkg/research"
	"github.com/crewhq/crewd/pkg/store"
)

// Webhook endpoint names, also used as job endpoints on the queue.
const (
	EndpointMail    = "mail"
	EndpointScrape  = "scrape"
	EndpointBooking = "booking"
	EndpointAlert   = "alert"
)

// Endpoints lists the registered webhook endpoints.
var Endpoints = []string{EndpointMail, EndpointScrape, EndpointBooking, EndpointAlert}

// InboundMail is a full message fetched from the mail provider.
type InboundMail struct {
	From    string
	To      string
	Subject string
	Body    string
}

// MailGateway fetches full messages by provider id; push notifications
// often carry only the id.
type MailGateway interface {
	Fetch(ctx context.Context, messageID string) (*InboundMail, error)
}

// PageFetcher retrieves a web page; satisfied by research.Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*research.Page, error)
}

// Dispatcher executes webhook follow-up jobs.
type Dispatcher struct {
	store   store.Store
	queue   queue.Queue
	fetcher PageFetcher
	mail    MailGateway
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher. mail may be nil when no provider is
// configured; handlers then rely on the payload body alone.
func NewDispatcher(st store.Store, q queue.Queue, fetcher PageFetcher, mail MailGateway, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		queue:   q,
		fetcher: fetcher,
		mail:    mail,
		logger:  logger.With("component", "hooks"),
	}
}

// Handle dispatches a queued webhook or scrape-fetch job.
func (d *Dispatcher) Handle(ctx context.Context, job *models.Job) error {
	if job.Kind == models.JobScrapeFetch {
		return d.handleScrapeFetch(ctx, job)
	}
	switch job.Endpoint {
	case EndpointMail:
		return d.handleMail(ctx, job)
	case EndpointScrape:
		return d.handleScrape(ctx, job)
	case EndpointBooking:
		return d.handleBooking(ctx, job)
	case EndpointAlert:
		return d.handleAlert(ctx, job)
	}
	return fault.New(fault.BadRequest, "unknown webhook endpoint %q", job.Endpoint)
}

// payload is the common shape shared by the webhook bodies. Unknown
// fields are preserved through Raw.
type payload struct {
	EventType   string         `json:"event_type"`
	RequesterID string         `json:"requester_id"`
	UserID      string         `json:"user_id"`
	Metadata    map[string]any `json:"metadata"`
}

func (p *payload) requester() string {
	if p.RequesterID != "" {
		return p.RequesterID
	}
	if p.UserID != "" {
		return p.UserID
	}
	return "system"
}

func decode[T any](body json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fault.Wrap(fault.BadRequest, err, "decode webhook payload")
	}
	return &v, nil
}

// mailPayload is a mail provider push notification.
type mailPayload struct {
	payload
	EmailID string `json:"email_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (d *Dispatcher) handleMail(ctx context.Context, job *models.Job) error {
	p, err := decode[mailPayload](job.Body)
	if err != nil {
		return err
	}
	switch p.EventType {
	case "received", "replied":
	default:
		// Engagement events (delivered, opened, clicked, bounced) only
		// need the audit trail the ingress already wrote.
		d.logger.InfoContext(ctx, "mail engagement event", "event", p.EventType)
		return nil
	}

	// Push notifications may carry only the provider id.
	if p.Body == "" && d.mail != nil && p.EmailID != "" {
		msg, err := d.mail.Fetch(ctx, p.EmailID)
		if err != nil {
			return err
		}
		p.From, p.To, p.Subject, p.Body = msg.From, msg.To, msg.Subject, msg.Body
	}

	requester := p.requester()
	if err := d.insertEntity(ctx, requester, models.EntityLead, map[string]any{
		"email":   p.From,
		"status":  "new",
		"subject": p.Subject,
	}); err != nil {
		return err
	}
	if err := d.insertEntity(ctx, requester, models.EntityDocument, map[string]any{
		"kind":    "inbound_mail",
		"from":    p.From,
		"to":      p.To,
		"subject": p.Subject,
		"body":    p.Body,
	}); err != nil {
		return err
	}

	prompt := fmt.Sprintf("An email from %s arrived with subject %q. Triage it and draft a reply if one is warranted.\n\n%s",
		p.From, p.Subject, p.Body)
	return d.followUp(ctx, job, requester, agent.OutboundMail, prompt)
}

// scrapePayload is a scrape job completion notice.
type scrapePayload struct {
	payload
	ScrapeID string `json:"scrape_id"`
	URL      string `json:"url"`
	Content  string `json:"content"`
	Error    string `json:"error"`
}

func (d *Dispatcher) handleScrape(ctx context.Context, job *models.Job) error {
	p, err := decode[scrapePayload](job.Body)
	if err != nil {
		return err
	}
	requester := p.requester()
	switch p.EventType {
	case "failed":
		d.logger.WarnContext(ctx, "scrape failed upstream",
			"url", p.URL, "error", p.Error)
		return nil
	case "completed":
	default:
		return fault.New(fault.BadRequest, "unknown scrape event %q", p.EventType)
	}

	// Some providers signal completion without shipping the content; fetch
	// it ourselves on a separate job so retries do not replay this one.
	if p.Content == "" && p.URL != "" {
		body, _ := json.Marshal(map[string]any{
			"url":          p.URL,
			"requester_id": requester,
		})
		return d.queue.Enqueue(ctx, &models.Job{
			ID:         "scrape-fetch:" + job.ExternalID,
			Kind:       models.JobScrapeFetch,
			ExternalID: job.ExternalID,
			Body:       body,
		}, 0)
	}

	return d.insertEntity(ctx, requester, models.EntityScrape, map[string]any{
		"url":       p.URL,
		"scrape_id": p.ScrapeID,
		"content":   p.Content,
	})
}

func (d *Dispatcher) handleScrapeFetch(ctx context.Context, job *models.Job) error {
	p, err := decode[scrapePayload](job.Body)
	if err != nil {
		return err
	}
	if d.fetcher == nil {
		return fault.New(fault.Internal, "no page fetcher configured")
	}
	page, err := d.fetcher.Fetch(ctx, p.URL)
	if err != nil {
		return err
	}
	return d.insertEntity(ctx, p.requester(), models.EntityScrape, map[string]any{
		"url":     page.URL,
		"title":   page.Title,
		"content": page.Text,
	})
}

// bookingPayload is a calendar booking notification.
type bookingPayload struct {
	payload
	CalendarEventID string `json:"calendar_event_id"`
	Title           string `json:"title"`
	StartTime       string `json:"start_time"`
	Attendee        string `json:"attendee"`
}

func (d *Dispatcher) handleBooking(ctx context.Context, job *models.Job) error {
	p, err := decode[bookingPayload](job.Body)
	if err != nil {
		return err
	}
	requester := p.requester()
	if err := d.insertEntity(ctx, requester, models.EntityCalendarEvent, map[string]any{
		"calendar_event_id": p.CalendarEventID,
		"event":             p.EventType,
		"title":             p.Title,
		"start_time":        p.StartTime,
		"attendee":          p.Attendee,
	}); err != nil {
		return err
	}
	if p.EventType == "cancelled" {
		return nil
	}

	prompt := fmt.Sprintf("A call %q is booked for %s", p.Title, p.StartTime)
	if p.Attendee != "" {
		prompt += " with " + p.Attendee
	}
	prompt += ". Prepare a briefing: who they are, what we know, and the three points to land."
	return d.followUp(ctx, job, requester, agent.CallPrep, prompt)
}

// alertPayload is a monitoring alert.
type alertPayload struct {
	payload
	AlertID  string `json:"alert_id"`
	Severity string `json:"severity"`
	Service  string `json:"service"`
	Message  string `json:"message"`
}

func (d *Dispatcher) handleAlert(ctx context.Context, job *models.Job) error {
	p, err := decode[alertPayload](job.Body)
	if err != nil {
		return err
	}
	requester := p.requester()
	if err := d.insertEntity(ctx, requester, models.EntityAlert, map[string]any{
		"alert_id": p.AlertID,
		"event":    p.EventType,
		"severity": p.Severity,
		"service":  p.Service,
		"message":  p.Message,
	}); err != nil {
		return err
	}
	if p.EventType == "resolved" {
		return nil
	}

	prompt := fmt.Sprintf("Alert from %s (severity %s): %s. Triage the likely cause and propose the next action.",
		p.Service, p.Severity, p.Message)
	return d.followUp(ctx, job, requester, agent.Engineer, prompt)
}

func (d *Dispatcher) insertEntity(ctx context.Context, requester string, kind models.EntityKind, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "encode entity payload")
	}
	return d.store.InsertEntity(ctx, &models.DomainEntity{
		Kind:        kind,
		RequesterID: requester,
		Payload:     raw,
	})
}

// followUp opens an agent task for the webhook's aftermath. The
// idempotency key ties it to the delivery so a replayed job cannot open a
// second one.
func (d *Dispatcher) followUp(ctx context.Context, job *models.Job, requester, agentID, prompt string) error {
	key := strings.Join([]string{"hook", job.Endpoint, job.ExternalID}, ":")
	task, err := d.store.CreateTask(ctx, &models.Task{
		RequesterID:    requester,
		AgentID:        agentID,
		Kind:           models.TaskKindAgent,
		Inputs:         map[string]any{"prompt": prompt},
		IdempotencyKey: key,
	})
	if err != nil {
		if fault.KindOf(err) == fault.Conflict && task != nil {
			d.logger.InfoContext(ctx, "follow-up already exists",
				"task_id", task.ID, "endpoint", job.Endpoint)
			return nil
		}
		return err
	}
	if err := d.queue.Enqueue(ctx, &models.Job{
		ID:     uuid.NewString(),
		Kind:   models.JobAgentTask,
		TaskID: task.ID,
	}, 0); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "follow-up task opened",
		"task_id", task.ID, "agent", agentID, "endpoint", job.Endpoint)
	return nil
}
