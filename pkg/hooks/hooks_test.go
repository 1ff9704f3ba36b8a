package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/agent"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/queue"
	"github.com/crewhq/crewd/pkg/research"
	"github.com/crewhq/crewd/pkg/store"
)

type fakeGateway struct {
	msgs map[string]*InboundMail
}

func (g *fakeGateway) Fetch(_ context.Context, id string) (*InboundMail, error) {
	m, ok := g.msgs[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "no message %s", id)
	}
	return m, nil
}

type fakeFetcher struct {
	pages map[string]*research.Page
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*research.Page, error) {
	p, ok := f.pages[url]
	if !ok {
		return nil, fault.New(fault.NotFound, "no page %s", url)
	}
	return p, nil
}

func newDispatcher(t *testing.T) (*Dispatcher, *store.MemoryStore, *queue.MemoryQueue, *fakeGateway, *fakeFetcher) {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	gw := &fakeGateway{msgs: map[string]*InboundMail{}}
	ff := &fakeFetcher{pages: map[string]*research.Page{}}
	return NewDispatcher(st, q, ff, gw, slog.Default()), st, q, gw, ff
}

func webhookJob(t *testing.T, endpoint, externalID string, body map[string]any) *models.Job {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return &models.Job{
		ID:         "j-" + externalID,
		Kind:       models.JobWebhook,
		Endpoint:   endpoint,
		ExternalID: externalID,
		Body:       raw,
	}
}

func drainOne(t *testing.T, q *queue.MemoryQueue) *models.Job {
	t.Helper()
	job, err := q.Claim(context.Background(), "w-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestMailReceivedOpensFollowUp(t *testing.T) {
	d, st, q, _, _ := newDispatcher(t)
	ctx := context.Background()

	job := webhookJob(t, EndpointMail, "m-1", map[string]any{
		"event_type":   "received",
		"requester_id": "u1",
		"from":         "prospect@example.com",
		"subject":      "pricing question",
		"body":         "How much for 50 seats?",
	})
	require.NoError(t, d.Handle(ctx, job))

	leads, err := st.ListEntities(ctx, "u1", models.EntityLead, 10)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	docs, err := st.ListEntities(ctx, "u1", models.EntityDocument, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	queued := drainOne(t, q)
	assert.Equal(t, models.JobAgentTask, queued.Kind)
	task, err := st.GetTask(ctx, queued.TaskID)
	require.NoError(t, err)
	assert.Equal(t, agent.OutboundMail, task.AgentID)
	assert.Contains(t, task.Inputs["prompt"], "prospect@example.com")
}

func TestMailBodyFetchedFromGateway(t *testing.T) {
	d, st, _, gw, _ := newDispatcher(t)
	gw.msgs["msg-9"] = &InboundMail{
		From:    "someone@example.com",
		Subject: "hello",
		Body:    "full body from provider",
	}

	job := webhookJob(t, EndpointMail, "m-2", map[string]any{
		"event_type":   "received",
		"requester_id": "u1",
		"email_id":     "msg-9",
	})
	require.NoError(t, d.Handle(context.Background(), job))

	docs, err := st.ListEntities(context.Background(), "u1", models.EntityDocument, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, string(docs[0].Payload), "full body from provider")
}

func TestMailEngagementEventIsANoop(t *testing.T) {
	d, st, q, _, _ := newDispatcher(t)
	job := webhookJob(t, EndpointMail, "m-3", map[string]any{
		"event_type":   "opened",
		"requester_id": "u1",
	})
	require.NoError(t, d.Handle(context.Background(), job))

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
	leads, err := st.ListEntities(context.Background(), "u1", models.EntityLead, 10)
	require.NoError(t, err)
	assert.Empty(t, leads)
}

func TestMailFollowUpIsIdempotent(t *testing.T) {
	d, _, q, _, _ := newDispatcher(t)
	ctx := context.Background()
	body := map[string]any{
		"event_type":   "received",
		"requester_id": "u1",
		"from":         "a@b.c",
		"subject":      "s",
		"body":         "b",
	}

	require.NoError(t, d.Handle(ctx, webhookJob(t, EndpointMail, "m-4", body)))
	require.NoError(t, d.Handle(ctx, webhookJob(t, EndpointMail, "m-4", body)))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestScrapeCompletedStoresEntity(t *testing.T) {
	d, st, _, _, _ := newDispatcher(t)
	job := webhookJob(t, EndpointScrape, "s-1", map[string]any{
		"event_type":   "completed",
		"requester_id": "u1",
		"url":          "https://example.com/pricing",
		"content":      "<html>prices</html>",
	})
	require.NoError(t, d.Handle(context.Background(), job))

	scrapes, err := st.ListEntities(context.Background(), "u1", models.EntityScrape, 10)
	require.NoError(t, err)
	require.Len(t, scrapes, 1)
	assert.Contains(t, string(scrapes[0].Payload), "example.com/pricing")
}

func TestScrapeWithoutContentQueuesFetch(t *testing.T) {
	d, st, q, _, ff := newDispatcher(t)
	ctx := context.Background()
	ff.pages["https://example.com/about"] = &research.Page{
		URL:   "https://example.com/about",
		Title: "About",
		Text:  "fetched text",
	}

	job := webhookJob(t, EndpointScrape, "s-2", map[string]any{
		"event_type":   "completed",
		"requester_id": "u1",
		"url":          "https://example.com/about",
	})
	require.NoError(t, d.Handle(ctx, job))

	fetchJob := drainOne(t, q)
	assert.Equal(t, models.JobScrapeFetch, fetchJob.Kind)
	require.NoError(t, d.Handle(ctx, fetchJob))

	scrapes, err := st.ListEntities(ctx, "u1", models.EntityScrape, 10)
	require.NoError(t, err)
	require.Len(t, scrapes, 1)
	assert.Contains(t, string(scrapes[0].Payload), "fetched text")
}

func TestScrapeFailedIsRecordedOnly(t *testing.T) {
	d, st, q, _, _ := newDispatcher(t)
	job := webhookJob(t, EndpointScrape, "s-3", map[string]any{
		"event_type":   "failed",
		"requester_id": "u1",
		"url":          "https://example.com",
		"error":        "blocked",
	})
	require.NoError(t, d.Handle(context.Background(), job))

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
	scrapes, err := st.ListEntities(context.Background(), "u1", models.EntityScrape, 10)
	require.NoError(t, err)
	assert.Empty(t, scrapes)
}

func TestBookingOpensCallPrep(t *testing.T) {
	d, st, q, _, _ := newDispatcher(t)
	ctx := context.Background()
	job := webhookJob(t, EndpointBooking, "b-1", map[string]any{
		"event_type":        "created",
		"requester_id":      "u1",
		"calendar_event_id": "cal-7",
		"title":             "Demo with Acme",
		"start_time":        "2026-09-01T15:00:00Z",
		"attendee":          "jane@acme.com",
	})
	require.NoError(t, d.Handle(ctx, job))

	events, err := st.ListEntities(ctx, "u1", models.EntityCalendarEvent, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	queued := drainOne(t, q)
	task, err := st.GetTask(ctx, queued.TaskID)
	require.NoError(t, err)
	assert.Equal(t, agent.CallPrep, task.AgentID)
	assert.Contains(t, task.Inputs["prompt"], "Demo with Acme")
}

func TestBookingCancelledSkipsFollowUp(t *testing.T) {
	d, _, q, _, _ := newDispatcher(t)
	job := webhookJob(t, EndpointBooking, "b-2", map[string]any{
		"event_type":   "cancelled",
		"requester_id": "u1",
		"title":        "Demo",
	})
	require.NoError(t, d.Handle(context.Background(), job))

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestAlertOpensEngineerTriage(t *testing.T) {
	d, st, q, _, _ := newDispatcher(t)
	ctx := context.Background()
	job := webhookJob(t, EndpointAlert, "a-1", map[string]any{
		"event_type":   "firing",
		"requester_id": "u1",
		"alert_id":     "al-3",
		"severity":     "critical",
		"service":      "api",
		"message":      "error rate above 5%",
	})
	require.NoError(t, d.Handle(ctx, job))

	alerts, err := st.ListEntities(ctx, "u1", models.EntityAlert, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	queued := drainOne(t, q)
	task, err := st.GetTask(ctx, queued.TaskID)
	require.NoError(t, err)
	assert.Equal(t, agent.Engineer, task.AgentID)
	assert.Contains(t, task.Inputs["prompt"], "error rate above 5%")
}

func TestUnknownEndpointRejected(t *testing.T) {
	d, _, _, _, _ := newDispatcher(t)
	job := webhookJob(t, "telemetry", "x-1", map[string]any{"event_type": "x"})
	err := d.Handle(context.Background(), job)
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))
}
