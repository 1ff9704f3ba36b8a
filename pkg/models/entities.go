package models

import (
	"encoding/json"
	"time"
)

// EntityKind names a domain entity table. The engine treats these rows as
// opaque side effects of agent or webhook processing.
type EntityKind string

const (
	EntityLead          EntityKind = "lead"
	EntityInsight       EntityKind = "insight"
	EntityCampaign      EntityKind = "campaign"
	EntityCalendarEvent EntityKind = "calendar_event"
	EntityAlert         EntityKind = "alert"
	EntityDocument      EntityKind = "document"
	EntityScrape        EntityKind = "scrape"
)

// DomainEntity is an opaque record owned by a requester.
type DomainEntity struct {
	ID          string          `json:"id"`
	Kind        EntityKind      `json:"kind"`
	RequesterID string          `json:"requester_id"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WebhookAuditEntry records an accepted webhook delivery. External ids are
// unique per endpoint; replays are answered from this table.
type WebhookAuditEntry struct {
	Endpoint       string            `json:"endpoint"`
	ExternalID     string            `json:"external_id"`
	Headers        map[string]string `json:"headers,omitempty"`
	SignatureValid bool              `json:"signature_valid"`
	ReceivedAt     time.Time         `json:"received_at"`
}
