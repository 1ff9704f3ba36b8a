package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/crewhq/crewd/pkg/auth"
	"github.com/crewhq/crewd/pkg/hooks"
	"github.com/crewhq/crewd/pkg/models"
)

// webhook is the shared ingress for all webhook endpoints. It verifies,
// dedupes, audits, and enqueues; the substantive work happens on the
// worker pool. The whole handler runs under the ack deadline.
func (s *Server) webhook(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.AckTimeout)
	defer cancel()

	endpoint := c.Param("endpoint")
	if !slices.Contains(hooks.Endpoints, endpoint) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown webhook endpoint"})
		return
	}

	// The size cap is enforced while reading so an oversized body cannot
	// buffer fully.
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	sig := c.GetHeader(auth.WebhookSignatureHeader)
	if !s.signer.VerifyWebhook(body, sig) {
		s.logger.WarnContext(ctx, "invalid webhook signature", "endpoint", endpoint)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var envelope struct {
		ExternalID string `json:"external_id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if envelope.ExternalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "external_id is required"})
		return
	}

	seen, err := s.store.RecordWebhook(ctx, &models.WebhookAuditEntry{
		Endpoint:       endpoint,
		ExternalID:     envelope.ExternalID,
		Headers:        map[string]string{"content-type": c.ContentType()},
		SignatureValid: true,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "webhook audit write failed",
			"endpoint", endpoint, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store unavailable"})
		return
	}
	if seen {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		Kind:       models.JobWebhook,
		Endpoint:   endpoint,
		ExternalID: envelope.ExternalID,
		Body:       body,
	}
	if err := s.queue.Enqueue(ctx, job, 0); err != nil {
		s.logger.ErrorContext(ctx, "webhook enqueue failed",
			"endpoint", endpoint, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}

	s.logger.InfoContext(ctx, "webhook accepted",
		"endpoint", endpoint, "external_id", envelope.ExternalID)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
