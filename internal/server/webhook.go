package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/movepoint/internal/webhook"
)

// WebhookChallenge answers the platform's subscription handshake.
func (s *Server) WebhookChallenge(c *gin.Context) {
	challenge, err := s.webhookSvc.Challenge(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hub.challenge": challenge})
}

// WebhookReceive authenticates and enqueues one event delivery. The raw body
// is read untouched since the signature covers its exact bytes.
func (s *Server) WebhookReceive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		// An oversized or truncated body cannot be authenticated.
		AbortWithError(c, webhook.ErrUnauthorized)
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), webhook.ReceiveRequest{
		Body:      body,
		Signature: c.GetHeader(s.signatureHeader),
		ClientID:  c.ClientIP(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("webhook_outcome", string(result.Outcome))
	c.JSON(http.StatusOK, gin.H{"status": string(result.Outcome)})
}
