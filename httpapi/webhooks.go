package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brainrun/brains/scheduler"
)

// listWebhookSlugs handles `GET /webhooks`: every slug with a
// registered handler.
func (s *Server) listWebhookSlugs(c *gin.Context) {
	if s.router == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook routing is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"slugs": s.router.Slugs()})
}

// deliverWebhook handles `POST /webhooks/:slug`: routes the inbound
// delivery through the slug's handler, resuming a matched waiting run or
// replying per the handler's verification/no-match result.
func (s *Server) deliverWebhook(c *gin.Context) {
	if s.router == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook routing is not configured"})
		return
	}
	slug := c.Param("slug")

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	query := map[string]string{}
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	result, err := s.router.Route(c.Request.Context(), slug, payload, query)
	if err != nil {
		var unknown *scheduler.ErrUnknownSlug
		if errors.As(err, &unknown) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if result.Action == "resumed" {
		status = http.StatusAccepted
	}
	body := gin.H{"received": result.Received, "action": result.Action}
	if result.Challenge != "" {
		c.String(status, result.Challenge)
		return
	}
	c.JSON(status, body)
}
