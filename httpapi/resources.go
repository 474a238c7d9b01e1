package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brainrun/brains/adapters/resources"
)

// listResources handles `GET /resources`.
func (s *Server) listResources(c *gin.Context) {
	if s.resources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resources are not configured"})
		return
	}
	keys, err := s.resources.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// getResource handles `GET /resources/:key`.
func (s *Server) getResource(c *gin.Context) {
	if s.resources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resources are not configured"})
		return
	}
	value, err := s.resources.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, resources.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", value)
}

// putResource handles `POST /resources/:key`: the request body is
// stored verbatim under key.
func (s *Server) putResource(c *gin.Context) {
	if s.resources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resources are not configured"})
		return
	}
	value, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.resources.Put(c.Request.Context(), c.Param("key"), value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// deleteResource handles `DELETE /resources/:key`.
func (s *Server) deleteResource(c *gin.Context) {
	if s.resources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resources are not configured"})
		return
	}
	if err := s.resources.Delete(c.Request.Context(), c.Param("key")); err != nil {
		if errors.Is(err, resources.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type presignedLinkRequest struct {
	Key string `json:"key" binding:"required"`
	TTL int64  `json:"ttlSeconds"`
}

// presignedLink handles `POST /resources/presigned-link`.
func (s *Server) presignedLink(c *gin.Context) {
	if s.resources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resources are not configured"})
		return
	}
	var req presignedLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ttl := time.Duration(req.TTL) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	link, err := s.resources.PresignedLink(c.Request.Context(), req.Key, ttl)
	if err != nil {
		if errors.Is(err, resources.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, resources.ErrPresignedLinksUnsupported) {
			c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": link})
}
