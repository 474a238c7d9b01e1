package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// listBrains handles `GET /brains`: every known brain title, with
// whatever catalog name/description was registered for it.
func (s *Server) listBrains(c *gin.Context) {
	var titles []string
	if s.titles != nil {
		titles = s.titles()
	}

	out := make([]gin.H, 0, len(titles))
	for _, title := range titles {
		info := s.catalog[title]
		name := info.Name
		if name == "" {
			name = title
		}
		out = append(out, gin.H{"name": name, "title": title, "description": info.Description})
	}
	c.JSON(http.StatusOK, out)
}

// brainHistory handles `GET /brains/:title/history?limit=`: the
// runs this process has started for title, oldest first, truncated to the
// most recent limit entries if given.
func (s *Server) brainHistory(c *gin.Context) {
	title := c.Param("title")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	records := s.historyFor(title, limit)
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, gin.H{
			"id":          r.ID,
			"brainTitle":  r.BrainTitle,
			"status":      r.Status,
			"createdAt":   r.CreatedAt,
			"completedAt": r.CompletedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}
