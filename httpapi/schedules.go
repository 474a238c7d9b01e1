package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brainrun/brains/scheduler"
)

type createScheduleRequest struct {
	BrainTitle     string `json:"identifier" binding:"required"`
	CronExpression string `json:"cronExpression" binding:"required"`
	Timezone       string `json:"timezone"`
}

// createSchedule handles `POST /brains/schedules {identifier,
// cronExpression, timezone?}`. identifier names the brain title to fire.
func (s *Server) createSchedule(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduling is not configured"})
		return
	}
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reg, err := s.scheduler.CreateRegistration(req.BrainTitle, req.CronExpression, req.Timezone)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, registrationJSON(reg))
}

// listSchedules handles `GET /brains/schedules`.
func (s *Server) listSchedules(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduling is not configured"})
		return
	}
	regs := s.scheduler.ListRegistrations()
	out := make([]gin.H, 0, len(regs))
	for _, r := range regs {
		out = append(out, registrationJSON(r))
	}
	c.JSON(http.StatusOK, out)
}

// getSchedule handles `GET /brains/schedules/:id`.
func (s *Server) getSchedule(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduling is not configured"})
		return
	}
	reg, ok := s.scheduler.GetRegistration(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such schedule"})
		return
	}
	c.JSON(http.StatusOK, registrationJSON(reg))
}

// deleteSchedule handles `DELETE /brains/schedules/:id`.
func (s *Server) deleteSchedule(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduling is not configured"})
		return
	}
	if err := s.scheduler.DeleteRegistration(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// listScheduledRuns handles `GET /brains/schedules/runs`: the
// scheduler's firing history.
func (s *Server) listScheduledRuns(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduling is not configured"})
		return
	}
	records := s.scheduler.ListRecords()
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, gin.H{
			"id":             r.ID,
			"registrationId": r.RegistrationID,
			"brainTitle":     r.BrainTitle,
			"runId":          r.RunID,
			"triggeredAt":    r.TriggeredAt,
			"status":         r.Status,
			"error":          r.Error,
		})
	}
	c.JSON(http.StatusOK, out)
}

// getTimezone handles `GET /brains/schedules/timezone`.
func (s *Server) getTimezone(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduling is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"timezone": s.scheduler.DefaultTimezone()})
}

type setTimezoneRequest struct {
	Timezone string `json:"timezone" binding:"required"`
}

// setTimezone handles `PUT /brains/schedules/timezone`.
func (s *Server) setTimezone(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduling is not configured"})
		return
	}
	var req setTimezoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.scheduler.SetDefaultTimezone(req.Timezone); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"timezone": req.Timezone})
}

// registrationJSON shapes a Registration as `POST /brains/schedules`'s
// response: `{id, brainTitle, cronExpression, timezone, enabled,
// createdAt}`.
func registrationJSON(r scheduler.Registration) gin.H {
	return gin.H{
		"id":             r.ID,
		"brainTitle":     r.BrainTitle,
		"cronExpression": r.CronExpression,
		"timezone":       r.Timezone,
		"enabled":        r.Enabled,
		"createdAt":      r.CreatedAt,
	}
}
