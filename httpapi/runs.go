package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brainrun/brains/graph"
	"github.com/brainrun/brains/llm"
	"github.com/brainrun/brains/runstate"
	"github.com/brainrun/brains/signal"
	"github.com/brainrun/brains/stream"
	"github.com/brainrun/brains/supervisor"
)

type createRunRequest struct {
	BrainTitle string         `json:"brainTitle" binding:"required"`
	Options    map[string]any `json:"options"`
}

// createRun handles `POST /brains/runs {brainTitle, options?}`:
// resolves the brain, starts it on a background goroutine (a run may block
// for as long as its agent loop's LLM calls do, far past any reasonable
// HTTP timeout), and returns its id immediately. Callers observe progress
// via watchRun or brainHistory.
func (s *Server) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	blocks, ok := s.resolveBrain(req.BrainTitle)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such brain: " + req.BrainTitle})
		return
	}

	if info, ok := s.catalog[req.BrainTitle]; ok && info.OptionsSchema != nil {
		if err := s.schemas.Validate(info.OptionsSchema, req.Options); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid options: " + err.Error()})
			return
		}
	}

	runID := uuid.NewString()
	s.recordCreated(runID, req.BrainTitle)
	client := s.clientFor(req.BrainTitle)

	go func() {
		ctx := context.Background()
		p := supervisor.RunParams{
			Blocks:       blocks,
			RunID:        runID,
			InitialState: req.Options,
			Client:       client,
			Options:      req.Options,
			Env:          s.env,
			Services:     s.services,
			Resources:    s.runResources,
		}
		outcome, err := s.super.Start(ctx, p)
		if err != nil {
			s.recordOutcome(runID, runstate.StatusError)
			return
		}
		s.recordOutcome(runID, outcome.Status)
		s.trackWaiting(p, outcome)
	}()

	c.JSON(http.StatusCreated, gin.H{"brainRunId": runID})
}

// trackWaiting registers p.RunID's held webhook registrations with the
// webhook router once a Start/Resume call returns a WAITING outcome, so a
// later inbound delivery can match and resume it. p is the same RunParams
// the run was just started/resumed with, so the eventual Resume call has
// its Env/Services/Resources back.
func (s *Server) trackWaiting(p supervisor.RunParams, outcome stream.Outcome) {
	if s.router == nil || outcome.Status != runstate.StatusWaiting || len(outcome.WaitFor) == 0 {
		return
	}
	regs := make([]runstate.Registration, 0, len(outcome.WaitFor))
	for _, w := range outcome.WaitFor {
		regs = append(regs, runstate.Registration{
			ID:         uuid.NewString(),
			Slug:       w.Slug,
			Identifier: w.Identifier,
			Schema:     w.Schema,
			Deadline:   deadlineFromMillis(w.Deadline),
		})
	}
	s.router.Track(p, regs)
}

func deadlineFromMillis(millis *int64) *time.Time {
	if millis == nil {
		return nil
	}
	t := time.UnixMilli(*millis).UTC()
	return &t
}

// watchRun handles `GET /brains/runs/:id/watch`: a text/event-stream
// of every event this process appends for the run from this point forward,
// one `data:` line per event.
func (s *Server) watchRun(c *gin.Context) {
	runID := c.Param("id")
	ch, cancel := s.super.Subscribe(runID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type sendSignalRequest struct {
	Type     signal.Type    `json:"type" binding:"required"`
	Content  string         `json:"content"`
	Response map[string]any `json:"response"`
}

// sendSignal handles `POST /brains/runs/:id/signals {type, ...}`:
// 202 on acceptance, 404 if the run isn't active in this process, 409 if
// the signal is illegal for the run's current state.
func (s *Server) sendSignal(c *gin.Context) {
	runID := c.Param("id")
	var req sendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sig := signal.Signal{Type: req.Type, QueuedAt: timeNow(), Content: req.Content, Response: req.Response}
	if err := s.super.Signal(runID, sig); err != nil {
		if invalid, ok := err.(*signal.ErrInvalidSignal); ok {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": invalid.Error()})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"signal":  gin.H{"type": sig.Type, "queuedAt": sig.QueuedAt},
	})
}

// resumeRun handles `POST /brains/runs/:id/resume`: 202 once resumed
// on a background goroutine, or 409 if the run's last known status isn't
// PAUSED.
func (s *Server) resumeRun(c *gin.Context) {
	runID := c.Param("id")

	rec, ok := s.lookupRun(runID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no such run: " + runID})
		return
	}
	if rec.Status != runstate.StatusPaused {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "run is not PAUSED"})
		return
	}

	blocks, ok := s.resolveBrain(rec.BrainTitle)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no such brain: " + rec.BrainTitle})
		return
	}
	client := s.clientFor(rec.BrainTitle)

	go func() {
		ctx := context.Background()
		p := supervisor.RunParams{
			Blocks:    blocks,
			RunID:     runID,
			Client:    client,
			Env:       s.env,
			Services:  s.services,
			Resources: s.runResources,
		}
		outcome, err := s.super.Resume(ctx, p, nil, false)
		if err != nil {
			s.recordOutcome(runID, runstate.StatusError)
			return
		}
		s.recordOutcome(runID, outcome.Status)
		s.trackWaiting(p, outcome)
	}()

	c.JSON(http.StatusAccepted, gin.H{"success": true, "action": "resumed"})
}

func (s *Server) lookupRun(runID string) (runRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return runRecord{}, false
	}
	return *rec, true
}

func (s *Server) resolveBrain(title string) ([]graph.Block, bool) {
	if s.source == nil {
		return nil, false
	}
	return s.source(title)
}

func (s *Server) clientFor(brainTitle string) llm.Client {
	if s.client == nil {
		return nil
	}
	return s.client(brainTitle)
}
