package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrun/brains/adapters/eventlog"
	"github.com/brainrun/brains/adapters/resources"
	"github.com/brainrun/brains/graph"
	"github.com/brainrun/brains/scheduler"
	"github.com/brainrun/brains/supervisor"
	"github.com/brainrun/brains/tools"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func noopBrain() []graph.Block {
	return []graph.Block{graph.Step("noop", func(_ context.Context, in graph.StepInput) (graph.StepOutput, error) {
		return graph.StepOutput{State: in.State}, nil
	})}
}

func waitingBrain() []graph.Block {
	return []graph.Block{graph.Step("suspend", func(_ context.Context, in graph.StepInput) (graph.StepOutput, error) {
		if in.Response != nil {
			return graph.StepOutput{State: in.Response}, nil
		}
		return graph.StepOutput{WaitFor: []tools.WaitFor{{Slug: "orders", Identifier: "abc123"}}}, nil
	})}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	super := supervisor.NewSupervisor(eventlog.New(), supervisor.Options{})
	source := func(title string) ([]graph.Block, bool) {
		switch title {
		case "noop-brain":
			return noopBrain(), true
		case "waiting-brain":
			return waitingBrain(), true
		default:
			return nil, false
		}
	}
	sched := scheduler.New(source, super, nil)
	t.Cleanup(sched.Stop)
	router := scheduler.NewWebhookRouter(super)

	return NewServer(super, Options{
		Source:    source,
		Titles:    func() []string { return []string{"noop-brain", "waiting-brain"} },
		Scheduler: sched,
		Router:    router,
		Resources: resources.New("https://runtime.example.com"),
	})
}

func TestCreateRunStartsKnownBrain(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/brains/runs", strings.NewReader(`{"brainTitle":"noop-brain"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "brainRunId")
}

func TestCreateRunRejectsUnknownBrain(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/brains/runs", strings.NewReader(`{"brainTitle":"missing"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRunRejectsMissingBrainTitle(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/brains/runs", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListBrainsReturnsCatalog(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/brains", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "noop-brain")
	assert.Contains(t, w.Body.String(), "waiting-brain")
}

func TestBrainHistoryTracksCreatedRuns(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/brains/runs", strings.NewReader(`{"brainTitle":"noop-brain"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	time.Sleep(20 * time.Millisecond)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/brains/noop-brain/history", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "COMPLETE")
}

func TestSendSignalAgainstUnknownRunReturns404(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/brains/runs/missing/signals", strings.NewReader(`{"type":"PAUSE"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResumeRunNotPausedReturns404ForUnknownAnd409ForWrongState(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/brains/runs/missing/resume", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/brains/runs", strings.NewReader(`{"brainTitle":"noop-brain"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		BrainRunID string `json:"brainRunId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	time.Sleep(20 * time.Millisecond)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/brains/runs/"+created.BrainRunID+"/resume", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateListGetDeleteSchedule(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/brains/schedules", strings.NewReader(`{"identifier":"noop-brain","cronExpression":"0 0 * * *"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "noop-brain")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/brains/schedules", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "noop-brain")
}

func TestWebhookDeliveryToUnknownSlugReturns404(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/no-such-slug", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResourcesRoundTrip(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/resources/greeting", strings.NewReader("hello"))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resources/greeting", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/resources/greeting", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resources/greeting", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResourcesMissingStoreReturns503(t *testing.T) {
	super := supervisor.NewSupervisor(eventlog.New(), supervisor.Options{})
	s := NewServer(super, Options{})
	r := s.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resources", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
