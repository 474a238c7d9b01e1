// Package httpapi implements the HTTP surface: a thin gin-gonic/gin layer
// over supervisor.Supervisor, scheduler.Scheduler and
// adapters/resources.Store. It owns no durable state of its own beyond a
// small in-process run index (brain title, status, timestamps) used to
// answer the list/history routes without requiring every EventLog
// implementation to also be queryable by brain title.
//
// Route coverage deliberately excludes the `pages`, `secrets`, and `users`
// families: they have no backing domain model anywhere in this module, so
// they are not implemented here (see DESIGN.md).
package httpapi

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brainrun/brains/adapters/resources"
	"github.com/brainrun/brains/graph"
	"github.com/brainrun/brains/llm"
	"github.com/brainrun/brains/runstate"
	"github.com/brainrun/brains/scheduler"
	"github.com/brainrun/brains/schema"
	"github.com/brainrun/brains/supervisor"
)

// BrainSource resolves a brain title to its block graph, the same shape
// registry.Registry.Source() returns.
type BrainSource func(title string) ([]graph.Block, bool)

// BrainInfo is the catalog entry a brain author can optionally attach to
// its title: `GET /brains` returns `{name,title,description}`, fields no
// other package in this module models. Brains with no registered BrainInfo
// are still listed, by title alone.
type BrainInfo struct {
	Name        string
	Description string
	// OptionsSchema, if set, is the JSON Schema createRun validates a run's
	// options against before starting it. Nil means no constraint.
	OptionsSchema any
}

// Server wires the HTTP surface to the runtime. Client, if non-nil,
// resolves which llm.Client a newly started run should use for its brain
// title; it may be nil for deployments where every brain is tool/step-only.
type Server struct {
	super     *supervisor.Supervisor
	source    BrainSource
	titles    func() []string
	catalog   map[string]BrainInfo
	client    func(brainTitle string) llm.Client
	scheduler *scheduler.Scheduler
	router    *scheduler.WebhookRouter
	resources resources.Store

	// env, services and runResources are the deployment-wide ambient
	// collaborators threaded into every run's RunParams, mirroring client's
	// resolver shape but constant across brain titles: they aren't per-run
	// data, so unlike Options they need no reconstruction on resume.
	env          map[string]string
	services     map[string]any
	runResources map[string]any

	// schemas compiles and caches each brain's BrainInfo.OptionsSchema, so
	// createRun validates a run's options without recompiling the schema
	// document on every request.
	schemas schema.Cache

	mu      sync.Mutex
	runs    map[string]*runRecord
	byBrain map[string][]string
}

// runRecord is the bookkeeping a Server keeps about one run it started, so
// GET /brains/:title/history has something to list without every EventLog
// implementation needing a by-brain-title index of its own.
type runRecord struct {
	ID          string
	BrainTitle  string
	Status      runstate.Status
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Options configures a Server.
type Options struct {
	// Source resolves a brain title to its block graph, typically
	// registry.Default.Source() or a Registry's Source().
	Source BrainSource
	// Titles lists every known brain title, typically registry.Titles.
	Titles func() []string
	// Catalog supplies the optional name/description shown by
	// GET /brains, keyed by title. May be nil or partial.
	Catalog map[string]BrainInfo
	// Client resolves which llm.Client a run for brainTitle should use.
	// May be nil if no brain in this deployment needs one.
	Client func(brainTitle string) llm.Client
	// Scheduler backs the /brains/schedules routes. May be nil, in which
	// case those routes respond 503.
	Scheduler *scheduler.Scheduler
	// Router backs the /webhooks routes. May be nil, in which case those
	// routes respond 503.
	Router *scheduler.WebhookRouter
	// Resources backs the /resources routes. May be nil, in which case
	// those routes respond 503.
	Resources resources.Store
	// Env, Services and RunResources are the ambient step/agent
	// collaborators (graph.StepInput.Env/Services/Resources) threaded into
	// every run this Server starts or resumes. They are deployment-wide
	// constants, not per-run data, so a resumed run gets the same values
	// back simply by the Server supplying them again — unlike Options,
	// which is per-run and reconstructed from the event log instead.
	Env          map[string]string
	Services     map[string]any
	RunResources map[string]any
}

// NewServer constructs a Server. super must not be nil.
func NewServer(super *supervisor.Supervisor, opts Options) *Server {
	return &Server{
		super:        super,
		source:       opts.Source,
		titles:       opts.Titles,
		catalog:      opts.Catalog,
		client:       opts.Client,
		scheduler:    opts.Scheduler,
		router:       opts.Router,
		resources:    opts.Resources,
		env:          opts.Env,
		services:     opts.Services,
		runResources: opts.RunResources,
		runs:         map[string]*runRecord{},
		byBrain:      map[string][]string{},
	}
}

// Router builds the gin.Engine exposing every route this Server backs.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	runs := r.Group("/brains/runs")
	runs.POST("", s.createRun)
	runs.GET("/:id/watch", s.watchRun)
	runs.POST("/:id/signals", s.sendSignal)
	runs.POST("/:id/resume", s.resumeRun)

	r.GET("/brains", s.listBrains)
	r.GET("/brains/:title/history", s.brainHistory)

	schedules := r.Group("/brains/schedules")
	schedules.POST("", s.createSchedule)
	schedules.GET("", s.listSchedules)
	schedules.GET("/runs", s.listScheduledRuns)
	schedules.GET("/timezone", s.getTimezone)
	schedules.PUT("/timezone", s.setTimezone)
	schedules.GET("/:id", s.getSchedule)
	schedules.DELETE("/:id", s.deleteSchedule)

	r.GET("/webhooks", s.listWebhookSlugs)
	r.POST("/webhooks/:slug", s.deliverWebhook)

	resourceRoutes := r.Group("/resources")
	resourceRoutes.GET("", s.listResources)
	resourceRoutes.POST("/presigned-link", s.presignedLink)
	resourceRoutes.GET("/:key", s.getResource)
	resourceRoutes.POST("/:key", s.putResource)
	resourceRoutes.DELETE("/:key", s.deleteResource)

	return r
}

func (s *Server) recordCreated(runID, brainTitle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = &runRecord{ID: runID, BrainTitle: brainTitle, Status: runstate.StatusRunning, CreatedAt: timeNow()}
	s.byBrain[brainTitle] = append(s.byBrain[brainTitle], runID)
}

func (s *Server) recordOutcome(runID string, status runstate.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return
	}
	rec.Status = status
	if status.IsTerminal() {
		now := timeNow()
		rec.CompletedAt = &now
	}
}

func (s *Server) historyFor(brainTitle string, limit int) []runRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byBrain[brainTitle]
	out := make([]runRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.runs[id]; ok {
			out = append(out, *rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func timeNow() time.Time { return time.Now().UTC() }
