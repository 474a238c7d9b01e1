// Package scheduler implements cron-triggered run creation and inbound
// webhook delivery: a set of cron registrations that create new runs
// at their scheduled boundaries, and a router that matches an inbound
// (slug, identifier) pair against the registrations a WAITING run is
// holding and resumes it.
//
// Bookkeeping here mirrors supervisor's own style (small mutex-guarded maps,
// no durable state of its own): registrations and scheduled-run records are
// process-local by default; a durable-backed variant is a thin wrapper a
// caller can add around CreateRegistration/recordRun without changing this
// package.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/brainrun/brains/graph"
	"github.com/brainrun/brains/llm"
	"github.com/brainrun/brains/runstate"
	"github.com/brainrun/brains/schema"
	"github.com/brainrun/brains/stream"
	"github.com/brainrun/brains/supervisor"
)

// BrainSource resolves a brain title to the block graph its constructor
// produces. Construction is pure and side-effect-free, so the same
// title may be resolved many times across many scheduled firings.
type BrainSource func(brainTitle string) ([]graph.Block, bool)

// Starter is the subset of *supervisor.Supervisor the scheduler needs to
// create a run. *supervisor.Supervisor satisfies this directly.
type Starter interface {
	Start(ctx context.Context, p supervisor.RunParams) (stream.Outcome, error)
}

// Registration is one cron-triggered brain schedule.
type Registration struct {
	ID             string
	BrainTitle     string
	CronExpression string
	Timezone       string
	Enabled        bool
	CreatedAt      time.Time
}

// RunStatus is the outcome recorded for one scheduled firing.
type RunStatus string

const (
	RunTriggered RunStatus = "triggered"
	RunFailed    RunStatus = "failed"
)

// ScheduledRunRecord is one entry in the scheduler's firing history.
type ScheduledRunRecord struct {
	ID             string
	RegistrationID string
	BrainTitle     string
	RunID          string
	TriggeredAt    time.Time
	Status         RunStatus
	Error          string
}

// Scheduler owns the cron engine and the registration/record bookkeeping
// for cron firings. Client resolves which llm.Client a scheduled run
// should use for its brain title; it may be nil if no scheduled brain in
// this deployment needs one.
type Scheduler struct {
	source  BrainSource
	starter Starter
	client  func(brainTitle string) llm.Client

	cron *cron.Cron

	mu              sync.Mutex
	regs            map[string]*Registration
	entries         map[string]cron.EntryID
	records         []ScheduledRunRecord
	defaultTimezone string
	env             map[string]string
	services        map[string]any
	resources       map[string]any
}

// New constructs a Scheduler and starts its cron engine. Stop must be called
// to release the underlying goroutine.
func New(source BrainSource, starter Starter, client func(brainTitle string) llm.Client) *Scheduler {
	s := &Scheduler{
		source:          source,
		starter:         starter,
		client:          client,
		cron:            cron.New(),
		regs:            map[string]*Registration{},
		entries:         map[string]cron.EntryID{},
		defaultTimezone: "UTC",
	}
	s.cron.Start()
	return s
}

// Stop halts the cron engine, waiting for any in-flight firing to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// DefaultTimezone returns the timezone applied to registrations that don't
// specify their own.
func (s *Scheduler) DefaultTimezone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultTimezone
}

// SetRuntimeContext sets the Env/Services/Resources threaded into every
// RunParams a cron firing builds for Start. Cron registrations carry no
// per-run options (spec §4.7's registration shape is just
// {id, brainTitle, cronExpr, timezone, enabled}), but a scheduled run still
// needs the deployment's ambient collaborators the same way an
// HTTP-created run does.
func (s *Scheduler) SetRuntimeContext(env map[string]string, services, resources map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env, s.services, s.resources = env, services, resources
}

// SetDefaultTimezone updates the default timezone.
func (s *Scheduler) SetDefaultTimezone(tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("scheduler: invalid timezone %q: %w", tz, err)
	}
	s.mu.Lock()
	s.defaultTimezone = tz
	s.mu.Unlock()
	return nil
}

// CreateRegistration validates cronExpr, registers a cron entry firing
// brainTitle at every boundary, and returns the stored Registration.
func (s *Scheduler) CreateRegistration(brainTitle, cronExpr, timezone string) (Registration, error) {
	if timezone == "" {
		timezone = s.DefaultTimezone()
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return Registration{}, fmt.Errorf("scheduler: invalid timezone %q: %w", timezone, err)
	}
	spec := cronExpr
	if timezone != "" {
		spec = fmt.Sprintf("CRON_TZ=%s %s", timezone, cronExpr)
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return Registration{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", cronExpr, err)
	}

	reg := &Registration{
		ID:             uuid.NewString(),
		BrainTitle:     brainTitle,
		CronExpression: cronExpr,
		Timezone:       timezone,
		Enabled:        true,
		CreatedAt:      timeNow(),
	}

	entryID, err := s.cron.AddFunc(spec, func() { s.fire(reg) })
	if err != nil {
		return Registration{}, fmt.Errorf("scheduler: register cron entry: %w", err)
	}

	s.mu.Lock()
	s.regs[reg.ID] = reg
	s.entries[reg.ID] = entryID
	s.mu.Unlock()

	return *reg, nil
}

// ListRegistrations returns every registration, in no particular order.
func (s *Scheduler) ListRegistrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, *r)
	}
	return out
}

// GetRegistration looks up one registration by id.
func (s *Scheduler) GetRegistration(id string) (Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[id]
	if !ok {
		return Registration{}, false
	}
	return *r, true
}

// SetEnabled toggles whether a registration fires.
// The cron entry stays registered; fire() no-ops for a disabled
// registration so re-enabling needs no re-parse of the expression.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown registration %s", id)
	}
	r.Enabled = enabled
	return nil
}

// DeleteRegistration removes a registration and its cron entry.
func (s *Scheduler) DeleteRegistration(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown registration %s", id)
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	delete(s.regs, id)
	return nil
}

// ListRecords returns the scheduler's firing history, most recent last.
func (s *Scheduler) ListRecords() []ScheduledRunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledRunRecord, len(s.records))
	copy(out, s.records)
	return out
}

// fire runs one scheduled firing of reg: resolve the brain, start a fresh
// run, and record the outcome. Invoked on the cron package's own goroutine,
// so it must never block on anything the caller depends on.
func (s *Scheduler) fire(reg *Registration) {
	s.mu.Lock()
	enabled := reg.Enabled
	s.mu.Unlock()
	if !enabled {
		return
	}

	record := ScheduledRunRecord{
		ID:             uuid.NewString(),
		RegistrationID: reg.ID,
		BrainTitle:     reg.BrainTitle,
		RunID:          uuid.NewString(),
		TriggeredAt:    timeNow(),
	}

	blocks, ok := s.source(reg.BrainTitle)
	if !ok {
		record.Status = RunFailed
		record.Error = fmt.Sprintf("no brain registered with title %q", reg.BrainTitle)
		s.recordRun(record)
		return
	}

	var client llm.Client
	if s.client != nil {
		client = s.client(reg.BrainTitle)
	}
	s.mu.Lock()
	env, services, resources := s.env, s.services, s.resources
	s.mu.Unlock()

	_, err := s.starter.Start(context.Background(), supervisor.RunParams{
		Blocks:    blocks,
		RunID:     record.RunID,
		Client:    client,
		Env:       env,
		Services:  services,
		Resources: resources,
	})
	if err != nil {
		record.Status = RunFailed
		record.Error = err.Error()
	} else {
		record.Status = RunTriggered
	}
	s.recordRun(record)
}

func (s *Scheduler) recordRun(r ScheduledRunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

// ErrUnknownSlug is returned by WebhookRouter.Route for a slug with no
// registered handler.
type ErrUnknownSlug struct {
	Slug string
}

func (e *ErrUnknownSlug) Error() string {
	return fmt.Sprintf("scheduler: unknown webhook slug %q", e.Slug)
}

// HandlerResult is what a registered per-slug handler decides an inbound
// delivery means: either a webhook response destined for a waiting run's
// registration, or a provider verification handshake reply.
type HandlerResult struct {
	Type       HandlerResultType
	Identifier string
	Response   map[string]any
	Challenge  string
}

// HandlerResultType discriminates HandlerResult.
type HandlerResultType string

const (
	HandlerWebhook      HandlerResultType = "webhook"
	HandlerVerification HandlerResultType = "verification"
)

// SlugHandler interprets a raw inbound delivery for one webhook slug. query
// carries the request's query parameters, since some providers pass the
// identifier there rather than in the payload body.
type SlugHandler func(ctx context.Context, payload map[string]any, query map[string]string) (HandlerResult, error)

// Resumer is the subset of *supervisor.Supervisor the router needs to
// deliver a matched webhook. *supervisor.Supervisor satisfies this
// directly.
type Resumer interface {
	Resume(ctx context.Context, p supervisor.RunParams, webhookResponse map[string]any, timedOut bool) (stream.Outcome, error)
}

// pendingRun is what Track records about one WAITING run so Route can later
// match an inbound webhook against it. params carries everything Resume
// needs to reconstruct the run (blocks, client, and the run's ambient
// Env/Services/Resources) — Options is deliberately not required here,
// since Resume reconstructs it itself from the run's own event log.
// deadlineTimers fire a synthetic timed-out resume once a held
// registration's deadline passes; they are stopped the moment the run
// leaves pending by any other path.
type pendingRun struct {
	params         supervisor.RunParams
	registrations  []runstate.Registration
	deadlineTimers []*time.Timer
}

// RouteResult is what Route reports back to the HTTP layer.
type RouteResult struct {
	Received  bool
	Action    string // "resumed" | "no-match" | "verified"
	Challenge string
}

// WebhookRouter matches inbound webhook deliveries against the
// registrations runs are currently WAITING on: first match delivers and
// resumes the run, clearing every registration the run was holding along
// with it.
type WebhookRouter struct {
	resumer Resumer
	schemas schema.Cache

	mu       sync.Mutex
	handlers map[string]SlugHandler
	pending  map[string]pendingRun
}

// NewWebhookRouter constructs a router that resumes matched runs via
// resumer.
func NewWebhookRouter(resumer Resumer) *WebhookRouter {
	return &WebhookRouter{
		resumer:  resumer,
		handlers: map[string]SlugHandler{},
		pending:  map[string]pendingRun{},
	}
}

// RegisterHandler installs (or replaces) the handler for slug.
func (r *WebhookRouter) RegisterHandler(slug string, h SlugHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[slug] = h
}

// Slugs lists every slug with a registered handler, sorted.
func (r *WebhookRouter) Slugs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handlers))
	for slug := range r.handlers {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Track records that p.RunID is WAITING on regs, so a later Route call can
// find it. Callers invoke this once a Start/Resume call returns a WAITING
// outcome, passing the registrations derived from that outcome's WaitFor
// (with ids assigned by the caller, e.g. via uuid.NewString) and the same
// RunParams the run was last started or resumed with, so the eventual
// Resume call has its Env/Services/Resources back.
//
// Every registration carrying a non-nil Deadline gets its own timer: on
// expiry, if the run is still tracked (no actual delivery or direct Resume
// beat it there), fireTimeout resumes it directly through Resumer.Resume with
// a synthetic {"timedOut": true} response and timedOut=true, which the
// resumed stream records as a WEBHOOK_RESPONSE event.
func (r *WebhookRouter) Track(p supervisor.RunParams, regs []runstate.Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := pendingRun{params: p, registrations: regs}
	for _, reg := range regs {
		if reg.Deadline == nil {
			continue
		}
		d := time.Until(*reg.Deadline)
		if d < 0 {
			d = 0
		}
		run.deadlineTimers = append(run.deadlineTimers, time.AfterFunc(d, func() { r.fireTimeout(p.RunID) }))
	}
	r.pending[p.RunID] = run
}

// Untrack drops runID's tracked registrations and stops any outstanding
// deadline timers, e.g. once it has been resumed by some other path (a
// direct Resume call, a matching webhook delivery) so Route and fireTimeout
// no longer consider it a target.
func (r *WebhookRouter) Untrack(runID string) {
	r.mu.Lock()
	run, ok := r.pending[runID]
	delete(r.pending, runID)
	r.mu.Unlock()
	if ok {
		stopTimers(run.deadlineTimers)
	}
}

// fireTimeout resumes runID with a synthetic timed-out webhook response once
// one of its held registrations' deadlines expires. It re-checks that the
// run is still tracked before acting, since an actual matching delivery may
// have raced this timer and already removed it via Untrack.
func (r *WebhookRouter) fireTimeout(runID string) {
	r.mu.Lock()
	run, ok := r.pending[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, runID)
	r.mu.Unlock()
	stopTimers(run.deadlineTimers)

	if _, err := r.resumer.Resume(context.Background(), run.params, map[string]any{"timedOut": true}, true); err != nil {
		slog.Default().Error("webhook deadline resume failed", "runID", runID, "error", err.Error())
	}
}

func stopTimers(timers []*time.Timer) {
	for _, t := range timers {
		t.Stop()
	}
}

// Route handles one inbound (slug, payload) delivery: interpret via the
// slug's handler, answer a verification handshake
// verbatim, or match against a waiting run's registrations and resume it
// (idempotent "no-match" otherwise).
func (r *WebhookRouter) Route(ctx context.Context, slug string, payload map[string]any, query map[string]string) (RouteResult, error) {
	r.mu.Lock()
	h, ok := r.handlers[slug]
	r.mu.Unlock()
	if !ok {
		return RouteResult{}, &ErrUnknownSlug{Slug: slug}
	}

	result, err := h(ctx, payload, query)
	if err != nil {
		return RouteResult{}, fmt.Errorf("scheduler: slug %q handler: %w", slug, err)
	}

	if result.Type == HandlerVerification {
		return RouteResult{Received: true, Action: "verified", Challenge: result.Challenge}, nil
	}

	runID, run, reg, found := r.match(slug, result.Identifier)
	if !found {
		return RouteResult{Received: true, Action: "no-match"}, nil
	}
	if err := r.schemas.Validate(reg.Schema, result.Response); err != nil {
		return RouteResult{}, fmt.Errorf("scheduler: webhook payload for %s/%s failed schema validation: %w", slug, result.Identifier, err)
	}
	r.Untrack(runID)

	if _, err := r.resumer.Resume(ctx, run.params, result.Response, false); err != nil {
		return RouteResult{}, fmt.Errorf("scheduler: resume %s: %w", runID, err)
	}
	return RouteResult{Received: true, Action: "resumed"}, nil
}

func (r *WebhookRouter) match(slug, identifier string) (string, pendingRun, runstate.Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, run := range r.pending {
		for _, reg := range run.registrations {
			if reg.Matches(slug, identifier) {
				return runID, run, reg, true
			}
		}
	}
	return "", pendingRun{}, runstate.Registration{}, false
}

func timeNow() time.Time { return time.Now().UTC() }
