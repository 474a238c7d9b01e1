// Package supervisor implements the run supervisor: per run, it owns
// the single append lock to that run's event log, drives stream.Run on one
// logical executor, appends every yielded event before releasing the stream
// to produce the next (write-before-ack), multicasts each appended event to
// live subscribers, and emits HEARTBEAT at a configurable cadence so
// external schedulers do not time out the host.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/brainrun/brains/agentloop"
	"github.com/brainrun/brains/event"
	"github.com/brainrun/brains/graph"
	"github.com/brainrun/brains/llm"
	"github.com/brainrun/brains/resume"
	"github.com/brainrun/brains/runstate"
	"github.com/brainrun/brains/signal"
	"github.com/brainrun/brains/stream"
)

// EventLog is the durable, append-only store backing every run. One log
// entry per event, in append order; Load must return them back in that same
// order. Implementations (adapters/eventlog/inmem, adapters/eventlog/mongo)
// are expected to make Append durable before it returns, since the
// supervisor's write-before-ack guarantee is only as strong as this call.
type EventLog interface {
	Append(ctx context.Context, e event.Event) error
	Load(ctx context.Context, runID string) ([]event.Event, error)
}

// RunParams bundles everything a run needs beyond its block graph and id.
type RunParams struct {
	Blocks       []graph.Block
	RunID        string
	InitialState map[string]any
	Client       llm.Client
	Env          map[string]string
	Services     map[string]any
	Resources    map[string]any
	Options      map[string]any
}

// Options configures a Supervisor.
type Options struct {
	// HeartbeatInterval is the cadence at which HEARTBEAT events are
	// appended while a run is actively executing. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// SubscriberBuffer sizes each live subscriber's channel. Defaults to 64.
	SubscriberBuffer int
}

// Supervisor owns the live bookkeeping (append locks, signal queues, local
// subscriber fan-out) for whatever runs are currently in flight in this
// process. It holds no durable state of its own beyond the EventLog.
type Supervisor struct {
	log  EventLog
	opts Options

	mu   sync.Mutex
	runs map[string]*liveRun
}

// liveRun is the bookkeeping kept for one run while this process is
// actively executing or waiting on it. It is discarded once the run goes
// terminal or this process restarts; nothing here is load-bearing for
// correctness, since the EventLog is the sole durable record and
// resume.Reconstruct can always rebuild it from scratch.
type liveRun struct {
	// execMu is the run's single append lock: held for the entire
	// duration of one Start/Resume call, so at most one logical executor is
	// ever driving this run's stream at a time.
	execMu sync.Mutex

	// mu guards the fields below, which Signal and Subscribe read/write
	// concurrently with whatever goroutine currently holds execMu.
	mu      sync.Mutex
	status  runstate.Status
	inAgent bool
	signals *signal.Queue
	subs    map[int]chan event.Event
	nextSub int
}

// NewSupervisor constructs a Supervisor backed by log.
func NewSupervisor(log EventLog, opts Options) *Supervisor {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	return &Supervisor{log: log, opts: opts, runs: map[string]*liveRun{}}
}

func (s *Supervisor) acquire(runID string) *liveRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, ok := s.runs[runID]
	if !ok {
		lr = &liveRun{signals: signal.NewQueue(64), subs: map[int]chan event.Event{}}
		s.runs[runID] = lr
	}
	return lr
}

func (s *Supervisor) release(runID string, status runstate.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lr, ok := s.runs[runID]; ok {
		lr.mu.Lock()
		lr.status = status
		lr.mu.Unlock()
		if status.IsTerminal() {
			delete(s.runs, runID)
		}
	}
}

// Start begins a fresh run: emits START, executes p.Blocks to completion or
// suspension, and returns the resulting Outcome. The caller is responsible
// for invoking Resume later if the run is left PAUSED or WAITING.
func (s *Supervisor) Start(ctx context.Context, p RunParams) (stream.Outcome, error) {
	steps := stream.FlattenSteps(p.Blocks)
	return s.run(ctx, p, steps, nil)
}

// Resume continues a run from its durable event log: it loads the log,
// reconstructs the execution stack, options and (if applicable) agent
// conversation via resume.Reconstruct, and re-invokes stream.Run with that
// context. If webhookResponse is non-nil and the run was suspended on an
// agent's pending tool call, the synthetic tool message carrying that
// response is appended before the stream resumes — this is the one step
// resume.Reconstruct deliberately leaves to its caller, since the delivered
// payload isn't known until now.
//
// p.Blocks, p.RunID, p.Client, p.Env, p.Services and p.Resources are taken
// from the caller as given — live collaborators (an LLM client, injected
// services, ambient resources) aren't data the event log carries, so the
// caller must supply them fresh exactly as it would for Start. p.Options
// and p.InitialState are ignored: Options is instead reconstructed from the
// run's first START/RESTART event, and the starting state is the State
// resume.Reconstruct folds from the log, so a resumed run never silently loses
// the options it was created with, even across a process restart that lost
// whatever in-memory copy the original caller held.
//
// timedOut marks a webhookResponse that was synthesized by a registration's
// deadline expiring (see scheduler.WebhookRouter) rather than delivered by
// an actual inbound webhook; it is carried onto the resumed stream's
// WEBHOOK_RESPONSE event so the log records which case this was.
func (s *Supervisor) Resume(ctx context.Context, p RunParams, webhookResponse map[string]any, timedOut bool) (stream.Outcome, error) {
	events, err := s.log.Load(ctx, p.RunID)
	if err != nil {
		return stream.Outcome{}, fmt.Errorf("supervisor: load log for %s: %w", p.RunID, err)
	}
	result, err := resume.Reconstruct(p.Blocks, events)
	if err != nil {
		return stream.Outcome{}, fmt.Errorf("supervisor: reconstruct %s: %w", p.RunID, err)
	}
	if result.Stack == nil {
		return stream.Outcome{}, fmt.Errorf("supervisor: run %s has no suspended position to resume", p.RunID)
	}

	resumeCtx := &stream.ResumeContext{Stack: result.Stack, Agent: result.Agent, WebhookResponse: webhookResponse, TimedOut: timedOut}
	if webhookResponse != nil && result.PendingToolCallID != "" {
		resumeCtx.Agent = appendDeliveredToolMessage(result.Agent, result.PendingToolCallID, result.PendingToolName, webhookResponse)
	}

	p.Options = result.Options
	p.InitialState = result.State
	return s.run(ctx, p, result.Steps, resumeCtx)
}

func (s *Supervisor) run(ctx context.Context, p RunParams, steps []event.StepInfo, resumeCtx *stream.ResumeContext) (stream.Outcome, error) {
	lr := s.acquire(p.RunID)
	lr.execMu.Lock()
	defer lr.execMu.Unlock()

	lr.mu.Lock()
	lr.status = runstate.StatusRunning
	lr.mu.Unlock()

	stopHeartbeat := s.startHeartbeat(ctx, p.RunID, lr)
	defer stopHeartbeat()

	emit := func(ctx context.Context, e event.Event) error {
		e.At = timeNow()
		if err := s.log.Append(ctx, e); err != nil {
			return fmt.Errorf("supervisor: append event: %w", err)
		}
		lr.mu.Lock()
		switch {
		case e.Type == event.TypeAgentStart:
			lr.inAgent = true
		case isAgentTerminal(e.Type):
			lr.inAgent = false
		}
		lr.mu.Unlock()
		s.multicast(lr, e)
		return nil
	}

	poll := func() (signal.Signal, bool) { return lr.signals.TryDequeue() }

	params := stream.Params{
		Blocks:       p.Blocks,
		RunID:        p.RunID,
		InitialState: p.InitialState,
		Resume:       resumeCtx,
		Client:       p.Client,
		Env:          p.Env,
		Services:     p.Services,
		Resources:    p.Resources,
		Options:      p.Options,
	}

	outcome, err := stream.Run(ctx, params, steps, emit, poll)
	if err != nil {
		return outcome, err
	}
	s.release(p.RunID, outcome.Status)
	return outcome, nil
}

// Signal validates and enqueues sig against runID's live signal queue. The
// run must currently be tracked by this process (started or resumed here)
// for a signal to have anywhere to land; a PAUSE/KILL/WEBHOOK_RESPONSE
// against a run this process isn't actively executing should instead go
// through Resume once the triggering condition (deadline, inbound webhook)
// is known.
func (s *Supervisor) Signal(runID string, sig signal.Signal) error {
	s.mu.Lock()
	lr, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: run %s is not currently active in this process", runID)
	}
	lr.mu.Lock()
	view := signal.RunView{Status: lr.status, AgentInFlight: lr.inAgent}
	lr.mu.Unlock()
	if err := signal.Validate(sig, view); err != nil {
		return err
	}
	return lr.signals.Enqueue(sig)
}

// Subscribe registers a live feed for runID, multicasting each appended
// event to zero or more live subscribers. The returned channel receives
// every event this process appends for runID from this point forward; it is
// closed, and the subscription dropped, if the subscriber falls behind — a
// disconnected subscriber is expected to reconnect and replay via
// EventLog.Load. The returned cancel function must be called to
// release the subscription.
func (s *Supervisor) Subscribe(runID string) (<-chan event.Event, context.CancelFunc) {
	lr := s.acquire(runID)
	lr.mu.Lock()
	id := lr.nextSub
	lr.nextSub++
	ch := make(chan event.Event, s.opts.SubscriberBuffer)
	lr.subs[id] = ch
	lr.mu.Unlock()

	cancel := func() {
		lr.mu.Lock()
		if existing, ok := lr.subs[id]; ok && existing == ch {
			delete(lr.subs, id)
			close(ch)
		}
		lr.mu.Unlock()
	}
	return ch, cancel
}

// multicast fans e out to every live subscriber of lr, dropping (and
// closing) any whose buffer is full rather than blocking the run on a slow
// reader.
func (s *Supervisor) multicast(lr *liveRun, e event.Event) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	for id, ch := range lr.subs {
		select {
		case ch <- e:
		default:
			delete(lr.subs, id)
			close(ch)
		}
	}
}

// startHeartbeat emits HEARTBEAT at s.opts.HeartbeatInterval until the
// returned func is called. A zero interval disables it entirely.
func (s *Supervisor) startHeartbeat(ctx context.Context, runID string, lr *liveRun) context.CancelFunc {
	if s.opts.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				hb := event.Event{Type: event.TypeHeartbeat, RunID: runID, At: timeNow()}
				if err := s.log.Append(hbCtx, hb); err == nil {
					s.multicast(lr, hb)
				}
			}
		}
	}()
	return cancel
}

// appendDeliveredToolMessage builds the agent resume state a delivered
// webhook response needs: the reconstructed conversation plus one synthetic
// tool message carrying the payload. base may be nil if Reconstruct found no
// agent suspension to resume.
func appendDeliveredToolMessage(base *agentloop.ResumeState, toolCallID, toolName string, payload map[string]any) *agentloop.ResumeState {
	if base == nil {
		base = &agentloop.ResumeState{}
	}
	content, _ := json.Marshal(payload)
	messages := append(append([]llm.Message{}, base.Messages...), llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Content:    string(content),
	})
	return &agentloop.ResumeState{Messages: messages, Iteration: base.Iteration, TotalTokens: base.TotalTokens}
}

// isAgentTerminal reports whether an event type marks the end of one agent
// sub-loop activation (whether it finished, suspended, or the run around it
// stopped), used to keep liveRun.inAgent accurate for signal.Validate's
// USER_MESSAGE legality check.
func isAgentTerminal(t event.Type) bool {
	switch t {
	case event.TypeAgentComplete, event.TypeAgentTokenLimit, event.TypeAgentIterationLimit,
		event.TypeAgentAssistantMessage, event.TypeAgentWebhook, event.TypePaused, event.TypeKilled:
		return true
	default:
		return false
	}
}

func timeNow() time.Time { return time.Now().UTC() }
