// Package stream implements the event stream generator: given a step
// graph and run parameters, it yields a finite sequence of events and
// updates in-memory state as it goes. Conceptually this is a lazy
// generator; this implementation realizes it as a synchronous function that
// calls an EmitFunc once per event. Because EmitFunc is an ordinary blocking
// Go call, the caller (the run supervisor) naturally gets the "advances only
// once its event has been accepted" backpressure guarantee for free — no
// channel or goroutine indirection is needed to get that property in Go.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/brainrun/brains/agentloop"
	"github.com/brainrun/brains/brainerr"
	"github.com/brainrun/brains/event"
	"github.com/brainrun/brains/graph"
	"github.com/brainrun/brains/jsonpatch"
	"github.com/brainrun/brains/llm"
	"github.com/brainrun/brains/runstate"
	"github.com/brainrun/brains/signal"
	"github.com/brainrun/brains/tools"
)

// EmitFunc is called once per produced event, synchronously, before the
// stream continues. Implementations typically append the event to the
// durable log and multicast it to live subscribers before returning.
type EmitFunc func(ctx context.Context, e event.Event) error

// SignalPoll is consulted at every safe point: between blocks,
// between agent iterations, and before each batch chunk. A non-nil,
// ok==true return means a signal was dequeued and must be handled before
// continuing.
type SignalPoll func() (signal.Signal, bool)

// Frame is one level of the execution stack reconstructed by resumption
// : which step index within this level's block list to resume
// at, and the state that level started with.
type Frame struct {
	StepIndex int
	State     map[string]any
}

// ResumeContext is what a stream is (re)started with when continuing a run
// rather than starting it fresh.
type ResumeContext struct {
	Stack           []Frame
	Agent           *agentloop.ResumeState
	WebhookResponse map[string]any
	// TimedOut marks a WebhookResponse that was synthesized by a
	// registration's deadline expiring rather than delivered by an actual
	// inbound webhook; it is carried straight onto the emitted
	// WEBHOOK_RESPONSE event's TimedOut field.
	TimedOut bool
}

// Params bundles everything Run needs to execute a brain's block list.
type Params struct {
	Blocks       []graph.Block
	RunID        string
	InitialState map[string]any
	Resume       *ResumeContext
	Client       llm.Client
	Env          map[string]string
	Services     map[string]any
	Resources    map[string]any
	Options      map[string]any
}

// Outcome describes how Run returned.
type Outcome struct {
	Status  runstate.Status
	State   map[string]any
	WaitFor []tools.WaitFor
	Err     *event.ErrorInfo
}

// FlattenSteps assigns a stable id to every block in a brain, including
// those nested inside brain blocks, in the same depth-first, execution
// order Run walks them. The result is the durable id mapping the "stable
// step identity" invariant depends on: resumption re-derives this same
// list from a run's persisted STEP_STATUS events rather than re-flattening
// the (possibly redeployed) graph, so renamed/reordered blocks never change
// an in-flight run's ids.
func FlattenSteps(blocks []graph.Block) []event.StepInfo {
	var out []event.StepInfo
	flattenInto(blocks, &out)
	return out
}

func flattenInto(blocks []graph.Block, out *[]event.StepInfo) {
	for _, b := range blocks {
		*out = append(*out, event.StepInfo{ID: uuid.NewString(), Kind: b.Kind, Title: b.Title, Status: event.StepPending})
		if b.Kind == event.KindBrain && b.Brain != nil {
			flattenInto(b.Brain.Inner, out)
		}
	}
}

// Run executes (or resumes) p.Blocks against the given pre-assigned step
// list, emitting events via emit and consulting poll at safe points. steps
// is mutated in place to reflect status as execution proceeds; callers
// retain ownership of the slice for subsequent STEP_STATUS emission.
func Run(ctx context.Context, p Params, steps []event.StepInfo, emit EmitFunc, poll SignalPoll) (Outcome, error) {
	state := p.InitialState
	if state == nil {
		state = map[string]any{}
	}

	startType := event.TypeStart
	if p.Resume != nil {
		startType = event.TypeRestart
	}
	if err := emit(ctx, event.Event{Type: startType, RunID: p.RunID, InitialState: state, Options: p.Options}); err != nil {
		return Outcome{}, err
	}
	if err := emitStatus(ctx, p.RunID, steps, emit); err != nil {
		return Outcome{}, err
	}

	if p.Resume != nil && p.Resume.WebhookResponse != nil {
		if err := emit(ctx, event.Event{
			Type:     event.TypeWebhookResponse,
			RunID:    p.RunID,
			Response: p.Resume.WebhookResponse,
			TimedOut: p.Resume.TimedOut,
		}); err != nil {
			return Outcome{}, err
		}
	}

	cursor := 0
	var stack []Frame
	if p.Resume != nil {
		stack = p.Resume.Stack
	}
	if poll == nil {
		poll = func() (signal.Signal, bool) { return signal.Signal{}, false }
	}

	r := &runner{p: p, steps: steps, emit: emit, poll: poll}

	startIndex := 0
	if len(stack) > 0 {
		startIndex = stack[0].StepIndex
	}

	outcome, err := r.execBlocks(ctx, p.Blocks, state, startIndex, &cursor, popStack(stack), p.Resume)
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func popStack(stack []Frame) []Frame {
	if len(stack) == 0 {
		return nil
	}
	return stack[1:]
}

type runner struct {
	p     Params
	steps []event.StepInfo
	emit  EmitFunc
	poll  SignalPoll
}

// execBlocks runs one level of the execution stack: blocks is either the
// top-level brain or one nested brain's inner list; startIndex resumes
// mid-list; cursor indexes into the runner's flattened step list and is
// shared across recursive calls so nested step ids line up.
func (r *runner) execBlocks(ctx context.Context, blocks []graph.Block, state map[string]any, startIndex int, cursor *int, childStack []Frame, resume *ResumeContext) (Outcome, error) {
	// Advance the cursor to startIndex's position for this level by walking
	// blocks already completed (their ids, and any nested ids, were already
	// consumed in a prior invocation of Run before suspension).
	for i := 0; i < startIndex; i++ {
		consumeBlock(blocks[i], cursor)
	}

	for i := startIndex; i < len(blocks); i++ {
		block := blocks[i]
		stepInfo := &r.steps[*cursor]
		*cursor++

		if sig, ok := r.poll(); ok {
			outcome, handled, err := r.handleSignal(ctx, sig, state)
			if handled {
				return outcome, err
			}
		}

		var resumeHere *ResumeContext
		if i == startIndex {
			resumeHere = resume
		}

		switch block.Kind {
		case event.KindGuard:
			pass, err := block.Guard.Predicate(ctx, state, r.p.Options)
			if err != nil {
				return r.fail(ctx, stepInfo, err)
			}
			if !pass {
				markRemainingSkipped(r.steps, *cursor-1, blocks[i:], cursor)
				if err := emitStatus(ctx, r.p.RunID, r.steps, r.emit); err != nil {
					return Outcome{}, err
				}
				if err := r.emit(ctx, event.Event{Type: event.TypeComplete, RunID: r.p.RunID}); err != nil {
					return Outcome{}, err
				}
				return Outcome{Status: runstate.StatusComplete, State: state}, nil
			}
			stepInfo.Status = event.StepComplete

		case event.KindStep:
			newState, waitFor, err := r.runStep(ctx, stepInfo, block, state, resumeHere)
			if err != nil {
				var susp *batchSuspendedError
				if errors.As(err, &susp) {
					return susp.outcome, nil
				}
				return r.fail(ctx, stepInfo, err)
			}
			state = newState
			if len(waitFor) > 0 {
				return Outcome{Status: runstate.StatusWaiting, State: state, WaitFor: waitFor}, nil
			}

		case event.KindAgent:
			newState, suspended, waitFor, err := r.runAgent(ctx, stepInfo, block, state, resumeHere)
			if err != nil {
				var ctrl *agentControlError
				if errors.As(err, &ctrl) {
					return ctrl.outcome, nil
				}
				return r.fail(ctx, stepInfo, err)
			}
			state = newState
			if suspended {
				return Outcome{Status: runstate.StatusWaiting, State: state, WaitFor: waitFor}, nil
			}

		case event.KindBrain:
			var innerResume *ResumeContext
			innerStart := 0
			innerState := block.Brain.Project(state)
			var nextChildStack []Frame
			if resumeHere != nil {
				innerResume = &ResumeContext{Agent: resumeHere.Agent, WebhookResponse: resumeHere.WebhookResponse}
				if len(childStack) > 0 {
					innerStart = childStack[0].StepIndex
					innerState = childStack[0].State
					nextChildStack = childStack[1:]
					innerResume.Stack = nextChildStack
				}
			}
			// nextChildStack (not nil) carries any remaining frames to a
			// brain nested two or more levels deep; passing nil here would
			// strand resumption at the first nesting level.
			innerOutcome, err := r.execBlocks(ctx, block.Brain.Inner, innerState, innerStart, cursor, nextChildStack, innerResume)
			if err != nil {
				return Outcome{}, err
			}
			if innerOutcome.Status != runstate.StatusComplete {
				return innerOutcome, nil
			}
			pre := state
			state = block.Brain.Reduce(state, innerOutcome.State)
			patch, err := jsonpatch.Diff(pre, state)
			if err != nil {
				return Outcome{}, fmt.Errorf("stream: diff nested brain reduction: %w", err)
			}
			stepInfo.Status = event.StepComplete
			if err := r.emit(ctx, event.Event{Type: event.TypeStepComplete, RunID: r.p.RunID, StepID: stepInfo.ID, Patch: patch}); err != nil {
				return Outcome{}, err
			}
		}

		if err := emitStatus(ctx, r.p.RunID, r.steps, r.emit); err != nil {
			return Outcome{}, err
		}
	}

	return Outcome{Status: runstate.StatusComplete, State: state}, nil
}

func (r *runner) handleSignal(ctx context.Context, sig signal.Signal, state map[string]any) (Outcome, bool, error) {
	switch sig.Type {
	case signal.TypePause:
		err := r.emit(ctx, event.Event{Type: event.TypePaused, RunID: r.p.RunID})
		return Outcome{Status: runstate.StatusPaused, State: state}, true, err
	case signal.TypeKill:
		err := r.emit(ctx, event.Event{Type: event.TypeKilled, RunID: r.p.RunID})
		return Outcome{Status: runstate.StatusKilled, State: state}, true, err
	default:
		return Outcome{}, false, nil
	}
}

func (r *runner) runStep(ctx context.Context, stepInfo *event.StepInfo, block graph.Block, state map[string]any, resume *ResumeContext) (map[string]any, []tools.WaitFor, error) {
	stepInfo.Status = event.StepRunning
	if err := r.emit(ctx, event.Event{Type: event.TypeStepStart, RunID: r.p.RunID, StepID: stepInfo.ID, StepTitle: stepInfo.Title, StepKind: stepInfo.Kind}); err != nil {
		return nil, nil, err
	}
	if err := emitStatus(ctx, r.p.RunID, r.steps, r.emit); err != nil {
		return nil, nil, err
	}

	if block.Step.Batch != nil {
		newState, err := r.runBatch(ctx, block.Step.Batch, state)
		if err != nil {
			return nil, nil, err
		}
		patch, err := jsonpatch.Diff(state, newState)
		if err != nil {
			return nil, nil, fmt.Errorf("stream: diff batch step state: %w", err)
		}
		if err := r.emit(ctx, event.Event{Type: event.TypeStepComplete, RunID: r.p.RunID, StepID: stepInfo.ID, Patch: patch}); err != nil {
			return nil, nil, err
		}
		stepInfo.Status = event.StepComplete
		return newState, nil, nil
	}

	in := graph.StepInput{State: state, Options: r.p.Options, Env: r.p.Env, Services: r.p.Services, Resources: r.p.Resources}
	if resume != nil {
		in.Response = resume.WebhookResponse
	}

	out, err := block.Step.Action(ctx, in)
	if err != nil {
		if retryErr := r.emit(ctx, event.Event{Type: event.TypeStepRetry, RunID: r.p.RunID, StepID: stepInfo.ID, Attempt: 1}); retryErr != nil {
			return nil, nil, retryErr
		}
		out, err = block.Step.Action(ctx, in)
		if err != nil {
			return nil, nil, err
		}
	}

	patch, err := jsonpatch.Diff(state, out.State)
	if err != nil {
		return nil, nil, fmt.Errorf("stream: diff step state: %w", err)
	}
	if err := r.emit(ctx, event.Event{Type: event.TypeStepComplete, RunID: r.p.RunID, StepID: stepInfo.ID, Patch: patch}); err != nil {
		return nil, nil, err
	}

	if len(out.WaitFor) > 0 {
		if err := r.emit(ctx, event.Event{Type: event.TypeWebhook, RunID: r.p.RunID, WaitFor: toEventWaitFor(out.WaitFor)}); err != nil {
			return nil, nil, err
		}
		// Stays RUNNING: the step itself is re-entered (with the delivered
		// payload in StepInput.Response) when the run resumes, it does not
		// advance to the next block.
		stepInfo.Status = event.StepRunning
		return out.State, out.WaitFor, nil
	}

	stepInfo.Status = event.StepComplete
	return out.State, nil, nil
}

func (r *runner) runAgent(ctx context.Context, stepInfo *event.StepInfo, block graph.Block, state map[string]any, resume *ResumeContext) (map[string]any, bool, []tools.WaitFor, error) {
	stepInfo.Status = event.StepRunning
	if err := r.emit(ctx, event.Event{Type: event.TypeStepStart, RunID: r.p.RunID, StepID: stepInfo.ID, StepTitle: stepInfo.Title, StepKind: stepInfo.Kind}); err != nil {
		return nil, false, nil, err
	}
	if err := emitStatus(ctx, r.p.RunID, r.steps, r.emit); err != nil {
		return nil, false, nil, err
	}

	in := graph.StepInput{State: state, Options: r.p.Options, Env: r.p.Env, Services: r.p.Services, Resources: r.p.Resources}
	cfg, err := block.Agent.Config(ctx, in, nil)
	if err != nil {
		return nil, false, nil, err
	}

	var agentResume *agentloop.ResumeState
	if resume != nil {
		agentResume = resume.Agent
	}

	scopedEmit := func(e event.Event) {
		e.RunID = r.p.RunID
		e.StepID = stepInfo.ID
		_ = r.emit(ctx, e)
	}

	outcome, err := agentloop.Run(ctx, r.p.Client, cfg, state, scopedEmit, agentResume, agentloop.Poll(r.poll))
	if err != nil {
		return nil, false, nil, err
	}

	if outcome.Paused || outcome.Killed {
		// Stays RUNNING: resume.Reconstruct finds this step via its status
		// regardless of why it suspended, and replays the conversation up to
		// the last completed iteration whether that replay
		// feeds a RESUME or a delivered webhook.
		stepInfo.Status = event.StepRunning
		evType, status := event.TypePaused, runstate.StatusPaused
		if outcome.Killed {
			evType, status = event.TypeKilled, runstate.StatusKilled
		}
		if err := r.emit(ctx, event.Event{Type: evType, RunID: r.p.RunID}); err != nil {
			return nil, false, nil, err
		}
		return nil, false, nil, &agentControlError{outcome: Outcome{Status: status, State: outcome.State}}
	}

	if outcome.Suspended {
		// Stays RUNNING: the agent sub-loop resumes within this same step
		//, it never advances to the next block.
		stepInfo.Status = event.StepRunning
		return outcome.State, true, outcome.WaitFor, nil
	}

	patch, err := jsonpatch.Diff(state, outcome.State)
	if err != nil {
		return nil, false, nil, fmt.Errorf("stream: diff agent state: %w", err)
	}
	if err := r.emit(ctx, event.Event{Type: event.TypeStepComplete, RunID: r.p.RunID, StepID: stepInfo.ID, Patch: patch}); err != nil {
		return nil, false, nil, err
	}
	stepInfo.Status = event.StepComplete
	return outcome.State, false, nil, nil
}

func (r *runner) fail(ctx context.Context, stepInfo *event.StepInfo, cause error) (Outcome, error) {
	stepInfo.Status = event.StepError
	info := brainerr.ToErrorInfo(cause)
	if err := r.emit(ctx, event.Event{Type: event.TypeError, RunID: r.p.RunID, Error: info}); err != nil {
		return Outcome{}, err
	}
	_ = emitStatus(ctx, r.p.RunID, r.steps, r.emit)
	return Outcome{Status: runstate.StatusError, Err: info}, nil
}

func emitStatus(ctx context.Context, runID string, steps []event.StepInfo, emit EmitFunc) error {
	snapshot := make([]event.StepInfo, len(steps))
	copy(snapshot, steps)
	return emit(ctx, event.Event{Type: event.TypeStepStatus, RunID: runID, Steps: snapshot})
}

func markRemainingSkipped(steps []event.StepInfo, fromIdx int, remaining []graph.Block, cursor *int) {
	steps[fromIdx].Status = event.StepSkipped
	for _, b := range remaining[1:] {
		skipBlock(steps, b, cursor)
	}
}

// skipBlock marks block's own step (and, recursively, every step in a
// nested brain's inner graph) SKIPPED, advancing cursor the same way
// consumeBlock does.
func skipBlock(steps []event.StepInfo, b graph.Block, cursor *int) {
	steps[*cursor].Status = event.StepSkipped
	*cursor++
	if b.Kind == event.KindBrain && b.Brain != nil {
		for _, inner := range b.Brain.Inner {
			skipBlock(steps, inner, cursor)
		}
	}
}

// consumeBlock advances cursor past block and (for a nested brain) every
// step its inner graph contains, mirroring FlattenSteps' walk order, without
// changing status (used when fast-forwarding past already-completed blocks
// on resumption).
func consumeBlock(b graph.Block, cursor *int) {
	*cursor++
	if b.Kind == event.KindBrain && b.Brain != nil {
		for _, inner := range b.Brain.Inner {
			consumeBlock(inner, cursor)
		}
	}
}

func toEventWaitFor(in []tools.WaitFor) []event.WaitFor {
	out := make([]event.WaitFor, len(in))
	for i, w := range in {
		out[i] = event.WaitFor{Slug: w.Slug, Identifier: w.Identifier, Schema: w.Schema}
	}
	return out
}

// batchSuspendedError signals that a PAUSE/KILL was observed at a chunk
// boundary safe point and carries the
// Outcome execBlocks must return unwinding out of runStep's normal error
// handling, rather than being treated as a step failure.
type batchSuspendedError struct {
	outcome Outcome
}

func (e *batchSuspendedError) Error() string { return "stream: batch suspended by signal" }

// agentControlError signals that the agent sub-loop observed a PAUSE/KILL
// at an iteration-boundary safe point and carries the Outcome
// execBlocks must return unwinding out of runAgent's normal error handling.
type agentControlError struct {
	outcome Outcome
}

func (e *agentControlError) Error() string { return "stream: agent loop paused or killed by signal" }

// runBatch runs a step's batch prompt semantics: split cfg.Over's items
// into chunks, process each chunk under cfg.Concurrency, and write the
// ordered results under cfg.Key. A signal is polled before every chunk.
func (r *runner) runBatch(ctx context.Context, cfg *graph.BatchConfig, state map[string]any) (map[string]any, error) {
	items, err := cfg.Over(state)
	if err != nil {
		return nil, fmt.Errorf("stream: batch over: %w", err)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 || chunkSize > len(items) {
		chunkSize = len(items)
	}
	if chunkSize == 0 {
		chunkSize = 1
	}

	results := make([]any, len(items))
	for start := 0; start < len(items); start += chunkSize {
		if sig, ok := r.poll(); ok {
			switch sig.Type {
			case signal.TypePause:
				if err := r.emit(ctx, event.Event{Type: event.TypePaused, RunID: r.p.RunID}); err != nil {
					return nil, err
				}
				return nil, &batchSuspendedError{outcome: Outcome{Status: runstate.StatusPaused, State: state}}
			case signal.TypeKill:
				if err := r.emit(ctx, event.Event{Type: event.TypeKilled, RunID: r.p.RunID}); err != nil {
					return nil, err
				}
				return nil, &batchSuspendedError{outcome: Outcome{Status: runstate.StatusKilled, State: state}}
			}
		}

		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunkResults, err := runChunk(ctx, cfg, items[start:end], concurrency)
		if err != nil {
			return nil, err
		}
		copy(results[start:end], chunkResults)
	}

	next := make(map[string]any, len(state)+1)
	for k, v := range state {
		next[k] = v
	}
	next[cfg.Key] = results
	return next, nil
}

// runChunk processes one chunk's items concurrently, bounded by concurrency.
// A failed item whose cfg.OnError declines to keep a fallback fails the
// whole chunk; a partial chunk never gets silently dropped.
func runChunk(ctx context.Context, cfg *graph.BatchConfig, items []any, concurrency int) ([]any, error) {
	results := make([]any, len(items))
	errs := make([]error, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()
			out, err := callWithRetry(ctx, cfg, item)
			if err != nil {
				if cfg.OnError != nil {
					if fallback, keep := cfg.OnError(item, err); keep {
						results[i] = []any{item, fallback}
						return
					}
				}
				errs[i] = err
				return
			}
			results[i] = []any{item, out}
		}(i, item)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return nil, e
		}
	}
	return results, nil
}

func callWithRetry(ctx context.Context, cfg *graph.BatchConfig, item any) (any, error) {
	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		out, err := cfg.Handler(ctx, item)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
