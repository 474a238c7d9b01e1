// Package graph describes the step graph a brain produces: a pure,
// in-memory, ordered list of blocks (step/agent/brain/guard). Constructing
// a graph has no side effects — invoking the same brain constructor many
// times yields structurally identical graphs.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/brainrun/brains/event"
	"github.com/brainrun/brains/tools"
)

// StepAction computes the next state for a plain step block. It receives
// the run's current state, the validated run options, the ambient
// env/services/resources maps, and, on resumption of a step that itself
// suspended on a webhook, the delivered response and (for page-backed waits)
// the submitted page. StepInput carries no LLM client. It returns a
// StepOutput: a new state, plus WaitFor registrations when the step
// requests suspension.
type StepAction func(ctx context.Context, in StepInput) (StepOutput, error)

// StepInput bundles everything a step action may read. Fields populated on
// any given call depend on the block kind and resumption status; actions
// MUST NOT assume every field is set.
type StepInput struct {
	State     map[string]any
	Options   map[string]any
	Response  map[string]any
	Page      map[string]any
	Env       map[string]string
	Services  map[string]any
	Resources map[string]any
}

// StepOutput is what a step action returns: either a plain new state, or a
// new state plus one or more webhook registrations to suspend on.
type StepOutput struct {
	State   map[string]any
	WaitFor []tools.WaitFor
}

// AgentConfigFunc builds an agent's per-invocation configuration. It is
// re-invoked on every resumption; Response is intentionally never populated
// with a webhook payload on resume — the payload only ever enters via
// a synthetic tool message.
type AgentConfigFunc func(ctx context.Context, in StepInput, defaultTools []tools.Descriptor) (AgentConfig, error)

// AgentConfig is the per-invocation shape an agent block's config producer
// returns.
type AgentConfig struct {
	Prompt        string
	System        string
	Tools         []tools.Descriptor
	MaxTokens     int // 0 means unbounded
	MaxIterations int // 0 means use the default of 100
	OutputSchema  *OutputSchema
}

// OutputSchema names the synthetic terminal "done" tool an agent gets when
// it declares a structured output contract.
type OutputSchema struct {
	Schema any
	Name   string
}

// GuardPredicate decides whether the remaining blocks in a brain execute.
// A false result marks every later block SKIPPED and ends the run COMPLETE.
type GuardPredicate func(ctx context.Context, state, options map[string]any) (bool, error)

// StateProjection computes a nested brain's initial inner state from the
// outer state at the point the brain block runs.
type StateProjection func(outerState map[string]any) map[string]any

// StateReducer combines the outer state with a nested brain's final inner
// state into the outer state the enclosing run continues with.
type StateReducer func(outerState, innerFinalState map[string]any) map[string]any

// Block is one entry in a brain's step graph. Exactly one of the typed
// fields (Step, Agent, Brain, Guard) is non-nil, matching Kind.
type Block struct {
	Kind  event.StepKind
	Title string

	Step  *StepBlock
	Agent *AgentBlock
	Brain *BrainBlock
	Guard *GuardBlock
}

// StepBlock is a deterministic computation block.
type StepBlock struct {
	Action StepAction
	Batch  *BatchConfig
}

// BatchConfig describes batch prompt semantics internal to a step.
// Over extracts the work items from state; Handler processes one item under
// the chunk's concurrency limit; OnError classifies a failed item's outcome.
type BatchConfig struct {
	Key         string
	Over        func(state map[string]any) ([]any, error)
	Handler     func(ctx context.Context, item any) (any, error)
	Concurrency int // default 10
	ChunkSize   int // default: all items in one chunk
	MaxRetries  int
	OnError     func(item any, err error) (fallback any, keep bool)
}

// AgentBlock drives an iterative LLM + tool-calling loop.
type AgentBlock struct {
	Config AgentConfigFunc
}

// BrainBlock nests an inner step graph inside an outer one.
type BrainBlock struct {
	Inner   []Block
	Project StateProjection
	Reduce  StateReducer
}

// GuardBlock conditionally truncates the remaining blocks.
type GuardBlock struct {
	Predicate GuardPredicate
}

// Step constructs a plain computation block.
func Step(title string, action StepAction) Block {
	return Block{Kind: event.KindStep, Title: title, Step: &StepBlock{Action: action}}
}

// BatchStep constructs a step block whose action processes a batch of items
// under the given config rather than returning state directly.
func BatchStep(title string, batch BatchConfig) Block {
	return Block{Kind: event.KindStep, Title: title, Step: &StepBlock{Batch: &batch}}
}

// Agent constructs an agentic tool-calling loop block.
func Agent(title string, config AgentConfigFunc) Block {
	return Block{Kind: event.KindAgent, Title: title, Agent: &AgentBlock{Config: config}}
}

// Brain constructs a nested brain block.
func Brain(title string, inner []Block, project StateProjection, reduce StateReducer) Block {
	return Block{Kind: event.KindBrain, Title: title, Brain: &BrainBlock{Inner: inner, Project: project, Reduce: reduce}}
}

// Guard constructs a conditional truncation block.
func Guard(title string, predicate GuardPredicate) Block {
	return Block{Kind: event.KindGuard, Title: title, Guard: &GuardBlock{Predicate: predicate}}
}

// Fingerprint hashes the sequence of (kind, title) tuples in blocks, giving
// a structural fingerprint for the graph. This is not required to match
// across resumes; it is useful for detecting that a brain's shape changed
// between a run's start and an attempted resume (a deploy mid-run),
// which callers may treat as a warning rather than a hard error.
func Fingerprint(blocks []Block) string {
	h := sha256.New()
	for _, b := range blocks {
		fmt.Fprintf(h, "%s:%s;", b.Kind, b.Title)
		if b.Kind == event.KindBrain && b.Brain != nil {
			fmt.Fprintf(h, "[%s];", Fingerprint(b.Brain.Inner))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
