// Package resume implements the resumption algorithm: given a brain's
// block graph and the full event log for one of its runs, rebuild the state,
// execution stack, and (if the run last suspended mid agent sub-loop) the
// agent conversation needed to hand back to stream.Run as a ResumeContext.
package resume

import (
	"encoding/json"
	"fmt"

	"github.com/brainrun/brains/agentloop"
	"github.com/brainrun/brains/event"
	"github.com/brainrun/brains/graph"
	"github.com/brainrun/brains/jsonpatch"
	"github.com/brainrun/brains/llm"
	"github.com/brainrun/brains/stream"
)

// Result is everything Reconstruct derives from a run's event log.
type Result struct {
	// Steps is the last known STEP_STATUS snapshot: ids, kinds, titles, and
	// statuses, in the same order stream.FlattenSteps would assign for an
	// unchanged graph. Pass this directly as stream.Run's steps argument.
	Steps []event.StepInfo

	// State is the folded state at the point of suspension.
	State map[string]any

	// Options is the run's options, read back from the first START/RESTART
	// event rather than requiring a caller to have kept its own copy around
	// across a process restart — event.Event.Options already carries
	// whatever the run was created or last restarted with.
	Options map[string]any

	// Stack is nil if the run already reached a terminal status (nothing to
	// resume); otherwise it is the execution stack stream.ResumeContext
	// needs.
	Stack []stream.Frame

	// Agent is non-nil only when the run suspended inside an agent block's
	// sub-loop; nil for a plain step webhook suspension.
	Agent *agentloop.ResumeState

	// PendingWaitFor is the webhook registration(s) the suspended point is
	// waiting on, read back from the log for informational/verification
	// purposes (the authoritative copy lives in the run's registrations).
	PendingWaitFor []event.WaitFor

	// PendingToolCallID and PendingToolName identify the tool call an agent
	// suspension is waiting on (both empty for a plain step webhook
	// suspension). The caller delivering a webhook response is responsible
	// for appending the synthetic tool message — {ToolCallID, ToolName,
	// Content: JSON(payload)} — to Agent.Messages before resuming the stream
	//; Reconstruct stops short of that because the payload
	// isn't known until delivery.
	PendingToolCallID string
	PendingToolName   string
}

// Reconstruct rebuilds a Result from blocks (freshly produced by re-invoking
// the brain's pure constructor) and the run's full event log. Returns a
// Result with a nil Stack if the run has no suspended position to resume
// (it already reached COMPLETE/ERROR/KILLED, or the log is otherwise at
// rest).
func Reconstruct(blocks []graph.Block, events []event.Event) (*Result, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("resume: empty event log")
	}

	steps := lastStepStatus(events)
	if steps == nil {
		return nil, fmt.Errorf("resume: event log contains no STEP_STATUS snapshot")
	}

	state := map[string]any{}
	if initial := firstInitialState(events); initial != nil {
		state = cloneMap(initial)
	}

	patches := patchesByStepID(events)

	cursor := 0
	finalState, outcome, err := walk(blocks, state, &cursor, steps, patches)
	if err != nil {
		return nil, err
	}

	result := &Result{Steps: steps, State: finalState, Options: firstOptions(events)}
	if !outcome.found {
		return result, nil
	}

	topFrame := stream.Frame{StepIndex: outcome.resumeIndex, State: finalState}
	result.Stack = append([]stream.Frame{topFrame}, outcome.innerStack...)

	if outcome.agentStepID != "" {
		stepEvents := eventsForStep(events, outcome.agentStepID)
		agentResume, waitFor, toolCallID, toolName := reconstructAgent(stepEvents)
		result.Agent = agentResume
		result.PendingWaitFor = waitFor
		result.PendingToolCallID = toolCallID
		result.PendingToolName = toolName
	}

	return result, nil
}

// walkOutcome is what one level of the block-list walk reports upward: the
// local index (within the blocks list passed to this call) to resume at, and
// the stack of frames for any levels nested below it.
type walkOutcome struct {
	found       bool
	resumeIndex int
	innerStack  []stream.Frame
	agentStepID string
}

// walk replays blocks against the persisted step statuses and patches,
// mirroring stream.execBlocks' structural traversal without invoking any
// actions: it applies every patch recorded for a leaf step/agent id to
// state, stopping at the first step whose last known status is RUNNING (the
// run's suspended position), and descends into nested brains via the same
// Project used at execution time so each level's entry state matches exactly
// what stream.Run would have used.
func walk(blocks []graph.Block, state map[string]any, cursor *int, steps []event.StepInfo, patches map[string][]jsonpatch.Patch) (map[string]any, walkOutcome, error) {
	for i, b := range blocks {
		si := steps[*cursor]
		id := si.ID
		*cursor++

		switch b.Kind {
		case event.KindGuard:
			if si.Status == event.StepSkipped {
				skipRestFlat(blocks[i+1:], cursor)
				return state, walkOutcome{}, nil
			}

		case event.KindStep, event.KindAgent:
			var err error
			state, err = applyAll(state, patches[id])
			if err != nil {
				return nil, walkOutcome{}, err
			}
			if si.Status == event.StepRunning {
				outcome := walkOutcome{found: true, resumeIndex: i}
				if b.Kind == event.KindAgent {
					outcome.agentStepID = id
				}
				return state, outcome, nil
			}

		case event.KindBrain:
			innerState := b.Brain.Project(state)
			_, inner, err := walk(b.Brain.Inner, innerState, cursor, steps, patches)
			if err != nil {
				return nil, walkOutcome{}, err
			}
			if inner.found {
				frame := stream.Frame{StepIndex: inner.resumeIndex, State: innerState}
				return state, walkOutcome{
					found:       true,
					resumeIndex: i,
					innerStack:  append([]stream.Frame{frame}, inner.innerStack...),
					agentStepID: inner.agentStepID,
				}, nil
			}
			// The nested brain already reduced back into the outer state by
			// the time it emitted its own STEP_COMPLETE; apply that patch
			// and continue at this level.
			state, err = applyAll(state, patches[id])
			if err != nil {
				return nil, walkOutcome{}, err
			}
		}
	}
	return state, walkOutcome{}, nil
}

func applyAll(state map[string]any, ps []jsonpatch.Patch) (map[string]any, error) {
	for _, p := range ps {
		applied, err := jsonpatch.Apply(state, p)
		if err != nil {
			return nil, fmt.Errorf("resume: apply patch: %w", err)
		}
		next, ok := applied.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("resume: patch produced a non-object state")
		}
		state = next
	}
	return state, nil
}

// skipRestFlat advances cursor past every block in blocks (and, recursively,
// every step inside a nested brain), matching FlattenSteps' walk order,
// without inspecting status: used once a guard's false branch is detected so
// the shared cursor stays aligned with steps for the remainder of this level.
func skipRestFlat(blocks []graph.Block, cursor *int) {
	for _, b := range blocks {
		*cursor++
		if b.Kind == event.KindBrain && b.Brain != nil {
			skipRestFlat(b.Brain.Inner, cursor)
		}
	}
}

// reconstructAgent rebuilds the conversation for one agent step from its
// AGENT_* events. This event model only emits
// AGENT_ASSISTANT_MESSAGE on the no-tool-calls exit path, so an
// iteration that requested tool calls is reconstructed from its
// AGENT_TOOL_CALL events into one assistant message instead — functionally
// equivalent to replaying AGENT_ASSISTANT_MESSAGE, since both become a single
// assistant turn in the rebuilt conversation.
func reconstructAgent(stepEvents []event.Event) (resumeState *agentloop.ResumeState, waitFor []event.WaitFor, pendingToolCallID, pendingToolName string) {
	var messages []llm.Message
	var pendingToolCalls []llm.ToolCall
	iteration := 0
	totalTokens := 0

	flush := func() {
		if len(pendingToolCalls) > 0 {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, ToolCalls: pendingToolCalls})
			pendingToolCalls = nil
		}
	}

	for _, e := range stepEvents {
		switch e.Type {
		case event.TypeAgentStart:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: e.Prompt})
		case event.TypeAgentIteration:
			iteration = e.Iteration
			totalTokens = e.TotalTokens
		case event.TypeAgentToolCall:
			pendingToolCalls = append(pendingToolCalls, llm.ToolCall{ToolCallID: e.ToolCallID, ToolName: e.ToolName, Args: e.ToolInput})
		case event.TypeAgentToolResult:
			flush()
			content, _ := json.Marshal(e.ToolResult)
			messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: e.ToolCallID, ToolName: e.ToolName, Content: string(content)})
		case event.TypeAgentWebhook:
			flush()
			pendingToolCallID = e.ToolCallID
			pendingToolName = e.ToolName
		case event.TypeWebhook:
			waitFor = e.WaitFor
		case event.TypeAgentAssistantMessage:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: e.AssistantText})
		}
	}

	return &agentloop.ResumeState{Messages: messages, Iteration: iteration, TotalTokens: totalTokens}, waitFor, pendingToolCallID, pendingToolName
}

func lastStepStatus(events []event.Event) []event.StepInfo {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == event.TypeStepStatus {
			return events[i].Steps
		}
	}
	return nil
}

func firstInitialState(events []event.Event) map[string]any {
	for _, e := range events {
		if e.Type == event.TypeStart || e.Type == event.TypeRestart {
			return e.InitialState
		}
	}
	return nil
}

func firstOptions(events []event.Event) map[string]any {
	for _, e := range events {
		if e.Type == event.TypeStart || e.Type == event.TypeRestart {
			return e.Options
		}
	}
	return nil
}

func patchesByStepID(events []event.Event) map[string][]jsonpatch.Patch {
	out := map[string][]jsonpatch.Patch{}
	for _, e := range events {
		if e.Type != event.TypeStepComplete || e.Patch.IsEmpty() {
			continue
		}
		out[e.StepID] = append(out[e.StepID], e.Patch)
	}
	return out
}

func eventsForStep(events []event.Event, stepID string) []event.Event {
	var out []event.Event
	for _, e := range events {
		if e.StepID == stepID {
			out = append(out, e)
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
