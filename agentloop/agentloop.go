// Package agentloop drives the iterative LLM + tool-calling loop inside an
// agent block: compose messages, call the LLM client, walk any
// requested tool calls, and stop on a terminal tool, a token cap, an
// iteration cap, or a webhook suspension.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brainrun/brains/brainerr"
	"github.com/brainrun/brains/event"
	"github.com/brainrun/brains/graph"
	"github.com/brainrun/brains/llm"
	"github.com/brainrun/brains/schema"
	"github.com/brainrun/brains/signal"
	"github.com/brainrun/brains/tools"
)

// schemas caches compiled tool input/output schemas across calls to Run,
// since the same agent block's tool set is re-validated on every iteration
// and every resume.
var schemas schema.Cache

// defaultSystemPreamble is prepended ahead of the author's own System string
// on every agent call. It orients the model toward the
// tool-calling contract this loop implements without constraining the
// author's actual instructions.
const defaultSystemPreamble = "You are operating inside an automated workflow step. " +
	"Use the tools provided when they let you make progress; call a terminal tool " +
	"as soon as you have a final answer for this step."

const defaultMaxIterations = 100

// doneToolName is the synthetic terminal tool auto-registered when an agent
// declares an OutputSchema.
const doneToolName = "done"

// EmitFunc records one event produced during the loop. Implementations are
// expected to both append it to the durable log and apply it to in-memory
// state/subscribers; agentloop itself holds no log.
type EmitFunc func(event.Event)

// Poll is consulted at the top of every iteration, the "between iterations
// of the agent sub-loop" safe point. A PAUSE or KILL match stops the
// loop immediately; a USER_MESSAGE match is appended to the conversation and
// polling continues so a burst of queued signals all land before the next
// LLM call.
type Poll func() (signal.Signal, bool)

// ResumeState is the agent conversation reconstructed by the resumption
// algorithm when the last semantic activity before a restart
// was an agent suspension. A nil ResumeState means start the loop fresh.
type ResumeState struct {
	Messages    []llm.Message
	Iteration   int
	TotalTokens int
}

// Outcome is what Run returns: either the loop suspended on a webhook wait,
// or it finished (with or without a terminal tool firing) and produced the
// step's new state.
type Outcome struct {
	State     map[string]any
	Suspended bool
	WaitFor   []tools.WaitFor

	// Paused and Killed report a PAUSE/KILL signal observed at an
	// iteration-boundary safe point. At most one of Suspended,
	// Paused, Killed is ever true.
	Paused bool
	Killed bool
}

// Run executes the agent sub-loop to completion or suspension. state is the
// step's pre-execution state snapshot; the returned Outcome.State is the
// state after applying any terminal tool's result, unchanged if the loop
// exits without AGENT_COMPLETE.
func Run(ctx context.Context, client llm.Client, cfg graph.AgentConfig, state map[string]any, emit EmitFunc, resume *ResumeState, poll Poll) (Outcome, error) {
	if client == nil {
		return Outcome{}, &llm.CapabilityError{Capability: "generateText"}
	}
	if poll == nil {
		poll = func() (signal.Signal, bool) { return signal.Signal{}, false }
	}

	toolSet := buildToolSet(cfg)
	toolDescriptors := toolDescriptorsFor(toolSet)

	var messages []llm.Message
	iteration := 0
	totalTokens := 0

	if resume != nil {
		messages = resume.Messages
		iteration = resume.Iteration
		totalTokens = resume.TotalTokens
	} else {
		messages = composeInitialMessages(cfg)
		emit(event.Event{
			Type:            event.TypeAgentStart,
			Prompt:          cfg.Prompt,
			System:          cfg.System,
			ToolDescriptors: toolDescriptors,
		})
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	for {
		for {
			sig, ok := poll()
			if !ok {
				break
			}
			switch sig.Type {
			case signal.TypePause:
				return Outcome{State: state, Paused: true}, nil
			case signal.TypeKill:
				return Outcome{State: state, Killed: true}, nil
			case signal.TypeUserMessage:
				messages = append(messages, llm.Message{Role: llm.RoleUser, Content: sig.Content})
			}
		}

		iteration++

		resp, err := client.GenerateText(ctx, llm.TextRequest{
			Messages: messages,
			System:   composedSystem(cfg),
			Tools:    toolDescriptors,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("agentloop: generateText: %w", err)
		}

		for _, m := range resp.ResponseMessages {
			emit(event.Event{Type: event.TypeAgentRawResponseMessage, Message: &event.RawMessage{Role: string(m.Role), Content: m.Content}})
		}

		tokensThisIteration := resp.Usage.TotalTokens
		totalTokens += tokensThisIteration
		emit(event.Event{
			Type:                event.TypeAgentIteration,
			Iteration:           iteration,
			TokensThisIteration: tokensThisIteration,
			TotalTokens:         totalTokens,
		})

		if len(resp.ToolCalls) == 0 {
			emit(event.Event{Type: event.TypeAgentAssistantMessage, AssistantText: resp.Text})
			return Outcome{State: state}, nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			emit(event.Event{Type: event.TypeAgentToolCall, ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolInput: call.Args})

			descriptor, ok := toolSet[call.ToolName]
			if !ok {
				return Outcome{}, fmt.Errorf("agentloop: unknown tool %q requested", call.ToolName)
			}

			if err := schemas.Validate(descriptor.InputSchema, call.Args); err != nil {
				return Outcome{}, brainerr.Retryable("ToolInputSchemaError",
					fmt.Sprintf("tool %q call args: %v", call.ToolName, err),
					brainerr.RetryHint{Reason: brainerr.RetryReasonInvalidArguments, Tool: call.ToolName, RestrictToTool: true})
			}

			if descriptor.Terminal {
				newState, err := applyTerminalResult(state, cfg, call.ToolName, call.Args)
				if err != nil {
					return Outcome{}, err
				}
				emit(event.Event{
					Type:             event.TypeAgentComplete,
					TerminalToolName: call.ToolName,
					Result:           call.Args,
					TotalTokens:      totalTokens,
				})
				return Outcome{State: newState}, nil
			}

			if descriptor.Execute == nil {
				return Outcome{}, brainerr.AuthorContract("ToolContractError", fmt.Sprintf("tool %q is non-terminal but has no executor", call.ToolName))
			}

			result, err := descriptor.Execute(ctx, call.Args)
			if err != nil {
				return Outcome{}, brainerr.NewWithCause("ToolExecutionError", fmt.Sprintf("tool %q execution failed", call.ToolName), err)
			}

			if len(result.WaitFor) > 0 {
				emit(event.Event{Type: event.TypeAgentWebhook, ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolInput: call.Args})
				emit(event.Event{Type: event.TypeWebhook, WaitFor: toEventWaitFor(result.WaitFor)})
				return Outcome{State: state, Suspended: true, WaitFor: result.WaitFor}, nil
			}

			emit(event.Event{Type: event.TypeAgentToolResult, ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolResult: result.Output})

			resultJSON, err := json.Marshal(result.Output)
			if err != nil {
				return Outcome{}, fmt.Errorf("agentloop: marshal tool result: %w", err)
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    string(resultJSON),
				ToolCallID: call.ToolCallID,
				ToolName:   call.ToolName,
			})
		}

		if cfg.MaxTokens > 0 && totalTokens >= cfg.MaxTokens {
			emit(event.Event{Type: event.TypeAgentTokenLimit, TotalTokens: totalTokens, MaxTokens: cfg.MaxTokens})
			return Outcome{State: state}, nil
		}
		if iteration >= maxIterations {
			emit(event.Event{Type: event.TypeAgentIterationLimit, Iteration: iteration, MaxIterations: maxIterations, TotalTokens: totalTokens})
			return Outcome{State: state}, nil
		}
	}
}

func composeInitialMessages(cfg graph.AgentConfig) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: cfg.Prompt}}
}

func composedSystem(cfg graph.AgentConfig) string {
	if cfg.System == "" {
		return defaultSystemPreamble
	}
	return defaultSystemPreamble + "\n\n" + cfg.System
}

func buildToolSet(cfg graph.AgentConfig) map[string]tools.Descriptor {
	set := make(map[string]tools.Descriptor, len(cfg.Tools)+1)
	for _, t := range cfg.Tools {
		set[t.Name] = t
	}
	if cfg.OutputSchema != nil {
		set[doneToolName] = tools.Descriptor{
			Name:        doneToolName,
			Description: "Call this when you have the final result for this step.",
			InputSchema: cfg.OutputSchema.Schema,
			Terminal:    true,
		}
	}
	return set
}

func toolDescriptorsFor(set map[string]tools.Descriptor) []llm.ToolDescriptor {
	out := make([]llm.ToolDescriptor, 0, len(set))
	for _, t := range set {
		out = append(out, llm.ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

func toEventWaitFor(in []tools.WaitFor) []event.WaitFor {
	out := make([]event.WaitFor, len(in))
	for i, w := range in {
		out[i] = event.WaitFor{Slug: w.Slug, Identifier: w.Identifier, Schema: w.Schema}
	}
	return out
}

// applyTerminalResult applies a terminal tool's args to the state: when the
// agent declared an OutputSchema, the terminal args are namespaced under its
// Name; otherwise (an author-defined terminal tool fired with no declared
// output schema) the args are spread at the state root.
func applyTerminalResult(state map[string]any, cfg graph.AgentConfig, toolName string, args map[string]any) (map[string]any, error) {
	next := make(map[string]any, len(state)+len(args)+1)
	for k, v := range state {
		next[k] = v
	}
	if cfg.OutputSchema != nil && toolName == doneToolName {
		next[cfg.OutputSchema.Name] = args
		return next, nil
	}
	for k, v := range args {
		next[k] = v
	}
	return next, nil
}
