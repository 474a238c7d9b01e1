// Package llm defines the provider-agnostic client contract the agent
// sub-loop drives: generateText and generateObject. Message and ToolCall shapes
// are deliberately narrow — this runtime only ever needs text and tool
// call/result content, never a full multimodal part set.
package llm

import (
	"context"
	"errors"
)

// Role is the conversation role of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation an assistant message requested.
type ToolCall struct {
	ToolCallID string
	ToolName   string
	Args       map[string]any
}

// Message is one turn in the conversation assembled by the agent sub-loop.
// Exactly the fields relevant to Role are meaningful: Content for
// system/user/assistant text, ToolCalls on an assistant message that
// requested tool use, and ToolCallID/ToolName/Content (as the JSON-encoded
// result) on a synthetic tool-result message.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ToolDescriptor is the provider-facing shape of a tool the generateText
// call may choose to invoke.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema any
}

// Usage reports token accounting for one generateText call.
type Usage struct {
	TotalTokens int
}

// TextRequest is the input to generateText.
type TextRequest struct {
	Messages []Message
	System   string
	Tools    []ToolDescriptor
}

// TextResponse is generateText's result. Text is populated when the model
// responded without requesting any tool calls; ToolCalls is populated
// otherwise. ResponseMessages preserves every message the provider actually
// returned, in order, for the AGENT_RAW_RESPONSE_MESSAGE audit trail —
// providers that return more than one message per call (e.g. a thinking
// block followed by a tool-use block) must report all of them here, not
// just a logical summary.
type TextResponse struct {
	Text             string
	ToolCalls        []ToolCall
	Usage            Usage
	ResponseMessages []Message
}

// ObjectRequest is the input to generateObject.
type ObjectRequest struct {
	Schema     any
	SchemaName string
	Prompt     string
}

// CapabilityError is the distinguished error generateText/generateObject
// must return when a client implementation does not support the requested
// operation, so agent blocks fail with a recognizable capability-missing
// error rather than a generic one. Callers can use errors.As against
// *CapabilityError to detect this case instead of matching error strings.
type CapabilityError struct {
	Capability string
	Provider   string
}

func (e *CapabilityError) Error() string {
	if e.Provider == "" {
		return "llm: capability missing: " + e.Capability
	}
	return "llm: " + e.Provider + " does not support " + e.Capability
}

// ErrRateLimited is wrapped into the error a Client implementation returns
// when the underlying provider signals it is throttling requests (HTTP 429
// or a provider-specific throttling code). ratelimit.Limiter.Observe (called
// by the client ratelimit.Wrap returns) matches on this sentinel via
// errors.Is to drive its backoff.
var ErrRateLimited = errors.New("llm: rate limited by provider")

// Client is the contract an agent block drives. Implementations live under
// adapters/llm/{anthropic,openai,bedrock}.
type Client interface {
	// GenerateText performs one non-streaming LLM call with the given
	// messages, system preamble, and tool descriptors.
	GenerateText(ctx context.Context, req TextRequest) (TextResponse, error)

	// GenerateObject performs one structured-output call, returning a value
	// conforming to the given schema. Implementations that cannot obtain a
	// schema-conforming value (the adapters in this module force a single
	// tool call whose input schema is the requested schema) MUST return a
	// *CapabilityError rather than attempt a best-effort parse of free text.
	GenerateObject(ctx context.Context, req ObjectRequest) (any, error)
}
