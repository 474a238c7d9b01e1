// Package event defines the closed set of event types that make up a run's
// durable log: a common envelope plus per-type fields, carried as a single
// flat struct so the wire encoding tolerates unknown fields on both read
// and write.
package event

import (
	"encoding/json"
	"time"

	"github.com/brainrun/brains/jsonpatch"
)

// Type is one of the closed set of event kinds. No other values are valid;
// an unrecognized type string on the wire decodes as-is into Type but is not
// interpreted.
type Type string

const (
	// Run lifecycle.
	TypeStart           Type = "START"
	TypeRestart         Type = "RESTART"
	TypeComplete        Type = "COMPLETE"
	TypeError           Type = "ERROR"
	TypePaused          Type = "PAUSED"
	TypeResumed         Type = "RESUMED"
	TypeKilled          Type = "KILLED"
	TypeWebhook         Type = "WEBHOOK"
	TypeWebhookResponse Type = "WEBHOOK_RESPONSE"
	TypeHeartbeat       Type = "HEARTBEAT"

	// Step lifecycle.
	TypeStepStatus   Type = "STEP_STATUS"
	TypeStepStart    Type = "STEP_START"
	TypeStepComplete Type = "STEP_COMPLETE"
	TypeStepRetry    Type = "STEP_RETRY"

	// Agent lifecycle.
	TypeAgentStart              Type = "AGENT_START"
	TypeAgentIteration          Type = "AGENT_ITERATION"
	TypeAgentRawResponseMessage Type = "AGENT_RAW_RESPONSE_MESSAGE"
	TypeAgentAssistantMessage   Type = "AGENT_ASSISTANT_MESSAGE"
	TypeAgentToolCall           Type = "AGENT_TOOL_CALL"
	TypeAgentToolResult         Type = "AGENT_TOOL_RESULT"
	TypeAgentWebhook            Type = "AGENT_WEBHOOK"
	TypeAgentComplete           Type = "AGENT_COMPLETE"
	TypeAgentTokenLimit         Type = "AGENT_TOKEN_LIMIT"
	TypeAgentIterationLimit     Type = "AGENT_ITERATION_LIMIT"
)

// StepStatus is one of the states a Step can be in.
type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepRunning  StepStatus = "RUNNING"
	StepComplete StepStatus = "COMPLETE"
	StepError    StepStatus = "ERROR"
	StepSkipped  StepStatus = "SKIPPED"
)

// StepKind is one of the four block kinds a step can instantiate.
type StepKind string

const (
	KindStep  StepKind = "step"
	KindAgent StepKind = "agent"
	KindBrain StepKind = "brain"
	KindGuard StepKind = "guard"
)

// StepInfo is the per-step summary carried in a STEP_STATUS snapshot.
type StepInfo struct {
	ID     string     `json:"id"`
	Kind   StepKind   `json:"kind"`
	Title  string     `json:"title"`
	Status StepStatus `json:"status"`
}

// ErrorInfo is the serialized shape of an error recorded on the log: name,
// message, and an advisory stack.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// WaitFor is the wire shape of a webhook registration a WEBHOOK event
// carries: a (slug, identifier) pair plus the schema the awaited payload
// must conform to.
type WaitFor struct {
	Slug       string `json:"slug"`
	Identifier string `json:"identifier"`
	Schema     any    `json:"schema,omitempty"`
}

// RawMessage is one LLM-returned message, preserved verbatim for audit via
// AGENT_RAW_RESPONSE_MESSAGE.
type RawMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ToolCall is the decoded shape of one tool invocation an LLM response
// requested.
type ToolCall struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
}

// Event is the single flat envelope carrying every event type. Only the
// fields relevant to Type are populated; json tags use omitempty throughout
// so the wire encoding stays compact. Unknown fields are tolerated on decode
// and dropped; they are not carried back out on encode.
type Event struct {
	Type    Type           `json:"type"`
	RunID   string         `json:"runId"`
	Options map[string]any `json:"options,omitempty"`
	At      time.Time      `json:"at"`

	// Run lifecycle fields.
	InitialState map[string]any `json:"initialState,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
	WaitFor      []WaitFor      `json:"waitFor,omitempty"`
	Response     map[string]any `json:"response,omitempty"`
	TimedOut     bool           `json:"timedOut,omitempty"`

	// Step lifecycle fields.
	Steps     []StepInfo      `json:"steps,omitempty"`
	StepID    string          `json:"stepId,omitempty"`
	StepTitle string          `json:"stepTitle,omitempty"`
	StepKind  StepKind        `json:"stepKind,omitempty"`
	Patch     jsonpatch.Patch `json:"patch,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`

	// Agent lifecycle fields.
	Prompt              string         `json:"prompt,omitempty"`
	System              string         `json:"system,omitempty"`
	ToolDescriptors     []ToolSummary  `json:"toolDescriptors,omitempty"`
	Iteration           int            `json:"iteration,omitempty"`
	TokensThisIteration int            `json:"tokensThisIteration,omitempty"`
	TotalTokens         int            `json:"totalTokens,omitempty"`
	MaxTokens           int            `json:"maxTokens,omitempty"`
	MaxIterations       int            `json:"maxIterations,omitempty"`
	Message             *RawMessage    `json:"message,omitempty"`
	AssistantText       string         `json:"assistantText,omitempty"`
	ToolCallID          string         `json:"toolCallId,omitempty"`
	ToolName            string         `json:"toolName,omitempty"`
	ToolInput           map[string]any `json:"toolInput,omitempty"`
	ToolResult          any            `json:"toolResult,omitempty"`
	TerminalToolName    string         `json:"terminalToolName,omitempty"`
	Result              any            `json:"result,omitempty"`
}

// ToolSummary is the wire shape of a tool descriptor carried on AGENT_START,
// stripped of the non-serializable Execute closure.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema,omitempty"`
	Terminal    bool   `json:"terminal,omitempty"`
}

// Marshal encodes the event as its wire JSON representation.
func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Unmarshal decodes a wire JSON representation into an Event. Unknown fields
// in raw are silently ignored, so older consumers tolerate newer producers.
func Unmarshal(raw []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(raw, &e)
	return e, err
}

// IsTerminal reports whether t ends a run: no further events may be
// appended after one of these per the "terminal quiescence" invariant.
func IsTerminal(t Type) bool {
	switch t {
	case TypeComplete, TypeError, TypeKilled:
		return true
	default:
		return false
	}
}
