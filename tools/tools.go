// Package tools describes the tool surface an agent block exposes to an LLM
// client: a name, a description, an input schema, and an optional executor.
package tools

import "context"

// WaitFor names a webhook registration a tool's execution can suspend on.
// It mirrors runstate.Registration but lives here too so tools can
// construct wait requests without importing runstate; tools stays a leaf
// package that imports nothing from this module.
type WaitFor struct {
	Slug       string `json:"slug"`
	Identifier string `json:"identifier"`
	Schema     any    `json:"schema,omitempty"`
	Deadline   *int64 `json:"deadline,omitempty"` // unix millis, optional
}

// Result is what an Execute call returns. Exactly one of Output or WaitFor
// is meaningful: a non-empty WaitFor slice means the tool call suspends the
// agent loop on those registrations instead of completing normally.
type Result struct {
	Output  any       `json:"output,omitempty"`
	WaitFor []WaitFor `json:"waitFor,omitempty"`
}

// Execute runs a tool given its call arguments. ctx carries the run-scoped
// values (services, resources, env) the author's closure needs; args is the
// tool call's decoded argument object.
type Execute func(ctx context.Context, args map[string]any) (Result, error)

// Descriptor is one entry in an agent's tool list. A terminal tool ends the
// agent loop: its arguments become the loop's result and Execute, if set, is
// never called for it (terminal tools exist to shape the LLM's output, not
// to run code). A non-terminal tool with a nil Execute is a contract error
// the agent loop surfaces immediately rather than silently no-op-ing.
type Descriptor struct {
	Name        string
	Description string
	InputSchema any
	Terminal    bool
	Execute     Execute
}

// Ident uniquely names a tool call site within one agent iteration, used to
// correlate AGENT_TOOL_CALL / AGENT_TOOL_RESULT / AGENT_WEBHOOK events and to
// reconstruct the synthetic "tool" messages on resumption.
type Ident struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}
