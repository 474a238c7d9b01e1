// Package brainerr provides structured error types for step/agent/tool
// failures. BrainError preserves message and causal context while still
// implementing the standard error interface. A Kind distinguishes terminal
// failures (the run cannot continue) from retryable ones (a tool call the
// agent loop's planner may reattempt) from author-contract violations (a
// brain author's block definition is itself wrong, e.g. a non-terminal tool
// with a nil Execute).
package brainerr

import (
	"errors"
	"fmt"

	"github.com/brainrun/brains/event"
)

// Kind classifies a BrainError for the benefit of callers deciding whether
// to fail the run outright, let the agent loop's retry path reattempt, or
// surface a configuration problem to whoever registered the brain.
type Kind string

const (
	// KindTerminal means the run cannot continue; the step/agent loop
	// should fail the run.
	KindTerminal Kind = "terminal"
	// KindRetryable means a tool or planner call failed in a way the
	// agent loop's retry path can reasonably reattempt.
	KindRetryable Kind = "retryable"
	// KindAuthorContract means the brain author's block definition
	// violates a contract the runtime enforces (e.g. a non-terminal tool
	// with no Execute), not a runtime or external failure.
	KindAuthorContract Kind = "author_contract"
)

// RetryReason categorizes a retryable failure, giving any policy layer
// built on top of this runtime a fixed taxonomy to react to.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint carries guidance a tool or agent iteration attaches to a
// retryable failure. Policy or agent-loop code may use it to restrict the
// allowlist to a single tool, surface missing fields back to the planner,
// or otherwise adjust the next attempt; this runtime itself only carries
// the hint, it does not act on it.
type RetryHint struct {
	Reason         RetryReason
	Tool           string
	RestrictToTool bool
	MissingFields  []string
	Message        string
}

// BrainError is a structured failure that preserves message, kind, and
// causal context while still implementing the standard error interface.
// Errors may be nested via Cause, giving errors.Is/As a chain to walk.
type BrainError struct {
	// Name is the short machine-facing label recorded on the event log's
	// {name, message, stack} error shape; defaults to "BrainError".
	Name string
	// Message is the human-readable summary of the failure.
	Message string
	// Kind classifies the failure for retry/termination decisions.
	Kind Kind
	// Hint carries retry guidance when Kind is KindRetryable. Nil for
	// terminal and author-contract errors.
	Hint *RetryHint
	// Cause links to the underlying brain error, preserving the chain
	// across wraps.
	Cause *BrainError
}

// New constructs a terminal BrainError with the given name and message.
func New(name, message string) *BrainError {
	return newError(KindTerminal, name, message, nil, nil)
}

// Newf formats according to a format specifier and returns a terminal
// BrainError.
func Newf(name, format string, args ...any) *BrainError {
	return New(name, fmt.Sprintf(format, args...))
}

// NewWithCause constructs a terminal BrainError that wraps an underlying
// error, converting it into a BrainError chain so the cause survives
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(name, message string, cause error) *BrainError {
	return newError(KindTerminal, name, message, nil, cause)
}

// Retryable constructs a BrainError of KindRetryable carrying the given
// retry hint, for a tool or planner failure the agent loop's retry path may
// reattempt.
func Retryable(name, message string, hint RetryHint) *BrainError {
	return newError(KindRetryable, name, message, &hint, nil)
}

// AuthorContract constructs a BrainError of KindAuthorContract, for a
// violation of a contract the runtime enforces on a brain's own block
// definitions (e.g. a non-terminal tool.Descriptor with a nil Execute).
func AuthorContract(name, message string) *BrainError {
	return newError(KindAuthorContract, name, message, nil, nil)
}

func newError(kind Kind, name, message string, hint *RetryHint, cause error) *BrainError {
	if name == "" {
		name = "BrainError"
	}
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &BrainError{
		Name:    name,
		Message: message,
		Kind:    kind,
		Hint:    hint,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a BrainError chain. An error
// that is already (or wraps) a *BrainError is returned as-is; any other
// error becomes a terminal BrainError named "Error", with its Unwrap chain
// converted recursively.
func FromError(err error) *BrainError {
	if err == nil {
		return nil
	}
	var be *BrainError
	if errors.As(err, &be) {
		return be
	}
	return &BrainError{
		Name:    "Error",
		Message: err.Error(),
		Kind:    KindTerminal,
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Error implements the error interface.
func (e *BrainError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying brain error to support errors.Is/As.
func (e *BrainError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// IsRetryable reports whether the first BrainError in err's chain (as found
// by errors.As) is of KindRetryable. A BrainError of another kind whose
// Cause is retryable reports false.
func IsRetryable(err error) bool {
	var be *BrainError
	return errors.As(err, &be) && be.Kind == KindRetryable
}

// IsAuthorContract reports whether the first BrainError in err's chain (as
// found by errors.As) is of KindAuthorContract.
func IsAuthorContract(err error) bool {
	var be *BrainError
	return errors.As(err, &be) && be.Kind == KindAuthorContract
}

// ToErrorInfo converts an arbitrary error into the event package's
// serialized error shape ({name, message, stack?}). Stack is always empty
// here: this runtime treats stacks as advisory and does not capture them.
func ToErrorInfo(err error) *event.ErrorInfo {
	if err == nil {
		return nil
	}
	be := FromError(err)
	return &event.ErrorInfo{Name: be.Name, Message: be.Message}
}
