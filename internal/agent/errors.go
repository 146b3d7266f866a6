package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrApprovalRejected indicates a human rejected a tool call
	ErrApprovalRejected = errors.New("tool call rejected by user")

	// ErrApprovalTimeout indicates nobody answered an approval request in time
	ErrApprovalTimeout = errors.New("approval request timed out")

	// ErrApprovalNotFound indicates a response referenced an unknown request
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrStopped indicates the run was stopped before the call was dispatched
	ErrStopped = errors.New("stopped before execution")

	// ErrUnknownStrategy indicates an unrecognized strategy name
	ErrUnknownStrategy = errors.New("unknown agent strategy")
)

// ToolErrorType categorizes tool execution errors.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates invalid parameters were passed
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the tool timed out
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorTransport indicates the tool server was unreachable or crashed
	ToolErrorTransport ToolErrorType = "transport"

	// ToolErrorPermission indicates a permission error
	ToolErrorPermission ToolErrorType = "permission"

	// ToolErrorRejected indicates the approval gate rejected the call
	ToolErrorRejected ToolErrorType = "rejected"

	// ToolErrorExecution indicates the function itself reported an error
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool panicked
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorStopped indicates the call was skipped by a stop request
	ToolErrorStopped ToolErrorType = "stopped"
)

// ToolError is a structured error from tool execution. It never escapes the
// engine; it is converted into an error ToolResult at the call's position.
type ToolError struct {
	// Type categorizes the error
	Type ToolErrorType

	// ToolName is the qualified name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// ResultMessage is the error text shown to the model.
func (e *ToolError) ResultMessage() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = string(e.Type)
	}
	return msg
}

// NewToolError creates a ToolError, classifying the cause.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorExecution,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}
	return err
}

// WithType sets the error type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the tool call ID.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// classifyToolError determines the error type from sentinels first and
// the error text second.
func classifyToolError(err error) ToolErrorType {
	if existing, ok := GetToolError(err); ok {
		return existing.Type
	}

	switch {
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolTimeout):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	case errors.Is(err, ErrApprovalRejected), errors.Is(err, ErrApprovalTimeout):
		return ToolErrorRejected
	case errors.Is(err, ErrStopped):
		return ToolErrorStopped
	}

	var transport interface{ Transport() bool }
	if errors.As(err, &transport) && transport.Transport() {
		return ToolErrorTransport
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "deadline exceeded") || strings.Contains(errStr, "timeout") {
		return ToolErrorTimeout
	}
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "not connected") {
		return ToolErrorTransport
	}
	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "unauthorized") {
		return ToolErrorPermission
	}
	return ToolErrorExecution
}

// IsToolError checks if an error is or wraps a ToolError.
func IsToolError(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// LoopError represents a failure inside a strategy, tagged with the phase
// and step where it happened.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase Phase

	// Step is the 1-based loop step
	Step int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (step %d): %v", e.Phase, e.Step, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (step %d)", e.Phase, e.Step)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// Phase identifies a step phase inside a strategy.
type Phase string

const (
	PhaseAct       Phase = "act"
	PhaseThink     Phase = "think"
	PhaseReason    Phase = "reason"
	PhaseObserve   Phase = "observe"
	PhaseTools     Phase = "tools"
	PhaseSynthesis Phase = "synthesis"
)
