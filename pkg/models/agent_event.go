// Package models provides domain types for the conductor orchestration core.
package models

import (
	"encoding/json"
	"time"
)

// AgentEvent is the unified event model streamed to the client of a run.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a run for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// RunID identifies the orchestration run.
	RunID string `json:"run_id,omitempty"`

	// ConversationID identifies the conversation the run belongs to.
	ConversationID string `json:"conversation_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Token       *TokenEventPayload       `json:"token,omitempty"`
	Tool        *ToolEventPayload        `json:"tool,omitempty"`
	Phase       *PhaseEventPayload       `json:"phase,omitempty"`
	Approval    *ApprovalEventPayload    `json:"approval,omitempty"`
	Elicitation *ElicitationEventPayload `json:"elicitation,omitempty"`
	Error       *ErrorEventPayload       `json:"error,omitempty"`
	Run         *RunEventPayload         `json:"run,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Run lifecycle
	AgentEventRunStarted  AgentEventType = "run.started"
	AgentEventRunFinished AgentEventType = "run.finished"

	// Model streaming
	AgentEventToken AgentEventType = "token"

	// Tool execution
	AgentEventToolStarted   AgentEventType = "tool.started"
	AgentEventToolProgress  AgentEventType = "tool.progress"
	AgentEventToolCompleted AgentEventType = "tool.completed"

	// Loop phase markers
	AgentEventPhase AgentEventType = "agent.phase"

	// Human in the loop
	AgentEventApprovalRequested    AgentEventType = "approval.requested"
	AgentEventElicitationRequested AgentEventType = "elicitation.requested"

	// Errors surfaced to the client
	AgentEventError AgentEventType = "error"
)

// Droppable reports whether the event may be discarded under backpressure.
// Tokens, lifecycle, approval and error events must always be delivered.
func (t AgentEventType) Droppable() bool {
	return t == AgentEventToolProgress
}

// TokenEventPayload is one chunk of a streamed model response. Every stream
// ends with exactly one chunk where IsLast is true, even on failure.
type TokenEventPayload struct {
	Text    string `json:"text"`
	IsFirst bool   `json:"is_first,omitempty"`
	IsLast  bool   `json:"is_last,omitempty"`
}

// ToolEventPayload describes a tool call lifecycle step.
type ToolEventPayload struct {
	// CallID identifies this specific tool invocation.
	CallID string `json:"call_id"`

	// Name is the qualified tool name.
	Name string `json:"name,omitempty"`

	// ArgsJSON is the raw JSON arguments (for started events).
	ArgsJSON json.RawMessage `json:"args_json,omitempty"`

	// Progress fields (for progress events).
	Progress float64 `json:"progress,omitempty"`
	Total    float64 `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`

	// For completed events:
	Success bool          `json:"success,omitempty"`
	Content string        `json:"content,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// PhaseEventPayload marks a loop phase boundary.
type PhaseEventPayload struct {
	Step    int    `json:"step"`
	Phase   string `json:"phase"`
	Content string `json:"content,omitempty"`
}

// ApprovalEventPayload asks the client to confirm a tool call.
type ApprovalEventPayload struct {
	RequestID     string          `json:"request_id"`
	CallID        string          `json:"call_id,omitempty"`
	Tool          string          `json:"tool"`
	Args          json.RawMessage `json:"args,omitempty"`
	AdminRequired bool            `json:"admin_required,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// ElicitationEventPayload asks the client for structured input on behalf
// of a tool server.
type ElicitationEventPayload struct {
	RequestID string          `json:"request_id"`
	Server    string          `json:"server"`
	CallID    string          `json:"call_id,omitempty"`
	Message   string          `json:"message"`
	Schema    json.RawMessage `json:"schema,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// ErrorEventPayload carries a user-facing error. Kind is one of a small
// fixed set of categories; Message never contains raw provider output.
type ErrorEventPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunEventPayload carries run framing details.
type RunEventPayload struct {
	Strategy string        `json:"strategy,omitempty"`
	Steps    int           `json:"steps,omitempty"`
	Stopped  bool          `json:"stopped,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
}
