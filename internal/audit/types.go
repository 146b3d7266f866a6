// Package audit records who ran which tool, with what arguments, and who
// approved it. Entries are structured log lines written off the hot path.
package audit

import (
	"io"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Tool events
	EventToolInvocation EventType = "tool.invocation"
	EventToolCompletion EventType = "tool.completion"

	// Human in the loop
	EventApprovalRequested    EventType = "approval.requested"
	EventApprovalDecided      EventType = "approval.decided"
	EventElicitationRequested EventType = "elicitation.requested"

	// Run lifecycle
	EventRunStarted  EventType = "run.started"
	EventRunFinished EventType = "run.finished"
	EventRunError    EventType = "run.error"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`

	RunID          string `json:"run_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	// UserID is the acting user the run executes for.
	UserID string `json:"user_id,omitempty"`

	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Action describes what happened.
	Action string `json:"action"`

	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Error    string         `json:"error,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Level   Level        `yaml:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format  OutputFormat `yaml:"format" json:"format,omitempty" jsonschema:"enum=json,enum=text"`

	// Output is "stdout", "stderr" or "file:/path/to/audit.log".
	Output string `yaml:"output" json:"output,omitempty"`

	// Writer overrides Output when set.
	Writer io.Writer `yaml:"-" json:"-"`

	// IncludeToolInput logs call arguments; otherwise only a hash is kept.
	IncludeToolInput bool `yaml:"include_tool_input" json:"include_tool_input"`

	// IncludeToolOutput logs tool results.
	IncludeToolOutput bool `yaml:"include_tool_output" json:"include_tool_output"`

	// MaxFieldSize truncates logged inputs and outputs. Default: 1024
	MaxFieldSize int `yaml:"max_field_size" json:"max_field_size,omitempty"`

	// EventTypes filters which event types to log (empty = all).
	EventTypes []EventType `yaml:"event_types" json:"event_types,omitempty"`

	// BufferSize is the async write buffer. Default: 1000
	BufferSize int `yaml:"buffer_size" json:"buffer_size,omitempty"`

	// FlushInterval bounds how long an entry may sit in the buffer.
	// Default: 5s
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval,omitempty"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stderr",
		MaxFieldSize:  1024,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
