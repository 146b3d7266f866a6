package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation.
//
// ToolCalls is only set on assistant messages that request tools.
// ToolCallID is only set on tool messages and references exactly one
// call from an earlier assistant message.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
// Name is fully qualified as "server#function".
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Server returns the server part of the qualified tool name.
func (c ToolCall) Server() string {
	server, _ := SplitToolName(c.Name)
	return server
}

// Function returns the function part of the qualified tool name.
func (c ToolCall) Function() string {
	_, fn := SplitToolName(c.Name)
	return fn
}

// ToolResult represents the output of a tool execution.
// Exactly one result exists per tool call id.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Text returns what the model should see for this result.
func (r ToolResult) Text() string {
	if r.Success {
		return r.Content
	}
	if r.Content != "" && r.Error != "" {
		return "Error: " + r.Error + "\n" + r.Content
	}
	if r.Error != "" {
		return "Error: " + r.Error
	}
	return r.Content
}

// ToolNameSeparator separates server and function in a qualified tool name.
const ToolNameSeparator = "#"

// wireSeparator replaces ToolNameSeparator for providers that restrict tool
// names to [a-zA-Z0-9_-].
const wireSeparator = "__"

// QualifyToolName joins a server and function name.
func QualifyToolName(server, function string) string {
	if server == "" {
		return function
	}
	return server + ToolNameSeparator + function
}

// SplitToolName splits a qualified name into server and function.
// A name without a separator has an empty server.
func SplitToolName(name string) (server, function string) {
	idx := strings.Index(name, ToolNameSeparator)
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+len(ToolNameSeparator):]
}

// EncodeToolName converts a qualified name to its provider wire form.
func EncodeToolName(name string) string {
	return strings.Replace(name, ToolNameSeparator, wireSeparator, 1)
}

// DecodeToolName reverses EncodeToolName.
func DecodeToolName(name string) string {
	if strings.Contains(name, ToolNameSeparator) {
		return name
	}
	return strings.Replace(name, wireSeparator, ToolNameSeparator, 1)
}
