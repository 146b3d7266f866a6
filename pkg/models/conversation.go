package models

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnknownToolCall indicates a tool result references a call id that
	// no earlier assistant message requested.
	ErrUnknownToolCall = errors.New("tool result references unknown tool call")

	// ErrIncompleteBatch indicates a batch of tool results does not cover
	// every call from the pending assistant message.
	ErrIncompleteBatch = errors.New("tool result batch does not match pending calls")

	// ErrPendingToolCalls indicates a message was appended while tool calls
	// were still waiting for results.
	ErrPendingToolCalls = errors.New("conversation has pending tool calls")
)

// Conversation is an ordered, append-only message history owned by a
// single orchestration run at a time.
type Conversation struct {
	ID string

	mu       sync.RWMutex
	messages []Message
	pending  []string // call ids from the last assistant message awaiting results
}

// NewConversation creates a conversation seeded with history.
func NewConversation(id string, history ...Message) *Conversation {
	c := &Conversation{ID: id}
	for _, msg := range history {
		c.messages = append(c.messages, stamp(msg))
	}
	return c
}

func stamp(msg Message) Message {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return msg
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Last returns the most recent message, if any.
func (c *Conversation) Last() (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Pending returns the call ids still awaiting results.
func (c *Conversation) Pending() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.pending...)
}

// AppendUser appends a user message.
func (c *Conversation) AppendUser(text string) error {
	return c.append(Message{Role: RoleUser, Content: text})
}

// AppendAssistant appends an assistant message. When calls is non-empty the
// conversation waits for one batch of results covering every call.
func (c *Conversation) AppendAssistant(text string, calls []ToolCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		return ErrPendingToolCalls
	}
	seen := make(map[string]struct{}, len(calls))
	for _, call := range calls {
		if call.ID == "" {
			return fmt.Errorf("tool call %q has no id", call.Name)
		}
		if _, dup := seen[call.ID]; dup {
			return fmt.Errorf("duplicate tool call id %q", call.ID)
		}
		seen[call.ID] = struct{}{}
	}
	c.messages = append(c.messages, stamp(Message{
		Role:      RoleAssistant,
		Content:   text,
		ToolCalls: append([]ToolCall(nil), calls...),
	}))
	for _, call := range calls {
		c.pending = append(c.pending, call.ID)
	}
	return nil
}

// AppendToolResults appends one tool message per result. The batch must
// answer exactly the pending calls; nothing is appended otherwise.
func (c *Conversation) AppendToolResults(results []ToolResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(results) != len(c.pending) {
		return fmt.Errorf("%w: got %d results for %d calls", ErrIncompleteBatch, len(results), len(c.pending))
	}
	want := make(map[string]bool, len(c.pending))
	for _, id := range c.pending {
		want[id] = true
	}
	for _, r := range results {
		if !want[r.ToolCallID] {
			return fmt.Errorf("%w: %q", ErrUnknownToolCall, r.ToolCallID)
		}
		want[r.ToolCallID] = false
	}
	for _, r := range results {
		c.messages = append(c.messages, stamp(Message{
			Role:       RoleTool,
			Content:    r.Text(),
			ToolCallID: r.ToolCallID,
			IsError:    !r.Success,
		}))
	}
	c.pending = nil
	return nil
}

func (c *Conversation) append(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		return ErrPendingToolCalls
	}
	c.messages = append(c.messages, stamp(msg))
	return nil
}
