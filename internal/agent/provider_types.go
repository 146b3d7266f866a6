package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API while presenting a
// unified streaming interface to the strategies. Tool names in requests and
// in returned tool calls are always qualified ("server#function"); adapters
// translate to and from whatever their API accepts.
//
// Implementations must be safe for concurrent use.
//
// See Also:
//   - providers.AnthropicProvider
//   - providers.OpenAIProvider
//   - providers.GoogleProvider
//   - providers.BedrockProvider
type LLMProvider interface {
	// Complete sends a request and returns a streaming response. The
	// channel is closed after a chunk with Done or Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// ToolChoice constrains whether the model may or must call a tool.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide.
	ToolChoiceAuto ToolChoice = "auto"

	// ToolChoiceRequired forces at least one tool call.
	ToolChoiceRequired ToolChoice = "required"

	// ToolChoiceNone disables tools for this request even if some are listed.
	ToolChoiceNone ToolChoice = "none"
)

// ToolDefinition is the model-facing description of one callable function.
type ToolDefinition struct {
	// Name is the qualified tool name.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Schema is the JSON Schema of the arguments, with trusted parameters
	// already removed.
	Schema json.RawMessage `json:"schema"`
}

// CompletionRequest contains all parameters for an LLM completion request.
//
// Example:
//
//	req := &CompletionRequest{
//	    System:     "You are a helpful assistant.",
//	    Messages:   conv.Messages(),
//	    Tools:      tools,
//	    ToolChoice: ToolChoiceAuto,
//	}
type CompletionRequest struct {
	// Model overrides the provider's configured model when set.
	Model string `json:"model,omitempty"`

	// System is the system prompt, including any phase instructions.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools lists the functions the model may call.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// ToolChoice defaults to auto when tools are present.
	ToolChoice ToolChoice `json:"tool_choice,omitempty"`

	// MaxTokens limits the response. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// EffectiveTools returns the tools that should actually be sent.
func (r *CompletionRequest) EffectiveTools() []ToolDefinition {
	if r.ToolChoice == ToolChoiceNone {
		return nil
	}
	return r.Tools
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Processing Example:
//
//	for chunk := range chunks {
//	    switch {
//	    case chunk.Error != nil:
//	        return chunk.Error
//	    case chunk.ToolCall != nil:
//	        calls = append(calls, *chunk.ToolCall)
//	    case chunk.Text != "":
//	        fmt.Print(chunk.Text)
//	    case chunk.Done:
//	        break
//	    }
//	}
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains one complete tool call.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	// Token usage, populated on the final chunk when the API reports it.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Generation is a fully collected model response.
type Generation struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model requested any tools.
func (g *Generation) HasToolCalls() bool {
	return g != nil && len(g.ToolCalls) > 0
}

// Generate runs a completion and collects the stream. onText, if non-nil,
// receives every text chunk in order as it arrives.
func Generate(ctx context.Context, provider LLMProvider, req *CompletionRequest, onText func(string)) (*Generation, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	gen := &Generation{}
	var text strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			gen.Text = text.String()
			// Drain so the producer goroutine can exit.
			go func() {
				for range chunks {
				}
			}()
			return gen, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if onText != nil {
				onText(chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d", len(gen.ToolCalls)+1)
			}
			if len(call.Input) == 0 {
				call.Input = json.RawMessage(`{}`)
			}
			gen.ToolCalls = append(gen.ToolCalls, call)
		}
		if chunk.InputTokens > 0 {
			gen.InputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			gen.OutputTokens = chunk.OutputTokens
		}
	}
	if err := ctx.Err(); err != nil && text.Len() == 0 && len(gen.ToolCalls) == 0 {
		return gen, err
	}
	gen.Text = text.String()
	return gen, nil
}
