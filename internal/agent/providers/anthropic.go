// Package providers implements agent.LLMProvider for Anthropic, OpenAI,
// Google Gemini and AWS Bedrock.
//
// Every adapter streams, converts the conversation into its vendor format,
// wire-encodes qualified tool names on the way out and decodes them on the
// way back, and retries transient failures that happen before the first
// chunk reaches the caller.
//
// Example Usage:
//
//	provider, err := providers.New(ctx, providers.Config{
//	    Provider: "anthropic",
//	    APIKey:   os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	gen, err := agent.Generate(ctx, provider, req, nil)
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive events that produce nothing
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider implements agent.LLMProvider over the Messages API.
// It is safe for concurrent use.
type AnthropicProvider struct {
	base
	client anthropic.Client
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// RetryDelay is the first backoff delay. Default: 1 second
	RetryDelay time.Duration

	// DefaultModel is used when a request names no model.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string

	Logger *slog.Logger
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	// The SDK's own retries would hide failures from our backoff.
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		base:   newBase("anthropic", config.DefaultModel, config.MaxRetries, config.RetryDelay, config.Logger),
		client: anthropic.NewClient(opts...),
	}, nil
}

// Complete implements agent.LLMProvider.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, NewProviderError(p.name, model, err).WithStatus(400)
	}
	return p.stream(ctx, model, p.wrapError, func(ctx context.Context, send sendFunc) error {
		return p.processStream(ctx, params, send)
	}), nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.tokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if tools := req.EffectiveTools(); len(tools) > 0 {
		converted, err := toolconv.ToAnthropicTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = converted
		params.ToolChoice = toolconv.ToAnthropicToolChoice(req.ToolChoice)
	}
	return params, nil
}

// processStream consumes one SSE stream. Tool input arrives as JSON
// fragments between content_block_start and content_block_stop.
func (p *AnthropicProvider) processStream(ctx context.Context, params anthropic.MessageNewParams, send sendFunc) error {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var current *models.ToolCall
	var input strings.Builder
	var inputTokens, outputTokens int
	empty := 0

	for stream.Next() {
		event := stream.Current()
		produced := true

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Name: models.DecodeToolName(toolUse.Name)}
				input.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					produced = false
					break
				}
				if !send(&agent.CompletionChunk{Text: delta.Text}) {
					return ctx.Err()
				}
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			default:
				produced = false
			}

		case "content_block_stop":
			if current != nil {
				current.Input = json.RawMessage(input.String())
				if len(current.Input) == 0 {
					current.Input = json.RawMessage(`{}`)
				}
				if !send(&agent.CompletionChunk{ToolCall: current}) {
					return ctx.Err()
				}
				current = nil
			}

		case "message_delta":
			outputTokens = int(event.AsMessageDelta().Usage.OutputTokens)

		case "message_stop":
			if inputTokens > 0 || outputTokens > 0 {
				send(&agent.CompletionChunk{InputTokens: inputTokens, OutputTokens: outputTokens})
			}
			return nil

		case "error":
			return errors.New("anthropic stream error")

		default:
			produced = false
		}

		if produced {
			empty = 0
			continue
		}
		empty++
		if empty >= maxEmptyStreamEvents {
			return fmt.Errorf("stream appears malformed: received %d consecutive empty events", empty)
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return nil
}

// convertAnthropicMessages builds alternating user/assistant turns. Tool
// results of one batch share a single user message.
func convertAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, t := range groupTurns(msgs) {
		var content []anthropic.ContentBlockParamUnion
		for _, r := range t.results {
			content = append(content, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
		}
		for _, text := range t.texts {
			content = append(content, anthropic.NewTextBlock(text))
		}
		for _, call := range t.toolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, models.EncodeToolName(call.Name)))
		}
		if len(content) == 0 {
			continue
		}
		if t.role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError(p.name, model, err)
	}

	providerErr := (&ProviderError{
		Provider: p.name,
		Model:    model,
		Cause:    err,
		Reason:   FailoverUnknown,
		Message:  "anthropic request failed",
	}).WithStatus(apiErr.StatusCode)
	if apiErr.RequestID != "" {
		providerErr = providerErr.WithRequestID(apiErr.RequestID)
	}
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr = providerErr.WithMessage(payload.Error.Message)
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				providerErr = providerErr.WithRequestID(payload.RequestID)
			}
		}
	}
	return providerErr
}
