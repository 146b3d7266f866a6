package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider over streaming chat
// completions. Any OpenAI-compatible endpoint works via BaseURL.
type OpenAIProvider struct {
	base
	client *openai.Client
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	Logger       *slog.Logger
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	return &OpenAIProvider{
		base:   newBase("openai", config.DefaultModel, config.MaxRetries, config.RetryDelay, config.Logger),
		client: openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Complete implements agent.LLMProvider.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req.Messages, req.System),
		MaxTokens:     p.tokens(req.MaxTokens),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if tools := req.EffectiveTools(); len(tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(tools)
		chatReq.ToolChoice = toolconv.ToOpenAIToolChoice(req.ToolChoice)
	}

	return p.stream(ctx, model, p.wrapError, func(ctx context.Context, send sendFunc) error {
		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return err
		}
		defer stream.Close()
		return processOpenAIStream(ctx, stream, send)
	}), nil
}

// openAIStream is the subset of *openai.ChatCompletionStream the reader
// needs.
type openAIStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
}

// processOpenAIStream accumulates tool call fragments by index and emits
// complete calls, in index order, once the stream ends.
func processOpenAIStream(ctx context.Context, stream openAIStream, send sendFunc) error {
	calls := make(map[int]*models.ToolCall)
	args := make(map[int]*strings.Builder)
	var usage *openai.Usage

	flush := func() bool {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := calls[i]
			if call.Name == "" {
				continue
			}
			call.Input = json.RawMessage(args[i].String())
			if len(call.Input) == 0 {
				call.Input = json.RawMessage(`{}`)
			}
			if !send(&agent.CompletionChunk{ToolCall: call}) {
				return false
			}
		}
		calls = make(map[int]*models.ToolCall)
		args = make(map[int]*strings.Builder)
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flush() {
				return ctx.Err()
			}
			if usage != nil {
				send(&agent.CompletionChunk{InputTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens})
			}
			return nil
		}
		if err != nil {
			return err
		}
		if response.Usage != nil {
			usage = response.Usage
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			if !send(&agent.CompletionChunk{Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &models.ToolCall{}
				args[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				calls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].Name = models.DecodeToolName(tc.Function.Name)
			}
			args[index].WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return ctx.Err()
			}
		}
	}
}

// convertOpenAIMessages keeps one message per conversation entry; tool
// results are separate "tool" messages.
func convertOpenAIMessages(msgs []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      models.EncodeToolName(call.Name),
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, out)
		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.name, model, err).WithMessage(apiErr.Message)
		if apiErr.HTTPStatusCode != 0 {
			providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		}
		if apiErr.Code != nil {
			providerErr = providerErr.WithCode(fmt.Sprint(apiErr.Code))
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := NewProviderError(p.name, model, err)
		if reqErr.HTTPStatusCode != 0 {
			providerErr = providerErr.WithStatus(reqErr.HTTPStatusCode)
		}
		return providerErr
	}

	return NewProviderError(p.name, model, err)
}
