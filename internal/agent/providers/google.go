package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/pkg/models"
)

// GoogleProvider implements agent.LLMProvider over the Gemini API.
type GoogleProvider struct {
	base
	client *genai.Client
}

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey string

	// BaseURL overrides the Gemini endpoint.
	BaseURL string

	MaxRetries int
	RetryDelay time.Duration

	// DefaultModel. Default: "gemini-2.0-flash"
	DefaultModel string

	Logger *slog.Logger
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		base:   newBase("google", config.DefaultModel, config.MaxRetries, config.RetryDelay, config.Logger),
		client: client,
	}, nil
}

// Complete implements agent.LLMProvider.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	contents := convertGeminiContents(req.Messages)
	config := p.buildConfig(req)

	return p.stream(ctx, model, p.wrapError, func(ctx context.Context, send sendFunc) error {
		return processGeminiStream(ctx, p.client.Models.GenerateContentStream(ctx, model, contents, config), send)
	}), nil
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	maxTokens := min(p.tokens(req.MaxTokens), math.MaxInt32)
	// #nosec G115 -- bounded by min above
	config.MaxOutputTokens = int32(maxTokens)

	if tools := req.EffectiveTools(); len(tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(tools)
		config.ToolConfig = toolconv.ToGeminiToolConfig(req.ToolChoice)
	}
	return config
}

// processGeminiStream forwards text parts and function calls. Gemini sends
// each function call whole, and may omit its id.
func processGeminiStream(ctx context.Context, responses iter.Seq2[*genai.GenerateContentResponse, error], send sendFunc) error {
	var inputTokens, outputTokens int
	for resp, err := range responses {
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil || part.Thought {
					continue
				}
				if part.Text != "" {
					if !send(&agent.CompletionChunk{Text: part.Text}) {
						return ctx.Err()
					}
				}
				if part.FunctionCall != nil {
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil || part.FunctionCall.Args == nil {
						args = []byte(`{}`)
					}
					id := part.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.NewString()
					}
					call := &models.ToolCall{
						ID:    id,
						Name:  models.DecodeToolName(part.FunctionCall.Name),
						Input: args,
					}
					if !send(&agent.CompletionChunk{ToolCall: call}) {
						return ctx.Err()
					}
				}
			}
		}
	}
	if inputTokens > 0 || outputTokens > 0 {
		send(&agent.CompletionChunk{InputTokens: inputTokens, OutputTokens: outputTokens})
	}
	return nil
}

// convertGeminiContents builds alternating user/model contents. Function
// responses need the function name, recovered from the originating call.
func convertGeminiContents(msgs []models.Message) []*genai.Content {
	names := callNames(msgs)
	var result []*genai.Content
	for _, t := range groupTurns(msgs) {
		content := &genai.Content{Role: genai.RoleUser}
		if t.role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}
		for _, r := range t.results {
			response := map[string]any{"output": r.Content}
			if r.IsError {
				response = map[string]any{"error": r.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       r.ToolCallID,
					Name:     models.EncodeToolName(names[r.ToolCallID]),
					Response: response,
				},
			})
		}
		for _, text := range t.texts {
			content.Parts = append(content.Parts, &genai.Part{Text: text})
		}
		for _, call := range t.toolCalls {
			var args map[string]any
			if err := json.Unmarshal(call.Input, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: models.EncodeToolName(call.Name),
					Args: args,
				},
			})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	providerErr := NewProviderError(p.name, model, err)

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		apiErr = *apiErrPtr
	} else {
		errors.As(err, &apiErr)
	}
	if apiErr.Code != 0 {
		providerErr = providerErr.WithStatus(apiErr.Code)
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		return providerErr
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthenticated") || strings.Contains(msg, "api key not valid"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	}
	return providerErr
}
