package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/pkg/models"
)

// BedrockProvider implements agent.LLMProvider over the Bedrock
// ConverseStream API. Credentials come from the default AWS chain unless
// explicit keys are configured.
type BedrockProvider struct {
	base
	client *bedrockruntime.Client
	region string
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	// Region. Default: us-east-1
	Region string

	// Explicit credentials; the default chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// DefaultModel. Default: anthropic.claude-3-5-sonnet-20241022-v2:0
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// NewBedrockProvider creates a Bedrock provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		base:   newBase("bedrock", cfg.DefaultModel, cfg.MaxRetries, cfg.RetryDelay, cfg.Logger),
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: cfg.Region,
	}, nil
}

// Complete implements agent.LLMProvider.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	maxTokens := min(p.tokens(req.MaxTokens), math.MaxInt32)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(req.Messages),
		InferenceConfig: &types.InferenceConfiguration{
			// #nosec G115 -- bounded by min above
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	input.ToolConfig = toolconv.ToBedrockTools(req.EffectiveTools(), req.ToolChoice)

	return p.stream(ctx, model, p.wrapError, func(ctx context.Context, send sendFunc) error {
		out, err := p.client.ConverseStream(ctx, input)
		if err != nil {
			return err
		}
		stream := out.GetStream()
		defer stream.Close()
		return processBedrockStream(ctx, stream.Events(), stream.Err, send)
	}), nil
}

// processBedrockStream reads converse events until the channel closes or
// the message stops.
func processBedrockStream(ctx context.Context, events <-chan types.ConverseStreamOutput, streamErr func() error, send sendFunc) error {
	var current *models.ToolCall
	var input strings.Builder
	var inputTokens, outputTokens int
	stopped := false

	finish := func() error {
		if err := streamErr(); err != nil {
			return err
		}
		if inputTokens > 0 || outputTokens > 0 {
			send(&agent.CompletionChunk{InputTokens: inputTokens, OutputTokens: outputTokens})
		}
		return nil
	}

	for {
		var event types.ConverseStreamOutput
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok = <-events:
		}
		if !ok {
			if !stopped && current != nil {
				return errors.New("bedrock stream ended inside a tool use block")
			}
			return finish()
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				current = &models.ToolCall{
					ID:   aws.ToString(toolUse.Value.ToolUseId),
					Name: models.DecodeToolName(aws.ToString(toolUse.Value.Name)),
				}
				input.Reset()
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" && !send(&agent.CompletionChunk{Text: delta.Value}) {
					return ctx.Err()
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					input.WriteString(*delta.Value.Input)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
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

		case *types.ConverseStreamOutputMemberMessageStop:
			stopped = true

		case *types.ConverseStreamOutputMemberMetadata:
			if usage := ev.Value.Usage; usage != nil {
				inputTokens = int(aws.ToInt32(usage.InputTokens))
				outputTokens = int(aws.ToInt32(usage.OutputTokens))
			}
		}
	}
}

// convertBedrockMessages builds alternating user/assistant messages.
func convertBedrockMessages(msgs []models.Message) []types.Message {
	var result []types.Message
	for _, t := range groupTurns(msgs) {
		var content []types.ContentBlock
		for _, r := range t.results {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(r.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: r.Content}},
			}
			if r.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}
		for _, text := range t.texts {
			content = append(content, &types.ContentBlockMemberText{Value: text})
		}
		for _, call := range t.toolCalls {
			var doc any
			if err := json.Unmarshal(call.Input, &doc); err != nil {
				doc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(models.EncodeToolName(call.Name)),
					Input:     document.NewLazyDocument(doc),
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if t.role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	providerErr := NewProviderError(p.name, model, err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithCode(apiErr.ErrorCode()).WithMessage(apiErr.ErrorMessage())
	}
	return providerErr
}
