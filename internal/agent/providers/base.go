package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/pkg/models"
)

// base holds what every adapter shares: naming, retry schedule and the
// streaming pump.
type base struct {
	name         string
	defaultModel string
	maxTokens    int
	policy       backoff.Policy
	logger       *slog.Logger
}

func newBase(name, defaultModel string, maxRetries int, retryDelay time.Duration, logger *slog.Logger) base {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		name:         name,
		defaultModel: defaultModel,
		maxTokens:    4096,
		policy: backoff.Policy{
			Base:        retryDelay,
			Multiplier:  2,
			Cap:         30 * time.Second,
			Jitter:      0.1,
			MaxAttempts: maxRetries + 1,
		},
		logger: logger.With("component", "provider", "provider", name),
	}
}

// Name returns the provider name.
func (b *base) Name() string {
	return b.name
}

func (b *base) model(model string) string {
	if model == "" {
		return b.defaultModel
	}
	return model
}

func (b *base) tokens(maxTokens int) int {
	if maxTokens <= 0 {
		return b.maxTokens
	}
	return maxTokens
}

// sendFunc delivers one chunk. It returns false once ctx is done.
type sendFunc func(*agent.CompletionChunk) bool

// stream runs one streaming call in a goroutine. A retryable failure before
// the first chunk reaches the consumer starts the call again; a failure after
// that ends the stream with an error chunk. The final chunk is either Done or
// an error.
func (b *base) stream(ctx context.Context, model string, wrap func(error, string) error, run func(ctx context.Context, send sendFunc) error) <-chan *agent.CompletionChunk {
	out := make(chan *agent.CompletionChunk)

	go func() {
		defer close(out)

		sent := false
		send := func(c *agent.CompletionChunk) bool {
			select {
			case out <- c:
				sent = true
				return true
			case <-ctx.Done():
				return false
			}
		}

		res, err := backoff.Retry(ctx, b.policy, func(ctx context.Context, attempt int) (struct{}, error) {
			err := run(ctx, send)
			if err == nil {
				return struct{}{}, nil
			}
			err = wrap(err, model)
			if sent || !IsRetryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}, func(attempt int, err error, next time.Duration) {
			b.logger.Warn("llm request failed, retrying",
				"model", model,
				"attempt", attempt,
				"retry_in", next,
				"error", err)
		})

		switch {
		case err == nil:
			out <- &agent.CompletionChunk{Done: true}
		case errors.Is(err, backoff.ErrMaxAttemptsExhausted):
			out <- &agent.CompletionChunk{Error: fmt.Errorf("%s: max retries exceeded after %d attempts: %w", b.name, res.Attempts, res.LastError)}
		case ctx.Err() != nil:
			out <- &agent.CompletionChunk{Error: NewProviderError(b.name, model, ctx.Err())}
		default:
			out <- &agent.CompletionChunk{Error: err}
		}
	}()

	return out
}

// turn is a run of consecutive messages from one side of the conversation.
// APIs that require strict user/assistant alternation consume turns.
type turn struct {
	role      models.Role
	texts     []string
	toolCalls []models.ToolCall
	results   []models.Message
}

// groupTurns folds messages into alternating turns. Tool results travel on
// the user side. System messages are dropped; the system prompt is sent
// separately.
func groupTurns(msgs []models.Message) []turn {
	var turns []turn
	for _, msg := range msgs {
		role := models.RoleUser
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleAssistant:
			role = models.RoleAssistant
		}
		if len(turns) == 0 || turns[len(turns)-1].role != role {
			turns = append(turns, turn{role: role})
		}
		t := &turns[len(turns)-1]
		switch msg.Role {
		case models.RoleTool:
			t.results = append(t.results, msg)
		default:
			if msg.Content != "" {
				t.texts = append(t.texts, msg.Content)
			}
			t.toolCalls = append(t.toolCalls, msg.ToolCalls...)
		}
	}
	return turns
}

// callNames maps tool call ids to their qualified names.
func callNames(msgs []models.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range msgs {
		for _, call := range msg.ToolCalls {
			names[call.ID] = call.Name
		}
	}
	return names
}
