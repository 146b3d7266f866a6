package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// StrategyKind names an agent loop strategy.
type StrategyKind string

const (
	StrategyAgentic  StrategyKind = "agentic"
	StrategyAct      StrategyKind = "act"
	StrategyThinkAct StrategyKind = "think_act"
	StrategyReAct    StrategyKind = "react"
)

// ParseStrategyKind resolves a configuration string. "plain" and the empty
// string select the agentic strategy.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "", "agentic", "plain":
		return StrategyAgentic, nil
	case "act":
		return StrategyAct, nil
	case "think_act", "thinkact":
		return StrategyThinkAct, nil
	case "react":
		return StrategyReAct, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// FinalAnswer is the outcome of one strategy run.
type FinalAnswer struct {
	Text string

	// Steps is the number of loop steps started.
	Steps int

	// Synthesized is true when max steps ran out and the answer came from
	// the fallback synthesis call.
	Synthesized bool

	// Stopped is true when a stop request ended the run early.
	Stopped bool

	// NeedsInput is true when the run ended with a question for the user.
	NeedsInput bool
}

// AgentTurn is one phase of one loop step, folded into the strategy's
// notes once handled.
type AgentTurn struct {
	Step    int
	Phase   Phase
	Content string

	// Control signals parsed from the phase output.
	Finish         bool
	ShouldContinue bool
	FinalAnswer    string
	RequestInput   string
}

// Strategy drives a conversation to completion. Implementations honor
// rc.Stop at phase boundaries.
type Strategy interface {
	Kind() StrategyKind
	Run(ctx context.Context, rc *RunContext, conv *models.Conversation, tools []ToolDefinition, maxSteps int) (*FinalAnswer, error)
}

// LoopConfig configures the shared LLM settings of every strategy.
type LoopConfig struct {
	// MaxSteps is used when Run receives a non-positive maxSteps.
	// Default: 10
	MaxSteps int

	// MaxTokens is the default max tokens for LLM responses.
	// Default: 4096
	MaxTokens int

	// Model overrides the provider's configured model.
	Model string

	// SystemPrompt is prepended to every phase instruction.
	SystemPrompt string
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxSteps:  10,
		MaxTokens: 4096,
	}
}

// Loop holds what every strategy shares: the provider, the tool engine and
// instrumentation.
type Loop struct {
	provider LLMProvider
	engine   *ToolEngine
	config   LoopConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoopMetrics sets the metrics collectors.
func WithLoopMetrics(m *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithLoopTracer sets the tracer.
func WithLoopTracer(t *observability.Tracer) LoopOption {
	return func(l *Loop) { l.tracer = t }
}

// NewLoop creates the shared strategy core.
func NewLoop(provider LLMProvider, engine *ToolEngine, config LoopConfig, opts ...LoopOption) *Loop {
	defaults := DefaultLoopConfig()
	if config.MaxSteps <= 0 {
		config.MaxSteps = defaults.MaxSteps
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	l := &Loop{
		provider: provider,
		engine:   engine,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loop")
	return l
}

// Engine returns the tool engine.
func (l *Loop) Engine() *ToolEngine {
	return l.engine
}

// NewStrategy returns the strategy for kind.
func (l *Loop) NewStrategy(kind StrategyKind) (Strategy, error) {
	switch kind {
	case StrategyAgentic, "":
		return &AgenticStrategy{loop: l}, nil
	case StrategyAct:
		return &ActStrategy{loop: l}, nil
	case StrategyThinkAct:
		return &ThinkActStrategy{loop: l}, nil
	case StrategyReAct:
		return &ReActStrategy{loop: l}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, kind)
	}
}

func (l *Loop) steps(maxSteps int) int {
	if maxSteps > 0 {
		return maxSteps
	}
	return l.config.MaxSteps
}

// system joins the configured prompt with a phase instruction.
func (l *Loop) system(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if l.config.SystemPrompt != "" {
		all = append(all, l.config.SystemPrompt)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			all = append(all, p)
		}
	}
	return strings.Join(all, "\n\n")
}

// phaseMessages returns the history for a phase call. Providers expect
// the last turn to come from the user side, so a transient nudge is added
// after a trailing assistant message; it is never stored.
func phaseMessages(conv *models.Conversation, nudge string) []models.Message {
	msgs := conv.Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Role == models.RoleAssistant {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: nudge, CreatedAt: time.Now()})
	}
	return msgs
}

type callOptions struct {
	phase  Phase
	step   int
	system string
	tools  []ToolDefinition
	choice ToolChoice
	stream bool
	nudge  string
}

// generate runs one LLM call with tracing and metrics. When stream is set
// the response text is framed as token events, and the final boundary
// token is emitted even if the call fails.
func (l *Loop) generate(ctx context.Context, conv *models.Conversation, rc *RunContext, opts callOptions) (*Generation, error) {
	if opts.nudge == "" {
		opts.nudge = "Continue."
	}
	req := &CompletionRequest{
		Model:      l.config.Model,
		System:     opts.system,
		Messages:   phaseMessages(conv, opts.nudge),
		Tools:      opts.tools,
		ToolChoice: opts.choice,
		MaxTokens:  l.config.MaxTokens,
	}
	if len(req.Tools) == 0 {
		req.ToolChoice = ToolChoiceNone
	}

	ctx, span := l.tracer.TraceLLMRequest(ctx, l.providerName(), string(opts.phase), opts.step)
	defer span.End()

	var onText func(string)
	if opts.stream {
		streamer := NewTokenStreamer(rc.Emitter)
		defer streamer.Close(ctx)
		onText = func(text string) { streamer.Write(ctx, text) }
	}

	start := time.Now()
	gen, err := Generate(ctx, l.provider, req, onText)
	status := "success"
	if err != nil {
		status = "error"
		observability.RecordError(span, err)
	}
	l.metrics.RecordLLMRequest(l.providerName(), status, time.Since(start))
	if err != nil {
		return nil, &LoopError{Phase: opts.phase, Step: opts.step, Cause: err}
	}
	l.logger.Debug("llm call finished",
		"phase", opts.phase,
		"step", opts.step,
		"tool_calls", len(gen.ToolCalls),
		"text_len", len(gen.Text))
	return gen, nil
}

func (l *Loop) providerName() string {
	if l.provider == nil {
		return "none"
	}
	return l.provider.Name()
}

// runTools appends the assistant turn, executes its calls and appends the
// results as one batch.
func (l *Loop) runTools(ctx context.Context, conv *models.Conversation, rc *RunContext, step int, text string, calls []models.ToolCall) error {
	calls = uniqueCallIDs(calls)
	if err := conv.AppendAssistant(text, calls); err != nil {
		return &LoopError{Phase: PhaseTools, Step: step, Cause: err}
	}
	results := l.engine.ExecuteTools(ctx, calls, rc)
	if err := conv.AppendToolResults(results); err != nil {
		return &LoopError{Phase: PhaseTools, Step: step, Cause: err}
	}
	return nil
}

// uniqueCallIDs makes call ids unique within a turn.
func uniqueCallIDs(calls []models.ToolCall) []models.ToolCall {
	seen := make(map[string]int, len(calls))
	out := make([]models.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", i+1)
		}
		if n, dup := seen[call.ID]; dup {
			seen[call.ID] = n + 1
			call.ID = fmt.Sprintf("%s_%d", call.ID, n+1)
		} else {
			seen[call.ID] = 1
		}
		out[i] = call
	}
	return out
}

const synthesisInstruction = `You have reached the step limit for this task. Do not call any tools.
Using only the conversation so far, including every tool result, write the best final answer you can for the user.
If the task is incomplete, say what was done and what remains.`

const synthesisFallback = "I could not complete this request within the allowed number of steps."

// synthesize produces a final answer from the accumulated history after
// the step budget is exhausted.
func (l *Loop) synthesize(ctx context.Context, conv *models.Conversation, rc *RunContext, steps int, notes []string) (*FinalAnswer, error) {
	rc.Emitter.AgentPhase(ctx, steps, PhaseSynthesis, "")
	gen, err := l.generate(ctx, conv, rc, callOptions{
		phase:  PhaseSynthesis,
		step:   steps,
		system: l.system(synthesisInstruction, notesSection(notes)),
		stream: true,
		nudge:  "Please give your final answer now.",
	})
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(gen.Text)
	if text == "" {
		text = synthesisFallback
		StreamText(ctx, rc.Emitter, text)
	}
	if err := conv.AppendAssistant(text, nil); err != nil {
		return nil, &LoopError{Phase: PhaseSynthesis, Step: steps, Cause: err}
	}
	return &FinalAnswer{Text: text, Steps: steps, Synthesized: true}, nil
}

// finish records a final answer. Streamed is true when the tokens were
// already emitted by the producing call.
func (l *Loop) finish(ctx context.Context, conv *models.Conversation, rc *RunContext, step int, phase Phase, text string, streamed bool) (*FinalAnswer, error) {
	if !streamed {
		StreamText(ctx, rc.Emitter, text)
	}
	if err := conv.AppendAssistant(text, nil); err != nil {
		return nil, &LoopError{Phase: phase, Step: step, Cause: err}
	}
	return &FinalAnswer{Text: text, Steps: step}, nil
}

func stopped(step int, text string) *FinalAnswer {
	return &FinalAnswer{Text: text, Steps: step, Stopped: true}
}

func notesSection(notes []string) string {
	if len(notes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Notes from earlier steps:\n")
	for _, n := range notes {
		b.WriteString("- ")
		b.WriteString(n)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
