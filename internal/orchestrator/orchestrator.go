// Package orchestrator runs conversations: it picks the agent loop strategy
// for each conversation, enforces one run at a time per conversation and
// turns run failures into user-facing errors.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Config configures an Orchestrator.
type Config struct {
	// Strategy is used for conversations whose first run names none.
	// Default: agentic
	Strategy agent.StrategyKind

	// MaxSteps bounds every run unless the request sets its own.
	// Default: 10
	MaxSteps int

	Loop     agent.LoopConfig
	Exec     agent.ToolExecConfig
	Approval *agent.ApprovalPolicy

	// ApprovalTimeout overrides the default approval wait.
	ApprovalTimeout time.Duration

	// SamplingModel and SamplingMaxTokens configure the handler that
	// answers tool server sampling requests with the run provider.
	SamplingModel     string
	SamplingMaxTokens int
}

// ElicitationResponder delivers answers to pending elicitations.
// *mcp.Registry implements it.
type ElicitationResponder interface {
	RespondElicitation(id string, resp mcp.ElicitationResponse) error
}

// samplerSetter is implemented by tool registries that accept a
// registry-level sampling handler.
type samplerSetter interface {
	SetSampler(agent.Sampler)
}

// RunRequest is one turn of a conversation.
type RunRequest struct {
	ConversationID string

	// Conversation is the history the run appends to. Nil starts an empty
	// conversation.
	Conversation *models.Conversation

	// Message, when set, is appended as a user message before the run.
	Message string

	Identity    agent.Identity
	Preferences agent.Preferences

	// Strategy only applies to the first run of a conversation; later runs
	// keep the strategy chosen then.
	Strategy string

	// MaxSteps overrides Config.MaxSteps when positive.
	MaxSteps int

	// Sink receives the run's events. Nil discards them.
	Sink agent.EventSink
}

// RunResult is the outcome of a successful run.
type RunResult struct {
	RunID    string
	Strategy agent.StrategyKind
	Answer   *agent.FinalAnswer
	Elapsed  time.Duration
}

type conversationState struct {
	strategy agent.StrategyKind
	running  bool
	runID    string
	stop     *agent.StopSignal
}

// Orchestrator owns the strategies and the per-conversation run state.
type Orchestrator struct {
	config   Config
	loop     *agent.Loop
	engine   *agent.ToolEngine
	gate     *agent.ApprovalGate
	elicit   ElicitationResponder
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	provider agent.LLMProvider

	mu            sync.Mutex
	conversations map[string]*conversationState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithElicitationResponder overrides the responder found on the tool
// invoker.
func WithElicitationResponder(r ElicitationResponder) Option {
	return func(o *Orchestrator) { o.elicit = r }
}

// New wires the approval gate, tool engine and strategy loop around
// provider and tools. When tools also answers elicitations or accepts a
// sampling handler (as *mcp.Registry does), those are connected too.
func New(provider agent.LLMProvider, tools agent.ToolInvoker, cfg Config, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, agent.ErrNoProvider
	}
	kind, err := agent.ParseStrategyKind(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	cfg.Strategy = kind
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = agent.DefaultLoopConfig().MaxSteps
	}

	o := &Orchestrator{
		config:        cfg,
		provider:      provider,
		logger:        slog.Default(),
		conversations: make(map[string]*conversationState),
	}
	if r, ok := tools.(ElicitationResponder); ok {
		o.elicit = r
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")

	o.gate = agent.NewApprovalGate(cfg.Approval)
	if cfg.ApprovalTimeout > 0 {
		o.gate.SetTimeout(cfg.ApprovalTimeout)
	}

	o.engine = agent.NewToolEngine(tools, o.gate, cfg.Exec,
		agent.WithEngineLogger(o.logger),
		agent.WithEngineMetrics(o.metrics),
		agent.WithEngineTracer(o.tracer))
	o.loop = agent.NewLoop(provider, o.engine, cfg.Loop,
		agent.WithLoopLogger(o.logger),
		agent.WithLoopMetrics(o.metrics),
		agent.WithLoopTracer(o.tracer))

	if s, ok := tools.(samplerSetter); ok {
		s.SetSampler(&agent.ProviderSampler{
			Provider:  provider,
			Model:     cfg.SamplingModel,
			MaxTokens: cfg.SamplingMaxTokens,
		})
	}
	return o, nil
}

// Gate returns the approval gate.
func (o *Orchestrator) Gate() *agent.ApprovalGate {
	return o.gate
}

// SetApprovalPolicy swaps the approval policy for subsequent calls.
func (o *Orchestrator) SetApprovalPolicy(policy *agent.ApprovalPolicy) {
	o.gate.SetPolicy(policy)
}

// begin claims the conversation for one run and resolves its strategy.
func (o *Orchestrator) begin(id, requested string) (*conversationState, string, *agent.StopSignal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.conversations[id]
	if ok && st.running {
		return nil, "", nil, ErrRunInProgress
	}
	if !ok {
		kind := o.config.Strategy
		if requested != "" {
			parsed, err := agent.ParseStrategyKind(requested)
			if err != nil {
				return nil, "", nil, err
			}
			kind = parsed
		}
		st = &conversationState{strategy: kind}
		o.conversations[id] = st
	} else if requested != "" {
		if parsed, err := agent.ParseStrategyKind(requested); err != nil || parsed != st.strategy {
			o.logger.Debug("ignoring strategy change for existing conversation",
				"conversation_id", id,
				"strategy", st.strategy,
				"requested", requested)
		}
	}

	runID := uuid.NewString()
	stop := agent.NewStopSignal()
	st.running = true
	st.runID = runID
	st.stop = stop
	return st, runID, stop, nil
}

func (o *Orchestrator) end(st *conversationState) {
	o.mu.Lock()
	st.running = false
	st.runID = ""
	st.stop = nil
	o.mu.Unlock()
}

// Run drives one turn of a conversation to completion. Every run is framed
// by run.started and run.finished events. A failure is reported both as an
// error event and as the returned *UserError.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.ConversationID == "" {
		return nil, ErrNoConversation
	}
	st, runID, stop, err := o.begin(req.ConversationID, req.Strategy)
	if err != nil {
		return nil, err
	}
	defer o.end(st)

	conv := req.Conversation
	if conv == nil {
		conv = models.NewConversation(req.ConversationID)
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = o.config.MaxSteps
	}

	ctx = observability.AddRunID(ctx, runID)
	ctx = observability.AddConversationID(ctx, req.ConversationID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.SpanKindInternal,
		attribute.String("run.id", runID),
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("agent.strategy", string(st.strategy)))
	defer span.End()

	logger := o.logger.With(observability.ContextAttrs(ctx)...)
	emitter := agent.NewEventEmitter(runID, req.ConversationID, req.Sink)
	rc := &agent.RunContext{
		Identity:    req.Identity,
		Preferences: req.Preferences,
		Emitter:     emitter,
		Stop:        stop,
	}

	start := time.Now()
	emitter.RunStarted(ctx, string(st.strategy))
	logger.Info("run started", "strategy", st.strategy, "max_steps", maxSteps)

	answer, err := o.execute(ctx, st.strategy, rc, conv, req, maxSteps)
	elapsed := time.Since(start)
	if err != nil {
		uerr := ClassifyError(err)
		observability.RecordError(span, err)
		logger.Error("run failed", "kind", uerr.Kind, "error", err, "elapsed", elapsed)
		emitter.Error(ctx, string(uerr.Kind), uerr.Message)
		emitter.RunFinished(ctx, string(st.strategy), 0, stop.Stopped(), elapsed)
		return nil, uerr
	}

	observability.SetAttributes(span, "run.steps", answer.Steps, "run.stopped", answer.Stopped)
	emitter.RunFinished(ctx, string(st.strategy), answer.Steps, answer.Stopped, elapsed)
	logger.Info("run finished",
		"steps", answer.Steps,
		"stopped", answer.Stopped,
		"synthesized", answer.Synthesized,
		"needs_input", answer.NeedsInput,
		"elapsed", elapsed)
	return &RunResult{RunID: runID, Strategy: st.strategy, Answer: answer, Elapsed: elapsed}, nil
}

func (o *Orchestrator) execute(ctx context.Context, kind agent.StrategyKind, rc *agent.RunContext, conv *models.Conversation, req RunRequest, maxSteps int) (*agent.FinalAnswer, error) {
	if req.Message != "" {
		if err := conv.AppendUser(req.Message); err != nil {
			return nil, fmt.Errorf("append user message: %w", err)
		}
	}
	strategy, err := o.loop.NewStrategy(kind)
	if err != nil {
		return nil, err
	}
	tools := o.engine.ModelTools(req.Identity)
	return strategy.Run(ctx, rc, conv, tools, maxSteps)
}

// Stop asks the conversation's in-flight run to stop at the next phase
// boundary. Tool calls already running finish. It reports whether a run
// was in flight.
func (o *Orchestrator) Stop(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.conversations[conversationID]
	if !ok || !st.running {
		return false
	}
	st.stop.Stop()
	return true
}

// Reset forgets a conversation, including its strategy choice. It fails
// while a run is in flight.
func (o *Orchestrator) Reset(conversationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.conversations[conversationID]; ok && st.running {
		return ErrRunInProgress
	}
	delete(o.conversations, conversationID)
	return nil
}

// Strategy returns the strategy fixed for a conversation.
func (o *Orchestrator) Strategy(conversationID string) (agent.StrategyKind, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.conversations[conversationID]
	if !ok {
		return "", false
	}
	return st.strategy, true
}

// ActiveRun returns the id of the conversation's in-flight run.
func (o *Orchestrator) ActiveRun(conversationID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.conversations[conversationID]
	if !ok || !st.running {
		return "", false
	}
	return st.runID, true
}

// RespondApproval delivers a human decision for a pending approval.
func (o *Orchestrator) RespondApproval(id string, resp agent.ApprovalResponse) error {
	return o.gate.Respond(id, resp)
}

// PendingApprovals lists approval requests awaiting a decision.
func (o *Orchestrator) PendingApprovals() []agent.ApprovalRequest {
	return o.gate.Pending()
}

// RespondElicitation delivers a human answer to a tool server's
// structured-input request.
func (o *Orchestrator) RespondElicitation(id string, resp mcp.ElicitationResponse) error {
	if o.elicit == nil {
		return ErrElicitationUnsupported
	}
	return o.elicit.RespondElicitation(id, resp)
}
