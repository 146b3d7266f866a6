package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// samplingTimeout bounds one server-initiated generation.
const samplingTimeout = 2 * time.Minute

// Config holds the tool session registry configuration.
type Config struct {
	Servers   []ServerConfig `yaml:"servers" json:"servers,omitempty"`
	Reconnect backoff.Policy `yaml:"reconnect" json:"reconnect"`
}

// Registry owns one Session per configured server, keeps them connected and
// implements agent.ToolInvoker over them.
type Registry struct {
	config       Config
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	router       *Router
	newTransport TransportFactory

	// Fixed at construction; read without locking.
	sessions map[string]*Session
	order    []string

	samplerMu sync.RWMutex
	sampler   agent.Sampler

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ agent.ToolInvoker = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithSampler sets the registry-level sampling handler.
func WithSampler(s agent.Sampler) Option {
	return func(r *Registry) { r.sampler = s }
}

// WithTransportFactory replaces NewTransport.
func WithTransportFactory(f TransportFactory) Option {
	return func(r *Registry) {
		if f != nil {
			r.newTransport = f
		}
	}
}

// NewRegistry validates the configuration and creates one idle session per
// server. Nothing connects until Start.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Reconnect.Validate(); err != nil {
		return nil, fmt.Errorf("mcp reconnect: %w", err)
	}
	r := &Registry{
		config:       cfg,
		logger:       slog.Default(),
		router:       NewRouter(),
		newTransport: NewTransport,
		sessions:     make(map[string]*Session, len(cfg.Servers)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "mcp")

	for i := range cfg.Servers {
		server := &cfg.Servers[i]
		if err := server.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.sessions[server.Name]; dup {
			return nil, fmt.Errorf("duplicate tool server %q", server.Name)
		}
		r.sessions[server.Name] = newSession(server, r.newTransport, r.logger)
		r.order = append(r.order, server.Name)
	}
	return r, nil
}

// Router exposes the routing table.
func (r *Registry) Router() *Router {
	return r.router
}

// SetSampler replaces the registry-level sampling handler.
func (r *Registry) SetSampler(s agent.Sampler) {
	r.samplerMu.Lock()
	r.sampler = s
	r.samplerMu.Unlock()
}

func (r *Registry) defaultSampler() agent.Sampler {
	r.samplerMu.RLock()
	defer r.samplerMu.RUnlock()
	return r.sampler
}

// Start connects every enabled server concurrently and returns once each
// has finished its first attempt. Servers that failed keep retrying in the
// background until ctx ends or Close is called.
func (r *Registry) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	if r.started {
		r.lifeMu.Unlock()
		return errors.New("registry already started")
	}
	r.started = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.lifeMu.Unlock()

	var first sync.WaitGroup
	for _, name := range r.order {
		s := r.sessions[name]
		if s.config.Disabled {
			continue
		}
		first.Add(1)
		var once sync.Once
		r.wg.Add(1)
		go r.run(runCtx, s, func() { once.Do(first.Done) })
	}

	done := make(chan struct{})
	go func() {
		first.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run keeps one session connected: connect with backoff, serve until the
// connection drops, repeat.
func (r *Registry) run(ctx context.Context, s *Session, firstAttempt func()) {
	defer r.wg.Done()
	defer firstAttempt()

	for {
		s.setState(StateConnecting, 0, nil)
		res, err := backoff.Retry(ctx, r.config.Reconnect,
			func(ctx context.Context, attempt int) (Transport, error) {
				s.setState(StateConnecting, attempt, nil)
				return s.connect(ctx)
			},
			func(attempt int, err error, next time.Duration) {
				firstAttempt()
				s.setState(StateReconnecting, attempt, err)
				r.metrics.RecordReconnect(s.Name())
				s.logger.Warn("tool server connection failed",
					"attempt", attempt,
					"retry_in", next,
					"error", err)
			})
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateClosed, 0, nil)
				return
			}
			s.setState(StateFailed, 0, res.LastError)
			s.logger.Error("giving up on tool server",
				"attempts", res.Attempts,
				"error", res.LastError)
			return
		}

		t := res.Value
		r.metrics.SetSessionUp(s.Name(), true)
		firstAttempt()
		r.serve(ctx, s, t)
		r.metrics.SetSessionUp(s.Name(), false)

		if ctx.Err() != nil {
			s.disconnect(t, nil, StateClosed)
			return
		}
		s.disconnect(t, errors.New("connection lost"), StateReconnecting)
		r.metrics.RecordReconnect(s.Name())
		s.logger.Warn("tool server connection lost, reconnecting")
		if err := backoff.Sleep(ctx, r.config.Reconnect.Normalize().Base); err != nil {
			s.setState(StateClosed, 0, nil)
			return
		}
	}
}

// serve is the session's receive loop. It runs on its own goroutine and
// reaches callers only through the router.
func (r *Registry) serve(ctx context.Context, s *Session, t Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Done():
			return
		case n := <-t.Events():
			if n != nil {
				r.handleNotification(ctx, s, n)
			}
		case req := <-t.Requests():
			if req != nil {
				r.handleRequest(ctx, s, t, req)
			}
		}
	}
}

func (r *Registry) handleNotification(ctx context.Context, s *Session, n *JSONRPCNotification) {
	switch n.Method {
	case MethodProgress:
		var p ProgressParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			s.logger.Debug("malformed progress notification", "error", err)
			return
		}
		token := tokenString(p.ProgressToken)
		if !r.router.Progress(s.Name(), token, p.Progress, p.Total, p.Message) {
			s.logger.Debug("progress for unknown call", "progress_token", token)
		}

	case MethodLogMessage:
		var p LogMessageParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			s.logger.Debug("malformed log notification", "error", err)
			return
		}
		text := p.Text()
		s.logger.Log(ctx, logLevel(p.Level), "server log", "logger", p.Logger, "message", text)
		r.router.Log(s.Name(), text)

	case MethodToolsListChanged:
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := s.refreshTools(ctx); err != nil {
				s.logger.Warn("failed to refresh tools", "error", err)
			}
		}()

	default:
		s.logger.Debug("ignoring notification", "method", n.Method)
	}
}

func (r *Registry) handleRequest(ctx context.Context, s *Session, t Transport, req *JSONRPCRequest) {
	switch req.Method {
	case MethodPing:
		r.respond(ctx, s, t, req.ID, struct{}{}, nil)

	case MethodSampling:
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleSampling(ctx, s, t, req)
		}()

	case MethodElicitation:
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleElicitation(ctx, s, t, req)
		}()

	default:
		r.respond(ctx, s, t, req.ID, nil, &JSONRPCError{
			Code:    ErrCodeMethodNotFound,
			Message: "method not supported: " + req.Method,
		})
	}
}

func (r *Registry) handleSampling(ctx context.Context, s *Session, t Transport, req *JSONRPCRequest) {
	var params SamplingRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			r.respond(ctx, s, t, req.ID, nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "invalid sampling params"})
			return
		}
	}

	token := ""
	if params.Meta != nil {
		token = tokenString(params.Meta.ProgressToken)
	}
	sampler := r.router.Sampler(s.Name(), token)
	if sampler == nil {
		sampler = r.defaultSampler()
	}
	if sampler == nil {
		r.respond(ctx, s, t, req.ID, nil, &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "sampling is not supported"})
		return
	}

	sampleCtx, cancel := context.WithTimeout(ctx, samplingTimeout)
	defer cancel()
	result, err := sampler.Sample(sampleCtx, agent.SamplingRequest{
		Server:    s.Name(),
		System:    params.SystemPrompt,
		Messages:  samplingMessages(params.Messages),
		MaxTokens: params.MaxTokens,
	})
	if err != nil {
		s.logger.Warn("sampling failed", "error", err)
		r.respond(ctx, s, t, req.ID, nil, &JSONRPCError{Code: ErrCodeInternalError, Message: "sampling failed"})
		return
	}
	if result == nil {
		r.respond(ctx, s, t, req.ID, nil, &JSONRPCError{Code: ErrCodeInternalError, Message: "sampling handler returned nil response"})
		return
	}
	r.respond(ctx, s, t, req.ID, SamplingResponse{
		Role:       "assistant",
		Content:    MessageContent{Type: "text", Text: result.Text},
		Model:      result.Model,
		StopReason: "endTurn",
	}, nil)
}

func (r *Registry) handleElicitation(ctx context.Context, s *Session, t Transport, req *JSONRPCRequest) {
	var params ElicitRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		r.respond(ctx, s, t, req.ID, nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "invalid elicitation params"})
		return
	}

	resp, err := r.router.Elicit(ctx, s.Name(), params)
	if errors.Is(err, ErrNoBinding) {
		s.logger.Warn("elicitation with no call in flight, declining")
		resp = ElicitationResponse{Action: ElicitDecline}
	}
	s.logger.Info("elicitation resolved", "action", resp.Action)
	r.respond(ctx, s, t, req.ID, ElicitResult{Action: resp.Action, Content: resp.Content}, nil)
}

// respond answers a server request. It outlives ctx briefly so a shutdown
// can still tell the server a pending request was cancelled.
func (r *Registry) respond(ctx context.Context, s *Session, t Transport, id any, result any, rpcErr *JSONRPCError) {
	respondCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.requestTimeout())
	defer cancel()
	if err := t.Respond(respondCtx, id, result, rpcErr); err != nil {
		s.logger.Warn("failed to respond to server request", "error", err)
	}
}

// RespondElicitation delivers a human answer to a pending elicitation.
func (r *Registry) RespondElicitation(id string, resp ElicitationResponse) error {
	return r.router.RespondElicitation(id, resp)
}

// Close stops every session and waits for the background loops.
func (r *Registry) Close() error {
	r.lifeMu.Lock()
	cancel := r.cancel
	r.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	for _, name := range r.order {
		s := r.sessions[name]
		if t := s.current(); t != nil {
			s.disconnect(t, nil, StateClosed)
		}
	}
	return nil
}

// Session returns the session for a server.
func (r *Registry) Session(name string) (*Session, bool) {
	s, ok := r.sessions[name]
	return s, ok
}

// Status returns the status of all configured servers, in config order.
func (r *Registry) Status() []SessionStatus {
	sampling := r.defaultSampler() != nil
	out := make([]SessionStatus, 0, len(r.order))
	for _, name := range r.order {
		st := r.sessions[name].status()
		st.Capabilities.Sampling = st.State == StateReady && sampling
		out = append(out, st)
	}
	return out
}

// LookupFunction implements agent.ToolInvoker.
func (r *Registry) LookupFunction(name string) (agent.FunctionSpec, bool) {
	server, fn := models.SplitToolName(name)
	s, ok := r.sessions[server]
	if !ok {
		return agent.FunctionSpec{}, false
	}
	tool, ok := s.tool(fn)
	if !ok {
		return agent.FunctionSpec{}, false
	}
	return functionSpec(server, tool), true
}

// Functions implements agent.ToolInvoker. Functions are ordered by server
// in config order, then by name.
func (r *Registry) Functions(identity agent.Identity) []agent.FunctionSpec {
	var out []agent.FunctionSpec
	for _, name := range r.order {
		if !identity.Authorizes(name) {
			continue
		}
		for _, tool := range r.sessions[name].Tools() {
			out = append(out, functionSpec(name, tool))
		}
	}
	return out
}

// Catalog implements agent.ToolInvoker.
func (r *Registry) Catalog(identity agent.Identity) []agent.CatalogEntry {
	var out []agent.CatalogEntry
	for _, name := range r.order {
		if !identity.Authorizes(name) {
			continue
		}
		tools := r.sessions[name].Tools()
		if len(tools) == 0 {
			continue
		}
		entry := agent.CatalogEntry{Server: name, Functions: make([]agent.CatalogFunction, 0, len(tools))}
		for _, tool := range tools {
			entry.Functions = append(entry.Functions, agent.CatalogFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
		out = append(out, entry)
	}
	return out
}

// InvokeFunction implements agent.ToolInvoker. The hooks are bound to the
// server for the duration of the call so the receive loop can reach them.
func (r *Registry) InvokeFunction(ctx context.Context, name string, args json.RawMessage, hooks agent.InvocationHooks) (*agent.InvocationResult, error) {
	server, fn := models.SplitToolName(name)
	s, ok := r.sessions[server]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrToolNotFound, name)
	}

	ctx, span := r.tracer.TraceMCPRequest(ctx, server, MethodToolsCall)
	defer span.End()
	observability.SetAttributes(span, "mcp.function", fn, "tool_call.id", hooks.CallID)

	unbind := r.router.Bind(server, hooks)
	defer unbind()

	result, err := s.callTool(ctx, fn, args, hooks.CallID)
	if err != nil {
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			// The server understood the call and refused it.
			return &agent.InvocationResult{Content: rpcErr.Message, IsError: true}, nil
		}
		observability.RecordError(span, err)
		return nil, err
	}
	content, isError := formatToolCallResult(result)
	return &agent.InvocationResult{Content: content, IsError: isError}, nil
}

func functionSpec(server string, tool *MCPTool) agent.FunctionSpec {
	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return agent.FunctionSpec{
		Name:        models.QualifyToolName(server, tool.Name),
		Server:      server,
		Description: tool.Description,
		InputSchema: schema,
	}
}

// formatToolCallResult joins text content; anything else is returned as
// the JSON of the whole result.
func formatToolCallResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	if len(result.Content) == 0 {
		return "", result.IsError
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}
	if allText {
		return combined.String(), result.IsError
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", result.IsError
	}
	return string(payload), result.IsError
}

func samplingMessages(in []SamplingMessage) []models.Message {
	out := make([]models.Message, 0, len(in))
	for _, m := range in {
		role := models.RoleUser
		if m.Role == "assistant" {
			role = models.RoleAssistant
		}
		text := m.Content.Text
		if m.Content.Type != "" && m.Content.Type != "text" {
			text = fmt.Sprintf("[%s content omitted]", m.Content.Type)
		}
		out = append(out, models.Message{Role: role, Content: text})
	}
	return out
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "notice", "info":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
