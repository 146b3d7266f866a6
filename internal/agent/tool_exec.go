package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ToolExecConfig configures tool execution behavior.
type ToolExecConfig struct {
	// PerToolTimeout bounds one invocation, not including approval waits
	// or time spent waiting on the user to answer an elicitation.
	// Default: 60 seconds.
	PerToolTimeout time.Duration

	// MaxConcurrency caps parallel calls within one batch. Zero means
	// every call in the batch runs at once.
	MaxConcurrency int

	// Injection names the trusted parameters.
	Injection InjectionConfig
}

// DefaultToolExecConfig returns the default execution settings.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		PerToolTimeout: 60 * time.Second,
		Injection:      DefaultInjectionConfig(),
	}
}

// RunContext carries the per-run state the engine needs for each call.
type RunContext struct {
	Identity    Identity
	Preferences Preferences
	Emitter     *EventEmitter
	Stop        *StopSignal
}

// ToolEngine executes the tool calls of one model turn.
type ToolEngine struct {
	invoker   ToolInvoker
	gate      *ApprovalGate
	injector  *Injector
	validator *ArgumentValidator
	config    ToolExecConfig
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// EngineOption configures a ToolEngine.
type EngineOption func(*ToolEngine)

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *ToolEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineMetrics sets the metrics collectors.
func WithEngineMetrics(m *observability.Metrics) EngineOption {
	return func(e *ToolEngine) { e.metrics = m }
}

// WithEngineTracer sets the tracer.
func WithEngineTracer(t *observability.Tracer) EngineOption {
	return func(e *ToolEngine) { e.tracer = t }
}

// NewToolEngine creates an engine. A nil gate never asks for approval.
func NewToolEngine(invoker ToolInvoker, gate *ApprovalGate, config ToolExecConfig, opts ...EngineOption) *ToolEngine {
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 60 * time.Second
	}
	if gate == nil {
		gate = NewApprovalGate(nil)
	}
	e := &ToolEngine{
		invoker:   invoker,
		gate:      gate,
		injector:  NewInjector(config.Injection),
		validator: NewArgumentValidator(),
		config:    config,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "tools")
	return e
}

// Gate returns the approval gate.
func (e *ToolEngine) Gate() *ApprovalGate {
	return e.gate
}

// ModelTools returns the model-facing definitions of every function the
// identity may call, sorted by name, with trusted parameters removed.
func (e *ToolEngine) ModelTools(identity Identity) []ToolDefinition {
	if e.invoker == nil {
		return nil
	}
	specs := e.invoker.Functions(identity)
	defs := make([]ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Schema:      e.injector.ModelFacingSchema(spec.InputSchema),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ExecuteTools runs the calls and returns one result per call in input
// order. A single call runs inline; several run concurrently and the batch
// waits for all of them. Failures never escape: each becomes an error
// result at its call's position.
func (e *ToolEngine) ExecuteTools(ctx context.Context, calls []models.ToolCall, rc *RunContext) []models.ToolResult {
	if rc == nil {
		rc = &RunContext{}
	}
	results := make([]models.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}
	if len(calls) == 1 {
		results[0] = e.executeOne(ctx, calls[0], rc)
		return results
	}

	var sem chan struct{}
	if e.config.MaxConcurrency > 0 {
		sem = make(chan struct{}, e.config.MaxConcurrency)
	}
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results[idx] = e.executeOne(ctx, call, rc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeOne never panics and always returns a result for call.ID.
func (e *ToolEngine) executeOne(ctx context.Context, call models.ToolCall, rc *RunContext) (result models.ToolResult) {
	start := time.Now()
	status := "success"
	ctx = observability.AddToolCallID(ctx, call.ID)
	ctx, span := e.tracer.TraceToolExecution(ctx, call.Name, call.ID)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool execution panicked",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			status = string(ToolErrorPanic)
			result = e.failure(call, &ToolError{
				Type:     ToolErrorPanic,
				ToolName: call.Name,
				Message:  fmt.Sprintf("tool panicked: %v", r),
				Cause:    ErrToolPanic,
			}, "")
		}
		elapsed := time.Since(start)
		if !result.Success {
			observability.RecordError(span, errors.New(result.Error))
		}
		e.metrics.RecordToolExecution(call.Name, status, elapsed)
		e.notifyCompleted(ctx, call, result, elapsed, rc)
	}()

	rc.Emitter.ToolStarted(ctx, call.ID, call.Name, call.Input)
	res, err := e.run(ctx, call, rc)
	if err != nil {
		toolErr, ok := GetToolError(err)
		if !ok {
			toolErr = NewToolError(call.Name, err)
		}
		toolErr.ToolCallID = call.ID
		status = string(toolErr.Type)
		content := ""
		if res != nil {
			content = res.Content
		}
		e.logger.Warn("tool call failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"type", toolErr.Type,
			"error", toolErr.ResultMessage())
		return e.failure(call, toolErr, content)
	}
	return models.ToolResult{ToolCallID: call.ID, Content: res.Content, Success: true}
}

// notifyCompleted emits the completion event. A sink that panics here
// loses the event; the result still reaches the batch.
func (e *ToolEngine) notifyCompleted(ctx context.Context, call models.ToolCall, result models.ToolResult, elapsed time.Duration, rc *RunContext) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event sink panicked",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"panic", r)
		}
	}()
	rc.Emitter.ToolCompleted(ctx, call.Name, result, elapsed)
}

// run performs the call pipeline: resolve, inject, approve, re-inject,
// validate, invoke. A non-nil error is always a *ToolError.
func (e *ToolEngine) run(ctx context.Context, call models.ToolCall, rc *RunContext) (*InvocationResult, error) {
	if rc.Stop.Stopped() {
		return nil, &ToolError{Type: ToolErrorStopped, ToolName: call.Name, Cause: ErrStopped}
	}
	if e.invoker == nil {
		return nil, &ToolError{Type: ToolErrorNotFound, ToolName: call.Name, Cause: ErrToolNotFound, Message: "no tool servers configured"}
	}
	spec, ok := e.invoker.LookupFunction(call.Name)
	if !ok {
		return nil, &ToolError{Type: ToolErrorNotFound, ToolName: call.Name, Cause: ErrToolNotFound,
			Message: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	if !rc.Identity.Authorizes(spec.Server) {
		return nil, &ToolError{Type: ToolErrorPermission, ToolName: call.Name,
			Message: fmt.Sprintf("not authorized to use server %q", spec.Server)}
	}

	catalog := func() []CatalogEntry { return e.invoker.Catalog(rc.Identity) }
	args, err := e.injector.Inject(call.Input, spec.InputSchema, rc.Identity, catalog)
	if err != nil {
		return nil, &ToolError{Type: ToolErrorInvalidInput, ToolName: call.Name, Cause: err}
	}

	if prompt, admin := e.gate.Check(call.Name, rc.Preferences); prompt {
		args, err = e.awaitApproval(ctx, call, args, admin, rc)
		if err != nil {
			return nil, err
		}
		// Edits cannot remove or spoof trusted parameters.
		args, err = e.injector.Inject(args, spec.InputSchema, rc.Identity, catalog)
		if err != nil {
			return nil, &ToolError{Type: ToolErrorInvalidInput, ToolName: call.Name, Cause: err}
		}
	}

	if err := e.validator.Validate(call.Name, spec.InputSchema, args); err != nil {
		return nil, &ToolError{Type: ToolErrorInvalidInput, ToolName: call.Name, Cause: err}
	}

	hooks := InvocationHooks{
		CallID: call.ID,
		OnProgress: func(progress, total float64, message string) {
			rc.Emitter.ToolProgress(ctx, call.ID, call.Name, progress, total, message)
		},
		OnElicitation: func(payload models.ElicitationEventPayload) {
			payload.CallID = call.ID
			rc.Emitter.ElicitationRequested(ctx, payload)
		},
	}
	res, err := e.invokeWithTimeout(ctx, spec.Name, args, hooks)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		msg := res.Content
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, &ToolError{Type: ToolErrorExecution, ToolName: call.Name, Message: msg}
	}
	return res, nil
}

func (e *ToolEngine) awaitApproval(ctx context.Context, call models.ToolCall, args json.RawMessage, admin bool, rc *RunContext) (json.RawMessage, error) {
	req := e.gate.Create(call, args, rc.Identity.UserID, admin)
	rc.Emitter.ApprovalRequested(ctx, req)
	e.logger.Info("waiting for tool approval",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"request_id", req.ID,
		"admin_required", admin)

	resp, status, err := e.gate.Wait(ctx, req.ID)
	e.metrics.RecordApproval(string(status), admin)
	switch {
	case errors.Is(err, ErrApprovalTimeout):
		return nil, &ToolError{Type: ToolErrorRejected, ToolName: call.Name, Cause: err,
			Message: fmt.Sprintf("approval request timed out after %s", e.gate.Timeout())}
	case err != nil:
		return nil, &ToolError{Type: ToolErrorRejected, ToolName: call.Name, Cause: err,
			Message: "tool call was rejected by the user"}
	}
	if len(resp.EditedArgs) > 0 {
		return resp.EditedArgs, nil
	}
	return args, nil
}

// invokeWithTimeout runs the invocation on its own goroutine so a server
// that ignores cancellation cannot hold the batch past the timeout. The
// timeout is suspended while an elicitation waits for the user.
func (e *ToolEngine) invokeWithTimeout(ctx context.Context, name string, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
	type invokeResult struct {
		res *InvocationResult
		err error
	}

	toolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deadline := newCallDeadline(e.config.PerToolTimeout)
	defer deadline.stop()

	announce := hooks.OnElicitation
	hooks.OnElicitation = func(payload models.ElicitationEventPayload) {
		deadline.pause()
		if announce != nil {
			announce(payload)
		}
	}
	answered := hooks.OnElicitationDone
	hooks.OnElicitationDone = func() {
		deadline.resume()
		if answered != nil {
			answered()
		}
	}

	resultChan := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool invocation panicked",
					"tool", name,
					"panic", r,
					"stack", string(debug.Stack()))
				resultChan <- invokeResult{err: &ToolError{
					Type:     ToolErrorPanic,
					ToolName: name,
					Message:  fmt.Sprintf("tool panicked: %v", r),
					Cause:    ErrToolPanic,
				}}
			}
		}()
		res, err := e.invoker.InvokeFunction(toolCtx, name, args, hooks)
		resultChan <- invokeResult{res: res, err: err}
	}()

	select {
	case <-deadline.Done():
		return nil, &ToolError{Type: ToolErrorTimeout, ToolName: name, Cause: ErrToolTimeout,
			Message: fmt.Sprintf("tool execution timed out after %v", e.config.PerToolTimeout)}
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return nil, &ToolError{Type: ToolErrorTimeout, ToolName: name, Cause: ErrToolTimeout,
				Message: "tool execution timed out: run deadline exceeded"}
		}
		return nil, &ToolError{Type: ToolErrorExecution, ToolName: name, Cause: toolCtx.Err(),
			Message: "tool execution canceled"}
	case r := <-resultChan:
		if r.err != nil {
			toolErr, ok := GetToolError(r.err)
			if !ok {
				toolErr = NewToolError(name, r.err)
				if toolErr.Type == ToolErrorExecution {
					toolErr.Type = ToolErrorTransport
				}
			}
			return nil, toolErr
		}
		if r.res == nil {
			return &InvocationResult{}, nil
		}
		return r.res, nil
	}
}

func (e *ToolEngine) failure(call models.ToolCall, toolErr *ToolError, content string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    content,
		Success:    false,
		Error:      toolErr.ResultMessage(),
	}
}
