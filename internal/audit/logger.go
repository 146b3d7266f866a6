package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Logger writes audit entries asynchronously. A disabled Logger accepts
// every call and writes nothing.
//
// Usage:
//
//	logger, err := audit.NewLogger(cfg.Audit)
//	defer logger.Close()
//	gate.OnDecision(logger.LogApprovalDecision)
//	sink := agent.NewMultiSink(clientSink, logger.Sink(identity.UserID))
type Logger struct {
	config     Config
	output     io.Writer
	closer     io.Closer
	slogger    *slog.Logger
	buffer     chan *Event
	wg         sync.WaitGroup
	done       chan struct{}
	closed     atomic.Bool
	eventTypes map[EventType]bool
}

// NewLogger creates a new audit logger with the given configuration.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.Level == "" {
		config.Level = LevelInfo
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	l := &Logger{
		config: config,
		buffer: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}

	switch {
	case config.Writer != nil:
		l.output = config.Writer
	case config.Output == "stderr" || config.Output == "":
		l.output = os.Stderr
	case config.Output == "stdout":
		l.output = os.Stdout
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		l.output = f
		l.closer = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	if len(config.EventTypes) > 0 {
		l.eventTypes = make(map[EventType]bool, len(config.EventTypes))
		for _, et := range config.EventTypes {
			l.eventTypes[et] = true
		}
	}

	opts := &slog.HandlerOptions{Level: l.slogLevel()}
	var handler slog.Handler
	if config.Format == FormatText {
		handler = slog.NewTextHandler(l.output, opts)
	} else {
		handler = slog.NewJSONHandler(l.output, opts)
	}
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes remaining events and closes a file output.
func (l *Logger) Close() error {
	if !l.config.Enabled || !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(l.done)
	l.wg.Wait()

	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Log queues an audit event.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if l == nil || !l.config.Enabled || l.closed.Load() {
		return
	}
	if l.eventTypes != nil && !l.eventTypes[event.Type] {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" && ctx != nil {
		event.TraceID = observability.GetTraceID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		// Buffer full, write inline rather than drop.
		l.writeEvent(event)
	}
}

// LogApprovalDecision records the terminal state of an approval request.
// Its signature matches agent.ApprovalGate.OnDecision.
func (l *Logger) LogApprovalDecision(req agent.ApprovalRequest) {
	level := LevelInfo
	if req.Status != agent.ApprovalApproved {
		level = LevelWarn
	}
	l.Log(context.Background(), &Event{
		Type:       EventApprovalDecided,
		Level:      level,
		UserID:     req.Requester,
		ToolName:   req.Tool,
		ToolCallID: req.CallID,
		Action:     string(req.Status),
		Duration:   req.DecidedAt.Sub(req.CreatedAt),
		Details: map[string]any{
			"request_id":     req.ID,
			"decided_by":     req.DecidedBy,
			"admin_required": req.AdminRequired,
		},
	})
}

// Sink returns an event sink that audits the runs of one acting user.
func (l *Logger) Sink(userID string) agent.EventSink {
	return &runSink{logger: l, userID: userID}
}

type runSink struct {
	logger *Logger
	userID string
}

// Emit maps the events worth auditing; tokens, phases and progress are
// ignored.
func (s *runSink) Emit(ctx context.Context, e models.AgentEvent) {
	l := s.logger
	if !payloadPresent(e) {
		return
	}
	ev := &Event{
		Level:          LevelInfo,
		Timestamp:      e.Time,
		RunID:          e.RunID,
		ConversationID: e.ConversationID,
		UserID:         s.userID,
	}

	switch e.Type {
	case models.AgentEventRunStarted:
		ev.Type, ev.Action = EventRunStarted, "start"
		if e.Run != nil {
			ev.Details = map[string]any{"strategy": e.Run.Strategy}
		}
	case models.AgentEventRunFinished:
		ev.Type, ev.Action = EventRunFinished, "finish"
		if e.Run != nil {
			ev.Duration = e.Run.Elapsed
			ev.Details = map[string]any{"steps": e.Run.Steps, "stopped": e.Run.Stopped}
		}
	case models.AgentEventToolStarted:
		ev.Type, ev.Action = EventToolInvocation, "invoke"
		ev.ToolName, ev.ToolCallID = e.Tool.Name, e.Tool.CallID
		ev.Details = l.inputDetails(string(e.Tool.ArgsJSON))
	case models.AgentEventToolCompleted:
		ev.Type, ev.Action = EventToolCompletion, "complete"
		ev.ToolName, ev.ToolCallID = e.Tool.Name, e.Tool.CallID
		ev.Duration = e.Tool.Elapsed
		if !e.Tool.Success {
			ev.Action, ev.Level, ev.Error = "fail", LevelWarn, e.Tool.Error
		}
		if l.config.IncludeToolOutput && e.Tool.Content != "" {
			ev.Details = map[string]any{"output": l.truncate(e.Tool.Content)}
		}
	case models.AgentEventApprovalRequested:
		ev.Type, ev.Action = EventApprovalRequested, "request"
		ev.ToolName, ev.ToolCallID = e.Approval.Tool, e.Approval.CallID
		ev.Details = l.inputDetails(string(e.Approval.Args))
		ev.Details["request_id"] = e.Approval.RequestID
		ev.Details["admin_required"] = e.Approval.AdminRequired
	case models.AgentEventElicitationRequested:
		ev.Type, ev.Action = EventElicitationRequested, "request"
		ev.ToolCallID = e.Elicitation.CallID
		ev.Details = map[string]any{
			"request_id": e.Elicitation.RequestID,
			"server":     e.Elicitation.Server,
			"message":    l.truncate(e.Elicitation.Message),
		}
	case models.AgentEventError:
		ev.Type, ev.Action, ev.Level = EventRunError, "error", LevelError
		ev.Error = e.Error.Message
		ev.Details = map[string]any{"kind": e.Error.Kind}
	default:
		return
	}
	l.Log(ctx, ev)
}

func payloadPresent(e models.AgentEvent) bool {
	switch e.Type {
	case models.AgentEventToolStarted, models.AgentEventToolCompleted:
		return e.Tool != nil
	case models.AgentEventApprovalRequested:
		return e.Approval != nil
	case models.AgentEventElicitationRequested:
		return e.Elicitation != nil
	case models.AgentEventError:
		return e.Error != nil
	}
	return true
}

func (l *Logger) inputDetails(input string) map[string]any {
	details := map[string]any{}
	if input == "" {
		return details
	}
	if l.config.IncludeToolInput {
		details["input"] = l.truncate(input)
	} else {
		details["input_hash"] = hashString(input)
	}
	return details
}

func (l *Logger) truncate(s string) string {
	if l.config.MaxFieldSize > 0 && len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...[truncated]"
	}
	return s
}

// writeLoop processes buffered events.
func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

// flushBuffer drains all buffered events.
func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	if event.RunID != "" {
		attrs = append(attrs, "run_id", event.RunID)
	}
	if event.ConversationID != "" {
		attrs = append(attrs, "conversation_id", event.ConversationID)
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	if event.ToolName != "" {
		attrs = append(attrs, "tool_name", event.ToolName)
	}
	if event.ToolCallID != "" {
		attrs = append(attrs, "tool_call_id", event.ToolCallID)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

func (l *Logger) shouldLog(level Level) bool {
	if level == "" {
		level = LevelInfo
	}
	return levelRank[level] >= levelRank[l.config.Level]
}

func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// hashString returns the first 16 hex characters of a SHA-256 digest.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
