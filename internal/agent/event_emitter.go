package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// EventEmitter generates and dispatches AgentEvents with proper sequencing.
// Sequence numbers are assigned under the same lock that delivers the event,
// so a sink observes events in sequence order.
type EventEmitter struct {
	runID          string
	conversationID string
	sink           EventSink

	mu       sync.Mutex
	sequence uint64
}

// NewEventEmitter creates an emitter for one run. A nil sink discards events.
func NewEventEmitter(runID, conversationID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{
		runID:          runID,
		conversationID: conversationID,
		sink:           sink,
	}
}

// RunID returns the run this emitter belongs to.
func (e *EventEmitter) RunID() string {
	if e == nil {
		return ""
	}
	return e.runID
}

func (e *EventEmitter) emit(ctx context.Context, eventType models.AgentEventType, fill func(*models.AgentEvent)) models.AgentEvent {
	if e == nil {
		return models.AgentEvent{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence++
	event := models.AgentEvent{
		Version:        1,
		Type:           eventType,
		Time:           time.Now(),
		Sequence:       e.sequence,
		RunID:          e.runID,
		ConversationID: e.conversationID,
	}
	if fill != nil {
		fill(&event)
	}
	e.sink.Emit(ctx, event)
	return event
}

// RunStarted emits a run.started event.
func (e *EventEmitter) RunStarted(ctx context.Context, strategy string) models.AgentEvent {
	return e.emit(ctx, models.AgentEventRunStarted, func(ev *models.AgentEvent) {
		ev.Run = &models.RunEventPayload{Strategy: strategy}
	})
}

// RunFinished emits a run.finished event.
func (e *EventEmitter) RunFinished(ctx context.Context, strategy string, steps int, stopped bool, elapsed time.Duration) models.AgentEvent {
	return e.emit(ctx, models.AgentEventRunFinished, func(ev *models.AgentEvent) {
		ev.Run = &models.RunEventPayload{
			Strategy: strategy,
			Steps:    steps,
			Stopped:  stopped,
			Elapsed:  elapsed,
		}
	})
}

// Token emits one streamed text chunk.
func (e *EventEmitter) Token(ctx context.Context, text string, isFirst, isLast bool) models.AgentEvent {
	return e.emit(ctx, models.AgentEventToken, func(ev *models.AgentEvent) {
		ev.Token = &models.TokenEventPayload{Text: text, IsFirst: isFirst, IsLast: isLast}
	})
}

// ToolStarted emits a tool.started event.
func (e *EventEmitter) ToolStarted(ctx context.Context, callID, name string, argsJSON json.RawMessage) models.AgentEvent {
	return e.emit(ctx, models.AgentEventToolStarted, func(ev *models.AgentEvent) {
		ev.Tool = &models.ToolEventPayload{CallID: callID, Name: name, ArgsJSON: argsJSON}
	})
}

// ToolProgress emits a tool.progress event.
func (e *EventEmitter) ToolProgress(ctx context.Context, callID, name string, progress, total float64, message string) models.AgentEvent {
	return e.emit(ctx, models.AgentEventToolProgress, func(ev *models.AgentEvent) {
		ev.Tool = &models.ToolEventPayload{
			CallID:   callID,
			Name:     name,
			Progress: progress,
			Total:    total,
			Message:  message,
		}
	})
}

// ToolCompleted emits a tool.completed event for a finished call.
func (e *EventEmitter) ToolCompleted(ctx context.Context, name string, result models.ToolResult, elapsed time.Duration) models.AgentEvent {
	return e.emit(ctx, models.AgentEventToolCompleted, func(ev *models.AgentEvent) {
		ev.Tool = &models.ToolEventPayload{
			CallID:  result.ToolCallID,
			Name:    name,
			Success: result.Success,
			Content: result.Content,
			Error:   result.Error,
			Elapsed: elapsed,
		}
	})
}

// AgentPhase emits an agent.phase marker.
func (e *EventEmitter) AgentPhase(ctx context.Context, step int, phase Phase, content string) models.AgentEvent {
	return e.emit(ctx, models.AgentEventPhase, func(ev *models.AgentEvent) {
		ev.Phase = &models.PhaseEventPayload{Step: step, Phase: string(phase), Content: content}
	})
}

// ApprovalRequested emits an approval.requested event.
func (e *EventEmitter) ApprovalRequested(ctx context.Context, req *ApprovalRequest) models.AgentEvent {
	return e.emit(ctx, models.AgentEventApprovalRequested, func(ev *models.AgentEvent) {
		ev.Approval = &models.ApprovalEventPayload{
			RequestID:     req.ID,
			CallID:        req.CallID,
			Tool:          req.Tool,
			Args:          req.Args,
			AdminRequired: req.AdminRequired,
			ExpiresAt:     req.ExpiresAt,
		}
	})
}

// ElicitationRequested emits an elicitation.requested event.
func (e *EventEmitter) ElicitationRequested(ctx context.Context, payload models.ElicitationEventPayload) models.AgentEvent {
	return e.emit(ctx, models.AgentEventElicitationRequested, func(ev *models.AgentEvent) {
		p := payload
		ev.Elicitation = &p
	})
}

// Error emits a user-facing error event.
func (e *EventEmitter) Error(ctx context.Context, kind, message string) models.AgentEvent {
	return e.emit(ctx, models.AgentEventError, func(ev *models.AgentEvent) {
		ev.Error = &models.ErrorEventPayload{Kind: kind, Message: message}
	})
}
