package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/orchestrator"
	"github.com/haasonsaas/conductor/pkg/models"
)

const autoDecider = "conductor"

// chatSession is one terminal conversation. Everything except render runs
// on the goroutine that called Run.
type chatSession struct {
	orch        *orchestrator.Orchestrator
	tools       agent.ToolInvoker
	identity    agent.Identity
	prefs       agent.Preferences
	strategy    string
	maxSteps    int
	interactive bool
	verbose     bool
	metrics     *observability.Metrics
	logger      *slog.Logger

	// audit, when set, receives a copy of every run event.
	audit agent.EventSink

	in         io.Reader
	out        *syncWriter
	interrupts <-chan os.Signal

	conv      *models.Conversation
	sink      *agent.BackpressureSink
	running   bool
	stopping  bool
	cancelRun context.CancelFunc
	runDone   chan runOutcome
	queue     []models.AgentEvent
}

type runOutcome struct {
	result *orchestrator.RunResult
	err    error
}

// syncWriter serializes writes from the renderer and the input loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func (w *syncWriter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// Run reads user input until EOF, /quit, a second interrupt or ctx ends.
// Piped input is processed one line per run; approvals and elicitations
// cannot be answered without a terminal, so they are refused.
func (s *chatSession) Run(ctx context.Context) error {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.conv == nil {
		s.conv = models.NewConversation(uuid.NewString())
	}
	s.runDone = make(chan runOutcome, 1)

	sink, events := agent.NewBackpressureSink(agent.BackpressureConfig{
		OnDrop: func(models.AgentEvent) { s.metrics.RecordEventDropped() },
	})
	s.sink = sink

	prompts := make(chan models.AgentEvent, 16)
	stopPrompts := make(chan struct{})
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for e := range events {
			s.render(e)
			if e.Type != models.AgentEventApprovalRequested && e.Type != models.AgentEventElicitationRequested {
				continue
			}
			select {
			case prompts <- e:
			case <-stopPrompts:
			}
		}
	}()

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	if s.interactive {
		s.out.printf("conversation %s started. /help lists commands.\n", s.conv.ID)
	}

	eof := false
loop:
	for {
		if eof && !s.running {
			break
		}
		lineCh := lines
		if eof || (s.running && !s.interactive) {
			lineCh = nil
		}

		select {
		case <-ctx.Done():
			s.waitRun()
			break loop
		case <-s.interrupts:
			switch {
			case !s.running:
				break loop
			case s.stopping:
				s.cancelRun()
				s.out.printf("\n[cancelling]\n")
			default:
				s.stopping = true
				s.orch.Stop(s.conv.ID)
				s.out.printf("\n[stopping after the current step; interrupt again to cancel]\n")
			}
		case line, ok := <-lineCh:
			if !ok {
				eof = true
				continue
			}
			if quit := s.handleLine(ctx, line); quit {
				if s.running {
					s.cancelRun()
					s.waitRun()
				}
				break loop
			}
		case e := <-prompts:
			s.enqueuePrompt(e)
		case outcome := <-s.runDone:
			s.finishRun(outcome)
		}
	}

	close(stopPrompts)
	sink.Close()
	<-rendered
	return nil
}

func (s *chatSession) startRun(ctx context.Context, message string) {
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.stopping = false
	s.cancelRun = cancel
	var sink agent.EventSink = s.sink
	if s.audit != nil {
		sink = agent.NewMultiSink(s.sink, s.audit)
	}
	req := orchestrator.RunRequest{
		ConversationID: s.conv.ID,
		Conversation:   s.conv,
		Message:        message,
		Identity:       s.identity,
		Preferences:    s.prefs,
		Strategy:       s.strategy,
		MaxSteps:       s.maxSteps,
		Sink:           sink,
	}
	go func() {
		res, err := s.orch.Run(runCtx, req)
		s.runDone <- runOutcome{result: res, err: err}
	}()
}

func (s *chatSession) waitRun() {
	if !s.running {
		return
	}
	s.finishRun(<-s.runDone)
}

func (s *chatSession) finishRun(outcome runOutcome) {
	s.running = false
	s.stopping = false
	s.cancelRun()
	// Prompts left over belong to the finished run.
	s.queue = nil
	if outcome.err != nil {
		// User-facing errors were already streamed as error events.
		if _, ok := orchestrator.GetUserError(outcome.err); !ok {
			s.out.printf("[error] %v\n", outcome.err)
		}
		return
	}
	if s.verbose && outcome.result != nil {
		s.out.printf("[run %s: %s, %d steps, %s]\n", outcome.result.RunID, outcome.result.Strategy,
			outcome.result.Answer.Steps, outcome.result.Elapsed.Round(time.Millisecond))
	}
}

// handleLine processes one input line and reports whether to quit.
func (s *chatSession) handleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	if len(s.queue) > 0 && !strings.HasPrefix(text, "/") {
		s.answerPrompt(text)
		return false
	}
	if strings.HasPrefix(text, "/") {
		return s.command(text)
	}
	if text == "" {
		return false
	}
	if s.running {
		s.out.printf("[a run is in progress; /stop ends it]\n")
		return false
	}
	s.startRun(ctx, text)
	return false
}

func (s *chatSession) command(text string) bool {
	switch strings.Fields(text)[0] {
	case "/quit", "/exit":
		return true
	case "/stop":
		if !s.orch.Stop(s.conv.ID) {
			s.out.printf("[nothing to stop]\n")
			return false
		}
		s.stopping = true
	case "/reset":
		if err := s.orch.Reset(s.conv.ID); err != nil {
			s.out.printf("[reset failed: %v]\n", err)
			return false
		}
		s.conv = models.NewConversation(uuid.NewString())
		s.out.printf("[new conversation %s]\n", s.conv.ID)
	case "/tools":
		s.printTools()
	case "/approvals":
		pending := s.orch.PendingApprovals()
		if len(pending) == 0 {
			s.out.printf("[no pending approvals]\n")
		}
		for _, req := range pending {
			s.out.printf("  %s %s %s (expires %s)\n", req.ID, req.Tool, compactJSON(req.Args), req.ExpiresAt.Format("15:04:05"))
		}
	case "/help":
		s.out.printf(`commands:
  /stop       end the current run after its current step
  /reset      start a new conversation
  /tools      list the functions you may call
  /approvals  list pending approval requests
  /quit       exit
`)
	default:
		s.out.printf("[unknown command %s; /help lists commands]\n", text)
	}
	return false
}

func (s *chatSession) printTools() {
	if s.tools == nil {
		s.out.printf("[no tool servers]\n")
		return
	}
	specs := s.tools.Functions(s.identity)
	if len(specs) == 0 {
		s.out.printf("[no functions available]\n")
		return
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	for _, spec := range specs {
		s.out.printf("  %s  %s\n", spec.Name, firstLine(spec.Description))
	}
}

func (s *chatSession) enqueuePrompt(e models.AgentEvent) {
	if !s.interactive {
		s.refuse(e)
		return
	}
	s.queue = append(s.queue, e)
	if len(s.queue) == 1 {
		s.showPrompt(e)
	}
}

// refuse answers a prompt that no human can see.
func (s *chatSession) refuse(e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventApprovalRequested:
		err := s.orch.RespondApproval(e.Approval.RequestID, agent.ApprovalResponse{Approved: false, DecidedBy: autoDecider})
		if err != nil {
			s.logger.Warn("failed to reject approval", "request_id", e.Approval.RequestID, "error", err)
		}
		s.out.printf("[approval] %s rejected: input is not a terminal\n", e.Approval.Tool)
	case models.AgentEventElicitationRequested:
		err := s.orch.RespondElicitation(e.Elicitation.RequestID, mcp.ElicitationResponse{Action: "decline"})
		if err != nil {
			s.logger.Warn("failed to decline elicitation", "request_id", e.Elicitation.RequestID, "error", err)
		}
		s.out.printf("[input] %s request declined: input is not a terminal\n", e.Elicitation.Server)
	}
}

func (s *chatSession) showPrompt(e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventApprovalRequested:
		a := e.Approval
		admin := ""
		if a.AdminRequired {
			admin = " (required by policy)"
		}
		s.out.printf("[approval] %s%s wants to run with %s\n  approve? [y]es / [n]o / e <json arguments>: ", a.Tool, admin, compactJSON(a.Args))
	case models.AgentEventElicitationRequested:
		el := e.Elicitation
		s.out.printf("[input] %s asks: %s\n", el.Server, el.Message)
		if len(el.Schema) > 0 {
			s.out.printf("  schema: %s\n", compactJSON(el.Schema))
		}
		s.out.printf("  reply with a JSON object, decline or cancel: ")
	}
}

func (s *chatSession) answerPrompt(text string) {
	head := s.queue[0]
	switch head.Type {
	case models.AgentEventApprovalRequested:
		resp, err := parseApprovalAnswer(text)
		if err != nil {
			s.out.printf("[%v]\n", err)
			s.showPrompt(head)
			return
		}
		resp.DecidedBy = s.identity.UserID
		if err := s.orch.RespondApproval(head.Approval.RequestID, resp); err != nil {
			s.out.printf("[approval: %v]\n", err)
		}
	case models.AgentEventElicitationRequested:
		resp, err := parseElicitationAnswer(text)
		if err != nil {
			s.out.printf("[%v]\n", err)
			s.showPrompt(head)
			return
		}
		if err := s.orch.RespondElicitation(head.Elicitation.RequestID, resp); err != nil {
			s.out.printf("[input: %v]\n", err)
		}
	}
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		s.showPrompt(s.queue[0])
	}
}

// render runs on the event goroutine.
func (s *chatSession) render(e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventToken:
		t := e.Token
		if t.IsFirst && t.IsLast && t.Text == "" {
			return
		}
		s.out.printf("%s", t.Text)
		if t.IsLast {
			s.out.printf("\n")
		}
	case models.AgentEventToolStarted:
		s.out.printf("[tool] %s %s\n", e.Tool.Name, compactJSON(e.Tool.ArgsJSON))
	case models.AgentEventToolProgress:
		if !s.verbose {
			return
		}
		if e.Tool.Total > 0 {
			s.out.printf("[progress] %s %.0f/%.0f %s\n", e.Tool.Name, e.Tool.Progress, e.Tool.Total, e.Tool.Message)
		} else {
			s.out.printf("[progress] %s %s\n", e.Tool.Name, e.Tool.Message)
		}
	case models.AgentEventToolCompleted:
		if e.Tool.Success {
			s.out.printf("[tool] %s done in %s\n", e.Tool.Name, e.Tool.Elapsed.Round(time.Millisecond))
		} else {
			s.out.printf("[tool] %s failed: %s\n", e.Tool.Name, e.Tool.Error)
		}
	case models.AgentEventPhase:
		if s.verbose {
			s.out.printf("[step %d %s] %s\n", e.Phase.Step, e.Phase.Phase, firstLine(e.Phase.Content))
		}
	case models.AgentEventError:
		s.out.printf("[error] %s\n", e.Error.Message)
	case models.AgentEventRunFinished:
		if e.Run != nil && e.Run.Stopped {
			s.out.printf("[stopped]\n")
		}
	}
}

func parseApprovalAnswer(text string) (agent.ApprovalResponse, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch lower {
	case "y", "yes", "approve":
		return agent.ApprovalResponse{Approved: true}, nil
	case "n", "no", "reject":
		return agent.ApprovalResponse{Approved: false}, nil
	}
	for _, prefix := range []string{"e ", "edit "} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimSpace(text)[len(prefix):])
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return agent.ApprovalResponse{}, fmt.Errorf("edited arguments must be a JSON object: %w", err)
		}
		return agent.ApprovalResponse{Approved: true, EditedArgs: json.RawMessage(raw)}, nil
	}
	return agent.ApprovalResponse{}, errors.New("answer y, n or e <json arguments>")
}

func parseElicitationAnswer(text string) (mcp.ElicitationResponse, error) {
	trimmed := strings.TrimSpace(text)
	switch strings.ToLower(trimmed) {
	case "decline", "d":
		return mcp.ElicitationResponse{Action: "decline"}, nil
	case "cancel", "c":
		return mcp.ElicitationResponse{Action: "cancel"}, nil
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(trimmed), &content); err != nil || content == nil {
		return mcp.ElicitationResponse{}, errors.New("reply with a JSON object, decline or cancel")
	}
	return mcp.ElicitationResponse{Action: "accept", Content: content}, nil
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
