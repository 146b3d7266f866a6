package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestExecuteToolsPreservesCallOrder(t *testing.T) {
	inv := newFakeInvoker()
	delays := map[string]time.Duration{"a": 30 * time.Millisecond, "b": 1 * time.Millisecond, "c": 15 * time.Millisecond}
	inv.add("srv#sleep", "", func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		time.Sleep(delays[hooks.CallID])
		return &InvocationResult{Content: "done " + hooks.CallID}, nil
	})
	engine := NewToolEngine(inv, nil, DefaultToolExecConfig())

	calls := []models.ToolCall{
		call("a", "srv#sleep", `{}`),
		call("b", "srv#sleep", `{}`),
		call("c", "srv#sleep", `{}`),
	}
	results := engine.ExecuteTools(context.Background(), calls, newRunContext(nil))
	if len(results) != len(calls) {
		t.Fatalf("expected %d results, got %d", len(calls), len(results))
	}
	for i, r := range results {
		if r.ToolCallID != calls[i].ID {
			t.Errorf("result %d: call id %q, want %q", i, r.ToolCallID, calls[i].ID)
		}
		if !r.Success || r.Content != "done "+calls[i].ID {
			t.Errorf("result %d = %+v", i, r)
		}
	}
}

func TestExecuteToolsRunsBatchConcurrently(t *testing.T) {
	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	all := make(chan struct{})
	go func() {
		started.Wait()
		close(all)
	}()

	inv := newFakeInvoker()
	inv.add("srv#barrier", "", func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		started.Done()
		select {
		case <-all:
			return &InvocationResult{Content: "ok"}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("calls were not running concurrently")
		}
	})
	engine := NewToolEngine(inv, nil, DefaultToolExecConfig())

	calls := []models.ToolCall{
		call("1", "srv#barrier", `{}`),
		call("2", "srv#barrier", `{}`),
		call("3", "srv#barrier", `{}`),
	}
	for _, r := range engine.ExecuteTools(context.Background(), calls, newRunContext(nil)) {
		if !r.Success {
			t.Fatalf("call %s failed: %s", r.ToolCallID, r.Error)
		}
	}
}

func TestExecuteToolsFailuresBecomeResults(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	inv := newFakeInvoker()
	inv.add("srv#panics", "", func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		panic("boom")
	})
	inv.add("srv#hangs", "", func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		<-release
		return &InvocationResult{Content: "late"}, nil
	})
	inv.add("srv#fails", "", func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		return &InvocationResult{Content: "disk full", IsError: true}, nil
	})
	inv.add("srv#broken", "", func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		return nil, errors.New("server process exited")
	})
	inv.echo("srv#ok", "")

	cfg := DefaultToolExecConfig()
	cfg.PerToolTimeout = 50 * time.Millisecond
	engine := NewToolEngine(inv, nil, cfg)

	calls := []models.ToolCall{
		call("1", "srv#panics", `{}`),
		call("2", "srv#hangs", `{}`),
		call("3", "srv#fails", `{}`),
		call("4", "srv#missing", `{}`),
		call("5", "srv#broken", `{}`),
		call("6", "srv#ok", `{}`),
	}
	results := engine.ExecuteTools(context.Background(), calls, newRunContext(nil))

	tests := []struct {
		idx     int
		success bool
		errPart string
	}{
		{0, false, "panicked"},
		{1, false, "timed out"},
		{2, false, "disk full"},
		{3, false, "unknown tool"},
		{4, false, "server process exited"},
		{5, true, ""},
	}
	for _, tt := range tests {
		r := results[tt.idx]
		if r.ToolCallID != calls[tt.idx].ID {
			t.Errorf("result %d has call id %q", tt.idx, r.ToolCallID)
		}
		if r.Success != tt.success {
			t.Errorf("result %d success = %v, want %v (%s)", tt.idx, r.Success, tt.success, r.Error)
		}
		if tt.errPart != "" && !strings.Contains(r.Error, tt.errPart) {
			t.Errorf("result %d error = %q, want it to contain %q", tt.idx, r.Error, tt.errPart)
		}
	}
}

func TestExecuteToolsStopSkipsDispatch(t *testing.T) {
	inv := newFakeInvoker()
	inv.echo("srv#ok", "")
	engine := NewToolEngine(inv, nil, DefaultToolExecConfig())

	rc := newRunContext(nil)
	rc.Stop.Stop()
	results := engine.ExecuteTools(context.Background(), []models.ToolCall{call("1", "srv#ok", `{}`), call("2", "srv#ok", `{}`)}, rc)
	for _, r := range results {
		if r.Success || r.Error != ErrStopped.Error() {
			t.Errorf("result = %+v", r)
		}
	}
	if got := len(inv.invocations()); got != 0 {
		t.Fatalf("expected no invocations after stop, got %d", got)
	}
}

func TestExecuteToolsAuthorization(t *testing.T) {
	inv := newFakeInvoker()
	inv.echo("secret#read", "")
	engine := NewToolEngine(inv, nil, DefaultToolExecConfig())

	rc := newRunContext(nil)
	rc.Identity.AuthorizedServers = []string{"public"}
	r := engine.ExecuteTools(context.Background(), []models.ToolCall{call("1", "secret#read", `{}`)}, rc)[0]
	if r.Success || !strings.Contains(r.Error, "not authorized") {
		t.Fatalf("result = %+v", r)
	}
}

func TestExecuteToolsValidatesArguments(t *testing.T) {
	inv := newFakeInvoker()
	inv.echo("srv#search", `{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`)
	engine := NewToolEngine(inv, nil, DefaultToolExecConfig())

	r := engine.ExecuteTools(context.Background(), []models.ToolCall{call("1", "srv#search", `{"q":7}`)}, newRunContext(nil))[0]
	if r.Success || !strings.Contains(r.Error, "invalid arguments") {
		t.Fatalf("result = %+v", r)
	}
	if len(inv.invocations()) != 0 {
		t.Fatal("invalid call must not be dispatched")
	}
}

const actingUserSchema = `{"type":"object","properties":{"q":{"type":"string"},"acting_user":{"type":"string"}},"required":["q","acting_user"]}`

func TestExecuteToolsInjectsActingUser(t *testing.T) {
	inv := newFakeInvoker()
	inv.echo("srv#search", actingUserSchema)
	engine := NewToolEngine(inv, nil, DefaultToolExecConfig())

	spoofed := `{"q":"go","acting_user":"admin"}`
	r := engine.ExecuteTools(context.Background(), []models.ToolCall{call("1", "srv#search", spoofed)}, newRunContext(nil))[0]
	if !r.Success {
		t.Fatalf("call failed: %s", r.Error)
	}
	if got := actingUser(t, inv.invocations()[0].args); got != "u1" {
		t.Fatalf("acting user = %q, want u1", got)
	}
}

func actingUser(t *testing.T, args json.RawMessage) string {
	t.Helper()
	var decoded struct {
		ActingUser string `json:"acting_user"`
	}
	if err := json.Unmarshal(args, &decoded); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	return decoded.ActingUser
}

func TestExecuteToolsApprovalWithEditedArgs(t *testing.T) {
	inv := newFakeInvoker()
	inv.echo("srv#search", actingUserSchema)
	gate := NewApprovalGate(&ApprovalPolicy{ForceAll: true})
	engine := NewToolEngine(inv, gate, DefaultToolExecConfig())

	sink := &recordingSink{}
	sink.hook = func(e models.AgentEvent) {
		if e.Type != models.AgentEventApprovalRequested {
			return
		}
		if !e.Approval.AdminRequired {
			t.Errorf("force-all approval must be admin enforced")
		}
		err := gate.Respond(e.Approval.RequestID, ApprovalResponse{
			Approved:   true,
			EditedArgs: json.RawMessage(`{"q":"edited","acting_user":"mallory"}`),
		})
		if err != nil {
			t.Errorf("respond: %v", err)
		}
	}

	r := engine.ExecuteTools(context.Background(), []models.ToolCall{call("1", "srv#search", `{"q":"orig"}`)}, newRunContext(sink))[0]
	if !r.Success {
		t.Fatalf("call failed: %s", r.Error)
	}
	args := inv.invocations()[0].args
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["q"] != "edited" {
		t.Errorf("edited args not applied: %s", args)
	}
	if actingUser(t, args) != "u1" {
		t.Errorf("edits must not override the acting user: %s", args)
	}
	if len(sink.ofType(models.AgentEventApprovalRequested)) != 1 {
		t.Error("expected one approval request event")
	}
}

func TestExecuteToolsApprovalRejectedAndTimedOut(t *testing.T) {
	inv := newFakeInvoker()
	inv.echo("srv#delete", "")
	gate := NewApprovalGate(&ApprovalPolicy{AdminRequired: map[string][]string{"srv": {"delete"}}})
	gate.SetTimeout(30 * time.Millisecond)
	var outcomes []ApprovalStatus
	var mu sync.Mutex
	gate.OnDecision(func(req ApprovalRequest) {
		mu.Lock()
		outcomes = append(outcomes, req.Status)
		mu.Unlock()
	})
	engine := NewToolEngine(inv, gate, DefaultToolExecConfig())

	t.Run("rejected", func(t *testing.T) {
		sink := &recordingSink{hook: func(e models.AgentEvent) {
			if e.Type == models.AgentEventApprovalRequested {
				_ = gate.Respond(e.Approval.RequestID, ApprovalResponse{Approved: false})
			}
		}}
		r := engine.ExecuteTools(context.Background(), []models.ToolCall{call("1", "srv#delete", `{}`)}, newRunContext(sink))[0]
		if r.Success || !strings.Contains(r.Error, "rejected") {
			t.Fatalf("result = %+v", r)
		}
	})

	t.Run("timed out", func(t *testing.T) {
		r := engine.ExecuteTools(context.Background(), []models.ToolCall{call("2", "srv#delete", `{}`)}, newRunContext(nil))[0]
		if r.Success || !strings.Contains(r.Error, "timed out") {
			t.Fatalf("result = %+v", r)
		}
	})

	if len(inv.invocations()) != 0 {
		t.Fatal("unapproved calls must not be dispatched")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 || outcomes[0] != ApprovalRejected || outcomes[1] != ApprovalTimedOut {
		t.Fatalf("outcomes = %v", outcomes)
	}
}

func TestExecuteToolsEmitsLifecycleEvents(t *testing.T) {
	var progressCalls atomic.Int32
	inv := newFakeInvoker()
	inv.add("srv#work", "", func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		hooks.OnProgress(1, 2, "half way")
		progressCalls.Add(1)
		return &InvocationResult{Content: "ok"}, nil
	})
	engine := NewToolEngine(inv, nil, DefaultToolExecConfig())
	sink := &recordingSink{}

	engine.ExecuteTools(context.Background(), []models.ToolCall{call("1", "srv#work", `{}`)}, newRunContext(sink))

	started := sink.ofType(models.AgentEventToolStarted)
	progress := sink.ofType(models.AgentEventToolProgress)
	completed := sink.ofType(models.AgentEventToolCompleted)
	if len(started) != 1 || len(progress) != 1 || len(completed) != 1 {
		t.Fatalf("started=%d progress=%d completed=%d", len(started), len(progress), len(completed))
	}
	if progress[0].Tool.CallID != "1" || progress[0].Tool.Message != "half way" {
		t.Errorf("progress = %+v", progress[0].Tool)
	}
	if !completed[0].Tool.Success || completed[0].Sequence <= started[0].Sequence {
		t.Errorf("completed = %+v", completed[0])
	}
}

func TestModelToolsHidesTrustedParams(t *testing.T) {
	inv := newFakeInvoker()
	inv.echo("srv#search", actingUserSchema)
	inv.echo("other#list", "")
	engine := NewToolEngine(inv, nil, DefaultToolExecConfig())

	defs := engine.ModelTools(Identity{UserID: "u1"})
	if len(defs) != 2 || defs[0].Name != "other#list" || defs[1].Name != "srv#search" {
		t.Fatalf("defs = %+v", defs)
	}
	if strings.Contains(string(defs[1].Schema), "acting_user") {
		t.Errorf("trusted parameter leaked into model schema: %s", defs[1].Schema)
	}
}

func TestExecuteToolsElicitationSuspendsTimeout(t *testing.T) {
	inv := newFakeInvoker()
	inv.add("forms#ask", "", func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		hooks.OnElicitation(models.ElicitationEventPayload{RequestID: "e1", Server: "forms", Message: "name?"})
		// The user takes longer than the tool budget to answer.
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		hooks.OnElicitationDone()
		return &InvocationResult{Content: "answered"}, nil
	})
	inv.add("forms#stall", "", func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		hooks.OnElicitation(models.ElicitationEventPayload{RequestID: "e2", Server: "forms"})
		hooks.OnElicitationDone()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := DefaultToolExecConfig()
	cfg.PerToolTimeout = 50 * time.Millisecond
	engine := NewToolEngine(inv, nil, cfg)

	t.Run("answered after budget", func(t *testing.T) {
		sink := &recordingSink{}
		r := engine.ExecuteTools(context.Background(), []models.ToolCall{call("1", "forms#ask", `{}`)}, newRunContext(sink))[0]
		if !r.Success || r.Content != "answered" {
			t.Fatalf("result = %+v", r)
		}
		asked := sink.ofType(models.AgentEventElicitationRequested)
		if len(asked) != 1 || asked[0].Elicitation.CallID != "1" {
			t.Fatalf("elicitation events = %+v", asked)
		}
	})

	t.Run("clock resumes after answer", func(t *testing.T) {
		start := time.Now()
		r := engine.ExecuteTools(context.Background(), []models.ToolCall{call("2", "forms#stall", `{}`)}, newRunContext(nil))[0]
		if r.Success || !strings.Contains(r.Error, "timed out") {
			t.Fatalf("result = %+v", r)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("timeout took %v", elapsed)
		}
	})
}

// panickingSink panics on the event types it is told to.
type panickingSink struct {
	on map[models.AgentEventType]bool
}

func (s panickingSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.on[e.Type] {
		panic("sink failed on " + string(e.Type))
	}
}

func TestExecuteToolsSurvivesPanickingSink(t *testing.T) {
	tests := []struct {
		name    string
		on      []models.AgentEventType
		success bool
	}{
		{"started", []models.AgentEventType{models.AgentEventToolStarted}, false},
		{"completed", []models.AgentEventType{models.AgentEventToolCompleted}, true},
		{"every event", []models.AgentEventType{models.AgentEventToolStarted, models.AgentEventToolCompleted}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newFakeInvoker()
			inv.echo("srv#ok", "")
			engine := NewToolEngine(inv, nil, DefaultToolExecConfig())
			sink := panickingSink{on: map[models.AgentEventType]bool{}}
			for _, et := range tt.on {
				sink.on[et] = true
			}

			calls := []models.ToolCall{call("1", "srv#ok", `{}`), call("2", "srv#ok", `{}`)}
			results := engine.ExecuteTools(context.Background(), calls, newRunContext(sink))
			for i, r := range results {
				if r.ToolCallID != calls[i].ID || r.Success != tt.success {
					t.Fatalf("result %d = %+v", i, r)
				}
				if !tt.success && !strings.Contains(r.Error, "panicked") {
					t.Fatalf("result %d error = %q", i, r.Error)
				}
			}
		})
	}
}
