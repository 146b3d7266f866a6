package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/orchestrator"
	"github.com/haasonsaas/conductor/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"run", "tools", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("CONDUCTOR_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigName {
		t.Fatalf("default = %q", got)
	}
	t.Setenv("CONDUCTOR_CONFIG", "/etc/conductor.yaml")
	if got := resolveConfigPath(""); got != "/etc/conductor.yaml" {
		t.Fatalf("from env = %q", got)
	}
	if got := resolveConfigPath("local.yaml"); got != "local.yaml" {
		t.Fatalf("explicit = %q", got)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	content := "llm:\n  provider: anthropic\n  api_key: test-key\nagent:\n  strategy: react\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "is valid") || !strings.Contains(out.String(), "react") {
		t.Fatalf("output = %q", out.String())
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("llm:\n  provider: nope\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cmd = buildRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", bad})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "schema"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("schema output is not JSON: %v", err)
	}
}

func TestParseApprovalAnswer(t *testing.T) {
	tests := []struct {
		in       string
		approved bool
		edited   string
		wantErr  bool
	}{
		{in: "y", approved: true},
		{in: "YES", approved: true},
		{in: "n", approved: false},
		{in: "reject", approved: false},
		{in: `e {"path":"/tmp/b"}`, approved: true, edited: `{"path":"/tmp/b"}`},
		{in: `edit {"n": 1}`, approved: true, edited: `{"n": 1}`},
		{in: `e [1,2]`, wantErr: true},
		{in: "maybe", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			resp, err := parseApprovalAnswer(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", resp)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseApprovalAnswer() error = %v", err)
			}
			if resp.Approved != tt.approved || string(resp.EditedArgs) != tt.edited {
				t.Fatalf("resp = %+v", resp)
			}
		})
	}
}

func TestParseElicitationAnswer(t *testing.T) {
	tests := []struct {
		in      string
		action  string
		wantErr bool
	}{
		{in: "decline", action: "decline"},
		{in: "Cancel", action: "cancel"},
		{in: `{"branch":"main"}`, action: "accept"},
		{in: `"main"`, wantErr: true},
		{in: "null", wantErr: true},
		{in: "main", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			resp, err := parseElicitationAnswer(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", resp)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseElicitationAnswer() error = %v", err)
			}
			if resp.Action != tt.action {
				t.Fatalf("action = %q, want %q", resp.Action, tt.action)
			}
			if tt.action == "accept" && resp.Content["branch"] != "main" {
				t.Fatalf("content = %v", resp.Content)
			}
		})
	}
}

func TestChatSessionPipedInput(t *testing.T) {
	p := &scriptedProvider{replies: []scriptedReply{{text: "hello from the model"}}}
	out := &lockedBuffer{}
	session := newTestSession(t, p, newDeleteTools(), nil, strings.NewReader("hi\n"), out, false)

	if err := runSession(t, session); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "hello from the model\n") {
		t.Fatalf("output = %q", out.String())
	}
	if session.conv.Len() < 2 {
		t.Fatalf("conversation has %d messages, want the user turn and the answer", session.conv.Len())
	}
}

func TestChatSessionRefusesApprovalWithoutTerminal(t *testing.T) {
	p := &scriptedProvider{replies: []scriptedReply{
		{calls: []models.ToolCall{{ID: "call_1", Name: "files#delete", Input: json.RawMessage(`{"path":"/tmp/a"}`)}}},
		{text: "could not delete"},
	}}
	tools := newDeleteTools()
	out := &lockedBuffer{}
	session := newTestSession(t, p, tools, &agent.ApprovalPolicy{ForceAll: true}, strings.NewReader("delete /tmp/a\n"), out, false)

	if err := runSession(t, session); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "[approval] files#delete rejected") {
		t.Fatalf("output = %q", got)
	}
	if !strings.Contains(got, "[tool] files#delete failed") || !strings.Contains(got, "could not delete") {
		t.Fatalf("output = %q", got)
	}
	if n := tools.invocations(); n != 0 {
		t.Fatalf("tool invoked %d times without approval", n)
	}
}

func TestChatSessionInteractiveApproval(t *testing.T) {
	p := &scriptedProvider{replies: []scriptedReply{
		{calls: []models.ToolCall{{ID: "call_1", Name: "files#delete", Input: json.RawMessage(`{"path":"/tmp/a"}`)}}},
		{text: "deleted"},
	}}
	tools := newDeleteTools()
	out := &lockedBuffer{}
	pr, pw := io.Pipe()
	session := newTestSession(t, p, tools, &agent.ApprovalPolicy{ForceAll: true}, pr, out, true)

	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	writeLine(t, pw, "delete /tmp/a")
	waitForOutput(t, out, "approve?")
	writeLine(t, pw, "maybe")
	waitForOutput(t, out, "answer y, n")
	writeLine(t, pw, `e {"path":"/tmp/b"}`)
	waitForOutput(t, out, "deleted\n")
	_ = pw.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit after EOF")
	}
	if n := tools.invocations(); n != 1 {
		t.Fatalf("tool invoked %d times, want 1", n)
	}
	if got := tools.lastPath(); got != "/tmp/b" {
		t.Fatalf("tool saw path %q, want the edited one", got)
	}
}

func TestChatSessionCommands(t *testing.T) {
	p := &scriptedProvider{replies: []scriptedReply{{text: "unused"}}}
	out := &lockedBuffer{}
	session := newTestSession(t, p, newDeleteTools(), nil, strings.NewReader("/tools\n/stop\n/reset\n/bogus\n/quit\nnever sent\n"), out, false)
	first := session.conv.ID

	if err := runSession(t, session); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := out.String()
	for _, want := range []string{"files#delete", "[nothing to stop]", "[new conversation", "[unknown command /bogus"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q: %q", want, got)
		}
	}
	if session.conv.ID == first {
		t.Error("/reset kept the conversation")
	}
	if p.requestCount() != 0 {
		t.Error("input after /quit started a run")
	}
}

// --- helpers ---

func newTestSession(t *testing.T, p agent.LLMProvider, tools agent.ToolInvoker, policy *agent.ApprovalPolicy, in io.Reader, out io.Writer, interactive bool) *chatSession {
	t.Helper()
	orch, err := orchestrator.New(p, tools, orchestrator.Config{Approval: policy, ApprovalTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	return &chatSession{
		orch:        orch,
		tools:       tools,
		identity:    agent.Identity{UserID: "alice"},
		interactive: interactive,
		in:          in,
		out:         &syncWriter{w: out},
		conv:        models.NewConversation("conv-1"),
	}
}

func runSession(t *testing.T, s *chatSession) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func writeLine(t *testing.T, w io.Writer, line string) {
	t.Helper()
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}
}

func waitForOutput(t *testing.T, out *lockedBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in output %q", want, out.String())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type scriptedReply struct {
	text  string
	calls []models.ToolCall
}

// scriptedProvider plays replies in order and repeats the last one.
type scriptedProvider struct {
	replies []scriptedReply

	mu       sync.Mutex
	requests int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	idx := p.requests
	p.requests++
	p.mu.Unlock()
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	r := p.replies[idx]

	ch := make(chan *agent.CompletionChunk, len(r.calls)+2)
	if r.text != "" {
		ch <- &agent.CompletionChunk{Text: r.text}
	}
	for i := range r.calls {
		call := r.calls[i]
		ch <- &agent.CompletionChunk{ToolCall: &call}
	}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// deleteTools exposes a single files#delete function.
type deleteTools struct {
	spec agent.FunctionSpec

	mu    sync.Mutex
	calls []json.RawMessage
}

func newDeleteTools() *deleteTools {
	return &deleteTools{spec: agent.FunctionSpec{
		Name:        "files#delete",
		Server:      "files",
		Description: "Delete a file",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}}
}

func (d *deleteTools) LookupFunction(name string) (agent.FunctionSpec, bool) {
	return d.spec, name == d.spec.Name
}

func (d *deleteTools) Functions(agent.Identity) []agent.FunctionSpec {
	return []agent.FunctionSpec{d.spec}
}

func (d *deleteTools) Catalog(agent.Identity) []agent.CatalogEntry { return nil }

func (d *deleteTools) InvokeFunction(_ context.Context, name string, args json.RawMessage, _ agent.InvocationHooks) (*agent.InvocationResult, error) {
	if name != d.spec.Name {
		return nil, agent.ErrToolNotFound
	}
	d.mu.Lock()
	d.calls = append(d.calls, append(json.RawMessage(nil), args...))
	d.mu.Unlock()
	return &agent.InvocationResult{Content: "ok"}, nil
}

func (d *deleteTools) invocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *deleteTools) lastPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return ""
	}
	var args struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(d.calls[len(d.calls)-1], &args)
	return args.Path
}
