package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// toolHandler implements one tool on a fake server. It runs on the
// caller's goroutine, like a real server processing a request while the
// registry's receive loop keeps running.
type toolHandler func(ctx context.Context, ft *fakeTransport, params CallToolParams) (*ToolCallResult, error)

// fakeServer is an in-process tool server shared by every transport the
// registry opens for it.
type fakeServer struct {
	name string

	mu         sync.Mutex
	pages      [][]*MCPTool
	handlers   map[string]toolHandler
	failFirst  int
	connects   int
	transports []*fakeTransport
}

func newFakeServer(name string, tools ...string) *fakeServer {
	s := &fakeServer{name: name, handlers: make(map[string]toolHandler)}
	var page []*MCPTool
	for _, tool := range tools {
		page = append(page, &MCPTool{Name: tool, Description: tool + " tool", InputSchema: json.RawMessage(`{"type":"object"}`)})
	}
	s.pages = [][]*MCPTool{page}
	return s
}

func (s *fakeServer) handle(tool string, h toolHandler) {
	s.mu.Lock()
	s.handlers[tool] = h
	s.mu.Unlock()
}

func (s *fakeServer) setPages(pages ...[]*MCPTool) {
	s.mu.Lock()
	s.pages = pages
	s.mu.Unlock()
}

func (s *fakeServer) latest() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transports) == 0 {
		return nil
	}
	return s.transports[len(s.transports)-1]
}

func (s *fakeServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

type fakeTransport struct {
	server    *fakeServer
	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	nextID    atomic.Int64

	mu      sync.Mutex
	waiting map[string]chan JSONRPCResponse
}

func (ft *fakeTransport) Connect(ctx context.Context) error {
	s := ft.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connects <= s.failFirst {
		return fmt.Errorf("%s refused connection %d", s.name, s.connects)
	}
	ft.connected.Store(true)
	s.transports = append(s.transports, ft)
	return nil
}

func (ft *fakeTransport) Close() error {
	ft.closeOnce.Do(func() {
		ft.connected.Store(false)
		close(ft.done)
	})
	return nil
}

// crash simulates the server process exiting.
func (ft *fakeTransport) crash() { ft.Close() }

func (ft *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !ft.connected.Load() {
		return nil, ErrTransportClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	s := ft.server
	switch method {
	case MethodInitialize:
		return json.Marshal(InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{ListChanged: true}, Logging: &struct{}{}},
			ServerInfo:      ServerInfo{Name: s.name, Version: "0.1"},
		})
	case MethodToolsList:
		var p ListToolsParams
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &p)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		page := 0
		if p.Cursor != "" {
			fmt.Sscanf(p.Cursor, "page-%d", &page)
		}
		result := ListToolsResult{}
		if page < len(s.pages) {
			result.Tools = s.pages[page]
		}
		if page+1 < len(s.pages) {
			result.NextCursor = fmt.Sprintf("page-%d", page+1)
		}
		return json.Marshal(result)
	case MethodToolsCall:
		var p CallToolParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		h, ok := s.handlers[p.Name]
		s.mu.Unlock()
		if !ok {
			return nil, &JSONRPCError{Code: ErrCodeToolNotFound, Message: "unknown tool " + p.Name}
		}
		result, err := h(ctx, ft, p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	default:
		return nil, &JSONRPCError{Code: ErrCodeMethodNotFound, Message: method}
	}
}

func (ft *fakeTransport) Notify(ctx context.Context, method string, params any) error { return nil }

func (ft *fakeTransport) Events() <-chan *JSONRPCNotification { return ft.events }

func (ft *fakeTransport) Requests() <-chan *JSONRPCRequest { return ft.requests }

func (ft *fakeTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	resp, err := buildResponse(id, result, rpcErr)
	if err != nil {
		return err
	}
	ft.mu.Lock()
	ch, ok := ft.waiting[fmt.Sprint(id)]
	delete(ft.waiting, fmt.Sprint(id))
	ft.mu.Unlock()
	if ok {
		ch <- *resp
	}
	return nil
}

func (ft *fakeTransport) Connected() bool { return ft.connected.Load() }

func (ft *fakeTransport) Done() <-chan struct{} { return ft.done }

// notify sends a server notification to the registry.
func (ft *fakeTransport) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	ft.events <- &JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: raw}
}

// request sends a server request and waits for the registry's answer.
func (ft *fakeTransport) request(ctx context.Context, method string, params any) (JSONRPCResponse, error) {
	raw, _ := json.Marshal(params)
	id := fmt.Sprintf("srv-%d", ft.nextID.Add(1))
	ch := make(chan JSONRPCResponse, 1)
	ft.mu.Lock()
	ft.waiting[id] = ch
	ft.mu.Unlock()

	ft.requests <- &JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return JSONRPCResponse{}, ctx.Err()
	}
}

// fakeFleet maps server names to fake servers.
type fakeFleet map[string]*fakeServer

func (f fakeFleet) factory(cfg *ServerConfig, _ *slog.Logger) Transport {
	return &fakeTransport{
		server:   f[cfg.Name],
		events:   make(chan *JSONRPCNotification, 16),
		requests: make(chan *JSONRPCRequest, 16),
		done:     make(chan struct{}),
		waiting:  make(map[string]chan JSONRPCResponse),
	}
}

func fastReconnect() backoff.Policy {
	return backoff.Policy{Base: time.Millisecond, Multiplier: 2, Cap: 5 * time.Millisecond}
}

func startRegistry(t *testing.T, fleet fakeFleet, reconnect backoff.Policy, opts ...Option) *Registry {
	t.Helper()
	cfg := Config{Reconnect: reconnect}
	for name := range fleet {
		cfg.Servers = append(cfg.Servers, ServerConfig{Name: name, Command: "fake-" + name})
	}
	opts = append(opts, WithTransportFactory(fleet.factory))
	reg, err := NewRegistry(cfg, opts...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func textResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: text}}}
}

func TestNewRegistryRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "duplicate server",
			cfg:     Config{Servers: []ServerConfig{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}},
			wantErr: "duplicate",
		},
		{
			name:    "invalid server",
			cfg:     Config{Servers: []ServerConfig{{Name: "a#b", Command: "x"}}},
			wantErr: "must not contain",
		},
		{
			name:    "invalid reconnect",
			cfg:     Config{Reconnect: backoff.Policy{Multiplier: 0.5}},
			wantErr: "multiplier",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("NewRegistry() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryListsPaginatedFunctions(t *testing.T) {
	files := newFakeServer("files")
	files.setPages(
		[]*MCPTool{{Name: "write"}, {Name: "read", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)}},
		[]*MCPTool{{Name: "delete"}},
	)
	reg := startRegistry(t, fakeFleet{"files": files}, fastReconnect())

	var names []string
	for _, fn := range reg.Functions(agent.Identity{UserID: "u"}) {
		names = append(names, fn.Name)
	}
	if got := strings.Join(names, ","); got != "files#delete,files#read,files#write" {
		t.Fatalf("Functions() = %s", got)
	}

	spec, ok := reg.LookupFunction("files#read")
	if !ok || spec.Server != "files" || spec.Description != "Read a file" {
		t.Fatalf("LookupFunction() = %+v, %v", spec, ok)
	}
	if spec, _ := reg.LookupFunction("files#write"); string(spec.InputSchema) != `{"type":"object"}` {
		t.Errorf("missing schema not defaulted: %s", spec.InputSchema)
	}
	if _, ok := reg.LookupFunction("files#missing"); ok {
		t.Error("LookupFunction() found a missing function")
	}
	if _, ok := reg.LookupFunction("nowhere#read"); ok {
		t.Error("LookupFunction() found a function on an unknown server")
	}

	catalog := reg.Catalog(agent.Identity{UserID: "u"})
	if len(catalog) != 1 || catalog[0].Server != "files" || len(catalog[0].Functions) != 3 {
		t.Fatalf("Catalog() = %+v", catalog)
	}
	if len(reg.Functions(agent.Identity{AuthorizedServers: []string{"search"}})) != 0 {
		t.Error("unauthorized server listed")
	}

	status := reg.Status()
	if len(status) != 1 || status[0].State != StateReady || status[0].Functions != 3 || status[0].Server.Name != "files" {
		t.Fatalf("Status() = %+v", status)
	}
	if !status[0].Capabilities.ListChanged || !status[0].Capabilities.Logging || status[0].Capabilities.Sampling {
		t.Errorf("capabilities = %+v", status[0].Capabilities)
	}
}

func TestRegistryInvokeFunction(t *testing.T) {
	files := newFakeServer("files", "read", "fail", "image", "refuse")
	files.handle("read", func(_ context.Context, _ *fakeTransport, p CallToolParams) (*ToolCallResult, error) {
		return &ToolCallResult{Content: []ToolResultContent{
			{Type: "text", Text: "line 1"},
			{Type: "text", Text: "line 2 " + string(p.Arguments)},
		}}, nil
	})
	files.handle("fail", func(context.Context, *fakeTransport, CallToolParams) (*ToolCallResult, error) {
		return &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "disk full"}}, IsError: true}, nil
	})
	files.handle("image", func(context.Context, *fakeTransport, CallToolParams) (*ToolCallResult, error) {
		return &ToolCallResult{Content: []ToolResultContent{{Type: "image", Data: "AAAA", MimeType: "image/png"}}}, nil
	})
	files.handle("refuse", func(context.Context, *fakeTransport, CallToolParams) (*ToolCallResult, error) {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "path must be absolute"}
	})
	reg := startRegistry(t, fakeFleet{"files": files}, fastReconnect())
	ctx := context.Background()

	tests := []struct {
		name        string
		tool        string
		wantContent string
		wantIsError bool
	}{
		{"text joined", "files#read", "line 1\nline 2 {\"path\":\"/a\"}", false},
		{"tool logic fault", "files#fail", "disk full", true},
		{"non-text content", "files#image", `{"content":[{"type":"image","data":"AAAA","mimeType":"image/png"}]}`, false},
		{"server refusal", "files#refuse", "path must be absolute", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.InvokeFunction(ctx, tt.tool, json.RawMessage(`{"path":"/a"}`), agent.InvocationHooks{CallID: "c1"})
			if err != nil {
				t.Fatalf("InvokeFunction() error = %v", err)
			}
			if res.Content != tt.wantContent || res.IsError != tt.wantIsError {
				t.Fatalf("result = %+v", res)
			}
		})
	}

	if _, err := reg.InvokeFunction(ctx, "ghost#read", nil, agent.InvocationHooks{}); !errors.Is(err, agent.ErrToolNotFound) {
		t.Fatalf("unknown server error = %v", err)
	}
}

func TestRegistryRoutesOutOfBandTrafficPerServer(t *testing.T) {
	fleet := fakeFleet{}
	for _, name := range []string{"alpha", "beta"} {
		srv := newFakeServer(name, "ask")
		srv.handle("ask", func(ctx context.Context, ft *fakeTransport, p CallToolParams) (*ToolCallResult, error) {
			token := tokenString(p.Meta.ProgressToken)
			ft.notify(MethodProgress, ProgressParams{ProgressToken: token, Progress: 1, Total: 2, Message: "asking"})
			resp, err := ft.request(ctx, MethodElicitation, ElicitRequest{Message: "who are you?"})
			if err != nil {
				return nil, err
			}
			var answer ElicitResult
			if err := json.Unmarshal(resp.Result, &answer); err != nil {
				return nil, err
			}
			return textResult(fmt.Sprintf("%s got %s/%v", ft.server.name, answer.Action, answer.Content["who"])), nil
		})
		fleet[name] = srv
	}
	reg := startRegistry(t, fleet, fastReconnect())

	type outcome struct {
		content  string
		progress []string
	}
	results := make(map[string]outcome)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var progress []string
			var pmu sync.Mutex
			var seenOnce sync.Once
			progressSeen := make(chan struct{})
			hooks := agent.InvocationHooks{
				CallID: "call_" + name,
				OnProgress: func(p, total float64, msg string) {
					pmu.Lock()
					progress = append(progress, fmt.Sprintf("%s %.0f/%.0f", msg, p, total))
					pmu.Unlock()
					seenOnce.Do(func() { close(progressSeen) })
				},
				OnElicitation: func(payload models.ElicitationEventPayload) {
					// Answer from another goroutine, as a client would,
					// after the earlier progress update has landed.
					go func() {
						select {
						case <-progressSeen:
						case <-time.After(time.Second):
						}
						if payload.Server != name || payload.CallID != "call_"+name {
							_ = reg.RespondElicitation(payload.RequestID, ElicitationResponse{Action: ElicitDecline})
							return
						}
						_ = reg.RespondElicitation(payload.RequestID, ElicitationResponse{
							Action:  ElicitAccept,
							Content: map[string]any{"who": "user-of-" + name},
						})
					}()
				},
			}
			res, err := reg.InvokeFunction(context.Background(), name+"#ask", json.RawMessage(`{}`), hooks)
			if err != nil {
				t.Errorf("%s: InvokeFunction() error = %v", name, err)
				return
			}
			pmu.Lock()
			defer pmu.Unlock()
			mu.Lock()
			results[name] = outcome{content: res.Content, progress: append([]string(nil), progress...)}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, name := range []string{"alpha", "beta"} {
		got := results[name]
		if want := name + " got accept/user-of-" + name; got.content != want {
			t.Errorf("%s content = %q, want %q", name, got.content, want)
		}
		if len(got.progress) != 1 || got.progress[0] != "asking 1/2" {
			t.Errorf("%s progress = %v", name, got.progress)
		}
	}
}

func TestRegistryDeclinesElicitationWithoutCaller(t *testing.T) {
	forms := newFakeServer("forms")
	startRegistry(t, fakeFleet{"forms": forms}, fastReconnect())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := forms.latest().request(ctx, MethodElicitation, ElicitRequest{Message: "anyone?"})
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	var answer ElicitResult
	if err := json.Unmarshal(resp.Result, &answer); err != nil || answer.Action != ElicitDecline {
		t.Fatalf("answer = %s (%v)", resp.Result, err)
	}
}

func TestRegistrySampling(t *testing.T) {
	srv := newFakeServer("writer", "draft")
	srv.handle("draft", func(ctx context.Context, ft *fakeTransport, p CallToolParams) (*ToolCallResult, error) {
		resp, err := ft.request(ctx, MethodSampling, SamplingRequest{
			SystemPrompt: "be brief",
			Messages:     []SamplingMessage{{Role: "user", Content: MessageContent{Type: "text", Text: "summarize"}}},
			Meta:         &RequestMeta{ProgressToken: p.Meta.ProgressToken},
		})
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return textResult("error: " + resp.Error.Message), nil
		}
		var out SamplingResponse
		if err := json.Unmarshal(resp.Result, &out); err != nil {
			return nil, err
		}
		return textResult(out.Model + ": " + out.Content.Text), nil
	})

	var seen agent.SamplingRequest
	registryLevel := agent.SamplerFunc(func(_ context.Context, req agent.SamplingRequest) (*agent.SamplingResult, error) {
		seen = req
		return &agent.SamplingResult{Text: "default answer", Model: "default-model"}, nil
	})
	reg := startRegistry(t, fakeFleet{"writer": srv}, fastReconnect())
	ctx := context.Background()

	res, err := reg.InvokeFunction(ctx, "writer#draft", nil, agent.InvocationHooks{CallID: "c1"})
	if err != nil || res.Content != "error: sampling is not supported" {
		t.Fatalf("without sampler = %+v, %v", res, err)
	}

	reg.SetSampler(registryLevel)
	res, err = reg.InvokeFunction(ctx, "writer#draft", nil, agent.InvocationHooks{CallID: "c2"})
	if err != nil || res.Content != "default-model: default answer" {
		t.Fatalf("registry sampler = %+v, %v", res, err)
	}
	if seen.Server != "writer" || seen.System != "be brief" || len(seen.Messages) != 1 || seen.Messages[0].Content != "summarize" {
		t.Fatalf("sampling request = %+v", seen)
	}

	perCall := agent.SamplerFunc(func(context.Context, agent.SamplingRequest) (*agent.SamplingResult, error) {
		return &agent.SamplingResult{Text: "bound answer", Model: "bound-model"}, nil
	})
	res, err = reg.InvokeFunction(ctx, "writer#draft", nil, agent.InvocationHooks{CallID: "c3", Sampler: perCall})
	if err != nil || res.Content != "bound-model: bound answer" {
		t.Fatalf("bound sampler = %+v, %v", res, err)
	}
	if !reg.Status()[0].Capabilities.Sampling {
		t.Error("sampling capability not reported")
	}
}

func TestRegistryLogLinesReachCaller(t *testing.T) {
	srv := newFakeServer("indexer", "index")
	delivered := make(chan string, 1)
	srv.handle("index", func(ctx context.Context, ft *fakeTransport, _ CallToolParams) (*ToolCallResult, error) {
		ft.notify(MethodLogMessage, LogMessageParams{Level: "info", Data: json.RawMessage(`"scanning"`)})
		select {
		case msg := <-delivered:
			return textResult("saw " + msg), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	reg := startRegistry(t, fakeFleet{"indexer": srv}, fastReconnect())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := reg.InvokeFunction(ctx, "indexer#index", nil, agent.InvocationHooks{
		CallID:     "c1",
		OnProgress: func(_, _ float64, msg string) { delivered <- msg },
	})
	if err != nil || res.Content != "saw scanning" {
		t.Fatalf("InvokeFunction() = %+v, %v", res, err)
	}
}

func TestRegistryRefreshesOnListChanged(t *testing.T) {
	srv := newFakeServer("files", "read")
	reg := startRegistry(t, fakeFleet{"files": srv}, fastReconnect())

	srv.setPages([]*MCPTool{{Name: "read"}, {Name: "stat"}})
	srv.latest().notify(MethodToolsListChanged, struct{}{})

	eventually(t, "refreshed tool list", func() bool {
		_, ok := reg.LookupFunction("files#stat")
		return ok
	})
}

func TestRegistryRetriesInitialConnect(t *testing.T) {
	flaky := newFakeServer("flaky", "ping")
	flaky.failFirst = 2
	steady := newFakeServer("steady", "ping")
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	reg := startRegistry(t, fakeFleet{"flaky": flaky, "steady": steady}, fastReconnect(), WithMetrics(metrics))

	if _, ok := reg.LookupFunction("steady#ping"); !ok {
		t.Fatal("healthy server blocked by a failing one")
	}
	eventually(t, "flaky server ready", func() bool {
		_, ok := reg.LookupFunction("flaky#ping")
		return ok
	})

	if got := flaky.connectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.MCPReconnects.WithLabelValues("flaky")); got != 2 {
		t.Errorf("reconnect metric = %v, want 2", got)
	}
	eventually(t, "session up gauge", func() bool {
		return testutil.ToFloat64(metrics.MCPSessionUp.WithLabelValues("flaky")) == 1
	})
	for _, st := range reg.Status() {
		if st.Name == "flaky" && (st.State != StateReady || st.Attempts != 3 || st.LastError != "") {
			t.Errorf("flaky status = %+v", st)
		}
	}
}

func TestRegistryReconnectsAfterConnectionLoss(t *testing.T) {
	srv := newFakeServer("files", "read")
	srv.handle("read", func(context.Context, *fakeTransport, CallToolParams) (*ToolCallResult, error) {
		return textResult("ok"), nil
	})
	reg := startRegistry(t, fakeFleet{"files": srv}, fastReconnect())
	first := srv.latest()

	first.crash()
	eventually(t, "new transport", func() bool {
		return srv.latest() != first && reg.Status()[0].State == StateReady
	})

	res, err := reg.InvokeFunction(context.Background(), "files#read", nil, agent.InvocationHooks{CallID: "c"})
	if err != nil || res.Content != "ok" {
		t.Fatalf("call after reconnect = %+v, %v", res, err)
	}
	if got := srv.connectCount(); got != 2 {
		t.Errorf("connects = %d, want 2", got)
	}
}

func TestRegistryGivesUpAfterMaxAttempts(t *testing.T) {
	dead := newFakeServer("dead", "ping")
	dead.failFirst = 100
	policy := fastReconnect()
	policy.MaxAttempts = 3
	reg := startRegistry(t, fakeFleet{"dead": dead}, policy)

	eventually(t, "failed state", func() bool { return reg.Status()[0].State == StateFailed })
	st := reg.Status()[0]
	if st.Attempts != 3 || !strings.Contains(st.LastError, "refused connection 3") {
		t.Fatalf("status = %+v", st)
	}
	_, err := reg.InvokeFunction(context.Background(), "dead#ping", nil, agent.InvocationHooks{})
	if !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("InvokeFunction() error = %v", err)
	}
}

func TestRegistrySkipsDisabledServers(t *testing.T) {
	off := newFakeServer("off", "ping")
	reg, err := NewRegistry(Config{Servers: []ServerConfig{{Name: "off", Command: "x", Disabled: true}}},
		WithTransportFactory(fakeFleet{"off": off}.factory))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer reg.Close()

	if off.connectCount() != 0 {
		t.Fatal("disabled server was connected")
	}
	if st := reg.Status()[0]; st.State != StateDisabled {
		t.Fatalf("status = %+v", st)
	}
	if err := reg.Start(context.Background()); err == nil {
		t.Fatal("second Start() succeeded")
	}
}

// answeringSink answers every elicitation after a delay, like a user
// filling in a form.
type answeringSink struct {
	reg   *Registry
	delay time.Duration
}

func (s *answeringSink) Emit(_ context.Context, e models.AgentEvent) {
	if e.Type != models.AgentEventElicitationRequested || e.Elicitation == nil {
		return
	}
	id := e.Elicitation.RequestID
	go func() {
		time.Sleep(s.delay)
		_ = s.reg.RespondElicitation(id, ElicitationResponse{Action: ElicitAccept, Content: map[string]any{"name": "Ada"}})
	}()
}

func TestRegistryElicitationOutlastsToolTimeout(t *testing.T) {
	forms := newFakeServer("forms", "signup")
	forms.handle("signup", func(ctx context.Context, ft *fakeTransport, p CallToolParams) (*ToolCallResult, error) {
		resp, err := ft.request(ctx, MethodElicitation, ElicitRequest{
			Meta:    &RequestMeta{ProgressToken: p.Meta.ProgressToken},
			Message: "Your name?",
		})
		if err != nil {
			return nil, err
		}
		var answer ElicitResult
		if err := json.Unmarshal(resp.Result, &answer); err != nil {
			return nil, err
		}
		return textResult(fmt.Sprintf("%s:%v", answer.Action, answer.Content["name"])), nil
	})
	reg := startRegistry(t, fakeFleet{"forms": forms}, fastReconnect())

	engine := agent.NewToolEngine(reg, nil, agent.ToolExecConfig{PerToolTimeout: 200 * time.Millisecond})
	rc := &agent.RunContext{
		Identity: agent.Identity{UserID: "u1"},
		Emitter:  agent.NewEventEmitter("run-1", "conv-1", &answeringSink{reg: reg, delay: 500 * time.Millisecond}),
		Stop:     agent.NewStopSignal(),
	}
	calls := []models.ToolCall{{ID: "call_1", Name: "forms#signup", Input: json.RawMessage(`{}`)}}

	r := engine.ExecuteTools(context.Background(), calls, rc)[0]
	if !r.Success || r.Content != "accept:Ada" {
		t.Fatalf("result = %+v", r)
	}
	if pending := reg.Router().PendingElicitations(); len(pending) != 0 {
		t.Fatalf("pending elicitations = %v", pending)
	}
}
