package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewTransport(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"stdio", ServerConfig{Name: "a", Transport: TransportStdio, Command: "echo"}, "stdio"},
		{"http", ServerConfig{Name: "a", Transport: TransportHTTP, URL: "https://example.com/mcp"}, "http"},
		{"default is stdio", ServerConfig{Name: "a", Command: "echo"}, "stdio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			var got string
			switch NewTransport(&cfg, nil).(type) {
			case *StdioTransport:
				got = "stdio"
			case *HTTPTransport:
				got = "http"
			}
			if got != tt.want {
				t.Fatalf("NewTransport() kind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransportsRefuseWhenNotConnected(t *testing.T) {
	ctx := context.Background()
	transports := map[string]Transport{
		"stdio": NewStdioTransport(&ServerConfig{Name: "a", Command: "echo"}, nil),
		"http":  NewHTTPTransport(&ServerConfig{Name: "a", URL: "http://127.0.0.1:1"}, nil),
	}
	for name, tr := range transports {
		t.Run(name, func(t *testing.T) {
			if tr.Connected() {
				t.Fatal("new transport reports connected")
			}
			if _, err := tr.Call(ctx, MethodPing, nil); !errors.Is(err, ErrTransportClosed) {
				t.Errorf("Call() error = %v", err)
			}
			if err := tr.Notify(ctx, MethodInitialized, nil); !errors.Is(err, ErrTransportClosed) {
				t.Errorf("Notify() error = %v", err)
			}
			if err := tr.Respond(ctx, 1, nil, nil); !errors.Is(err, ErrTransportClosed) {
				t.Errorf("Respond() error = %v", err)
			}
		})
	}
}

func TestTransportsConnectRequireTarget(t *testing.T) {
	ctx := context.Background()
	if err := NewStdioTransport(&ServerConfig{Name: "a"}, nil).Connect(ctx); err == nil {
		t.Error("stdio Connect() without command succeeded")
	}
	if err := NewHTTPTransport(&ServerConfig{Name: "a"}, nil).Connect(ctx); err == nil {
		t.Error("http Connect() without URL succeeded")
	}
}

// pipedStdio wires a StdioTransport to in-memory pipes. The returned
// scanner reads what the transport writes; the writer feeds its stdout.
func pipedStdio(t *testing.T) (*StdioTransport, *bufio.Scanner, io.WriteCloser) {
	t.Helper()
	fromClient, toServer := io.Pipe()
	fromServer, toClient := io.Pipe()

	tr := NewStdioTransport(&ServerConfig{Name: "fake", Command: "unused", Timeout: 2 * time.Second}, nil)
	tr.attach(toServer, fromServer)
	t.Cleanup(func() {
		toClient.Close()
		tr.Close()
		fromClient.Close()
	})
	return tr, bufio.NewScanner(fromClient), toClient
}

func TestStdioTransportRoundTrip(t *testing.T) {
	tr, serverIn, serverOut := pipedStdio(t)

	go func() {
		if !serverIn.Scan() {
			return
		}
		var req JSONRPCRequest
		if err := json.Unmarshal(serverIn.Bytes(), &req); err != nil {
			return
		}
		fmt.Fprintln(serverOut, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hi"}}`)
		fmt.Fprintln(serverOut, `{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`)
		id, _ := json.Marshal(req.ID)
		fmt.Fprintf(serverOut, `{"jsonrpc":"2.0","id":%s,"result":{"method":%q}}`+"\n", id, req.Method)
	}()

	result, err := tr.Call(context.Background(), MethodToolsList, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(result) != `{"method":"tools/list"}` {
		t.Fatalf("result = %s", result)
	}

	select {
	case n := <-tr.Events():
		if n.Method != MethodLogMessage {
			t.Errorf("event method = %q", n.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	var req *JSONRPCRequest
	select {
	case req = <-tr.Requests():
	case <-time.After(time.Second):
		t.Fatal("server request not delivered")
	}
	if req.Method != MethodPing || req.ID != "srv-1" {
		t.Fatalf("request = %+v", req)
	}

	respErr := make(chan error, 1)
	go func() { respErr <- tr.Respond(context.Background(), req.ID, map[string]int{"x": 1}, nil) }()
	if !serverIn.Scan() {
		t.Fatal("response not written")
	}
	if got := serverIn.Text(); !strings.Contains(got, `"id":"srv-1"`) || !strings.Contains(got, `"result":{"x":1}`) {
		t.Fatalf("response line = %s", got)
	}
	if err := <-respErr; err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
}

func TestStdioTransportServerError(t *testing.T) {
	tr, serverIn, serverOut := pipedStdio(t)

	go func() {
		if !serverIn.Scan() {
			return
		}
		var req JSONRPCRequest
		_ = json.Unmarshal(serverIn.Bytes(), &req)
		id, _ := json.Marshal(req.ID)
		fmt.Fprintf(serverOut, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"bad args"}}`+"\n", id)
	}()

	_, err := tr.Call(context.Background(), MethodToolsCall, CallToolParams{Name: "x"})
	var rpcErr *JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() error = %v, want *JSONRPCError", err)
	}
	if rpcErr.Code != ErrCodeInvalidParams || rpcErr.Message != "bad args" {
		t.Fatalf("rpc error = %+v", rpcErr)
	}
}

func TestStdioTransportDoneWhenServerExits(t *testing.T) {
	tr, _, serverOut := pipedStdio(t)

	serverOut.Close()
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after stdout EOF")
	}
	if tr.Connected() {
		t.Fatal("transport still connected")
	}
	if _, err := tr.Call(context.Background(), MethodPing, nil); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Call() error = %v", err)
	}
}

// fakeHTTPServer speaks enough MCP over HTTP for transport tests.
type fakeHTTPServer struct {
	mu        sync.Mutex
	sessions  []string
	responses []envelope
}

func (f *fakeHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/sse") {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}

	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, r.Header.Get(sessionHeader))
	if env.Method == "" {
		f.responses = append(f.responses, env)
	}
	f.mu.Unlock()

	id, _ := json.Marshal(env.ID)
	switch env.Method {
	case "":
		w.WriteHeader(http.StatusAccepted)
	case MethodInitialize:
		w.Header().Set(sessionHeader, "session-1")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":%q,"capabilities":{},"serverInfo":{"name":"fake","version":"1"}}}`, id, ProtocolVersion)
	case MethodToolsCall:
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"e-1\",\"method\":\"elicitation/create\",\"params\":{\"message\":\"name?\"}}\n\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%s,\n", id)
		fmt.Fprint(w, "data: \"result\":{\"content\":[{\"type\":\"text\",\"text\":\"done\"}]}}\n\n")
	default:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"nope"}}`, id)
	}
}

func TestHTTPTransport(t *testing.T) {
	fake := &fakeHTTPServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr := NewHTTPTransport(&ServerConfig{Name: "web", Transport: TransportHTTP, URL: srv.URL}, nil)
	tr.sseRetry = 10 * time.Millisecond
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Close()

	if _, err := tr.Call(ctx, MethodInitialize, InitializeParams{ProtocolVersion: ProtocolVersion}); err != nil {
		t.Fatalf("initialize error = %v", err)
	}

	result, err := tr.Call(ctx, MethodToolsCall, CallToolParams{Name: "greet"})
	if err != nil {
		t.Fatalf("tools/call error = %v", err)
	}
	var call ToolCallResult
	if err := json.Unmarshal(result, &call); err != nil || len(call.Content) != 1 || call.Content[0].Text != "done" {
		t.Fatalf("tools/call result = %s (%v)", result, err)
	}

	select {
	case req := <-tr.Requests():
		if req.Method != MethodElicitation || req.ID != "e-1" {
			t.Fatalf("request = %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("inline server request not dispatched")
	}

	select {
	case n := <-tr.Events():
		if n.Method != MethodToolsListChanged {
			t.Fatalf("event = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SSE notification not delivered")
	}

	if err := tr.Respond(ctx, "e-1", ElicitResult{Action: ElicitDecline}, nil); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	_, err = tr.Call(ctx, "resources/list", nil)
	var rpcErr *JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeMethodNotFound {
		t.Fatalf("unknown method error = %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sessions) < 2 || fake.sessions[0] != "" || fake.sessions[1] != "session-1" {
		t.Errorf("session headers = %v", fake.sessions)
	}
	if len(fake.responses) != 1 || fake.responses[0].ID != "e-1" || !strings.Contains(string(fake.responses[0].Result), "decline") {
		t.Errorf("responses = %+v", fake.responses)
	}
}

func TestReadEventStream(t *testing.T) {
	stream := strings.Join([]string{
		": comment",
		"event: message",
		"data: one",
		"",
		"data: two",
		"data: lines",
		"",
		"data:three",
	}, "\n")

	var got []string
	if err := readEventStream(strings.NewReader(stream), func(data []byte) bool {
		got = append(got, string(data))
		return true
	}); err != nil {
		t.Fatalf("readEventStream() error = %v", err)
	}
	want := []string{"one", "two\nlines", "three"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events = %q, want %q", got, want)
	}
}
