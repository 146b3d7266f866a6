package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPTransport implements the MCP HTTP transport. Requests are POSTed as
// JSON-RPC; server-initiated traffic arrives over a Server-Sent Events
// stream at URL+"/sse" or inline in an event-stream POST response.
type HTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	sessionID atomic.Value // string
	sseRetry  time.Duration

	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(cfg *ServerConfig, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		config:   cfg,
		logger:   logger.With("mcp_server", cfg.Name, "transport", "http"),
		client:   &http.Client{},
		sseRetry: 5 * time.Second,
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 100),
		done:     make(chan struct{}),
	}
}

// Connect starts the SSE listener. Reachability is proven by the session's
// initialize call, not here.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for HTTP transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.connected.Store(true)
	t.logger.Info("HTTP transport ready", "url", t.config.URL)

	t.wg.Add(1)
	go t.sseLoop(loopCtx)
	return nil
}

// Close stops the SSE listener. It is safe to call more than once.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		if t.cancel != nil {
			t.cancel()
		}
		close(t.done)
	})
	t.wg.Wait()
	return nil
}

// Call sends a request and waits for a response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	id := uuid.NewString()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	var err error
	if req.Params, err = marshalParams(params); err != nil {
		return nil, err
	}

	ctx, cancel := t.config.requestContext(ctx, method)
	defer cancel()
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.sessionID.Store(sid)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpcResp *JSONRPCResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpcResp, err = t.awaitStreamedResponse(resp.Body, id)
	} else {
		rpcResp = &JSONRPCResponse{}
		err = json.NewDecoder(resp.Body).Decode(rpcResp)
	}
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// awaitStreamedResponse reads an event-stream POST response until the
// reply to id arrives, dispatching interleaved server traffic.
func (t *HTTPTransport) awaitStreamedResponse(body io.Reader, id string) (*JSONRPCResponse, error) {
	var result *JSONRPCResponse
	err := readEventStream(body, func(data []byte) bool {
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			return true
		}
		if env.Method != "" {
			t.dispatch(env)
			return true
		}
		if fmt.Sprint(env.ID) == id {
			result = &JSONRPCResponse{JSONRPC: env.JSONRPC, ID: env.ID, Result: env.Result, Error: env.Error}
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("event stream ended without a response")
	}
	return result, nil
}

// Notify sends a notification (no response expected).
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}
	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	var err error
	if notif.Params, err = marshalParams(params); err != nil {
		return err
	}
	ctx, cancel := t.config.requestContext(ctx, method)
	defer cancel()
	resp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Respond sends a response to a server-initiated request.
func (t *HTTPTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}
	msg, err := buildResponse(id, result, rpcErr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.config.requestTimeout())
	defer cancel()
	resp, err := t.post(ctx, msg)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.setHeaders(httpReq)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

func (t *HTTPTransport) setHeaders(req *http.Request) {
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	if sid, _ := t.sessionID.Load().(string); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
}

// Events returns the notification channel.
func (t *HTTPTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Requests returns the request channel.
func (t *HTTPTransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Connected returns whether the transport is connected.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// Done is closed by Close.
func (t *HTTPTransport) Done() <-chan struct{} {
	return t.done
}

// sseLoop keeps a Server-Sent Events stream open, reconnecting after
// sseRetry whenever it drops.
func (t *HTTPTransport) sseLoop(ctx context.Context) {
	defer t.wg.Done()

	sseURL := strings.TrimSuffix(t.config.URL, "/") + "/sse"
	for {
		t.connectSSE(ctx, sseURL)

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.sseRetry):
		}
	}
}

func (t *HTTPTransport) connectSSE(ctx context.Context, sseURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		t.logger.Debug("failed to create SSE request", "error", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("SSE connection failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("SSE returned non-200", "status", resp.StatusCode)
		return
	}
	t.logger.Debug("SSE connected", "url", sseURL)

	err = readEventStream(resp.Body, func(data []byte) bool {
		var env envelope
		if json.Unmarshal(data, &env) == nil && env.Method != "" {
			t.dispatch(env)
		}
		return ctx.Err() == nil
	})
	if err != nil && ctx.Err() == nil {
		t.logger.Debug("SSE stream error", "error", err)
	}
}

// dispatch routes a server-initiated message to its channel.
func (t *HTTPTransport) dispatch(env envelope) {
	if env.ID != nil {
		req := &JSONRPCRequest{JSONRPC: env.JSONRPC, ID: env.ID, Method: env.Method, Params: env.Params}
		select {
		case t.requests <- req:
		default:
			t.logger.Warn("request channel full, dropping", "method", env.Method)
		}
		return
	}
	notif := &JSONRPCNotification{JSONRPC: env.JSONRPC, Method: env.Method, Params: env.Params}
	select {
	case t.events <- notif:
	default:
		t.logger.Warn("notification channel full, dropping", "method", env.Method)
	}
}

// readEventStream calls fn with the data of every event until fn returns
// false or the stream ends. Multi-line data fields are joined with "\n".
func readEventStream(r io.Reader, fn func(data []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if !fn(data) {
					return nil
				}
				data = nil
			}
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
		}
	}
	if len(data) > 0 {
		fn(data)
	}
	return scanner.Err()
}
