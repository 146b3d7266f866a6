package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// ErrTransportClosed is returned by calls on a closed or lost connection.
var ErrTransportClosed = errors.New("transport closed")

// StdioTransport implements the MCP stdio transport: newline-delimited
// JSON-RPC over a subprocess's stdin and stdout.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(cfg *ServerConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:   cfg,
		logger:   logger.With("mcp_server", cfg.Name, "transport", "stdio"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 100),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Connect starts the subprocess. The process outlives ctx and is stopped
// by Close.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// #nosec G204 -- command and args are validated operator configuration
	t.process = exec.Command(t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	t.logger.Info("started MCP server process",
		"command", t.config.Command,
		"pid", t.process.Process.Pid)

	t.attach(stdin, stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.logStderr(stderr)
	}
	return nil
}

// attach starts reading from an established stream pair.
func (t *StdioTransport) attach(stdin io.WriteCloser, stdout io.Reader) {
	t.stdin = stdin
	t.connected.Store(true)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	t.wg.Add(1)
	go t.readLoop(scanner)
}

// Close stops the subprocess. It is safe to call more than once.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.stopChan)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			_ = t.process.Process.Kill()
			_ = t.process.Wait()
		}
	})
	t.wg.Wait()
	return nil
}

// Call sends a request and waits for a response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	var err error
	if req.Params, err = marshalParams(params); err != nil {
		return nil, err
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	reqCtx, cancel := t.config.requestContext(ctx, method)
	defer cancel()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-reqCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: request timeout after %v", method, t.config.requestTimeout())
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// Notify sends a notification (no response expected).
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
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
	if err := t.write(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Respond sends a response to a server-initiated request.
func (t *StdioTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}
	resp, err := buildResponse(id, result, rpcErr)
	if err != nil {
		return err
	}
	if err := t.write(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func (t *StdioTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// Events returns the notification channel.
func (t *StdioTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Requests returns the server-initiated request channel.
func (t *StdioTransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Connected returns whether the transport is connected.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// Done is closed when the read loop exits.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

func (t *StdioTransport) readLoop(scanner *bufio.Scanner) {
	defer t.wg.Done()
	defer close(t.done)
	defer t.connected.Store(false)

	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.processLine(line)
	}
	if err := scanner.Err(); err != nil && t.connected.Load() {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// processLine routes one JSON-RPC message: responses to their pending
// call, requests and notifications to their channels.
func (t *StdioTransport) processLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.logger.Warn("ignoring malformed message", "error", err)
		return
	}

	switch {
	case env.Method != "" && env.ID != nil:
		req := &JSONRPCRequest{JSONRPC: env.JSONRPC, ID: env.ID, Method: env.Method, Params: env.Params}
		select {
		case t.requests <- req:
		case <-t.stopChan:
		}
	case env.Method != "":
		notif := &JSONRPCNotification{JSONRPC: env.JSONRPC, Method: env.Method, Params: env.Params}
		select {
		case t.events <- notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", env.Method)
		}
	case env.ID != nil:
		id, ok := responseID(env.ID)
		if !ok {
			t.logger.Warn("unexpected response ID type", "id", env.ID)
			return
		}
		t.pendingMu.Lock()
		ch, found := t.pending[id]
		delete(t.pending, id)
		t.pendingMu.Unlock()
		if found {
			ch <- &JSONRPCResponse{JSONRPC: env.JSONRPC, ID: env.ID, Result: env.Result, Error: env.Error}
		}
	}
}

func responseID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (t *StdioTransport) logStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}
