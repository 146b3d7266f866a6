package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrServerUnavailable is returned for calls on a server without a live
// connection.
var ErrServerUnavailable = errors.New("tool server unavailable")

// maxToolPages stops a server that keeps returning cursors.
const maxToolPages = 100

// SessionState is the connection state of a tool session.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateConnecting   SessionState = "connecting"
	StateReady        SessionState = "ready"
	StateReconnecting SessionState = "reconnecting"
	StateFailed       SessionState = "failed"
	StateDisabled     SessionState = "disabled"
	StateClosed       SessionState = "closed"
)

// Session is the long-lived session with one tool server. It survives
// reconnects; only its transport is replaced.
type Session struct {
	config       *ServerConfig
	logger       *slog.Logger
	newTransport TransportFactory

	mu           sync.RWMutex
	transport    Transport
	tools        []*MCPTool
	serverInfo   ServerInfo
	capabilities ServerCapabilities
	state        SessionState
	attempts     int
	lastErr      error
	connectedAt  time.Time
}

func newSession(cfg *ServerConfig, factory TransportFactory, logger *slog.Logger) *Session {
	state := StateIdle
	if cfg.Disabled {
		state = StateDisabled
	}
	return &Session{
		config:       cfg,
		logger:       logger.With("mcp_server", cfg.Name),
		newTransport: factory,
		state:        state,
	}
}

// Name returns the server name.
func (s *Session) Name() string {
	return s.config.Name
}

// connect opens a fresh transport, performs the initialize handshake and
// lists the server's tools.
func (s *Session) connect(ctx context.Context) (Transport, error) {
	t := s.newTransport(s.config, s.logger)
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("transport connect: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, s.config.requestTimeout())
	defer cancel()

	raw, err := t.Call(initCtx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ClientCapabilities{
			Sampling:    &struct{}{},
			Elicitation: &struct{}{},
		},
		ClientInfo: ClientInfo{Name: "conductor", Version: "1.0.0"},
	})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var init InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		t.Close()
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}
	if err := t.Notify(initCtx, MethodInitialized, nil); err != nil {
		s.logger.Warn("failed to send initialized notification", "error", err)
	}

	tools, err := listTools(initCtx, t)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	s.mu.Lock()
	s.transport = t
	s.tools = tools
	s.serverInfo = init.ServerInfo
	s.capabilities = init.Capabilities
	s.state = StateReady
	s.lastErr = nil
	s.connectedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("connected to MCP server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion,
		"tools", len(tools))
	return t, nil
}

// listTools follows nextCursor until the server stops paginating.
func listTools(ctx context.Context, t Transport) ([]*MCPTool, error) {
	var (
		all    []*MCPTool
		cursor string
		seen   = make(map[string]bool)
	)
	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}
		raw, err := t.Call(ctx, MethodToolsList, params)
		if err != nil {
			return nil, err
		}
		var resp ListToolsResult
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("parse tools/list result: %w", err)
		}
		for _, tool := range resp.Tools {
			if tool != nil && tool.Name != "" {
				all = append(all, tool)
			}
		}
		if resp.NextCursor == "" || seen[resp.NextCursor] {
			break
		}
		seen[resp.NextCursor] = true
		cursor = resp.NextCursor
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// refreshTools re-lists the tools after a list_changed notification.
func (s *Session) refreshTools(ctx context.Context) error {
	t := s.current()
	if t == nil {
		return ErrServerUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.requestTimeout())
	defer cancel()

	tools, err := listTools(ctx, t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.transport == t {
		s.tools = tools
	}
	s.mu.Unlock()
	s.logger.Debug("refreshed tools", "count", len(tools))
	return nil
}

// callTool calls a tool. A non-empty progressToken asks the server for
// progress notifications carrying it.
func (s *Session) callTool(ctx context.Context, name string, arguments json.RawMessage, progressToken string) (*ToolCallResult, error) {
	t := s.current()
	if t == nil || !t.Connected() {
		return nil, fmt.Errorf("%s: %w", s.Name(), ErrServerUnavailable)
	}

	params := CallToolParams{Name: name, Arguments: arguments}
	if progressToken != "" {
		params.Meta = &RequestMeta{ProgressToken: progressToken}
	}
	raw, err := t.Call(ctx, MethodToolsCall, params)
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &result, nil
}

func (s *Session) current() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// tool returns the named tool, if the session is connected and lists it.
func (s *Session) tool(name string) (*MCPTool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transport == nil {
		return nil, false
	}
	i := sort.Search(len(s.tools), func(i int) bool { return s.tools[i].Name >= name })
	if i < len(s.tools) && s.tools[i].Name == name {
		return s.tools[i], true
	}
	return nil, false
}

// Tools returns the cached tools of a connected session.
func (s *Session) Tools() []*MCPTool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transport == nil {
		return nil
	}
	return append([]*MCPTool(nil), s.tools...)
}

func (s *Session) disconnect(t Transport, cause error, next SessionState) {
	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
		s.state = next
		if cause != nil {
			s.lastErr = cause
		}
	}
	s.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

func (s *Session) setState(state SessionState, attempt int, err error) {
	s.mu.Lock()
	s.state = state
	if attempt > 0 {
		s.attempts = attempt
	}
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// SessionCapabilities summarizes what a session can do.
type SessionCapabilities struct {
	Functions   bool `json:"functions"`
	ListChanged bool `json:"list_changed"`
	Logging     bool `json:"logging"`
	Elicitation bool `json:"elicitation"`
	Sampling    bool `json:"sampling"`
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	Name         string              `json:"name"`
	Transport    TransportType       `json:"transport"`
	State        SessionState        `json:"state"`
	Attempts     int                 `json:"attempts"`
	LastError    string              `json:"last_error,omitempty"`
	Functions    int                 `json:"functions"`
	Server       ServerInfo          `json:"server"`
	Capabilities SessionCapabilities `json:"capabilities"`
	ConnectedAt  time.Time           `json:"connected_at,omitempty"`
}

func (s *Session) status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transport := s.config.Transport
	if transport == "" {
		transport = TransportStdio
	}
	st := SessionStatus{
		Name:      s.config.Name,
		Transport: transport,
		State:     s.state,
		Attempts:  s.attempts,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.transport != nil {
		st.Functions = len(s.tools)
		st.Server = s.serverInfo
		st.ConnectedAt = s.connectedAt
		st.Capabilities = SessionCapabilities{
			Functions:   s.capabilities.Tools != nil || len(s.tools) > 0,
			ListChanged: s.capabilities.Tools != nil && s.capabilities.Tools.ListChanged,
			Logging:     s.capabilities.Logging != nil,
			Elicitation: true,
		}
	}
	return st
}
