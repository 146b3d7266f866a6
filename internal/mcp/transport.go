package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Transport defines the interface for MCP transports. A transport carries
// one connection; sessions create a fresh transport for every reconnect.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response. A server-side error
	// object is returned as *JSONRPCError.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel for receiving notifications from the server.
	Events() <-chan *JSONRPCNotification

	// Requests returns a channel for receiving server-initiated requests.
	Requests() <-chan *JSONRPCRequest

	// Respond sends a response to a server-initiated request.
	Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error

	// Connected returns whether the transport is connected.
	Connected() bool

	// Done is closed once the connection is lost or closed.
	Done() <-chan struct{}
}

// TransportFactory builds an unconnected transport for a server.
type TransportFactory func(cfg *ServerConfig, logger *slog.Logger) Transport

// NewTransport creates a new transport based on the server configuration.
func NewTransport(cfg *ServerConfig, logger *slog.Logger) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg, logger)
	default:
		return NewStdioTransport(cfg, logger)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

func buildResponse(id any, result any, rpcErr *JSONRPCError) (*JSONRPCResponse, error) {
	resp := &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	}
	if rpcErr == nil {
		if result == nil {
			result = struct{}{}
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}
	return resp, nil
}
