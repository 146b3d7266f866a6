package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// DefaultElicitationTimeout bounds how long a server waits for a human
// answer before receiving action "cancel".
const DefaultElicitationTimeout = 5 * time.Minute

var (
	// ErrElicitationNotFound indicates a response for an unknown or
	// already answered elicitation.
	ErrElicitationNotFound = errors.New("elicitation request not found")

	// ErrNoBinding indicates no call is in flight on the server.
	ErrNoBinding = errors.New("no caller bound to server")
)

// ElicitationResponse is a human answer to an elicitation request.
type ElicitationResponse struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// binding ties one in-flight call to the caller-side hooks that should
// receive the server's out-of-band traffic.
type binding struct {
	seq   uint64
	hooks agent.InvocationHooks
	done  chan struct{} // closed when the call ends
}

// route is the per-server slice of the routing table.
type route struct {
	mu       sync.Mutex
	seq      uint64
	bindings map[string]*binding // by call id
}

type pendingElicitation struct {
	server string
	ch     chan ElicitationResponse
}

// Router is the routing table shared between callers and the receive loops
// of tool sessions. Everything is keyed by server name and passed
// explicitly; nothing depends on which goroutine is running.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*route

	elicitMu      sync.Mutex
	elicitations  map[string]*pendingElicitation
	elicitTimeout time.Duration
}

// NewRouter creates an empty routing table.
func NewRouter() *Router {
	return &Router{
		routes:        make(map[string]*route),
		elicitations:  make(map[string]*pendingElicitation),
		elicitTimeout: DefaultElicitationTimeout,
	}
}

func (r *Router) route(server string) *route {
	r.mu.RLock()
	rt, ok := r.routes[server]
	r.mu.RUnlock()
	if ok {
		return rt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok = r.routes[server]; !ok {
		rt = &route{bindings: make(map[string]*binding)}
		r.routes[server] = rt
	}
	return rt
}

// Bind registers hooks for a call on server until the returned function
// is called.
func (r *Router) Bind(server string, hooks agent.InvocationHooks) (unbind func()) {
	if hooks.CallID == "" {
		hooks.CallID = uuid.NewString()
	}
	rt := r.route(server)
	rt.mu.Lock()
	rt.seq++
	b := &binding{seq: rt.seq, hooks: hooks, done: make(chan struct{})}
	rt.bindings[hooks.CallID] = b
	rt.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rt.mu.Lock()
			if rt.bindings[hooks.CallID] == b {
				delete(rt.bindings, hooks.CallID)
			}
			rt.mu.Unlock()
			close(b.done)
		})
	}
}

// lookup finds the binding for token on server. Without a matching token
// the most recently bound call wins.
func (r *Router) lookup(server, token string) (*binding, bool) {
	rt := r.route(server)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if token != "" {
		if b, ok := rt.bindings[token]; ok {
			return b, true
		}
	}
	var latest *binding
	for _, b := range rt.bindings {
		if latest == nil || b.seq > latest.seq {
			latest = b
		}
	}
	return latest, latest != nil
}

// Progress delivers a progress notification. Progress needs an exact token
// match: reporting one call's progress on a sibling would be wrong.
func (r *Router) Progress(server, token string, progress, total float64, message string) bool {
	rt := r.route(server)
	rt.mu.Lock()
	b, ok := rt.bindings[token]
	rt.mu.Unlock()
	if !ok || b.hooks.OnProgress == nil {
		return false
	}
	b.hooks.OnProgress(progress, total, message)
	return true
}

// Log delivers a server log line to the bound caller as a progress message.
func (r *Router) Log(server, message string) bool {
	b, ok := r.lookup(server, "")
	if !ok || b.hooks.OnProgress == nil {
		return false
	}
	b.hooks.OnProgress(0, 0, message)
	return true
}

// Sampler returns the sampler bound to the caller on server, if any.
func (r *Router) Sampler(server, token string) agent.Sampler {
	b, ok := r.lookup(server, token)
	if !ok {
		return nil
	}
	return b.hooks.Sampler
}

// Elicit announces a structured-input request to the caller bound on
// server and waits for the answer. A request that is not answered in
// time, or whose call ends first, resolves to action "cancel".
func (r *Router) Elicit(ctx context.Context, server string, req ElicitRequest) (ElicitationResponse, error) {
	token := ""
	if req.Meta != nil {
		token = tokenString(req.Meta.ProgressToken)
	}
	b, ok := r.lookup(server, token)
	if !ok || b.hooks.OnElicitation == nil {
		return ElicitationResponse{}, ErrNoBinding
	}
	hooks := b.hooks

	r.elicitMu.Lock()
	timeout := r.elicitTimeout
	id := uuid.NewString()
	p := &pendingElicitation{server: server, ch: make(chan ElicitationResponse, 1)}
	r.elicitations[id] = p
	r.elicitMu.Unlock()
	defer func() {
		r.elicitMu.Lock()
		delete(r.elicitations, id)
		r.elicitMu.Unlock()
	}()

	hooks.OnElicitation(models.ElicitationEventPayload{
		RequestID: id,
		Server:    server,
		CallID:    hooks.CallID,
		Message:   req.Message,
		Schema:    req.RequestedSchema,
		ExpiresAt: time.Now().Add(timeout),
	})
	if hooks.OnElicitationDone != nil {
		defer hooks.OnElicitationDone()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-p.ch:
		return resp, nil
	case <-timer.C:
		return ElicitationResponse{Action: ElicitCancel}, nil
	case <-b.done:
		return ElicitationResponse{Action: ElicitCancel}, nil
	case <-ctx.Done():
		return ElicitationResponse{Action: ElicitCancel}, nil
	}
}

// RespondElicitation delivers a human answer. Unknown actions count as a
// decline.
func (r *Router) RespondElicitation(id string, resp ElicitationResponse) error {
	switch resp.Action {
	case ElicitAccept, ElicitDecline, ElicitCancel:
	default:
		resp.Action = ElicitDecline
	}
	if resp.Action != ElicitAccept {
		resp.Content = nil
	}

	r.elicitMu.Lock()
	p, ok := r.elicitations[id]
	if ok {
		delete(r.elicitations, id)
	}
	r.elicitMu.Unlock()
	if !ok {
		return ErrElicitationNotFound
	}
	p.ch <- resp
	return nil
}

// PendingElicitations counts unanswered elicitations per server.
func (r *Router) PendingElicitations() map[string]int {
	r.elicitMu.Lock()
	defer r.elicitMu.Unlock()
	out := make(map[string]int)
	for _, p := range r.elicitations {
		out[p.server]++
	}
	return out
}
