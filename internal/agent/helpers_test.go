package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/haasonsaas/conductor/pkg/models"
)

// fakeInvoker serves a fixed set of functions from in-process handlers.
type fakeInvoker struct {
	mu       sync.Mutex
	specs    map[string]FunctionSpec
	handlers map[string]func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error)
	calls    []invocation
}

type invocation struct {
	name string
	args json.RawMessage
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		specs:    make(map[string]FunctionSpec),
		handlers: make(map[string]func(context.Context, json.RawMessage, InvocationHooks) (*InvocationResult, error)),
	}
}

func (f *fakeInvoker) add(name, schema string, h func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error)) {
	server, _ := models.SplitToolName(name)
	spec := FunctionSpec{Name: name, Server: server, Description: "test function " + name}
	if schema != "" {
		spec.InputSchema = json.RawMessage(schema)
	}
	f.specs[name] = spec
	f.handlers[name] = h
}

func (f *fakeInvoker) echo(name, schema string) {
	f.add(name, schema, func(ctx context.Context, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
		return &InvocationResult{Content: name + ":" + string(args)}, nil
	})
}

func (f *fakeInvoker) LookupFunction(name string) (FunctionSpec, bool) {
	spec, ok := f.specs[name]
	return spec, ok
}

func (f *fakeInvoker) Functions(identity Identity) []FunctionSpec {
	var out []FunctionSpec
	for _, spec := range f.specs {
		if identity.Authorizes(spec.Server) {
			out = append(out, spec)
		}
	}
	return out
}

func (f *fakeInvoker) Catalog(identity Identity) []CatalogEntry {
	index := map[string]int{}
	var out []CatalogEntry
	for _, spec := range f.Functions(identity) {
		i, ok := index[spec.Server]
		if !ok {
			out = append(out, CatalogEntry{Server: spec.Server})
			i = len(out) - 1
			index[spec.Server] = i
		}
		_, fn := models.SplitToolName(spec.Name)
		out[i].Functions = append(out[i].Functions, CatalogFunction{Name: fn, Description: spec.Description})
	}
	return out
}

func (f *fakeInvoker) InvokeFunction(ctx context.Context, name string, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{name: name, args: append(json.RawMessage(nil), args...)})
	h := f.handlers[name]
	f.mu.Unlock()
	return h(ctx, args, hooks)
}

func (f *fakeInvoker) invocations() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.calls...)
}

// reply is one scripted model response.
type reply struct {
	text  string
	calls []models.ToolCall
	err   error
}

// scriptedProvider answers each Complete with the next reply. Once the
// script runs out, fallback decides.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []reply
	fallback func(req *CompletionRequest) reply
	requests []*CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var r reply
	switch {
	case len(p.script) > 0:
		r = p.script[0]
		p.script = p.script[1:]
	case p.fallback != nil:
		r = p.fallback(req)
	}
	p.mu.Unlock()

	ch := make(chan *CompletionChunk, len(r.calls)+4)
	for _, word := range splitWords(r.text) {
		ch <- &CompletionChunk{Text: word}
	}
	for i := range r.calls {
		call := r.calls[i]
		ch <- &CompletionChunk{ToolCall: &call}
	}
	if r.err != nil {
		ch <- &CompletionChunk{Error: r.err}
	} else {
		ch <- &CompletionChunk{Done: true}
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) calls() []*CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*CompletionRequest(nil), p.requests...)
}

// splitWords splits text into at most two chunks so streaming is exercised.
func splitWords(text string) []string {
	if text == "" {
		return nil
	}
	if i := strings.Index(text, " "); i > 0 {
		return []string{text[:i], text[i:]}
	}
	return []string{text}
}

func call(id, name, input string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}
}

// recordingSink keeps every event.
type recordingSink struct {
	mu     sync.Mutex
	events []models.AgentEvent
	hook   func(models.AgentEvent)
}

func (s *recordingSink) Emit(ctx context.Context, e models.AgentEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (s *recordingSink) ofType(t models.AgentEventType) []models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AgentEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newRunContext(sink EventSink) *RunContext {
	return &RunContext{
		Identity: Identity{UserID: "u1", DisplayName: "Test User"},
		Emitter:  NewEventEmitter("run-1", "conv-1", sink),
		Stop:     NewStopSignal(),
	}
}
