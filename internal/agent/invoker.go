package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/conductor/pkg/models"
)

// FunctionSpec describes one function exposed by a tool server.
type FunctionSpec struct {
	// Name is the qualified name, "server#function".
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CatalogFunction is one entry of the injected tool catalog.
type CatalogFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CatalogEntry lists the functions of one authorized server.
type CatalogEntry struct {
	Server    string            `json:"server"`
	Functions []CatalogFunction `json:"functions"`
}

// InvocationResult is what a tool server returned for a call.
// IsError marks a tool logic fault reported by the function itself.
type InvocationResult struct {
	Content string
	IsError bool
}

// SamplingRequest is a tool-initiated request for text generation.
type SamplingRequest struct {
	Server    string
	System    string
	Messages  []models.Message
	MaxTokens int
}

// SamplingResult is the generated text returned to the tool server.
type SamplingResult struct {
	Text  string
	Model string
}

// Sampler answers sampling requests.
type Sampler interface {
	Sample(ctx context.Context, req SamplingRequest) (*SamplingResult, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, req SamplingRequest) (*SamplingResult, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context, req SamplingRequest) (*SamplingResult, error) {
	return f(ctx, req)
}

// ProviderSampler answers sampling requests with an LLM provider.
type ProviderSampler struct {
	Provider  LLMProvider
	Model     string
	MaxTokens int
}

// Sample runs one plain completion.
func (s *ProviderSampler) Sample(ctx context.Context, req SamplingRequest) (*SamplingResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.MaxTokens
	}
	gen, err := Generate(ctx, s.Provider, &CompletionRequest{
		Model:      s.Model,
		System:     req.System,
		Messages:   req.Messages,
		ToolChoice: ToolChoiceNone,
		MaxTokens:  maxTokens,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("sampling for %s: %w", req.Server, err)
	}
	model := s.Model
	if model == "" && s.Provider != nil {
		model = s.Provider.Name()
	}
	return &SamplingResult{Text: gen.Text, Model: model}, nil
}

// InvocationHooks carry the caller-side handlers for out-of-band traffic
// that a tool server sends while one call is in flight. The tool session
// layer binds them to the server for the duration of the call.
type InvocationHooks struct {
	// CallID is also used as the progress token.
	CallID string

	// OnProgress receives progress notifications and server log lines.
	OnProgress func(progress, total float64, message string)

	// OnElicitation announces a structured-input request to the client.
	OnElicitation func(payload models.ElicitationEventPayload)

	// OnElicitationDone is called once the request announced by
	// OnElicitation is answered, expires or is abandoned.
	OnElicitationDone func()

	// Sampler overrides the session-level sampling handler.
	Sampler Sampler
}

// ToolInvoker is the engine's view of the tool session registry.
type ToolInvoker interface {
	// LookupFunction resolves a qualified name.
	LookupFunction(name string) (FunctionSpec, bool)

	// Functions lists the functions the identity may call.
	Functions(identity Identity) []FunctionSpec

	// Catalog is the read-only snapshot injected into catalog parameters.
	Catalog(identity Identity) []CatalogEntry

	// InvokeFunction calls the function. A returned error is a transport
	// fault; a result with IsError is a tool logic fault.
	InvokeFunction(ctx context.Context, name string, args json.RawMessage, hooks InvocationHooks) (*InvocationResult, error)
}
