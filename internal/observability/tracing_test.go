package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	if tracer == nil {
		t.Fatal("expected tracer")
	}
	if tracer.config.ServiceName != "conductor" {
		t.Fatalf("service name = %q", tracer.config.ServiceName)
	}
	_, span := tracer.TraceToolExecution(context.Background(), "files#read", "call-1")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestNilTracer(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.TraceMCPRequest(context.Background(), "files", "tools/call")
	span.End()
}

func TestTraceSpans(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	ctx, span := tracer.TraceLLMRequest(context.Background(), "anthropic", "think", 2)
	if GetTraceID(ctx) == "" {
		t.Fatal("expected trace id in span context")
	}
	SetAttributes(span, "tokens", 42, "model", "claude", "dangling")
	RecordError(span, errors.New("overloaded"))
	span.End()

	_, child := tracer.TraceToolExecution(ctx, "files#read", "call-1")
	child.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	llm := spans[0]
	if llm.Name() != "llm.generate" {
		t.Fatalf("name = %q", llm.Name())
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range llm.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["llm.provider"].AsString() != "anthropic" || attrs["agent.step"].AsInt64() != 2 || attrs["tokens"].AsInt64() != 42 {
		t.Fatalf("attributes = %v", llm.Attributes())
	}
	if llm.Status().Description != "overloaded" || len(llm.Events()) == 0 {
		t.Fatalf("error not recorded: %+v", llm.Status())
	}
	if spans[1].Parent().SpanID() != llm.SpanContext().SpanID() {
		t.Fatal("tool span should be a child of the llm span")
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Fatalf("GetTraceID() = %q, want empty", id)
	}
}
