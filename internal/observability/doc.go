// Package observability provides logging, metrics and tracing for the
// orchestration core.
//
// # Logging
//
// NewLogger returns a plain *slog.Logger whose handler redacts API keys,
// bearer tokens and JWTs from every string attribute:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "debug",
//	    Format: "text",
//	})
//	logger.Info("tool server connected", "mcp_server", "github")
//
// # Metrics
//
// Metrics registers its collectors on the given registerer. Every method is
// safe on a nil *Metrics so components can run without instrumentation:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RecordToolExecution("github#create_issue", "success", time.Second)
//
// # Tracing
//
// NewTracer installs an OTLP gRPC exporter when an endpoint is configured.
// Without one, spans are created on the global no-op provider:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "conductor",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(context.Background())
package observability
