package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conductor/internal/agent/providers"
	"github.com/haasonsaas/conductor/internal/audit"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/orchestrator"
)

// runtime is everything a command needs once the config is loaded.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *mcp.Registry
	orch     *orchestrator.Orchestrator
	audit    *audit.Logger

	shutdownTracer func(context.Context) error
	metricsServer  *http.Server
}

type runtimeOptions struct {
	// metricsAddr overrides metrics.addr and enables the endpoint.
	metricsAddr string

	// withProvider builds the provider and orchestrator. Commands that only
	// inspect tool servers leave it off.
	withProvider bool
}

func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	rt.logger = observability.NewLogger(cfg.Logging)
	slog.SetDefault(rt.logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = observability.NewMetrics(reg)

	addr := cfg.Metrics.Addr
	if opts.metricsAddr != "" {
		addr = opts.metricsAddr
	}
	if addr != "" && (cfg.Metrics.Enabled || opts.metricsAddr != "") {
		rt.serveMetrics(addr, reg)
	}

	tracing := cfg.Tracing
	if tracing.ServiceVersion == "" {
		tracing.ServiceVersion = version
	}
	rt.tracer, rt.shutdownTracer = observability.NewTracer(tracing)

	auditLogger, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("audit: %w", err)
	}
	rt.audit = auditLogger

	registry, err := mcp.NewRegistry(cfg.MCP,
		mcp.WithLogger(rt.logger),
		mcp.WithMetrics(rt.metrics),
		mcp.WithTracer(rt.tracer))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("tool servers: %w", err)
	}
	rt.registry = registry

	if opts.withProvider {
		pc := cfg.ProviderConfig()
		pc.Logger = rt.logger
		provider, err := providers.New(ctx, pc)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("provider: %w", err)
		}
		orch, err := orchestrator.New(provider, registry, cfg.OrchestratorConfig(),
			orchestrator.WithLogger(rt.logger),
			orchestrator.WithMetrics(rt.metrics),
			orchestrator.WithTracer(rt.tracer))
		if err != nil {
			rt.Close()
			return nil, err
		}
		orch.Gate().OnDecision(rt.audit.LogApprovalDecision)
		rt.orch = orch
	}

	if err := registry.Start(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("start tool servers: %w", err)
	}
	return rt, nil
}

func (rt *runtime) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	rt.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := rt.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	rt.logger.Info("serving metrics", "addr", addr)
}

// Close shuts everything down in reverse order of construction.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.registry != nil {
		if err := rt.registry.Close(); err != nil {
			rt.logger.Warn("failed to close tool servers", "error", err)
		}
	}
	if rt.audit != nil {
		if err := rt.audit.Close(); err != nil {
			rt.logger.Warn("failed to close audit log", "error", err)
		}
	}
	if rt.shutdownTracer != nil {
		if err := rt.shutdownTracer(ctx); err != nil {
			rt.logger.Warn("failed to flush traces", "error", err)
		}
	}
	if rt.metricsServer != nil {
		_ = rt.metricsServer.Shutdown(ctx)
	}
}
