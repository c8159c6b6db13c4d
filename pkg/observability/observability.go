// Package observability wires logging, tracing and the metrics
// endpoint for the orchestrator binaries.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// SetupLogging installs the process-wide slog default.
func SetupLogging(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Config selects which observability components run.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// MetricsPort serves /metrics, /health and /ready. Zero disables
	// the server.
	MetricsPort int
	// Gatherer backs the /metrics endpoint. Required when MetricsPort
	// is set.
	Gatherer prometheus.Gatherer

	EnableTracing bool
	TraceExporter string
}

// Manager owns the lifetime of the tracing provider and the metrics
// HTTP server.
type Manager struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	shutdownOnce   sync.Once
}

func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

// Initialize starts the configured components.
func (m *Manager) Initialize(ctx context.Context) error {
	slog.Info("initializing observability",
		"service", m.config.ServiceName,
		"version", m.config.ServiceVersion,
		"metrics_port", m.config.MetricsPort,
		"tracing", m.config.EnableTracing)

	if m.config.EnableTracing {
		if err := m.initTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}
	if m.config.MetricsPort > 0 {
		if err := m.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return nil
}

func (m *Manager) initTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	if m.config.TraceExporter != "" && m.config.TraceExporter != "stdout" {
		slog.Warn("unsupported trace exporter, falling back to stdout",
			"exporter", m.config.TraceExporter)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(m.tracerProvider)
	slog.Info("tracing initialized", "exporter", "stdout")
	return nil
}

// Tracer returns a named tracer from the installed provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Handler builds the HTTP mux served on the metrics port. Exposed for
// tests.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})
	if m.config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			m.config.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (m *Manager) startMetricsServer() error {
	m.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.MetricsPort),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "port", m.config.MetricsPort)
		if err := m.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the metrics server and flushes the tracer provider.
// Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error
	m.shutdownOnce.Do(func() {
		if m.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
				shutdownErr = fmt.Errorf("metrics server shutdown: %w", err)
			}
		}
		if m.tracerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil && shutdownErr == nil {
				shutdownErr = fmt.Errorf("tracer provider shutdown: %w", err)
			}
		}
	})
	return shutdownErr
}
