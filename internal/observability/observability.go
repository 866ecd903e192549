// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the broker and its clients.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ObsConfig mirrors config.ObservabilityConfig without importing it.
type ObsConfig struct {
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string
	OTLPProtocol   string
	SampleRatio    float64
	ServiceName    string
	ServiceVersion string
}

type Observability struct {
	Logger         *slog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider
	// Closers stops the tracer and whatever the caller registers, in
	// reverse order, on Close.
	Closers *Closers
}

// New sets the default slog logger and creates fresh metrics. Tracing stays
// a no-op until an OTLP endpoint is configured.
func New(ctx context.Context, cfg ObsConfig, w io.Writer) (*Observability, error) {
	logger := SetupLogger(cfg.LogLevel, cfg.LogFormat, w)
	o := &Observability{
		Logger:         logger,
		Metrics:        NewMetrics(),
		TracerProvider: tracenoop.NewTracerProvider(),
		Closers:        newClosers(logger),
	}
	if cfg.OTLPEndpoint == "" {
		logger.Debug("tracing disabled, no otlp endpoint")
		return o, nil
	}

	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	o.TracerProvider = tp
	o.Closers.Add("tracer", tp.Shutdown)
	logger.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint, "protocol", cfg.OTLPProtocol)
	return o, nil
}

func (o *Observability) Close(ctx context.Context) error {
	return o.Closers.CloseAll(ctx)
}

// ServeMetrics serves /metrics and /health on addr and returns the bound
// address, so ":0" works. The server stops on Close.
func (o *Observability) ServeMetrics(addr string) (string, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(o.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			o.Logger.Error("metrics server stopped", "error", err)
		}
	}()
	o.Closers.Add("metrics-server", srv.Shutdown)

	bound := lis.Addr().String()
	o.Logger.Info("metrics server listening", "addr", bound)
	return bound, nil
}
