// Package telemetry exposes Prometheus metrics for the engine and wires the
// OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/wirebird/wirebird/config"
	"github.com/wirebird/wirebird/utils"
)

var (
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirebird_polls_total",
			Help: "Action polls issued, by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirebird_runs_total",
			Help: "Flow runs completed, by terminal status.",
		},
		[]string{"status"},
	)
	ReactionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirebird_reaction_attempts_total",
			Help: "Reaction invocations, by provider and outcome.",
		},
		[]string{"provider", "reaction", "outcome"},
	)
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wirebird_run_duration_seconds",
			Help:    "Time from trigger to terminal run status.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(PollsTotal, RunsTotal, ReactionAttemptsTotal, RunDuration)
}

// Init sets up the tracer provider. Only the stdout exporter is supported;
// anything else leaves the default no-op provider in place.
func Init(cfg *config.Config) {
	serviceName := "wirebird"
	if cfg.Tracing.ServiceName != "" {
		serviceName = cfg.Tracing.ServiceName
	}
	if cfg.Tracing.Exporter != "stdout" {
		return
	}
	res, _ := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		utils.Warn("tracing disabled: %v", err)
		return
	}
	otel.SetTracerProvider(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	))
}

// Tracer returns the process tracer for engine spans.
func Tracer() trace.Tracer {
	return otel.Tracer("wirebird")
}

// ServeMetrics exposes /metrics on addr until the context is cancelled.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	utils.Info("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
