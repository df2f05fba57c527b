package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all scheduler metrics
type MetricsCollector struct {
	meter metric.Meter

	// Cycle metrics
	cyclesTotal   metric.Int64Counter
	cycleDuration metric.Float64Histogram

	// Dispatch metrics
	dispatchesTotal metric.Int64Counter
	runDuration     metric.Float64Histogram
	runsActive      metric.Int64UpDownCounter

	// Usage gate metrics
	usageDenied metric.Int64Counter

	// Retry / webhook metrics
	retriesScheduled metric.Int64Counter
	webhookEvents    metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create meter provider
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	// Get meter
	meter := provider.Meter("agent-runner")

	cyclesTotal, err := meter.Int64Counter(
		"agentrunner.cycles.total",
		metric.WithDescription("Total number of scheduling cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cycles counter: %w", err)
	}

	cycleDuration, err := meter.Float64Histogram(
		"agentrunner.cycle.duration",
		metric.WithDescription("Scheduling cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cycle_duration histogram: %w", err)
	}

	dispatchesTotal, err := meter.Int64Counter(
		"agentrunner.dispatches.total",
		metric.WithDescription("Total number of dispatched runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatches counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"agentrunner.run.duration",
		metric.WithDescription("Engine run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run_duration histogram: %w", err)
	}

	runsActive, err := meter.Int64UpDownCounter(
		"agentrunner.runs.active",
		metric.WithDescription("Number of currently running engine processes"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs_active gauge: %w", err)
	}

	usageDenied, err := meter.Int64Counter(
		"agentrunner.usage.denied.total",
		metric.WithDescription("Usage gate denials by engine and reason"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_denied counter: %w", err)
	}

	retriesScheduled, err := meter.Int64Counter(
		"agentrunner.retries.scheduled.total",
		metric.WithDescription("Quota retries written to the retry store"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries_scheduled counter: %w", err)
	}

	webhookEvents, err := meter.Int64Counter(
		"agentrunner.webhook.events.total",
		metric.WithDescription("Webhook events accepted by type and action"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook_events counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:            meter,
		cyclesTotal:      cyclesTotal,
		cycleDuration:    cycleDuration,
		dispatchesTotal:  dispatchesTotal,
		runDuration:      runDuration,
		runsActive:       runsActive,
		usageDenied:      usageDenied,
		retriesScheduled: retriesScheduled,
		webhookEvents:    webhookEvents,
	}

	// Start Prometheus HTTP server
	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordCycle records one completed scheduling cycle
func (m *MetricsCollector) RecordCycle(ctx context.Context, outcome string, duration time.Duration) {
	if m.cyclesTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}

	m.cyclesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDispatch records a dispatched run with its terminal outcome
func (m *MetricsCollector) RecordDispatch(ctx context.Context, kind, engine, outcome string, duration time.Duration) {
	if m.dispatchesTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("engine", engine),
		attribute.String("outcome", outcome),
	}

	m.dispatchesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordUsageDenied records a usage gate denial
func (m *MetricsCollector) RecordUsageDenied(ctx context.Context, engine, reason string) {
	if m.usageDenied == nil {
		return
	}
	m.usageDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("reason", reason),
	))
}

// RecordRetryScheduled records a quota retry insertion
func (m *MetricsCollector) RecordRetryScheduled(ctx context.Context, engine string) {
	if m.retriesScheduled == nil {
		return
	}
	m.retriesScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordWebhookEvent records an accepted webhook delivery
func (m *MetricsCollector) RecordWebhookEvent(ctx context.Context, event, action string) {
	if m.webhookEvents == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("action", action),
	))
}

// IncrementActiveRuns increments the active run gauge
func (m *MetricsCollector) IncrementActiveRuns(ctx context.Context) {
	if m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, 1)
}

// DecrementActiveRuns decrements the active run gauge
func (m *MetricsCollector) DecrementActiveRuns(ctx context.Context) {
	if m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, -1)
}
