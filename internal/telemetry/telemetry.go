package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil *Telemetry
// is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Update sessions
	sessionsTotal   metric.Int64Counter
	sessionsActive  metric.Int64UpDownCounter
	sessionDuration metric.Float64Histogram
	pollTicksTotal  metric.Int64Counter
	installsTotal   metric.Int64Counter
	checksTotal     metric.Int64Counter

	// Download manager
	downloadsTotal        metric.Int64Counter
	downloadsActive       metric.Int64UpDownCounter
	downloadDuration      metric.Float64Histogram
	downloadBytes         metric.Int64Counter
	clientOperationsTotal metric.Int64Counter
	clientErrors          metric.Int64Counter
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, pushes metrics to an OTLP collector over gRPC
	// in addition to the Prometheus endpoint.
	OTLPEndpoint   string
	ExportInterval time.Duration
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}

		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(interval)),
		))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	// Spans are not exported; the provider exists so logs and outgoing
	// requests carry trace identifiers.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("app_updater")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	if t == nil {
		return nil
	}

	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(context.Background(), 1)
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(context.Background(), -1)
}

// RecordSessionStarted counts a session accepted by the download service.
func (t *Telemetry) RecordSessionStarted() {
	if t == nil || t.sessionsTotal == nil {
		return
	}

	t.sessionsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", "started")))
}

// RecordSessionFinished records how a session ended and how long it ran.
func (t *Telemetry) RecordSessionFinished(status string, duration time.Duration) {
	if t == nil || t.sessionsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.sessionsTotal.Add(context.Background(), 1, attrs)

	if duration > 0 {
		t.sessionDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

func (t *Telemetry) IncrementActiveSessions() {
	if t == nil || t.sessionsActive == nil {
		return
	}

	t.sessionsActive.Add(context.Background(), 1)
}

func (t *Telemetry) DecrementActiveSessions() {
	if t == nil || t.sessionsActive == nil {
		return
	}

	t.sessionsActive.Add(context.Background(), -1)
}

// RecordPollTick counts progress poller ticks by result.
func (t *Telemetry) RecordPollTick(result string) {
	if t == nil || t.pollTicksTotal == nil {
		return
	}

	t.pollTicksTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordInstallHandoff counts install handoffs by status.
func (t *Telemetry) RecordInstallHandoff(status string) {
	if t == nil || t.installsTotal == nil {
		return
	}

	t.installsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordUpdateCheck counts update checks by result.
func (t *Telemetry) RecordUpdateCheck(result string) {
	if t == nil || t.checksTotal == nil {
		return
	}

	t.checksTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDownload records download metrics.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if t == nil || t.downloadsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.downloadsTotal.Add(context.Background(), 1, attrs)
	t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordDownloadBytes adds n transferred bytes.
func (t *Telemetry) RecordDownloadBytes(n int64) {
	if t == nil || t.downloadBytes == nil || n <= 0 {
		return
	}

	t.downloadBytes.Add(context.Background(), n)
}

// IncrementActiveDownloads increments active downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t == nil || t.downloadsActive == nil {
		return
	}

	t.downloadsActive.Add(context.Background(), 1)
}

// DecrementActiveDownloads decrements active downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t == nil || t.downloadsActive == nil {
		return
	}

	t.downloadsActive.Add(context.Background(), -1)
}

// RecordClientOperation records download service operation metrics.
func (t *Telemetry) RecordClientOperation(client, operation, status string) {
	if t == nil || t.clientOperationsTotal == nil {
		return
	}

	t.clientOperationsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == "error" {
		t.clientErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("client", client),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		),
	)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeUpdateMetrics(); err != nil {
		return err
	}

	if err := t.initializeDownloadMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeUpdateMetrics() error {
	var err error

	t.sessionsTotal, err = t.meter.Int64Counter(
		"update_sessions_total",
		metric.WithDescription("Update sessions by lifecycle status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create update_sessions_total counter: %w", err)
	}

	t.sessionsActive, err = t.meter.Int64UpDownCounter(
		"update_sessions_active",
		metric.WithDescription("Number of update sessions in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create update_sessions_active counter: %w", err)
	}

	t.sessionDuration, err = t.meter.Float64Histogram(
		"update_session_duration_seconds",
		metric.WithDescription("Time from enqueue to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create update_session_duration histogram: %w", err)
	}

	t.pollTicksTotal, err = t.meter.Int64Counter(
		"update_poll_ticks_total",
		metric.WithDescription("Progress poller ticks by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create update_poll_ticks_total counter: %w", err)
	}

	t.installsTotal, err = t.meter.Int64Counter(
		"update_install_handoffs_total",
		metric.WithDescription("Install handoffs by status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create update_install_handoffs_total counter: %w", err)
	}

	t.checksTotal, err = t.meter.Int64Counter(
		"update_checks_total",
		metric.WithDescription("Update checks by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create update_checks_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeDownloadMetrics() error {
	var err error

	t.downloadsTotal, err = t.meter.Int64Counter(
		"downloads_total",
		metric.WithDescription("Total number of downloads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Number of active downloads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_duration histogram: %w", err)
	}

	t.downloadBytes, err = t.meter.Int64Counter(
		"download_bytes_total",
		metric.WithDescription("Bytes written by the download manager"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_bytes_total counter: %w", err)
	}

	t.clientOperationsTotal, err = t.meter.Int64Counter(
		"client_operations_total",
		metric.WithDescription("Total number of download service operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create client_operations_total counter: %w", err)
	}

	t.clientErrors, err = t.meter.Int64Counter(
		"client_errors_total",
		metric.WithDescription("Total number of download service errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create client_errors counter: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics records uptime periodically. Memory and goroutine
// figures come from the runtime instrumentation.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
		}
	}
}
