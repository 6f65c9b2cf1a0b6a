// Package otel provides OpenTelemetry tracing and metrics integration for
// the protocol driver core.
package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "relaykit",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics functionality with relaykit-specific helpers.
type Metrics struct {
	config           *MetricsConfig
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	shutdown         func(context.Context) error
	mu              sync.RWMutex
	pendingWaiters  atomic.Int64
	pendingGauge    metric.Int64ObservableGauge
	pendingGaugeReg metric.Registration

	// Metric instruments
	callLatency      metric.Float64Histogram
	errorCounter     metric.Int64Counter
	activeDrivers    metric.Int64UpDownCounter
	timeoutCounter   metric.Int64Counter
	reconnectCounter metric.Int64Counter
}

// globalMetrics is the singleton metrics instance.
var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	// Create exporter based on type
	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	// Create resource with service information
	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	// Create meter provider
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	// Register metric instruments
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource creates the OpenTelemetry resource with service information.
func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	// Add custom attributes
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	// Call latency histogram (in milliseconds)
	m.callLatency, err = m.meter.Float64Histogram(
		"driver.call.latency",
		metric.WithDescription("Latency of driver Call/Ping round trips"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create call latency histogram: %w", err)
	}

	// Error counter with category attribute
	m.errorCounter, err = m.meter.Int64Counter(
		"driver.errors",
		metric.WithDescription("Count of errors by protoerr.Kind"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	// Active drivers gauge (up/down counter)
	m.activeDrivers, err = m.meter.Int64UpDownCounter(
		"driver.active",
		metric.WithDescription("Number of drivers with a running pump"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active drivers counter: %w", err)
	}

	// Timeout counter
	m.timeoutCounter, err = m.meter.Int64Counter(
		"driver.call.timeouts",
		metric.WithDescription("Count of calls that resolved with protoerr.Timedout"),
	)
	if err != nil {
		return fmt.Errorf("failed to create timeout counter: %w", err)
	}

	// Reconnect counter (for a transport that reconnects an underlying
	// stream without replacing the driver)
	m.reconnectCounter, err = m.meter.Int64Counter(
		"driver.reconnects",
		metric.WithDescription("Count of transport reconnections"),
	)
	if err != nil {
		return fmt.Errorf("failed to create reconnect counter: %w", err)
	}

	// Pending waiters observable gauge
	m.pendingGauge, err = m.meter.Int64ObservableGauge(
		"driver.pending_waiters",
		metric.WithDescription("Number of calls currently awaiting a reply"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pending waiters gauge: %w", err)
	}

	m.pendingGaugeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.pendingGauge, m.pendingWaiters.Load())
			return nil
		},
		m.pendingGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register pending waiters gauge callback: %w", err)
	}

	return nil
}

// RecordCallLatency records the latency of a completed Call/Ping.
func (m *Metrics) RecordCallLatency(ctx context.Context, method string, latencyMs float64, success bool) {
	if m.callLatency == nil {
		return
	}

	m.callLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	))
}

// RecordError records an error with the specified protoerr.Kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	if m.errorCounter == nil {
		return
	}

	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// IncrementActiveDrivers increments the active-driver counter.
func (m *Metrics) IncrementActiveDrivers(ctx context.Context) {
	if m.activeDrivers == nil {
		return
	}

	m.activeDrivers.Add(ctx, 1)
}

// DecrementActiveDrivers decrements the active-driver counter.
func (m *Metrics) DecrementActiveDrivers(ctx context.Context) {
	if m.activeDrivers == nil {
		return
	}

	m.activeDrivers.Add(ctx, -1)
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m.reconnectCounter == nil {
		return
	}

	m.reconnectCounter.Add(ctx, 1)
}

// RecordTimeout increments the call-timeout counter.
func (m *Metrics) RecordTimeout(ctx context.Context) {
	if m.timeoutCounter == nil {
		return
	}

	m.timeoutCounter.Add(ctx, 1)
}

// SetPendingWaiters sets the current in-flight call count for the
// observable gauge. Thread-safe; read by the gauge callback.
func (m *Metrics) SetPendingWaiters(n int) {
	m.pendingWaiters.Store(int64(n))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Unregister callback if registered
	if m.pendingGaugeReg != nil {
		if err := m.pendingGaugeReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister pending waiters callback: %w", err)
		}
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance.
// Returns a no-op metrics instance if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		// Return a no-op metrics instance
		cfg := DefaultMetricsConfig()
		m := &Metrics{
			config:        cfg,
			meterProvider: sdkmetric.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		return m
	}

	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
