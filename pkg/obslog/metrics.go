package obslog

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig configures the optional OpenTelemetry RED-metrics meter.
// Disabled by default: a vault is fully functional with Enabled=false.
type MetricsConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
}

// DefaultMetricsConfig returns a disabled configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:      false,
		ServiceName:  "provara-vault",
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
	}
}

// Meter emits RED (Rate, Errors, Duration) counters for vault operations
// (append, verify, sync, checkpoint, shred). A disabled Meter is a no-op:
// every Track and Shutdown call is safe to make unconditionally from
// calling code.
type Meter struct {
	enabled         bool
	meterProvider   *sdkmetric.MeterProvider
	opCounter       metric.Int64Counter
	errCounter      metric.Int64Counter
	durationHist    metric.Float64Histogram
	activeOpCounter metric.Int64UpDownCounter
}

// NewMeter initializes the meter per cfg. When cfg.Enabled is false it
// returns a no-op Meter without touching the network.
func NewMeter(ctx context.Context, cfg MetricsConfig) (*Meter, error) {
	if !cfg.Enabled {
		return &Meter{enabled: false}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("obslog: build resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("obslog: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	meter := otel.Meter("provara.vault")

	m := &Meter{enabled: true, meterProvider: mp}
	if m.opCounter, err = meter.Int64Counter("provara.vault.operations.total",
		metric.WithDescription("Total vault operations processed"), metric.WithUnit("{operation}")); err != nil {
		return nil, fmt.Errorf("obslog: op counter: %w", err)
	}
	if m.errCounter, err = meter.Int64Counter("provara.vault.errors.total",
		metric.WithDescription("Total vault operation errors"), metric.WithUnit("{error}")); err != nil {
		return nil, fmt.Errorf("obslog: error counter: %w", err)
	}
	if m.durationHist, err = meter.Float64Histogram("provara.vault.operation.duration",
		metric.WithDescription("Vault operation duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0)); err != nil {
		return nil, fmt.Errorf("obslog: duration histogram: %w", err)
	}
	if m.activeOpCounter, err = meter.Int64UpDownCounter("provara.vault.operations.active",
		metric.WithDescription("Currently in-flight vault operations"), metric.WithUnit("{operation}")); err != nil {
		return nil, fmt.Errorf("obslog: active op counter: %w", err)
	}
	return m, nil
}

// Track wraps a vault operation (identified by op, e.g. "append", "verify",
// "sync", "checkpoint", "shred") with RED instrumentation. The returned
// func must be called with the operation's error (nil on success).
func (m *Meter) Track(ctx context.Context, op string) func(error) {
	if !m.enabled {
		return func(error) {}
	}
	attrs := metric.WithAttributes(attribute.String("operation", op))
	start := time.Now()
	m.opCounter.Add(ctx, 1, attrs)
	m.activeOpCounter.Add(ctx, 1, attrs)
	return func(err error) {
		m.activeOpCounter.Add(ctx, -1, attrs)
		m.durationHist.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			m.errCounter.Add(ctx, 1, attrs)
		}
	}
}

// Shutdown releases the meter provider's resources. No-op when disabled.
func (m *Meter) Shutdown(ctx context.Context) error {
	if !m.enabled || m.meterProvider == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}
