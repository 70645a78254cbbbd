// Package observability provides OpenTelemetry metrics for the pipeline.
// Sink and audit write failures never surface into the request path, so the
// counters here are the only place they become visible.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"; empty disables export
	ExportInterval time.Duration
	Insecure       bool
}

// DefaultConfig returns local-dev defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ares-correlator",
		ServiceVersion: "0.3.0",
		ExportInterval: 15 * time.Second,
		Insecure:       true,
	}
}

// Noop returns a provider whose instruments come from the global meter
// provider; with none installed, recording is free. Used when callers do not
// configure metrics.
func Noop() *Provider {
	p, err := New(context.Background(), &Config{})
	if err != nil {
		// Instrument creation on the no-op meter cannot fail.
		panic(fmt.Sprintf("observability: noop provider: %v", err))
	}
	return p
}

// Provider owns the meter and the pipeline's counters.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	eventsAccepted    metric.Int64Counter
	eventsRejected    metric.Int64Counter
	alertsEmitted     metric.Int64Counter
	sinkWriteFailures metric.Int64Counter
}

// New creates the provider. With no OTLP endpoint configured, instruments
// come from the global (no-op) meter provider and recording is free.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{logger: slog.Default().With("component", "observability")}

	if cfg.OTLPEndpoint != "" {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}

		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("create resource: %w", err)
		}

		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		)
		otel.SetMeterProvider(p.meterProvider)
	}

	meter := otel.Meter("ares.pipeline")
	var err error
	if p.eventsAccepted, err = meter.Int64Counter("ares.events.accepted",
		metric.WithDescription("Events admitted past the gateway")); err != nil {
		return nil, err
	}
	if p.eventsRejected, err = meter.Int64Counter("ares.events.rejected",
		metric.WithDescription("Events rejected by the admission chain")); err != nil {
		return nil, err
	}
	if p.alertsEmitted, err = meter.Int64Counter("ares.alerts.emitted",
		metric.WithDescription("Alerts appended to the durable sink")); err != nil {
		return nil, err
	}
	if p.sinkWriteFailures, err = meter.Int64Counter("ares.sink.write_failures",
		metric.WithDescription("Swallowed audit/alert sink write failures")); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordAccepted counts an admitted event.
func (p *Provider) RecordAccepted(ctx context.Context) {
	p.eventsAccepted.Add(ctx, 1)
}

// RecordRejected counts a rejection, labelled by reason tag.
func (p *Provider) RecordRejected(ctx context.Context, reason string) {
	p.eventsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAlert counts an emitted alert, labelled by rule id.
func (p *Provider) RecordAlert(ctx context.Context, ruleID string) {
	p.alertsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_id", ruleID)))
}

// RecordSinkFailure counts a swallowed write failure on the named sink.
func (p *Provider) RecordSinkFailure(ctx context.Context, sink string) {
	p.sinkWriteFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// Shutdown flushes and stops the exporter, if one was configured.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
