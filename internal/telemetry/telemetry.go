package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Telemetry holds the meter provider and the fetch instruments.
type Telemetry struct {
	meterProvider metric.MeterProvider
	meter         metric.Meter
	exporter      *prometheus.Exporter

	fetchesTotal      metric.Int64Counter
	retryAttempts     metric.Int64Counter
	bytesDownloaded   metric.Int64Counter
	fetchDuration     metric.Float64Histogram
	transfersInFlight metric.Int64UpDownCounter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// New creates a new telemetry instance. When disabled, the zero instance is
// returned and every record call is a no-op.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.fetchesTotal, err = t.meter.Int64Counter("fetches_total",
		metric.WithDescription("Total transfer units by terminal state"),
	); err != nil {
		return err
	}

	if t.retryAttempts, err = t.meter.Int64Counter("retry_attempts_total",
		metric.WithDescription("Total retry attempts after transient failures"),
	); err != nil {
		return err
	}

	if t.bytesDownloaded, err = t.meter.Int64Counter("bytes_downloaded_total",
		metric.WithDescription("Total bytes promoted to destination files"),
	); err != nil {
		return err
	}

	if t.fetchDuration, err = t.meter.Float64Histogram("fetch_duration_seconds",
		metric.WithDescription("Duration of transfer units from start to terminal state"),
	); err != nil {
		return err
	}

	if t.transfersInFlight, err = t.meter.Int64UpDownCounter("transfers_in_flight",
		metric.WithDescription("Transfer units currently between pending and terminal state"),
	); err != nil {
		return err
	}

	return nil
}

// Handler exposes the prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFetch records a unit reaching a terminal state.
func (t *Telemetry) RecordFetch(ctx context.Context, state string, duration time.Duration) {
	if t == nil || t.fetchesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("state", state))
	t.fetchesTotal.Add(ctx, 1, attrs)
	t.fetchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRetry records one retry attempt.
func (t *Telemetry) RecordRetry(ctx context.Context) {
	if t == nil || t.retryAttempts == nil {
		return
	}

	t.retryAttempts.Add(ctx, 1)
}

// RecordBytes records bytes promoted to a destination.
func (t *Telemetry) RecordBytes(ctx context.Context, n int64) {
	if t == nil || t.bytesDownloaded == nil {
		return
	}

	t.bytesDownloaded.Add(ctx, n)
}

// TransferStarted marks a unit entering the pipeline.
func (t *Telemetry) TransferStarted(ctx context.Context) {
	if t == nil || t.transfersInFlight == nil {
		return
	}

	t.transfersInFlight.Add(ctx, 1)
}

// TransferEnded marks a unit reaching a terminal state.
func (t *Telemetry) TransferEnded(ctx context.Context) {
	if t == nil || t.transfersInFlight == nil {
		return
	}

	t.transfersInFlight.Add(ctx, -1)
}
