// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package otel mirrors assembled snapshots to an OpenTelemetry collector as
// OTLP gauges. The mirror is strictly observational: it hangs off the
// scheduler as a snapshot observer and never touches the primary delivery
// path, so an OTLP outage cannot disturb collector delivery.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/antimetal/sentinel/internal/config"
	"github.com/antimetal/sentinel/pkg/telemetry"
)

const (
	serviceName = "sentinel"
	meterName   = "github.com/antimetal/sentinel"
)

// Mirror exports snapshot readings as OTLP metrics over gRPC using a
// periodic reader; Record only updates in-memory instruments.
type Mirror struct {
	logger   logr.Logger
	provider *metricSDK.MeterProvider

	temperature metric.Float64Gauge
	fanSpeed    metric.Float64Gauge
	power       metric.Float64Gauge
	utilization metric.Float64Gauge
	count       metric.Float64Gauge
	sequence    metric.Int64Counter
}

// NewMirror creates a mirror exporting to the configured OTLP endpoint.
func NewMirror(ctx context.Context, logger logr.Logger, cfg config.OTelConfig) (*Mirror, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		semconv.ServiceName(serviceName),
	)
	provider := metricSDK.NewMeterProvider(
		metricSDK.WithReader(metricSDK.NewPeriodicReader(
			exporter,
			metricSDK.WithInterval(cfg.Interval),
		)),
		metricSDK.WithResource(res),
	)

	m := &Mirror{
		logger:   logger.WithName("otel-mirror"),
		provider: provider,
	}
	if err := m.initInstruments(provider.Meter(meterName)); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
		return nil, err
	}

	m.logger.Info("metrics mirror enabled", "endpoint", cfg.Endpoint, "interval", cfg.Interval)
	return m, nil
}

func (m *Mirror) initInstruments(meter metric.Meter) error {
	var err error
	if m.temperature, err = meter.Float64Gauge("sentinel.sensor.temperature",
		metric.WithUnit("Cel"), metric.WithDescription("Sensor temperature")); err != nil {
		return fmt.Errorf("failed to create temperature gauge: %w", err)
	}
	if m.fanSpeed, err = meter.Float64Gauge("sentinel.sensor.fan_speed",
		metric.WithUnit("{rpm}"), metric.WithDescription("Fan rotation speed")); err != nil {
		return fmt.Errorf("failed to create fan gauge: %w", err)
	}
	if m.power, err = meter.Float64Gauge("sentinel.sensor.power",
		metric.WithUnit("W"), metric.WithDescription("Sensor power draw")); err != nil {
		return fmt.Errorf("failed to create power gauge: %w", err)
	}
	if m.utilization, err = meter.Float64Gauge("sentinel.host.utilization",
		metric.WithUnit("%"), metric.WithDescription("Host resource utilization")); err != nil {
		return fmt.Errorf("failed to create utilization gauge: %w", err)
	}
	if m.count, err = meter.Float64Gauge("sentinel.host.count",
		metric.WithDescription("Host topology counts")); err != nil {
		return fmt.Errorf("failed to create count gauge: %w", err)
	}
	if m.sequence, err = meter.Int64Counter("sentinel.snapshots.assembled",
		metric.WithDescription("Snapshots assembled since start")); err != nil {
		return fmt.Errorf("failed to create snapshot counter: %w", err)
	}
	return nil
}

// Record mirrors one snapshot's readings into the gauge instruments. It is
// called from the scheduler tick and must stay cheap.
func (m *Mirror) Record(snapshot telemetry.Snapshot) {
	ctx := context.Background()
	hostAttr := attribute.String("host.id", snapshot.HostID)
	m.sequence.Add(ctx, 1, metric.WithAttributes(hostAttr))

	for _, r := range snapshot.Readings {
		gauge := m.gaugeFor(r.Unit)
		if gauge == nil {
			continue
		}
		attrs := []attribute.KeyValue{
			hostAttr,
			attribute.String("sensor.id", r.SensorID),
		}
		if r.Label != "" {
			attrs = append(attrs, attribute.String("sensor.label", r.Label))
		}
		gauge.Record(ctx, r.Value, metric.WithAttributes(attrs...))
	}
}

func (m *Mirror) gaugeFor(unit telemetry.Unit) metric.Float64Gauge {
	switch unit {
	case telemetry.UnitCelsius:
		return m.temperature
	case telemetry.UnitRPM:
		return m.fanSpeed
	case telemetry.UnitWatt:
		return m.power
	case telemetry.UnitPercent:
		return m.utilization
	case telemetry.UnitCount:
		return m.count
	default:
		return nil
	}
}

// Shutdown flushes pending metrics and stops the periodic reader.
func (m *Mirror) Shutdown(ctx context.Context) error {
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down metrics mirror: %w", err)
	}
	return nil
}
