// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry configures logging, tracing and metrics for Relay.
package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// Config selects the exporter. Exporter is one of "none", "stdout" or "otlp".
type Config struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	// SampleRatio is the fraction of root traces kept. Zero keeps all.
	SampleRatio    float64
	MetricInterval time.Duration
	// Writer receives stdout exporter output. Defaults to stderr so the MCP
	// stream on stdout stays clean.
	Writer io.Writer
}

// exporterSet is what one exporter kind contributes. Nil members install
// providers that record but never export.
type exporterSet struct {
	spans   trace.SpanExporter
	metrics metric.Exporter
}

type exporterFactory func(ctx context.Context, cfg Config) (exporterSet, error)

var exporterFactories = map[string]exporterFactory{
	"":       noExporters,
	"none":   noExporters,
	"stdout": stdoutExporters,
	"otlp":   otlpExporters,
}

// InitWithConfig installs global tracer and meter providers for the relay
// process and the W3C propagators.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	factory, ok := exporterFactories[cfg.Exporter]
	if !ok {
		return nil, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}
	ctx := context.Background()
	exp, err := factory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
			attribute.String("relay.exporter", exporterName(cfg.Exporter)),
		),
		resource.WithProcessPID(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(sampler(cfg.SampleRatio))}
	if exp.spans != nil {
		tpOpts = append(tpOpts, trace.WithBatcher(exp.spans, trace.WithBatchTimeout(time.Second)))
	}
	tp := trace.NewTracerProvider(tpOpts...)

	mpOpts := []metric.Option{metric.WithResource(res)}
	if exp.metrics != nil {
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = time.Minute
		}
		mpOpts = append(mpOpts, metric.WithReader(metric.NewPeriodicReader(exp.metrics, metric.WithInterval(interval))))
	}
	mp := metric.NewMeterProvider(mpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		return stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func exporterName(kind string) string {
	if kind == "" {
		return "none"
	}
	return kind
}

func sampler(ratio float64) trace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

func noExporters(context.Context, Config) (exporterSet, error) {
	return exporterSet{}, nil
}

func stdoutExporters(_ context.Context, cfg Config) (exporterSet, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	spans, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return exporterSet{}, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return exporterSet{}, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return exporterSet{spans: spans, metrics: metrics}, nil
}

func otlpExporters(ctx context.Context, cfg Config) (exporterSet, error) {
	if cfg.OTLPEndpoint == "" {
		return exporterSet{}, fmt.Errorf("otlp endpoint is required")
	}
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return exporterSet{}, fmt.Errorf("failed to create otlp trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return exporterSet{}, fmt.Errorf("failed to create otlp metric exporter: %w", err)
	}
	return exporterSet{spans: spans, metrics: metrics}, nil
}
