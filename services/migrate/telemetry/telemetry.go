// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry providers behind the
// engine's spans and migration metrics.
//
// The engine only talks to the global otel API. Init decides where that
// data goes: migration spans to an OTLP collector or stdout, migration
// counters and phase histograms to the Prometheus registry scraped on
// /metrics, or to stdout. Everything is off unless selected, except the
// Prometheus reader the status API serves.
//
// # Environment Variables
//
//   - OTEL_TRACES_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout or none (default: prometheus)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: collector address (default: localhost:4317)
//   - LIVEMIGRATE_ENV: deployment environment (default: development)
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted in Config.
const (
	ExporterNone       = "none"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// Config selects where migration telemetry is exported.
type Config struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`

	// TraceExporter is otlp, stdout or none.
	TraceExporter string `json:"trace_exporter"`

	// MetricExporter is prometheus, stdout or none.
	MetricExporter string `json:"metric_exporter"`

	OTLPEndpoint string `json:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure"`
}

// DefaultConfig reads the exporter selection from the environment. A
// migration host exports Prometheus metrics and no traces by default.
func DefaultConfig() Config {
	env := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return def
	}
	return Config{
		ServiceName:    "livemigrate",
		ServiceVersion: "1.0.0",
		Environment:    env("LIVEMIGRATE_ENV", "development"),
		TraceExporter:  env("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: env("OTEL_METRICS_EXPORTER", ExporterPrometheus),
		OTLPEndpoint:   env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// TracingEnabled reports whether Init installs a tracer provider, which
// the engine uses to decide between recording and noop migration spans.
func (c Config) TracingEnabled() bool {
	return enabled(c.TraceExporter)
}

func enabled(exporter string) bool {
	return exporter != "" && exporter != ExporterNone
}

// providers collects what Init installed so shutdown can flush it.
type providers struct {
	flush []func(context.Context) error
}

func (p *providers) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.flush) - 1; i >= 0; i-- {
		if err := p.flush[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("flush telemetry: %w", err)
	}
	return nil
}

// Init installs the propagator and the selected tracer and meter
// providers as otel globals.
//
// # Outputs
//
//   - func(context.Context) error: Flushes and stops the installed
//     providers. The serve command calls it on exit.
//   - error: ErrNilContext, ErrUnknownExporter or an exporter failure.
//     Nothing stays installed on error.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	p := &providers{}
	if enabled(cfg.TraceExporter) {
		spans, err := spanExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		tp := trace.NewTracerProvider(
			trace.WithBatcher(spans),
			trace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		p.flush = append(p.flush, tp.Shutdown)
	}

	if enabled(cfg.MetricExporter) {
		reader, handler, err := metricReader(cfg)
		if err != nil {
			_ = p.shutdown(ctx)
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		otel.SetMeterProvider(mp)
		p.flush = append(p.flush, mp.Shutdown)
		if handler != nil {
			metricsHandler.Store(&handler)
		}
	}
	return p.shutdown, nil
}

func spanExporter(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.TraceExporter)
	}
}

// metricReader returns the reader for cfg.MetricExporter and, for
// Prometheus, the handler that serves the scrape endpoint.
func metricReader(cfg Config) (metric.Reader, http.Handler, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		reader, err := promexporter.New()
		if err != nil {
			return nil, nil, err
		}
		return reader, promhttp.Handler(), nil
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		return metric.NewPeriodicReader(exp), nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.MetricExporter)
	}
}

var metricsHandler atomic.Pointer[http.Handler]

// MetricsHandler returns the /metrics handler once Init has installed the
// Prometheus reader, nil otherwise. It also serves the alert counters of
// the default Prometheus registry.
func MetricsHandler() http.Handler {
	if h := metricsHandler.Load(); h != nil {
		return *h
	}
	return nil
}
