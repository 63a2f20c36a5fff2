// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package relayotel

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yandex/piping/lib/errutil"
)

// TelemetryConfig configures export of transfer spans and metrics.
type TelemetryConfig struct {
	Enabled bool `config:"enabled"`
	// Output is "stdout", "stderr" or file path.
	Output         string        `config:"output" validate:"required"`
	ExportInterval time.Duration `config:"export-interval" validate:"min-time=1s"`
	PrettyPrint    bool          `config:"pretty-print"`
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Output:         "stderr",
		ExportInterval: time.Minute,
	}
}

// Providers are SDK providers that export to a writer.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// Config returns hook Config that uses p.
func (p *Providers) Config() Config {
	conf := DefaultConfig()
	conf.TracerProvider = p.Tracer
	conf.MeterProvider = p.Meter
	return conf
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errutil.Join(
		errors.Wrap(p.Tracer.Shutdown(ctx), "tracer provider shutdown"),
		errors.Wrap(p.Meter.Shutdown(ctx), "meter provider shutdown"),
	)
}

// NewStdoutProviders creates providers exporting spans and metrics as JSON to w.
func NewStdoutProviders(conf TelemetryConfig, version string, w io.Writer) (*Providers, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", "piping"),
		attribute.String("service.version", version),
	)

	traceOpts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	metricOpts := []stdoutmetric.Option{stdoutmetric.WithWriter(w)}
	if conf.PrettyPrint {
		traceOpts = append(traceOpts, stdouttrace.WithPrettyPrint())
		metricOpts = append(metricOpts, stdoutmetric.WithPrettyPrint())
	}
	spanExporter, err := stdouttrace.New(traceOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "span exporter create")
	}
	metricExporter, err := stdoutmetric.New(metricOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "metric exporter create")
	}

	return &Providers{
		Tracer: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spanExporter),
			sdktrace.WithResource(res),
		),
		Meter: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(conf.ExportInterval))),
			sdkmetric.WithResource(res),
		),
	}, nil
}
