// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package relayotel provides OpenTelemetry instrumentation of relay transfers.
//
// Usage:
//
//	engine := transfer.New(log, conf, registry, metrics)
//	engine.AddHook(relayotel.NewHook(relayotel.DefaultConfig()))
package relayotel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yandex/piping/core/transfer"
)

const instrumentationName = "github.com/yandex/piping"

// Config configures transfer instrumentation.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	EnableTracing bool
	EnableMetrics bool
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

func DefaultConfig() Config {
	return Config{
		EnableTracing: true,
		EnableMetrics: true,
	}
}

// Hook implements transfer.Hook with OpenTelemetry tracing and metrics.
type Hook struct {
	conf   Config
	tracer trace.Tracer

	transfers metric.Int64Counter
	bytes     metric.Int64Counter
	aborted   metric.Int64Counter
	duration  metric.Float64Histogram
}

var _ transfer.Hook = (*Hook)(nil)

func NewHook(conf Config) *Hook {
	if conf.TracerProvider == nil {
		conf.TracerProvider = otel.GetTracerProvider()
	}
	if conf.MeterProvider == nil {
		conf.MeterProvider = otel.GetMeterProvider()
	}
	h := &Hook{
		conf:   conf,
		tracer: conf.TracerProvider.Tracer(instrumentationName),
	}
	if conf.EnableMetrics {
		meter := conf.MeterProvider.Meter(instrumentationName)
		h.transfers, _ = meter.Int64Counter("piping.transfers",
			metric.WithUnit("{transfer}"),
			metric.WithDescription("Number of finished transfers"),
		)
		h.bytes, _ = meter.Int64Counter("piping.transfer.sent",
			metric.WithUnit("By"),
			metric.WithDescription("Bytes written to receivers"),
		)
		h.aborted, _ = meter.Int64Counter("piping.receivers.aborted",
			metric.WithUnit("{receiver}"),
			metric.WithDescription("Receivers aborted before transfer end"),
		)
		h.duration, _ = meter.Float64Histogram("piping.transfer.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of transfers"),
		)
	}
	return h
}

type spanToken struct {
	span trace.Span
}

func (h *Hook) OnTransferStart(ctx context.Context, info transfer.Info) (context.Context, transfer.HookToken) {
	if !h.conf.EnableTracing {
		return ctx, &spanToken{}
	}
	attrs := []attribute.KeyValue{
		attribute.String("piping.transfer_id", info.ID),
		attribute.String("piping.path", info.Path),
		attribute.Int("piping.receivers", info.Receivers),
	}
	attrs = append(attrs, h.conf.CustomAttributes...)
	ctx, span := h.tracer.Start(ctx, "piping/transfer",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(info.Started),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span}
}

func (h *Hook) OnTransferEnd(ctx context.Context, token transfer.HookToken, info transfer.Info, stats transfer.Stats, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	outcome := transfer.Outcome(err)

	if h.conf.EnableMetrics {
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		if h.transfers != nil {
			h.transfers.Add(ctx, 1, attrs)
		}
		if h.bytes != nil {
			h.bytes.Add(ctx, stats.BytesSent, attrs)
		}
		if h.aborted != nil && stats.Aborted > 0 {
			h.aborted.Add(ctx, int64(stats.Aborted), attrs)
		}
		if h.duration != nil {
			h.duration.Record(ctx, stats.Duration.Seconds(), attrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	st.span.SetAttributes(
		attribute.String("piping.outcome", outcome),
		attribute.Int64("piping.bytes_read", stats.BytesRead),
		attribute.Int64("piping.bytes_sent", stats.BytesSent),
		attribute.Int("piping.receivers_ended", stats.Ended),
		attribute.Int("piping.receivers_aborted", stats.Aborted),
	)
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		st.span.RecordError(err)
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End(trace.WithTimestamp(info.Started.Add(stats.Duration)))
}
