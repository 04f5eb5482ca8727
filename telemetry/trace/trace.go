//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package trace provides tracing for turn execution via OpenTelemetry.
// Without Start the package-level tracer is a noop, so instrumented code
// never needs to guard its spans.
package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/chatloop/chatloop"

// TracerProvider is the global tracer provider.
var TracerProvider trace.TracerProvider = noop.NewTracerProvider()

// Tracer is the global tracer used by the turn executor.
var Tracer trace.Tracer = TracerProvider.Tracer(instrumentationName)

// Option configures Start.
type Option func(*options)

type options struct {
	serviceName string
	endpoint    string
}

// WithServiceName sets the reported service name.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithEndpoint sets the OTLP gRPC collector endpoint.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// Start installs an OTLP/gRPC exporting tracer provider and returns a
// cleanup function that flushes and shuts it down.
func Start(ctx context.Context, opts ...Option) (func() error, error) {
	o := &options{serviceName: "chatloop"}
	for _, opt := range opts {
		opt(o)
	}

	var expOpts []otlptracegrpc.Option
	if o.endpoint != "" {
		expOpts = append(expOpts, otlptracegrpc.WithEndpoint(o.endpoint), otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, expOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(o.serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	TracerProvider = provider
	Tracer = provider.Tracer(instrumentationName)

	return func() error {
		return provider.Shutdown(context.Background())
	}, nil
}
