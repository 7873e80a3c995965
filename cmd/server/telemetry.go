package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"

	"ml-orchestrator/config"
	"ml-orchestrator/core/logger"
)

// setupTracing installs an OTLP/HTTP tracer provider when an endpoint is
// configured. Without one the global no-op provider stays in place.
func setupTracing(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.OTLPEndpoint == "" {
		return nil
	}
	exporter, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	logger.Infof("Exporting traces to %s", cfg.OTLPEndpoint)

	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
		return tp.Shutdown(ctx)
	}})
	return nil
}
