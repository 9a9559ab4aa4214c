package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// CoreInstruments holds the counters/histograms shared across SEQ, TDC, OEC
// and PC that don't belong to any single component constructor.
type CoreInstruments struct {
	EventsSubmitted metric.Int64Counter
	EventsDispatched metric.Int64Counter
	CacheEvictions  metric.Int64Counter
	SLABreaches     metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push) and returns a
// shutdown function plus the shared instrument set. On exporter-dial failure
// it logs a warning and degrades to a no-op shutdown, matching InitTracer.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, instruments CoreInstruments) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createCoreInstruments()
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCoreInstruments()
}

func createCoreInstruments() CoreInstruments {
	meter := otel.Meter("wfengine-core")
	submitted, _ := meter.Int64Counter("wfengine_events_submitted_total")
	dispatched, _ := meter.Int64Counter("wfengine_events_dispatched_total")
	evictions, _ := meter.Int64Counter("wfengine_cache_evictions_total")
	breaches, _ := meter.Int64Counter("wfengine_sla_breaches_total")
	return CoreInstruments{
		EventsSubmitted:  submitted,
		EventsDispatched: dispatched,
		CacheEvictions:   evictions,
		SLABreaches:      breaches,
	}
}
