// Package telemetry exports the Bridge Facade's spans and metrics over
// OpenTelemetry/OTLP. Unlike the rest of this module it has no domain
// shape of its own: it implements exactly the two methods core.Telemetry
// declares, on top of the OTel SDK.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/lighthouse-core/lighthouse/core"
)

const metricExportInterval = 30 * time.Second

// OTelProvider implements core.Telemetry over OTLP/HTTP (port 4318): the
// Bridge Facade calls StartSpan around validate_command and RecordMetric
// for the resulting decision counter (bridge/facade.go).
type OTelProvider struct {
	tracer         trace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
	logger         core.Logger

	instrumentsMu sync.Mutex
	counters      map[string]metric.Float64Counter
	histograms    map[string]metric.Float64Histogram

	shutdownOnce sync.Once
}

// NewOTelProvider dials endpoint (an OTLP/HTTP collector address, e.g.
// "localhost:4318") and starts exporting spans and metrics tagged with
// serviceName.
func NewOTelProvider(serviceName, endpoint string, logger core.Logger) (*OTelProvider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	ctx := context.Background()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating trace exporter for %s: %w", endpoint, err)
	}

	metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: creating metric exporter for %s: %w", endpoint, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(metricExportInterval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("telemetry provider started", map[string]interface{}{
		"service_name": serviceName,
		"endpoint":     endpoint,
	})

	return &OTelProvider{
		tracer:         tp.Tracer(serviceName),
		meter:          mp.Meter(serviceName),
		traceProvider:  tp,
		metricProvider: mp,
		logger:         logger,
		counters:       make(map[string]metric.Float64Counter),
		histograms:     make(map[string]metric.Float64Histogram),
	}, nil
}

// StartSpan implements core.Telemetry.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry. Names containing "duration",
// "latency", or "_time" record as histograms; everything else as a
// monotonic counter — covering both shapes the Bridge Facade emits
// (bridge.validate_command.total today, a future *_duration_ms tomorrow)
// without requiring callers to pre-register instruments.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	ctx := context.Background()
	if isDurationMetric(name) {
		h, err := o.histogramFor(name)
		if err != nil {
			o.logger.Error("telemetry: histogram registration failed", map[string]interface{}{"metric": name, "error": err.Error()})
			return
		}
		h.Record(ctx, value, metric.WithAttributes(attrs...))
		return
	}

	c, err := o.counterFor(name)
	if err != nil {
		o.logger.Error("telemetry: counter registration failed", map[string]interface{}{"metric": name, "error": err.Error()})
		return
	}
	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

func isDurationMetric(name string) bool {
	return strings.Contains(name, "duration") || strings.Contains(name, "latency") || strings.Contains(name, "_time")
}

func (o *OTelProvider) counterFor(name string) (metric.Float64Counter, error) {
	o.instrumentsMu.Lock()
	defer o.instrumentsMu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

func (o *OTelProvider) histogramFor(name string) (metric.Float64Histogram, error) {
	o.instrumentsMu.Lock()
	defer o.instrumentsMu.Unlock()
	if h, ok := o.histograms[name]; ok {
		return h, nil
	}
	h, err := o.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	o.histograms[name] = h
	return h, nil
}

// Shutdown flushes pending spans and metrics and releases exporter
// resources. Safe to call more than once.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	var shutdownErr error
	o.shutdownOnce.Do(func() {
		var errs []error
		if err := o.metricProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric provider: %w", err))
		}
		if err := o.traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
		if len(errs) > 0 {
			shutdownErr = fmt.Errorf("telemetry shutdown: %v", errs)
		}
	})
	return shutdownErr
}

// otelSpan adapts an OpenTelemetry span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

// EnableTelemetry builds a core.Telemetry for componentName, falling back
// to OTEL_EXPORTER_OTLP_ENDPOINT when endpoint is empty. A nil logger is
// replaced with core.NoOpLogger.
func EnableTelemetry(componentName, endpoint string, logger core.Logger) (core.Telemetry, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	provider, err := NewOTelProvider(componentName, endpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return provider, nil
}
