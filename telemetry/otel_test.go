package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/lighthouse-core/lighthouse/core"
)

func TestNewOTelProviderRequiresServiceName(t *testing.T) {
	_, err := NewOTelProvider("", "localhost:4318", nil)
	require.Error(t, err)
}

func TestNewOTelProviderDefaultsEndpointAndLogger(t *testing.T) {
	// otlptracehttp/otlpmetrichttp exporters dial lazily, so construction
	// succeeds without a live collector listening on the default endpoint.
	provider, err := NewOTelProvider("lighthouse-test", "", nil)
	require.NoError(t, err)
	require.NotNil(t, provider)
	assert.IsType(t, core.NoOpLogger{}, provider.logger)
}

// newTestProvider builds an OTelProvider around in-memory SDK providers
// (no OTLP exporter wired) so StartSpan/RecordMetric can be exercised
// without a live collector.
func newTestProvider(t *testing.T) *OTelProvider {
	t.Helper()
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	return &OTelProvider{
		tracer:         tp.Tracer("lighthouse-test"),
		meter:          mp.Meter("lighthouse-test"),
		traceProvider:  tp,
		metricProvider: mp,
		logger:         core.NoOpLogger{},
		counters:       make(map[string]metric.Float64Counter),
		histograms:     make(map[string]metric.Float64Histogram),
	}
}

func TestStartSpanReturnsUsableSpan(t *testing.T) {
	provider := newTestProvider(t)

	ctx, span := provider.StartSpan(context.Background(), "bridge.validate_command")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.SetAttribute("tool_name", "file_read")
	span.SetAttribute("agent_id", "agent-1")
	span.SetAttribute("cache_hit", true)
	span.SetAttribute("retries", 3)
	span.SetAttribute("score", 0.92)
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestRecordMetricCachesInstrumentsByName(t *testing.T) {
	provider := newTestProvider(t)

	provider.RecordMetric("bridge.validate_command.total", 1, map[string]string{"decision": "approved"})
	provider.RecordMetric("bridge.validate_command.total", 1, map[string]string{"decision": "blocked"})
	assert.Len(t, provider.counters, 1, "repeated counter name should reuse one instrument")

	provider.RecordMetric("bridge.validate_command.duration_ms", 12.5, nil)
	assert.Len(t, provider.histograms, 1)
}

func TestIsDurationMetric(t *testing.T) {
	cases := map[string]bool{
		"bridge.validate_command.total":       false,
		"bridge.validate_command.duration_ms": true,
		"expert.escalation.latency":           true,
		"cache.lookup_time":                   true,
		"cache.hits":                          false,
	}
	for name, want := range cases {
		assert.Equal(t, want, isDurationMetric(name), name)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	provider := newTestProvider(t)
	require.NoError(t, provider.Shutdown(context.Background()))
	require.NoError(t, provider.Shutdown(context.Background()))
}
