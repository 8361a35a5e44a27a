package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMeterProvider(t *testing.T) *metric.ManualReader {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestOTelMetrics_MirrorsPrometheus(t *testing.T) {
	reader := setupTestMeterProvider(t)

	om, err := NewOTelMetrics()
	require.NoError(t, err)

	m := NewMetrics(prometheus.NewRegistry()).WithOTel(om)
	m.ObserveTransition("trialing", "expired", "evaluate")
	m.ObserveWebhook("payment-failed", "applied", time.Millisecond)
	m.ObserveUsageCheck("tenants", false)
	m.ObserveUsageCheck("tenants", true)
	m.ObserveSweep("expiry", 5, 2, 2, time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), sumOf(t, rm, "rentbill.subscription.transitions"))
	assert.Equal(t, int64(1), sumOf(t, rm, "rentbill.webhook.events"))
	assert.Equal(t, int64(1), sumOf(t, rm, "rentbill.usage.rejections"))
	assert.Equal(t, int64(2), sumOf(t, rm, "rentbill.sweep.failures"))
}

func TestWithOTel_NilMetrics(t *testing.T) {
	var m *Metrics
	assert.Nil(t, m.WithOTel(nil))
}
