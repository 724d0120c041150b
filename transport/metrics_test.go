package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())

	m, err := newMetrics(mp.Meter("test"))

	require.NoError(t, err)
	assert.NotNil(t, m.requestDuration)
	assert.NotNil(t, m.requestBodySize)
	assert.NotNil(t, m.responseBodySize)
	assert.NotNil(t, m.activeRequests)
	assert.NotNil(t, m.requestErrors)
	assert.NotNil(t, m.connectionDuration)
	assert.NotNil(t, m.dnsDuration)
	assert.NotNil(t, m.tlsDuration)
	assert.NotNil(t, m.ttfb)
	assert.NotNil(t, m.retryAttempts)
	assert.NotNil(t, m.retryExhausted)
	assert.NotNil(t, m.retryDuration)
	assert.NotNil(t, m.nodesMarkedDead)
	assert.NotNil(t, m.nodesResurrected)
	assert.NotNil(t, m.sniffs)
	assert.NotNil(t, m.breakerRequests)
	assert.NotNil(t, m.breakerState)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics
	ctx := context.Background()
	attrs := []attribute.KeyValue{attribute.String("k", "v")}

	assert.NotPanics(t, func() {
		m.recordRequestDuration(ctx, time.Second, attrs)
		m.recordRequestBodySize(ctx, 1, attrs)
		m.recordResponseBodySize(ctx, 1, attrs)
		m.recordActiveRequestStart(ctx, attrs)
		m.recordActiveRequestEnd(ctx, attrs)
		m.recordError(ctx, "timeout", attrs)
		m.recordConnectionDuration(ctx, time.Second, attrs)
		m.recordDNSDuration(ctx, time.Second, attrs)
		m.recordTLSDuration(ctx, time.Second, attrs)
		m.recordTTFB(ctx, time.Second, attrs)
		m.recordRetryAttempt(ctx, attrs, 1)
		m.recordRetryExhausted(ctx, attrs)
		m.recordRetryDuration(ctx, attrs, time.Second)
		m.recordMarkedDead(ctx, "http://es-1:9200", 1)
		m.recordResurrected(ctx, "http://es-1:9200", "timeout_elapsed")
		m.recordSniff(ctx, "success")
		m.recordBreakerRequest(ctx, "http://es-1:9200", "rejected")
		m.recordBreakerState(ctx, "http://es-1:9200", 2)
	})
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := newMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.recordRetryAttempt(ctx, nil, 1)
	m.recordRetryAttempt(ctx, nil, 2)
	m.recordMarkedDead(ctx, "http://es-1:9200", 1)
	m.recordResurrected(ctx, "http://es-1:9200", "mark_live")
	m.recordSniff(ctx, "success")
	m.recordSniff(ctx, "error")
	m.recordBreakerRequest(ctx, "http://es-1:9200", "success")
	m.recordBreakerState(ctx, "http://es-1:9200", 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), sumCounter(rm, "http.client.retry.attempts"))
	assert.Equal(t, int64(1), sumCounter(rm, "transport.pool.marked_dead"))
	assert.Equal(t, int64(1), sumCounter(rm, "transport.pool.resurrected"))
	assert.Equal(t, int64(2), sumCounter(rm, "transport.sniff"))
	assert.Equal(t, int64(1), sumCounter(rm, "transport.breaker.requests"))

	state, ok := findMetric(rm, "transport.breaker.state")
	require.True(t, ok)
	gauge, ok := state.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(2), gauge.DataPoints[0].Value)
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}
