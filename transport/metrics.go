package transport

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// attemptBuckets cover a single round trip to one node.
	attemptBuckets = []float64{0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

	// handshakeBuckets cover dial, DNS, TLS and first byte phases.
	handshakeBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3}

	// callBuckets cover a whole PerformRequest, waits between attempts included.
	callBuckets = []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300}

	// payloadBuckets are in bytes; bulk bodies dominate the upper end.
	payloadBuckets = []float64{0, 256, 4 << 10, 64 << 10, 1 << 20, 8 << 20, 64 << 20}
)

// metrics holds the metric instruments of a Transport and its connections.
// A nil *metrics records nothing.
type metrics struct {
	// per attempt
	requestDuration  metric.Float64Histogram
	requestBodySize  metric.Int64Histogram
	responseBodySize metric.Int64Histogram
	activeRequests   metric.Int64UpDownCounter
	requestErrors    metric.Int64Counter

	// network phases, fed by httptrace
	connectionDuration metric.Float64Histogram
	dnsDuration        metric.Float64Histogram
	tlsDuration        metric.Float64Histogram
	ttfb               metric.Float64Histogram

	// retryAttempts counts attempts beyond the first. retryExhausted counts
	// calls whose last allowed attempt still failed with a retryable error.
	retryAttempts  metric.Int64Counter
	retryExhausted metric.Int64Counter
	retryDuration  metric.Float64Histogram

	// pool
	nodesMarkedDead  metric.Int64Counter
	nodesResurrected metric.Int64Counter
	sniffs           metric.Int64Counter

	// breakers
	breakerRequests metric.Int64Counter
	breakerState    metric.Int64Gauge
}

// instruments creates instruments on a meter, remembering every failure so
// the caller checks once at the end.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) seconds(name, desc string, bounds []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...))
	b.err = errors.Join(b.err, err)
	return h
}

func (b *instruments) bytes(name, desc string) metric.Int64Histogram {
	h, err := b.meter.Int64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(payloadBuckets...))
	b.err = errors.Join(b.err, err)
	return h
}

func (b *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.err = errors.Join(b.err, err)
	return c
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	b := &instruments{meter: meter}

	m := &metrics{
		requestDuration: b.seconds("http.client.request.duration",
			"Round trip of one attempt against one node", attemptBuckets),
		requestBodySize: b.bytes("http.client.request.body.size",
			"Encoded request payload sent to a node"),
		responseBodySize: b.bytes("http.client.response.body.size",
			"Response payload read from a node"),
		requestErrors: b.counter("http.client.request.error",
			"Attempts that ended in an error, by error.type", "{error}"),

		connectionDuration: b.seconds("http.client.connection.duration",
			"Dial time for a new connection to a node", handshakeBuckets),
		dnsDuration: b.seconds("http.client.dns.duration",
			"Name resolution time for a node host", handshakeBuckets),
		tlsDuration: b.seconds("http.client.tls.duration",
			"TLS handshake time with a node", handshakeBuckets),
		ttfb: b.seconds("http.client.ttfb",
			"Time from request written to first response byte", handshakeBuckets),

		retryAttempts: b.counter("http.client.retry.attempts",
			"Attempts made after the first one of a call", "{attempt}"),
		retryExhausted: b.counter("http.client.retry.exhausted",
			"Calls that used every allowed attempt without success", "{request}"),
		retryDuration: b.seconds("http.client.retry.duration",
			"Wall time of a whole call across all attempts", callBuckets),

		nodesMarkedDead: b.counter("transport.pool.marked_dead",
			"Quarantines of a node", "{event}"),
		nodesResurrected: b.counter("transport.pool.resurrected",
			"Quarantined nodes returned to selection, by reason", "{event}"),
		sniffs: b.counter("transport.sniff",
			"Node discovery rounds, by result", "{sniff}"),
		breakerRequests: b.counter("transport.breaker.requests",
			"Attempts seen by per-node circuit breakers, by result", "{request}"),
	}

	var err error
	m.activeRequests, err = meter.Int64UpDownCounter("http.client.active_requests",
		metric.WithDescription("Attempts currently in flight"),
		metric.WithUnit("{request}"))
	b.err = errors.Join(b.err, err)

	m.breakerState, err = meter.Int64Gauge("transport.breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=half-open, 2=open)"),
		metric.WithUnit("{state}"))
	b.err = errors.Join(b.err, err)

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

func recordSeconds(ctx context.Context, h metric.Float64Histogram, d time.Duration, attrs []attribute.KeyValue) {
	if h != nil {
		h.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

func addOne(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// with returns attrs plus extra without aliasing the caller's slice.
func with(attrs []attribute.KeyValue, extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs)+len(extra))
	return append(append(out, attrs...), extra...)
}

func (m *metrics) recordRequestDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		recordSeconds(ctx, m.requestDuration, d, attrs)
	}
}

func (m *metrics) recordRequestBodySize(ctx context.Context, size int64, attrs []attribute.KeyValue) {
	if m != nil && m.requestBodySize != nil {
		m.requestBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
	}
}

func (m *metrics) recordResponseBodySize(ctx context.Context, size int64, attrs []attribute.KeyValue) {
	if m != nil && m.responseBodySize != nil {
		m.responseBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
	}
}

func (m *metrics) recordActiveRequestStart(ctx context.Context, attrs []attribute.KeyValue) {
	m.trackActive(ctx, 1, attrs)
}

func (m *metrics) recordActiveRequestEnd(ctx context.Context, attrs []attribute.KeyValue) {
	m.trackActive(ctx, -1, attrs)
}

func (m *metrics) trackActive(ctx context.Context, delta int64, attrs []attribute.KeyValue) {
	if m != nil && m.activeRequests != nil {
		m.activeRequests.Add(ctx, delta, metric.WithAttributes(attrs...))
	}
}

// recordError counts a failed attempt under errorType, as returned by
// errorType or TransportError.Kind.
func (m *metrics) recordError(ctx context.Context, errorType string, attrs []attribute.KeyValue) {
	if m != nil {
		addOne(ctx, m.requestErrors, with(attrs, attribute.String("error.type", errorType))...)
	}
}

func (m *metrics) recordConnectionDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		recordSeconds(ctx, m.connectionDuration, d, attrs)
	}
}

func (m *metrics) recordDNSDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		recordSeconds(ctx, m.dnsDuration, d, attrs)
	}
}

func (m *metrics) recordTLSDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		recordSeconds(ctx, m.tlsDuration, d, attrs)
	}
}

func (m *metrics) recordTTFB(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		recordSeconds(ctx, m.ttfb, d, attrs)
	}
}

// recordRetryAttempt counts attempt number attempt (1 for the first retry).
func (m *metrics) recordRetryAttempt(ctx context.Context, attrs []attribute.KeyValue, attempt int) {
	if m != nil {
		addOne(ctx, m.retryAttempts, with(attrs, attribute.Int("retry.attempt", attempt))...)
	}
}

func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m != nil {
		addOne(ctx, m.retryExhausted, attrs...)
	}
}

func (m *metrics) recordRetryDuration(ctx context.Context, attrs []attribute.KeyValue, d time.Duration) {
	if m != nil {
		recordSeconds(ctx, m.retryDuration, d, attrs)
	}
}

func (m *metrics) recordMarkedDead(ctx context.Context, node string, fails int) {
	if m != nil {
		addOne(ctx, m.nodesMarkedDead, attribute.String("node", node), attribute.Int("fails", fails))
	}
}

// recordResurrected counts a node back in selection. reason is
// "timeout_elapsed" or "marked_live".
func (m *metrics) recordResurrected(ctx context.Context, node, reason string) {
	if m != nil {
		addOne(ctx, m.nodesResurrected, attribute.String("node", node), attribute.String("reason", reason))
	}
}

func (m *metrics) recordSniff(ctx context.Context, result string) {
	if m != nil {
		addOne(ctx, m.sniffs, attribute.String("result", result))
	}
}

// recordBreakerRequest counts an attempt passing a breaker. result is one
// of "success", "failure" or "rejected".
func (m *metrics) recordBreakerRequest(ctx context.Context, name, result string) {
	if m != nil {
		addOne(ctx, m.breakerRequests, attribute.String("breaker.name", name), attribute.String("result", result))
	}
}

func (m *metrics) recordBreakerState(ctx context.Context, name string, state int64) {
	if m != nil && m.breakerState != nil {
		m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String("breaker.name", name)))
	}
}
