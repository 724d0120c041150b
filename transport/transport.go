package transport

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// ErrNoNodes is returned by New when no node is configured.
var ErrNoNodes = errors.New("transport: at least one node is required")

// Transport sends calls to a pool of interchangeable nodes, failing over
// and retrying according to the retry configuration.
//
// A Transport is safe for concurrent use. Clones share the pool and the
// HTTP session with the Transport they were cloned from.
type Transport struct {
	cfg          *internalConfig
	pool         *ConnectionPool
	client       *http.Client
	deserializer *Deserializer
	serializer   Serializer
	policy       retryPolicy
	limiter      *rateLimiter

	// headers are request-scoped headers of this Transport, set by Clone.
	headers http.Header

	shared *sharedState
}

// sharedState is common to a Transport and its clones.
type sharedState struct {
	sniffGroup singleflight.Group
	lastSniff  atomic.Int64
	closeOnce  sync.Once
	closeErr   error
}

// New builds a Transport.
//
// Example:
//
//	tr, err := transport.New(
//	    transport.WithNodes("http://es-1:9200", "http://es-2:9200"),
//	    transport.WithRetryOnTimeout(true),
//	)
func New(opts ...Option) (*Transport, error) {
	cfg := newConfig(opts...)
	if len(cfg.errs) > 0 {
		return nil, errors.Join(cfg.errs...)
	}
	if len(cfg.nodes) == 0 {
		return nil, ErrNoNodes
	}

	deserializer, err := NewDeserializer(MimeTypeJSON, cfg.serializers...)
	if err != nil {
		return nil, err
	}

	client := cfg.buildClient()
	factory := func(n Node) (Connection, error) {
		return newHTTPConnection(n, client, cfg)
	}
	pool, err := newConnectionPool(cfg.nodes, factory, cfg)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:          cfg,
		pool:         pool,
		client:       client,
		deserializer: deserializer,
		serializer:   cfg.serializer,
		policy:       newRetryPolicy(cfg.retryOnTimeout, cfg.retryOnStatus),
		limiter:      newRateLimiter(cfg.rateLimit),
		headers:      http.Header{},
		shared:       &sharedState{},
	}

	if cfg.sniffer != nil && cfg.sniffConfig.OnStart {
		t.sniffQuietly(context.Background(), "start")
	}

	return t, nil
}

// Pool returns the connection pool.
func (t *Transport) Pool() *ConnectionPool { return t.pool }

// RateLimiterStats returns the rate limiter state, zero when disabled.
func (t *Transport) RateLimiterStats() RateLimiterStats { return t.limiter.stats() }

// Clone returns a Transport sharing the pool and HTTP session, with its own
// copy of the request-scoped headers plus extra.
func (t *Transport) Clone(extra http.Header) *Transport {
	c := *t
	c.headers = t.headers.Clone()
	for k, vs := range extra {
		c.headers[http.CanonicalHeaderKey(k)] = slices.Clone(vs)
	}
	return &c
}

// Close closes the pool and idle sockets of the shared session. It affects
// every clone and is safe to call more than once.
func (t *Transport) Close() error {
	t.shared.closeOnce.Do(func() {
		t.shared.closeErr = t.pool.Close()
		if t.cfg.httpClient == nil {
			t.client.CloseIdleConnections()
		}
	})
	return t.shared.closeErr
}

// PerformRequest performs a call with failover.
//
// params are encoded into the query string, except ParamRequestTimeout and
// ParamIgnore which configure the call. body is sent as-is when it is a
// string or []byte and serialized otherwise.
//
// The call makes at most MaxRetries+1 attempts. Retryable failures mark the
// node dead and move on to the next one; any other failure, or the last
// retryable one, is returned as-is. The node of that last retryable failure
// is marked dead as well, even though no further attempt follows, so an
// exhausted call leaves every node it tried quarantined.
//
// A HEAD request answered with 404 is not an error: its Response holds Bool
// content false.
func (t *Transport) PerformRequest(
	ctx context.Context,
	method, path string,
	params Params,
	headers http.Header,
	body any,
) (*Response, error) {
	start := time.Now()

	call, query, err := resolveParams(params)
	if err != nil {
		return nil, err
	}
	payload, err := newRequestBody(body).encode(t.serializer)
	if err != nil {
		return nil, err
	}

	ctx, span := t.cfg.Tracer.Start(ctx, "transport.perform_request",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	attrs := append(t.cfg.baseAttributes(), attribute.String("http.request.method", method))
	defer func() {
		t.cfg.Metrics.recordRetryDuration(ctx, attrs, time.Since(start))
	}()

	if t.sniffDue() {
		t.sniffQuietly(ctx, "interval")
	}

	req := &Request{
		Method:  method,
		Path:    withQuery(path, query),
		Header:  t.mergeHeaders(headers, payload != nil),
		Body:    payload,
		Timeout: call.timeout,
		Ignore:  call.ignore,
	}

	var bo backoff.BackOff
	if t.cfg.retryBackOff != nil {
		bo = t.cfg.retryBackOff()
		bo.Reset()
	}

	for attempt := 0; ; attempt++ {
		resp, conn, err := t.attempt(ctx, req)
		if err == nil {
			span.SetAttributes(
				attribute.Int("transport.attempts", attempt+1),
				attribute.Int("http.response.status_code", resp.StatusCode),
			)
			return resp, nil
		}

		if t.policy.classify(err) == outcomeFatal {
			setSpanError(span, err, errorType(err))
			return nil, err
		}

		if conn != nil {
			t.pool.MarkDead(conn)
		}
		if t.cfg.sniffer != nil && t.cfg.sniffConfig.OnConnectionFail {
			t.sniffQuietly(ctx, "connection_fail")
		}

		if attempt >= t.cfg.maxRetries {
			t.cfg.Metrics.recordRetryExhausted(ctx, attrs)
			span.SetAttributes(attribute.Int("transport.attempts", attempt+1))
			setSpanError(span, err, errorType(err))
			return nil, err
		}

		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("transport.attempt", attempt+1),
			attribute.String("error.type", errorType(err)),
		))
		t.cfg.Metrics.recordRetryAttempt(ctx, attrs, attempt+1)

		if !t.wait(ctx, bo) {
			span.SetStatus(codes.Error, "retry aborted")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}
}

// attempt runs one exchange and builds its Response. conn is returned with
// the error so that the caller can mark it dead.
func (t *Transport) attempt(ctx context.Context, req *Request) (*Response, Connection, error) {
	conn, err := t.pool.GetConnection()
	if err != nil {
		return nil, nil, err
	}
	if err := t.limiter.acquire(ctx); err != nil {
		return nil, nil, err
	}

	raw, err := conn.PerformRequest(ctx, req)
	if err != nil {
		return nil, conn, err
	}
	t.pool.MarkLive(conn)

	resp, err := t.buildResponse(req.Method, raw)
	return resp, conn, err
}

// buildResponse decodes raw by its Content-Type.
func (t *Transport) buildResponse(method string, raw *RawResponse) (*Response, error) {
	resp := &Response{StatusCode: raw.StatusCode, Header: raw.Header}

	switch {
	case method == http.MethodHead:
		resp.Content = BoolContent(raw.StatusCode >= 200 && raw.StatusCode < 300)
	case len(raw.Body) == 0:
		resp.Content = TextContent("")
	default:
		v, err := t.deserializer.Loads(raw.Body, raw.Header.Get("Content-Type"))
		if err != nil {
			return nil, err
		}
		resp.Content = contentOf(v)
	}
	return resp, nil
}

// mergeHeaders layers caller headers over the request-scoped ones.
func (t *Transport) mergeHeaders(caller http.Header, hasBody bool) http.Header {
	h := t.headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	for k, vs := range caller {
		h[http.CanonicalHeaderKey(k)] = slices.Clone(vs)
	}
	if hasBody && h.Get("Content-Type") == "" {
		h.Set("Content-Type", t.serializer.MimeType())
	}
	return h
}

// wait sleeps for the next retry delay. It reports false when the backoff
// gave up or ctx ended.
func (t *Transport) wait(ctx context.Context, bo backoff.BackOff) bool {
	if bo == nil {
		return ctx.Err() == nil
	}
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
