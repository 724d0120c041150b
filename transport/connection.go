package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Connection performs raw exchanges against one node. It never retries.
//
// Connections are compared by identity: two Connections built from equal
// nodes are distinct and carry distinct health state in a pool.
type Connection interface {
	// Node returns the node the connection is bound to.
	Node() Node

	// PerformRequest executes exactly one exchange. A response whose status
	// is 2xx, listed in req.Ignore, or 404 to a HEAD request is returned as
	// success; anything else is a *TransportError.
	PerformRequest(ctx context.Context, req *Request) (*RawResponse, error)

	// Close releases resources owned by the connection.
	Close() error
}

// Request is one attempt as seen by a Connection.
type Request struct {
	// Method is the HTTP method.
	Method string

	// Path is the percent-encoded path, including any query string.
	Path string

	// Header holds caller headers already merged with transport defaults.
	// Connection defaults are added under them.
	Header http.Header

	// Body is the encoded payload, nil for none.
	Body []byte

	// Timeout bounds this attempt. Zero uses the session default.
	Timeout time.Duration

	// Ignore lists statuses returned as success instead of an error.
	Ignore []int
}

// RawResponse is the undecoded result of a successful exchange.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

var _ Connection = (*HTTPConnection)(nil)

// HTTPConnection is the net/http Connection.
type HTTPConnection struct {
	node     Node
	baseURL  string
	client   *http.Client
	owned    bool
	compress bool
	headers  http.Header
	timeout  time.Duration

	cfg        *internalConfig
	breaker    CircuitBreaker
	propagator propagation.TextMapPropagator
}

// NewHTTPConnection builds a standalone connection with its own session.
func NewHTTPConnection(node Node, opts ...Option) (*HTTPConnection, error) {
	cfg := newConfig(opts...)
	if len(cfg.errs) > 0 {
		return nil, errors.Join(cfg.errs...)
	}
	c, err := newHTTPConnection(node, cfg.buildClient(), cfg)
	if err != nil {
		return nil, err
	}
	c.owned = true
	return c, nil
}

// newHTTPConnection binds node to the shared session. Nodes with their own
// TLS settings get a private copy of the session transport.
func newHTTPConnection(node Node, shared *http.Client, cfg *internalConfig) (*HTTPConnection, error) {
	node = node.normalize()

	c := &HTTPConnection{
		node:       node,
		baseURL:    node.URL(),
		client:     shared,
		compress:   cfg.httpCompress,
		timeout:    cfg.httpConfig.Timeout,
		cfg:        cfg,
		propagator: cfg.Propagators,
	}
	if node.HTTPCompress != nil {
		c.compress = *node.HTTPCompress
	}

	if !node.TLS.IsZero() && cfg.httpClient == nil {
		tlsCfg, err := buildNodeTLS(node, cfg.TLSConfig)
		if err != nil {
			return nil, err
		}
		tr := cfg.buildTransport()
		tr.TLSClientConfig = tlsCfg
		c.client = &http.Client{Transport: tr}
		c.owned = true
	}

	c.headers = cfg.headers.Clone()
	for k, vs := range node.Headers {
		c.headers[http.CanonicalHeaderKey(k)] = slices.Clone(vs)
	}
	if c.headers.Get("User-Agent") == "" && cfg.userAgent != "" {
		c.headers.Set("User-Agent", cfg.userAgent)
	}
	if node.OpaqueID != "" {
		c.headers.Set("X-Opaque-Id", node.OpaqueID)
	}
	if c.compress {
		c.headers.Set("Accept-Encoding", "gzip")
	}

	if cfg.breakerConfig != nil {
		c.breaker = newCircuitBreaker(node.URL(), cfg)
	}

	return c, nil
}

// buildNodeTLS derives the TLS configuration of a node from the session one.
func buildNodeTLS(node Node, base *tls.Config) (*tls.Config, error) {
	var tlsCfg *tls.Config
	if base != nil {
		tlsCfg = base.Clone()
	} else {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	t := node.TLS
	tlsCfg.InsecureSkipVerify = t.InsecureSkipVerify //nolint:gosec // opt-in per node
	if t.ServerName != "" {
		tlsCfg.ServerName = t.ServerName
	}

	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("node %s: read ca cert: %w", node, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("node %s: no certificates in %s", node, t.CACertFile)
		}
		tlsCfg.RootCAs = pool
	}

	if t.ClientCertFile != "" || t.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("node %s: load client cert: %w", node, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// Node implements Connection.
func (c *HTTPConnection) Node() Node { return c.node }

// String implements fmt.Stringer.
func (c *HTTPConnection) String() string { return "<HTTPConnection: " + c.baseURL + ">" }

// Close implements Connection. The shared session is closed by the Transport.
func (c *HTTPConnection) Close() error {
	if c.owned {
		c.client.CloseIdleConnections()
	}
	return nil
}

// PerformRequest implements Connection.
func (c *HTTPConnection) PerformRequest(ctx context.Context, req *Request) (*RawResponse, error) {
	if c.breaker == nil {
		return c.perform(ctx, req)
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.perform(ctx, req)
	})
	switch {
	case isBreakerRejection(err):
		c.cfg.Metrics.recordBreakerRequest(ctx, c.baseURL, "rejected")
		return nil, &ConnectionError{Node: c.node, Err: err}
	case err != nil:
		c.cfg.Metrics.recordBreakerRequest(ctx, c.baseURL, "failure")
		return nil, err
	}

	c.cfg.Metrics.recordBreakerRequest(ctx, c.baseURL, "success")
	raw, ok := res.(*RawResponse)
	if !ok {
		return nil, errors.New("circuit breaker returned unknown response type")
	}
	return raw, nil
}

// perform runs one instrumented exchange.
func (c *HTTPConnection) perform(ctx context.Context, req *Request) (*RawResponse, error) {
	start := time.Now()
	fullURL := c.url(req.Path)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	header := c.mergeHeaders(req.Header, len(req.Body) > 0)

	payload := req.Body
	if c.compress && len(payload) > 0 {
		gz, err := gzipBody(payload)
		if err != nil {
			return nil, &SerializationError{Err: fmt.Errorf("gzip request body: %w", err)}
		}
		payload = gz
		header.Set("Content-Encoding", "gzip")
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = header

	attemptCtx, span := c.cfg.Tracer.Start(attemptCtx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(requestAttributes(c.cfg, httpReq, c.node)...),
	)
	defer span.End()

	c.propagator.Inject(attemptCtx, propagation.HeaderCarrier(httpReq.Header))

	baseAttrs := c.cfg.baseAttributes()
	c.cfg.Metrics.recordActiveRequestStart(attemptCtx, baseAttrs)
	defer c.cfg.Metrics.recordActiveRequestEnd(attemptCtx, baseAttrs)

	if len(payload) > 0 {
		c.cfg.Metrics.recordRequestBodySize(attemptCtx, int64(len(payload)), baseAttrs)
	}

	var nt *networkTrace
	if c.cfg.EnableNetworkTrace {
		nt = &networkTrace{}
		attemptCtx = httptrace.WithClientTrace(attemptCtx, nt.clientTrace())
	}
	httpReq = httpReq.WithContext(attemptCtx)

	status, respHeader, respBody, err := c.roundTrip(httpReq)
	duration := time.Since(start)

	if nt != nil {
		nt.finish(attemptCtx, span, c.cfg.Metrics, baseAttrs)
	}

	if c.cfg.TraceLogger != nil {
		logTrace(c.cfg.TraceLogger, generateCurlCommand(req.Method, fullURL, httpReq.Header, req.Body), status, respBody)
	}

	if err != nil {
		var serErr *SerializationError
		if !errors.As(err, &serErr) {
			err = wrapNetworkError(ctx, c.node, timeout, err)
		}
		errType := errorType(err)
		setSpanError(span, err, errType)
		c.cfg.Metrics.recordError(attemptCtx, errType, baseAttrs)
		c.cfg.Metrics.recordRequestDuration(attemptCtx, duration, metricsAttributes(c.cfg, req.Method, c.node, 0))
		logFailure(c.cfg.Logger, req.Method, fullURL, 0, duration, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", status))
	c.cfg.Metrics.recordResponseBodySize(attemptCtx, int64(len(respBody)), baseAttrs)
	c.cfg.Metrics.recordRequestDuration(attemptCtx, duration, metricsAttributes(c.cfg, req.Method, c.node, status))

	if isSuccess(req.Method, status, req.Ignore) {
		logSuccess(c.cfg.Logger, req.Method, fullURL, status, duration)
		return &RawResponse{StatusCode: status, Header: respHeader, Body: respBody, Duration: duration}, nil
	}

	apiErr := newTransportError(status, respHeader, respBody)
	span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	span.SetAttributes(attribute.String("error.type", apiErr.Kind()))
	c.cfg.Metrics.recordError(attemptCtx, apiErr.Kind(), baseAttrs)
	logFailure(c.cfg.Logger, req.Method, fullURL, status, duration, apiErr)
	return nil, apiErr
}

// roundTrip sends req and reads the whole, decoded body.
func (c *HTTPConnection) roundTrip(req *http.Request) (int, http.Header, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, nil, nil, err
		}
		return resp.StatusCode, resp.Header, body, nil
	}

	// A failed read of the wire is a network error; anything else the gzip
	// reader reports means the node sent a body that does not decode.
	src := &errRecorder{r: resp.Body}
	gz, err := gzip.NewReader(src)
	if err == nil {
		defer gz.Close()
		var body []byte
		if body, err = io.ReadAll(gz); err == nil {
			return resp.StatusCode, resp.Header, body, nil
		}
	}
	if src.err != nil {
		return 0, nil, nil, src.err
	}
	return 0, nil, nil, &SerializationError{Err: fmt.Errorf("gunzip response: %w", err)}
}

// errRecorder remembers the first non-EOF error of r.
type errRecorder struct {
	r   io.Reader
	err error
}

func (e *errRecorder) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF && e.err == nil {
		e.err = err
	}
	return n, err
}

// url joins the node base URL and an encoded path.
func (c *HTTPConnection) url(path string) string {
	if path != "" && !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "?") {
		path = "/" + path
	}
	return c.baseURL + path
}

// mergeHeaders adds connection defaults under the caller's headers.
func (c *HTTPConnection) mergeHeaders(caller http.Header, hasBody bool) http.Header {
	h := caller.Clone()
	if h == nil {
		h = http.Header{}
	}
	for k, vs := range c.headers {
		if _, set := h[k]; !set {
			h[k] = slices.Clone(vs)
		}
	}
	if hasBody && h.Get("Content-Type") == "" {
		h.Set("Content-Type", MimeTypeJSON)
	}
	return h
}

// isSuccess reports whether a status completes the exchange without error.
func isSuccess(method string, status int, ignore []int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	if method == http.MethodHead && status == http.StatusNotFound {
		return true
	}
	return slices.Contains(ignore, status)
}

func gzipBody(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
