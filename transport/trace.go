package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// phase is one timed step of an attempt. Zero values mean the step did not
// happen, e.g. no dial on a reused connection.
type phase struct {
	start, end time.Time
}

func (p phase) done() bool { return !p.start.IsZero() && !p.end.IsZero() }

func (p phase) elapsed() time.Duration { return p.end.Sub(p.start) }

// networkTrace collects httptrace timings for one attempt against a node.
type networkTrace struct {
	mu sync.Mutex

	dns       phase
	dial      phase
	handshake phase
	// firstByte runs from request written to first response byte.
	firstByte phase

	resolved []string
	alpn     string
	conn     httptrace.GotConnInfo
	peer     string
	gotConn  time.Time
}

func (nt *networkTrace) stamp(f func(now time.Time)) {
	now := time.Now()
	nt.mu.Lock()
	f(now)
	nt.mu.Unlock()
}

func (nt *networkTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { nt.stamp(func(t time.Time) { nt.dns.start = t }) },
		DNSDone: func(info httptrace.DNSDoneInfo) {
			nt.stamp(func(t time.Time) {
				nt.dns.end = t
				for _, a := range info.Addrs {
					nt.resolved = append(nt.resolved, a.String())
				}
			})
		},
		ConnectStart: func(_, _ string) {
			nt.stamp(func(t time.Time) {
				// dual stack dialing reports several starts
				if nt.dial.start.IsZero() {
					nt.dial.start = t
				}
			})
		},
		ConnectDone:       func(_, _ string, _ error) { nt.stamp(func(t time.Time) { nt.dial.end = t }) },
		TLSHandshakeStart: func() { nt.stamp(func(t time.Time) { nt.handshake.start = t }) },
		TLSHandshakeDone: func(cs tls.ConnectionState, _ error) {
			nt.stamp(func(t time.Time) {
				nt.handshake.end = t
				nt.alpn = cs.NegotiatedProtocol
			})
		},
		GotConn: func(info httptrace.GotConnInfo) {
			nt.stamp(func(t time.Time) {
				nt.gotConn = t
				nt.conn = info
				if info.Conn != nil && info.Conn.RemoteAddr() != nil {
					nt.peer = info.Conn.RemoteAddr().String()
				}
			})
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { nt.stamp(func(t time.Time) { nt.firstByte.start = t }) },
		GotFirstResponseByte: func() { nt.stamp(func(t time.Time) { nt.firstByte.end = t }) },
	}
}

// finish adds one span event per completed phase and feeds the matching
// timing histograms.
func (nt *networkTrace) finish(ctx context.Context, span trace.Span, m *metrics, attrs []attribute.KeyValue) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	steps := []struct {
		event  string
		p      phase
		extra  []attribute.KeyValue
		record func(context.Context, time.Duration, []attribute.KeyValue)
	}{
		{"dns.done", nt.dns, []attribute.KeyValue{attribute.StringSlice("dns.addresses", nt.resolved)}, m.recordDNSDuration},
		{"connect.done", nt.dial, nil, m.recordConnectionDuration},
		{"tls.done", nt.handshake, []attribute.KeyValue{attribute.String("tls.protocol", nt.alpn)}, m.recordTLSDuration},
		{"got_first_response_byte", nt.firstByte, nil, m.recordTTFB},
	}
	for _, s := range steps {
		if !s.p.done() {
			continue
		}
		ev := with(s.extra, attribute.Float64("duration_ms", float64(s.p.elapsed().Microseconds())/1000))
		span.AddEvent(s.event, trace.WithTimestamp(s.p.end), trace.WithAttributes(ev...))
		s.record(ctx, s.p.elapsed(), attrs)
	}

	if !nt.gotConn.IsZero() {
		span.AddEvent("got_conn", trace.WithTimestamp(nt.gotConn), trace.WithAttributes(
			attribute.Bool("connection.reused", nt.conn.Reused),
			attribute.Bool("connection.was_idle", nt.conn.WasIdle),
			attribute.String("network.peer.address", nt.peer),
		))
	}
}

// requestAttributes returns span attributes for an attempt.
func requestAttributes(cfg *internalConfig, req *http.Request, node Node) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 8)
	attrs = append(attrs, cfg.baseAttributes()...)
	attrs = append(attrs,
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("url.scheme", node.Scheme),
		attribute.String("server.address", node.Host),
		attribute.Int("server.port", node.Port),
	)
	if req.ContentLength > 0 {
		attrs = append(attrs, attribute.Int64("http.request.body.size", req.ContentLength))
	}
	if ua := req.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}

// metricsAttributes returns the low-cardinality attributes of an attempt.
// status is zero when no response was received.
func metricsAttributes(cfg *internalConfig, method string, node Node, status int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 5)
	attrs = append(attrs, cfg.baseAttributes()...)
	attrs = append(attrs,
		attribute.String("http.request.method", method),
		attribute.String("server.address", node.Host),
		attribute.Int("server.port", node.Port),
	)
	if status > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", status))
		if status >= 400 {
			attrs = append(attrs, attribute.String("error.type", strconv.Itoa(status)))
		}
	}
	return attrs
}

// setSpanError records an error on the span with status and error.type.
func setSpanError(span trace.Span, err error, errType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errType != "" {
		span.SetAttributes(attribute.String("error.type", errType))
	}
}
