package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Classify(t *testing.T) {
	node := Node{Host: "es-1", Port: 9200}

	type args struct {
		onTimeout bool
		statuses  []int
		err       error
	}
	tests := []struct {
		name string
		args args
		want outcome
	}{
		{
			name: "given connection error, then retryable",
			args: args{statuses: DefaultRetryOnStatus(), err: &ConnectionError{Node: node, Err: syscall.ECONNREFUSED}},
			want: outcomeRetryable,
		},
		{
			name: "given wrapped connection error, then retryable",
			args: args{err: fmt.Errorf("attempt: %w", &ConnectionError{Node: node})},
			want: outcomeRetryable,
		},
		{
			name: "given timeout and retry on timeout disabled, then fatal",
			args: args{err: &ConnectionTimeout{Node: node}},
			want: outcomeFatal,
		},
		{
			name: "given timeout and retry on timeout enabled, then retryable",
			args: args{onTimeout: true, err: &ConnectionTimeout{Node: node}},
			want: outcomeRetryable,
		},
		{
			name: "given 503 in retry statuses, then retryable",
			args: args{statuses: DefaultRetryOnStatus(), err: newTransportError(http.StatusServiceUnavailable, nil, nil)},
			want: outcomeRetryable,
		},
		{
			name: "given 503 with retry statuses (500), then fatal",
			args: args{statuses: []int{500}, err: newTransportError(http.StatusServiceUnavailable, nil, nil)},
			want: outcomeFatal,
		},
		{
			name: "given 500 with retry statuses (500), then retryable",
			args: args{statuses: []int{500}, err: newTransportError(http.StatusInternalServerError, nil, nil)},
			want: outcomeRetryable,
		},
		{
			name: "given 400, then fatal",
			args: args{statuses: DefaultRetryOnStatus(), err: newTransportError(http.StatusBadRequest, nil, nil)},
			want: outcomeFatal,
		},
		{
			name: "given serialization error, then fatal",
			args: args{statuses: DefaultRetryOnStatus(), err: &SerializationError{Err: errors.New("bad json")}},
			want: outcomeFatal,
		},
		{
			name: "given context canceled, then fatal",
			args: args{err: context.Canceled},
			want: outcomeFatal,
		},
		{
			name: "given nil, then fatal",
			args: args{},
			want: outcomeFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newRetryPolicy(tt.args.onTimeout, tt.args.statuses)
			assert.Equal(t, tt.want, p.classify(tt.args.err))
		})
	}
}

func TestWrapNetworkError(t *testing.T) {
	node := Node{Host: "es-1", Port: 9200}

	t.Run("given cancelled parent, then returns bare context error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := wrapNetworkError(ctx, node, time.Second, errors.New("net/http: request canceled"))
		assert.ErrorIs(t, err, context.Canceled)

		var connErr *ConnectionError
		assert.False(t, errors.As(err, &connErr))
	})

	t.Run("given attempt deadline exceeded, then ConnectionTimeout", func(t *testing.T) {
		err := wrapNetworkError(context.Background(), node, time.Second, context.DeadlineExceeded)

		var timeoutErr *ConnectionTimeout
		assert.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, time.Second, timeoutErr.Timeout)
	})

	t.Run("given refused connection, then ConnectionError", func(t *testing.T) {
		cause := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		err := wrapNetworkError(context.Background(), node, time.Second, cause)

		var connErr *ConnectionError
		assert.ErrorAs(t, err, &connErr)
		assert.Equal(t, node, connErr.Node)
	})
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"given nil, then empty", nil, ""},
		{"given canceled, then cancelled", context.Canceled, "cancelled"},
		{"given transport error, then kind", newTransportError(http.StatusConflict, nil, nil), "Conflict"},
		{"given undecodable body, then serialization_error", &SerializationError{Err: errors.New("gunzip response: unexpected EOF")}, "serialization_error"},
		{"given open breaker, then circuit_open", &ConnectionError{Err: gobreaker.ErrOpenState}, "circuit_open"},
		{"given deadline, then timeout", context.DeadlineExceeded, "timeout"},
		{"given dns error, then dns_error", &net.DNSError{Err: "no such host", Name: "es-1"}, "dns_error"},
		{"given ECONNREFUSED, then connection_refused", syscall.ECONNREFUSED, "connection_refused"},
		{"given ECONNRESET, then connection_reset", syscall.ECONNRESET, "connection_reset"},
		{"given x509 message, then tls_error", errors.New("x509: certificate signed by unknown authority"), "tls_error"},
		{"given EOF message, then eof", errors.New("unexpected EOF"), "eof"},
		{"given anything else, then unknown", errors.New("boom"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorType(tt.err))
		})
	}
}
