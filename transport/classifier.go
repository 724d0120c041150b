package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// outcome is the result of classifying a failed attempt.
type outcome int

const (
	// outcomeFatal stops the retry loop and returns the error to the caller.
	outcomeFatal outcome = iota

	// outcomeRetryable marks the connection dead and tries another one.
	outcomeRetryable
)

func (o outcome) String() string {
	if o == outcomeRetryable {
		return "retryable"
	}
	return "fatal"
}

// retryPolicy decides which failures are worth another attempt.
//
// Rules:
//   - ConnectionError: always retryable
//   - ConnectionTimeout: retryable only when RetryOnTimeout is set
//   - TransportError: retryable only when its status is in RetryOnStatus
//   - anything else (SerializationError, context cancellation): fatal
type retryPolicy struct {
	retryOnTimeout bool
	retryOnStatus  map[int]struct{}
}

func newRetryPolicy(onTimeout bool, statuses []int) retryPolicy {
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return retryPolicy{retryOnTimeout: onTimeout, retryOnStatus: set}
}

// classify maps an attempt error to an outcome.
func (p retryPolicy) classify(err error) outcome {
	var (
		connErr    *ConnectionError
		timeoutErr *ConnectionTimeout
		apiErr     *TransportError
	)

	switch {
	case err == nil:
		return outcomeFatal
	case errors.As(err, &timeoutErr):
		if p.retryOnTimeout {
			return outcomeRetryable
		}
		return outcomeFatal
	case errors.As(err, &connErr):
		return outcomeRetryable
	case errors.As(err, &apiErr):
		if _, ok := p.retryOnStatus[apiErr.StatusCode]; ok {
			return outcomeRetryable
		}
		return outcomeFatal
	default:
		return outcomeFatal
	}
}

// wrapNetworkError turns an error from http.Client.Do into the transport
// taxonomy. Caller cancellation is returned as the bare context error so
// that it is never retried.
func wrapNetworkError(parent context.Context, node Node, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if isTimeoutError(err) {
		return &ConnectionTimeout{Node: node, Timeout: timeout, Err: err}
	}
	return &ConnectionError{Node: node, Err: err}
}

// isTimeoutError reports whether err means the node did not answer in time.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ETIMEDOUT)
}

// errorType returns the error.type attribute value for a failed attempt.
func errorType(err error) string {
	var (
		apiErr *TransportError
		serErr *SerializationError
		dnsErr *net.DNSError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &apiErr):
		return apiErr.Kind()
	case errors.As(err, &serErr):
		return "serialization_error"
	case isBreakerRejection(err):
		return "circuit_open"
	case isTimeoutError(err):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns_error"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection_reset"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "x509") || strings.Contains(msg, "tls:"):
		return "tls_error"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "eof"):
		return "eof"
	}
	return "unknown"
}
