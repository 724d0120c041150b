package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors matched by TransportError.Is, one per mapped status code.
//
// Example:
//
//	_, err := tr.PerformRequest(ctx, http.MethodGet, "/docs/1", nil, nil, nil)
//	if errors.Is(err, transport.ErrNotFound) {
//	    // the document does not exist
//	}
var (
	ErrBadRequest          = errors.New("bad request")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrInternalServerError = errors.New("internal server error")
	ErrBadGateway          = errors.New("bad gateway")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrGatewayTimeout      = errors.New("gateway timeout")
)

// ErrNoConnections is returned when the pool holds no connection at all.
var ErrNoConnections = errors.New("transport: no connections available")

// statusKinds maps HTTP status codes to their error kind and sentinel.
var statusKinds = map[int]struct {
	kind     string
	sentinel error
}{
	http.StatusBadRequest:            {"BadRequest", ErrBadRequest},
	http.StatusUnauthorized:          {"Unauthorized", ErrUnauthorized},
	http.StatusForbidden:             {"Forbidden", ErrForbidden},
	http.StatusNotFound:              {"NotFound", ErrNotFound},
	http.StatusConflict:              {"Conflict", ErrConflict},
	http.StatusRequestEntityTooLarge: {"PayloadTooLarge", ErrPayloadTooLarge},
	http.StatusInternalServerError:   {"InternalServerError", ErrInternalServerError},
	http.StatusBadGateway:            {"BadGateway", ErrBadGateway},
	http.StatusServiceUnavailable:    {"ServiceUnavailable", ErrServiceUnavailable},
	http.StatusGatewayTimeout:        {"GatewayTimeout", ErrGatewayTimeout},
}

// ConnectionError reports that a node could not be reached
// (DNS failure, refused or reset connection, open circuit breaker).
type ConnectionError struct {
	Node Node
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Node.URL(), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConnectionTimeout reports that a node did not answer within the
// per-attempt timeout.
type ConnectionTimeout struct {
	Node    Node
	Timeout time.Duration
	Err     error
}

func (e *ConnectionTimeout) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("connection timeout to %s after %s: %v", e.Node.URL(), e.Timeout, e.Err)
	}
	return fmt.Sprintf("connection timeout to %s: %v", e.Node.URL(), e.Err)
}

func (e *ConnectionTimeout) Unwrap() error { return e.Err }

// TransportError is returned for a response whose status is neither 2xx nor
// ignored by the caller. Body holds the raw response body for diagnostics.
type TransportError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func newTransportError(status int, header http.Header, body []byte) *TransportError {
	return &TransportError{StatusCode: status, Header: header, Body: body}
}

// Kind returns the error kind for the status code, e.g. "NotFound".
// Unmapped codes report "ApiError".
func (e *TransportError) Kind() string {
	if k, ok := statusKinds[e.StatusCode]; ok {
		return k.kind
	}
	return "ApiError"
}

func (e *TransportError) Error() string {
	const maxBody = 512
	body := e.Body
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return fmt.Sprintf("%s(%d): %s", e.Kind(), e.StatusCode, body)
}

// Is matches the sentinel error of the status code.
func (e *TransportError) Is(target error) bool {
	k, ok := statusKinds[e.StatusCode]
	return ok && k.sentinel == target
}

// SerializationError reports a failure to encode or decode a payload.
// Value is the offending value when encoding failed.
type SerializationError struct {
	Value any
	Err   error
}

func (e *SerializationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("serialization error for %T: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("serialization error: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
