package transport

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportError_Kind(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantKind     string
		wantSentinel error
	}{
		{"given 400, then BadRequest", http.StatusBadRequest, "BadRequest", ErrBadRequest},
		{"given 401, then Unauthorized", http.StatusUnauthorized, "Unauthorized", ErrUnauthorized},
		{"given 403, then Forbidden", http.StatusForbidden, "Forbidden", ErrForbidden},
		{"given 404, then NotFound", http.StatusNotFound, "NotFound", ErrNotFound},
		{"given 409, then Conflict", http.StatusConflict, "Conflict", ErrConflict},
		{"given 413, then PayloadTooLarge", http.StatusRequestEntityTooLarge, "PayloadTooLarge", ErrPayloadTooLarge},
		{"given 500, then InternalServerError", http.StatusInternalServerError, "InternalServerError", ErrInternalServerError},
		{"given 502, then BadGateway", http.StatusBadGateway, "BadGateway", ErrBadGateway},
		{"given 503, then ServiceUnavailable", http.StatusServiceUnavailable, "ServiceUnavailable", ErrServiceUnavailable},
		{"given 504, then GatewayTimeout", http.StatusGatewayTimeout, "GatewayTimeout", ErrGatewayTimeout},
		{"given unmapped 429, then ApiError", http.StatusTooManyRequests, "ApiError", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTransportError(tt.status, http.Header{}, []byte(`{"error":"x"}`))

			assert.Equal(t, tt.wantKind, err.Kind())
			if tt.wantSentinel != nil {
				assert.ErrorIs(t, err, tt.wantSentinel)
			}
			assert.NotErrorIs(t, err, ErrConflict, "only the matching sentinel")
		})
	}
}

func TestTransportError_Error(t *testing.T) {
	t.Run("given short body, then message carries kind, status and body", func(t *testing.T) {
		err := newTransportError(http.StatusNotFound, nil, []byte(`{"found":false}`))
		assert.Equal(t, `NotFound(404): {"found":false}`, err.Error())
	})

	t.Run("given long body, then message is truncated", func(t *testing.T) {
		err := newTransportError(http.StatusInternalServerError, nil, []byte(strings.Repeat("x", 2000)))
		assert.Less(t, len(err.Error()), 600)
		assert.Len(t, err.Body, 2000, "raw body is kept whole")
	})
}

func TestConnectionErrors_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	node := Node{Host: "es-1", Port: 9200}

	connErr := &ConnectionError{Node: node, Err: cause}
	assert.ErrorIs(t, connErr, cause)
	assert.Contains(t, connErr.Error(), "http://es-1:9200")

	timeoutErr := &ConnectionTimeout{Node: node, Err: cause}
	assert.ErrorIs(t, timeoutErr, cause)
	assert.Contains(t, timeoutErr.Error(), "connection timeout")

	serErr := &SerializationError{Value: make(chan int), Err: cause}
	assert.ErrorIs(t, serErr, cause)
	assert.Contains(t, serErr.Error(), "chan int")
}
