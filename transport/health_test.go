package transport

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_HealthCheck(t *testing.T) {
	t.Run("given live nodes, then healthy", func(t *testing.T) {
		tr := newMockTransport(t, NewMockTransport(), WithNodes("es-1:9200", "es-2:9200"))
		assert.NoError(t, tr.HealthCheck(context.Background()))
	})

	t.Run("given every node quarantined, then ErrNoLiveConnections", func(t *testing.T) {
		mock := NewMockTransport().StubError(errRefused)
		tr := newMockTransport(t, mock, WithNodes("es-1:9200", "es-2:9200"), WithMaxRetries(1))

		_, err := tr.PerformRequest(context.Background(), http.MethodGet, "/", nil, nil, nil)
		require.Error(t, err)

		err = tr.HealthCheck(context.Background())
		assert.ErrorIs(t, err, ErrNoLiveConnections)
		assert.Contains(t, err.Error(), "2 of 2")
	})

	t.Run("given single failing node, then still healthy", func(t *testing.T) {
		mock := NewMockTransport().StubError(errRefused)
		tr := newMockTransport(t, mock, WithNodes("es-1:9200"), WithMaxRetries(0))

		_, err := tr.PerformRequest(context.Background(), http.MethodGet, "/", nil, nil, nil)
		require.Error(t, err)

		assert.NoError(t, tr.HealthCheck(context.Background()), "a lone node is never quarantined")
	})

	t.Run("given closed transport, then ErrNoConnections", func(t *testing.T) {
		tr, err := New(WithNodes("es-1:9200"), WithMockTransport(NewMockTransport()))
		require.NoError(t, err)
		require.NoError(t, tr.Close())

		assert.ErrorIs(t, tr.HealthCheck(context.Background()), ErrNoConnections)
	})

	t.Run("given cancelled context, then context error", func(t *testing.T) {
		tr := newMockTransport(t, NewMockTransport(), WithNodes("es-1:9200"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, tr.HealthCheck(ctx), context.Canceled)
	})
}
