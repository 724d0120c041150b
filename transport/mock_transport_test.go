package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTransport_RoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		mock       func() *MockTransport
		method     string
		url        string
		wantStatus int
		wantBody   string
		wantType   string
		wantErr    bool
	}{
		{
			name:       "given fallback response, then served",
			mock:       func() *MockTransport { return NewMockTransport().StubResponse(http.StatusOK, `{"a":1}`) },
			method:     http.MethodGet,
			url:        "http://es-1:9200/",
			wantStatus: http.StatusOK,
			wantBody:   `{"a":1}`,
			wantType:   MimeTypeJSON,
		},
		{
			name: "given host stub, then it wins over fallback",
			mock: func() *MockTransport {
				return NewMockTransport().
					StubResponse(http.StatusOK, `{}`).
					StubHost("es-2:9200", http.StatusServiceUnavailable, `{"error":"down"}`)
			},
			method:     http.MethodGet,
			url:        "http://es-2:9200/",
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"error":"down"}`,
			wantType:   MimeTypeJSON,
		},
		{
			name:       "given path stub, then matched by path only",
			mock:       func() *MockTransport { return NewMockTransport().StubPath("/_cat/health", http.StatusOK, `[]`) },
			method:     http.MethodGet,
			url:        "http://es-3:9200/_cat/health?v=true",
			wantStatus: http.StatusOK,
			wantBody:   `[]`,
			wantType:   MimeTypeJSON,
		},
		{
			name:       "given method stub, then no content type",
			mock:       func() *MockTransport { return NewMockTransport().StubMethod(http.MethodHead, http.StatusNotFound, "") },
			method:     http.MethodHead,
			url:        "http://es-1:9200/idx",
			wantStatus: http.StatusNotFound,
		},
		{
			name:    "given host error stub, then error",
			mock:    func() *MockTransport { return NewMockTransport().StubHostError("es-1:9200", errRefused) },
			method:  http.MethodGet,
			url:     "http://es-1:9200/",
			wantErr: true,
		},
		{
			name:    "given no stub, then error",
			mock:    NewMockTransport,
			method:  http.MethodGet,
			url:     "http://es-1:9200/",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.mock()
			resp, err := m.RoundTrip(httptest.NewRequest(tt.method, tt.url, nil))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantBody, string(body))
			assert.Equal(t, tt.wantType, resp.Header.Get("Content-Type"))
		})
	}
}

func TestMockTransport_Recording(t *testing.T) {
	m := NewMockTransport().StubResponse(http.StatusOK, `{}`)

	assert.Nil(t, m.LastRequest())

	for _, u := range []string{"http://es-1:9200/a", "http://es-2:9200/b", "http://es-1:9200/c"} {
		resp, err := m.RoundTrip(httptest.NewRequest(http.MethodGet, u, nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, 3, m.RequestCount())
	assert.Len(t, m.Requests(), 3)
	assert.Equal(t, 2, m.HostRequestCount("es-1:9200"))
	assert.Equal(t, "/c", m.LastRequest().URL.Path)

	m.Reset()
	assert.Zero(t, m.RequestCount())
	_, err := m.RoundTrip(httptest.NewRequest(http.MethodGet, "http://es-1:9200/", nil))
	assert.Error(t, err, "stubs are cleared too")
}

func TestMockTransport_RepeatedBody(t *testing.T) {
	m := NewMockTransport().StubResponse(http.StatusOK, `{"n":1}`)

	for range 2 {
		resp, err := m.RoundTrip(httptest.NewRequest(http.MethodGet, "http://es-1:9200/", nil))
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, `{"n":1}`, string(body))
	}
}
