package transport

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestGenerateCurlCommand(t *testing.T) {
	tests := []struct {
		name         string
		method       string
		url          string
		headers      http.Header
		body         []byte
		want         string
		wantContains []string
	}{
		{
			name:   "given GET request, then generates basic curl",
			method: http.MethodGet,
			url:    "http://es-1:9200/_cluster/health",
			want:   "curl 'http://es-1:9200/_cluster/health'",
		},
		{
			name:   "given HEAD request, then uses -I",
			method: http.MethodHead,
			url:    "http://es-1:9200/idx",
			want:   "curl -I 'http://es-1:9200/idx'",
		},
		{
			name:   "given POST with body, then includes method, header and data",
			method: http.MethodPost,
			url:    "http://es-1:9200/idx/_doc?refresh=true",
			headers: http.Header{
				"Content-Type": []string{"application/json"},
			},
			body: []byte(`{"a":1}`),
			want: `curl -X POST 'http://es-1:9200/idx/_doc?refresh=true' -H 'Content-Type: application/json' -d '{"a":1}'`,
		},
		{
			name:   "given multiple headers, then sorted",
			method: http.MethodGet,
			url:    "http://es-1:9200/",
			headers: http.Header{
				"X-Opaque-Id": []string{"job-1"},
				"Accept":      []string{"application/json"},
			},
			want: "curl 'http://es-1:9200/' -H 'Accept: application/json' -H 'X-Opaque-Id: job-1'",
		},
		{
			name:   "given compressed request, then Content-Encoding is dropped",
			method: http.MethodPut,
			url:    "http://es-1:9200/idx",
			headers: http.Header{
				"Content-Encoding": []string{"gzip"},
			},
			body: []byte(`{}`),
			want: "curl -X PUT 'http://es-1:9200/idx' -d '{}'",
		},
		{
			name:         "given body with single quotes, then escapes them",
			method:       http.MethodPost,
			url:          "http://es-1:9200/_search",
			body:         []byte(`{"q":"it's"}`),
			wantContains: []string{`-d '{"q":"it'\''s"}'`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := generateCurlCommand(tt.method, tt.url, tt.headers, tt.body)
			if tt.want != "" {
				assert.Equal(t, tt.want, got)
			}
			for _, s := range tt.wantContains {
				assert.Contains(t, got, s)
			}
		})
	}
}

func TestCompactBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"given pretty json, then compacted", "{\n  \"a\" : [1, 2]\n}", `{"a":[1,2]}`},
		{"given plain text, then unchanged", "epoch timestamp\n", "epoch timestamp\n"},
		{"given empty body, then empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compactBody([]byte(tt.body)))
		})
	}
}

func TestLogHelpers(t *testing.T) {
	t.Run("given failure without status, then status omitted", func(t *testing.T) {
		var buf bytes.Buffer
		logFailure(zerolog.New(&buf), http.MethodGet, "http://es-1:9200/", 0, time.Millisecond, errors.New("refused"))

		assert.Contains(t, buf.String(), `"level":"warn"`)
		assert.Contains(t, buf.String(), `"error":"refused"`)
		assert.NotContains(t, buf.String(), `"status"`)
	})

	t.Run("given success, then info line", func(t *testing.T) {
		var buf bytes.Buffer
		logSuccess(zerolog.New(&buf), http.MethodGet, "http://es-1:9200/", 200, time.Millisecond)

		assert.Contains(t, buf.String(), `"level":"info"`)
		assert.Contains(t, buf.String(), `"status":200`)
	})

	t.Run("given trace without response, then only curl", func(t *testing.T) {
		var buf bytes.Buffer
		l := zerolog.New(&buf)
		logTrace(&l, "curl 'http://es-1:9200/'", 0, nil)

		assert.Contains(t, buf.String(), `"curl":"curl 'http://es-1:9200/'"`)
		assert.NotContains(t, buf.String(), `"response"`)
	})

	t.Run("given nil trace logger, then nothing", func(t *testing.T) {
		assert.NotPanics(t, func() { logTrace(nil, "curl", 200, nil) })
	})
}
