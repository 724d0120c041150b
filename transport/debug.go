package transport

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// generateCurlCommand creates a cURL command reproducing an attempt.
// body is the payload before compression.
//
// Example output:
//
//	curl -X POST 'http://localhost:9200/docs/_doc?refresh=true' -H 'Content-Type: application/json' -d '{"a":1}'
func generateCurlCommand(method, rawURL string, header http.Header, body []byte) string {
	parts := []string{"curl"}

	if method == http.MethodHead {
		parts = append(parts, "-I")
	} else if method != http.MethodGet {
		parts = append(parts, "-X", method)
	}

	parts = append(parts, fmt.Sprintf("'%s'", rawURL))

	// Headers sorted for stable output.
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		// The reproduction sends the body uncompressed.
		if k == "Content-Encoding" {
			continue
		}
		for _, v := range header[k] {
			parts = append(parts, "-H", fmt.Sprintf("'%s: %s'", k, v))
		}
	}

	if len(body) > 0 {
		escaped := strings.ReplaceAll(string(body), "'", "'\\''")
		parts = append(parts, "-d", fmt.Sprintf("'%s'", escaped))
	}

	return strings.Join(parts, " ")
}

// compactBody strips insignificant whitespace from a JSON body. Other
// bodies are returned unchanged.
func compactBody(body []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return string(body)
	}
	return buf.String()
}

// logSuccess writes the one-line summary of a successful attempt.
func logSuccess(logger zerolog.Logger, method, url string, status int, duration time.Duration) {
	logger.Info().
		Str("method", method).
		Str("url", url).
		Int("status", status).
		Dur("duration", duration).
		Msg("request completed")
}

// logFailure writes the one-line summary of a failed attempt. status is
// zero when the node never answered.
func logFailure(logger zerolog.Logger, method, url string, status int, duration time.Duration, err error) {
	ev := logger.Warn().
		Str("method", method).
		Str("url", url).
		Dur("duration", duration).
		Err(err)
	if status > 0 {
		ev = ev.Int("status", status)
	}
	ev.Msg("request failed")
}

// logTrace writes the curl reproduction of an attempt and, when a response
// arrived, its compact body.
func logTrace(logger *zerolog.Logger, curl string, status int, body []byte) {
	if logger == nil {
		return
	}
	ev := logger.Debug().Str("curl", curl)
	if status > 0 {
		ev = ev.Int("status", status).Str("response", compactBody(body))
	}
	ev.Msg("request trace")
}
