package transport

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Reserved params consumed by the transport. They never reach the query
// string.
const (
	ParamRequestTimeout = "request_timeout"
	ParamIgnore         = "ignore"
)

// Params are the query parameters of a call, plus the reserved keys
// ParamRequestTimeout and ParamIgnore.
//
// Values are formatted for the wire: booleans as "true"/"false", slices
// joined with commas, time.Time as RFC 3339, anything else via its string
// form.
type Params map[string]any

// callOptions are the per-call settings resolved out of Params.
type callOptions struct {
	timeout time.Duration
	ignore  []int
}

// resolveParams splits the reserved keys out of params and encodes the rest
// as a sorted query string.
func resolveParams(params Params) (callOptions, string, error) {
	var opts callOptions
	if len(params) == 0 {
		return opts, "", nil
	}

	q := url.Values{}
	for k, v := range params {
		switch k {
		case ParamRequestTimeout:
			d, err := toTimeout(v)
			if err != nil {
				return opts, "", fmt.Errorf("param %s: %w", k, err)
			}
			opts.timeout = d
		case ParamIgnore:
			ignore, err := toStatusList(v)
			if err != nil {
				return opts, "", fmt.Errorf("param %s: %w", k, err)
			}
			opts.ignore = ignore
		default:
			if v == nil {
				continue
			}
			s, err := formatParam(v)
			if err != nil {
				return opts, "", fmt.Errorf("param %s: %w", k, err)
			}
			q.Set(k, s)
		}
	}
	return opts, q.Encode(), nil
}

// toTimeout accepts a time.Duration, a number of seconds, or a string
// holding either a duration ("1.5s") or a number of seconds ("10").
func toTimeout(v any) (time.Duration, error) {
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case string:
		if d, err := time.ParseDuration(x); err == nil {
			return d, nil
		}
	}
	secs, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, err
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative timeout %v", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// toStatusList accepts an int, a slice of ints, or a comma list such as
// "404,409".
func toStatusList(v any) ([]int, error) {
	if s, ok := v.(string); ok {
		var out []int
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return cast.ToIntSliceE(v)
	}

	n, err := cast.ToIntE(v)
	if err != nil {
		return nil, err
	}
	return []int{n}, nil
}

// formatParam renders one query value.
func formatParam(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, rv.Len())
		for i := range rv.Len() {
			s, err := formatParam(rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ","), nil
	}
	if rv.Kind() == reflect.Map {
		return "", fmt.Errorf("unsupported value of type %T", v)
	}

	return cast.ToStringE(v)
}

// withQuery appends an encoded query string to path.
func withQuery(path, query string) string {
	if query == "" {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + query
	}
	return path + "?" + query
}

// =============================================================================
// Request body
// =============================================================================

// bodyKind tags a RequestBody.
type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyRawBytes
	bodyRawText
	bodyStructured
)

// RequestBody is a call body resolved once before the first attempt.
type RequestBody struct {
	kind  bodyKind
	raw   []byte
	text  string
	value any
}

// newRequestBody tags body: bytes and text are sent as-is, anything else
// goes through the serializer.
func newRequestBody(body any) RequestBody {
	switch b := body.(type) {
	case nil:
		return RequestBody{kind: bodyNone}
	case []byte:
		return RequestBody{kind: bodyRawBytes, raw: b}
	case string:
		return RequestBody{kind: bodyRawText, text: b}
	}
	return RequestBody{kind: bodyStructured, value: body}
}

// encode returns the wire bytes. Text is sent byte for byte, including
// ill-formed UTF-8.
func (b RequestBody) encode(s Serializer) ([]byte, error) {
	switch b.kind {
	case bodyRawBytes:
		return b.raw, nil
	case bodyRawText:
		return []byte(b.text), nil
	case bodyStructured:
		return s.Dumps(b.value)
	}
	return nil, nil
}
