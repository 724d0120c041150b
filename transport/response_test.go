package transport

import (
	"net/http"
	"slices"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objectResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Content: ObjectContent(map[string]any{
			"b": json.Number("2"),
			"a": "x",
		}),
	}
}

func TestContentOf(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		wantKind ContentKind
		wantVal  any
	}{
		{"given map, then object", map[string]any{"k": "v"}, ContentObject, map[string]any{"k": "v"}},
		{"given slice, then array", []any{"a"}, ContentArray, []any{"a"}},
		{"given string, then text", "green", ContentText, "green"},
		{"given bool, then bool", true, ContentBool, true},
		{"given null, then empty text", nil, ContentText, ""},
		{"given number, then its literal as text", json.Number("4.20"), ContentText, "4.20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := contentOf(tt.value)
			assert.Equal(t, tt.wantKind, c.Kind())
			assert.Equal(t, tt.wantVal, c.Value())
		})
	}
}

func TestResponse_Len(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		want    int
		wantErr assert.ErrorAssertionFunc
	}{
		{"given object, then number of keys", ObjectContent(map[string]any{"a": 1, "b": 2}), 2, assert.NoError},
		{"given array, then number of elements", ArrayContent([]any{1, 2, 3}), 3, assert.NoError},
		{"given text, then number of runes", TextContent("héllo"), 5, assert.NoError},
		{"given bool, then unsupported", BoolContent(true), 0, assert.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Response{StatusCode: http.StatusOK, Content: tt.content}
			got, err := r.Len()
			tt.wantErr(t, err)
			if err != nil {
				assert.ErrorIs(t, err, ErrUnsupportedContent)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResponse_Contains(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		value   any
		want    bool
		wantErr bool
	}{
		{"given object and present key, then true", ObjectContent(map[string]any{"a": 1}), "a", true, false},
		{"given object and absent key, then false", ObjectContent(map[string]any{"a": 1}), "z", false, false},
		{"given array and decoded number, then compared by value", ArrayContent([]any{json.Number("1")}), 1, true, false},
		{"given array and missing element, then false", ArrayContent([]any{"x"}), "y", false, false},
		{"given text and substring, then true", TextContent("yellow"), "llo", true, false},
		{"given text and non-string, then unsupported", TextContent("yellow"), 1, false, true},
		{"given bool, then unsupported", BoolContent(false), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Response{Content: tt.content}
			got, err := r.Contains(tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedContent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResponse_Get(t *testing.T) {
	arr := &Response{Content: ArrayContent([]any{"a", "b", "c"})}

	v, err := arr.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	v, err = arr.Get(-1)
	require.NoError(t, err)
	assert.Equal(t, "c", v)

	_, err = arr.Get(3)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = arr.Get("0")
	assert.ErrorIs(t, err, ErrUnsupportedContent)

	obj := objectResponse()
	v, err = obj.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	_, err = obj.Get("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	text := &Response{Content: TextContent("hé")}
	v, err = text.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "é", v)

	_, err = (&Response{Content: BoolContent(true)}).Get(0)
	assert.ErrorIs(t, err, ErrUnsupportedContent)
}

func TestResponse_Iter(t *testing.T) {
	seq, err := objectResponse().Iter()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, slices.Collect(seq), "object keys in sorted order")

	seq, err = (&Response{Content: ArrayContent([]any{1, "two"})}).Iter()
	require.NoError(t, err)
	assert.Equal(t, []any{1, "two"}, slices.Collect(seq))

	seq, err = (&Response{Content: TextContent("ab")}).Iter()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, slices.Collect(seq))

	_, err = (&Response{Content: BoolContent(true)}).Iter()
	assert.ErrorIs(t, err, ErrUnsupportedContent)
}

func TestResponse_Equal(t *testing.T) {
	tests := []struct {
		name  string
		resp  *Response
		other any
		want  bool
	}{
		{
			name:  "given bare map with Go numbers, then equal to decoded object",
			resp:  objectResponse(),
			other: map[string]any{"a": "x", "b": 2},
			want:  true,
		},
		{
			name:  "given bare map with different value, then not equal",
			resp:  objectResponse(),
			other: map[string]any{"a": "y", "b": 2},
			want:  false,
		},
		{
			name:  "given bare slice, then equal to array content",
			resp:  &Response{Content: ArrayContent([]any{"a", json.Number("1")})},
			other: []any{"a", 1},
			want:  true,
		},
		{
			name:  "given false, then equal to HEAD 404 content",
			resp:  &Response{StatusCode: http.StatusNotFound, Content: BoolContent(false)},
			other: false,
			want:  true,
		},
		{
			name:  "given a value of another shape, then not equal",
			resp:  &Response{Content: TextContent("true")},
			other: true,
			want:  false,
		},
		{
			name:  "given a response with same content and status, then equal",
			resp:  objectResponse(),
			other: objectResponse(),
			want:  true,
		},
		{
			name: "given a response with another status, then not equal",
			resp: objectResponse(),
			other: &Response{
				StatusCode: http.StatusCreated,
				Content:    objectResponse().Content,
			},
			want: false,
		},
		{
			name:  "given a nil response, then not equal",
			resp:  objectResponse(),
			other: (*Response)(nil),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.Equal(tt.other))
		})
	}
}
