package transport

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"reflect"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

var (
	// ErrUnsupportedContent is returned when an accessor does not apply to
	// the shape of the response content, e.g. Len on a boolean.
	ErrUnsupportedContent = errors.New("operation not supported for content kind")

	// ErrKeyNotFound is returned by Get for a missing key or an index out of range.
	ErrKeyNotFound = errors.New("key not found")
)

// ContentKind tags the shape held by Content.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentObject
	ContentArray
	ContentBool
)

func (k ContentKind) String() string {
	switch k {
	case ContentObject:
		return "object"
	case ContentArray:
		return "array"
	case ContentBool:
		return "bool"
	default:
		return "text"
	}
}

// Content is the decoded body of a response: a JSON object, a JSON array,
// plain text or a boolean (HEAD requests). The zero value is empty text.
type Content struct {
	kind    ContentKind
	object  map[string]any
	array   []any
	text    string
	boolean bool
}

// ObjectContent wraps a decoded JSON object.
func ObjectContent(m map[string]any) Content { return Content{kind: ContentObject, object: m} }

// ArrayContent wraps a decoded JSON array.
func ArrayContent(a []any) Content { return Content{kind: ContentArray, array: a} }

// TextContent wraps a text body.
func TextContent(s string) Content { return Content{kind: ContentText, text: s} }

// BoolContent wraps the result of a HEAD request.
func BoolContent(b bool) Content { return Content{kind: ContentBool, boolean: b} }

// contentOf tags a value produced by a Deserializer. Top-level JSON scalars
// other than strings and booleans keep their literal text.
func contentOf(v any) Content {
	switch x := v.(type) {
	case map[string]any:
		return ObjectContent(x)
	case []any:
		return ArrayContent(x)
	case string:
		return TextContent(x)
	case bool:
		return BoolContent(x)
	case nil:
		return TextContent("")
	case json.Number:
		return TextContent(x.String())
	default:
		return TextContent(fmt.Sprint(x))
	}
}

// Kind returns the shape of the content.
func (c Content) Kind() ContentKind { return c.kind }

// Value returns the underlying map[string]any, []any, string or bool.
func (c Content) Value() any {
	switch c.kind {
	case ContentObject:
		return c.object
	case ContentArray:
		return c.array
	case ContentBool:
		return c.boolean
	default:
		return c.text
	}
}

// Object returns the object content and whether the content is an object.
func (c Content) Object() (map[string]any, bool) { return c.object, c.kind == ContentObject }

// Array returns the array content and whether the content is an array.
func (c Content) Array() ([]any, bool) { return c.array, c.kind == ContentArray }

// Text returns the text content and whether the content is text.
func (c Content) Text() (string, bool) { return c.text, c.kind == ContentText }

// Bool returns the boolean content and whether the content is a boolean.
func (c Content) Bool() (bool, bool) { return c.boolean, c.kind == ContentBool }

// Equal reports whether c holds the same shape and value as other.
func (c Content) Equal(other Content) bool {
	if c.kind != other.kind {
		return false
	}
	return valuesEqual(c.Value(), other.Value())
}

// =============================================================================
// Response
// =============================================================================

// Response is the envelope returned for every successful exchange and for
// exchanges whose status the caller chose to ignore.
//
// The envelope is never modified after PerformRequest returns. Object and
// array content is handed out as-is, so callers may mutate it.
type Response struct {
	StatusCode int
	Header     http.Header
	Content    Content
}

// Len returns the number of keys, elements or runes of the content.
func (r *Response) Len() (int, error) {
	switch r.Content.kind {
	case ContentObject:
		return len(r.Content.object), nil
	case ContentArray:
		return len(r.Content.array), nil
	case ContentText:
		return len([]rune(r.Content.text)), nil
	}
	return 0, fmt.Errorf("len of %s: %w", r.Content.kind, ErrUnsupportedContent)
}

// Contains reports whether an object has key v, an array holds an element
// equal to v, or text contains the substring v.
func (r *Response) Contains(v any) (bool, error) {
	switch r.Content.kind {
	case ContentObject:
		key, ok := v.(string)
		if !ok {
			return false, nil
		}
		_, found := r.Content.object[key]
		return found, nil
	case ContentArray:
		for _, el := range r.Content.array {
			if valuesEqual(el, v) {
				return true, nil
			}
		}
		return false, nil
	case ContentText:
		s, ok := v.(string)
		if !ok {
			return false, fmt.Errorf("contains %T in text: %w", v, ErrUnsupportedContent)
		}
		return strings.Contains(r.Content.text, s), nil
	}
	return false, fmt.Errorf("contains on %s: %w", r.Content.kind, ErrUnsupportedContent)
}

// Get returns the value at a string key (object) or an int index (array,
// text). Negative indexes count from the end.
func (r *Response) Get(key any) (any, error) {
	switch r.Content.kind {
	case ContentObject:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("object key %T: %w", key, ErrUnsupportedContent)
		}
		v, found := r.Content.object[k]
		if !found {
			return nil, fmt.Errorf("%q: %w", k, ErrKeyNotFound)
		}
		return v, nil

	case ContentArray:
		i, err := index(key, len(r.Content.array))
		if err != nil {
			return nil, err
		}
		return r.Content.array[i], nil

	case ContentText:
		runes := []rune(r.Content.text)
		i, err := index(key, len(runes))
		if err != nil {
			return nil, err
		}
		return string(runes[i]), nil
	}
	return nil, fmt.Errorf("get on %s: %w", r.Content.kind, ErrUnsupportedContent)
}

func index(key any, n int) (int, error) {
	i, ok := key.(int)
	if !ok {
		return 0, fmt.Errorf("index %T: %w", key, ErrUnsupportedContent)
	}
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("index %d of %d: %w", i, n, ErrKeyNotFound)
	}
	return i, nil
}

// Iter yields object keys in sorted order, array elements, or the runes of
// text as one-character strings.
func (r *Response) Iter() (iter.Seq[any], error) {
	switch r.Content.kind {
	case ContentObject:
		keys := make([]string, 0, len(r.Content.object))
		for k := range r.Content.object {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return func(yield func(any) bool) {
			for _, k := range keys {
				if !yield(k) {
					return
				}
			}
		}, nil

	case ContentArray:
		arr := r.Content.array
		return func(yield func(any) bool) {
			for _, v := range arr {
				if !yield(v) {
					return
				}
			}
		}, nil

	case ContentText:
		text := r.Content.text
		return func(yield func(any) bool) {
			for _, ch := range text {
				if !yield(string(ch)) {
					return
				}
			}
		}, nil
	}
	return nil, fmt.Errorf("iterate %s: %w", r.Content.kind, ErrUnsupportedContent)
}

// Equal compares against another Response (status code and content), a
// Content, or a bare value of the same shape as the content:
//
//	resp.Equal(map[string]any{"acknowledged": true})
//	resp.Equal(false) // HEAD 404
func (r *Response) Equal(v any) bool {
	switch other := v.(type) {
	case *Response:
		if other == nil {
			return false
		}
		return r.StatusCode == other.StatusCode && r.Content.Equal(other.Content)
	case Response:
		return r.StatusCode == other.StatusCode && r.Content.Equal(other.Content)
	case Content:
		return r.Content.Equal(other)
	}

	if !sameShape(r.Content.kind, v) {
		return false
	}
	return valuesEqual(r.Content.Value(), v)
}

// String implements fmt.Stringer.
func (r *Response) String() string {
	return fmt.Sprintf("Response(%d, %s)", r.StatusCode, r.Content.kind)
}

func sameShape(kind ContentKind, v any) bool {
	switch kind {
	case ContentBool:
		_, ok := v.(bool)
		return ok
	case ContentText:
		_, ok := v.(string)
		return ok
	}

	rv := reflect.ValueOf(v)
	switch kind {
	case ContentObject:
		return rv.Kind() == reflect.Map
	case ContentArray:
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	}
	return false
}

// valuesEqual compares decoded values. json.Number and Go numeric types
// compare by their JSON encoding.
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if s, ok := a.(string); ok {
		t, ok := b.(string)
		return ok && s == t
	}
	if _, ok := b.(string); ok {
		return false
	}

	ja, err := JSONSerializer{}.Dumps(a)
	if err != nil {
		return false
	}
	jb, err := JSONSerializer{}.Dumps(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
