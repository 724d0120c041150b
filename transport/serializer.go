package transport

import (
	"bufio"
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Supported wire mimetypes.
const (
	MimeTypeJSON   = "application/json"
	MimeTypeNDJSON = "application/x-ndjson"
	MimeTypeText   = "text/plain"
)

// Serializer encodes request bodies and decodes response bodies for one
// mimetype.
type Serializer interface {
	// MimeType returns the base mimetype handled, e.g. "application/json".
	MimeType() string

	// Dumps encodes data. Strings and byte slices pass through unchanged.
	Dumps(data any) ([]byte, error)

	// Loads decodes data.
	Loads(data []byte) (any, error)
}

var (
	_ Serializer = JSONSerializer{}
	_ Serializer = NDJSONSerializer{}
	_ Serializer = TextSerializer{}
)

// =============================================================================
// JSON
// =============================================================================

// JSONSerializer is the default codec.
//
// Encoding hooks applied before marshaling, at any depth including struct
// fields and pointers:
//   - time.Time: RFC 3339 with the value's own offset ("Z" for UTC)
//   - decimal.Decimal, big.Float, big.Rat: IEEE double
//   - uuid.UUID: canonical 36-char string
//
// Channels, functions and complex numbers cannot be encoded and yield a
// *SerializationError carrying the offending value.
//
// Loads keeps numbers as json.Number so that Dumps(Loads(s)) == s for any
// compact document with sorted object keys. Objects decode into Go maps,
// so Dumps writes their keys sorted whatever the input order was.
type JSONSerializer struct{}

// MimeType implements Serializer.
func (JSONSerializer) MimeType() string { return MimeTypeJSON }

// Dumps implements Serializer.
func (JSONSerializer) Dumps(data any) ([]byte, error) {
	switch v := data.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}

	norm, err := normalizeJSON(data)
	if err != nil {
		return nil, err
	}

	out, err := json.MarshalNoEscape(norm)
	if err != nil {
		return nil, &SerializationError{Value: data, Err: err}
	}
	return out, nil
}

// Loads implements Serializer.
func (JSONSerializer) Loads(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &SerializationError{Err: fmt.Errorf("decode json: %w", err)}
	}

	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, &SerializationError{Err: errors.New("decode json: trailing data after document")}
	}
	return v, nil
}

// maxNormalizeDepth bounds the walk so that cyclic values fail instead of
// overflowing the stack.
const maxNormalizeDepth = 1000

// normalizeJSON rewrites the values the JSON encoder cannot represent the
// way the wire expects. Containers and structs are walked so that the hooks
// apply at any depth; types with their own JSON or text marshaler keep it.
func normalizeJSON(v any) (any, error) {
	return normalizeValue(v, 0)
}

func normalizeValue(v any, depth int) (any, error) {
	if depth > maxNormalizeDepth {
		return nil, &SerializationError{Value: v, Err: errors.New("value nested too deeply, possible cycle")}
	}

	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case decimal.Decimal:
		return x.InexactFloat64(), nil
	case *decimal.Decimal:
		if x == nil {
			return nil, nil
		}
		return x.InexactFloat64(), nil
	case decimal.NullDecimal:
		return nullDecimal(x), nil
	case *decimal.NullDecimal:
		if x == nil {
			return nil, nil
		}
		return nullDecimal(*x), nil
	case big.Float:
		f, _ := x.Float64()
		return f, nil
	case *big.Float:
		if x == nil {
			return nil, nil
		}
		f, _ := x.Float64()
		return f, nil
	case big.Rat:
		f, _ := x.Float64()
		return f, nil
	case *big.Rat:
		if x == nil {
			return nil, nil
		}
		f, _ := x.Float64()
		return f, nil
	case uuid.UUID:
		return x.String(), nil
	case json.Number, orderedObject:
		return x, nil
	case json.Marshaler, encoding.TextMarshaler:
		return v, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(rv.Elem().Interface(), depth+1)

	case reflect.Struct:
		return normalizeStruct(v, rv, depth)

	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, err := mapKeyString(iter.Key())
			if err != nil {
				return nil, &SerializationError{Value: v, Err: err}
			}
			val, err := normalizeValue(iter.Value().Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v, nil
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			val, err := normalizeValue(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil

	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, &SerializationError{Value: v, Err: fmt.Errorf("unable to serialize %T", v)}
	}

	return v, nil
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.InexactFloat64()
}

// jsonField is one encoded struct field.
type jsonField struct {
	name  string
	value any
}

// orderedObject is a JSON object whose members keep struct declaration
// order.
type orderedObject []jsonField

// MarshalJSON implements json.Marshaler.
func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.MarshalNoEscape(f.name)
		if err != nil {
			return nil, err
		}
		val, err := json.MarshalNoEscape(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// structField is a candidate member found while flattening a struct.
type structField struct {
	name   string
	tagged bool
	depth  int
	value  reflect.Value
	opts   string
}

// normalizeStruct encodes the exported fields of a struct following the
// encoding/json rules for tags, omitempty, omitzero, the string option and
// embedded structs. Values it cannot reach through reflection are left to
// the encoder unchanged.
func normalizeStruct(v any, rv reflect.Value, depth int) (any, error) {
	fields, ok := collectFields(rv, 0, nil)
	if !ok {
		return v, nil
	}

	out := make(orderedObject, 0, len(fields))
	for _, f := range dominantFields(fields) {
		if omitField(f.value, f.opts) {
			continue
		}
		if hasTagOption(f.opts, "string") {
			if s, ok := quotedScalar(f.value); ok {
				out = append(out, jsonField{name: f.name, value: s})
				continue
			}
		}
		val, err := normalizeValue(f.value.Interface(), depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, jsonField{name: f.name, value: val})
	}
	return out, nil
}

// collectFields flattens rv in declaration order. It reports false when an
// exported field sits behind an unexported embedded struct and cannot be
// read.
func collectFields(rv reflect.Value, depth int, fields []structField) ([]structField, bool) {
	t := rv.Type()
	for i := range t.NumField() {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if sf.Anonymous && name == "" {
			ft, ev := sf.Type, fv
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
				if ev.IsNil() {
					continue
				}
				ev = ev.Elem()
			}
			if ft.Kind() == reflect.Struct {
				var ok bool
				if fields, ok = collectFields(ev, depth+1, fields); !ok {
					return nil, false
				}
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if !fv.CanInterface() {
			return nil, false
		}

		f := structField{name: name, tagged: name != "", depth: depth, value: fv, opts: opts}
		if !f.tagged {
			f.name = sf.Name
		}
		fields = append(fields, f)
	}
	return fields, true
}

// dominantFields drops names shadowed by a shallower field. Among fields of
// equal depth a single tagged one wins; otherwise the name is ambiguous and
// omitted.
func dominantFields(fields []structField) []structField {
	byName := make(map[string][]int, len(fields))
	for i, f := range fields {
		byName[f.name] = append(byName[f.name], i)
	}

	keep := make([]structField, 0, len(fields))
	for i, f := range fields {
		if idx := byName[f.name]; len(idx) == 1 || dominates(fields, idx, i) {
			keep = append(keep, f)
		}
	}
	return keep
}

// dominates reports whether fields[i] is the single winner among idx.
func dominates(fields []structField, idx []int, i int) bool {
	minDepth := fields[idx[0]].depth
	for _, j := range idx {
		minDepth = min(minDepth, fields[j].depth)
	}
	if fields[i].depth != minDepth {
		return false
	}

	var atMin, tagged int
	for _, j := range idx {
		if fields[j].depth != minDepth {
			continue
		}
		atMin++
		if fields[j].tagged {
			tagged++
		}
	}
	switch {
	case atMin == 1:
		return true
	case tagged == 1:
		return fields[i].tagged
	}
	return false
}

func hasTagOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

func omitField(v reflect.Value, opts string) bool {
	if hasTagOption(opts, "omitzero") {
		if z, ok := v.Interface().(interface{ IsZero() bool }); ok {
			if v.Kind() != reflect.Pointer || !v.IsNil() {
				return z.IsZero()
			}
		}
		if v.IsZero() {
			return true
		}
	}
	if !hasTagOption(opts, "omitempty") {
		return false
	}
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

// quotedScalar renders a field tagged ",string" as its quoted form.
func quotedScalar(v reflect.Value) (string, bool) {
	switch v.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10), true
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, v.Type().Bits()), true
	case reflect.String:
		b, err := json.MarshalNoEscape(v.String())
		return string(b), err == nil
	}
	return "", false
}

// mapKeyString formats a map key the way encoding/json does.
func mapKeyString(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		b, err := tm.MarshalText()
		return string(b), err
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("unsupported map key type %s", k.Type())
}

// =============================================================================
// NDJSON
// =============================================================================

// NDJSONSerializer encodes a slice as newline-delimited JSON, one document
// per line, and decodes such a body back into a []any.
type NDJSONSerializer struct{}

// MimeType implements Serializer.
func (NDJSONSerializer) MimeType() string { return MimeTypeNDJSON }

// Dumps implements Serializer.
func (NDJSONSerializer) Dumps(data any) ([]byte, error) {
	switch v := data.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}

	rv := reflect.ValueOf(data)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, &SerializationError{Value: data, Err: errors.New("ndjson body must be a slice")}
	}

	var buf bytes.Buffer
	for i := range rv.Len() {
		line, err := JSONSerializer{}.Dumps(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Loads implements Serializer.
func (NDJSONSerializer) Loads(data []byte) (any, error) {
	var out []any
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), len(data)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		v, err := JSONSerializer{}.Loads(line)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, &SerializationError{Err: err}
	}
	return out, nil
}

// =============================================================================
// Text
// =============================================================================

// TextSerializer passes text through in both directions.
type TextSerializer struct{}

// MimeType implements Serializer.
func (TextSerializer) MimeType() string { return MimeTypeText }

// Dumps implements Serializer. Only strings and byte slices are accepted.
func (TextSerializer) Dumps(data any) ([]byte, error) {
	switch v := data.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, &SerializationError{Value: data, Err: errors.New("text serializer only accepts strings")}
}

// Loads implements Serializer.
func (TextSerializer) Loads(data []byte) (any, error) {
	return string(data), nil
}

// =============================================================================
// Deserializer registry
// =============================================================================

// Deserializer picks a Serializer by the mimetype of a response.
type Deserializer struct {
	serializers     map[string]Serializer
	defaultMimeType string
}

// DefaultSerializers returns the JSON, NDJSON and text codecs.
func DefaultSerializers() []Serializer {
	return []Serializer{JSONSerializer{}, NDJSONSerializer{}, TextSerializer{}}
}

// NewDeserializer builds a registry from serializers. defaultMimeType is
// used when a response carries no Content-Type; it must be registered.
func NewDeserializer(defaultMimeType string, serializers ...Serializer) (*Deserializer, error) {
	d := &Deserializer{
		serializers:     make(map[string]Serializer, len(serializers)),
		defaultMimeType: defaultMimeType,
	}
	for _, s := range serializers {
		d.serializers[s.MimeType()] = s
	}
	if _, ok := d.serializers[defaultMimeType]; !ok {
		return nil, fmt.Errorf("no serializer registered for default mimetype %q", defaultMimeType)
	}
	return d, nil
}

// Loads decodes data with the serializer registered for mimetype.
// Parameters such as ";charset=UTF-8" are ignored. An unknown mimetype is
// an error rather than a guess.
func (d *Deserializer) Loads(data []byte, mimetype string) (any, error) {
	s, err := d.lookup(mimetype)
	if err != nil {
		return nil, err
	}
	return s.Loads(data)
}

// lookup resolves the serializer for a possibly parameterized mimetype.
func (d *Deserializer) lookup(mimetype string) (Serializer, error) {
	base := mimetype
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" {
		base = d.defaultMimeType
	}

	s, ok := d.serializers[base]
	if !ok {
		return nil, &SerializationError{Err: fmt.Errorf("unknown mimetype %q, unable to deserialize", mimetype)}
	}
	return s, nil
}
