package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// KeySeparator delimits key segments in the canonical string form.
const KeySeparator = "::"

// Key identifies a cached query result. Keys are ordered sequences of
// segments (entity domain, sub-scope such as "list"/"detail"/"byProject",
// then scope parameters) and form a prefix hierarchy: operations that take a
// prefix apply to every key that extends it.
type Key []string

// NewKey builds a Key from arbitrary segment values. Each segment is
// serialized deterministically so that structurally equal inputs always
// produce equal keys, including map- and struct-valued filter segments.
func NewKey(segments ...any) Key {
	k := make(Key, 0, len(segments))
	for _, seg := range segments {
		k = append(k, serializeSegment(seg))
	}
	return k
}

// ParseKey reconstructs a Key from its canonical string form.
func ParseKey(s string) Key {
	if s == "" {
		return nil
	}
	return Key(strings.Split(s, KeySeparator))
}

// String returns the canonical string form of the key.
func (k Key) String() string {
	return strings.Join(k, KeySeparator)
}

// Equal reports whether two keys have structurally equal segment sequences.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether the key extends the given prefix. Every key
// extends the empty prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// serializeSegment renders a single key segment deterministically.
// Basic types use their string representation; maps are rendered with sorted
// keys; structs use exported field name/value pairs; anything else falls back
// to JSON so that filter objects produce stable segments across runs.
func serializeSegment(v any) string {
	if v == nil {
		return "nil"
	}

	rv := reflect.ValueOf(v)
	rt := reflect.TypeOf(v)

	switch rt.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return serializeSegment(rv.Elem().Interface())

	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return serializeList(rv)

	case reflect.Array:
		return serializeList(rv)

	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return serializeMap(rv)

	case reflect.Struct:
		return serializeStruct(rv, rt)
	}

	if isBasicKind(rt.Kind()) {
		return fmt.Sprintf("%v", v)
	}

	return jsonSegment(v)
}

func serializeList(rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		parts[i] = serializeSegment(rv.Index(i).Interface())
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ","))
}

// serializeMap renders map segments with sorted keys for determinism.
func serializeMap(rv reflect.Value) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, pair{
			k: serializeSegment(iter.Key().Interface()),
			v: serializeSegment(iter.Value().Interface()),
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.k + "=" + p.v
	}
	return fmt.Sprintf("{%s}", strings.Join(out, ","))
}

func serializeStruct(rv reflect.Value, rt reflect.Type) string {
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := rv.Field(i)
		if !fv.CanInterface() {
			continue
		}
		parts = append(parts, field.Name+":"+serializeSegment(fv.Interface()))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ","))
}

func isBasicKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

// jsonSegment is the last-resort serialization for types reflection cannot
// walk. When marshaling fails we fall back to the type name rather than
// panicking; a degenerate key is better than an aborted read.
func jsonSegment(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "fallback:" + reflect.TypeOf(v).String()
	}
	return "json:" + string(data)
}
