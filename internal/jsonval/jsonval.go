// Package jsonval provides a tagged-union representation of JSON values
// for data that crosses the tool protocol boundary. Tool arguments arrive
// as loosely typed JSON; handlers read them through accessor methods that
// fail with a [DecodeError] instead of relying on runtime type assertions.
package jsonval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind identifies which variant a [Value] holds.
type Kind int

const (
	// KindNull is the JSON null literal (and the zero Value).
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String returns the JSON-ish name of the kind, used in error messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DecodeError reports that a value did not have the expected kind.
// Path names the offending field when the value was read from an
// [Object]; it is empty for bare values.
type DecodeError struct {
	Path string
	Want Kind
	Got  Kind
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("expected %s, got %s", e.Want, e.Got)
	}
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Want, e.Got)
}

// Value is an immutable JSON value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  Object
}

// Object is a JSON object of tagged values.
type Object map[string]Value

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps a slice of values.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// FromObject wraps an object.
func FromObject(o Object) Value { return Value{kind: KindObject, obj: o} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is JSON null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, &DecodeError{Want: KindBool, Got: v.kind}
	}
	return v.b, nil
}

// AsNumber returns the number held by v.
func (v Value) AsNumber() (float64, error) {
	if v.kind != KindNumber {
		return 0, &DecodeError{Want: KindNumber, Got: v.kind}
	}
	return v.n, nil
}

// AsInt returns the number held by v truncated toward zero. Values that
// are not finite are rejected.
func (v Value) AsInt() (int, error) {
	n, err := v.AsNumber()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("number %v is not finite", n)
	}
	return int(n), nil
}

// AsString returns the string held by v.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", &DecodeError{Want: KindString, Got: v.kind}
	}
	return v.s, nil
}

// AsArray returns the items held by v.
func (v Value) AsArray() ([]Value, error) {
	if v.kind != KindArray {
		return nil, &DecodeError{Want: KindArray, Got: v.kind}
	}
	return v.arr, nil
}

// AsObject returns the object held by v.
func (v Value) AsObject() (Object, error) {
	if v.kind != KindObject {
		return nil, &DecodeError{Want: KindObject, Got: v.kind}
	}
	return v.obj, nil
}

// Interface converts v back into the plain Go representation produced by
// encoding/json (nil, bool, float64, string, []any, map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		return v.obj.Map()
	default:
		return nil
	}
}

// FromAny converts a plain Go value into a Value. It accepts the shapes
// produced by encoding/json plus common Go scalar types; anything else is
// round-tripped through JSON.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(n), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]any:
		obj, err := FromMap(t)
		if err != nil {
			return Value{}, err
		}
		return FromObject(obj), nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return Value{}, fmt.Errorf("unsupported value %T: %w", x, err)
		}
		var v Value
		if err := json.Unmarshal(data, &v); err != nil {
			return Value{}, err
		}
		return v, nil
	}
}

// FromMap converts a decoded JSON object into an Object.
func FromMap(m map[string]any) (Object, error) {
	if m == nil {
		return nil, nil
	}
	obj := make(Object, len(m))
	for k, raw := range m {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		obj[k] = v
	}
	return obj, nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(map[string]Value(v.obj))
	default:
		return nil, fmt.Errorf("jsonval: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("jsonval: empty input")
	}
	switch data[0] {
	case 'n':
		*v = Null()
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case '[':
		var items []Value
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		if items == nil {
			items = []Value{}
		}
		*v = Array(items...)
	case '{':
		var obj map[string]Value
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if obj == nil {
			obj = map[string]Value{}
		}
		*v = FromObject(obj)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Number(n)
	}
	return nil
}

// Map converts o into a plain map.
func (o Object) Map() map[string]any {
	if o == nil {
		return nil
	}
	out := make(map[string]any, len(o))
	for k, v := range o {
		out[k] = v.Interface()
	}
	return out
}

// Has reports whether key is present and not null.
func (o Object) Has(key string) bool {
	v, ok := o[key]
	return ok && !v.IsNull()
}

// Keys returns the object's keys in sorted order.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the string at key. A missing or null key is reported
// as a DecodeError with Got == KindNull.
func (o Object) String(key string) (string, error) {
	s, err := o[key].AsString()
	return s, withPath(key, err)
}

// Number returns the number at key.
func (o Object) Number(key string) (float64, error) {
	n, err := o[key].AsNumber()
	return n, withPath(key, err)
}

// Int returns the number at key truncated to an int.
func (o Object) Int(key string) (int, error) {
	n, err := o[key].AsInt()
	return n, withPath(key, err)
}

// Bool returns the boolean at key.
func (o Object) Bool(key string) (bool, error) {
	b, err := o[key].AsBool()
	return b, withPath(key, err)
}

// OptString returns the string at key, or def when the key is absent or
// null. A present value of the wrong kind is still an error.
func (o Object) OptString(key, def string) (string, error) {
	if !o.Has(key) {
		return def, nil
	}
	return o.String(key)
}

// OptInt returns the integer at key, or def when the key is absent or null.
// Numeric strings are accepted because some models quote numbers.
func (o Object) OptInt(key string, def int) (int, error) {
	if !o.Has(key) {
		return def, nil
	}
	if s, err := o[key].AsString(); err == nil {
		var n float64
		if _, scanErr := fmt.Sscanf(s, "%g", &n); scanErr != nil {
			return 0, withPath(key, &DecodeError{Want: KindNumber, Got: KindString})
		}
		return int(n), nil
	}
	return o.Int(key)
}

// Decode copies o into the struct pointed to by dst using its json tags.
func (o Object) Decode(dst any) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

func withPath(key string, err error) error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*DecodeError); ok {
		return &DecodeError{Path: key, Want: de.Want, Got: de.Got}
	}
	return fmt.Errorf("%s: %w", key, err)
}
