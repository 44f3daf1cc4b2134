package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"
)

// Value is a sealed interface over the field values an entity record can hold.
// Only Null, String, Int, Float, Bool, Array and Object implement it.
type Value interface {
	irValue()
}

// Null is an explicit JSON null.
type Null struct{}

func (Null) irValue() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string field value.
type String string

func (String) irValue() {}

// Int is an integral number. JSON numbers without a fraction or exponent
// decode to Int.
type Int int64

func (Int) irValue() {}

// Float is a non-integral number. NaN and infinities are rejected on encode.
type Float float64

func (Float) irValue() {}

// Bool is a boolean field value.
type Bool bool

func (Bool) irValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) irValue() {}

// Object maps field names to values. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) irValue() {}

// Pair is a key-value pair for Object construction.
type Pair struct {
	Key   string
	Value Value
}

// O is shorthand for Pair.
func O(key string, value Value) Pair {
	return Pair{Key: key, Value: value}
}

// NewObject builds an Object from pairs. Later pairs win on duplicate keys.
func NewObject(pairs ...Pair) Object {
	obj := make(Object, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// Clone returns a deep copy of the object.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = CloneValue(v)
	}
	return out
}

// Merge returns a copy of obj with every key of patch applied on top.
func (obj Object) Merge(patch Object) Object {
	out := obj.Clone()
	if out == nil {
		out = make(Object, len(patch))
	}
	for k, v := range patch {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies composite values. Scalars are returned as-is.
func CloneValue(v Value) Value {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case Array:
		out := make(Array, len(val))
		for i, e := range val {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's native string ordering is UTF-8 based and differs outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// Equal reports whether two values are structurally equal. Int and Float
// compare by numeric value so that 2 and 2.0 match.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return isNullish(a) && isNullish(b)
	}
	switch av := a.(type) {
	case Null:
		return isNullish(b)
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int, Float:
		af, aok := numeric(a)
		bf, bok := numeric(b)
		return aok && bok && af == bf
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !Equal(v, other) {
				return false
			}
		}
		return true
	}
	return false
}

func isNullish(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

func numeric(v Value) (float64, bool) {
	switch n := v.(type) {
	case Int:
		return float64(n), true
	case Float:
		return float64(n), true
	}
	return 0, false
}

// Truthy follows JavaScript-like truthiness: null, false, zero, the empty
// string and empty collections are falsy.
func Truthy(v Value) bool {
	switch val := v.(type) {
	case nil, Null:
		return false
	case Bool:
		return bool(val)
	case String:
		return val != ""
	case Int:
		return val != 0
	case Float:
		return val != 0 && !math.IsNaN(float64(val))
	case Array:
		return len(val) > 0
	case Object:
		return len(val) > 0
	}
	return false
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	if _, null := v.(Null); null {
		*obj = nil
		return nil
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Array.
func (arr *Array) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	if _, null := v.(Null); null {
		*arr = nil
		return nil
	}
	a, ok := v.(Array)
	if !ok {
		return fmt.Errorf("expected JSON array, got %T", v)
	}
	*arr = a
	return nil
}

// MarshalJSON implements json.Marshaler for Object using canonical encoding.
func (obj Object) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(obj)
}

// MarshalJSON implements json.Marshaler for Array using canonical encoding.
func (arr Array) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(arr)
}

// MarshalJSON implements json.Marshaler for Float.
func (f Float) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(f)
}

// UnmarshalValue decodes arbitrary JSON into a Value. Numbers keep their
// integral or fractional form.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromNative(raw)
}

// FromNative converts decoded Go data (from encoding/json with UseNumber,
// yaml.v3, or CUE Decode) into a Value.
func FromNative(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case float32:
		return fromFloat(float64(val)), nil
	case float64:
		return fromFloat(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := strconv.ParseFloat(val.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return Float(f), nil
	case []string:
		arr := make(Array, len(val))
		for i, s := range val {
			arr[i] = String(s)
		}
		return arr, nil
	case map[string]string:
		obj := make(Object, len(val))
		for k, s := range val {
			obj[k] = String(s)
		}
		return obj, nil
	case []any:
		arr := make(Array, len(val))
		for i, e := range val {
			ev, err := FromNative(e)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, e := range val {
			ev, err := FromNative(e)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// fromFloat keeps whole numbers integral so YAML and CUE literals like 3
// round-trip as Int.
func fromFloat(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

// Native converts a Value back to plain Go data for libraries that reflect
// over interface{} values.
func Native(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Bool:
		return bool(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Array:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Native(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = Native(e)
		}
		return out
	}
	return nil
}
