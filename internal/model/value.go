// Package model defines the data types shared across the execution core:
// the dynamically-typed Value tree, suite/step configuration, and result
// records.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Value is the sum type every JSON-shaped piece of data in the engine is
// normalized to: response bodies, captured variables, hook/JS bindings,
// assertion actual/expected pairs. JMESPath, the JS sandbox, and the
// assertion strategies all operate on this tree instead of raw
// interface{}, so "what kind of thing is this" is always one type switch
// away.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Kind enumerates the possible shapes a Value can take.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

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
		return "unknown"
	}
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Number(n float64) Value     { return Value{kind: KindNumber, n: n} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Array(v []Value) Value      { return Value{kind: KindArray, arr: v} }
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)             { return v.b, v.kind == KindBool }
func (v Value) Number() (float64, bool)        { return v.n, v.kind == KindNumber }
func (v Value) String() string {
	if v.kind == KindString {
		return v.s
	}
	return v.Stringify()
}
func (v Value) StringVal() (string, bool) { return v.s, v.kind == KindString }
func (v Value) Array() ([]Value, bool)    { return v.arr, v.kind == KindArray }
func (v Value) Object() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Raw converts the Value back into a plain interface{} tree, for handing
// to libraries (JMESPath, goja, json.Marshal) that expect Go-native types.
func (v Value) Raw() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Raw()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Raw()
		}
		return out
	}
	return nil
}

// FromRaw converts a plain interface{} (as produced by encoding/json,
// goja exports, or hand-built maps) into a Value tree.
func FromRaw(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, _ := t.Float64()
		return Number(f)
	case string:
		return String(t)
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromRaw(e)
		}
		return Array(out)
	case []Value:
		return Array(t)
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromRaw(e)
		}
		return Object(out)
	case Value:
		return t
	default:
		// Last resort: round-trip through JSON so arbitrary structs
		// (e.g. response headers) become Values too.
		b, err := json.Marshal(t)
		if err != nil {
			return String(fmt.Sprintf("%v", t))
		}
		var generic interface{}
		if err := json.Unmarshal(b, &generic); err != nil {
			return String(string(b))
		}
		return FromRaw(generic)
	}
}

// FromJSON parses a JSON document directly into a Value tree.
func FromJSON(data []byte) (Value, error) {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Null(), err
	}
	return FromRaw(raw), nil
}

// Stringify renders the Value as its canonical string form, used when
// substituting a resolved value into a template string.
func (v Value) Stringify() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		if v.n == float64(int64(v.n)) {
			return fmt.Sprintf("%d", int64(v.n))
		}
		return fmt.Sprintf("%g", v.n)
	case KindString:
		return v.s
	default:
		b, _ := json.Marshal(v.Raw())
		return string(b)
	}
}

// Empty reports whether the value is considered "empty" by the not_empty
// assertion strategy: null/undefined, "", [] or {}.
func (v Value) Empty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.s == ""
	case KindArray:
		return len(v.arr) == 0
	case KindObject:
		return len(v.obj) == 0
	default:
		return false
	}
}

// Length returns the length used by the `length` assertion strategy for
// strings, arrays and objects (object length is key count).
func (v Value) Length() (int, bool) {
	switch v.kind {
	case KindString:
		return len([]rune(v.s)), true
	case KindArray:
		return len(v.arr), true
	case KindObject:
		return len(v.obj), true
	default:
		return 0, false
	}
}

// JSONType returns the JSON-type name used by the `type` assertion
// strategy: string|number|boolean|object|array|null.
func (v Value) JSONType() string {
	switch v.kind {
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
		return "null"
	}
}

// Equal performs deep structural, type-sensitive equality. NaN never
// equals NaN, matching the equals/not_equals assertion semantics.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		if a.n != a.n || b.n != b.n { // NaN
			return false
		}
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// SortedKeys returns an object's keys in sorted order, useful for
// deterministic iteration/logging.
func (v Value) SortedKeys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

