// Package jsondiff computes recursive, type-strict diffs between JSON
// objects and applies them back. Diffs are new-only: a key missing from
// the new object is treated as unchanged, never as a deletion.
package jsondiff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Parse decodes a JSON object preserving numeric fidelity: numbers come
// back as json.Number so integer and floating comparisons stay exact.
func Parse(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("parse json object: %w", err)
	}
	return obj, nil
}

// Diff returns the keys of new whose values differ from old. Object
// values recurse and are emitted only when the nested diff is non-empty.
// Array values compare by serialized equality and are emitted whole.
// A key present in new but absent from old is emitted as-is.
func Diff(old, new map[string]any) map[string]any {
	out := make(map[string]any)
	for key, newVal := range new {
		oldVal, ok := old[key]
		if !ok {
			out[key] = newVal
			continue
		}

		oldObj, oldIsObj := oldVal.(map[string]any)
		newObj, newIsObj := newVal.(map[string]any)
		if oldIsObj && newIsObj {
			if nested := Diff(oldObj, newObj); len(nested) > 0 {
				out[key] = nested
			}
			continue
		}

		if !Equal(oldVal, newVal) {
			out[key] = newVal
		}
	}
	return out
}

// Apply merges a diff into a base object, returning a new object. Keys
// absent from the diff keep the base value; nested objects merge
// recursively.
func Apply(base, diff map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(diff))
	for key, val := range base {
		out[key] = val
	}
	for key, diffVal := range diff {
		baseObj, baseIsObj := out[key].(map[string]any)
		diffObj, diffIsObj := diffVal.(map[string]any)
		if baseIsObj && diffIsObj {
			out[key] = Apply(baseObj, diffObj)
			continue
		}
		out[key] = diffVal
	}
	return out
}

// Equal reports whether two decoded JSON values are equal under the
// diff's comparison rules: strict types, numeric comparison as double if
// either side has a fractional or exponent form and as int64 otherwise,
// arrays by serialized equality.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case json.Number:
		bv, ok := b.(json.Number)
		return ok && numberEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		return ok && arrayEqual(av, bv)
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && objectEqual(av, bv)
	}
	return false
}

func numberEqual(a, b json.Number) bool {
	if isDouble(a) || isDouble(b) {
		af, errA := a.Float64()
		bf, errB := b.Float64()
		return errA == nil && errB == nil && af == bf
	}
	ai, errA := a.Int64()
	bi, errB := b.Int64()
	if errA != nil || errB != nil {
		af, errA := a.Float64()
		bf, errB := b.Float64()
		return errA == nil && errB == nil && af == bf
	}
	return ai == bi
}

func isDouble(n json.Number) bool {
	return strings.ContainsAny(n.String(), ".eE")
}

func arrayEqual(a, b []any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(aj, bj)
}

func objectEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}
