// Package flags holds the active flag map, computes per-key diffs when new
// settings arrive and records evaluation telemetry.
package flags

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Map is a flag key to evaluated value mapping. A nil value for a present key
// means explicitly off; an absent key is unknown.
type Map = map[string]any

// Change is the previous and current value of one flag.
type Change struct {
	Previous any `json:"previous"`
	Current  any `json:"current"`
}

// DiffSet holds one Change per modified flag key.
type DiffSet map[string]Change

// Keys returns the changed keys in sorted order.
func (d DiffSet) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Diff compares every key of old against updated. Keys that only exist in
// updated are not reported. Either map being nil yields an empty set.
func Diff(old, updated Map) DiffSet {
	changes := DiffSet{}
	if old == nil || updated == nil {
		return changes
	}

	for key, previous := range old {
		current := updated[key]
		if !StrictEqual(previous, current) {
			changes[key] = Change{Previous: previous, Current: current}
		}
	}
	return changes
}

// StrictEqual compares scalars by type and value and composite values
// (maps, slices) by identity, so two independently decoded objects with the
// same contents are different.
func StrictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case bool, string, float64, float32, int, int64, int32, uint, uint64, json.Number:
		return a == b
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && sameMap(av, bv)
	case []any:
		bv, ok := b.([]any)
		return ok && sameSlice(av, bv)
	}

	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	switch ra.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Func, reflect.Chan:
		return ra.Pointer() == rb.Pointer()
	case reflect.Slice:
		return ra.Pointer() == rb.Pointer() && ra.Len() == rb.Len()
	}
	if ra.Type().Comparable() {
		return a == b
	}
	return false
}

func sameMap(a, b map[string]any) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func sameSlice(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return &a[0] == &b[0]
}
