// Package validation provides helpers for enforcing constructor contracts.
package validation

import (
	"fmt"
	"reflect"
)

// AssertNotNil panics if the provided pointer is nil.
// It is intended for constructors where a dependency is mandatory.
//
// Usage:
//
//	validation.AssertNotNil(pool, "postgres pool")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// AssertImplemented panics if the provided interface value is nil, including
// a nil pointer, map, func or chan wrapped in a non-nil interface.
//
// Usage:
//
//	validation.AssertImplemented(httpCapability, "http capability")
func AssertImplemented(v any, name string) {
	if isNil(v) {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

// Note: panics here signal PROGRAMMER ERROR (misconfiguration), never runtime
// failures such as an unreachable service.
