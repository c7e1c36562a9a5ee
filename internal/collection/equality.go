package collection

import (
	"fmt"
	"reflect"

	"github.com/google/go-cmp/cmp"
)

// refIdentity stands in for values that cannot be used as map keys. Slices and
// maps are identified by their backing storage.
type refIdentity struct {
	typ  reflect.Type
	ptr  uintptr
	len  int
	repr string
}

// identityOf returns a comparable token such that two values share a token iff
// they are the same object: the same pointer for reference kinds, the same
// value for comparable scalars and structs.
func identityOf(v any) any {
	if v == nil {
		return nil
	}
	t := reflect.TypeOf(v)
	if t.Comparable() && comparableAtRuntime(reflect.ValueOf(v)) {
		return v
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		return refIdentity{typ: t, ptr: rv.Pointer(), len: rv.Len()}
	case reflect.Map, reflect.Func:
		return refIdentity{typ: t, ptr: rv.Pointer()}
	}
	// Plain values holding slices or maps have no identity of their own, so
	// they are identified by their rendering.
	return refIdentity{typ: t, repr: fmt.Sprintf("%#v", v)}
}

// comparableAtRuntime guards against comparable static types that hold
// non-comparable dynamic values in interface fields.
func comparableAtRuntime(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return true
		}
		return v.Elem().Type().Comparable() && comparableAtRuntime(v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !comparableAtRuntime(v.Field(i)) {
				return false
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !comparableAtRuntime(v.Index(i)) {
				return false
			}
		}
	}
	return true
}

// identical reports whether a and b are the same element.
func identical(a, b any) bool {
	return identityOf(a) == identityOf(b)
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

// valueEqual compares materialized contents, following pointers.
func valueEqual(a, b any) bool {
	if identical(a, b) {
		return true
	}
	return cmp.Equal(a, b, exportAll)
}
