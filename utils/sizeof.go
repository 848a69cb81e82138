package utils

import (
	"reflect"
	"unsafe"
)

// EstimateSize walks a value recursively and returns a rough in-memory byte
// count. It follows pointers, slices, maps, and exported struct fields. The
// point is relative ordering for eviction decisions, not accounting accuracy.
func EstimateSize(v any) int64 {
	if v == nil {
		return 0
	}
	seen := map[uintptr]struct{}{}
	return estimateValue(reflect.ValueOf(v), seen)
}

func estimateValue(v reflect.Value, seen map[uintptr]struct{}) int64 {
	switch v.Kind() {
	case reflect.Invalid:
		return 0
	case reflect.Bool:
		return 1
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return int64(v.Type().Size())
	case reflect.String:
		return int64(len(v.String())) + int64(unsafe.Sizeof(""))
	case reflect.Pointer:
		if v.IsNil() {
			return 8
		}
		ptr := v.Pointer()
		if _, ok := seen[ptr]; ok {
			return 8
		}
		seen[ptr] = struct{}{}
		return 8 + estimateValue(v.Elem(), seen)
	case reflect.Interface:
		if v.IsNil() {
			return 16
		}
		return 16 + estimateValue(v.Elem(), seen)
	case reflect.Slice:
		if v.IsNil() {
			return 24
		}
		var total int64 = 24
		for i := 0; i < v.Len(); i++ {
			total += estimateValue(v.Index(i), seen)
		}
		return total
	case reflect.Array:
		var total int64
		for i := 0; i < v.Len(); i++ {
			total += estimateValue(v.Index(i), seen)
		}
		return total
	case reflect.Map:
		if v.IsNil() {
			return 8
		}
		var total int64 = 48
		iter := v.MapRange()
		for iter.Next() {
			total += estimateValue(iter.Key(), seen)
			total += estimateValue(iter.Value(), seen)
		}
		return total
	case reflect.Struct:
		var total int64
		for i := 0; i < v.NumField(); i++ {
			total += estimateValue(v.Field(i), seen)
		}
		return total
	default:
		// chan, func, unsafe pointer: count the header only
		return 8
	}
}
