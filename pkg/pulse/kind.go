package pulse

import "reflect"

// Kind is a declared value type for dynamically typed state (State[any]).
// Statically typed state is checked by the compiler and needs no Kind.
type Kind int

const (
	// KindAny accepts every value.
	KindAny Kind = iota
	KindString
	KindNumber
	KindBool
	// KindObject accepts maps and structs (and nil).
	KindObject
	// KindArray accepts slices and arrays (and nil).
	KindArray
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "any"
	}
}

// KindOf classifies v.
func KindOf(v any) Kind {
	if v == nil {
		return KindAny
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return KindAny
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return KindString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindNumber
	case reflect.Bool:
		return KindBool
	case reflect.Map, reflect.Struct:
		return KindObject
	case reflect.Slice, reflect.Array:
		return KindArray
	default:
		return KindAny
	}
}

// accepts reports whether v satisfies the declared kind.
func (k Kind) accepts(v any) bool {
	if k == KindAny {
		return true
	}
	got := KindOf(v)
	if got == KindAny {
		// nil: allowed for container kinds only
		return k == KindObject || k == KindArray
	}
	return got == k
}
