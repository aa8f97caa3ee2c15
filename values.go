package traitdb

import (
	"fmt"
	"reflect"
	"time"
)

type undefinedType struct{}

func (undefinedType) String() string { return "undefined" }

// Undefined is the value of a missing field. It sorts below nil in traits.
var Undefined = undefinedType{}

// Map is a map with arbitrary comparable keys. Plain records with string keys
// should use map[string]any instead.
type Map map[any]any

// Set is an unordered collection of distinct comparable values.
type Set map[any]struct{}

// NewSet returns a set holding the given elements.
func NewSet(elems ...any) Set {
	s := make(Set, len(elems))
	for _, e := range elems {
		s[e] = struct{}{}
	}
	return s
}

func (s Set) Has(v any) bool {
	_, ok := s[v]
	return ok
}

// Box is the canonical form of a record: a plain record when TypeTag is
// empty, or the encoded fields of a registered custom type otherwise.
// Boxes are only ever created by ItemCodec.
type Box struct {
	value   map[string]any
	typeTag string
}

func newBox(value map[string]any, typeTag string) *Box {
	return &Box{value: value, typeTag: typeTag}
}

// Value returns the canonical fields of the box.
func (b *Box) Value() map[string]any { return b.value }

// TypeTag returns the registered type id, or "" for plain records.
func (b *Box) TypeTag() string { return b.typeTag }

func (b *Box) String() string {
	if b.typeTag == "" {
		return fmt.Sprintf("box(%v)", b.value)
	}
	return fmt.Sprintf("box<%s>(%v)", b.typeTag, b.value)
}

// Tagged is how a custom-typed record appears in migration mode: the
// decoded fields plus the type id they were stored under. The migration
// encoder turns it back into a tagged box without calling any user codec.
type Tagged struct {
	TypeID string
	Fields map[string]any
}

// Fielder lets custom types expose fields to path indexes.
type Fielder interface {
	Field(name string) (any, bool)
}

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// isNativeType reports whether values of t are handled by the codecs
// directly and therefore cannot be registered.
func isNativeType(t reflect.Type) bool {
	switch t {
	case timeType, bytesType,
		reflect.TypeOf(Undefined),
		reflect.TypeOf(Map(nil)),
		reflect.TypeOf(Set(nil)),
		reflect.TypeOf([]any(nil)),
		reflect.TypeOf(map[string]any(nil)),
		reflect.TypeOf((*Box)(nil)),
		reflect.TypeOf((*Tagged)(nil)):
		return true
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return t.PkgPath() == ""
	}
	return false
}

// normalizeScalar maps Go scalar types to the canonical int64, uint64 and
// float64 representations. ok is false for non-scalar values.
func normalizeScalar(v any) (any, bool) {
	switch v := v.(type) {
	case nil:
		return nil, true
	case undefinedType:
		return v, true
	case bool:
		return v, true
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case uintptr:
		return uint64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		return v, true
	case time.Time:
		return v.UTC(), true
	default:
		return nil, false
	}
}
