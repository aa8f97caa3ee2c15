package traitdb

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Codec describes how a custom type T is stored. Encode must return a plain
// record (map[string]any); Decode receives that record back with its fields
// already decoded.
//
// EncodeTrait and DecodeTrait are optional. When set, values of T can be
// used as index keys: EncodeTrait maps the value to any indexable value
// (number, string, array, ...), and DecodeTrait reverses it.
type Codec[T any] struct {
	Encode      func(v T) (any, error)
	Decode      func(fields map[string]any) (T, error)
	EncodeTrait func(v T) (any, error)
	DecodeTrait func(trait any) (T, error)
}

func (c Codec[T]) erase(id string) (*typeEntry, error) {
	typ := reflect.TypeFor[T]()
	if c.Encode == nil || c.Decode == nil {
		return nil, fmt.Errorf("codec for %v (%q) must define Encode and Decode", typ, id)
	}
	if (c.EncodeTrait == nil) != (c.DecodeTrait == nil) {
		return nil, fmt.Errorf("codec for %v (%q) must define both EncodeTrait and DecodeTrait or neither", typ, id)
	}
	e := &typeEntry{
		id:  id,
		typ: typ,
		encode: func(v any) (any, error) {
			return c.Encode(v.(T))
		},
		decode: func(fields map[string]any) (any, error) {
			return c.Decode(fields)
		},
	}
	if c.EncodeTrait != nil {
		e.encodeTrait = func(v any) (any, error) {
			return c.EncodeTrait(v.(T))
		}
		e.decodeTrait = func(trait any) (any, error) {
			return c.DecodeTrait(trait)
		}
	}
	return e, nil
}

type typeEntry struct {
	id          string
	typ         reflect.Type
	encode      func(v any) (any, error)
	decode      func(fields map[string]any) (any, error)
	encodeTrait func(v any) (any, error)
	decodeTrait func(trait any) (any, error)
}

func (e *typeEntry) indexable() bool {
	return e.encodeTrait != nil
}

// TypeInfo describes a registered type.
type TypeInfo struct {
	ID        string
	Type      reflect.Type
	Indexable bool
}

func (e *typeEntry) info() TypeInfo {
	return TypeInfo{ID: e.id, Type: e.typ, Indexable: e.indexable()}
}

// Registry maps Go types to stable type ids and their codecs.
//
// Entries are immutable; mutations replace entries, so Clone only needs to
// copy the lookup tables. A Registry is not safe for concurrent mutation.
// DB keeps the committed registry behind an atomic pointer and mutates
// clones.
type Registry struct {
	byID   map[string]*typeEntry
	byType map[reflect.Type]*typeEntry
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*typeEntry),
		byType: make(map[reflect.Type]*typeEntry),
	}
}

// Register adds a codec for T under the given type id.
func Register[T any](r *Registry, id string, c Codec[T]) error {
	typ := reflect.TypeFor[T]()
	if id == "" {
		return fmt.Errorf("cannot register %v: empty type id", typ)
	}
	if typ.Kind() == reflect.Interface {
		return fmt.Errorf("cannot register interface type %v", typ)
	}
	if isNativeType(typ) {
		return fmt.Errorf("cannot register %v: handled natively", typ)
	}
	if e := r.byType[typ]; e != nil {
		return &DuplicateTypeError{TypeID: id, Type: typ, Existing: e.id}
	}
	if e := r.byID[id]; e != nil {
		return &DuplicateTypeError{TypeID: id, Type: typ, Existing: id}
	}
	e, err := c.erase(id)
	if err != nil {
		return err
	}
	r.put(e)
	return nil
}

// Modify replaces the codec of an already registered type, keeping its id.
func Modify[T any](r *Registry, c Codec[T]) error {
	typ := reflect.TypeFor[T]()
	old := r.byType[typ]
	if old == nil {
		return &UnknownTypeError{Type: typ}
	}
	e, err := c.erase(old.id)
	if err != nil {
		return err
	}
	r.put(e)
	return nil
}

// Remove unregisters the type with the given id. Values previously stored
// under that id fail to decode with UnknownTypeError.
func (r *Registry) Remove(id string) error {
	e := r.byID[id]
	if e == nil {
		return &UnknownTypeError{TypeID: id}
	}
	delete(r.byID, id)
	delete(r.byType, e.typ)
	return nil
}

func (r *Registry) put(e *typeEntry) {
	r.byID[e.id] = e
	r.byType[e.typ] = e
}

// HasCodec reports whether v's dynamic type is registered.
func (r *Registry) HasCodec(v any) bool {
	if v == nil {
		return false
	}
	return r.byType[reflect.TypeOf(v)] != nil
}

func (r *Registry) LookupByID(id string) (TypeInfo, error) {
	e, err := r.entryByID(id)
	if err != nil {
		return TypeInfo{}, err
	}
	return e.info(), nil
}

func (r *Registry) LookupByType(typ reflect.Type) (TypeInfo, error) {
	e := r.byType[typ]
	if e == nil {
		return TypeInfo{}, &UnknownTypeError{Type: typ}
	}
	return e.info(), nil
}

func (r *Registry) entryByID(id string) (*typeEntry, error) {
	e := r.byID[id]
	if e == nil {
		return nil, &UnknownTypeError{TypeID: id}
	}
	return e, nil
}

func (r *Registry) entryFor(v any) *typeEntry {
	if v == nil {
		return nil
	}
	return r.byType[reflect.TypeOf(v)]
}

// IDs returns the registered type ids in sorted order.
func (r *Registry) IDs() []string {
	return slices.Sorted(maps.Keys(r.byID))
}

func (r *Registry) Len() int {
	return len(r.byID)
}

// Clone returns an independent copy that can be mutated without affecting r.
func (r *Registry) Clone() *Registry {
	if r == nil {
		return NewRegistry()
	}
	return &Registry{
		byID:   maps.Clone(r.byID),
		byType: maps.Clone(r.byType),
	}
}

// Fingerprint hashes the set of registered type ids. It changes whenever a
// type is added or removed, not when a codec is modified.
func (r *Registry) Fingerprint() uint64 {
	h := xxhash.New()
	for _, id := range r.IDs() {
		h.WriteString(id)
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// swapEncode and swapDecode replace one half of an entry. They are only used
// by type upgrades, which restore the old entry on failure.
func (r *Registry) swapEncode(id string, encode func(any) (any, error)) (*typeEntry, error) {
	old, err := r.entryByID(id)
	if err != nil {
		return nil, err
	}
	e := *old
	e.encode = encode
	r.put(&e)
	return old, nil
}

func (r *Registry) swapDecode(id string, decode func(map[string]any) (any, error)) error {
	old, err := r.entryByID(id)
	if err != nil {
		return err
	}
	e := *old
	e.decode = decode
	r.put(&e)
	return nil
}
