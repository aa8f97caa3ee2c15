package traitdb

import (
	"reflect"
	"slices"
	"time"
)

// maxNesting bounds container depth so that cyclic values fail instead of
// overflowing the stack.
const maxNesting = 512

// ItemCodec converts application values to and from their canonical form
// using a registry snapshot.
//
// The canonical form of a value is:
//
//   - nil, Undefined, bool, int64, uint64, float64, string, time.Time and
//     []byte as-is (other Go integer and float kinds are widened);
//   - []any, Map and Set with their elements encoded;
//   - a *Box for plain records (map[string]any) and registered custom types.
type ItemCodec struct {
	reg       *Registry
	migrating bool
}

func NewItemCodec(reg *Registry) ItemCodec {
	if reg == nil {
		reg = NewRegistry()
	}
	return ItemCodec{reg: reg}
}

// MigrationCodec returns a codec that never calls user codecs: custom-typed
// boxes decode into *Tagged records and *Tagged records encode back into
// boxes with the same type id.
func (ic ItemCodec) MigrationCodec() ItemCodec {
	ic.migrating = true
	return ic
}

func (ic ItemCodec) IsMigrating() bool {
	return ic.migrating
}

func (ic ItemCodec) Registry() *Registry {
	return ic.reg
}

func EncodeItem(reg *Registry, v any) (any, error) {
	return NewItemCodec(reg).Encode(v)
}

func DecodeItem(reg *Registry, c any) (any, error) {
	return NewItemCodec(reg).Decode(c)
}

func (ic ItemCodec) Encode(v any) (any, error) {
	return ic.encode(v, 0)
}

func (ic ItemCodec) encode(v any, depth int) (any, error) {
	if depth > maxNesting {
		return nil, encodingErrf(v, nil, "nesting deeper than %d levels (cyclic value?)", maxNesting)
	}
	if s, ok := normalizeScalar(v); ok {
		return s, nil
	}
	switch v := v.(type) {
	case []byte:
		return v, nil
	case *Box:
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			c, err := ic.encode(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		fields, err := ic.encodeFields(v, depth)
		if err != nil {
			return nil, err
		}
		return newBox(fields, ""), nil
	case Map:
		out := make(Map, len(v))
		for k, elem := range v {
			ck, err := ic.encode(k, depth+1)
			if err != nil {
				return nil, err
			}
			if !isComparable(ck) {
				return nil, encodingErrf(k, nil, "map key does not encode to a comparable value")
			}
			if _, dup := out[ck]; dup {
				return nil, encodingErrf(k, nil, "map key collides with another key once normalized")
			}
			ce, err := ic.encode(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[ck] = ce
		}
		return out, nil
	case Set:
		out := make(Set, len(v))
		for elem := range v {
			c, err := ic.encode(elem, depth+1)
			if err != nil {
				return nil, err
			}
			if !isComparable(c) {
				return nil, encodingErrf(elem, nil, "set element does not encode to a comparable value")
			}
			if _, dup := out[c]; dup {
				return nil, encodingErrf(elem, nil, "set element collides with another element once normalized")
			}
			out[c] = struct{}{}
		}
		return out, nil
	case *Tagged:
		if !ic.migrating {
			return nil, encodingErrf(v, nil, "migration record %q used outside of migration", v.TypeID)
		}
		fields, err := ic.encodeFields(v.Fields, depth)
		if err != nil {
			return nil, err
		}
		return newBox(fields, v.TypeID), nil
	}

	e := ic.reg.entryFor(v)
	if e == nil {
		return nil, encodingErrf(v, nil, "unsupported type")
	}
	rec, err := e.encode(v)
	if err != nil {
		return nil, encodingErrf(v, err, "encoder for %q failed", e.id)
	}
	fields, ok := rec.(map[string]any)
	if !ok {
		return nil, encodingErrf(v, nil, "encoder for %q returned %T, wanted a plain record", e.id, rec)
	}
	fields, err = ic.encodeFields(fields, depth)
	if err != nil {
		return nil, err
	}
	return newBox(fields, e.id), nil
}

func (ic ItemCodec) encodeFields(rec map[string]any, depth int) (map[string]any, error) {
	out := make(map[string]any, len(rec))
	for k, elem := range rec {
		c, err := ic.encode(elem, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, nil
}

func (ic ItemCodec) Decode(c any) (any, error) {
	return ic.decode(c, 0)
}

// Normalize returns v in the shape Decode would give back after Encode:
// integers widened, times in UTC, boxes opened. Custom-typed values are
// kept as they are, so no user decoder runs. v must already have encoded
// successfully.
func (ic ItemCodec) Normalize(v any) (any, error) {
	if s, ok := normalizeScalar(v); ok {
		return s, nil
	}
	switch v := v.(type) {
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			n, err := ic.Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		return ic.normalizeFields(v)
	case Map:
		out := make(Map, len(v))
		for k, elem := range v {
			nk, err := ic.Normalize(k)
			if err != nil {
				return nil, err
			}
			n, err := ic.Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[nk] = n
		}
		return out, nil
	case Set:
		out := make(Set, len(v))
		for elem := range v {
			n, err := ic.Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[n] = struct{}{}
		}
		return out, nil
	case *Tagged:
		fields, err := ic.normalizeFields(v.Fields)
		if err != nil {
			return nil, err
		}
		return &Tagged{TypeID: v.TypeID, Fields: fields}, nil
	case *Box:
		return ic.Decode(v)
	default:
		return v, nil
	}
}

func (ic ItemCodec) normalizeFields(rec map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(rec))
	for k, elem := range rec {
		n, err := ic.Normalize(elem)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

func (ic ItemCodec) decode(c any, depth int) (any, error) {
	if depth > maxNesting {
		return nil, decodingErrf(nil, "nesting deeper than %d levels", maxNesting)
	}
	switch c := c.(type) {
	case nil, undefinedType, bool, int64, uint64, float64, string, time.Time, []byte:
		return c, nil
	case []any:
		out := make([]any, len(c))
		for i, elem := range c {
			v, err := ic.decode(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case Map:
		out := make(Map, len(c))
		for ck, ce := range c {
			k, err := ic.decode(ck, depth+1)
			if err != nil {
				return nil, err
			}
			if !isComparable(k) {
				return nil, decodingErrf(nil, "map key decoded to non-comparable %T", k)
			}
			v, err := ic.decode(ce, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case Set:
		out := make(Set, len(c))
		for ce := range c {
			v, err := ic.decode(ce, depth+1)
			if err != nil {
				return nil, err
			}
			if !isComparable(v) {
				return nil, decodingErrf(nil, "set element decoded to non-comparable %T", v)
			}
			out[v] = struct{}{}
		}
		return out, nil
	case *Box:
		fields := make(map[string]any, len(c.value))
		for k, ce := range c.value {
			v, err := ic.decode(ce, depth+1)
			if err != nil {
				return nil, err
			}
			fields[k] = v
		}
		if c.typeTag == "" {
			return fields, nil
		}
		if ic.migrating {
			return &Tagged{TypeID: c.typeTag, Fields: fields}, nil
		}
		e, err := ic.reg.entryByID(c.typeTag)
		if err != nil {
			return nil, err
		}
		v, err := e.decode(fields)
		if err != nil {
			return nil, decodingErrf(err, "decoder for %q failed", c.typeTag)
		}
		return v, nil
	case *Tagged:
		return nil, decodingErrf(nil, "migration record %q found in canonical form", c.TypeID)
	default:
		return nil, decodingErrf(nil, "unexpected canonical value of type %T", c)
	}
}

func isComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).Comparable()
}

// sortedFieldNames returns the keys of a record in a deterministic order.
func sortedFieldNames(rec map[string]any) []string {
	names := make([]string, 0, len(rec))
	for k := range rec {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
