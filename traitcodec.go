package traitdb

import (
	"bytes"
	"encoding/binary"
	"math"
	"slices"
	"time"
)

// Key is an encoded trait. Keys compare with bytes.Compare in the same
// order as the trait values they encode:
//
//	undefined < nil < false < true < numbers < dates < strings < binary < arrays < custom
//
// Custom values order by type id first, then by their own trait.
type Key []byte

func (k Key) String() string {
	return hexstr(k)
}

func (k Key) Compare(o Key) int {
	return bytes.Compare(k, o)
}

// Trait is the encoded trait of one row under one index. Exploded traits
// carry one key per distinct array element, sorted.
type Trait struct {
	Keys     []Key
	Exploded bool
}

func (t Trait) Equal(o Trait) bool {
	return t.Exploded == o.Exploded && slices.EqualFunc(t.Keys, o.Keys, func(a, b Key) bool { return bytes.Equal(a, b) })
}

const (
	ttEnd       = 0x00
	ttUndefined = 0x01
	ttNull      = 0x02
	ttFalse     = 0x03
	ttTrue      = 0x04
	ttNumber    = 0x10
	ttDate      = 0x20
	ttString    = 0x30
	ttBinary    = 0x40
	ttArray     = 0x50
	ttCustom    = 0x60

	escByte = 0xFF

	// maxSafeInteger is the largest integer every float64 neighbour of which
	// is also an integer; larger integers would not round-trip.
	maxSafeInteger = 1 << 53
)

// TraitCodec encodes index keys using a registry snapshot for custom types.
type TraitCodec struct {
	reg *Registry
}

func NewTraitCodec(reg *Registry) TraitCodec {
	if reg == nil {
		reg = NewRegistry()
	}
	return TraitCodec{reg: reg}
}

func EncodeTrait(reg *Registry, v any, exploding bool) (Trait, error) {
	return NewTraitCodec(reg).Encode(v, exploding)
}

func DecodeTrait(reg *Registry, t Trait, exploding bool) (any, error) {
	return NewTraitCodec(reg).Decode(t, exploding)
}

// Encode encodes v as a single key, or, when exploding, encodes every
// element of the array v as its own key.
func (tc TraitCodec) Encode(v any, exploding bool) (Trait, error) {
	if !exploding {
		k, err := tc.EncodeKey(v)
		if err != nil {
			return Trait{}, err
		}
		return Trait{Keys: []Key{k}}, nil
	}
	elems, ok := v.([]any)
	if !ok {
		return Trait{}, encodingErrf(v, nil, "exploding trait must be an array")
	}
	keys := make([]Key, 0, len(elems))
	for _, elem := range elems {
		k, err := tc.EncodeKey(elem)
		if err != nil {
			return Trait{}, err
		}
		keys = append(keys, k)
	}
	slices.SortFunc(keys, Key.Compare)
	keys = slices.CompactFunc(keys, func(a, b Key) bool { return bytes.Equal(a, b) })
	return Trait{Keys: keys, Exploded: true}, nil
}

// Decode is the inverse of Encode. Numbers decode as float64; exploded
// traits decode as []any of distinct elements in key order.
func (tc TraitCodec) Decode(t Trait, exploding bool) (any, error) {
	if exploding != t.Exploded {
		if exploding {
			return nil, decodingErrf(nil, "expected an exploded trait, got a single key")
		}
		return nil, decodingErrf(nil, "expected a single key, got an exploded trait")
	}
	if !exploding {
		if len(t.Keys) != 1 {
			return nil, decodingErrf(nil, "expected a single key, got %d", len(t.Keys))
		}
		return tc.DecodeKey(t.Keys[0])
	}
	out := make([]any, len(t.Keys))
	for i, k := range t.Keys {
		v, err := tc.DecodeKey(k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (tc TraitCodec) EncodeKey(v any) (Key, error) {
	buf, err := tc.appendKey(nil, v, 0)
	if err != nil {
		return nil, err
	}
	return Key(buf), nil
}

func (tc TraitCodec) appendKey(buf []byte, v any, depth int) ([]byte, error) {
	if depth > maxNesting {
		return nil, encodingErrf(v, nil, "nesting deeper than %d levels (cyclic value?)", maxNesting)
	}
	switch v := v.(type) {
	case undefinedType:
		return append(buf, ttUndefined), nil
	case nil:
		return append(buf, ttNull), nil
	case bool:
		if v {
			return append(buf, ttTrue), nil
		}
		return append(buf, ttFalse), nil
	case string:
		buf = append(buf, ttString)
		return appendEscaped(buf, []byte(v)), nil
	case []byte:
		buf = append(buf, ttBinary)
		return appendEscaped(buf, v), nil
	case time.Time:
		buf = append(buf, ttDate)
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.Unix())^(1<<63))
		return binary.BigEndian.AppendUint32(buf, uint32(v.Nanosecond())), nil
	case []any:
		buf = append(buf, ttArray)
		var err error
		for _, elem := range v {
			buf, err = tc.appendKey(buf, elem, depth+1)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ttEnd), nil
	}

	if n, ok := normalizeScalar(v); ok {
		var f float64
		switch n := n.(type) {
		case int64:
			if n > maxSafeInteger || n < -maxSafeInteger {
				return nil, encodingErrf(v, nil, "integer %d cannot be represented exactly", n)
			}
			f = float64(n)
		case uint64:
			if n > maxSafeInteger {
				return nil, encodingErrf(v, nil, "integer %d cannot be represented exactly", n)
			}
			f = float64(n)
		case float64:
			if math.IsNaN(n) {
				return nil, encodingErrf(v, nil, "NaN is not a valid trait")
			}
			f = n
		default:
			panic("unreachable")
		}
		buf = append(buf, ttNumber)
		return binary.BigEndian.AppendUint64(buf, orderedFloatBits(f)), nil
	}

	e := tc.reg.entryFor(v)
	if e == nil {
		return nil, encodingErrf(v, nil, "not an indexable type")
	}
	if !e.indexable() {
		return nil, encodingErrf(v, nil, "type %q has no trait codec", e.id)
	}
	inner, err := e.encodeTrait(v)
	if err != nil {
		return nil, encodingErrf(v, err, "trait encoder for %q failed", e.id)
	}
	buf = append(buf, ttCustom)
	buf = appendEscaped(buf, []byte(e.id))
	return tc.appendKey(buf, inner, depth+1)
}

func orderedFloatBits(f float64) uint64 {
	if f == 0 {
		f = 0 // -0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func floatFromOrderedBits(bits uint64) float64 {
	if bits&(1<<63) != 0 {
		return math.Float64frombits(bits &^ (1 << 63))
	}
	return math.Float64frombits(^bits)
}

// appendEscaped writes b with every 00 byte escaped as 00 FF, followed by a
// 00 terminator.
func appendEscaped(buf []byte, b []byte) []byte {
	for {
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			buf = append(buf, b...)
			break
		}
		buf = append(buf, b[:i+1]...)
		buf = append(buf, escByte)
		b = b[i+1:]
	}
	return append(buf, ttEnd)
}

func (tc TraitCodec) DecodeKey(k Key) (any, error) {
	d := keyDecoder{orig: k, buf: k}
	v, err := tc.decodeValue(&d, 0)
	if err != nil {
		return nil, err
	}
	if len(d.buf) != 0 {
		return nil, decodingErrf(d.errorf("%d trailing bytes", len(d.buf)), "invalid key")
	}
	return v, nil
}

type keyDecoder struct {
	orig []byte
	buf  []byte
}

func (d *keyDecoder) errorf(format string, args ...any) error {
	return dataErrf(d.orig, len(d.orig)-len(d.buf), nil, format, args...)
}

func (d *keyDecoder) raw(n int) ([]byte, error) {
	if len(d.buf) < n {
		return nil, d.errorf("truncated key: %d bytes remaining, %d wanted", len(d.buf), n)
	}
	v := d.buf[:n]
	d.buf = d.buf[n:]
	return v, nil
}

func (d *keyDecoder) escaped() ([]byte, error) {
	var out []byte
	for {
		i := bytes.IndexByte(d.buf, 0)
		if i < 0 {
			return nil, d.errorf("unterminated string")
		}
		out = append(out, d.buf[:i]...)
		if i+1 < len(d.buf) && d.buf[i+1] == escByte {
			out = append(out, 0)
			d.buf = d.buf[i+2:]
			continue
		}
		d.buf = d.buf[i+1:]
		if out == nil {
			out = []byte{}
		}
		return out, nil
	}
}

func (tc TraitCodec) decodeValue(d *keyDecoder, depth int) (any, error) {
	if depth > maxNesting {
		return nil, decodingErrf(nil, "nesting deeper than %d levels", maxNesting)
	}
	tag, err := d.raw(1)
	if err != nil {
		return nil, decodingErrf(err, "invalid key")
	}
	switch tag[0] {
	case ttUndefined:
		return Undefined, nil
	case ttNull:
		return nil, nil
	case ttFalse:
		return false, nil
	case ttTrue:
		return true, nil
	case ttNumber:
		b, err := d.raw(8)
		if err != nil {
			return nil, decodingErrf(err, "invalid number")
		}
		return floatFromOrderedBits(binary.BigEndian.Uint64(b)), nil
	case ttDate:
		b, err := d.raw(12)
		if err != nil {
			return nil, decodingErrf(err, "invalid date")
		}
		sec := int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
		nsec := int64(binary.BigEndian.Uint32(b[8:]))
		return time.Unix(sec, nsec).UTC(), nil
	case ttString:
		b, err := d.escaped()
		if err != nil {
			return nil, decodingErrf(err, "invalid string")
		}
		return string(b), nil
	case ttBinary:
		b, err := d.escaped()
		if err != nil {
			return nil, decodingErrf(err, "invalid binary")
		}
		return b, nil
	case ttArray:
		out := []any{}
		for {
			if len(d.buf) == 0 {
				return nil, decodingErrf(d.errorf("unterminated array"), "invalid array")
			}
			if d.buf[0] == ttEnd {
				d.buf = d.buf[1:]
				return out, nil
			}
			elem, err := tc.decodeValue(d, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
	case ttCustom:
		id, err := d.escaped()
		if err != nil {
			return nil, decodingErrf(err, "invalid custom type id")
		}
		e, err := tc.reg.entryByID(string(id))
		if err != nil {
			return nil, err
		}
		if !e.indexable() {
			return nil, decodingErrf(nil, "type %q has no trait codec", e.id)
		}
		inner, err := tc.decodeValue(d, depth+1)
		if err != nil {
			return nil, err
		}
		v, err := e.decodeTrait(inner)
		if err != nil {
			return nil, decodingErrf(err, "trait decoder for %q failed", e.id)
		}
		return v, nil
	default:
		return nil, decodingErrf(d.errorf("unknown tag %02x", tag[0]), "invalid key")
	}
}
