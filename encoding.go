package traitdb

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Canonical trees are stored as msgpack. Plain records are msgpack maps with
// string keys; everything msgpack cannot represent unambiguously uses an
// extension type.
const (
	extTaggedBox int8 = 1 // [type id, map]
	extMap       int8 = 2 // map with arbitrary keys
	extSet       int8 = 3 // array of elements
	extUndefined int8 = 4 // empty payload
	extDate      int8 = 5 // [unix seconds, nanoseconds]
)

func marshalCanonical(buf []byte, c any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	err := writeCanonical(enc, c)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, err
	}
	return bb.Buf, nil
}

func writeCanonical(enc *msgpack.Encoder, c any) error {
	switch c := c.(type) {
	case nil:
		return enc.EncodeNil()
	case undefinedType:
		return enc.EncodeExtHeader(extUndefined, 0)
	case bool:
		return enc.EncodeBool(c)
	case int64:
		return enc.EncodeInt64(c)
	case uint64:
		return enc.EncodeUint64(c)
	case float64:
		return enc.EncodeFloat64(c)
	case string:
		return enc.EncodeString(c)
	case []byte:
		return enc.EncodeBytes(c)
	case time.Time:
		return writeExt(enc, extDate, func(sub *msgpack.Encoder) error {
			if err := sub.EncodeInt64(c.Unix()); err != nil {
				return err
			}
			return sub.EncodeInt64(int64(c.Nanosecond()))
		})
	case []any:
		if err := enc.EncodeArrayLen(len(c)); err != nil {
			return err
		}
		for _, elem := range c {
			if err := writeCanonical(enc, elem); err != nil {
				return err
			}
		}
		return nil
	case *Box:
		if c.typeTag == "" {
			return writeFields(enc, c.value)
		}
		return writeExt(enc, extTaggedBox, func(sub *msgpack.Encoder) error {
			if err := sub.EncodeString(c.typeTag); err != nil {
				return err
			}
			return writeFields(sub, c.value)
		})
	case Map:
		return writeExt(enc, extMap, func(sub *msgpack.Encoder) error {
			entries := make([][2][]byte, 0, len(c))
			for k, v := range c {
				kb, err := marshalCanonical(nil, k)
				if err != nil {
					return err
				}
				vb, err := marshalCanonical(nil, v)
				if err != nil {
					return err
				}
				entries = append(entries, [2][]byte{kb, vb})
			}
			slices.SortFunc(entries, func(a, b [2][]byte) int {
				return bytes.Compare(a[0], b[0])
			})
			if err := sub.EncodeMapLen(len(entries)); err != nil {
				return err
			}
			w := sub.Writer()
			for _, e := range entries {
				if _, err := w.Write(e[0]); err != nil {
					return err
				}
				if _, err := w.Write(e[1]); err != nil {
					return err
				}
			}
			return nil
		})
	case Set:
		return writeExt(enc, extSet, func(sub *msgpack.Encoder) error {
			elems := make([][]byte, 0, len(c))
			for v := range c {
				b, err := marshalCanonical(nil, v)
				if err != nil {
					return err
				}
				elems = append(elems, b)
			}
			slices.SortFunc(elems, bytes.Compare)
			if err := sub.EncodeArrayLen(len(elems)); err != nil {
				return err
			}
			w := sub.Writer()
			for _, b := range elems {
				if _, err := w.Write(b); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return encodingErrf(c, nil, "not a canonical value")
	}
}

func writeFields(enc *msgpack.Encoder, fields map[string]any) error {
	if err := enc.EncodeMapLen(len(fields)); err != nil {
		return err
	}
	for _, k := range sortedFieldNames(fields) {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := writeCanonical(enc, fields[k]); err != nil {
			return err
		}
	}
	return nil
}

func writeExt(enc *msgpack.Encoder, id int8, f func(sub *msgpack.Encoder) error) error {
	var bb bytesBuilder
	sub := msgpack.GetEncoder()
	sub.ResetDict(&bb, nil)
	err := f(sub)
	msgpack.PutEncoder(sub)
	if err != nil {
		return err
	}
	if err := enc.EncodeExtHeader(id, len(bb.Buf)); err != nil {
		return err
	}
	_, err = enc.Writer().Write(bb.Buf)
	return err
}

func unmarshalCanonical(data []byte) (any, error) {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	c, err := readCanonical(dec, 0)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(data, len(data)-r.Len(), err, "invalid payload")
	}
	if r.Len() != 0 {
		return nil, dataErrf(data, len(data)-r.Len(), nil, "invalid payload: %d trailing bytes", r.Len())
	}
	return c, nil
}

func readCanonical(dec *msgpack.Decoder, depth int) (any, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("nesting deeper than %d levels", maxNesting)
	}
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case c == msgpcode.Nil:
		return nil, dec.DecodeNil()
	case c == msgpcode.False || c == msgpcode.True:
		return dec.DecodeBool()
	case msgpcode.IsFixedNum(c), c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		return dec.DecodeInt64()
	case c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64:
		return dec.DecodeUint64()
	case c == msgpcode.Float:
		f, err := dec.DecodeFloat32()
		return float64(f), err
	case c == msgpcode.Double:
		return dec.DecodeFloat64()
	case msgpcode.IsString(c):
		return dec.DecodeString()
	case msgpcode.IsBin(c):
		return dec.DecodeBytes()
	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		out := make([]any, max(n, 0))
		for i := range out {
			out[i], err = readCanonical(dec, depth+1)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		fields, err := readFields(dec, depth)
		if err != nil {
			return nil, err
		}
		return newBox(fields, ""), nil
	case msgpcode.IsExt(c):
		return readExt(dec, depth)
	default:
		return nil, fmt.Errorf("unexpected msgpack code %x", c)
	}
}

func readFields(dec *msgpack.Decoder, depth int) (map[string]any, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("nil record")
	}
	fields := make(map[string]any, n)
	for range n {
		k, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		fields[k], err = readCanonical(dec, depth+1)
		if err != nil {
			return nil, err
		}
	}
	return fields, nil
}

func readExt(dec *msgpack.Decoder, depth int) (any, error) {
	id, size, err := dec.DecodeExtHeader()
	if err != nil {
		return nil, err
	}
	switch id {
	case extUndefined:
		if size != 0 {
			return nil, fmt.Errorf("undefined with %d byte payload", size)
		}
		return Undefined, nil
	case extDate:
		sec, err := dec.DecodeInt64()
		if err != nil {
			return nil, err
		}
		nsec, err := dec.DecodeInt64()
		if err != nil {
			return nil, err
		}
		if nsec < 0 || nsec >= int64(time.Second) {
			return nil, fmt.Errorf("invalid date nanoseconds %d", nsec)
		}
		return time.Unix(sec, nsec).UTC(), nil
	case extTaggedBox:
		tag, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		if tag == "" {
			return nil, fmt.Errorf("tagged box with empty type id")
		}
		fields, err := readFields(dec, depth)
		if err != nil {
			return nil, err
		}
		return newBox(fields, tag), nil
	case extMap:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		out := make(Map, max(n, 0))
		for range n {
			k, err := readCanonical(dec, depth+1)
			if err != nil {
				return nil, err
			}
			if !isComparable(k) {
				return nil, fmt.Errorf("map key of type %T is not comparable", k)
			}
			out[k], err = readCanonical(dec, depth+1)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	case extSet:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		out := make(Set, max(n, 0))
		for range n {
			v, err := readCanonical(dec, depth+1)
			if err != nil {
				return nil, err
			}
			if !isComparable(v) {
				return nil, fmt.Errorf("set element of type %T is not comparable", v)
			}
			out[v] = struct{}{}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown extension type %d", id)
	}
}

// encodeState and decodeState persist internal bookkeeping structs.
func encodeState(v any) []byte {
	bb := bytesBuilder{}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
	}
	return bb.Buf
}

func decodeState(buf []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}
