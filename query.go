package traitdb

import (
	"errors"
	"fmt"
	"strings"
)

// Query describes which part of a store or index to scan. Build one with
// Everything, Equals, From, Above, Through or Below; the last four chain,
// so From(3).Below(7) is the half-open range [3, 7).
//
// The zero Query is invalid.
type Query struct {
	all     bool
	eq      *bound
	lower   *bound
	upper   *bound
	reverse bool
	unique  bool
}

type bound struct {
	v   any
	inc bool
}

func Everything() Query   { return Query{all: true} }
func Equals(v any) Query  { return Query{eq: &bound{v, true}} }
func From(v any) Query    { return Query{lower: &bound{v, true}} }
func Above(v any) Query   { return Query{lower: &bound{v, false}} }
func Through(v any) Query { return Query{upper: &bound{v, true}} }
func Below(v any) Query   { return Query{upper: &bound{v, false}} }

func (q Query) From(v any) Query    { q.lower = &bound{v, true}; return q }
func (q Query) Above(v any) Query   { q.lower = &bound{v, false}; return q }
func (q Query) Through(v any) Query { q.upper = &bound{v, true}; return q }
func (q Query) Below(v any) Query   { q.upper = &bound{v, false}; return q }

// Reversed scans from the upper end down.
func (q Query) Reversed() Query { q.reverse = true; return q }

// Unique visits only the first row, by id, of each distinct trait.
func (q Query) Unique() Query { q.unique = true; return q }

func (q Query) IsReversed() bool { return q.reverse }
func (q Query) IsUnique() bool   { return q.unique }

func (q Query) String() string {
	var buf strings.Builder
	switch {
	case q.eq != nil:
		fmt.Fprintf(&buf, "= %v", q.eq.v)
	case q.lower != nil || q.upper != nil:
		if q.lower != nil {
			if q.lower.inc {
				fmt.Fprintf(&buf, "[%v", q.lower.v)
			} else {
				fmt.Fprintf(&buf, "(%v", q.lower.v)
			}
		} else {
			buf.WriteString("(*")
		}
		buf.WriteString(", ")
		if q.upper != nil {
			if q.upper.inc {
				fmt.Fprintf(&buf, "%v]", q.upper.v)
			} else {
				fmt.Fprintf(&buf, "%v)", q.upper.v)
			}
		} else {
			buf.WriteString("*)")
		}
	case q.all:
		buf.WriteString("*")
	default:
		buf.WriteString("<invalid>")
	}
	if q.reverse {
		buf.WriteString(" reversed")
	}
	if q.unique {
		buf.WriteString(" unique")
	}
	return buf.String()
}

var errInvalidQuery = errors.New("internal error: query matches no known shape")

// KeyEncoder maps a query bound into the key space being scanned.
type KeyEncoder func(v any) ([]byte, error)

// CompileQuery turns q into a key range, encoding bounds with enc. When a
// query has several shapes at once, Equals wins over a two-sided range,
// which wins over a lower-only range, then an upper-only one.
func CompileQuery(q Query, enc KeyEncoder) (KeyRange, error) {
	r := KeyRange{Reverse: q.reverse, SkipDuplicates: q.unique}
	var err error
	switch {
	case q.eq != nil:
		if r.Lower, err = enc(q.eq.v); err != nil {
			return KeyRange{}, err
		}
		r.Upper = r.Lower
		r.LowerInc, r.UpperInc = true, true
	case q.lower != nil && q.upper != nil:
		if r.Lower, err = enc(q.lower.v); err != nil {
			return KeyRange{}, err
		}
		if r.Upper, err = enc(q.upper.v); err != nil {
			return KeyRange{}, err
		}
		r.LowerInc, r.UpperInc = q.lower.inc, q.upper.inc
	case q.lower != nil:
		if r.Lower, err = enc(q.lower.v); err != nil {
			return KeyRange{}, err
		}
		r.LowerInc = q.lower.inc
	case q.upper != nil:
		if r.Upper, err = enc(q.upper.v); err != nil {
			return KeyRange{}, err
		}
		r.UpperInc = q.upper.inc
	case q.all:
	default:
		return KeyRange{}, errInvalidQuery
	}
	return r, nil
}

// TraitKeyEncoder encodes bounds of index scans. Bounds of exploding indexes
// are single elements.
func TraitKeyEncoder(tc TraitCodec) KeyEncoder {
	return func(v any) ([]byte, error) {
		return tc.EncodeKey(v)
	}
}

// IDKeyEncoder encodes bounds of store scans, which must be integers.
// Negative bounds sort before every id.
func IDKeyEncoder(v any) ([]byte, error) {
	n, ok := normalizeScalar(v)
	if !ok {
		return nil, encodingErrf(v, nil, "store bounds must be integer ids")
	}
	switch n := n.(type) {
	case int64:
		return idKey(uint64(max(n, 0))), nil
	case uint64:
		return idKey(n), nil
	default:
		return nil, encodingErrf(v, nil, "store bounds must be integer ids")
	}
}
