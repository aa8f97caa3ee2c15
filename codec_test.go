package traitdb

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func TestItemCodec_RoundTrip(t *testing.T) {
	reg := testRegistry(t)
	ic := NewItemCodec(reg)

	when := time.Date(2024, 2, 29, 12, 30, 0, 123456789, time.UTC)
	item := map[string]any{
		"name":  "Alice",
		"age":   int64(30),
		"big":   uint64(math.MaxUint64),
		"score": 0.5,
		"ok":    true,
		"none":  nil,
		"gone":  Undefined,
		"when":  when,
		"blob":  []byte{0, 1, 2},
		"tags":  []any{"x", int64(1), []any{}},
		"loc":   point{X: 3, Y: -4},
		"attrs": Map{int64(1): "one", "two": int64(2)},
		"set":   NewSet("a", "b", int64(3)),
		"inner": map[string]any{"deep": map[string]any{"x": "y"}},
	}

	canon, err := ic.Encode(item)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data, err := marshalCanonical(nil, canon)
	if err != nil {
		t.Fatalf("marshalCanonical: %v", err)
	}
	canon2, err := unmarshalCanonical(data)
	if err != nil {
		t.Fatalf("unmarshalCanonical: %v", err)
	}
	got, err := ic.Decode(canon2)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	deepEqual[any](t, got, item)
}

func TestItemCodec_WidensScalars(t *testing.T) {
	ic := NewItemCodec(nil)
	canon := must(ic.Encode([]any{int8(-1), uint16(2), float32(0.25), 7}))
	deepEqual[any](t, canon, []any{int64(-1), uint64(2), float64(0.25), int64(7)})
}

func TestItemCodec_CanonicalBytesAreDeterministic(t *testing.T) {
	ic := NewItemCodec(nil)
	a := Map{}
	b := Map{}
	for i := range 50 {
		a[int64(i)] = i
		b[int64(49-i)] = 49 - i
	}
	ra := must(marshalCanonical(nil, must(ic.Encode(map[string]any{"m": a, "s": NewSet("q", "w", "e")}))))
	rb := must(marshalCanonical(nil, must(ic.Encode(map[string]any{"s": NewSet("e", "w", "q"), "m": b}))))
	if !bytes.Equal(ra, rb) {
		t.Fatalf("equal values encoded differently:\n%x\n%x", ra, rb)
	}
}

func TestItemCodec_Errors(t *testing.T) {
	ic := NewItemCodec(nil)

	var ee *EncodingError
	if _, err := ic.Encode(point{1, 2}); !errors.As(err, &ee) {
		t.Errorf("Encode(unregistered) err = %v, wanted *EncodingError", err)
	}
	if _, err := ic.Encode(make(chan int)); !errors.As(err, &ee) {
		t.Errorf("Encode(chan) err = %v, wanted *EncodingError", err)
	}

	cyclic := []any{nil}
	cyclic[0] = cyclic
	if _, err := ic.Encode(cyclic); !errors.As(err, &ee) {
		t.Errorf("Encode(cyclic) err = %v, wanted *EncodingError", err)
	}

	if _, err := ic.Encode(&Tagged{TypeID: "pt", Fields: map[string]any{}}); !errors.As(err, &ee) {
		t.Errorf("Encode(tagged) outside migration err = %v, wanted *EncodingError", err)
	}

	reg := testRegistry(t)
	canon := must(NewItemCodec(reg).Encode(point{1, 2}))
	var ue *UnknownTypeError
	if _, err := ic.Decode(canon); !errors.As(err, &ue) || ue.TypeID != "pt" {
		t.Errorf("Decode(unknown type) err = %v, wanted *UnknownTypeError for pt", err)
	}
}

func TestItemCodec_Migration(t *testing.T) {
	reg := testRegistry(t)
	canon := must(NewItemCodec(reg).Encode(map[string]any{"loc": point{1, 2}}))

	mc := NewItemCodec(nil).MigrationCodec()
	if !mc.IsMigrating() {
		t.Fatalf("IsMigrating() = false")
	}
	got := must(mc.Decode(canon))
	want := map[string]any{"loc": &Tagged{TypeID: "pt", Fields: map[string]any{"x": int64(1), "y": int64(2)}}}
	deepEqual(t, got, any(want))

	back := must(mc.Encode(got))
	if !bytes.Equal(must(marshalCanonical(nil, back)), must(marshalCanonical(nil, canon))) {
		t.Fatalf("migration round trip changed the payload")
	}
}

func TestUnmarshalCanonical_Errors(t *testing.T) {
	var de *DataError
	if _, err := unmarshalCanonical([]byte{0xC0, 0xC0}); !errors.As(err, &de) {
		t.Errorf("trailing bytes: err = %v, wanted *DataError", err)
	}
	if _, err := unmarshalCanonical([]byte{0xC1}); !errors.As(err, &de) {
		t.Errorf("bad code: err = %v, wanted *DataError", err)
	}
}

func TestTraitCodec_Order(t *testing.T) {
	reg := testRegistry(t)
	tc := NewTraitCodec(reg)
	values := []any{
		Undefined,
		nil,
		false,
		true,
		math.Inf(-1),
		-1000,
		-1,
		-0.5,
		0,
		0.5,
		1,
		2,
		maxSafeInteger,
		math.Inf(1),
		time.Unix(-1, 0),
		time.Unix(0, 0),
		time.Unix(0, 1),
		time.Unix(1e9, 0),
		"",
		"a",
		"a\x00",
		"a\x01",
		"ab",
		"b",
		[]byte{},
		[]byte{0},
		[]byte{1},
		[]any{},
		[]any{Undefined},
		[]any{1},
		[]any{1, 2},
		[]any{"a"},
		[]any{[]any{}},
		point{X: 0, Y: 0},
		point{X: 0, Y: 1},
		point{X: 1, Y: -1},
	}
	var prev Key
	for i, v := range values {
		k, err := tc.EncodeKey(v)
		if err != nil {
			t.Fatalf("EncodeKey(%v): %v", v, err)
		}
		if i > 0 && bytes.Compare(prev, k) >= 0 {
			t.Errorf("EncodeKey(%v) = %v, wanted > %v (of %v)", v, k, prev, values[i-1])
		}
		prev = k
	}
}

func TestTraitCodec_RoundTrip(t *testing.T) {
	reg := testRegistry(t)
	tc := NewTraitCodec(reg)
	tests := []struct {
		in   any
		want any
	}{
		{Undefined, Undefined},
		{nil, nil},
		{true, true},
		{42, 42.0},
		{uint8(7), 7.0},
		{-0.25, -0.25},
		{math.Inf(-1), math.Inf(-1)},
		{time.Unix(1700000000, 5), time.Unix(1700000000, 5).UTC()},
		{"he\x00llo", "he\x00llo"},
		{[]byte{0, 0xFF, 0}, []byte{0, 0xFF, 0}},
		{[]any{1, "a", []any{nil}}, []any{1.0, "a", []any{nil}}},
		{point{X: 5, Y: 6}, point{X: 5, Y: 6}},
	}
	for _, tt := range tests {
		k, err := tc.EncodeKey(tt.in)
		if err != nil {
			t.Fatalf("EncodeKey(%v): %v", tt.in, err)
		}
		got, err := tc.DecodeKey(k)
		if err != nil {
			t.Fatalf("DecodeKey(%v): %v", k, err)
		}
		deepEqual(t, got, tt.want)
	}
}

func TestTraitCodec_Exploding(t *testing.T) {
	tc := NewTraitCodec(nil)
	tr, err := tc.Encode([]any{"y", "x", "y"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Exploded || len(tr.Keys) != 2 {
		t.Fatalf("Encode = %+v, wanted 2 exploded keys", tr)
	}
	deepEqual(t, must(tc.Decode(tr, true)), any([]any{"x", "y"}))

	var ee *EncodingError
	if _, err := tc.Encode("x", true); !errors.As(err, &ee) {
		t.Errorf("Encode(non-array, exploding) err = %v, wanted *EncodingError", err)
	}
	var de *DecodingError
	if _, err := tc.Decode(tr, false); !errors.As(err, &de) {
		t.Errorf("Decode(exploded, !exploding) err = %v, wanted *DecodingError", err)
	}
	single := must(tc.Encode("x", false))
	if _, err := tc.Decode(single, true); !errors.As(err, &de) {
		t.Errorf("Decode(single, exploding) err = %v, wanted *DecodingError", err)
	}
	if !single.Equal(must(EncodeTrait(nil, "x", false))) {
		t.Errorf("Trait.Equal = false for equal traits")
	}
}

func TestTraitCodec_Errors(t *testing.T) {
	tc := NewTraitCodec(testRegistry(t))
	for _, v := range []any{
		math.NaN(),
		int64(maxSafeInteger + 1),
		uint64(math.MaxUint64),
		map[string]any{"a": 1},
		NewSet(1),
		unindexable{},
		make(chan int),
	} {
		var ee *EncodingError
		if _, err := tc.EncodeKey(v); !errors.As(err, &ee) {
			t.Errorf("EncodeKey(%T) err = %v, wanted *EncodingError", v, err)
		}
	}

	var de *DecodingError
	for _, k := range []Key{{}, {0x10, 1}, {0x30, 'a'}, {0x02, 0x02}, {0x7F}} {
		if _, err := tc.DecodeKey(k); !errors.As(err, &de) {
			t.Errorf("DecodeKey(%v) err = %v, wanted *DecodingError", k, err)
		}
	}
}

func TestEncodeItem_Helpers(t *testing.T) {
	reg := testRegistry(t)
	canon := must(EncodeItem(reg, map[string]any{"s": NewSet("a"), "p": point{1, 2}}))
	got := must(DecodeItem(reg, canon)).(map[string]any)
	if s := got["s"].(Set); !s.Has("a") || s.Has("b") {
		t.Errorf("decoded set = %v, wanted {a}", s)
	}
	deepEqual[any](t, got["p"], point{1, 2})
}

func TestItemCodec_NormalizedKeysMustNotCollide(t *testing.T) {
	ic := NewItemCodec(nil)
	var ee *EncodingError
	if _, err := ic.Encode(Map{1: "a", int64(1): "b"}); !errors.As(err, &ee) {
		t.Errorf("Encode(colliding map keys) err = %v, wanted *EncodingError", err)
	}
	if _, err := ic.Encode(NewSet(1, int64(1))); !errors.As(err, &ee) {
		t.Errorf("Encode(colliding set elements) err = %v, wanted *EncodingError", err)
	}
	if _, err := ic.Encode(Map{1: "a", uint64(1): "b"}); err != nil {
		t.Errorf("Encode(int and uint keys) err = %v, wanted nil", err)
	}
}

func TestItemCodec_NormalizeMatchesDecode(t *testing.T) {
	reg := testRegistry(t)
	ic := NewItemCodec(reg)
	loc := time.FixedZone("X", 3600)
	item := map[string]any{
		"n":    1,
		"u":    uint16(2),
		"f":    float32(0.5),
		"when": time.Date(2024, 1, 1, 12, 0, 0, 0, loc),
		"list": []any{int8(-1), map[string]any{"k": 3}},
		"m":    Map{7: NewSet(int32(8))},
		"p":    point{1, 2},
	}
	norm := must(ic.Normalize(item))
	decoded := must(ic.Decode(must(unmarshalCanonical(must(marshalCanonical(nil, must(ic.Encode(item))))))))
	deepEqual(t, norm, decoded)
	if when := norm.(map[string]any)["when"].(time.Time); when.Location() != time.UTC {
		t.Errorf("normalized time location = %v, wanted UTC", when.Location())
	}
}
