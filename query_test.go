package traitdb

import (
	"errors"
	"testing"
)

func TestQuery_String(t *testing.T) {
	tests := []struct {
		q    Query
		want string
	}{
		{Everything(), "*"},
		{Everything().Reversed().Unique(), "* reversed unique"},
		{Equals("a"), "= a"},
		{From(1).Below(5), "[1, 5)"},
		{Above(1).Through(5), "(1, 5]"},
		{From(1), "[1, *)"},
		{Below(5).Reversed(), "(*, 5) reversed"},
		{Query{}, "<invalid>"},
	}
	for _, tt := range tests {
		if got := tt.q.String(); got != tt.want {
			t.Errorf("String() = %q, wanted %q", got, tt.want)
		}
	}
}

func TestCompileQuery(t *testing.T) {
	enc := func(v any) ([]byte, error) {
		return []byte(v.(string)), nil
	}
	tests := []struct {
		q    Query
		want KeyRange
	}{
		{Everything(), KeyRange{}},
		{Everything().Reversed().Unique(), KeyRange{Reverse: true, SkipDuplicates: true}},
		{Equals("b"), KeyRange{Lower: []byte("b"), Upper: []byte("b"), LowerInc: true, UpperInc: true}},
		{From("a").Below("c"), KeyRange{Lower: []byte("a"), Upper: []byte("c"), LowerInc: true}},
		{Above("a"), KeyRange{Lower: []byte("a")}},
		{Through("c"), KeyRange{Upper: []byte("c"), UpperInc: true}},

		// precedence: equality, two-sided range, lower, upper, everything
		{Equals("b").From("a").Through("c"), KeyRange{Lower: []byte("b"), Upper: []byte("b"), LowerInc: true, UpperInc: true}},
		{Query{all: true, lower: &bound{"a", true}}, KeyRange{Lower: []byte("a"), LowerInc: true}},
		{Query{all: true, upper: &bound{"c", false}}, KeyRange{Upper: []byte("c")}},
	}
	for _, tt := range tests {
		t.Run(tt.q.String(), func(t *testing.T) {
			got, err := CompileQuery(tt.q, enc)
			if err != nil {
				t.Fatalf("CompileQuery: %v", err)
			}
			deepEqual(t, got, tt.want)
		})
	}

	if _, err := CompileQuery(Query{}, enc); !errors.Is(err, errInvalidQuery) {
		t.Errorf("CompileQuery(zero) err = %v, wanted errInvalidQuery", err)
	}

	boom := errors.New("boom")
	failing := func(v any) ([]byte, error) { return nil, boom }
	for _, q := range []Query{Equals(1), From(1).Through(2), Above(1), Below(1)} {
		if _, err := CompileQuery(q, failing); !errors.Is(err, boom) {
			t.Errorf("CompileQuery(%v) err = %v, wanted boom", q, err)
		}
	}
}

func TestIDKeyEncoder(t *testing.T) {
	deepEqual(t, must(IDKeyEncoder(5)), idKey(5))
	deepEqual(t, must(IDKeyEncoder(uint64(7))), idKey(7))
	deepEqual(t, must(IDKeyEncoder(-3)), idKey(0))

	for _, v := range []any{"1", 1.5, nil, []any{1}} {
		var ee *EncodingError
		if _, err := IDKeyEncoder(v); !errors.As(err, &ee) {
			t.Errorf("IDKeyEncoder(%v) err = %v, wanted *EncodingError", v, err)
		}
	}
}
