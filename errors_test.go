package traitdb

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		require.ErrorAs(t, err, &de)
		require.ErrorIs(t, err, inner)
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2)") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		s := dataErrf(data, 0, nil, "oops").Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestStoreError_ErrorAndUnwrap(t *testing.T) {
	scm := NewSchema()
	people := AddStore(scm, "people")
	byName := people.AddIndex(PathIndex("name", "name"))

	inner := errors.New("inner")
	err := storeErrf(people, byName, 7, inner, "decoding %s", "item")
	require.ErrorIs(t, err, inner)
	require.Equal(t, "people.name/7: decoding item: inner", err.Error())

	err = storeErrf(people, nil, 0, inner, "")
	require.Equal(t, "people: inner", err.Error())
}

func TestErrorMessages(t *testing.T) {
	typ := reflect.TypeFor[point]()
	require.Equal(t, `unknown type id "pt"`, (&UnknownTypeError{TypeID: "pt"}).Error())
	require.Equal(t, "unknown type traitdb.point", (&UnknownTypeError{Type: typ}).Error())
	require.Equal(t, `type id "pt" already registered`, (&DuplicateTypeError{TypeID: "pt", Type: typ, Existing: "pt"}).Error())
	require.Equal(t, `type traitdb.point already registered as "p"`, (&DuplicateTypeError{TypeID: "pt", Type: typ, Existing: "p"}).Error())
	require.Equal(t, "Step: contract violation: cursor is exhausted", contractViolation("Step", "cursor is %v", CursorExhausted).Error())
	require.Equal(t, "people.email: unique constraint violated: row 2 conflicts with row 1", (&ConstraintError{Store: "people", Index: "email", ID: 2, ExistingID: 1}).Error())

	err := encodingErrf(make(chan int), nil, "unsupported type")
	require.Equal(t, "cannot encode chan int: unsupported type", err.Error())
	err = encodingErrf(nil, nil, "")
	require.Equal(t, "cannot encode nil", err.Error())
}
