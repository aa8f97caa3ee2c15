package traitdb

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type celsius float64

func TestRegistry_Register(t *testing.T) {
	reg := testRegistry(t)
	require.Equal(t, []string{"pt", "unindexable"}, reg.IDs())
	require.Equal(t, 2, reg.Len())
	require.True(t, reg.HasCodec(point{}))
	require.False(t, reg.HasCodec(&point{}))
	require.False(t, reg.HasCodec(nil))

	info, err := reg.LookupByID("pt")
	require.NoError(t, err)
	require.Equal(t, TypeInfo{ID: "pt", Type: reflect.TypeFor[point](), Indexable: true}, info)

	info, err = reg.LookupByType(reflect.TypeFor[unindexable]())
	require.NoError(t, err)
	require.Equal(t, "unindexable", info.ID)
	require.False(t, info.Indexable)

	var dte *DuplicateTypeError
	err = Register(reg, "pt2", pointCodec)
	require.ErrorAs(t, err, &dte)
	require.Equal(t, "pt", dte.Existing)

	err = Register(reg, "pt", Codec[celsius]{
		Encode: func(v celsius) (any, error) { return map[string]any{"c": float64(v)}, nil },
		Decode: func(fields map[string]any) (celsius, error) { return celsius(fields["c"].(float64)), nil },
	})
	require.ErrorAs(t, err, &dte)
	require.Equal(t, "pt", dte.TypeID)
}

func TestRegistry_RejectsInvalidCodecs(t *testing.T) {
	reg := NewRegistry()
	require.Error(t, Register(reg, "", pointCodec))
	require.Error(t, Register(reg, "t", Codec[time.Time]{
		Encode: func(v time.Time) (any, error) { return nil, nil },
		Decode: func(map[string]any) (time.Time, error) { return time.Time{}, nil },
	}))
	require.Error(t, Register(reg, "s", Codec[string]{
		Encode: func(v string) (any, error) { return nil, nil },
		Decode: func(map[string]any) (string, error) { return "", nil },
	}))
	require.Error(t, Register(reg, "any", Codec[any]{
		Encode: func(v any) (any, error) { return nil, nil },
		Decode: func(map[string]any) (any, error) { return nil, nil },
	}))
	require.Error(t, Register(reg, "half", Codec[point]{Encode: pointCodec.Encode}))
	require.Error(t, Register(reg, "trait", Codec[point]{
		Encode:      pointCodec.Encode,
		Decode:      pointCodec.Decode,
		EncodeTrait: pointCodec.EncodeTrait,
	}))
	require.Equal(t, 0, reg.Len())

	// named scalar types are not native
	require.NoError(t, Register(reg, "c", Codec[celsius]{
		Encode: func(v celsius) (any, error) { return map[string]any{"c": float64(v)}, nil },
		Decode: func(fields map[string]any) (celsius, error) { return celsius(fields["c"].(float64)), nil },
	}))
}

func TestRegistry_ModifyRemoveClone(t *testing.T) {
	reg := testRegistry(t)
	fp := reg.Fingerprint()

	clone := reg.Clone()
	require.NoError(t, clone.Remove("unindexable"))
	require.Equal(t, []string{"pt", "unindexable"}, reg.IDs())
	require.Equal(t, []string{"pt"}, clone.IDs())
	require.NotEqual(t, fp, clone.Fingerprint())

	var ute *UnknownTypeError
	require.ErrorAs(t, clone.Remove("unindexable"), &ute)
	_, err := clone.LookupByType(reflect.TypeFor[unindexable]())
	require.ErrorAs(t, err, &ute)

	// modifying a codec keeps the id and the fingerprint
	err = Modify(reg, Codec[point]{Encode: pointCodec.Encode, Decode: pointCodec.Decode})
	require.NoError(t, err)
	require.Equal(t, fp, reg.Fingerprint())
	info, err := reg.LookupByID("pt")
	require.NoError(t, err)
	require.False(t, info.Indexable)

	// the clone still has the original codec
	info, err = clone.LookupByID("pt")
	require.NoError(t, err)
	require.True(t, info.Indexable)

	require.ErrorAs(t, Modify(clone, Codec[unindexable]{
		Encode: func(unindexable) (any, error) { return nil, nil },
		Decode: func(map[string]any) (unindexable, error) { return unindexable{}, nil },
	}), &ute)

	var nilReg *Registry
	require.Equal(t, 0, nilReg.Clone().Len())
}
