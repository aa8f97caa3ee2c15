package traitdb

import (
	"reflect"
)

// Row is the stored form of an item: its id, canonical payload and the
// encoded trait it contributes to each index.
type Row struct {
	ID      uint64
	Payload any
	Traits  map[string]Trait
	// ModCount counts payload changes since the row was inserted.
	ModCount uint64
}

// Get decodes the row with the given id as T.
func Get[T any](tx *Tx, store *StoreDef, id uint64) (T, bool, error) {
	var zero T
	item, found, err := tx.Get(store, id)
	if err != nil || !found {
		return zero, found, err
	}
	v, err := asItem[T](item)
	if err != nil {
		return zero, false, storeErrf(store, nil, id, err, "")
	}
	return v, true, nil
}

// Lookup returns the first item, in id order, whose trait under idx equals trait.
func Lookup[T any](tx *Tx, idx *IndexDef, trait any) (T, bool, error) {
	return Select[T](tx, idx, Equals(trait)).First()
}

func (tx *Tx) Get(store *StoreDef, id uint64) (any, bool, error) {
	if err := tx.live("Get", false); err != nil {
		return nil, false, err
	}
	ss, err := tx.storeState(store)
	if err != nil {
		return nil, false, err
	}
	dataBuck, err := tx.dataBucket(ss)
	if err != nil {
		return nil, false, err
	}
	raw := dataBuck.Get(idKey(id))
	if raw == nil {
		return nil, false, nil
	}
	item, err := decodeRowItem(tx.itemCodec(), ss.store, id, raw)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func (tx *Tx) Exists(store *StoreDef, id uint64) (bool, error) {
	if err := tx.live("Exists", false); err != nil {
		return false, err
	}
	ss, err := tx.storeState(store)
	if err != nil {
		return false, err
	}
	dataBuck, err := tx.dataBucket(ss)
	if err != nil {
		return false, err
	}
	return dataBuck.Get(idKey(id)) != nil, nil
}

// GetRow returns the stored form of a row without decoding custom types.
func (tx *Tx) GetRow(store *StoreDef, id uint64) (*Row, error) {
	if err := tx.live("GetRow", false); err != nil {
		return nil, err
	}
	ss, err := tx.storeState(store)
	if err != nil {
		return nil, err
	}
	dataBuck, err := tx.dataBucket(ss)
	if err != nil {
		return nil, err
	}
	raw := dataBuck.Get(idKey(id))
	if raw == nil {
		return nil, nil
	}
	return loadRow(ss, id, raw)
}

// Count returns the number of rows matched by src: rows for a store, index
// entries for an index.
func (tx *Tx) Count(src Source) (int, error) {
	return Select[any](tx, src, Everything()).Count()
}

func decodeRowItem(ic ItemCodec, store *StoreDef, id uint64, raw []byte) (any, error) {
	var v value
	if err := v.decode(raw); err != nil {
		return nil, storeErrf(store, nil, id, err, "decoding value")
	}
	canon, err := unmarshalCanonical(v.Data)
	if err != nil {
		return nil, storeErrf(store, nil, id, err, "decoding payload")
	}
	item, err := ic.Decode(canon)
	if err != nil {
		return nil, storeErrf(store, nil, id, err, "decoding item")
	}
	return item, nil
}

func loadRow(ss *storeState, id uint64, raw []byte) (*Row, error) {
	var v value
	if err := v.decode(raw); err != nil {
		return nil, storeErrf(ss.store, nil, id, err, "decoding value")
	}
	canon, err := unmarshalCanonical(v.Data)
	if err != nil {
		return nil, storeErrf(ss.store, nil, id, err, "decoding payload")
	}
	row := &Row{
		ID:       id,
		Payload:  canon,
		Traits:   make(map[string]Trait),
		ModCount: v.ModCount,
	}
	err = decodeTraitRecords(v.Traits, func(ord uint64, key []byte) {
		is := ss.indexByOrdinal(ord)
		if is == nil {
			return
		}
		t := row.Traits[is.index.name]
		t.Keys = append(t.Keys, Key(append([]byte(nil), key...)))
		t.Exploded = is.Explode
		row.Traits[is.index.name] = t
	})
	if err != nil {
		return nil, storeErrf(ss.store, nil, id, err, "decoding traits")
	}
	return row, nil
}

// asItem converts a decoded item to T. A nil item yields the zero T.
func asItem[T any](item any) (T, error) {
	var zero T
	if item == nil {
		return zero, nil
	}
	v, ok := item.(T)
	if !ok {
		return zero, decodingErrf(nil, "item of type %T is not a %v", item, reflect.TypeFor[T]())
	}
	return v, nil
}
