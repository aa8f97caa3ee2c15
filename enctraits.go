package traitdb

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"slices"
)

// traitRow is one index entry contributed by a row.
type traitRow struct {
	Ord   uint64
	Index *IndexDef
	Key   Key
}

// traitRows are kept sorted by (ordinal, key).
type traitRows []traitRow

func (rows traitRows) sort() {
	slices.SortFunc(rows, func(a, b traitRow) int {
		if c := cmp.Compare(a.Ord, b.Ord); c != 0 {
			return c
		}
		return bytes.Compare(a.Key, b.Key)
	})
}

// Trait record format:
//  1. Number of entries (uvarint).
//  2. For each entry: index ordinal (uvarint), key length (uvarint), key bytes.
func appendTraitRecords(buf []byte, rows traitRows) []byte {
	var total = binary.MaxVarintLen32 + len(rows)*(binary.MaxVarintLen64+binary.MaxVarintLen32)
	for _, row := range rows {
		total += len(row.Key)
	}

	w := prealloc(buf, total)
	w.AppendUvarinti(len(rows))
	for _, row := range rows {
		w.AppendUvarint(row.Ord)
		w.AppendVarBytes(row.Key)
	}
	return w.Trimmed()
}

func decodeTraitRecords(data []byte, f func(ord uint64, key []byte)) error {
	d := makeByteDecoder(data)
	n, err := d.Uvarinti()
	if err != nil {
		return err
	}
	for range n {
		ord, err := d.Uvarint()
		if err != nil {
			return err
		}
		key, err := d.VarBytes()
		if err != nil {
			return err
		}
		f(ord, key)
	}
	if len(d.Buf) != 0 {
		return dataErrf(data, d.Off(), nil, "%d trailing bytes after trait records", len(d.Buf))
	}
	return nil
}

type traitDiffer struct {
	newRows traitRows
}

func (d *traitDiffer) checkOldKey(oldOrd uint64, oldKey []byte) bool {
	// Look for a new row that's >= old row.
	for len(d.newRows) > 0 {
		newOrd := d.newRows[0].Ord
		if oldOrd < newOrd {
			return false
		} else if oldOrd == newOrd {
			c := bytes.Compare(oldKey, d.newRows[0].Key)
			if c < 0 {
				return false
			} else if c == 0 {
				return true // found exact match
			}
		}
		d.newRows = d.newRows[1:] // shift to next new row and compare again
	}
	return false // no more new rows, so remaining old rows have been deleted
}

func findRemovedTraits(oldData []byte, newRows traitRows, removed func(ord uint64, key []byte)) error {
	d := traitDiffer{newRows}
	return decodeTraitRecords(oldData, func(ord uint64, key []byte) {
		if !d.checkOldKey(ord, key) {
			removed(ord, key)
		}
	})
}

// indexEntryKey returns the bucket key for a row's entry in an index.
// Unique indexes key by trait alone and store the id as the value;
// other indexes append the id so entries with equal traits stay distinct.
func indexEntryKey(unique bool, trait []byte, id uint64) []byte {
	if unique {
		return trait
	}
	buf := make([]byte, 0, len(trait)+8)
	buf = append(buf, trait...)
	return binary.BigEndian.AppendUint64(buf, id)
}

func idKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), id)
}

func parseID(k []byte) uint64 {
	if len(k) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(k)
}
