package traitdb

import (
	"bytes"
	"fmt"
	"log/slog"
)

// Insert stores item under a freshly allocated id and returns the id.
func (tx *Tx) Insert(store *StoreDef, item any) (uint64, error) {
	if err := tx.live("Insert", true); err != nil {
		return 0, err
	}
	ss, err := tx.storeState(store)
	if err != nil {
		return 0, err
	}
	ic := tx.itemCodec()
	data, item, err := encodeRowData(ic, ss.store, 0, item)
	if err != nil {
		return 0, err
	}
	dataBuck, err := tx.dataBucket(ss)
	if err != nil {
		return 0, err
	}
	id, err := dataBuck.NextSequence()
	if err != nil {
		return 0, storeErrf(ss.store, nil, 0, err, "allocating id")
	}
	if err := tx.writeRow(ss, id, item, data, nil, false); err != nil {
		return 0, err
	}
	return id, nil
}

// Put stores item under an id previously returned by Insert, replacing the
// current row if any.
func (tx *Tx) Put(store *StoreDef, id uint64, item any) error {
	if err := tx.live("Put", true); err != nil {
		return err
	}
	ss, err := tx.storeState(store)
	if err != nil {
		return err
	}
	return tx.put(ss, tx.itemCodec(), id, item)
}

func (tx *Tx) put(ss *storeState, ic ItemCodec, id uint64, item any) error {
	dataBuck, err := tx.dataBucket(ss)
	if err != nil {
		return err
	}
	if id == 0 || id > dataBuck.Sequence() {
		return storeErrf(ss.store, nil, id, nil, "id was never allocated")
	}
	data, item, err := encodeRowData(ic, ss.store, id, item)
	if err != nil {
		return err
	}
	return tx.writeRow(ss, id, item, data, dataBuck.Get(idKey(id)), false)
}

// encodeRowData returns the payload bytes of item along with item in its
// decoded shape. Traits are computed from the latter, so rows written
// directly and rows rebuilt from storage index the same way.
func encodeRowData(ic ItemCodec, store *StoreDef, id uint64, item any) ([]byte, any, error) {
	canon, err := ic.Encode(item)
	if err != nil {
		return nil, nil, storeErrf(store, nil, id, err, "encoding item")
	}
	data, err := marshalCanonical(nil, canon)
	if err != nil {
		return nil, nil, storeErrf(store, nil, id, err, "encoding payload")
	}
	norm, err := ic.Normalize(item)
	if err != nil {
		return nil, nil, storeErrf(store, nil, id, err, "normalizing item")
	}
	return data, norm, nil
}

// computeTraits derives the trait rows of item for every index of the store.
func (tx *Tx) computeTraits(ss *storeState, id uint64, item any) (traitRows, error) {
	tc := tx.traitCodec()
	var rows traitRows
	for _, is := range ss.orderedIndexes() {
		idx := is.index
		raw, err := idx.traitOf(item)
		if err != nil {
			return nil, storeErrf(ss.store, idx, id, err, "computing trait")
		}
		// missing values are not indexed by exploding or unique indexes
		if (is.Explode || is.Unique) && raw == Undefined {
			continue
		}
		trait, err := tc.Encode(raw, is.Explode)
		if err != nil {
			return nil, storeErrf(ss.store, idx, id, err, "encoding trait")
		}
		for _, k := range trait.Keys {
			rows = append(rows, traitRow{Ord: is.Ordinal, Index: idx, Key: k})
		}
	}
	rows.sort()
	return rows, nil
}

// writeRow stores the payload data of item under id, replacing the row whose
// stored bytes are oldRaw (nil for a new row), and brings every index of the
// store up to date. Nothing is written if a unique index would be violated.
func (tx *Tx) writeRow(ss *storeState, id uint64, item any, data []byte, oldRaw []byte, reindexing bool) error {
	store := ss.store
	rows, err := tx.computeTraits(ss, id, item)
	if err != nil {
		return err
	}

	indexBucks := make(map[uint64]storageBucket, len(ss.Indexes))
	indexBucket := func(is *indexState) (storageBucket, error) {
		if b := indexBucks[is.Ordinal]; b != nil {
			return b, nil
		}
		b := tx.stx.Bucket(store.name, is.index.bucketName())
		if b == nil {
			return nil, storeErrf(store, is.index, id, nil, "missing index bucket")
		}
		indexBucks[is.Ordinal] = b
		return b, nil
	}

	for _, row := range rows {
		if !row.Index.unique {
			continue
		}
		b, err := indexBucket(ss.byOrd[row.Ord])
		if err != nil {
			return err
		}
		if existing := b.Get(row.Key); existing != nil {
			if other := parseID(existing); other != id {
				return &ConstraintError{Store: store.name, Index: row.Index.name, ID: id, ExistingID: other}
			}
		}
	}

	var old value
	if oldRaw != nil {
		if err := old.decode(oldRaw); err != nil {
			return storeErrf(store, nil, id, err, "decoding old value")
		}
	}
	traitsData := appendTraitRecords(nil, rows)
	if oldRaw != nil && bytes.Equal(old.Data, data) && bytes.Equal(old.Traits, traitsData) {
		if tx.db.verbose {
			tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "db: PUT.NOOP", slog.String("store", store.name), slog.Uint64("id", id), slog.Uint64("mod", old.ModCount))
		}
		return nil
	}

	modCount := old.ModCount
	if !reindexing && !bytes.Equal(old.Data, data) {
		modCount++
	}

	if oldRaw != nil {
		var delErr error
		err := findRemovedTraits(old.Traits, rows, func(ord uint64, key []byte) {
			is := ss.byOrd[ord]
			if is == nil || delErr != nil {
				return // dropped index
			}
			b, err := indexBucket(is)
			if err != nil {
				delErr = err
				return
			}
			delErr = deleteIndexEntry(b, is.Unique, key, id)
		})
		if err != nil {
			return storeErrf(store, nil, id, err, "decoding old traits")
		}
		if delErr != nil {
			return storeErrf(store, nil, id, delErr, "deleting stale index entries")
		}
	}

	dataBuck, err := tx.dataBucket(ss)
	if err != nil {
		return err
	}
	valueRaw := encodeValue(modCount, data, rows)
	if err := dataBuck.Put(idKey(id), valueRaw); err != nil {
		return storeErrf(store, nil, id, err, "writing row")
	}

	for _, row := range rows {
		b, err := indexBucket(ss.byOrd[row.Ord])
		if err != nil {
			return err
		}
		var err2 error
		if row.Index.unique {
			err2 = b.Put(row.Key, idKey(id))
		} else {
			err2 = b.Put(indexEntryKey(false, row.Key, id), []byte{})
		}
		if err2 != nil {
			return storeErrf(store, row.Index, id, err2, "writing index entry")
		}
	}

	tx.touch(store.name)
	if tx.db.verbose {
		tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "db: PUT", slog.String("store", store.name), slog.Uint64("id", id), slog.Uint64("mod", modCount), slog.Int("traits", len(rows)), slog.Bool("reindex", reindexing))
	}
	return nil
}

func deleteIndexEntry(b storageBucket, unique bool, key []byte, id uint64) error {
	if unique {
		// another row may own the key by now
		if existing := b.Get(key); existing == nil || parseID(existing) != id {
			return nil
		}
	}
	return b.Delete(indexEntryKey(unique, key, id))
}

func (tx *Tx) dataBucket(ss *storeState) (storageBucket, error) {
	b := tx.stx.Bucket(ss.name(), dataBucket)
	if b == nil {
		return nil, storeErrf(ss.store, nil, 0, nil, "missing data bucket")
	}
	return b, nil
}

func (tx *Tx) mustIndexBucket(ss *storeState, idx *IndexDef) storageBucket {
	b := tx.stx.Bucket(ss.name(), idx.bucketName())
	if b == nil {
		panic(fmt.Errorf("missing bucket for index %v", idx.FullName()))
	}
	return b
}
