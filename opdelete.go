package traitdb

import (
	"log/slog"
)

// Delete removes the row with the given id and all of its index entries.
// It reports whether the row existed.
func (tx *Tx) Delete(store *StoreDef, id uint64) (bool, error) {
	if err := tx.live("Delete", true); err != nil {
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
	raw := dataBuck.Get(idKey(id))
	if raw == nil {
		if tx.db.verbose {
			tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "db: DELETE.NOOP", slog.String("store", store.name), slog.Uint64("id", id))
		}
		return false, nil
	}
	return true, tx.deleteRow(ss, id, raw)
}

func (tx *Tx) deleteRow(ss *storeState, id uint64, raw []byte) error {
	var old value
	if err := old.decode(raw); err != nil {
		return storeErrf(ss.store, nil, id, err, "decoding value")
	}
	var delErr error
	err := decodeTraitRecords(old.Traits, func(ord uint64, key []byte) {
		is := ss.byOrd[ord]
		if is == nil || delErr != nil {
			return
		}
		b := tx.stx.Bucket(ss.name(), is.index.bucketName())
		if b == nil {
			delErr = storeErrf(ss.store, is.index, id, nil, "missing index bucket")
			return
		}
		delErr = deleteIndexEntry(b, is.Unique, key, id)
	})
	if err != nil {
		return storeErrf(ss.store, nil, id, err, "decoding traits")
	}
	if delErr != nil {
		return storeErrf(ss.store, nil, id, delErr, "deleting index entries")
	}

	dataBuck, err := tx.dataBucket(ss)
	if err != nil {
		return err
	}
	if err := dataBuck.Delete(idKey(id)); err != nil {
		return storeErrf(ss.store, nil, id, err, "deleting row")
	}
	tx.touch(ss.name())
	if tx.db.verbose {
		tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "db: DELETE", slog.String("store", ss.name()), slog.Uint64("id", id))
	}
	return nil
}
