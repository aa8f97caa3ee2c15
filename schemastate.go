package traitdb

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"
)

var storeStateKey = []byte("_state")

// storeState is the persisted bookkeeping of a store: which indexes exist
// and the ordinal each one is known by inside row values. Ordinals are
// never reused, so trait records of dropped indexes are simply ignored.
type storeState struct {
	LastIndexOrdinal uint64                 `msgpack:"li"`
	Indexes          map[string]*indexState `msgpack:"i"`
	LastSeen         time.Time              `msgpack:"t"`

	store *StoreDef              `msgpack:"-"`
	byOrd map[uint64]*indexState `msgpack:"-"`
}

type indexState struct {
	Ordinal uint64 `msgpack:"o"`
	Built   bool   `msgpack:"f"`
	Unique  bool   `msgpack:"u"`
	Explode bool   `msgpack:"x"`

	index *IndexDef `msgpack:"-"`
}

func (ss *storeState) name() string {
	return ss.store.name
}

func (ss *storeState) indexState(idx *IndexDef) *indexState {
	is := ss.Indexes[idx.name]
	if is == nil || is.index == nil {
		panic(fmt.Errorf("index %s has no state", idx.FullName()))
	}
	return is
}

func (ss *storeState) indexByOrdinal(ord uint64) *indexState {
	return ss.byOrd[ord]
}

func (ss *storeState) hasPendingIndexes() bool {
	for _, is := range ss.Indexes {
		if !is.Built {
			return true
		}
	}
	return false
}

// orderedIndexes returns index states in ordinal order.
func (ss *storeState) orderedIndexes() []*indexState {
	out := slices.Collect(maps.Values(ss.Indexes))
	slices.SortFunc(out, func(a, b *indexState) int {
		return cmp.Compare(a.Ordinal, b.Ordinal)
	})
	return out
}

func (ss *storeState) clone(store *StoreDef) *storeState {
	out := &storeState{
		LastIndexOrdinal: ss.LastIndexOrdinal,
		Indexes:          make(map[string]*indexState, len(ss.Indexes)),
		LastSeen:         ss.LastSeen,
		store:            store,
		byOrd:            make(map[uint64]*indexState, len(ss.Indexes)),
	}
	for name, is := range ss.Indexes {
		c := *is
		c.index = store.IndexNamed(name)
		out.Indexes[name] = &c
		out.byOrd[c.Ordinal] = &c
	}
	return out
}

func prepareStore(tx *Tx, store *StoreDef, now time.Time) (*storeState, error) {
	if _, err := tx.stx.CreateBucket(store.name, dataBucket); err != nil {
		return nil, storeErrf(store, nil, 0, err, "creating buckets")
	}
	root := tx.stx.Bucket(store.name, "")

	ss := new(storeState)
	if raw := root.Get(storeStateKey); raw != nil {
		if err := decodeState(raw, ss); err != nil {
			return nil, storeErrf(store, nil, 0, err, "failed to decode store state")
		}
	}
	ss.store = store
	if ss.Indexes == nil {
		ss.Indexes = make(map[string]*indexState)
	}
	ss.LastSeen = now

	for _, idx := range store.indexes {
		if err := ss.attach(tx, idx); err != nil {
			return nil, err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(ss.Indexes)) {
		if ss.Indexes[name].index == nil {
			if err := ss.drop(tx, name); err != nil {
				return nil, err
			}
		}
	}
	ss.reindexOrdinals()
	return ss, nil
}

// attach binds idx to its persisted state, allocating a fresh ordinal (and
// an empty, unbuilt bucket) when the index is new or its definition changed.
func (ss *storeState) attach(tx *Tx, idx *IndexDef) error {
	is := ss.Indexes[idx.name]
	if is != nil && (is.Unique != idx.unique || is.Explode != idx.explode) {
		tx.db.logger.Info("index definition changed, rebuilding", "index", idx.FullName())
		if err := ss.drop(tx, idx.name); err != nil {
			return err
		}
		is = nil
	}
	if is == nil {
		ss.LastIndexOrdinal++
		is = &indexState{
			Ordinal: ss.LastIndexOrdinal,
			Unique:  idx.unique,
			Explode: idx.explode,
		}
		ss.Indexes[idx.name] = is
	}
	if _, err := tx.stx.CreateBucket(ss.name(), idx.bucketName()); err != nil {
		return storeErrf(ss.store, idx, 0, err, "creating index bucket")
	}
	is.index = idx
	if ss.byOrd != nil {
		ss.byOrd[is.Ordinal] = is
	}
	return nil
}

func (ss *storeState) drop(tx *Tx, name string) error {
	is := ss.Indexes[name]
	delete(ss.Indexes, name)
	if is != nil && ss.byOrd != nil {
		delete(ss.byOrd, is.Ordinal)
	}
	err := tx.stx.DeleteBucket(ss.name(), indexBucketPrefix+name)
	if err == ErrBucketNotFound {
		return nil
	} else if err != nil {
		return storeErrf(ss.store, nil, 0, err, "deleting index %s", name)
	}
	tx.db.logger.Info("deleted index", "store", ss.name(), "index", name)
	return nil
}

func (ss *storeState) reindexOrdinals() {
	ss.byOrd = make(map[uint64]*indexState, len(ss.Indexes))
	for _, is := range ss.Indexes {
		ss.byOrd[is.Ordinal] = is
	}
}

// build backfills every unbuilt index by rewriting each row's trait
// records and index entries. Payloads are left untouched.
func (ss *storeState) build(tx *Tx) error {
	if !ss.hasPendingIndexes() {
		return nil
	}
	logger := tx.db.logger.With("store", ss.name())
	logger.Info("re-indexing store")
	start := time.Now()

	dataBuck := tx.stx.Bucket(ss.name(), dataBucket)
	if dataBuck == nil {
		return storeErrf(ss.store, nil, 0, nil, "missing data bucket")
	}
	var ids []uint64
	c := dataBuck.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		ids = append(ids, parseID(k))
	}

	ic := NewItemCodec(tx.cat.registry)
	for i, id := range ids {
		raw := dataBuck.Get(idKey(id))
		var old value
		if err := old.decode(raw); err != nil {
			return storeErrf(ss.store, nil, id, err, "decoding row")
		}
		canon, err := unmarshalCanonical(old.Data)
		if err != nil {
			return storeErrf(ss.store, nil, id, err, "decoding payload")
		}
		item, err := ic.Decode(canon)
		if err != nil {
			return storeErrf(ss.store, nil, id, err, "decoding item")
		}
		if err := tx.writeRow(ss, id, item, old.Data, raw, true); err != nil {
			return err
		}
		if (i+1)%100000 == 0 {
			logger.Info("still re-indexing", "rows", i+1, "ms", time.Since(start).Milliseconds())
		}
	}
	for _, is := range ss.Indexes {
		is.Built = true
	}
	logger.LogAttrs(tx.ctx, slog.LevelInfo, "re-indexing done", slog.Int("rows", len(ids)), slog.Int64("ms", time.Since(start).Milliseconds()))
	return nil
}

func (ss *storeState) save(tx *Tx) error {
	root := tx.stx.Bucket(ss.name(), "")
	if root == nil {
		return storeErrf(ss.store, nil, 0, nil, "missing root bucket")
	}
	if err := root.Put(storeStateKey, encodeState(ss)); err != nil {
		return storeErrf(ss.store, nil, 0, err, "saving store state")
	}
	return nil
}

// registryMeta is persisted once per database to notice type ids that
// disappeared from the registry between runs.
type registryMeta struct {
	TypeIDs     []string `msgpack:"ids"`
	Fingerprint uint64   `msgpack:"fp"`
}

var registryMetaKey = []byte("registry")

func checkRegistryMeta(tx *Tx) error {
	buck, err := tx.stx.CreateBucket(metaBucket, "")
	if err != nil {
		return err
	}
	reg := tx.cat.registry
	var old registryMeta
	if raw := buck.Get(registryMetaKey); raw != nil {
		if err := decodeState(raw, &old); err != nil {
			return err
		}
		if old.Fingerprint != reg.Fingerprint() {
			var missing []string
			for _, id := range old.TypeIDs {
				if _, err := reg.LookupByID(id); err != nil {
					missing = append(missing, id)
				}
			}
			if len(missing) > 0 {
				tx.db.logger.Warn("registered types disappeared; rows using them will fail to decode", "type_ids", missing)
			} else {
				tx.db.logger.Info("registry changed", "type_ids", reg.IDs())
			}
		}
	}
	return saveRegistryMeta(tx)
}

func saveRegistryMeta(tx *Tx) error {
	buck, err := tx.stx.CreateBucket(metaBucket, "")
	if err != nil {
		return err
	}
	reg := tx.cat.registry
	meta := registryMeta{TypeIDs: reg.IDs(), Fingerprint: reg.Fingerprint()}
	return buck.Put(registryMetaKey, encodeState(&meta))
}
