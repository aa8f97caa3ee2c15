package traitdb

import (
	"fmt"
	"slices"
	"strings"
)

const (
	dataBucket        = "data"
	indexBucketPrefix = "i:"
	metaBucket        = "_traitdb"
)

// Schema lists the stores of a database and their indexes. A schema is
// defined once, before Open; later changes to indexes go through
// DB.Upgrade, which works on a copy.
type Schema struct {
	stores       []*StoreDef
	storesByName map[string]*StoreDef
}

func NewSchema() *Schema {
	return &Schema{
		storesByName: make(map[string]*StoreDef),
	}
}

// AddStore defines a new store. It panics if the name is invalid or taken.
func AddStore(scm *Schema, name string) *StoreDef {
	if name == "" || strings.HasPrefix(name, "_") || strings.Contains(name, memBucketSep) {
		panic(fmt.Errorf("invalid store name %q", name))
	}
	if scm.storesByName[name] != nil {
		panic(fmt.Errorf("duplicate store %q", name))
	}
	store := &StoreDef{
		name:          name,
		indexesByName: make(map[string]*IndexDef),
	}
	scm.stores = append(scm.stores, store)
	scm.storesByName[name] = store
	return store
}

func (scm *Schema) Stores() []*StoreDef {
	return slices.Clone(scm.stores)
}

func (scm *Schema) StoreNamed(name string) *StoreDef {
	return scm.storesByName[name]
}

func (scm *Schema) clone() *Schema {
	out := &Schema{
		stores:       make([]*StoreDef, len(scm.stores)),
		storesByName: make(map[string]*StoreDef, len(scm.stores)),
	}
	for i, store := range scm.stores {
		c := store.clone()
		out.stores[i] = c
		out.storesByName[c.name] = c
	}
	return out
}

// Source is something a Selection can scan: a store (in id order) or an
// index (in trait order).
type Source interface {
	StoreName() string
	// IndexName returns "" for stores.
	IndexName() string
}

// StoreDef defines a store: a collection of rows with store-assigned ids.
type StoreDef struct {
	name          string
	indexes       []*IndexDef
	indexesByName map[string]*IndexDef
}

func (store *StoreDef) Name() string      { return store.name }
func (store *StoreDef) StoreName() string { return store.name }
func (store *StoreDef) IndexName() string { return "" }
func (store *StoreDef) String() string    { return store.name }

func (store *StoreDef) Indexes() []*IndexDef {
	return slices.Clone(store.indexes)
}

func (store *StoreDef) IndexNamed(name string) *IndexDef {
	return store.indexesByName[name]
}

// AddIndex attaches idx to the store. It panics if the index is already
// attached somewhere or the name is taken.
func (store *StoreDef) AddIndex(idx *IndexDef) *IndexDef {
	if err := store.addIndex(idx); err != nil {
		panic(err)
	}
	return idx
}

func (store *StoreDef) addIndex(idx *IndexDef) error {
	if idx.storeName != "" && idx.storeName != store.name {
		return fmt.Errorf("index %s already belongs to store %s", idx.name, idx.storeName)
	}
	if store.indexesByName[idx.name] != nil {
		return fmt.Errorf("duplicate index %s.%s", store.name, idx.name)
	}
	idx.storeName = store.name
	store.indexes = append(store.indexes, idx)
	store.indexesByName[idx.name] = idx
	return nil
}

func (store *StoreDef) removeIndex(name string) bool {
	idx := store.indexesByName[name]
	if idx == nil {
		return false
	}
	delete(store.indexesByName, name)
	store.indexes = slices.DeleteFunc(store.indexes, func(i *IndexDef) bool { return i == idx })
	return true
}

func (store *StoreDef) clone() *StoreDef {
	out := &StoreDef{
		name:          store.name,
		indexes:       slices.Clone(store.indexes),
		indexesByName: make(map[string]*IndexDef, len(store.indexes)),
	}
	for _, idx := range out.indexes {
		out.indexesByName[idx.name] = idx
	}
	return out
}
