package traitdb

import (
	"fmt"
	"strings"
)

// IndexDef describes how to derive a row's trait for an index. Build one
// with PathIndex, CompoundIndex or DerivedIndex, adjust it with Unique and
// Explode, then attach it with StoreDef.AddIndex. Index definitions are
// immutable once attached.
type IndexDef struct {
	storeName string
	name      string
	unique    bool
	explode   bool
	paths     [][]string
	compound  bool
	derive    func(item any) (any, error)
}

// PathIndex indexes the value at a dotted field path, like "address.city".
// A missing field yields Undefined.
func PathIndex(name, path string) *IndexDef {
	return &IndexDef{name: validIndexName(name), paths: [][]string{parsePath(path)}}
}

// CompoundIndex indexes an array of the values at the given paths.
func CompoundIndex(name string, paths ...string) *IndexDef {
	if len(paths) == 0 {
		panic(fmt.Errorf("compound index %s needs at least one path", name))
	}
	idx := &IndexDef{name: validIndexName(name), compound: true}
	for _, p := range paths {
		idx.paths = append(idx.paths, parsePath(p))
	}
	return idx
}

// DerivedIndex indexes whatever f returns for the item.
func DerivedIndex(name string, f func(item any) (any, error)) *IndexDef {
	if f == nil {
		panic(fmt.Errorf("derived index %s needs a function", name))
	}
	return &IndexDef{name: validIndexName(name), derive: f}
}

func validIndexName(name string) string {
	if name == "" || strings.Contains(name, memBucketSep) {
		panic(fmt.Errorf("invalid index name %q", name))
	}
	return name
}

func parsePath(path string) []string {
	if path == "" {
		panic(fmt.Errorf("empty index path"))
	}
	return strings.Split(path, ".")
}

func (idx *IndexDef) mutable() *IndexDef {
	if idx.storeName != "" {
		panic(fmt.Errorf("index %s is already attached to store %s", idx.name, idx.storeName))
	}
	return idx
}

// Unique makes the index reject two rows with equal traits.
func (idx *IndexDef) Unique() *IndexDef {
	idx.mutable().unique = true
	return idx
}

// Explode indexes each element of an array trait separately.
func (idx *IndexDef) Explode() *IndexDef {
	idx.mutable().explode = true
	return idx
}

func (idx *IndexDef) Name() string      { return idx.name }
func (idx *IndexDef) StoreName() string { return idx.storeName }
func (idx *IndexDef) IndexName() string { return idx.name }
func (idx *IndexDef) IsUnique() bool    { return idx.unique }
func (idx *IndexDef) IsExploding() bool { return idx.explode }

func (idx *IndexDef) FullName() string {
	return idx.storeName + "." + idx.name
}

func (idx *IndexDef) String() string {
	return idx.FullName()
}

func (idx *IndexDef) bucketName() string {
	return indexBucketPrefix + idx.name
}

// traitOf computes the raw (unencoded) trait of the item.
func (idx *IndexDef) traitOf(item any) (any, error) {
	if idx.derive != nil {
		return idx.derive(item)
	}
	if !idx.compound {
		return lookupPath(item, idx.paths[0]), nil
	}
	out := make([]any, len(idx.paths))
	for i, p := range idx.paths {
		out[i] = lookupPath(item, p)
	}
	return out, nil
}

func lookupPath(item any, path []string) any {
	v := item
	for _, name := range path {
		var ok bool
		switch m := v.(type) {
		case map[string]any:
			v, ok = m[name]
		case Map:
			v, ok = m[name]
		case *Tagged:
			v, ok = m.Fields[name]
		case Fielder:
			v, ok = m.Field(name)
		}
		if !ok {
			return Undefined
		}
	}
	return v
}
