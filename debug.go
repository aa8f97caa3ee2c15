package traitdb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpStoreHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndexes
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the contents of every store for debugging. Rows are shown in
// their canonical form, so it works even when codecs are missing.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, store := range tx.cat.schema.stores {
		tx.dumpStore(&buf, f, tx.cat.states[store.name])
	}
	return buf.String()
}

func (tx *Tx) dumpStore(w *strings.Builder, f DumpFlags, ss *storeState) {
	prefix := ss.name()
	s, err := tx.StoreStats(ss.store)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}

	if f.Contains(DumpStoreHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, s.Rows)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, s.IndexRows, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		dataBuck, err := tx.dataBucket(ss)
		if err != nil {
			fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
			return
		}
		c := dataBuck.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id := parseID(k)
			row, err := loadRow(ss, id, v)
			if err != nil {
				fmt.Fprintf(w, "%s/%d ** ERROR: %v\n", prefix, id, err)
				continue
			}
			fmt.Fprintf(w, "%s/%d = (m%d) %v\n", prefix, id, row.ModCount, row.Payload)
		}
	}

	if f.Contains(DumpIndexes) {
		for _, is := range ss.orderedIndexes() {
			tx.dumpIndex(w, prefix, f, ss, is)
		}
	}
}

func (tx *Tx) dumpIndex(w *strings.Builder, prefix string, f DumpFlags, ss *storeState, is *indexState) {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + "." + is.index.name
	var flags string
	if is.Unique {
		flags += " UNIQUE"
	}
	if is.Explode {
		flags += " EXPLODE"
	}
	if !is.Built {
		flags += " PENDING"
	}
	fmt.Fprintf(w, "%s (0x%x)%s\n", prefix, is.Ordinal, flags)

	if f.Contains(DumpIndexRows) {
		layout := layoutIndex
		if is.Unique {
			layout = layoutUniqueIndex
		}
		tc := tx.traitCodec()
		c := tx.mustIndexBucket(ss, is.index).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			t := layout.trait(k)
			trait, err := tc.DecodeKey(Key(t))
			if err != nil {
				fmt.Fprintf(w, "%s: %s ** ERROR: %v\n", prefix, hexstr(t), err)
				continue
			}
			fmt.Fprintf(w, "%s: %v => %d\n", prefix, trait, layout.id(k, v))
		}
	}
}
