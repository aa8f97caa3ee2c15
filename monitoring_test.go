package traitdb

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestTx_StoreStats(t *testing.T) {
	f := newFixture()
	db := setupMem(t, f.scm, nil)
	seedPeople(t, db, f)

	ensure(db.View(context.Background(), func(tx *Tx) error {
		s, err := tx.StoreStats(f.people)
		require.NoError(t, err)
		require.Equal(t, 3, s.Rows)
		// name, email, age, loc and initial cover every row, tags only Alice
		require.Equal(t, 16, s.IndexRows)

		s, err = tx.StoreStats(f.notes)
		require.NoError(t, err)
		require.Equal(t, 0, s.Rows)
		require.Equal(t, 0, s.IndexRows)
		return nil
	}))
}

func TestCollector(t *testing.T) {
	f := newFixture()
	db := setup(t, f.scm, nil)
	seedPeople(t, db, f)

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(db))
	mfs, err := reg.Gather()
	require.NoError(t, err)

	rows := make(map[string]float64)
	var writes float64
	for _, mf := range mfs {
		switch mf.GetName() {
		case "traitdb_store_rows":
			for _, m := range mf.GetMetric() {
				rows[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
			}
		case "traitdb_write_transactions_total":
			writes = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	require.Equal(t, map[string]float64{"people": 3, "notes": 0}, rows)
	require.GreaterOrEqual(t, writes, 1.0)
}

func TestTx_Dump(t *testing.T) {
	f := newFixture()
	db := setupMem(t, f.scm, nil)
	seedPeople(t, db, f)

	ensure(db.View(context.Background(), func(tx *Tx) error {
		out := tx.Dump(DumpAll)
		for _, want := range []string{
			"people (3 rows)",
			"notes (0 rows)",
			"people/1 = ",
			"people.email (0x2) UNIQUE",
			"people.tags (0x3) EXPLODE",
			"people.name: Bob => 2",
			"people.tags: x => 1",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("Dump output lacks %q:\n%s", want, out)
			}
		}

		out = tx.Dump(DumpStoreHeaders)
		require.NotContains(t, out, "people/1")
		require.Contains(t, out, "people (3 rows)")
		return nil
	}))
}

func TestCollector_ScrapesAreNotReads(t *testing.T) {
	f := newFixture()
	db := setupMem(t, f.scm, nil)
	seedPeople(t, db, f)

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(db))
	before := db.ReadCount.Load()
	for range 2 {
		mfs, err := reg.Gather()
		require.NoError(t, err)
		for _, mf := range mfs {
			if mf.GetName() == "traitdb_read_transactions_total" {
				require.Equal(t, float64(before), mf.GetMetric()[0].GetCounter().GetValue())
			}
		}
	}
	require.Equal(t, before, db.ReadCount.Load())
}
