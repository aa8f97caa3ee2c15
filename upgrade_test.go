package traitdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andreyvit/traitdb/cont"
)

func seedPeople(t testing.TB, db *DB, f *fixture) {
	t.Helper()
	ensure(db.Update(context.Background(), func(tx *Tx) error {
		must(tx.Insert(f.people, person("Alice", "a@x", 30, "x")))
		must(tx.Insert(f.people, person("Bob", "b@x", 40)))
		must(tx.Insert(f.people, person("Carol", "c@x", 30)))
		return nil
	}))
}

func TestUpgrade_AddIndexBackfills(t *testing.T) {
	f := newFixture()
	db := setup(t, f.scm, nil)
	seedPeople(t, db, f)
	ctx := context.Background()

	byAgeName := CompoundIndex("age_name", "age", "name")
	ensure(db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
		if s := db.DescribeOpenTxns(); !strings.Contains(s, "upgrade tx "+u.Tx().ID().String()) {
			t.Errorf("DescribeOpenTxns() = %q", s)
		}
		return cont.Void(u.AddIndex(f.people, byAgeName))
	}))

	if db.Schema().StoreNamed("people").IndexNamed("age_name") == nil {
		t.Fatalf("age_name missing from the committed schema")
	}
	ensure(db.View(ctx, func(tx *Tx) error {
		deepEqual(t, must(tx.Count(byAgeName)), 3)
		deepEqual(t, must(Select[any](tx, byAgeName, Everything()).IDs()), []uint64{1, 3, 2})
		deepEqual(t, must(Select[any](tx, byAgeName, Equals([]any{30, "Carol"})).IDs()), []uint64{3})
		return nil
	}))

	// new rows are indexed too
	ensure(db.Update(ctx, func(tx *Tx) error {
		must(tx.Insert(f.people, person("Dave", "d@x", 20)))
		return nil
	}))
	ensure(db.View(ctx, func(tx *Tx) error {
		deepEqual(t, must(Select[any](tx, byAgeName, Everything()).IDs()), []uint64{4, 1, 3, 2})
		return nil
	}))
}

func TestUpgrade_AddUniqueIndexOverDuplicatesRollsBack(t *testing.T) {
	f := newFixture()
	db := setupMem(t, f.scm, nil)
	seedPeople(t, db, f)

	byAgeUnique := PathIndex("age_u", "age").Unique()
	err := db.Upgrade(context.Background(), func(u *Upgrade) cont.Cont[struct{}] {
		return cont.Void(u.AddIndex(f.people, byAgeUnique))
	})
	var ce *ConstraintError
	if !errors.As(err, &ce) {
		t.Fatalf("Upgrade err = %v, wanted *ConstraintError", err)
	}
	if db.Schema().StoreNamed("people").IndexNamed("age_u") != nil {
		t.Errorf("age_u leaked into the committed schema")
	}
	ensure(db.View(context.Background(), func(tx *Tx) error {
		if _, err := tx.Count(byAgeUnique); err == nil {
			t.Errorf("Count(age_u) err = nil, wanted unknown index")
		}
		return nil
	}))
}

func TestUpgrade_DropIndex(t *testing.T) {
	f := newFixture()
	db := setup(t, f.scm, nil)
	seedPeople(t, db, f)
	ctx := context.Background()

	ensure(db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
		return u.DropIndex(f.byTag)
	}))
	if db.Schema().StoreNamed("people").IndexNamed("tags") != nil {
		t.Fatalf("tags still in the committed schema")
	}
	ensure(db.View(ctx, func(tx *Tx) error {
		if _, err := tx.Count(f.byTag); err == nil {
			t.Errorf("Count(tags) err = nil, wanted unknown index")
		}
		deepEqual(t, must(Select[any](tx, f.byName, Everything()).IDs()), []uint64{1, 2, 3})
		return nil
	}))

	// writes keep working and keep the remaining indexes consistent
	ensure(db.Update(ctx, func(tx *Tx) error {
		return tx.Put(f.people, 1, person("Zed", "a@x", 30, "x"))
	}))
	ensure(db.View(ctx, func(tx *Tx) error {
		deepEqual(t, must(Select[any](tx, f.byName, Everything()).IDs()), []uint64{2, 3, 1})
		return nil
	}))

	err := db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
		return u.DropIndex(f.byTag)
	})
	if err == nil {
		t.Errorf("second DropIndex err = nil, wanted unknown index")
	}
}

func TestUpgrade_SuspendedStepIsViolation(t *testing.T) {
	f := newFixture()
	db := setupMem(t, f.scm, nil)
	seedPeople(t, db, f)

	idx := PathIndex("email2", "email")
	err := db.Upgrade(context.Background(), func(u *Upgrade) cont.Cont[struct{}] {
		return cont.Bind(u.AddIndex(f.people, idx), func(*IndexDef) cont.Cont[struct{}] {
			return cont.Suspend(func(ctx context.Context) (struct{}, error) {
				return struct{}{}, nil
			})
		})
	})
	var cve *ContractViolationError
	if !errors.As(err, &cve) {
		t.Fatalf("Upgrade err = %v, wanted *ContractViolationError", err)
	}
	if db.Schema().StoreNamed("people").IndexNamed("email2") != nil {
		t.Errorf("email2 leaked into the committed schema")
	}
}

// pointV2 stores points as a single array field.
var pointV2 = TypeUpgrade[point]{
	Encode: func(p point) (any, error) {
		return map[string]any{"xy": []any{p.X, p.Y}}, nil
	},
	Decode: func(fields map[string]any) (point, error) {
		return pointCodec.DecodeTrait(fields["xy"])
	},
}

func setupShapes(t testing.TB) (*DB, *StoreDef, *IndexDef) {
	t.Helper()
	scm := NewSchema()
	shapes := AddStore(scm, "shapes")
	byLoc := shapes.AddIndex(PathIndex("loc", "loc"))
	db := setup(t, scm, testRegistry(t))
	ensure(db.Update(context.Background(), func(tx *Tx) error {
		for i := range 3 {
			must(tx.Insert(shapes, map[string]any{"loc": point{i, -i}}))
		}
		return nil
	}))
	return db, shapes, byLoc
}

func TestUpgradeType(t *testing.T) {
	db, shapes, byLoc := setupShapes(t)
	ctx := context.Background()

	up := pointV2
	up.Migrate = func(tx *Tx) error {
		_, err := Select[map[string]any](tx, shapes, Everything()).Replace(func(item map[string]any) (map[string]any, error) {
			return item, nil
		})
		return err
	}
	ensure(db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
		return UpgradeType(u, "pt", up)
	}))

	ensure(db.View(ctx, func(tx *Tx) error {
		item, ok := must2(Get[map[string]any](tx, shapes, 2))
		if !ok {
			t.Fatalf("row 2 missing")
		}
		deepEqual[any](t, item["loc"], point{1, -1})

		raw := must(SelectMigrating(tx, shapes, Equals(2)).Array())
		deepEqual[any](t, raw, []any{map[string]any{
			"loc": &Tagged{TypeID: "pt", Fields: map[string]any{"xy": []any{int64(1), int64(-1)}}},
		}})

		// index keys did not change
		deepEqual(t, must(Select[any](tx, byLoc, Equals(point{2, -2})).IDs()), []uint64{3})
		return nil
	}))
}

func TestUpgradeType_FailedMigrationKeepsCodec(t *testing.T) {
	db, shapes, _ := setupShapes(t)
	ctx := context.Background()
	boom := errors.New("boom")

	up := pointV2
	up.Migrate = func(tx *Tx) error {
		if _, err := Select[map[string]any](tx, shapes, Equals(1)).Replace(func(item map[string]any) (map[string]any, error) {
			return item, nil
		}); err != nil {
			return err
		}
		return boom
	}

	t.Run("whole upgrade", func(t *testing.T) {
		err := db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
			return UpgradeType(u, "pt", up)
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Upgrade err = %v, wanted boom", err)
		}
		ensure(db.View(ctx, func(tx *Tx) error {
			raw := must(SelectMigrating(tx, shapes, Equals(1)).Array())
			deepEqual[any](t, raw, []any{map[string]any{
				"loc": &Tagged{TypeID: "pt", Fields: map[string]any{"x": int64(0), "y": int64(0)}},
			}})
			return nil
		}))
	})

	t.Run("within the upgrade", func(t *testing.T) {
		stop := errors.New("stop")
		err := db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
			if _, err := UpgradeType(u, "pt", up).Value(); !errors.Is(err, boom) {
				t.Errorf("UpgradeType err = %v, wanted boom", err)
			}
			canon := must(NewItemCodec(u.Registry()).Encode(point{5, 6}))
			got := must(NewItemCodec(nil).MigrationCodec().Decode(canon))
			deepEqual[any](t, got, &Tagged{TypeID: "pt", Fields: map[string]any{"x": int64(5), "y": int64(6)}})
			// row 1 was rewritten by the failed migration
			return cont.Fail[struct{}](stop)
		})
		if !errors.Is(err, stop) {
			t.Fatalf("Upgrade err = %v, wanted stop", err)
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		err := db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
			return UpgradeType(u, "pt", TypeUpgrade[unindexable]{})
		})
		if err == nil {
			t.Fatalf("Upgrade err = nil, wanted type mismatch")
		}
		var ue *UnknownTypeError
		err = db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
			return UpgradeType(u, "nope", TypeUpgrade[point]{})
		})
		if !errors.As(err, &ue) {
			t.Fatalf("Upgrade err = %v, wanted *UnknownTypeError", err)
		}
	})
}

func TestUpgrade_RewriteWithTagged(t *testing.T) {
	db, shapes, byLoc := setupShapes(t)
	ctx := context.Background()

	scale := func(tx *Tx) (int, error) {
		return SelectMigrating(tx, shapes, Everything()).Replace(func(item any) (any, error) {
			tg := item.(map[string]any)["loc"].(*Tagged)
			x, err := toInt(tg.Fields["x"])
			if err != nil {
				return nil, err
			}
			return map[string]any{"loc": &Tagged{TypeID: "pt", Fields: map[string]any{"x": x * 10, "y": tg.Fields["y"]}}}, nil
		})
	}

	// tagged values cannot produce traits, so indexed ones are rejected
	err := db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
		_, err := scale(u.Tx())
		return cont.Fail[struct{}](err)
	})
	var ee *EncodingError
	if !errors.As(err, &ee) {
		t.Fatalf("Upgrade err = %v, wanted *EncodingError", err)
	}

	ensure(db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
		return cont.Bind(u.DropIndex(byLoc), func(struct{}) cont.Cont[struct{}] {
			n, err := scale(u.Tx())
			if err != nil {
				return cont.Fail[struct{}](err)
			}
			if n != 3 {
				t.Errorf("Replace = %d, wanted 3", n)
			}
			return cont.Void(u.AddIndex(shapes, byLoc))
		})
	}))

	ensure(db.View(ctx, func(tx *Tx) error {
		items := must(Select[map[string]any](tx, shapes, Everything()).Array())
		var locs []point
		for _, item := range items {
			locs = append(locs, item["loc"].(point))
		}
		deepEqual(t, locs, []point{{0, 0}, {10, -1}, {20, -2}})
		deepEqual(t, must(tx.Count(byLoc)), 3)
		deepEqual(t, must(Select[any](tx, byLoc, Equals(point{10, -1})).IDs()), []uint64{2})
		return nil
	}))
}

func TestDB_UpdateRegistry(t *testing.T) {
	db, shapes, _ := setupShapes(t)
	ctx := context.Background()

	before := db.Registry().Fingerprint()
	ensure(db.UpdateRegistry(ctx, func(r *Registry) error {
		return r.Remove("pt")
	}))
	if db.Registry().Fingerprint() == before {
		t.Errorf("fingerprint unchanged after Remove")
	}

	ensure(db.View(ctx, func(tx *Tx) error {
		_, _, err := tx.Get(shapes, 1)
		var ue *UnknownTypeError
		if !errors.As(err, &ue) || ue.TypeID != "pt" {
			t.Errorf("Get err = %v, wanted *UnknownTypeError for pt", err)
		}
		return nil
	}))

	// a failing update leaves the registry alone
	boom := errors.New("boom")
	err := db.UpdateRegistry(ctx, func(r *Registry) error {
		if err := Register(r, "pt", pointCodec); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateRegistry err = %v, wanted boom", err)
	}
	if _, err := db.Registry().LookupByID("pt"); err == nil {
		t.Errorf("pt registered after a failed UpdateRegistry")
	}

	ensure(db.UpdateRegistry(ctx, func(r *Registry) error {
		return Register(r, "pt", pointCodec)
	}))
	ensure(db.View(ctx, func(tx *Tx) error {
		item, ok := must2(Get[map[string]any](tx, shapes, 1))
		if !ok {
			t.Fatalf("row 1 missing")
		}
		deepEqual[any](t, item["loc"], point{0, 0})
		return nil
	}))
}

func TestUpgrade_BackfillMatchesWrittenTraits(t *testing.T) {
	typeOfN := func(item any) (any, error) {
		return fmt.Sprintf("%T", item.(map[string]any)["n"]), nil
	}
	scm := NewSchema()
	items := AddStore(scm, "items")
	byKind := items.AddIndex(DerivedIndex("kind", typeOfN))
	db := setup(t, scm, nil)
	ctx := context.Background()

	ensure(db.Update(ctx, func(tx *Tx) error {
		must(tx.Insert(items, map[string]any{"n": 1}))
		must(tx.Insert(items, map[string]any{"n": uint8(2)}))
		id := must(tx.Insert(items, map[string]any{"n": 0}))
		return tx.Put(items, id, map[string]any{"n": int32(3)})
	}))
	ensure(db.View(ctx, func(tx *Tx) error {
		deepEqual(t, must(Select[any](tx, byKind, Everything()).IDs()), []uint64{1, 3, 2})
		deepEqual(t, must(Select[any](tx, byKind, Equals("int64")).IDs()), []uint64{1, 3})
		return nil
	}))

	byKind2 := DerivedIndex("kind2", typeOfN)
	ensure(db.Upgrade(ctx, func(u *Upgrade) cont.Cont[struct{}] {
		return cont.Void(u.AddIndex(items, byKind2))
	}))
	ensure(db.View(ctx, func(tx *Tx) error {
		for _, idx := range []*IndexDef{byKind, byKind2} {
			deepEqual(t, must(Select[any](tx, idx, Equals("int64")).IDs()), []uint64{1, 3})
			deepEqual(t, must(Select[any](tx, idx, Equals("uint64")).IDs()), []uint64{2})
		}
		return nil
	}))
}

func TestUpgrade_SpawnedStepFinishesBeforeRollback(t *testing.T) {
	f := newFixture()
	db := setupMem(t, f.scm, nil)
	seedPeople(t, db, f)

	var done atomic.Bool
	var insertErr error
	err := db.Upgrade(context.Background(), func(u *Upgrade) cont.Cont[struct{}] {
		return cont.Go(func() (struct{}, error) {
			time.Sleep(10 * time.Millisecond)
			_, insertErr = u.Tx().Insert(f.notes, map[string]any{"text": "late"})
			done.Store(true)
			return struct{}{}, nil
		})
	})
	var cve *ContractViolationError
	if !errors.As(err, &cve) {
		t.Fatalf("Upgrade err = %v, wanted *ContractViolationError", err)
	}
	if !done.Load() {
		t.Fatalf("step still running after Upgrade returned")
	}
	if insertErr != nil {
		t.Errorf("Insert from the step err = %v, wanted nil", insertErr)
	}
	ensure(db.View(context.Background(), func(tx *Tx) error {
		deepEqual(t, must(tx.Count(f.notes)), 0)
		return nil
	}))
}
