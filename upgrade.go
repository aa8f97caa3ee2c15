package traitdb

import (
	"context"
	"fmt"
	"reflect"

	"github.com/andreyvit/traitdb/cont"
)

// Upgrade is the handle passed to DB.Upgrade callbacks. Its registry and
// schema are private copies that replace the database's ones only if the
// upgrade commits.
type Upgrade struct {
	tx *Tx
}

// Upgrade runs f in a write transaction with a sandboxed registry and
// schema. Every step must complete synchronously: if f returns a suspended
// continuation, the upgrade is rolled back with a *ContractViolationError.
// The continuation is awaited before the rollback, so work it started
// finishes while the transaction is still open. Cancelling ctx stops that
// wait; steps must not spawn work that outlives it.
func (db *DB) Upgrade(ctx context.Context, f func(u *Upgrade) cont.Cont[struct{}]) error {
	return db.update(ctx, true, func(tx *Tx) error {
		tx.upgrading = true
		c := f(&Upgrade{tx: tx})
		if !c.IsTrivial() {
			c.Await(tx.ctx)
			return contractViolation("Upgrade", "upgrade step suspended; upgrades must complete within their transaction")
		}
		if _, err := c.Value(); err != nil {
			return err
		}
		return saveRegistryMeta(tx)
	})
}

func (u *Upgrade) Tx() *Tx {
	return u.tx
}

// Registry returns the sandboxed registry. Changes made to it are kept only
// if the upgrade commits.
func (u *Upgrade) Registry() *Registry {
	return u.tx.cat.registry
}

// Schema returns the sandboxed schema.
func (u *Upgrade) Schema() *Schema {
	return u.tx.cat.schema
}

func (u *Upgrade) sandboxStore(store Source) (*StoreDef, *storeState, error) {
	sstore := u.tx.cat.schema.StoreNamed(store.StoreName())
	ss := u.tx.cat.states[store.StoreName()]
	if sstore == nil || ss == nil {
		return nil, nil, fmt.Errorf("unknown store %q", store.StoreName())
	}
	return sstore, ss, nil
}

// AddIndex attaches idx to the store and builds it from the existing rows.
func (u *Upgrade) AddIndex(store *StoreDef, idx *IndexDef) cont.Cont[*IndexDef] {
	tx := u.tx
	if err := tx.live("AddIndex", true); err != nil {
		return cont.Fail[*IndexDef](err)
	}
	sstore, ss, err := u.sandboxStore(store)
	if err != nil {
		return cont.Fail[*IndexDef](err)
	}
	if err := sstore.addIndex(idx); err != nil {
		return cont.Fail[*IndexDef](err)
	}
	if err := ss.attach(tx, idx); err != nil {
		return cont.Fail[*IndexDef](err)
	}
	if err := ss.build(tx); err != nil {
		return cont.Fail[*IndexDef](err)
	}
	if err := ss.save(tx); err != nil {
		return cont.Fail[*IndexDef](err)
	}
	tx.touch(ss.name())
	return cont.Of(idx)
}

// DropIndex removes an index and its entries.
func (u *Upgrade) DropIndex(idx Source) cont.Cont[struct{}] {
	tx := u.tx
	if err := tx.live("DropIndex", true); err != nil {
		return cont.Fail[struct{}](err)
	}
	sstore, ss, err := u.sandboxStore(idx)
	if err != nil {
		return cont.Fail[struct{}](err)
	}
	if !sstore.removeIndex(idx.IndexName()) {
		return cont.Fail[struct{}](fmt.Errorf("unknown index %s.%s", idx.StoreName(), idx.IndexName()))
	}
	if err := ss.drop(tx, idx.IndexName()); err != nil {
		return cont.Fail[struct{}](err)
	}
	if err := ss.save(tx); err != nil {
		return cont.Fail[struct{}](err)
	}
	tx.touch(ss.name())
	return cont.Of(struct{}{})
}

// TypeUpgrade changes how an already registered type is stored. Encode and
// Decode replace the codec halves; either may be nil to keep the current one.
// Migrate runs between the two swaps, typically rewriting stored rows with
// SelectMigrating.
type TypeUpgrade[T any] struct {
	Encode  func(v T) (any, error)
	Decode  func(fields map[string]any) (T, error)
	Migrate func(tx *Tx) error
}

// UpgradeType swaps the encoder of type id, runs Migrate, then swaps the
// decoder. If Migrate fails, the registry keeps the previous codec pair.
func UpgradeType[T any](u *Upgrade, id string, up TypeUpgrade[T]) cont.Cont[struct{}] {
	tx := u.tx
	if err := tx.live("UpgradeType", true); err != nil {
		return cont.Fail[struct{}](err)
	}
	reg := tx.cat.registry
	entry, err := reg.entryByID(id)
	if err != nil {
		return cont.Fail[struct{}](err)
	}
	if want := reflect.TypeFor[T](); entry.typ != want {
		return cont.Fail[struct{}](fmt.Errorf("type id %q is registered for %v, not %v", id, entry.typ, want))
	}

	old := entry
	if up.Encode != nil {
		_, err := reg.swapEncode(id, func(v any) (any, error) {
			return up.Encode(v.(T))
		})
		if err != nil {
			return cont.Fail[struct{}](err)
		}
	}
	if up.Migrate != nil {
		if err := up.Migrate(tx); err != nil {
			reg.put(old)
			return cont.Fail[struct{}](err)
		}
	}
	if up.Decode != nil {
		err := reg.swapDecode(id, func(fields map[string]any) (any, error) {
			return up.Decode(fields)
		})
		if err != nil {
			reg.put(old)
			return cont.Fail[struct{}](err)
		}
	}
	tx.db.logger.Info("upgraded type", "type_id", id)
	return cont.Of(struct{}{})
}
