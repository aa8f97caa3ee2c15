package traitdb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

const trackTxns = true

type DB struct {
	st      storage
	bdb     *bbolt.DB
	logger  *slog.Logger
	verbose bool

	// cat is the genuine catalog. Writers that change the schema or the
	// registry work on a clone and swap it in on commit, under writeMu.
	cat     atomic.Pointer[catalog]
	writeMu sync.Mutex

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

// catalog is everything a transaction needs to interpret stored data.
type catalog struct {
	schema   *Schema
	registry *Registry
	states   map[string]*storeState
}

func (cat *catalog) clone() *catalog {
	out := &catalog{
		schema:   cat.schema.clone(),
		registry: cat.registry.Clone(),
		states:   make(map[string]*storeState, len(cat.states)),
	}
	for name, ss := range cat.states {
		out.states[name] = ss.clone(out.schema.StoreNamed(name))
	}
	return out
}

type Options struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int
	// Timeout bounds waiting for the Bolt file lock.
	Timeout time.Duration
	// Registry is the initial type registry. The database works on a copy.
	Registry *Registry
}

// Open opens (creating if needed) a Bolt-backed database at path.
func Open(path string, schema *Schema, opt Options) (*DB, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.Timeout != 0 {
		bopt.Timeout = opt.Timeout
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("traitdb: %w", err)
	}
	db, err := open(newBoltStorage(bdb), schema, opt)
	if err != nil {
		return nil, err
	}
	db.bdb = bdb
	return db, nil
}

// OpenMem opens a transient in-memory database.
func OpenMem(schema *Schema, opt Options) (*DB, error) {
	return open(newMemStorage(), schema, opt)
}

func open(st storage, schema *Schema, opt Options) (*DB, error) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db := &DB{
		st:      st,
		logger:  logger,
		verbose: opt.Verbose,
	}
	cat := &catalog{
		schema:   schema.clone(),
		registry: opt.Registry.Clone(),
		states:   make(map[string]*storeState),
	}
	db.cat.Store(cat)

	err := db.update(context.Background(), false, func(tx *Tx) error {
		now := time.Now()
		for _, store := range cat.schema.stores {
			ss, err := prepareStore(tx, store, now)
			if err != nil {
				return err
			}
			cat.states[store.name] = ss
		}
		if err := checkRegistryMeta(tx); err != nil {
			return err
		}
		for _, store := range cat.schema.stores {
			ss := cat.states[store.name]
			if err := ss.build(tx); err != nil {
				return err
			}
			if err := ss.save(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("traitdb: opening: %w", err)
	}
	return db, nil
}

func (db *DB) Bolt() *bbolt.DB {
	return db.bdb
}

// Schema returns the current schema, including indexes added by upgrades.
func (db *DB) Schema() *Schema {
	return db.cat.Load().schema.clone()
}

// Registry returns a copy of the current type registry.
func (db *DB) Registry() *Registry {
	return db.cat.Load().registry.Clone()
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Close() error {
	err := db.st.Close()
	if err != nil {
		return fmt.Errorf("traitdb: closing: %w", err)
	}
	return nil
}

// UpdateRegistry applies f to a copy of the registry and makes the copy
// current when the surrounding write transaction commits. Transactions
// already running keep the registry they started with.
func (db *DB) UpdateRegistry(ctx context.Context, f func(r *Registry) error) error {
	return db.update(ctx, true, func(tx *Tx) error {
		if err := f(tx.cat.registry); err != nil {
			return err
		}
		return saveRegistryMeta(tx)
	})
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, tx)
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		kind := "read"
		if tx.upgrading {
			kind = "upgrade"
		} else if tx.writable {
			kind = "write"
		}
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s tx %s open for %d ms\n", kind, tx.id, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s tx %s open for %d ms:\n%s", kind, tx.id, ms, tx.stack)
		}
	}

	return buf.String()
}
