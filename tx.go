package traitdb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// Tx is a transaction. A Tx must only be used from one goroutine at a time.
type Tx struct {
	id       uuid.UUID
	db       *DB
	stx      storageTx
	ctx      context.Context
	cat      *catalog
	writable bool
	managed  bool
	// sandboxed transactions own a private catalog that replaces the
	// genuine one on commit.
	sandboxed bool
	upgrading bool

	state    TxState
	abortErr error
	written  bool
	epochs   map[string]uint64

	observers []func(TxState)
	startTime time.Time
	stack     string
}

type txMode uint8

const (
	txWrite txMode = 1 << iota
	// txSandboxed transactions work on a private copy of the catalog.
	txSandboxed
	// txUncounted transactions are left out of ReadCount and WriteCount.
	txUncounted
)

func (db *DB) beginTx(ctx context.Context, mode txMode) (*Tx, error) {
	writable, sandboxed := mode&txWrite != 0, mode&txSandboxed != 0
	if ctx == nil {
		ctx = context.Background()
	}
	if writable {
		db.PendingWriterCount.Add(1)
		db.writeMu.Lock()
		db.PendingWriterCount.Add(-1)
	}
	cat := db.cat.Load()
	if sandboxed {
		cat = cat.clone()
	}
	stx, err := db.st.BeginTx(writable)
	if err != nil {
		if writable {
			db.writeMu.Unlock()
		}
		return nil, fmt.Errorf("traitdb: begin: %w", err)
	}
	tx := &Tx{
		id:        uuid.Must(uuid.NewV7()),
		db:        db,
		stx:       stx,
		ctx:       ctx,
		cat:       cat,
		writable:  writable,
		sandboxed: sandboxed,
		epochs:    make(map[string]uint64),
		startTime: time.Now(),
	}
	counted := mode&txUncounted == 0
	if writable {
		db.WriterCount.Add(1)
		if counted {
			db.WriteCount.Add(1)
		}
	} else {
		db.ReaderCount.Add(1)
		if counted {
			db.ReadCount.Add(1)
		}
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
		db.addTx(tx)
	}
	if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "db: BEGIN", slog.String("tx", tx.id.String()), slog.Bool("writable", writable))
	}
	return tx, nil
}

// Begin starts a transaction the caller must finish with Commit or Rollback.
func (db *DB) Begin(ctx context.Context, writable bool) (*Tx, error) {
	var mode txMode
	if writable {
		mode = txWrite
	}
	return db.beginTx(ctx, mode)
}

// View runs f in a read-only transaction.
func (db *DB) View(ctx context.Context, f func(tx *Tx) error) error {
	return db.view(ctx, 0, f)
}

func (db *DB) view(ctx context.Context, mode txMode, f func(tx *Tx) error) error {
	tx, err := db.beginTx(ctx, mode&^txWrite)
	if err != nil {
		return err
	}
	tx.managed = true
	defer tx.Rollback()
	return safelyCall(f, tx)
}

// Update runs f in a write transaction and commits it if f succeeds.
// If f returns an error or panics, or calls Tx.Abort, nothing f wrote is
// kept.
func (db *DB) Update(ctx context.Context, f func(tx *Tx) error) error {
	return db.update(ctx, false, f)
}

func (db *DB) update(ctx context.Context, sandboxed bool, f func(tx *Tx) error) error {
	mode := txWrite
	if sandboxed {
		mode |= txSandboxed
	}
	tx, err := db.beginTx(ctx, mode)
	if err != nil {
		return err
	}
	tx.managed = true
	err = safelyCall(f, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	switch tx.state {
	case TxCommitted:
		return nil
	case TxAborted:
		return tx.abortError()
	}
	if err := tx.ctx.Err(); err != nil {
		tx.abort(err)
		return err
	}
	return tx.Commit()
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	err, _ := p.reason.(error)
	return err
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func (tx *Tx) ID() uuid.UUID            { return tx.id }
func (tx *Tx) DB() *DB                  { return tx.db }
func (tx *Tx) Context() context.Context { return tx.ctx }
func (tx *Tx) IsWritable() bool         { return tx.writable }
func (tx *Tx) State() TxState           { return tx.state }

// Registry returns the registry snapshot this transaction encodes and
// decodes with. Inside upgrades it is the sandbox copy.
func (tx *Tx) Registry() *Registry {
	return tx.cat.registry
}

// Schema returns the schema snapshot of this transaction.
func (tx *Tx) Schema() *Schema {
	return tx.cat.schema
}

// OnComplete registers f to be called once the transaction commits or aborts.
func (tx *Tx) OnComplete(f func(state TxState)) {
	tx.observers = append(tx.observers, f)
}

// Commit commits a write transaction, or releases a read-only one.
func (tx *Tx) Commit() error {
	switch tx.state {
	case TxCommitted:
		return ErrTxClosed
	case TxAborted:
		return tx.abortError()
	}
	if !tx.writable {
		ensure(tx.stx.Rollback())
		tx.end(TxCommitted)
		return nil
	}
	size := tx.stx.Size()
	if err := tx.stx.Commit(); err != nil {
		tx.stx.Rollback()
		tx.abortErr = err
		tx.end(TxAborted)
		return fmt.Errorf("traitdb: commit: %w", err)
	}
	tx.db.lastSize.Store(size)
	if tx.sandboxed {
		tx.db.cat.Store(tx.cat)
	}
	tx.end(TxCommitted)
	return nil
}

// Rollback discards the transaction. It is safe to call after Commit.
func (tx *Tx) Rollback() error {
	tx.abort(nil)
	return nil
}

// Abort discards everything written so far. Cursors of an aborted
// transaction report exhaustion; other operations return ErrAborted.
func (tx *Tx) Abort() {
	tx.abort(nil)
}

func (tx *Tx) abort(cause error) {
	if tx.state != TxActive {
		return
	}
	if err := tx.stx.Rollback(); err != nil {
		tx.db.logger.Error("rollback failed", "tx", tx.id.String(), "err", err)
	}
	tx.abortErr = cause
	tx.end(TxAborted)
}

func (tx *Tx) abortError() error {
	if tx.abortErr != nil {
		return tx.abortErr
	}
	return ErrAborted
}

func (tx *Tx) end(state TxState) {
	tx.state = state
	if tx.writable {
		tx.db.WriterCount.Add(-1)
		tx.db.writeMu.Unlock()
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	if trackTxns {
		tx.db.removeTx(tx)
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "db: END", slog.String("tx", tx.id.String()), slog.String("state", state.String()))
	}
	for _, f := range tx.observers {
		f(state)
	}
}

// live checks that the transaction can still be used.
func (tx *Tx) live(op string, write bool) error {
	switch tx.state {
	case TxCommitted:
		return fmt.Errorf("%s: %w", op, ErrTxClosed)
	case TxAborted:
		return fmt.Errorf("%s: %w", op, tx.abortError())
	}
	if err := tx.ctx.Err(); err != nil {
		tx.abort(err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if write && !tx.writable {
		return fmt.Errorf("%s: %w", op, ErrReadOnly)
	}
	return nil
}

func (tx *Tx) storeState(src Source) (*storeState, error) {
	ss := tx.cat.states[src.StoreName()]
	if ss == nil {
		return nil, fmt.Errorf("unknown store %q", src.StoreName())
	}
	return ss, nil
}

func (tx *Tx) indexState(idx *IndexDef) (*storeState, *indexState, error) {
	ss, err := tx.storeState(idx)
	if err != nil {
		return nil, nil, err
	}
	is := ss.Indexes[idx.name]
	if is == nil || is.index == nil {
		return nil, nil, fmt.Errorf("unknown index %s", idx.FullName())
	}
	return ss, is, nil
}

func (tx *Tx) itemCodec() ItemCodec {
	return NewItemCodec(tx.cat.registry)
}

func (tx *Tx) traitCodec() TraitCodec {
	return NewTraitCodec(tx.cat.registry)
}

// touch records a modification of the store, invalidating cursors that
// did not make it.
func (tx *Tx) touch(store string) uint64 {
	tx.written = true
	tx.epochs[store]++
	return tx.epochs[store]
}

func (tx *Tx) epoch(store string) uint64 {
	return tx.epochs[store]
}
