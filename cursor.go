package traitdb

import (
	"bytes"
	"fmt"
)

type CursorState int

const (
	CursorUninitialized CursorState = iota
	CursorActive
	CursorExhausted
)

func (s CursorState) String() string {
	switch s {
	case CursorUninitialized:
		return "uninitialized"
	case CursorActive:
		return "active"
	case CursorExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("CursorState(%d)", int(s))
	}
}

// Cursor is a positional scan over a store or an index.
//
// Init positions the cursor on the first row in range, Step on the next one;
// both leave the cursor exhausted when nothing is left. Calling Step before
// Init or after exhaustion, or reading the current row while not active,
// panics with *ContractViolationError.
//
// Writes to the scanned store made other than through the cursor's own
// Replace and Delete are reported as a *ContractViolationError by the next
// call. An aborted transaction makes the cursor exhausted.
type Cursor interface {
	Init() error
	Step() error
	State() CursorState

	// ID returns the id of the current row.
	ID() uint64
	Item() (any, error)
	// Trait returns the decoded trait of the current index entry, or the
	// id for store scans.
	Trait() (any, error)
	Row() (*Row, error)

	// Replace rewrites the current row, keeping its id. The scan continues
	// with the row after it, never visiting the replaced row again.
	Replace(item any) error
	Delete() error

	// Close releases the scan. It is safe to call at any time.
	Close()
}

// Scan opens a cursor over src. It is not initialized yet.
func (tx *Tx) Scan(src Source, q Query) (Cursor, error) {
	return newScanCursor(tx, src, q, tx.itemCodec())
}

type scanCursor struct {
	tx   *Tx
	ss   *storeState
	is   *indexState
	ic   ItemCodec
	sub  string
	scan rangeScan

	state   CursorState
	epoch   uint64
	key     []byte
	id      uint64
	moved   bool
	deleted bool
	// replaced holds ids whose index entries were rewritten through this
	// cursor and may show up again further along the scan.
	replaced map[uint64]struct{}
}

func newScanCursor(tx *Tx, src Source, q Query, ic ItemCodec) (*scanCursor, error) {
	ss, err := tx.storeState(src)
	if err != nil {
		return nil, err
	}
	c := &scanCursor{tx: tx, ss: ss, ic: ic}
	var enc KeyEncoder
	if name := src.IndexName(); name == "" {
		c.sub = dataBucket
		c.scan.layout = layoutStore
		enc = IDKeyEncoder
	} else {
		is := ss.Indexes[name]
		if is == nil || is.index == nil {
			return nil, fmt.Errorf("unknown index %s.%s", ss.name(), name)
		}
		c.is = is
		c.sub = is.index.bucketName()
		if is.Unique {
			c.scan.layout = layoutUniqueIndex
		} else {
			c.scan.layout = layoutIndex
		}
		enc = TraitKeyEncoder(tx.traitCodec())
		c.replaced = make(map[uint64]struct{})
	}
	c.scan.rang, err = CompileQuery(q, enc)
	if err != nil {
		return nil, fmt.Errorf("%s: query %v: %w", src, q, err)
	}
	c.scan.logger = tx.db.logger
	return c, nil
}

func (c *scanCursor) String() string {
	if c.is != nil {
		return c.is.index.FullName()
	}
	return c.ss.name()
}

func (c *scanCursor) State() CursorState {
	return c.state
}

// check reports whether the transaction still allows scanning. An aborted
// or cancelled transaction ends the scan quietly.
func (c *scanCursor) check(op string) (bool, error) {
	tx := c.tx
	switch tx.state {
	case TxAborted:
		return false, nil
	case TxCommitted:
		return false, contractViolation(op, "transaction %s is already committed", tx.id)
	}
	if err := tx.ctx.Err(); err != nil {
		tx.abort(err)
		return false, nil
	}
	if c.state == CursorActive && tx.epoch(c.ss.name()) != c.epoch {
		return false, contractViolation(op, "store %s was modified during iteration, outside of the cursor", c.ss.name())
	}
	return true, nil
}

func (c *scanCursor) openBucket() error {
	b := c.tx.stx.Bucket(c.ss.name(), c.sub)
	if b == nil {
		return storeErrf(c.ss.store, c.indexDef(), 0, nil, "missing bucket %s", c.sub)
	}
	c.scan.bcur = b.Cursor()
	return nil
}

func (c *scanCursor) indexDef() *IndexDef {
	if c.is == nil {
		return nil
	}
	return c.is.index
}

func (c *scanCursor) Init() error {
	if c.state != CursorUninitialized {
		panic(contractViolation("Init", "cursor over %v is %v", c, c.state))
	}
	ok, err := c.check("Init")
	if !ok {
		c.finish()
		return err
	}
	if err := c.openBucket(); err != nil {
		c.finish()
		return err
	}
	c.epoch = c.tx.epoch(c.ss.name())
	k, v := c.scan.start()
	c.land(c.pick(k, v, nil))
	return nil
}

func (c *scanCursor) Step() error {
	if c.state != CursorActive {
		panic(contractViolation("Step", "cursor over %v is %v", c, c.state))
	}
	ok, err := c.check("Step")
	if !ok {
		c.finish()
		return err
	}
	var k, v []byte
	if c.moved {
		// own writes invalidate the storage cursor
		if err := c.openBucket(); err != nil {
			c.finish()
			return err
		}
		k, v = c.scan.resume(c.key)
		c.moved, c.deleted = false, false
	} else {
		k, v = c.scan.advance()
	}
	var prev []byte
	if c.scan.rang.SkipDuplicates {
		prev = c.scan.layout.trait(c.key)
	}
	c.land(c.pick(k, v, prev))
	return nil
}

// pick finds the entry to stop at, starting from (k, v). It skips rows
// already rewritten through this cursor and, for unique scans, the rest of
// the prev group; unique reverse scans stop at the lowest id of a group.
func (c *scanCursor) pick(k, v []byte, prev []byte) ([]byte, []byte) {
	l := c.scan.layout
	for k != nil {
		t := l.trait(k)
		if prev != nil && bytes.Equal(t, prev) {
			k, v = c.scan.advance()
			continue
		}
		if _, skip := c.replaced[l.id(k, v)]; skip {
			k, v = c.scan.advance()
			continue
		}
		if c.scan.rang.SkipDuplicates && c.scan.rang.Reverse && l == layoutIndex {
			group := bytes.Clone(t)
			var lowest []byte
			for k != nil && bytes.Equal(l.trait(k), group) {
				if _, skip := c.replaced[l.id(k, v)]; !skip {
					lowest = bytes.Clone(k)
				}
				k, v = c.scan.bcur.Prev()
			}
			if lowest == nil {
				k, v = c.scan.settle(k, v)
				continue
			}
			return c.scan.bcur.Seek(lowest)
		}
		return k, v
	}
	return nil, nil
}

func (c *scanCursor) land(k, v []byte) {
	if k == nil {
		c.finish()
		return
	}
	c.key = append(c.key[:0], k...)
	c.id = c.scan.layout.id(k, v)
	c.state = CursorActive
}

func (c *scanCursor) finish() {
	c.state = CursorExhausted
	c.scan.bcur = nil
}

func (c *scanCursor) Close() {
	if c.state != CursorExhausted {
		c.finish()
	}
}

func (c *scanCursor) mustBeActive(op string) {
	if c.state != CursorActive {
		panic(contractViolation(op, "cursor over %v is %v", c, c.state))
	}
}

func (c *scanCursor) ID() uint64 {
	c.mustBeActive("ID")
	return c.id
}

// current returns the stored bytes of the current row.
func (c *scanCursor) current(op string) ([]byte, error) {
	c.mustBeActive(op)
	ok, err := c.check(op)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%s: %w", op, c.tx.abortError())
	}
	if c.deleted {
		return nil, contractViolation(op, "row %d was deleted", c.id)
	}
	dataBuck, err := c.tx.dataBucket(c.ss)
	if err != nil {
		return nil, err
	}
	raw := dataBuck.Get(idKey(c.id))
	if raw == nil {
		return nil, storeErrf(c.ss.store, c.indexDef(), c.id, nil, "index entry points to a missing row")
	}
	return raw, nil
}

func (c *scanCursor) Item() (any, error) {
	raw, err := c.current("Item")
	if err != nil {
		return nil, err
	}
	return decodeRowItem(c.ic, c.ss.store, c.id, raw)
}

func (c *scanCursor) Trait() (any, error) {
	c.mustBeActive("Trait")
	if c.is == nil {
		return c.id, nil
	}
	v, err := c.tx.traitCodec().DecodeKey(Key(c.scan.layout.trait(c.key)))
	if err != nil {
		return nil, storeErrf(c.ss.store, c.is.index, c.id, err, "decoding trait")
	}
	return v, nil
}

func (c *scanCursor) Row() (*Row, error) {
	raw, err := c.current("Row")
	if err != nil {
		return nil, err
	}
	return loadRow(c.ss, c.id, raw)
}

func (c *scanCursor) Replace(item any) error {
	raw, err := c.current("Replace")
	if err != nil {
		return err
	}
	if !c.tx.writable {
		return fmt.Errorf("Replace: %w", ErrReadOnly)
	}
	data, norm, err := encodeRowData(c.ic, c.ss.store, c.id, item)
	if err != nil {
		return err
	}
	if err := c.tx.writeRow(c.ss, c.id, norm, data, raw, false); err != nil {
		return err
	}
	c.moved = true
	if c.replaced != nil {
		c.replaced[c.id] = struct{}{}
	}
	c.epoch = c.tx.epoch(c.ss.name())
	return nil
}

func (c *scanCursor) Delete() error {
	raw, err := c.current("Delete")
	if err != nil {
		return err
	}
	if !c.tx.writable {
		return fmt.Errorf("Delete: %w", ErrReadOnly)
	}
	if err := c.tx.deleteRow(c.ss, c.id, raw); err != nil {
		return err
	}
	c.moved, c.deleted = true, true
	c.epoch = c.tx.epoch(c.ss.name())
	return nil
}
