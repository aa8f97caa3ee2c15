package traitdb

import (
	"iter"
	"sync/atomic"
)

// Iterator pulls decoded items from a cursor one at a time.
//
// Only one Pull may be in flight; a concurrent one fails with
// *ContractViolationError instead of racing the scan. Exhausting the
// iterator, or closing it, releases the cursor.
type Iterator[T any] struct {
	c      Cursor
	decode func(c Cursor) (T, error)

	busy    atomic.Bool
	started bool
	done    bool
	item    T
	err     error
}

func newIterator[T any](c Cursor, decode func(c Cursor) (T, error)) *Iterator[T] {
	return &Iterator[T]{c: c, decode: decode}
}

// Pull advances to the next item. ok is false once the scan is exhausted or
// has failed.
func (it *Iterator[T]) Pull() (T, bool, error) {
	var zero T
	if !it.busy.CompareAndSwap(false, true) {
		return zero, false, contractViolation("Pull", "another pull is in flight")
	}
	defer it.busy.Store(false)

	if it.done {
		return zero, false, nil
	}
	var err error
	if !it.started {
		it.started = true
		err = it.c.Init()
	} else {
		err = it.c.Step()
	}
	if err == nil && it.c.State() == CursorActive {
		v, err := it.decode(it.c)
		if err == nil {
			return v, true, nil
		}
		it.finish()
		return zero, false, err
	}
	it.finish()
	return zero, false, err
}

func (it *Iterator[T]) finish() {
	it.done = true
	it.c.Close()
}

// Next is the bufio.Scanner-style counterpart of Pull.
func (it *Iterator[T]) Next() bool {
	v, ok, err := it.Pull()
	it.item = v
	if err != nil && it.err == nil {
		it.err = err
	}
	return ok
}

func (it *Iterator[T]) Item() T {
	return it.item
}

func (it *Iterator[T]) Err() error {
	return it.err
}

// Close abandons the iteration. It is a no-op while a Pull is in flight.
func (it *Iterator[T]) Close() {
	if !it.busy.CompareAndSwap(false, true) {
		return
	}
	defer it.busy.Store(false)
	if !it.done {
		it.finish()
	}
}

// All adapts the iterator to range-over-func. A failure is yielded once, as
// the last pair.
func (it *Iterator[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer it.Close()
		for {
			v, ok, err := it.Pull()
			if err != nil {
				yield(v, err)
				return
			}
			if !ok || !yield(v, nil) {
				return
			}
		}
	}
}
