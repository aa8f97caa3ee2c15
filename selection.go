package traitdb

import (
	"iter"
	"maps"
)

// Selection is a lazily evaluated query over a store or an index, decoding
// items as T. Filter, Drop and Limit return new selections and apply in the
// order they are called: Filter(even).Drop(1) drops the first even item,
// Drop(1).Filter(even) drops the first item and then filters.
type Selection[T any] struct {
	tx     *Tx
	src    Source
	q      Query
	ic     ItemCodec
	layers []func(c Cursor) Cursor
}

// Select starts a selection of the rows of src matched by q.
func Select[T any](tx *Tx, src Source, q Query) *Selection[T] {
	return &Selection[T]{tx: tx, src: src, q: q, ic: tx.itemCodec()}
}

// SelectMigrating selects rows of a store without running user decoders.
// Custom-typed values come back as *Tagged, and Replace and Update write
// *Tagged values back under their type id.
func SelectMigrating(tx *Tx, store *StoreDef, q Query) *Selection[any] {
	return &Selection[any]{tx: tx, src: store, q: q, ic: tx.itemCodec().MigrationCodec()}
}

func (s *Selection[T]) with(layer func(c Cursor) Cursor) *Selection[T] {
	out := *s
	out.layers = append(s.layers[:len(s.layers):len(s.layers)], layer)
	return &out
}

func (s *Selection[T]) Filter(f func(item T) bool) *Selection[T] {
	return s.FilterCursor(func(c Cursor) (bool, error) {
		v, err := s.item(c)
		if err != nil {
			return false, err
		}
		return f(v), nil
	})
}

// FilterCursor filters with access to the whole cursor, like its trait or id.
func (s *Selection[T]) FilterCursor(pred func(c Cursor) (bool, error)) *Selection[T] {
	return s.with(func(c Cursor) Cursor { return Filter(c, pred) })
}

func (s *Selection[T]) Drop(n int) *Selection[T] {
	return s.with(func(c Cursor) Cursor { return Drop(c, n) })
}

func (s *Selection[T]) Limit(n int) *Selection[T] {
	return s.with(func(c Cursor) Cursor { return Limit(c, n) })
}

// Cursor opens an uninitialized cursor running the selection.
func (s *Selection[T]) Cursor() (Cursor, error) {
	var c Cursor
	c, err := newScanCursor(s.tx, s.src, s.q, s.ic)
	if err != nil {
		return nil, err
	}
	for _, layer := range s.layers {
		c = layer(c)
	}
	return c, nil
}

func (s *Selection[T]) item(c Cursor) (T, error) {
	item, err := c.Item()
	if err != nil {
		var zero T
		return zero, err
	}
	return asItem[T](item)
}

func (s *Selection[T]) each(f func(c Cursor) error) error {
	c, err := s.Cursor()
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Init(); err != nil {
		return err
	}
	for c.State() == CursorActive {
		if err := f(c); err != nil {
			return err
		}
		if err := c.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Selection[T]) Array() ([]T, error) {
	var out []T
	err := s.each(func(c Cursor) error {
		v, err := s.item(c)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Selection[T]) IDs() ([]uint64, error) {
	var out []uint64
	err := s.each(func(c Cursor) error {
		out = append(out, c.ID())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Selection[T]) Count() (int, error) {
	var n int
	err := s.each(func(c Cursor) error {
		n++
		return nil
	})
	return n, err
}

func (s *Selection[T]) IsEmpty() (bool, error) {
	c, err := s.Cursor()
	if err != nil {
		return false, err
	}
	defer c.Close()
	if err := c.Init(); err != nil {
		return false, err
	}
	return c.State() != CursorActive, nil
}

// First returns the first selected item.
func (s *Selection[T]) First() (T, bool, error) {
	var zero T
	c, err := s.Cursor()
	if err != nil {
		return zero, false, err
	}
	defer c.Close()
	if err := c.Init(); err != nil {
		return zero, false, err
	}
	if c.State() != CursorActive {
		return zero, false, nil
	}
	v, err := s.item(c)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Replace rewrites every selected item with mapper's result and returns the
// number of rows rewritten.
func (s *Selection[T]) Replace(mapper func(item T) (T, error)) (int, error) {
	var n int
	err := s.each(func(c Cursor) error {
		v, err := s.item(c)
		if err != nil {
			return err
		}
		v, err = mapper(v)
		if err != nil {
			return err
		}
		if err := c.Replace(v); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// Update merges delta into every selected plain record. A field set to
// Undefined is removed.
func (s *Selection[T]) Update(delta map[string]any) (int, error) {
	var n int
	err := s.each(func(c Cursor) error {
		item, err := c.Item()
		if err != nil {
			return err
		}
		updated, err := applyDelta(item, delta)
		if err != nil {
			return err
		}
		if err := c.Replace(updated); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func applyDelta(item any, delta map[string]any) (any, error) {
	merge := func(fields map[string]any) map[string]any {
		out := maps.Clone(fields)
		if out == nil {
			out = make(map[string]any, len(delta))
		}
		for k, v := range delta {
			if v == Undefined {
				delete(out, k)
			} else {
				out[k] = v
			}
		}
		return out
	}
	switch item := item.(type) {
	case map[string]any:
		return merge(item), nil
	case *Tagged:
		return &Tagged{TypeID: item.TypeID, Fields: merge(item.Fields)}, nil
	default:
		return nil, encodingErrf(item, nil, "update only applies to plain records")
	}
}

// Delete removes every selected row and returns how many were removed.
func (s *Selection[T]) Delete() (int, error) {
	var n int
	err := s.each(func(c Cursor) error {
		if err := c.Delete(); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// Iter returns a pull iterator over the selection. A selection that cannot
// be opened yields its error on the first Pull.
func (s *Selection[T]) Iter() *Iterator[T] {
	c, err := s.Cursor()
	if err != nil {
		return newIterator(Cursor(&failedCursor{err: err}), s.item)
	}
	return newIterator(c, s.item)
}

func (s *Selection[T]) All() iter.Seq2[T, error] {
	return s.Iter().All()
}

// failedCursor reports err from Init.
type failedCursor struct {
	err   error
	state CursorState
}

func (c *failedCursor) Init() error {
	c.state = CursorExhausted
	return c.err
}

func (c *failedCursor) Step() error {
	panic(contractViolation("Step", "cursor is %v", c.state))
}

func (c *failedCursor) State() CursorState { return c.state }

func (c *failedCursor) ID() uint64 { panic(contractViolation("ID", "cursor is %v", c.state)) }

func (c *failedCursor) Item() (any, error) { panic(contractViolation("Item", "cursor is %v", c.state)) }

func (c *failedCursor) Trait() (any, error) { panic(contractViolation("Trait", "cursor is %v", c.state)) }

func (c *failedCursor) Row() (*Row, error) { panic(contractViolation("Row", "cursor is %v", c.state)) }

func (c *failedCursor) Replace(any) error { panic(contractViolation("Replace", "cursor is %v", c.state)) }

func (c *failedCursor) Delete() error { panic(contractViolation("Delete", "cursor is %v", c.state)) }

func (c *failedCursor) Close() { c.state = CursorExhausted }
