package traitdb

// Filter wraps c so that it only stops on rows for which pred returns true.
// pred sees the underlying cursor positioned on the candidate row.
func Filter(c Cursor, pred func(c Cursor) (bool, error)) Cursor {
	return &filterCursor{Cursor: c, pred: pred}
}

// Drop wraps c so that it skips its first n rows.
func Drop(c Cursor, n int) Cursor {
	return &dropCursor{Cursor: c, n: n}
}

// Limit wraps c so that it is exhausted after n rows.
func Limit(c Cursor, n int) Cursor {
	return &limitCursor{Cursor: c, n: n}
}

type filterCursor struct {
	Cursor
	pred func(c Cursor) (bool, error)
}

func (c *filterCursor) Init() error {
	if err := c.Cursor.Init(); err != nil {
		return err
	}
	return c.seek()
}

func (c *filterCursor) Step() error {
	if err := c.Cursor.Step(); err != nil {
		return err
	}
	return c.seek()
}

func (c *filterCursor) seek() error {
	for c.Cursor.State() == CursorActive {
		ok, err := c.pred(c.Cursor)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := c.Cursor.Step(); err != nil {
			return err
		}
	}
	return nil
}

type dropCursor struct {
	Cursor
	n int
}

func (c *dropCursor) Init() error {
	if err := c.Cursor.Init(); err != nil {
		return err
	}
	for i := 0; i < c.n && c.Cursor.State() == CursorActive; i++ {
		if err := c.Cursor.Step(); err != nil {
			return err
		}
	}
	return nil
}

type limitCursor struct {
	Cursor
	n       int
	yielded int
	started bool
	done    bool
}

func (c *limitCursor) Init() error {
	if c.started {
		panic(contractViolation("Init", "limited cursor is %v", c.State()))
	}
	c.started = true
	if c.n <= 0 {
		c.done = true
		c.Cursor.Close()
		return nil
	}
	return c.Cursor.Init()
}

func (c *limitCursor) State() CursorState {
	if c.done {
		return CursorExhausted
	}
	return c.Cursor.State()
}

func (c *limitCursor) Step() error {
	if c.State() != CursorActive {
		panic(contractViolation("Step", "limited cursor is %v", c.State()))
	}
	c.yielded++
	if c.yielded >= c.n {
		c.done = true
		c.Cursor.Close()
		return nil
	}
	return c.Cursor.Step()
}
