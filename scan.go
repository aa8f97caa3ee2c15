package traitdb

import (
	"bytes"
	"context"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// KeyRange is a compiled query: bounds over the trait part of the scanned
// keys (the id for stores), direction and the unique modifier.
type KeyRange struct {
	Lower          []byte
	Upper          []byte
	LowerInc       bool
	UpperInc       bool
	Reverse        bool
	SkipDuplicates bool
}

// beforeStart reports whether trait t precedes the range in scan order.
func (r *KeyRange) beforeStart(t []byte) bool {
	if r.Reverse {
		return r.aboveUpper(t)
	}
	return r.belowLower(t)
}

// afterEnd reports whether trait t is past the range in scan order.
func (r *KeyRange) afterEnd(t []byte) bool {
	if r.Reverse {
		return r.belowLower(t)
	}
	return r.aboveUpper(t)
}

func (r *KeyRange) belowLower(t []byte) bool {
	if r.Lower == nil {
		return false
	}
	c := bytes.Compare(t, r.Lower)
	return c < 0 || (c == 0 && !r.LowerInc)
}

func (r *KeyRange) aboveUpper(t []byte) bool {
	if r.Upper == nil {
		return false
	}
	c := bytes.Compare(t, r.Upper)
	return c > 0 || (c == 0 && !r.UpperInc)
}

// keyLayout says how bucket keys are built.
type keyLayout int

const (
	// layoutStore: key is the id.
	layoutStore keyLayout = iota
	// layoutIndex: key is trait||id, value is empty.
	layoutIndex
	// layoutUniqueIndex: key is the trait, value is the id.
	layoutUniqueIndex
)

func (l keyLayout) trait(k []byte) []byte {
	if l == layoutIndex {
		return k[:len(k)-8]
	}
	return k
}

func (l keyLayout) id(k, v []byte) uint64 {
	switch l {
	case layoutStore:
		return parseID(k)
	case layoutIndex:
		return parseID(k[len(k)-8:])
	default:
		return parseID(v)
	}
}

// upperSeek returns a key that sorts after every key whose trait is upper.
func (l keyLayout) upperSeek(upper []byte) []byte {
	if l != layoutIndex {
		return upper
	}
	out := make([]byte, 0, len(upper)+9)
	out = append(out, upper...)
	return append(out, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
}

// rangeScan walks the keys of one bucket that fall into a range.
type rangeScan struct {
	rang   KeyRange
	layout keyLayout
	bcur   storageCursor
	logger *slog.Logger
}

func (s *rangeScan) start() ([]byte, []byte) {
	var k, v []byte
	r := &s.rang
	if r.Reverse {
		if r.Upper != nil {
			seek := s.layout.upperSeek(r.Upper)
			k, v = seekLE(s.bcur, seek)
			if debugLogRawScans {
				s.logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to upper", hexAttr("upper", seek), hexAttr("key", k), hexAttr("val", v))
			}
		} else {
			k, v = s.bcur.Last()
			if debugLogRawScans {
				s.logger.LogAttrs(context.Background(), slog.LevelDebug, "LAST", hexAttr("key", k), hexAttr("val", v))
			}
		}
	} else {
		if r.Lower != nil {
			k, v = s.bcur.Seek(r.Lower)
			if debugLogRawScans {
				s.logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to lower", hexAttr("lower", r.Lower), hexAttr("key", k), hexAttr("val", v))
			}
		} else {
			k, v = s.bcur.First()
			if debugLogRawScans {
				s.logger.LogAttrs(context.Background(), slog.LevelDebug, "FIRST", hexAttr("key", k), hexAttr("val", v))
			}
		}
	}
	return s.settle(k, v)
}

// resume positions the scan at the first key strictly after cur in scan
// order. cur need not exist anymore.
func (s *rangeScan) resume(cur []byte) ([]byte, []byte) {
	var k, v []byte
	if s.rang.Reverse {
		k, v = seekLE(s.bcur, cur)
		if k != nil && bytes.Equal(k, cur) {
			k, v = s.bcur.Prev()
		}
	} else {
		k, v = s.bcur.Seek(cur)
		if k != nil && bytes.Equal(k, cur) {
			k, v = s.bcur.Next()
		}
	}
	if debugLogRawScans {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "RESUME", hexAttr("cur", cur), hexAttr("key", k), hexAttr("val", v))
	}
	return s.settle(k, v)
}

func (s *rangeScan) advance() ([]byte, []byte) {
	return s.settle(s.move())
}

func (s *rangeScan) move() ([]byte, []byte) {
	var k, v []byte
	if s.rang.Reverse {
		k, v = s.bcur.Prev()
		if debugLogRawScans {
			s.logger.LogAttrs(context.Background(), slog.LevelDebug, "PREV", hexAttr("key", k), hexAttr("val", v))
		}
	} else {
		k, v = s.bcur.Next()
		if debugLogRawScans {
			s.logger.LogAttrs(context.Background(), slog.LevelDebug, "NEXT", hexAttr("key", k), hexAttr("val", v))
		}
	}
	return k, v
}

// settle skips keys that precede the range and stops at the first key past it.
// Trait keys are not prefix-free, so a seek can land slightly early.
func (s *rangeScan) settle(k, v []byte) ([]byte, []byte) {
	for k != nil {
		t := s.layout.trait(k)
		if s.rang.beforeStart(t) {
			if debugLogRawScans {
				s.logger.LogAttrs(context.Background(), slog.LevelDebug, "SKIP before start", hexAttr("key", k))
			}
			k, v = s.move()
			continue
		}
		if s.rang.afterEnd(t) {
			if debugLogRawScans {
				s.logger.LogAttrs(context.Background(), slog.LevelDebug, "BAIL after end", hexAttr("key", k))
			}
			return nil, nil
		}
		if debugLogRawScans {
			s.logger.LogAttrs(context.Background(), slog.LevelDebug, "MATCH", hexAttr("key", k), hexAttr("val", v))
		}
		return k, v
	}
	return nil, nil
}
