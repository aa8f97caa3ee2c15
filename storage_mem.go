package traitdb

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/google/btree"
)

const (
	memBucketSep = "\x00"
	memDegree    = 32
)

type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	closed  bool
	writer  bool
}

// newMemStorage returns a transient in-memory storage. Every transaction
// works on a copy-on-write clone of the committed trees.
func newMemStorage() storage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	snap := make(map[string]*memBucket, len(s.buckets))
	for k, b := range s.buckets {
		snap[k] = b.clone()
	}

	return &memTx{
		writable: writable,
		base:     s,
		buckets:  snap,
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	if s.cond != nil {
		s.cond.Broadcast()
	}
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memBucket
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	b := tx.buckets[memBucketKey(name, sub)]
	if b == nil {
		return nil
	}
	return memBucketHandle{tx: tx, b: b}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}

	rootKey := memBucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		tx.buckets[rootKey] = newMemBucket()
	}

	key := memBucketKey(name, sub)
	b := tx.buckets[key]
	if b == nil {
		b = newMemBucket()
		tx.buckets[key] = b
	}
	return memBucketHandle{tx: tx, b: b}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	key := memBucketKey(name, sub)
	if tx.buckets[key] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, key)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return fmt.Errorf("storage closed")
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 {
	var n int64
	for _, b := range tx.buckets {
		n += b.inuse
	}
	return n
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

type memKV struct {
	key   []byte
	value []byte
}

func memLess(a, b memKV) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memBucket struct {
	tree  *btree.BTreeG[memKV]
	seq   uint64
	inuse int64
}

func newMemBucket() *memBucket {
	return &memBucket{tree: btree.NewG(memDegree, memLess)}
}

func (b *memBucket) clone() *memBucket {
	return &memBucket{tree: b.tree.Clone(), seq: b.seq, inuse: b.inuse}
}

type memBucketHandle struct {
	tx *memTx
	b  *memBucket
}

func (b memBucketHandle) Get(key []byte) []byte {
	kv, ok := b.b.tree.Get(memKV{key: key})
	if !ok {
		return nil
	}
	return kv.value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if len(key) == 0 {
		return fmt.Errorf("key required")
	}
	kv := memKV{key: slices.Clone(key), value: slices.Clone(value)}
	if kv.value == nil {
		kv.value = []byte{}
	}
	old, replaced := b.b.tree.ReplaceOrInsert(kv)
	if replaced {
		b.b.inuse -= int64(len(old.key) + len(old.value))
	}
	b.b.inuse += int64(len(kv.key) + len(kv.value))
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	old, ok := b.b.tree.Delete(memKV{key: key})
	if ok {
		b.b.inuse -= int64(len(old.key) + len(old.value))
	}
	return nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{b: b.b}
}

func (b memBucketHandle) NextSequence() (uint64, error) {
	if !b.tx.writable {
		return 0, fmt.Errorf("tx not writable")
	}
	b.b.seq++
	return b.b.seq, nil
}

func (b memBucketHandle) Sequence() uint64 {
	return b.b.seq
}

func (b memBucketHandle) Stats() bucketStats {
	return bucketStats{
		KeyN:      b.b.tree.Len(),
		LeafInuse: b.b.inuse,
		LeafAlloc: b.b.inuse,
	}
}

// memCursor remembers its position by key, so it stays valid while the
// bucket is modified underneath it.
type memCursor struct {
	b   *memBucket
	pos []byte
}

func (c *memCursor) at(kv memKV, ok bool) ([]byte, []byte) {
	if !ok {
		return nil, nil
	}
	c.pos = kv.key
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.at(c.b.tree.Min())
}

func (c *memCursor) Last() ([]byte, []byte) {
	return c.at(c.b.tree.Max())
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	var found memKV
	var ok bool
	c.b.tree.AscendGreaterOrEqual(memKV{key: seek}, func(kv memKV) bool {
		found, ok = kv, true
		return false
	})
	return c.at(found, ok)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos == nil {
		return c.First()
	}
	var found memKV
	var ok bool
	c.b.tree.AscendGreaterOrEqual(memKV{key: c.pos}, func(kv memKV) bool {
		if bytes.Equal(kv.key, c.pos) {
			return true
		}
		found, ok = kv, true
		return false
	})
	return c.at(found, ok)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos == nil {
		return nil, nil
	}
	var found memKV
	var ok bool
	c.b.tree.DescendLessOrEqual(memKV{key: c.pos}, func(kv memKV) bool {
		if bytes.Equal(kv.key, c.pos) {
			return true
		}
		found, ok = kv, true
		return false
	})
	return c.at(found, ok)
}
