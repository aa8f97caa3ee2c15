package traitdb

import (
	"encoding/binary"
	"io"
	"math"
	"slices"
)

// reserve extends buf by n bytes and returns the offset of the first one.
func reserve(buf []byte, n int) (int, []byte) {
	off := len(buf)
	if cap(buf)-off < n {
		buf = slices.Grow(buf, max(n, 16))
	}
	return off, buf[:off+n]
}

// bytesBuilder is an io.Writer appending to Buf, for msgpack encoders.
type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Grow(n int) (off int) {
	off, bb.Buf = reserve(bb.Buf, n)
	return
}

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

// byteBuf writes into space reserved up front by prealloc; Off is the
// write position.
type byteBuf struct {
	Buf []byte
	Off int
}

func prealloc(buf []byte, n int) byteBuf {
	off, buf := reserve(buf, n)
	return byteBuf{buf, off}
}

func (b *byteBuf) Trimmed() []byte {
	return b.Buf[:b.Off]
}

func (b *byteBuf) AppendRaw(v []byte) {
	b.Off += copy(b.Buf[b.Off:], v)
}

func (b *byteBuf) AppendUvarint(v uint64) {
	b.Off += binary.PutUvarint(b.Buf[b.Off:], v)
}

func (b *byteBuf) AppendUvarinti(v int) {
	if v < 0 {
		panic("invalid negative value")
	}
	b.AppendUvarint(uint64(v))
}

func (b *byteBuf) AppendVarBytes(v []byte) {
	b.AppendUvarinti(len(v))
	b.AppendRaw(v)
}

// byteDecoder consumes Buf from the front. Errors report offsets into
// the original input.
type byteDecoder struct {
	orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{orig: buf, Buf: buf}
}

func (d *byteDecoder) Off() int {
	return len(d.orig) - len(d.Buf)
}

func (d *byteDecoder) fail(format string, args ...any) error {
	return dataErrf(d.orig, d.Off(), nil, format, args...)
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.Buf)
	if n <= 0 {
		return 0, d.fail("invalid uvarint")
	}
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uvarinti() (int, error) {
	v, err := d.Uvarint()
	switch {
	case err != nil:
		return 0, err
	case v > math.MaxInt:
		return 0, d.fail("value does not fit into int: %d", v)
	}
	return int(v), nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if len(d.Buf) < n {
		return nil, d.fail("not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n:n]
	d.Buf = d.Buf[n:]
	return v, nil
}
