package traitdb

import (
	"encoding/binary"
	"fmt"
)

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3

	vfVerMask       = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfVer1          = vfVerBit0
	vfSupportedMask = vfVer1
	vfDefault       = vfVer1

	minValueSize       = 4
	maxValueHeaderSize = binary.MaxVarintLen64 * 4
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

// value is the stored form of a row: header, canonical payload, then trait
// records.
type value struct {
	Flags    valueFlags
	ModCount uint64
	Data     []byte
	Traits   []byte
}

func reserveValueHeader(buf []byte) []byte {
	if len(buf) != 0 {
		panic("value must be written to an empty buffer")
	}
	_, buf = reserve(buf, maxValueHeaderSize)
	return buf
}

func putValueHeader(buf []byte, flags valueFlags, modCount uint64, traitsOff int) []byte {
	if traitsOff > len(buf) {
		panic(fmt.Errorf("invalid traitsOff=%d", traitsOff)) // sanity check
	}
	if (flags &^ vfSupportedMask) != 0 {
		panic(fmt.Errorf("invalid flags %x", flags))
	}
	dataSize := traitsOff - maxValueHeaderSize
	traitsSize := len(buf) - traitsOff

	var off = 0
	off += binary.PutUvarint(buf[off:], uint64(flags))
	off += binary.PutUvarint(buf[off:], modCount)
	off += binary.PutUvarint(buf[off:], uint64(dataSize))
	off += binary.PutUvarint(buf[off:], uint64(traitsSize))
	headerSize := off
	if headerSize < maxValueHeaderSize {
		// move the header closer to data
		start := maxValueHeaderSize - headerSize
		copy(buf[start:maxValueHeaderSize], buf[:headerSize])
		return buf[start:]
	} else {
		return buf
	}
}

func (vle *value) decode(data []byte) error {
	if len(data) < minValueSize {
		return dataErrf(data, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}
	d := makeByteDecoder(data)

	v, err := d.Uvarint()
	if err != nil {
		return err
	}
	if (v &^ uint64(vfSupportedMask)) != 0 {
		return dataErrf(data, 0, nil, "invalid value: unsupported flags %x", v)
	}
	vle.Flags = valueFlags(v)

	if vle.ModCount, err = d.Uvarint(); err != nil {
		return err
	}
	dataSize, err := d.Uvarinti()
	if err != nil {
		return err
	}
	traitsSize, err := d.Uvarinti()
	if err != nil {
		return err
	}
	if len(d.Buf) != dataSize+traitsSize {
		return dataErrf(data, d.Off(), nil, "invalid value: got %d bytes for data+traits, expected %d bytes", len(d.Buf), dataSize+traitsSize)
	}
	vle.Data = d.Buf[:dataSize]
	vle.Traits = d.Buf[dataSize:]
	return nil
}

func encodeValue(modCount uint64, data []byte, rows traitRows) []byte {
	buf := reserveValueHeader(nil)
	buf = append(buf, data...)
	traitsOff := len(buf)
	buf = appendTraitRecords(buf, rows)
	return putValueHeader(buf, vfDefault, modCount, traitsOff)
}
