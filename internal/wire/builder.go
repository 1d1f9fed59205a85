// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import "encoding/binary"

const nlaFNested = 0x8000

// Builder assembles a netlink attribute TLV stream the way mnl_attr_put*
// does: flat Put* calls append one attribute, NestStart/NestEnd bracket
// a nested attribute whose length is back-patched once its children are
// known.
type Builder struct {
	buf []byte
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) putHeader(attrType uint16, payloadLen int) int {
	start := len(b.buf)
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(4+payloadLen))
	binary.LittleEndian.PutUint16(hdr[2:4], attrType)
	b.buf = append(b.buf, hdr[:]...)
	return start
}

func (b *Builder) pad() {
	for len(b.buf)%4 != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *Builder) PutBytes(attrType uint16, v []byte) {
	b.putHeader(attrType, len(v))
	b.buf = append(b.buf, v...)
	b.pad()
}

func (b *Builder) PutU8(attrType uint16, v uint8) {
	b.PutBytes(attrType, []byte{v})
}

func (b *Builder) PutU16(attrType uint16, v uint16) {
	var buf [2]byte
	nativeEndian.PutUint16(buf[:], v)
	b.PutBytes(attrType, buf[:])
}

func (b *Builder) PutU16BE(attrType uint16, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	b.PutBytes(attrType, buf[:])
}

func (b *Builder) PutU32(attrType uint16, v uint32) {
	var buf [4]byte
	nativeEndian.PutUint32(buf[:], v)
	b.PutBytes(attrType, buf[:])
}

func (b *Builder) PutU32BE(attrType uint16, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.PutBytes(attrType, buf[:])
}

func (b *Builder) PutStrZ(attrType uint16, s string) {
	b.PutBytes(attrType, append([]byte(s), 0))
}

// NestStart opens a nested attribute and returns a token to pass to
// NestEnd; the length field is filled in once the nested content is
// known.
func (b *Builder) NestStart(attrType uint16) int {
	return b.putHeader(attrType|nlaFNested, 0)
}

func (b *Builder) NestEnd(start int) {
	total := len(b.buf) - start
	binary.LittleEndian.PutUint16(b.buf[start:start+2], uint16(total))
	b.pad()
}

// htons returns v's big-endian byte pattern reinterpreted as a native
// integer, matching the C macro of the same name.
func htons(v uint16) uint16 {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return nativeEndian.Uint16(buf[:])
}

func htonl(v uint32) uint32 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return nativeEndian.Uint32(buf[:])
}
