package sqsh

import "encoding/binary"

// lebuf assembles little-endian encoded structures. The zero value is an
// empty growable buffer; newLebuf preallocates for fixed-size structures
// whose length is known up front. Positional writes overwrite bytes that
// were already appended without moving the append cursor; writing past the
// end of the appended region is a programming error.
type lebuf struct {
	b []byte
}

func newLebuf(capacity int) *lebuf {
	return &lebuf{b: make([]byte, 0, capacity)}
}

func (l *lebuf) u8(v uint8) {
	l.b = append(l.b, v)
}

func (l *lebuf) u16(v uint16) {
	l.b = append(l.b, byte(v), byte(v>>8))
}

func (l *lebuf) u32(v uint32) {
	l.b = append(l.b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (l *lebuf) u64(v uint64) {
	l.u32(uint32(v))
	l.u32(uint32(v >> 32))
}

func (l *lebuf) raw(p []byte) {
	l.b = append(l.b, p...)
}

func (l *lebuf) putU16(i int, v uint16) {
	binary.LittleEndian.PutUint16(l.b[i:], v)
}

func (l *lebuf) putU32(i int, v uint32) {
	binary.LittleEndian.PutUint32(l.b[i:], v)
}

func (l *lebuf) putU64(i int, v uint64) {
	binary.LittleEndian.PutUint64(l.b[i:], v)
}

func (l *lebuf) bytes() []byte {
	return l.b
}

func (l *lebuf) size() int {
	return len(l.b)
}
