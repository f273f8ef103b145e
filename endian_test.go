package sqsh

import (
	"bytes"
	"testing"
)

func TestLebufAppend(t *testing.T) {
	b := newLebuf(16)
	b.u8(0x01)
	b.u16(0x0302)
	b.u32(0x07060504)
	b.u64(0x0f0e0d0c0b0a0908)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	if !bytes.Equal(b.bytes(), want) {
		t.Errorf("got % x, want % x", b.bytes(), want)
	}
	if b.size() != len(want) {
		t.Errorf("size() = %d, want %d", b.size(), len(want))
	}
}

func TestLebufPositional(t *testing.T) {
	b := &lebuf{}
	b.u16(0xffff)
	b.u32(0)
	b.u64(0)

	b.putU16(0, 0x1122)
	b.putU32(2, 0x33445566)
	b.putU64(6, 0x1)

	if b.size() != 14 {
		t.Fatalf("positional writes moved the cursor: size %d", b.size())
	}
	want := []byte{0x22, 0x11, 0x66, 0x55, 0x44, 0x33, 1, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(b.bytes(), want) {
		t.Errorf("got % x, want % x", b.bytes(), want)
	}
}

func TestLebufRaw(t *testing.T) {
	b := newLebuf(8)
	b.raw([]byte("abc"))
	b.u8(0)
	if !bytes.Equal(b.bytes(), []byte{'a', 'b', 'c', 0}) {
		t.Errorf("got % x", b.bytes())
	}
}
