package sqsh

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMetaWriterAddresses(t *testing.T) {
	m := newMetaWriter(GZip)

	a, err := m.put([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if a.block != 0 || a.offset != 0 {
		t.Errorf("first put at %+v, want block 0 offset 0", a)
	}

	b, err := m.put([]byte("world"))
	if err != nil {
		t.Fatal(err)
	}
	if b.block != 0 || b.offset != 5 {
		t.Errorf("second put at %+v, want block 0 offset 5", b)
	}

	// empty put returns the current position without appending
	c, err := m.put(nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.block != 0 || c.offset != 10 {
		t.Errorf("empty put at %+v, want block 0 offset 10", c)
	}
}

func TestMetaWriterFlushOnFull(t *testing.T) {
	m := newMetaWriter(GZip)

	data := bytes.Repeat([]byte{0x42}, metaBlockSize)
	if _, err := m.put(data); err != nil {
		t.Fatal(err)
	}
	if m.staged.Len() == 0 {
		t.Fatal("full block was not flushed")
	}
	if len(m.cur) != 0 {
		t.Fatalf("accumulator still holds %d bytes", len(m.cur))
	}

	// next put starts a new block at the staged length
	a, err := m.put([]byte{1})
	if err != nil {
		t.Fatal(err)
	}
	if a.block != uint32(m.staged.Len()) || a.offset != 0 {
		t.Errorf("post-flush put at %+v, staged %d", a, m.staged.Len())
	}
}

func TestMetaWriterSpanningPut(t *testing.T) {
	m := newMetaWriter(GZip)

	if _, err := m.put(bytes.Repeat([]byte{7}, metaBlockSize-3)); err != nil {
		t.Fatal(err)
	}
	// this put starts in the first block and continues in the second
	a, err := m.put([]byte("123456"))
	if err != nil {
		t.Fatal(err)
	}
	if a.block != 0 || a.offset != metaBlockSize-3 {
		t.Errorf("spanning put at %+v", a)
	}
	if len(m.cur) != 3 {
		t.Errorf("accumulator holds %d bytes, want 3", len(m.cur))
	}
}

func TestMetaWriterBlockHeader(t *testing.T) {
	m := newMetaWriter(GZip)

	if _, err := m.put(bytes.Repeat([]byte{0}, metaBlockSize)); err != nil {
		t.Fatal(err)
	}

	staged := m.staged.Bytes()
	hdr := binary.LittleEndian.Uint16(staged)
	if hdr&metaUncompressed != 0 {
		t.Error("run of zeros should compress")
	}
	size := int(hdr &^ metaUncompressed)
	if size != len(staged)-2 {
		t.Errorf("header length %d, staged payload %d", size, len(staged)-2)
	}

	data, err := GZip.decompress(staged[2 : 2+size])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, make([]byte, metaBlockSize)) {
		t.Error("payload does not decompress to the original block")
	}
}

func TestMetaWriterNoPad(t *testing.T) {
	m := newMetaWriter(GZip)

	if err := m.writeBlockNoPad(); err != nil {
		t.Fatal(err)
	}
	if m.staged.Len() != 0 {
		t.Error("flush of empty accumulator staged bytes")
	}

	if _, err := m.put([]byte("tail")); err != nil {
		t.Fatal(err)
	}
	if err := m.writeBlockNoPad(); err != nil {
		t.Fatal(err)
	}
	if m.staged.Len() == 0 {
		t.Error("partial block was not flushed")
	}

	var out bytes.Buffer
	if err := m.out(&out); err != nil {
		t.Fatal(err)
	}
	if out.Len() != m.staged.Len() {
		t.Errorf("out copied %d bytes, staged %d", out.Len(), m.staged.Len())
	}
}
