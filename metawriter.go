package sqsh

import (
	"bytes"
	"encoding/binary"
	"io"
)

const (
	metaBlockSizeLB = 13
	metaBlockSize   = 1 << metaBlockSizeLB

	// metaUncompressed is the metadata block header bit flagging a payload
	// stored without compression. This is bit 15 of the 16-bit header, not
	// to be confused with blockUncompressed used for data block sizes.
	metaUncompressed = 0x8000
)

// metaAddress locates a byte inside a metadata stream: block is the byte
// offset of the owning metadata block's header within the stream, offset
// the position inside the decompressed block.
type metaAddress struct {
	block  uint32
	offset uint16
}

// ref packs the address into the on-disk 64-bit inode reference format.
func (a metaAddress) ref() uint64 {
	return uint64(a.block)<<16 | uint64(a.offset)
}

// metaWriter accumulates puts into 8 KiB metadata blocks, emitting each
// full block as a 2-byte header (compressed length, with metaUncompressed
// set for literal storage) followed by the payload. The encoded stream is
// staged in memory until out() copies it to the image.
type metaWriter struct {
	comp   Compression
	cur    []byte
	staged bytes.Buffer
}

func newMetaWriter(comp Compression) *metaWriter {
	return &metaWriter{
		comp: comp,
		cur:  make([]byte, 0, metaBlockSize),
	}
}

// put appends p to the stream and returns the address of its first byte.
// Addresses are computed before any block flush triggered by the append,
// and stay valid for the lifetime of the staged stream.
func (m *metaWriter) put(p []byte) (metaAddress, error) {
	addr := metaAddress{
		block:  uint32(m.staged.Len()),
		offset: uint16(len(m.cur)),
	}

	for len(p) > 0 {
		n := metaBlockSize - len(m.cur)
		if n > len(p) {
			n = len(p)
		}
		m.cur = append(m.cur, p[:n]...)
		p = p[n:]

		if len(m.cur) == metaBlockSize {
			if err := m.flush(); err != nil {
				return metaAddress{}, err
			}
		}
	}

	return addr, nil
}

func (m *metaWriter) flush() error {
	data, stored, err := m.comp.compress(m.cur)
	if err != nil {
		return err
	}

	hdr := uint16(len(data))
	if stored {
		hdr |= metaUncompressed
	}

	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], hdr)
	m.staged.Write(b[:])
	m.staged.Write(data)
	m.cur = m.cur[:0]
	return nil
}

// writeBlockNoPad flushes a partial tail block, if any.
func (m *metaWriter) writeBlockNoPad() error {
	if len(m.cur) == 0 {
		return nil
	}
	return m.flush()
}

// out copies the staged stream to w.
func (m *metaWriter) out(w io.Writer) error {
	_, err := w.Write(m.staged.Bytes())
	return err
}
