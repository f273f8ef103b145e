package sqsh

import (
	"bytes"
	"hash/adler32"
	"io"
)

// Deduplication works from adler fingerprints of uncompressed content.
// Fragment tails and fragment blocks are confirmed by byte comparison
// against the bytes already in the image; a file's block run is collapsed
// on a fingerprint match alone (adler of the whole content, file size and
// block count), without comparing bytes. Fragment tails are collapsed at putFragment time, whole fragment blocks
// at flush time, and a regular file's block run when the file finishes.

type fragKey struct {
	sum uint32
	n   int
}

func fragKeyOf(p []byte) fragKey {
	return fragKey{sum: adler32.Checksum(p), n: len(p)}
}

// tailRef locates one stored tail: the fragment block it lives in (via the
// shared ref, which may still be pending) and its offset inside it.
type tailRef struct {
	ref    *fragRef
	offset uint32
	length int
}

type blockKey struct {
	sum     uint32
	size    uint64
	nblocks int
}

// findTail returns a previously stored tail with the same content, if any.
func (w *Writer) findTail(tail []byte) (tailRef, bool) {
	for _, cand := range w.tailDups[fragKeyOf(tail)] {
		if w.tailMatches(cand, tail) {
			return cand, true
		}
	}
	return tailRef{}, false
}

func (w *Writer) recordTail(tail []byte, ref *fragRef, offset uint32) {
	key := fragKeyOf(tail)
	w.tailDups[key] = append(w.tailDups[key], tailRef{ref: ref, offset: offset, length: len(tail)})
}

func (w *Writer) tailMatches(cand tailRef, tail []byte) bool {
	if cand.length != len(tail) {
		return false
	}
	if cand.ref == w.curFragRef {
		// still in the accumulator
		return bytes.Equal(w.curFragment[cand.offset:int(cand.offset)+cand.length], tail)
	}
	data, err := w.readFragmentBlock(cand.ref.index)
	if err != nil {
		return false
	}
	end := int(cand.offset) + cand.length
	return end <= len(data) && bytes.Equal(data[cand.offset:end], tail)
}

// findFragmentBlock returns the table index of a fragment block whose
// whole uncompressed content equals p.
func (w *Writer) findFragmentBlock(p []byte) (uint32, bool) {
	for _, idx := range w.fragDups[fragKeyOf(p)] {
		data, err := w.readFragmentBlock(idx)
		if err == nil && bytes.Equal(data, p) {
			return idx, true
		}
	}
	return 0, false
}

func (w *Writer) recordFragmentBlock(p []byte, index uint32) {
	key := fragKeyOf(p)
	w.fragDups[key] = append(w.fragDups[key], index)
}

// readFragmentBlock reads back fragment block index from the image and
// returns its uncompressed content, waiting until the writer goroutine has
// committed the block's table entry.
func (w *Writer) readFragmentBlock(index uint32) ([]byte, error) {
	w.fragMu.Lock()
	for uint32(len(w.fragments)) <= index && !w.failed.Load() {
		w.fragCond.Wait()
	}
	if uint32(len(w.fragments)) <= index {
		w.fragMu.Unlock()
		return nil, ErrWriterFailed
	}
	entry := w.fragments[index]
	w.fragMu.Unlock()

	data := make([]byte, entry.size&^blockUncompressed)
	if _, err := w.out.ReadAt(data, int64(entry.startBlock)); err != nil {
		return nil, err
	}
	if entry.size&blockUncompressed == 0 {
		return w.comp.decompress(data)
	}
	return data, nil
}

// dedupBlocks collapses a finished file's block run onto an identical
// earlier file. The just-written bytes are dropped from the image only
// when they are still its tail; otherwise they stay behind as garbage and
// only the references move.
func (w *Writer) dedupBlocks(reg *regFile) error {
	reg.list.pending.Wait()
	if w.failed.Load() {
		return ErrWriterFailed
	}

	key := blockKey{sum: reg.sum.Sum32(), size: reg.fileSize, nblocks: reg.nblocks}
	prior, ok := w.blockDups[key]
	if !ok {
		w.blockDups[key] = reg
		return nil
	}

	w.outMu.Lock()
	tell, err := w.out.Seek(0, io.SeekCurrent)
	if err == nil {
		reg.list.mu.Lock()
		start, haveStart := reg.list.start, reg.list.haveStart
		reg.list.mu.Unlock()
		if haveStart && start+reg.list.dataLen() == uint64(tell) {
			if err = w.out.Truncate(int64(start)); err == nil {
				_, err = w.out.Seek(int64(start), io.SeekStart)
			}
		}
	}
	w.outMu.Unlock()
	if err != nil {
		return err
	}

	prior.list.mu.Lock()
	start, sizes := prior.list.start, prior.list.sizes
	prior.list.mu.Unlock()

	reg.list.mu.Lock()
	reg.list.start = start
	reg.list.haveStart = true
	reg.list.sizes = sizes
	reg.list.mu.Unlock()
	return nil
}
