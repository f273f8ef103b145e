package sqsh

import (
	"io"
	"sync"
)

// blockUncompressed is the data block size bit flagging literal storage.
// This is bit 24 of the 32-bit size, used both in REG block lists and in
// fragment table entries; metadata blocks use metaUncompressed instead.
const blockUncompressed = 1 << 24

// fragmentEntry describes one fragment block in the fragment table.
type fragmentEntry struct {
	startBlock uint64
	size       uint32
}

// blockList collects the on-disk block sizes of one regular file along
// with the absolute offset of its first block. It is shared between the
// client, which created the file, and the writer goroutine, which appends
// sizes as compressions complete; the client may be several files ahead by
// then. pending counts enqueued blocks that have not been written yet, so
// dedup can wait for the list to be complete.
type blockList struct {
	mu        sync.Mutex
	start     uint64
	haveStart bool
	sizes     []uint32
	pending   sync.WaitGroup
}

func (bl *blockList) add(size uint32, tell uint64) {
	bl.mu.Lock()
	if !bl.haveStart {
		bl.start = tell
		bl.haveStart = true
	}
	bl.sizes = append(bl.sizes, size)
	bl.mu.Unlock()
}

// dataLen returns the number of image bytes the listed blocks occupy.
func (bl *blockList) dataLen() uint64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	var n uint64
	for _, s := range bl.sizes {
		n += uint64(s &^ blockUncompressed)
	}
	return n
}

// pendingWrite is a scheduled compression+write unit. handleWrite runs on
// the single writer goroutine (or inline in single-threaded mode), so
// blocks of one file and fragment blocks keep their enqueue order.
type pendingWrite interface {
	handleWrite(w *Writer) error
}

// pendingBlock writes one data block of a regular file and records its
// compressed size in the file's block list.
type pendingBlock struct {
	res  func() compressResult
	list *blockList
}

func (p *pendingBlock) handleWrite(w *Writer) error {
	defer p.list.pending.Done()

	r := p.res()
	if r.err != nil {
		return r.err
	}

	w.outMu.Lock()
	defer w.outMu.Unlock()

	tell, err := w.out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := w.out.Write(r.data); err != nil {
		return err
	}

	size := uint32(len(r.data))
	if r.stored {
		size |= blockUncompressed
	}
	p.list.add(size, uint64(tell))
	return nil
}

// pendingFragment writes one fragment block and appends its entry to the
// fragment table.
type pendingFragment struct {
	res func() compressResult
}

func (p *pendingFragment) handleWrite(w *Writer) error {
	r := p.res()
	if r.err != nil {
		return r.err
	}

	w.outMu.Lock()
	tell, err := w.out.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = w.out.Write(r.data)
	}
	w.outMu.Unlock()
	if err != nil {
		return err
	}

	size := uint32(len(r.data))
	if r.stored {
		size |= blockUncompressed
	}

	w.fragMu.Lock()
	w.fragments = append(w.fragments, fragmentEntry{startBlock: uint64(tell), size: size})
	w.fragCond.Broadcast()
	w.fragMu.Unlock()
	return nil
}
