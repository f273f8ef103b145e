package sqsh

// Append adds content to a regular file. The writer keeps a single block
// accumulator, so files must be written one at a time: interleaving Append
// calls for two different files corrupts both.
func (w *Writer) Append(f *Node, p []byte) error {
	if f == nil || f.typ != FileType {
		return ErrNotRegular
	}
	if w.finished {
		return ErrFinalized
	}
	if w.failed.Load() {
		return ErrWriterFailed
	}

	reg := f.reg
	reg.fileSize += uint64(len(p))
	if reg.sum != nil {
		reg.sum.Write(p)
	}

	blockSize := int(w.blockSize())
	for len(p) > 0 {
		n := blockSize - len(w.curBlock)
		if n > len(p) {
			n = len(p)
		}
		w.curBlock = append(w.curBlock, p[:n]...)
		p = p[n:]

		if len(w.curBlock) == blockSize {
			if err := w.flushRegBlock(f); err != nil {
				return err
			}
		}
	}

	return nil
}

// FinishFile seals a regular file: the remaining partial block, if any, is
// routed to the fragment accumulator (full blocks were already enqueued by
// Append), and, with dedup enabled, the file's blocks are collapsed onto an
// identical earlier file if one exists.
func (w *Writer) FinishFile(f *Node) error {
	if f == nil || f.typ != FileType {
		return ErrNotRegular
	}
	if w.finished {
		return ErrFinalized
	}
	if err := w.flushRegBlock(f); err != nil {
		return err
	}
	if w.dedup && f.reg.nblocks > 0 {
		if err := w.dedupBlocks(f.reg); err != nil {
			return err
		}
	}
	if w.failed.Load() {
		return ErrWriterFailed
	}
	return nil
}

// flushRegBlock disposes of the current block accumulator: a full block is
// enqueued for compression, a partial tail goes into a shared fragment.
func (w *Writer) flushRegBlock(f *Node) error {
	if len(w.curBlock) == 0 {
		return nil
	}

	reg := f.reg
	if len(w.curBlock) < int(w.blockSize()) {
		offset, ref, err := w.putFragment(w.curBlock)
		if err != nil {
			return err
		}
		reg.frag = ref
		reg.fragOffset = offset
		w.curBlock = w.curBlock[:0]
		return nil
	}

	w.enqueueBlock(reg)
	return nil
}

// enqueueBlock hands the current block to the writer goroutine. The
// accumulator's backing array moves into the pending write, so a fresh one
// is allocated.
func (w *Writer) enqueueBlock(reg *regFile) {
	reg.nblocks++
	reg.list.pending.Add(1)

	data := w.curBlock
	w.curBlock = make([]byte, 0, w.blockSize())

	w.enqueue(&pendingBlock{
		res:  w.comp.compressAsync(data, w.policy()),
		list: &reg.list,
	})
}

func (w *Writer) enqueue(p pendingWrite) {
	if w.singleThreaded {
		if err := p.handleWrite(w); err != nil {
			w.setFailed()
		}
		return
	}
	w.queue.push(p)
}

func (w *Writer) policy() launchPolicy {
	if w.singleThreaded {
		return launchDeferred
	}
	return launchEager
}
