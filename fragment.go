package sqsh

// putFragment appends a sub-block tail to the current fragment, flushing
// the accumulator first if the tail does not fit. It returns the tail's
// offset inside its fragment block and the shared ref through which the
// block's table index becomes visible once assigned.
func (w *Writer) putFragment(tail []byte) (uint32, *fragRef, error) {
	if w.dedup {
		if t, ok := w.findTail(tail); ok {
			return t.offset, t.ref, nil
		}
	}

	if len(w.curFragment)+len(tail) > int(w.blockSize()) {
		if err := w.flushFragment(); err != nil {
			return 0, nil, err
		}
	}

	if w.curFragRef == nil {
		w.curFragRef = &fragRef{index: fragNone}
	}

	offset := uint32(len(w.curFragment))
	w.curFragment = append(w.curFragment, tail...)

	if w.dedup {
		w.recordTail(tail, w.curFragRef, offset)
	}
	return offset, w.curFragRef, nil
}

// flushFragment enqueues the current fragment block. With dedup enabled, a
// byte-identical block already in the image is reused instead: the shared
// ref is redirected to the existing table index and nothing is written.
func (w *Writer) flushFragment() error {
	if len(w.curFragment) == 0 {
		return nil
	}

	ref := w.curFragRef
	if ref == nil {
		ref = &fragRef{index: fragNone}
	}

	if w.dedup {
		if idx, ok := w.findFragmentBlock(w.curFragment); ok {
			ref.index = idx
			w.curFragment = make([]byte, 0, w.blockSize())
			w.curFragRef = nil
			return nil
		}
	}

	ref.index = w.fragCount
	w.fragCount++
	if w.dedup {
		w.recordFragmentBlock(w.curFragment, ref.index)
	}

	data := w.curFragment
	w.curFragment = make([]byte, 0, w.blockSize())
	w.curFragRef = nil

	w.enqueue(&pendingFragment{res: w.comp.compressAsync(data, w.policy())})
	return nil
}
