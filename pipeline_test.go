package sqsh

import (
	"bytes"
	"path/filepath"
	"testing"
)

func buildWriter(t *testing.T, opts ...WriterOption) *Writer {
	t.Helper()
	w, err := Create(filepath.Join(t.TempDir(), "img.sqfs"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func writeContent(t *testing.T, w *Writer, name string, content []byte) *Node {
	t.Helper()
	f, err := w.PutFilePath(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(f, content); err != nil {
		t.Fatal(err)
	}
	if err := w.FinishFile(f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestEmptyFileNoBlocksNoFragment(t *testing.T) {
	w := buildWriter(t, WithSingleThread())

	f := writeContent(t, w, "empty", nil)
	if err := w.finishData(); err != nil {
		t.Fatal(err)
	}

	if f.reg.fileSize != 0 {
		t.Errorf("fileSize = %d", f.reg.fileSize)
	}
	if f.reg.nblocks != 0 || f.reg.frag != nil {
		t.Errorf("empty file has blocks=%d frag=%v", f.reg.nblocks, f.reg.frag)
	}
}

func TestExactBlockFileNoFragment(t *testing.T) {
	w := buildWriter(t, WithSingleThread())

	content := bytes.Repeat([]byte{0xCD}, int(w.blockSize()))
	f := writeContent(t, w, "exact", content)
	if err := w.finishData(); err != nil {
		t.Fatal(err)
	}

	if f.reg.nblocks != 1 {
		t.Errorf("nblocks = %d, want 1", f.reg.nblocks)
	}
	if f.reg.frag != nil {
		t.Error("exact-block file placed a fragment")
	}
}

func TestShortFileGoesToFragment(t *testing.T) {
	w := buildWriter(t, WithSingleThread())

	content := bytes.Repeat([]byte{0xEE}, int(w.blockSize())-1)
	f := writeContent(t, w, "short", content)
	if err := w.finishData(); err != nil {
		t.Fatal(err)
	}

	if f.reg.nblocks != 0 {
		t.Errorf("nblocks = %d, want 0", f.reg.nblocks)
	}
	if f.reg.frag == nil {
		t.Fatal("no fragment recorded")
	}
	if f.reg.frag.index != 0 || f.reg.fragOffset != 0 {
		t.Errorf("fragment %d offset %d, want 0/0", f.reg.frag.index, f.reg.fragOffset)
	}
}

func TestLargeFileBlocksAndTail(t *testing.T) {
	w := buildWriter(t, WithSingleThread())

	// 300 KiB: two full 128 KiB blocks plus a 44 KiB tail fragment
	content := bytes.Repeat([]byte{0xAB}, 300*1024)
	f := writeContent(t, w, "big.bin", content)
	if err := w.finishData(); err != nil {
		t.Fatal(err)
	}

	if f.reg.nblocks != 2 {
		t.Errorf("nblocks = %d, want 2", f.reg.nblocks)
	}
	if len(f.reg.list.sizes) != 2 {
		t.Errorf("block list holds %d sizes, want 2", len(f.reg.list.sizes))
	}
	if f.reg.frag == nil {
		t.Fatal("tail not placed in a fragment")
	}
	if f.reg.frag.index != 0 || f.reg.fragOffset != 0 {
		t.Errorf("tail at fragment %d offset %d, want 0/0", f.reg.frag.index, f.reg.fragOffset)
	}
	if f.reg.fileSize != 300*1024 {
		t.Errorf("fileSize = %d", f.reg.fileSize)
	}

	tail := f.reg.fileSize - 2*uint64(w.blockSize())
	if tail != 44*1024 {
		t.Errorf("tail length %d, want %d", tail, 44*1024)
	}
}

func TestFragmentAccumulatorOverflow(t *testing.T) {
	w := buildWriter(t, WithSingleThread(), WithBlockLog(12))

	// tails of 3 KiB, 1000 bytes and 3 KiB against 4 KiB blocks: the third
	// does not fit with the first two, so the accumulator flushes before it
	tail := bytes.Repeat([]byte{1}, 3072)
	f1 := writeContent(t, w, "a", tail)
	f2 := writeContent(t, w, "b", bytes.Repeat([]byte{2}, 1000))
	f3 := writeContent(t, w, "c", bytes.Repeat([]byte{3}, 3072))
	if err := w.finishData(); err != nil {
		t.Fatal(err)
	}

	if f1.reg.frag.index != 0 || f1.reg.fragOffset != 0 {
		t.Errorf("first tail at %d/%d", f1.reg.frag.index, f1.reg.fragOffset)
	}
	if f2.reg.frag.index != 0 || f2.reg.fragOffset != 3072 {
		t.Errorf("second tail at %d/%d", f2.reg.frag.index, f2.reg.fragOffset)
	}
	if f3.reg.frag.index != 1 || f3.reg.fragOffset != 0 {
		t.Errorf("third tail at %d/%d, want fragment 1 offset 0", f3.reg.frag.index, f3.reg.fragOffset)
	}
	if len(w.fragments) != 2 {
		t.Errorf("%d fragment blocks, want 2", len(w.fragments))
	}
}

func TestBlockListCompleteThreaded(t *testing.T) {
	w := buildWriter(t)

	// three full blocks through the writer goroutine; every size must be
	// in the block list and the start offset recorded once finishData returns
	content := make([]byte, 3*int(w.blockSize()))
	for i := range content {
		content[i] = byte(i * 2654435761)
	}
	f := writeContent(t, w, "f", content)
	if err := w.finishData(); err != nil {
		t.Fatal(err)
	}

	f.reg.list.mu.Lock()
	defer f.reg.list.mu.Unlock()
	if len(f.reg.list.sizes) != 3 {
		t.Fatalf("block list holds %d sizes, want 3", len(f.reg.list.sizes))
	}
	if !f.reg.list.haveStart {
		t.Error("start block never recorded")
	}
}
