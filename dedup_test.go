package sqsh_test

import (
	"bytes"
	"io/fs"
	"testing"

	"github.com/KarpelesLab/sqsh"
)

// noise returns deterministic incompressible content so that image sizes
// reflect the data region, not compressor luck.
func noise(n int) []byte {
	out := make([]byte, n)
	state := uint32(0x1234567)
	for i := range out {
		state = state*1664525 + 1013904223
		out[i] = byte(state >> 24)
	}
	return out
}

func TestDedupIdenticalLargeFiles(t *testing.T) {
	content := noise(300 * 1024)
	build := func(opts ...sqsh.WriterOption) string {
		return createImage(t, opts, func(w *sqsh.Writer) {
			addFile(t, w, "one", content)
			addFile(t, w, "two", content)
		})
	}

	plain := openImage(t, build())
	deduped := openImage(t, build(sqsh.WithDedup()))

	one := statInode(t, deduped, "one")
	two := statInode(t, deduped, "two")
	if one.StartBlock != two.StartBlock {
		t.Errorf("start blocks differ: %d vs %d", one.StartBlock, two.StartBlock)
	}
	if one.Fragment != two.Fragment || one.FragOffset != two.FragOffset {
		t.Errorf("tails differ: %d/%d vs %d/%d", one.Fragment, one.FragOffset, two.Fragment, two.FragOffset)
	}

	// only one copy of the data region remains
	if deduped.BytesUsed >= plain.BytesUsed {
		t.Errorf("dedup image %d bytes, plain %d", deduped.BytesUsed, plain.BytesUsed)
	}

	for _, name := range []string{"one", "two"} {
		data, err := fs.ReadFile(deduped, name)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, content) {
			t.Errorf("%s: content mismatch", name)
		}
	}
}

func TestDedupIdenticalSmallFiles(t *testing.T) {
	path := createImage(t, []sqsh.WriterOption{sqsh.WithDedup()}, func(w *sqsh.Writer) {
		addFile(t, w, "a", []byte("same small content"))
		addFile(t, w, "b", []byte("same small content"))
		addFile(t, w, "c", []byte("different content!"))
	})
	sb := openImage(t, path)

	a := statInode(t, sb, "a")
	b := statInode(t, sb, "b")
	c := statInode(t, sb, "c")

	if a.Fragment != b.Fragment || a.FragOffset != b.FragOffset {
		t.Errorf("identical tails not shared: %d/%d vs %d/%d", a.Fragment, a.FragOffset, b.Fragment, b.FragOffset)
	}
	if c.Fragment == a.Fragment && c.FragOffset == a.FragOffset {
		t.Error("different content collapsed onto the same tail")
	}

	for _, name := range []string{"a", "b"} {
		data, err := fs.ReadFile(sb, name)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "same small content" {
			t.Errorf("%s: content %q", name, data)
		}
	}
}

func TestDedupAcrossFragmentBlocks(t *testing.T) {
	// tails land in different fragment blocks, forcing read-back
	// verification of the flushed block
	tail := bytes.Repeat([]byte{0x5A}, 3000)
	filler := bytes.Repeat([]byte{0x11}, 2000)

	path := createImage(t, []sqsh.WriterOption{sqsh.WithDedup(), sqsh.WithBlockLog(12)}, func(w *sqsh.Writer) {
		addFile(t, w, "first", tail)
		addFile(t, w, "filler", filler) // overflows the 4 KiB accumulator
		addFile(t, w, "second", tail)
	})
	sb := openImage(t, path)

	first := statInode(t, sb, "first")
	second := statInode(t, sb, "second")
	if first.Fragment != second.Fragment || first.FragOffset != second.FragOffset {
		t.Errorf("tails not shared across flush: %d/%d vs %d/%d",
			first.Fragment, first.FragOffset, second.Fragment, second.FragOffset)
	}

	data, err := fs.ReadFile(sb, "second")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, tail) {
		t.Error("second file content mismatch")
	}
}

func TestDedupSingleThreaded(t *testing.T) {
	content := bytes.Repeat([]byte{7}, 200*1024)
	path := createImage(t, []sqsh.WriterOption{sqsh.WithDedup(), sqsh.WithSingleThread()}, func(w *sqsh.Writer) {
		addFile(t, w, "x", content)
		addFile(t, w, "y", content)
	})
	sb := openImage(t, path)

	x := statInode(t, sb, "x")
	y := statInode(t, sb, "y")
	if x.StartBlock != y.StartBlock {
		t.Errorf("start blocks differ: %d vs %d", x.StartBlock, y.StartBlock)
	}
	data, err := fs.ReadFile(sb, "y")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, content) {
		t.Error("content mismatch")
	}
}
