package sqsh

import (
	"errors"
	"strings"
	"testing"
)

func newTreeWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := Create(t.TempDir()+"/img.sqfs", WithSingleThread())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestSubdirIdempotent(t *testing.T) {
	w := newTreeWriter(t)

	a, err := w.Subdir(w.Root(), "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := w.Subdir(w.Root(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second Subdir returned a different node")
	}
	if len(w.Root().entries) != 1 {
		t.Errorf("root has %d entries, want 1", len(w.Root().entries))
	}
}

func TestSubdirConflict(t *testing.T) {
	w := newTreeWriter(t)

	if _, err := w.PutFile(w.Root(), "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Subdir(w.Root(), "x"); !errors.Is(err, ErrConflict) {
		t.Errorf("Subdir over file: err = %v, want ErrConflict", err)
	}
	if _, err := w.PutSymlink(w.Root(), "x", "t"); !errors.Is(err, ErrConflict) {
		t.Errorf("PutSymlink over file: err = %v, want ErrConflict", err)
	}
}

func TestPutLeafReinitializes(t *testing.T) {
	w := newTreeWriter(t)

	f1, err := w.PutFile(w.Root(), "f")
	if err != nil {
		t.Fatal(err)
	}
	f1.SetMode(0600)

	f2, err := w.PutFile(w.Root(), "f")
	if err != nil {
		t.Fatal(err)
	}
	if f1 == f2 {
		t.Error("overwrite returned the old node")
	}
	if f2.mode != 0644 {
		t.Errorf("overwritten file mode %o, want fresh default 644", f2.mode)
	}
	if len(w.Root().entries) != 1 {
		t.Errorf("root has %d entries, want 1", len(w.Root().entries))
	}
}

func TestPutLeafOnNonDir(t *testing.T) {
	w := newTreeWriter(t)

	f, err := w.PutFile(w.Root(), "f")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.PutFile(f, "sub"); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("err = %v, want ErrNotDirectory", err)
	}
}

func TestSubdirPath(t *testing.T) {
	w := newTreeWriter(t)

	n1, err := w.SubdirPath("/a//b/c/")
	if err != nil {
		t.Fatal(err)
	}
	n2, err := w.SubdirPath("a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	if n1 != n2 {
		t.Error("equivalent paths resolved to different nodes")
	}

	root, err := w.SubdirPath("/")
	if err != nil {
		t.Fatal(err)
	}
	if root != w.Root() {
		t.Error("empty path did not address the root")
	}
}

func TestPutFilePathCreatesParents(t *testing.T) {
	w := newTreeWriter(t)

	if _, err := w.PutFilePath("a/b/c/leaf"); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"a", "a/b", "a/b/c"} {
		n, err := w.SubdirPath(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if n.typ != DirType {
			t.Errorf("%s is not a directory", p)
		}
	}
}

func TestPutLeafPathEmpty(t *testing.T) {
	w := newTreeWriter(t)

	for _, p := range []string{"", "/", "///"} {
		if _, err := w.PutFilePath(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("PutFilePath(%q): err = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestEntryNameLength(t *testing.T) {
	w := newTreeWriter(t)

	ok := strings.Repeat("n", 256)
	if _, err := w.PutFile(w.Root(), ok); err != nil {
		t.Errorf("name of 256 bytes rejected: %v", err)
	}

	long := strings.Repeat("n", 257)
	if _, err := w.PutFile(w.Root(), long); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("name of 257 bytes: err = %v, want ErrNameTooLong", err)
	}
}

func TestPutDeviceTypes(t *testing.T) {
	w := newTreeWriter(t)

	if _, err := w.PutDevice(w.Root(), "blk", BlockDevType, 0x0801); err != nil {
		t.Fatal(err)
	}
	if _, err := w.PutDevice(w.Root(), "bad", FileType, 0); err == nil {
		t.Error("PutDevice accepted a non-device type")
	}
	if _, err := w.PutIPC(w.Root(), "fifo", FifoType); err != nil {
		t.Fatal(err)
	}
	if _, err := w.PutIPC(w.Root(), "bad", DirType); err == nil {
		t.Error("PutIPC accepted a non-ipc type")
	}
}
