package sqsh

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// SuperblockSize is the size of the squashfs header.
	SuperblockSize = 96

	squashfsMagic = 0x73717368
	verMajor      = 4
	verMinor      = 0

	padSize = 4096

	defaultBlockLog = 17
	minBlockLog     = 12
	maxBlockLog     = 20

	tableNotPresent = 0xffffffffffffffff
)

// OutputFile is the destination an image is written to. *os.File satisfies
// it; reading back and truncation are needed by the dedup paths and the
// final header rewrite.
type OutputFile interface {
	io.Writer
	io.Seeker
	io.ReaderAt
	Truncate(size int64) error
}

// sqfsSuper collects the superblock fields that are only known once the
// trailer tables have been written.
type sqfsSuper struct {
	rootInode        uint64
	bytesUsed        uint64
	idTableStart     uint64
	xattrTableStart  uint64
	inodeTableStart  uint64
	dirTableStart    uint64
	fragTableStart   uint64
	lookupTableStart uint64
}

// Writer builds SquashFS filesystem images. Entries are added through the
// tree operations, file content is streamed through Append/FinishFile, and
// Finalize serializes inodes, directories and the trailer tables around
// the already-written data blocks.
//
// All tree operations and content writes must come from a single
// goroutine; unless single-threaded mode is selected, each block is
// compressed on its own goroutine and block output runs on a writer
// goroutine.
type Writer struct {
	out   OutputFile
	outMu sync.Mutex
	clos  io.Closer

	comp           Compression
	blockLog       uint16
	modTime        uint32
	dedup          bool
	singleThreaded bool

	root    *Node
	nextIno uint32

	curBlock    []byte
	curFragment []byte
	curFragRef  *fragRef
	fragCount   uint32

	fragMu    sync.Mutex
	fragCond  *sync.Cond
	fragments []fragmentEntry

	queue      *writeQueue
	workerDone chan struct{}
	failed     atomic.Bool
	finished   bool
	finalized  bool

	ids          *idTable
	inodeWriter  *metaWriter
	dentryWriter *metaWriter
	super        sqfsSuper

	tailDups  map[fragKey][]tailRef
	fragDups  map[fragKey][]uint32
	blockDups map[blockKey]*regFile
}

// WriterOption configures a Writer
type WriterOption func(*Writer) error

// WithBlockLog sets the base-2 logarithm of the data block size (default
// 17, ie. 128 KiB blocks; valid range 12..20).
func WithBlockLog(blockLog uint16) WriterOption {
	return func(w *Writer) error {
		if blockLog < minBlockLog || blockLog > maxBlockLog {
			return ErrInvalidBlockLog
		}
		w.blockLog = blockLog
		return nil
	}
}

// WithBlockSize sets the data block size, which must be a power of two
// between 4 KiB and 1 MiB.
func WithBlockSize(size uint32) WriterOption {
	return func(w *Writer) error {
		for lb := uint16(minBlockLog); lb <= maxBlockLog; lb++ {
			if size == 1<<lb {
				w.blockLog = lb
				return nil
			}
		}
		return ErrInvalidBlockLog
	}
}

// WithCompression sets the compression type (default: GZip)
func WithCompression(comp Compression) WriterOption {
	return func(w *Writer) error {
		w.comp = comp
		return nil
	}
}

// WithModTime sets the filesystem modification time. The default is 0 (the
// Unix epoch), keeping images reproducible.
func WithModTime(t time.Time) WriterOption {
	return func(w *Writer) error {
		w.modTime = uint32(t.Unix())
		return nil
	}
}

// WithDedup enables content deduplication of data blocks and fragment
// tails.
func WithDedup() WriterOption {
	return func(w *Writer) error {
		w.dedup = true
		return nil
	}
}

// WithSingleThread disables the writer goroutine; compression and output
// happen inline on the calling goroutine.
func WithSingleThread() WriterOption {
	return func(w *Writer) error {
		w.singleThreaded = true
		return nil
	}
}

// Create creates a SquashFS image at path. The file is closed by Close.
func Create(path string, opts ...WriterOption) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.clos = f
	return w, nil
}

// NewWriter creates a SquashFS writer targeting out. Writing starts right
// after the superblock area, which is filled in by Finalize.
func NewWriter(out OutputFile, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		out:      out,
		comp:     GZip,
		blockLog: defaultBlockLog,
		nextIno:  1,
		ids:      newIDTable(),
		super: sqfsSuper{
			xattrTableStart:  tableNotPresent,
			lookupTableStart: tableNotPresent,
		},
	}
	w.fragCond = sync.NewCond(&w.fragMu)

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}

	w.root = w.newNode(DirType)
	w.curBlock = make([]byte, 0, w.blockSize())
	w.curFragment = make([]byte, 0, w.blockSize())
	w.inodeWriter = newMetaWriter(w.comp)
	w.dentryWriter = newMetaWriter(w.comp)

	if w.dedup {
		w.tailDups = make(map[fragKey][]tailRef)
		w.fragDups = make(map[fragKey][]uint32)
		w.blockDups = make(map[blockKey]*regFile)
	}

	if _, err := out.Seek(SuperblockSize, io.SeekStart); err != nil {
		return nil, err
	}

	if !w.singleThreaded {
		w.queue = newWriteQueue()
		w.workerDone = make(chan struct{})
		go w.writerThread()
	}

	return w, nil
}

func (w *Writer) blockSize() uint32 {
	return 1 << w.blockLog
}

func (w *Writer) setFailed() {
	w.failed.Store(true)
	// wake dedup waiters stuck on a fragment that will never land
	w.fragMu.Lock()
	w.fragCond.Broadcast()
	w.fragMu.Unlock()
}

// writerThread drains the queue until finish. A failed write poisons the
// writer but the queue keeps draining so the producer never blocks.
func (w *Writer) writerThread() {
	defer close(w.workerDone)
	for {
		p, ok := w.queue.pop()
		if !ok {
			return
		}
		if err := p.handleWrite(w); err != nil {
			w.setFailed()
		}
	}
}

// finishData flushes the pending fragment, closes the queue and joins the
// writer goroutine. Idempotent; later calls only report the sticky
// failure state.
func (w *Writer) finishData() error {
	if !w.finished {
		w.finished = true
		if err := w.flushFragment(); err != nil {
			w.setFailed()
		}
		if !w.singleThreaded {
			w.queue.finish()
			<-w.workerDone
		}
	}
	if w.failed.Load() {
		return ErrWriterFailed
	}
	return nil
}

// Finalize ends the build: it completes the data region, walks the tree
// writing inodes and directories, appends the trailer tables and writes
// the superblock. The Writer cannot be used afterwards.
func (w *Writer) Finalize() error {
	if w.finalized {
		return ErrFinalized
	}
	w.finalized = true

	if err := w.finishData(); err != nil {
		return err
	}
	if err := w.writeDirtree(); err != nil {
		w.setFailed()
		return fmt.Errorf("writing inode tables: %w", err)
	}
	if err := w.writeTables(); err != nil {
		w.setFailed()
		return fmt.Errorf("writing trailer tables: %w", err)
	}
	if err := w.writeHeader(); err != nil {
		w.setFailed()
		return fmt.Errorf("writing superblock: %w", err)
	}
	return nil
}

// Close releases the writer. If Finalize has not run, pending work is
// drained into the output, which is not a valid image in that case.
func (w *Writer) Close() error {
	err := w.finishData()
	if w.clos != nil {
		if cerr := w.clos.Close(); err == nil {
			err = cerr
		}
		w.clos = nil
	}
	return err
}

// readLinkFS mirrors the io/fs.ReadLinkFS interface (added in Go 1.25) so
// AddFS can detect symlink support via structural typing on toolchains
// whose io/fs package predates that interface.
type readLinkFS interface {
	fs.FS
	ReadLink(name string) (string, error)
	Lstat(name string) (fs.FileInfo, error)
}

// AddFS copies an entire fs.FS into the image below the root directory.
// Symbolic links are preserved when fsys implements fs.ReadLinkFS.
func (w *Writer) AddFS(fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var n *Node
		switch {
		case d.IsDir():
			n, err = w.SubdirPath(path)
		case info.Mode()&fs.ModeSymlink != 0:
			rl, ok := fsys.(readLinkFS)
			if !ok {
				return nil
			}
			target, rerr := rl.ReadLink(path)
			if rerr != nil {
				return rerr
			}
			n, err = w.PutSymlinkPath(path, target)
		case info.Mode().IsRegular():
			n, err = w.PutFilePath(path)
			if err == nil {
				err = w.copyFile(n, fsys, path)
			}
		default:
			return nil
		}
		if err != nil {
			return err
		}

		n.SetMode(uint16(ModeToUnix(info.Mode()) & 07777))
		if mt := info.ModTime(); !mt.IsZero() {
			n.SetMTime(uint32(mt.Unix()))
		}
		return nil
	})
}

func (w *Writer) copyFile(n *Node, fsys fs.FS, path string) error {
	f, err := fsys.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		c, err := f.Read(buf)
		if c > 0 {
			if werr := w.Append(n, buf[:c]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return w.FinishFile(n)
}
