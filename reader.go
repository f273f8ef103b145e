package sqsh

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
)

// inodeRef is the packed on-disk form of a metadata address: the metadata
// block offset in bits 16..47 and the intra-block offset in the low 16.
type inodeRef uint64

func (i inodeRef) Index() uint32 {
	return uint32((uint64(i) >> 16) & 0xffffffff)
}

func (i inodeRef) Offset() uint32 {
	return uint32(uint64(i) & 0xffff)
}

func (i inodeRef) String() string {
	return fmt.Sprintf("inodeRef(index=0x%x,offset=0x%x)", i.Index(), i.Offset())
}

// Superblock gives read access to a squashfs image, verifying what the
// Writer produced. It exposes the header fields and implements fs.FS over
// the image content.
type Superblock struct {
	r    io.ReaderAt
	clos io.Closer

	rootIno   *Inode
	idTable   []uint32
	fragTable []fragmentEntry

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              Compression
	BlockLog          uint16
	Flags             uint16
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         inodeRef
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64
}

var _ fs.FS = (*Superblock)(nil)
var _ fs.ReadDirFS = (*Superblock)(nil)
var _ fs.StatFS = (*Superblock)(nil)

// New returns a new instance of Superblock for a given io.ReaderAt that
// can be used to access files inside the squashfs image.
func New(r io.ReaderAt) (*Superblock, error) {
	sb := &Superblock{r: r}

	head := make([]byte, SuperblockSize)
	if _, err := r.ReadAt(head, 0); err != nil {
		return nil, err
	}
	if err := sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}
	if sb.VMajor != verMajor || sb.VMinor != verMinor {
		return nil, ErrInvalidVersion
	}

	if err := sb.readIdTable(); err != nil {
		return nil, err
	}
	if err := sb.readFragTable(); err != nil {
		return nil, err
	}

	root, err := sb.GetInodeRef(sb.RootInode)
	if err != nil {
		return nil, err
	}
	sb.rootIno = root

	return sb, nil
}

// Open returns a new instance of Superblock for a given file. The file is
// closed when Close is called on the superblock.
func Open(file string) (*Superblock, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	sb, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	sb.clos = f
	return sb, nil
}

// Close will close the underlying file when the image was opened with Open.
func (sb *Superblock) Close() error {
	if sb.clos != nil {
		return sb.clos.Close()
	}
	return nil
}

// UnmarshalBinary parses the superblock header.
func (sb *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) != SuperblockSize {
		return ErrInvalidSuper
	}
	if string(data[:4]) != "hsqs" {
		return ErrInvalidFile
	}

	le := binary.LittleEndian
	sb.Magic = le.Uint32(data[0:4])
	sb.InodeCnt = le.Uint32(data[4:8])
	sb.ModTime = int32(le.Uint32(data[8:12]))
	sb.BlockSize = le.Uint32(data[12:16])
	sb.FragCount = le.Uint32(data[16:20])
	sb.Comp = Compression(le.Uint16(data[20:22]))
	sb.BlockLog = le.Uint16(data[22:24])
	sb.Flags = le.Uint16(data[24:26])
	sb.IdCount = le.Uint16(data[26:28])
	sb.VMajor = le.Uint16(data[28:30])
	sb.VMinor = le.Uint16(data[30:32])
	sb.RootInode = inodeRef(le.Uint64(data[32:40]))
	sb.BytesUsed = le.Uint64(data[40:48])
	sb.IdTableStart = le.Uint64(data[48:56])
	sb.XattrIdTableStart = le.Uint64(data[56:64])
	sb.InodeTableStart = le.Uint64(data[64:72])
	sb.DirTableStart = le.Uint64(data[72:80])
	sb.FragTableStart = le.Uint64(data[80:88])
	sb.ExportTableStart = le.Uint64(data[88:96])

	if uint32(1)<<sb.BlockLog != sb.BlockSize {
		return ErrInvalidSuper
	}
	return nil
}

// readMetaBlockAt decodes the single metadata block whose header is at
// off, returning its uncompressed content and the encoded length.
func (sb *Superblock) readMetaBlockAt(off int64) ([]byte, int, error) {
	var hdr [2]byte
	if _, err := sb.r.ReadAt(hdr[:], off); err != nil {
		return nil, 0, err
	}

	lenN := binary.LittleEndian.Uint16(hdr[:])
	stored := lenN&metaUncompressed != 0
	lenN &= 0x7fff

	buf := make([]byte, int(lenN))
	if _, err := sb.r.ReadAt(buf, off+2); err != nil {
		return nil, 0, err
	}
	if !stored {
		var err error
		buf, err = sb.Comp.decompress(buf)
		if err != nil {
			return nil, 0, err
		}
	}
	return buf, 2 + int(lenN), nil
}

// tableReader reads a metadata stream sequentially, decoding blocks as
// needed.
type tableReader struct {
	sb   *Superblock
	buf  []byte
	offt int64
}

func (sb *Superblock) newTableReader(base int64, start int) (*tableReader, error) {
	tr := &tableReader{sb: sb, offt: base}
	if err := tr.readBlock(); err != nil {
		return nil, err
	}
	if start != 0 {
		tr.buf = tr.buf[start:]
	}
	return tr, nil
}

func (t *tableReader) readBlock() error {
	buf, encoded, err := t.sb.readMetaBlockAt(t.offt)
	if err != nil {
		return err
	}
	t.buf = buf
	t.offt += int64(encoded)
	return nil
}

func (t *tableReader) Read(p []byte) (int, error) {
	if t.buf == nil {
		if err := t.readBlock(); err != nil {
			return 0, err
		}
	}

	n := copy(p, t.buf)
	if n == len(t.buf) {
		t.buf = nil
	} else {
		t.buf = t.buf[n:]
	}
	return n, nil
}

// readIndexedEntries loads count fixed-size entries from an indexed table
// whose index array sits at start.
func (sb *Superblock) readIndexedEntries(start uint64, count, entrySize int) ([]byte, error) {
	if count == 0 {
		return nil, nil
	}

	perBlock := metaBlockSize / entrySize
	nblocks := (count + perBlock - 1) / perBlock

	idx := make([]byte, nblocks*8)
	if _, err := sb.r.ReadAt(idx, int64(start)); err != nil {
		return nil, err
	}

	out := make([]byte, 0, count*entrySize)
	for i := 0; i < nblocks; i++ {
		off := binary.LittleEndian.Uint64(idx[i*8:])
		buf, _, err := sb.readMetaBlockAt(int64(off))
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	if len(out) < count*entrySize {
		return nil, ErrInvalidSuper
	}
	return out[:count*entrySize], nil
}

func (sb *Superblock) readIdTable() error {
	buf, err := sb.readIndexedEntries(sb.IdTableStart, int(sb.IdCount), 4)
	if err != nil {
		return err
	}
	sb.idTable = make([]uint32, sb.IdCount)
	for i := range sb.idTable {
		sb.idTable[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

func (sb *Superblock) readFragTable() error {
	buf, err := sb.readIndexedEntries(sb.FragTableStart, int(sb.FragCount), 16)
	if err != nil {
		return err
	}
	sb.fragTable = make([]fragmentEntry, sb.FragCount)
	for i := range sb.fragTable {
		sb.fragTable[i] = fragmentEntry{
			startBlock: binary.LittleEndian.Uint64(buf[i*16:]),
			size:       binary.LittleEndian.Uint32(buf[i*16+8:]),
		}
	}
	return nil
}

// Inode is one decoded inode of an image.
type Inode struct {
	sb *Superblock

	Type    Type
	Perm    uint16
	UidIdx  uint16
	GidIdx  uint16
	ModTime int32
	Ino     uint32

	NLink      uint32
	Size       uint64
	StartBlock uint64
	Offset     uint32 // intra-block dentry offset for directories
	ParentIno  uint32
	Fragment   uint32
	FragOffset uint32
	Xattr      uint32
	Rdev       uint32
	Target     []byte

	blockSizes []uint32
}

// GetInodeRef decodes the inode a reference points at.
func (sb *Superblock) GetInodeRef(ref inodeRef) (*Inode, error) {
	r, err := sb.newTableReader(int64(sb.InodeTableStart)+int64(ref.Index()), int(ref.Offset()))
	if err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	ino := &Inode{sb: sb, Xattr: xattrNone, Fragment: fragNone}

	var common struct {
		Type    uint16
		Mode    uint16
		UidIdx  uint16
		GidIdx  uint16
		ModTime int32
		Ino     uint32
	}
	if err := binary.Read(r, le, &common); err != nil {
		return nil, err
	}
	ino.Type = Type(common.Type)
	ino.Perm = common.Mode
	ino.UidIdx = common.UidIdx
	ino.GidIdx = common.GidIdx
	ino.ModTime = common.ModTime
	ino.Ino = common.Ino

	extended := ino.Type >= 8

	switch ino.Type.Basic() {
	case DirType:
		if extended {
			var d struct {
				NLink    uint32
				Size     uint32
				Start    uint32
				Parent   uint32
				IdxCount uint16
				Offset   uint16
				Xattr    uint32
			}
			if err := binary.Read(r, le, &d); err != nil {
				return nil, err
			}
			ino.NLink = d.NLink
			ino.Size = uint64(d.Size)
			ino.StartBlock = uint64(d.Start)
			ino.ParentIno = d.Parent
			ino.Offset = uint32(d.Offset)
			ino.Xattr = d.Xattr
		} else {
			var d struct {
				Start  uint32
				NLink  uint32
				Size   uint16
				Offset uint16
				Parent uint32
			}
			if err := binary.Read(r, le, &d); err != nil {
				return nil, err
			}
			ino.StartBlock = uint64(d.Start)
			ino.NLink = d.NLink
			ino.Size = uint64(d.Size)
			ino.Offset = uint32(d.Offset)
			ino.ParentIno = d.Parent
		}

	case FileType:
		if extended {
			var f struct {
				Start    uint64
				Size     uint64
				Sparse   uint64
				NLink    uint32
				Fragment uint32
				Offset   uint32
				Xattr    uint32
			}
			if err := binary.Read(r, le, &f); err != nil {
				return nil, err
			}
			ino.StartBlock = f.Start
			ino.Size = f.Size
			ino.NLink = f.NLink
			ino.Fragment = f.Fragment
			ino.FragOffset = f.Offset
			ino.Xattr = f.Xattr
		} else {
			var f struct {
				Start    uint32
				Fragment uint32
				Offset   uint32
				Size     uint32
			}
			if err := binary.Read(r, le, &f); err != nil {
				return nil, err
			}
			ino.StartBlock = uint64(f.Start)
			ino.Fragment = f.Fragment
			ino.FragOffset = f.Offset
			ino.Size = uint64(f.Size)
			ino.NLink = 1
		}

		// the block size list follows the inode
		nblocks := int(ino.Size / uint64(sb.BlockSize))
		if ino.Fragment == fragNone {
			nblocks = int((ino.Size + uint64(sb.BlockSize) - 1) / uint64(sb.BlockSize))
		}
		ino.blockSizes = make([]uint32, nblocks)
		if err := binary.Read(r, le, &ino.blockSizes); err != nil {
			return nil, err
		}

	case SymlinkType:
		var s struct {
			NLink uint32
			TLen  uint32
		}
		if err := binary.Read(r, le, &s); err != nil {
			return nil, err
		}
		ino.NLink = s.NLink
		ino.Size = uint64(s.TLen)
		ino.Target = make([]byte, s.TLen)
		if _, err := io.ReadFull(r, ino.Target); err != nil {
			return nil, err
		}
		if extended {
			if err := binary.Read(r, le, &ino.Xattr); err != nil {
				return nil, err
			}
		}

	case BlockDevType, CharDevType:
		var d struct {
			NLink uint32
			Rdev  uint32
		}
		if err := binary.Read(r, le, &d); err != nil {
			return nil, err
		}
		ino.NLink = d.NLink
		ino.Rdev = d.Rdev
		if extended {
			if err := binary.Read(r, le, &ino.Xattr); err != nil {
				return nil, err
			}
		}

	case FifoType, SocketType:
		if err := binary.Read(r, le, &ino.NLink); err != nil {
			return nil, err
		}
		if extended {
			if err := binary.Read(r, le, &ino.Xattr); err != nil {
				return nil, err
			}
		}

	default:
		return nil, ErrInvalidSuper
	}

	return ino, nil
}

func (i *Inode) IsDir() bool {
	return i.Type.IsDir()
}

// Mode returns the inode's type and permission bits as a fs.FileMode.
func (i *Inode) Mode() fs.FileMode {
	return i.Type.Mode() | UnixToMode(uint32(i.Perm))
}

// Uid resolves the inode's owner through the id table.
func (i *Inode) Uid() uint32 {
	return i.sb.idTable[i.UidIdx]
}

// Gid resolves the inode's group through the id table.
func (i *Inode) Gid() uint32 {
	return i.sb.idTable[i.GidIdx]
}

// Readlink returns the target of a symbolic link inode.
func (i *Inode) Readlink() ([]byte, error) {
	if !i.Type.IsSymlink() {
		return nil, fs.ErrInvalid
	}
	return i.Target, nil
}

func (i *Inode) lookupRelativeInode(name string) (*Inode, error) {
	if !i.IsDir() {
		return nil, ErrNotDirectory
	}

	dr, err := i.sb.dirReader(i)
	if err != nil {
		return nil, err
	}
	for {
		ename, ref, err := dr.next()
		if err == io.EOF {
			return nil, fs.ErrNotExist
		}
		if err != nil {
			return nil, err
		}
		if ename == name {
			return i.sb.GetInodeRef(ref)
		}
	}
}

// FindInode returns the inode for a given path below the root.
func (sb *Superblock) FindInode(name string, followSymlinks bool) (*Inode, error) {
	return sb.FindInodeAt(sb.rootIno, name, followSymlinks)
}

// FindInodeAt returns an inode for a path starting at a given directory
// inode. Symlinks along the path are always followed; the final component
// is only resolved when followSymlinks is set.
func (sb *Superblock) FindInodeAt(cur *Inode, name string, followSymlinks bool) (*Inode, error) {
	parent := cur
	redirects := 40

	for {
		if len(name) == 0 || name == "." {
			return cur, nil
		}
		pos := strings.IndexByte(name, '/')
		if pos == -1 {
			res, err := cur.lookupRelativeInode(name)
			if err != nil {
				return nil, err
			}
			if !followSymlinks || !res.Type.IsSymlink() {
				return res, nil
			}
			if redirects == 0 {
				return nil, ErrTooManySymlinks
			}
			redirects--
			sym := res.Target
			if len(sym) == 0 || sym[0] == '/' {
				return nil, fs.ErrInvalid
			}
			cur = parent
			name = string(sym)
			continue
		}
		if pos == 0 {
			name = name[1:]
			continue
		}

		t, err := cur.lookupRelativeInode(name[:pos])
		if err != nil {
			return nil, err
		}
		if t.Type.IsSymlink() {
			if redirects == 0 {
				return nil, ErrTooManySymlinks
			}
			redirects--
			sym := t.Target
			if len(sym) == 0 || sym[0] == '/' {
				return nil, fs.ErrInvalid
			}
			name = string(sym) + name[pos:]
			continue
		}
		if !t.IsDir() {
			return nil, ErrNotDirectory
		}

		parent = cur
		cur = t
		name = name[pos+1:]
	}
}

// Open returns a fs.File for a given path, which can be a different
// object depending if the file is a regular file or a directory.
func (sb *Superblock) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := sb.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return ino.OpenFile(path.Base(name)), nil
}

// Readlink allows reading the value of a symbolic link inside the image.
func (sb *Superblock) Readlink(name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := sb.FindInode(name, false)
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}
	res, err := ino.Readlink()
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}
	return string(res), nil
}

// ReadDir implements fs.ReadDirFS and allows listing any directory inside the image.
func (sb *Superblock) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := sb.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	if !ino.IsDir() {
		return nil, fs.ErrInvalid
	}
	dr, err := sb.dirReader(ino)
	if err != nil {
		return nil, err
	}
	return dr.ReadDir(0)
}

// Stat will return stats for a given path inside the image.
func (sb *Superblock) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := sb.FindInode(name, true)
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: path.Base(name), ino: ino}, nil
}

// Lstat will return stats for a given path inside the image. If the
// target is a symbolic link, data on the link itself will be returned.
func (sb *Superblock) Lstat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "lstat", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := sb.FindInode(name, false)
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: path.Base(name), ino: ino}, nil
}
