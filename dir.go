package sqsh

import (
	"encoding/binary"
	"io"
	"io/fs"
	"sort"
)

// dirReader iterates the dentry segments of one directory. The directory
// inode's size covers the conventional seed bytes, so the stream ends
// once only those seed bytes remain.
type dirReader struct {
	sb *Superblock
	r  *io.LimitedReader

	count, startBlock, inodeNum uint32
}

func (sb *Superblock) dirReader(i *Inode) (*dirReader, error) {
	tbl, err := sb.newTableReader(int64(sb.DirTableStart)+int64(i.StartBlock), int(i.Offset))
	if err != nil {
		return nil, err
	}

	return &dirReader{
		sb: sb,
		r:  &io.LimitedReader{R: tbl, N: int64(i.Size)},
	}, nil
}

func (dr *dirReader) next() (string, inodeRef, error) {
	if dr.r.N <= int64(dirFilesizeSeed) {
		return "", 0, io.EOF
	}

	if dr.count == 0 {
		if err := dr.readHeader(); err != nil {
			return "", 0, err
		}
	}

	le := binary.LittleEndian
	var e struct {
		Offset  uint16
		InoDiff int16
		Type    uint16
		NameLen uint16
	}
	if err := binary.Read(dr.r, le, &e); err != nil {
		return "", 0, err
	}

	name := make([]byte, int(e.NameLen)+1)
	if _, err := io.ReadFull(dr.r, name); err != nil {
		return "", 0, err
	}

	dr.count--

	ref := inodeRef(uint64(dr.startBlock)<<16 | uint64(e.Offset))
	return string(name), ref, nil
}

func (dr *dirReader) readHeader() error {
	le := binary.LittleEndian
	var h struct {
		Count      uint32
		StartBlock uint32
		InodeNum   uint32
	}
	if err := binary.Read(dr.r, le, &h); err != nil {
		return err
	}

	dr.count = h.Count + 1
	dr.startBlock = h.StartBlock
	dr.inodeNum = h.InodeNum
	return nil
}

// ReadDir reads up to n entries, or all of them when n <= 0, in directory
// order (the writer sorts entries by name).
func (dr *dirReader) ReadDir(n int) ([]fs.DirEntry, error) {
	var out []fs.DirEntry

	for n <= 0 || len(out) < n {
		name, ref, err := dr.next()
		if err == io.EOF {
			if n > 0 && len(out) == 0 {
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &dirEntryRef{sb: dr.sb, name: name, ref: ref})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// dirEntryRef defers inode decoding until Info is called.
type dirEntryRef struct {
	sb   *Superblock
	name string
	ref  inodeRef
	ino  *Inode
}

var _ fs.DirEntry = (*dirEntryRef)(nil)

func (d *dirEntryRef) inode() (*Inode, error) {
	if d.ino == nil {
		ino, err := d.sb.GetInodeRef(d.ref)
		if err != nil {
			return nil, err
		}
		d.ino = ino
	}
	return d.ino, nil
}

func (d *dirEntryRef) Name() string {
	return d.name
}

func (d *dirEntryRef) IsDir() bool {
	ino, err := d.inode()
	return err == nil && ino.IsDir()
}

func (d *dirEntryRef) Type() fs.FileMode {
	ino, err := d.inode()
	if err != nil {
		return fs.ModeIrregular
	}
	return ino.Type.Mode()
}

func (d *dirEntryRef) Info() (fs.FileInfo, error) {
	ino, err := d.inode()
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: d.name, ino: ino}, nil
}
