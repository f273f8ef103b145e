package sqsh

import (
	"io"
	"io/fs"
	"time"
)

// File is a convenience object allowing using an inode as if it was a regular file
type File struct {
	*io.SectionReader
	ino  *Inode
	name string
}

// FileDir is a convenience object allowing using a dir inode as if it was a regular file
type FileDir struct {
	ino  *Inode
	name string
	r    *dirReader
}

type fileinfo struct {
	ino  *Inode
	name string
}

var _ fs.File = (*File)(nil)
var _ io.ReaderAt = (*File)(nil)

var _ fs.ReadDirFile = (*FileDir)(nil)

var _ fs.FileInfo = (*fileinfo)(nil)

// OpenFile returns a fs.File for a given inode. If the file is a directory,
// the returned object will implement fs.ReadDirFile. If it is a regular
// file it will also implement io.Seeker.
func (ino *Inode) OpenFile(name string) fs.File {
	if ino.IsDir() {
		return &FileDir{ino: ino, name: name}
	}
	sec := io.NewSectionReader(ino, 0, int64(ino.Size))
	return &File{SectionReader: sec, ino: ino, name: name}
}

// ReadAt reads file content, locating each position in its data block or
// in the file's tail fragment and decompressing as needed.
func (i *Inode) ReadAt(p []byte, off int64) (int, error) {
	if i.Type.Basic() != FileType {
		return 0, fs.ErrInvalid
	}
	if off < 0 || uint64(off) >= i.Size {
		return 0, io.EOF
	}

	blockSize := uint64(i.sb.BlockSize)
	done := 0

	for done < len(p) && uint64(off) < i.Size {
		bi := uint64(off) / blockSize
		data, err := i.blockData(bi)
		if err != nil {
			return done, err
		}

		inBlock := int(uint64(off) % blockSize)
		if inBlock >= len(data) {
			return done, io.EOF
		}
		n := copy(p[done:], data[inBlock:])
		done += n
		off += int64(n)
	}

	if done < len(p) {
		return done, io.EOF
	}
	return done, nil
}

// blockData returns the uncompressed content of the file's bi'th block, a
// tail fragment slice included.
func (i *Inode) blockData(bi uint64) ([]byte, error) {
	if bi < uint64(len(i.blockSizes)) {
		off := i.StartBlock
		for _, s := range i.blockSizes[:bi] {
			off += uint64(s &^ blockUncompressed)
		}
		return i.sb.readDataBlock(off, i.blockSizes[bi])
	}

	if i.Fragment == fragNone || i.Fragment >= uint32(len(i.sb.fragTable)) {
		return nil, ErrInvalidSuper
	}
	e := i.sb.fragTable[i.Fragment]
	frag, err := i.sb.readDataBlock(e.startBlock, e.size)
	if err != nil {
		return nil, err
	}

	tailLen := i.Size - uint64(len(i.blockSizes))*uint64(i.sb.BlockSize)
	start := uint64(i.FragOffset)
	if start+tailLen > uint64(len(frag)) {
		return nil, ErrInvalidSuper
	}
	return frag[start : start+tailLen], nil
}

// readDataBlock reads a data or fragment block from the image and returns
// its uncompressed content. size carries the blockUncompressed flag.
func (sb *Superblock) readDataBlock(off uint64, size uint32) ([]byte, error) {
	buf := make([]byte, size&^blockUncompressed)
	if _, err := sb.r.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	if size&blockUncompressed == 0 {
		return sb.Comp.decompress(buf)
	}
	return buf, nil
}

// (File)

func (f *File) Stat() (fs.FileInfo, error) {
	return &fileinfo{name: f.name, ino: f.ino}, nil
}

func (f *File) Close() error {
	return nil
}

// (FileDir)

func (d *FileDir) Read(p []byte) (int, error) {
	return 0, fs.ErrInvalid
}

func (d *FileDir) Stat() (fs.FileInfo, error) {
	return &fileinfo{name: d.name, ino: d.ino}, nil
}

func (d *FileDir) Close() error {
	d.r = nil
	return nil
}

func (d *FileDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.r == nil {
		dr, err := d.ino.sb.dirReader(d.ino)
		if err != nil {
			return nil, err
		}
		d.r = dr
	}
	return d.r.ReadDir(n)
}

// (fileinfo)

func (fi *fileinfo) Name() string {
	return fi.name
}

func (fi *fileinfo) Size() int64 {
	return int64(fi.ino.Size)
}

func (fi *fileinfo) Mode() fs.FileMode {
	return fi.ino.Mode()
}

func (fi *fileinfo) ModTime() time.Time {
	return time.Unix(int64(fi.ino.ModTime), 0)
}

func (fi *fileinfo) IsDir() bool {
	return fi.ino.IsDir()
}

func (fi *fileinfo) Sys() any {
	return fi.ino
}
