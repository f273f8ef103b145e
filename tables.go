package sqsh

import (
	"io"
	"sort"
)

// dirFilesizeSeed is the conventional base value of a directory inode's
// filesize field, accounting for the implicit "." entries.
const dirFilesizeSeed = 3

func within16(a, b uint32) bool {
	diff := int64(b) - int64(a)
	return diff < 0x7fff && diff >= -0x8000
}

// sortAndNumber sorts every directory's entries by name and assigns inode
// numbers in DFS post-order, so a child's number is always lower than its
// parent's and the root's is the highest.
func (w *Writer) sortAndNumber(n *Node) {
	if n.typ == DirType {
		sort.Slice(n.entries, func(i, j int) bool {
			return n.entries[i].name < n.entries[j].name
		})
		for i := range n.entries {
			w.sortAndNumber(n.entries[i].node)
		}
	}
	n.ino = w.nextIno
	w.nextIno++
}

// writeDirtree serializes the whole tree into the inode and dentry
// streams and records the root inode reference.
func (w *Writer) writeDirtree() error {
	w.sortAndNumber(w.root)

	// the root's parent inode number is one past the last assigned number
	if err := w.writeInode(w.root, w.nextIno); err != nil {
		return err
	}
	w.super.rootInode = w.root.inodeAddr.ref()

	if err := w.inodeWriter.writeBlockNoPad(); err != nil {
		return err
	}
	return w.dentryWriter.writeBlockNoPad()
}

func (w *Writer) inodeCommon(b *lebuf, n *Node) error {
	uidIdx, err := w.ids.lookup(n.uid)
	if err != nil {
		return err
	}
	gidIdx, err := w.ids.lookup(n.gid)
	if err != nil {
		return err
	}

	b.u16(uint16(n.typ.Extended()))
	b.u16(n.mode)
	b.u16(uidIdx)
	b.u16(gidIdx)
	b.u32(n.mtime)
	b.u32(n.ino)
	return nil
}

// writeInode emits n's inode (children first for directories). Every
// inode starts with the 16 common bytes; the short form is selected by
// patching the type field back to the basic value.
func (w *Writer) writeInode(n *Node, parentIno uint32) error {
	if n.typ == DirType {
		for i := range n.entries {
			if err := w.writeInode(n.entries[i].node, n.ino); err != nil {
				return err
			}
		}
	}

	b := newLebuf(56)
	hasXattr := n.xattr != xattrNone

	switch n.typ {
	case DirType:
		if err := w.writeDirtable(n); err != nil {
			return err
		}
		if err := w.inodeCommon(b, n); err != nil {
			return err
		}
		if n.filesize > 0xffff || hasXattr {
			b.u32(n.nlink)
			b.u32(n.filesize)
			b.u32(n.dtableStart.block)
			b.u32(parentIno)
			b.u16(0) // index count
			b.u16(n.dtableStart.offset)
			b.u32(n.xattr)
		} else {
			b.putU16(0, uint16(DirType))
			b.u32(n.dtableStart.block)
			b.u32(n.nlink)
			b.u16(uint16(n.filesize))
			b.u16(n.dtableStart.offset)
			b.u32(parentIno)
		}

	case FileType:
		if err := w.inodeCommon(b, n); err != nil {
			return err
		}
		reg := n.reg
		reg.list.mu.Lock()
		start, sizes := reg.list.start, reg.list.sizes
		reg.list.mu.Unlock()

		fragment := uint32(fragNone)
		if reg.frag != nil {
			fragment = reg.frag.index
		}

		if start > 0xffff || reg.fileSize > 0xffff || n.nlink != 1 || hasXattr {
			b.u64(start)
			b.u64(reg.fileSize)
			b.u64(reg.sparse)
			b.u32(n.nlink)
			b.u32(fragment)
			b.u32(reg.fragOffset)
			b.u32(n.xattr)
		} else {
			b.putU16(0, uint16(FileType))
			b.u32(uint32(start))
			b.u32(fragment)
			b.u32(reg.fragOffset)
			b.u32(uint32(reg.fileSize))
		}

		addr, err := w.inodeWriter.put(b.bytes())
		if err != nil {
			return err
		}
		n.inodeAddr = addr

		// the block size list follows the inode in the same stream
		bl := newLebuf(len(sizes) * 4)
		for _, s := range sizes {
			bl.u32(s)
		}
		_, err = w.inodeWriter.put(bl.bytes())
		return err

	case SymlinkType:
		if err := w.inodeCommon(b, n); err != nil {
			return err
		}
		b.u32(n.nlink)
		b.u32(uint32(len(n.target)))
		b.raw([]byte(n.target))
		if hasXattr {
			b.u32(n.xattr)
		} else {
			b.putU16(0, uint16(SymlinkType))
		}

	case BlockDevType, CharDevType:
		if err := w.inodeCommon(b, n); err != nil {
			return err
		}
		b.u32(n.nlink)
		b.u32(n.rdev)
		if hasXattr {
			b.u32(n.xattr)
		} else {
			b.putU16(0, uint16(n.typ))
		}

	case FifoType, SocketType:
		if err := w.inodeCommon(b, n); err != nil {
			return err
		}
		b.u32(n.nlink)
		if hasXattr {
			b.u32(n.xattr)
		} else {
			b.putU16(0, uint16(n.typ))
		}

	default:
		return ErrInvalidSuper
	}

	addr, err := w.inodeWriter.put(b.bytes())
	if err != nil {
		return err
	}
	n.inodeAddr = addr
	return nil
}

// writeDirtable emits a directory's dentry segments and accumulates its
// filesize and nlink. Entries were sorted by the numbering pass.
func (w *Writer) writeDirtable(n *Node) error {
	addr, err := w.dentryWriter.put(nil)
	if err != nil {
		return err
	}
	n.dtableStart = addr
	n.nlink = 2
	n.filesize = dirFilesizeSeed

	for offset := 0; offset < len(n.entries); {
		if err := w.writeDirtableSegment(n, &offset); err != nil {
			return err
		}
	}
	return nil
}

// writeDirtableSegment emits one dirtable header and the run of entries it
// covers: consecutive entries whose inodes share a metadata block and
// whose numbers stay within a signed 16-bit delta of the first.
func (w *Writer) writeDirtableSegment(n *Node, offset *int) error {
	first := n.entries[*offset].node
	startBlock := first.inodeAddr.block
	baseIno := first.ino

	count := 0
	for _, e := range n.entries[*offset:] {
		if e.node.inodeAddr.block != startBlock || !within16(baseIno, e.node.ino) {
			break
		}
		count++
	}

	hdr := newLebuf(12)
	hdr.u32(uint32(count - 1))
	hdr.u32(startBlock)
	hdr.u32(baseIno)
	if _, err := w.dentryWriter.put(hdr.bytes()); err != nil {
		return err
	}
	n.filesize += 12

	for _, e := range n.entries[*offset : *offset+count] {
		if len(e.name) > maxNameLen {
			return ErrNameTooLong
		}

		b := newLebuf(8 + len(e.name))
		b.u16(e.node.inodeAddr.offset)
		b.u16(uint16(int16(int64(e.node.ino) - int64(baseIno))))
		b.u16(uint16(e.node.typ))
		b.u16(uint16(len(e.name) - 1))
		b.raw([]byte(e.name))
		if _, err := w.dentryWriter.put(b.bytes()); err != nil {
			return err
		}

		n.filesize += uint32(8 + len(e.name))
		if e.node.typ == DirType {
			n.nlink++
		}
	}

	*offset += count
	return nil
}

func (w *Writer) tell() (uint64, error) {
	pos, err := w.out.Seek(0, io.SeekCurrent)
	return uint64(pos), err
}

// writeIndexedTable writes count fixed-size entries (1<<entryLB bytes
// each) as a metadata stream followed by the index array of absolute
// offsets, one per metadata block. start must hold the table's base
// offset on entry and is updated to point at the index array.
func (w *Writer) writeIndexedTable(start *uint64, count int, entryLB uint, entry func(i int, b *lebuf)) error {
	shift := metaBlockSizeLB - entryLB
	mask := (1 << shift) - 1

	mdw := newMetaWriter(w.comp)
	indices := &lebuf{}

	for i := 0; i < count; i++ {
		b := newLebuf(1 << entryLB)
		entry(i, b)
		addr, err := mdw.put(b.bytes())
		if err != nil {
			return err
		}
		if i&mask == 0 {
			indices.u64(*start + uint64(addr.block))
		}
	}

	if count&mask != 0 {
		if err := mdw.writeBlockNoPad(); err != nil {
			return err
		}
	}
	if err := mdw.out(w.out); err != nil {
		return err
	}

	tell, err := w.tell()
	if err != nil {
		return err
	}
	*start = tell

	_, err = w.out.Write(indices.bytes())
	return err
}

// writeTables writes the four trailer tables, capturing each start offset
// for the superblock.
func (w *Writer) writeTables() error {
	var err error
	if w.super.inodeTableStart, err = w.tell(); err != nil {
		return err
	}
	if err = w.inodeWriter.out(w.out); err != nil {
		return err
	}

	if w.super.dirTableStart, err = w.tell(); err != nil {
		return err
	}
	if err = w.dentryWriter.out(w.out); err != nil {
		return err
	}

	if w.super.fragTableStart, err = w.tell(); err != nil {
		return err
	}
	err = w.writeIndexedTable(&w.super.fragTableStart, len(w.fragments), 4, func(i int, b *lebuf) {
		b.u64(w.fragments[i].startBlock)
		b.u32(w.fragments[i].size)
		b.u32(0)
	})
	if err != nil {
		return err
	}

	if w.super.idTableStart, err = w.tell(); err != nil {
		return err
	}
	return w.writeIndexedTable(&w.super.idTableStart, w.ids.count(), 2, func(i int, b *lebuf) {
		b.u32(w.ids.ids[i])
	})
}

// writeHeader pads the image to the 4 KiB boundary, records the final
// size and writes the 96-byte superblock at offset 0.
func (w *Writer) writeHeader() error {
	tell, err := w.tell()
	if err != nil {
		return err
	}
	fill := padSize - tell%padSize
	if _, err := w.out.Write(make([]byte, fill)); err != nil {
		return err
	}

	if w.super.bytesUsed, err = w.tell(); err != nil {
		return err
	}

	b := newLebuf(SuperblockSize)
	b.u32(squashfsMagic)
	b.u32(w.nextIno - 1)
	b.u32(w.modTime)
	b.u32(w.blockSize())
	b.u32(uint32(len(w.fragments)))
	b.u16(uint16(w.comp))
	b.u16(w.blockLog)
	b.u16(0) // flags
	b.u16(uint16(w.ids.count()))
	b.u16(verMajor)
	b.u16(verMinor)
	b.u64(w.super.rootInode)
	b.u64(w.super.bytesUsed)
	b.u64(w.super.idTableStart)
	b.u64(w.super.xattrTableStart)
	b.u64(w.super.inodeTableStart)
	b.u64(w.super.dirTableStart)
	b.u64(w.super.fragTableStart)
	b.u64(w.super.lookupTableStart)

	if _, err := w.out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = w.out.Write(b.bytes())
	return err
}
