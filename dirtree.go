package sqsh

import (
	"hash"
	"hash/adler32"
	"strings"
)

const (
	// xattrNone marks an inode without extended attributes.
	xattrNone = 0xffffffff
	// fragNone marks a regular file whose tail is not in a fragment.
	fragNone = 0xffffffff

	maxNameLen = 256
)

// Node is one entry of the in-memory tree an image is built from. Nodes
// are created through the Writer's tree operations and carry the metadata
// that ends up in their inode.
type Node struct {
	typ   Type
	mode  uint16
	uid   uint32
	gid   uint32
	mtime uint32
	xattr uint32
	nlink uint32

	ino       uint32
	inodeAddr metaAddress

	// DIR
	entries     []dirEntry
	dtableStart metaAddress
	filesize    uint32

	// REG
	reg *regFile

	// SYM
	target string

	// BLK, CHR
	rdev uint32
}

type dirEntry struct {
	name string
	node *Node
}

// fragRef is shared between all files whose tail went into the same
// fragment block; the index is filled in when the fragment is flushed
// (or redirected, when dedup finds an identical block already written).
type fragRef struct {
	index uint32
}

// regFile is the builder state of a regular file.
type regFile struct {
	list       blockList
	fileSize   uint64
	sparse     uint64
	nblocks    int
	frag       *fragRef
	fragOffset uint32

	// content fingerprint, only kept when dedup is enabled
	sum hash.Hash32
}

// Type returns the node's inode type.
func (n *Node) Type() Type { return n.typ }

// SetMode sets the permission bits (setuid/setgid/sticky included).
func (n *Node) SetMode(mode uint16) { n.mode = mode & 07777 }

func (n *Node) SetUID(uid uint32)     { n.uid = uid }
func (n *Node) SetGID(gid uint32)     { n.gid = gid }
func (n *Node) SetMTime(mtime uint32) { n.mtime = mtime }

// SetXattr records the index of the node's extended attribute block, or
// 0xffffffff for none.
func (n *Node) SetXattr(xattr uint32) { n.xattr = xattr }

func (n *Node) lookup(name string) *dirEntry {
	// linear scan; directories are usually small
	for i := range n.entries {
		if n.entries[i].name == name {
			return &n.entries[i]
		}
	}
	return nil
}

func (w *Writer) newNode(typ Type) *Node {
	n := &Node{
		typ:   typ,
		mode:  0644,
		mtime: w.modTime,
		xattr: xattrNone,
		nlink: 1,
	}
	switch typ {
	case DirType:
		n.mode = 0755
	case FileType:
		n.reg = &regFile{frag: nil}
		if w.dedup {
			n.reg.sum = adler32.New()
		}
	}
	return n
}

// Root returns the image's root directory.
func (w *Writer) Root() *Node {
	return w.root
}

func checkEntryName(name string) error {
	if name == "" {
		return ErrInvalidPath
	}
	if len(name) > maxNameLen {
		return ErrNameTooLong
	}
	return nil
}

// Subdir returns the directory called name under parent, creating it if
// needed. An existing entry of another type is a conflict.
func (w *Writer) Subdir(parent *Node, name string) (*Node, error) {
	if parent == nil || parent.typ != DirType {
		return nil, ErrNotDirectory
	}
	if err := checkEntryName(name); err != nil {
		return nil, err
	}

	if e := parent.lookup(name); e != nil {
		if e.node.typ != DirType {
			return nil, ErrConflict
		}
		return e.node, nil
	}

	n := w.newNode(DirType)
	parent.entries = append(parent.entries, dirEntry{name: name, node: n})
	return n, nil
}

// putLeaf creates or replaces the named leaf under parent. Replacing an
// entry of the same type reinitializes it; replacing across types is a
// conflict.
func (w *Writer) putLeaf(parent *Node, name string, typ Type) (*Node, error) {
	if parent == nil || parent.typ != DirType {
		return nil, ErrNotDirectory
	}
	if err := checkEntryName(name); err != nil {
		return nil, err
	}

	n := w.newNode(typ)
	if e := parent.lookup(name); e != nil {
		if e.node.typ != typ {
			return nil, ErrConflict
		}
		e.node = n
		return n, nil
	}
	parent.entries = append(parent.entries, dirEntry{name: name, node: n})
	return n, nil
}

// PutFile creates or replaces a regular file under parent. Content is
// appended with Append and sealed with FinishFile.
func (w *Writer) PutFile(parent *Node, name string) (*Node, error) {
	return w.putLeaf(parent, name, FileType)
}

// PutSymlink creates or replaces a symbolic link under parent.
func (w *Writer) PutSymlink(parent *Node, name, target string) (*Node, error) {
	n, err := w.putLeaf(parent, name, SymlinkType)
	if err != nil {
		return nil, err
	}
	n.target = target
	return n, nil
}

// PutDevice creates or replaces a device node under parent. typ must be
// BlockDevType or CharDevType.
func (w *Writer) PutDevice(parent *Node, name string, typ Type, rdev uint32) (*Node, error) {
	if typ != BlockDevType && typ != CharDevType {
		return nil, ErrConflict
	}
	n, err := w.putLeaf(parent, name, typ)
	if err != nil {
		return nil, err
	}
	n.rdev = rdev
	return n, nil
}

// PutIPC creates or replaces a fifo or socket under parent. typ must be
// FifoType or SocketType.
func (w *Writer) PutIPC(parent *Node, name string, typ Type) (*Node, error) {
	if typ != FifoType && typ != SocketType {
		return nil, ErrConflict
	}
	return w.putLeaf(parent, name, typ)
}

// splitPath returns the path's components, skipping empty and "." ones.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" && p != "." {
			out = append(out, p)
		}
	}
	return out
}

// SubdirPath returns the directory at path below the root, creating every
// missing component. Empty components are skipped, so "a//b/" addresses
// the same directory as "a/b".
func (w *Writer) SubdirPath(path string) (*Node, error) {
	cur := w.root
	for _, name := range splitPath(path) {
		var err error
		cur, err = w.Subdir(cur, name)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// putLeafPath places a leaf at path, creating intermediate directories.
func (w *Writer) putLeafPath(path string, put func(parent *Node, name string) (*Node, error)) (*Node, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, ErrInvalidPath
	}
	parent := w.root
	for _, name := range parts[:len(parts)-1] {
		var err error
		parent, err = w.Subdir(parent, name)
		if err != nil {
			return nil, err
		}
	}
	return put(parent, parts[len(parts)-1])
}

// PutFilePath creates a regular file at path below the root.
func (w *Writer) PutFilePath(path string) (*Node, error) {
	return w.putLeafPath(path, w.PutFile)
}

// PutSymlinkPath creates a symbolic link at path below the root.
func (w *Writer) PutSymlinkPath(path, target string) (*Node, error) {
	return w.putLeafPath(path, func(parent *Node, name string) (*Node, error) {
		return w.PutSymlink(parent, name, target)
	})
}

// PutDevicePath creates a device node at path below the root.
func (w *Writer) PutDevicePath(path string, typ Type, rdev uint32) (*Node, error) {
	return w.putLeafPath(path, func(parent *Node, name string) (*Node, error) {
		return w.PutDevice(parent, name, typ, rdev)
	})
}

// PutIPCPath creates a fifo or socket at path below the root.
func (w *Writer) PutIPCPath(path string, typ Type) (*Node, error) {
	return w.putLeafPath(path, func(parent *Node, name string) (*Node, error) {
		return w.PutIPC(parent, name, typ)
	})
}
