package sqsh

import (
	"io/fs"
)

// squashfs stores linux mode bits, so conversion to and from fs.FileMode
// follows the linux stat layout.

const (
	S_IFMT   = 0xf000
	S_IFREG  = 0x8000
	S_IFDIR  = 0x4000
	S_IFBLK  = 0x6000
	S_IFCHR  = 0x2000
	S_IFIFO  = 0x1000
	S_IFLNK  = 0xa000
	S_IFSOCK = 0xc000

	S_ISVTX = 0x200
	S_ISGID = 0x400
	S_ISUID = 0x800
)

var modeFlags = []struct {
	unix uint32
	mode fs.FileMode
}{
	{S_ISGID, fs.ModeSetgid},
	{S_ISUID, fs.ModeSetuid},
	{S_ISVTX, fs.ModeSticky},
}

// UnixToMode converts linux mode bits as found in a squashfs image into a
// fs.FileMode.
func UnixToMode(mode uint32) fs.FileMode {
	res := fs.FileMode(mode & 0777)

	switch mode & S_IFMT {
	case S_IFCHR:
		res |= fs.ModeDevice | fs.ModeCharDevice
	case S_IFBLK:
		res |= fs.ModeDevice
	case S_IFDIR:
		res |= fs.ModeDir
	case S_IFIFO:
		res |= fs.ModeNamedPipe
	case S_IFLNK:
		res |= fs.ModeSymlink
	case S_IFSOCK:
		res |= fs.ModeSocket
	}

	for _, f := range modeFlags {
		if mode&f.unix == f.unix {
			res |= f.mode
		}
	}

	return res
}

// ModeToUnix converts a fs.FileMode into linux mode bits.
func ModeToUnix(mode fs.FileMode) uint32 {
	res := uint32(mode.Perm())

	switch {
	case mode&fs.ModeCharDevice == fs.ModeCharDevice:
		res |= S_IFCHR
	case mode&fs.ModeDevice == fs.ModeDevice:
		res |= S_IFBLK
	case mode&fs.ModeDir == fs.ModeDir:
		res |= S_IFDIR
	case mode&fs.ModeNamedPipe == fs.ModeNamedPipe:
		res |= S_IFIFO
	case mode&fs.ModeSymlink == fs.ModeSymlink:
		res |= S_IFLNK
	case mode&fs.ModeSocket == fs.ModeSocket:
		res |= S_IFSOCK
	default:
		res |= S_IFREG
	}

	for _, f := range modeFlags {
		if mode&f.mode == f.mode {
			res |= f.unix
		}
	}

	return res
}
