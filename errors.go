package sqsh

import "errors"

var (
	ErrInvalidFile     = errors.New("invalid file, squashfs signature not found")
	ErrInvalidSuper    = errors.New("invalid squashfs superblock")
	ErrInvalidVersion  = errors.New("invalid file version, expected squashfs 4.0")
	ErrInvalidBlockLog = errors.New("block log must be in range 12..20")
	ErrNotDirectory    = errors.New("not a directory")
	ErrNotRegular      = errors.New("not a regular file")
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")
	ErrConflict        = errors.New("entry already exists with a different type")
	ErrNameTooLong     = errors.New("directory entry name longer than 256 bytes")
	ErrInvalidPath     = errors.New("empty path")
	ErrTooManyIDs      = errors.New("id table full, more than 65536 distinct ids")
	ErrWriterFailed    = errors.New("image write failed")
	ErrFinalized       = errors.New("writer already finalized")
)
