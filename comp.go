package sqsh

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Compression identifies the block compression algorithm of an image, as
// encoded in the superblock.
type Compression uint16

const (
	GZip Compression = 1
	LZMA Compression = 2
	LZO  Compression = 3
	XZ   Compression = 4
	LZ4  Compression = 5
	ZSTD Compression = 6
)

func (s Compression) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("Compression(%d)", s)
}

// CompressionByName maps a user-facing algorithm name to its identifier.
func CompressionByName(name string) (Compression, error) {
	switch name {
	case "gzip", "zlib":
		return GZip, nil
	case "lzma":
		return LZMA, nil
	case "lzo":
		return LZO, nil
	case "xz":
		return XZ, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

// CompHandler implements both directions of one compression algorithm.
// Compress shall return the full compressed payload for buf; Decompress
// the inverse. Neither is expected to check whether compression actually
// shrank the data, the callers handle literal storage themselves.
type CompHandler struct {
	Compress   func(buf []byte) ([]byte, error)
	Decompress func(buf []byte) ([]byte, error)
}

var compHandlers = map[Compression]*CompHandler{
	GZip: {
		Compress:   zlibCompress,
		Decompress: MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) }),
	},
}

// RegisterCompHandler can be used to register a handler for a compression
// method. GZip, LZMA, XZ, LZ4 and ZSTD are registered by default.
func RegisterCompHandler(method Compression, h *CompHandler) {
	compHandlers[method] = h
}

// compress runs the configured algorithm over in. If the compressed payload
// is not strictly smaller than the input, the input itself is returned and
// stored is true, meaning the caller must flag the payload as stored
// uncompressed.
func (s Compression) compress(in []byte) (data []byte, stored bool, err error) {
	h, ok := compHandlers[s]
	if ok {
		data, err = h.Compress(in)
	} else {
		err = fmt.Errorf("unsupported compression format %s", s.String())
	}
	if err != nil {
		return nil, false, err
	}
	if len(data) >= len(in) {
		return in, true, nil
	}
	return data, false, nil
}

func (s Compression) decompress(buf []byte) ([]byte, error) {
	if h, ok := compHandlers[s]; ok {
		return h.Decompress(buf)
	}
	return nil, fmt.Errorf("unsupported compression format %s", s.String())
}

type compressResult struct {
	data   []byte
	stored bool
	err    error
}

type launchPolicy int

const (
	// launchDeferred runs the compression on the goroutine that consumes
	// the future, typically the writer itself in single-threaded mode.
	launchDeferred launchPolicy = iota
	// launchEager runs the compression on its own goroutine as soon as the
	// block is enqueued.
	launchEager
)

// compressAsync schedules compression of in and returns a future for its
// result. The future must be consumed exactly once.
func (s Compression) compressAsync(in []byte, policy launchPolicy) func() compressResult {
	if policy == launchDeferred {
		return func() compressResult {
			data, stored, err := s.compress(in)
			return compressResult{data, stored, err}
		}
	}
	ch := make(chan compressResult, 1)
	go func() {
		data, stored, err := s.compress(in)
		ch <- compressResult{data, stored, err}
	}()
	return func() compressResult { return <-ch }
}

func zlibCompress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	if _, err := w.Write(buf); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// MakeDecompressor allows using a decompressor made for archive/zip with
// squashfs. It has some overhead as instead of simply dealing with buffers
// this uses the reader/writer API, but should allow to easily handle some
// formats.
func MakeDecompressor(dec func(r io.Reader) io.ReadCloser) func([]byte) ([]byte, error) {
	return func(buf []byte) ([]byte, error) {
		r := bytes.NewReader(buf)
		w := &bytes.Buffer{}
		p := dec(r)
		defer p.Close()
		_, err := io.Copy(w, p)
		return w.Bytes(), err
	}
}

// MakeDecompressorErr is similar to MakeDecompressor but accepts readers
// whose constructor can fail, such as zlib or xz.
func MakeDecompressorErr(dec func(r io.Reader) (io.ReadCloser, error)) func([]byte) ([]byte, error) {
	return func(buf []byte) ([]byte, error) {
		r := bytes.NewReader(buf)
		w := &bytes.Buffer{}
		p, err := dec(r)
		if err != nil {
			return nil, err
		}
		defer p.Close()
		_, err = io.Copy(w, p)
		return w.Bytes(), err
	}
}
