package sqsh

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

func lz4Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(buf); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func init() {
	RegisterCompHandler(LZ4, &CompHandler{
		Compress: lz4Compress,
		Decompress: MakeDecompressor(func(r io.Reader) io.ReadCloser {
			return io.NopCloser(lz4.NewReader(r))
		}),
	})
}
