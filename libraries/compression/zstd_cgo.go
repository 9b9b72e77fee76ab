//go:build cgo

package compression

import (
	"io"

	"github.com/DataDog/zstd"
)

func ZstdCompressLevel(dst, src []byte, level int) ([]byte, error) {
	return zstd.CompressLevel(dst[:0], src, level)
}

func ZstdDecompress(dst, src []byte) ([]byte, error) {
	return zstd.Decompress(dst[:0], src)
}

// NewZstdReader streams a zstd frame sequence from r.
func NewZstdReader(r io.Reader) (io.ReadCloser, error) {
	return zstd.NewReader(r), nil
}
