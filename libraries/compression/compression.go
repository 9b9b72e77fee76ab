package compression

import "bytes"

// ZstdSuffix is appended to file names holding zstd frames.
const ZstdSuffix = ".zst"

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// IsZstd reports whether data starts with a zstd frame header.
func IsZstd(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}
