package logger

import (
	"bytes"
	"sync"
)

const maxPooledBuffer = 64 * 1024

var buffers = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func acquireBuffer() *bytes.Buffer {
	buf := buffers.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func releaseBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buffers.Put(buf)
}
