package buffer

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// maxPooled caps the capacity of buffers kept for reuse
const maxPooled = 64 << 10

// Pool provides reusable buffers for reading HTTP bodies
var Pool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// Get retrieves an empty buffer from the pool
func Get() *bytes.Buffer {
	buf := Pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool.
// Buffers that grew past maxPooled are left to the garbage collector.
func Put(buf *bytes.Buffer) {
	if buf.Cap() <= maxPooled {
		Pool.Put(buf)
	}
}

// ReadLimited reads r into a pooled buffer and passes the bytes to fn. The
// slice is only valid during fn. Reading more than limit bytes is an error.
func ReadLimited(r io.Reader, limit int64, fn func(data []byte) error) error {
	buf := Get()
	defer Put(buf)

	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("body exceeds %d bytes", limit)
	}
	return fn(buf.Bytes())
}
