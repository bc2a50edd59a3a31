// Package handlers provides HTTP request handlers for the prior-authorization
// browser-agent API.
package handlers

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"
)

// maxPoolBufferCap bounds buffer capacity kept in the pool. bytes.Buffer.Reset
// only resets length, not capacity, so large buffers would otherwise waste
// memory indefinitely.
const maxPoolBufferCap = 64 * 1024 // 64KB

// responseBufferPool provides reusable byte buffers for JSON encoding.
var responseBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 8192))
	},
}

// getResponseBuffer retrieves a response buffer from the pool.
func getResponseBuffer() *bytes.Buffer {
	v := responseBufferPool.Get()
	buf, ok := v.(*bytes.Buffer)
	if !ok {
		log.Warn().Interface("got_type", v).Msg("unexpected type from response buffer pool")
		return bytes.NewBuffer(make([]byte, 0, 8192))
	}
	return buf
}

// putResponseBuffer returns a response buffer to the pool after resetting it.
func putResponseBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPoolBufferCap {
		return
	}
	buf.Reset()
	responseBufferPool.Put(buf)
}
