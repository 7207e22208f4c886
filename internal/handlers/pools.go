package handlers

import (
	"bytes"
	"sync"
)

// bufferPool wraps a sync.Pool of bytes.Buffers with a fixed initial
// capacity.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(capacity int) *bufferPool {
	return &bufferPool{pool: sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, capacity))
		},
	}}
}

func (p *bufferPool) get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

func (p *bufferPool) put(buf *bytes.Buffer) {
	buf.Reset()
	p.pool.Put(buf)
}

// Requests are small; responses carry visited chains and can grow.
var (
	requestBuffers  = newBufferPool(4096)
	responseBuffers = newBufferPool(8192)
)

func getBuffer() *bytes.Buffer          { return requestBuffers.get() }
func putBuffer(buf *bytes.Buffer)       { requestBuffers.put(buf) }
func getResponseBuffer() *bytes.Buffer  { return responseBuffers.get() }
func putResponseBuffer(b *bytes.Buffer) { responseBuffers.put(b) }
