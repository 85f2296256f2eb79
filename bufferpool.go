package mcom

import "sync"

// maxFrameSize is the largest possible frame on the wire: header (2) +
// payload (MaxDataSize) rounded up to a multiple of DataUnitSize.
const maxFrameSize = ((LargeFrameHeaderSize + MaxDataSize + DataUnitSize - 1) / DataUnitSize) * DataUnitSize

// BufferPool hands out maxFrameSize byte slices for the rx path: the
// engine borrows one buffer per inbound frame and returns it once the
// frame has been dispatched, so assembling a frame allocates nothing once
// the pool is warm (the slices the transport driver returns are its own).
type BufferPool interface {
	Get() []byte
	Put(buf []byte)
}

type syncBufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a BufferPool backed by sync.Pool.
func NewBufferPool() BufferPool {
	return &syncBufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, maxFrameSize)
			},
		},
	}
}

func (p *syncBufferPool) Get() []byte {
	return p.pool.Get().([]byte)
}

func (p *syncBufferPool) Put(buf []byte) {
	if cap(buf) < maxFrameSize {
		return
	}
	p.pool.Put(buf[:maxFrameSize])
}
