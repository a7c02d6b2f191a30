package coloop

import (
	"sync"
)

// BufferPool hands out fixed size byte buffers for I/O, recycling them
// between coroutines. Every loop owns one, see [EventLoop.Buffers].
//
// It is safe for concurrent use.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool returns a pool of buffers of the given size.
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size returns the length of buffers returned by Get.
func (p *BufferPool) Size() int { return p.size }

// Get returns a buffer of length Size. Its contents are undefined.
func (p *BufferPool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	*b = (*b)[:p.size]
	return b
}

// Put returns a buffer to the pool. Buffers with a capacity smaller than
// Size are dropped.
func (p *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	p.pool.Put(b)
}
