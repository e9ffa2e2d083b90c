package layer

import (
	"sync"
	"sync/atomic"
)

// MaxBufferSize is the largest allocation a PoolAllocator serves.
const MaxBufferSize = 9 * 1024

var sizeClasses = [...]int{128, 256, 512, 1024, 2048, 4096, MaxBufferSize}

// Allocator hands out the backing memory for Buffers.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

// DefaultAllocator is used by NewBuffer when no allocator is supplied.
var DefaultAllocator Allocator = NewPoolAllocator(0)

// AllocatorStats reports PoolAllocator usage.
type AllocatorStats struct {
	Allocs      uint64
	Frees       uint64
	Failures    uint64
	Outstanding int64
}

// PoolAllocator caches buffers per size class. A non-zero limit caps the
// number of bytes handed out and not yet freed.
type PoolAllocator struct {
	pools [len(sizeClasses)]sync.Pool
	limit int64

	outstanding atomic.Int64
	allocs      atomic.Uint64
	frees       atomic.Uint64
	failures    atomic.Uint64
}

// NewPoolAllocator creates an allocator. limit is in bytes; 0 means unlimited.
func NewPoolAllocator(limit int) *PoolAllocator {
	a := &PoolAllocator{limit: int64(limit)}
	for i, size := range sizeClasses {
		size := size
		a.pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return a
}

func classFor(n int) int {
	for i, size := range sizeClasses {
		if n <= size {
			return i
		}
	}
	return -1
}

// Alloc returns a slice of length n backed by a pooled array.
func (a *PoolAllocator) Alloc(n int) ([]byte, error) {
	idx := classFor(n)
	if idx < 0 {
		a.failures.Add(1)
		return nil, ErrBufferTooLarge
	}
	size := int64(sizeClasses[idx])
	if a.limit > 0 && a.outstanding.Add(size) > a.limit {
		a.outstanding.Add(-size)
		a.failures.Add(1)
		return nil, ErrNoBuffers
	} else if a.limit == 0 {
		a.outstanding.Add(size)
	}
	a.allocs.Add(1)
	bp := a.pools[idx].Get().(*[]byte)
	b := (*bp)[:n]
	clear(b)
	return b, nil
}

// Free returns b to its size class.
func (a *PoolAllocator) Free(b []byte) {
	idx := classFor(cap(b))
	if idx < 0 || sizeClasses[idx] != cap(b) {
		return
	}
	a.outstanding.Add(-int64(cap(b)))
	a.frees.Add(1)
	b = b[:cap(b)]
	a.pools[idx].Put(&b)
}

// Stats returns a snapshot of allocator counters.
func (a *PoolAllocator) Stats() AllocatorStats {
	return AllocatorStats{
		Allocs:      a.allocs.Load(),
		Frees:       a.frees.Load(),
		Failures:    a.failures.Load(),
		Outstanding: a.outstanding.Load(),
	}
}
