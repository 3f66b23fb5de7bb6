package pools

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// BytePool is a tiered pool of fixed-size byte slices. Connections take
// their read scratch from it and file jobs their read-ahead buffer.
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   *xsync.Counter
	puts   *xsync.Counter
	misses *xsync.Counter
}

// Size classes tuned for request heads and file chunks
var defaultSizes = []int{
	2048,
	8192,
	16384,
	65536,
}

// NewBytePool creates a pool with the default size classes
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a pool with ascending size classes
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools:  make([]*sync.Pool, len(sizes)),
		sizes:  sizes,
		gets:   xsync.NewCounter(),
		puts:   xsync.NewCounter(),
		misses: xsync.NewCounter(),
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}
	return bp
}

// Get returns a slice of length size. Sizes above the largest class are
// allocated and never pooled.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Inc()
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}
	bp.misses.Inc()
	return make([]byte, size)
}

// Put returns buf to the class matching its capacity.
func (bp *BytePool) Put(buf []byte) {
	c := cap(buf)
	for i, poolSize := range bp.sizes {
		if c == poolSize {
			buf = buf[:c]
			bp.pools[i].Put(&buf)
			bp.puts.Inc()
			return
		}
	}
}

// BytePoolStats reports pool usage
type BytePoolStats struct {
	Gets   int64
	Puts   int64
	Misses int64
}

func (s BytePoolStats) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("gets", s.Gets).Int64("puts", s.Puts).Int64("misses", s.Misses)
}

func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:   bp.gets.Value(),
		Puts:   bp.puts.Value(),
		Misses: bp.misses.Value(),
	}
}

var globalBytePool = NewBytePool()

// GetBytes takes a slice from the shared pool
func GetBytes(size int) []byte {
	return globalBytePool.Get(size)
}

// PutBytes returns a slice to the shared pool
func PutBytes(buf []byte) {
	globalBytePool.Put(buf)
}

// GlobalBytePoolStats reports usage of the shared pool
func GlobalBytePoolStats() BytePoolStats {
	return globalBytePool.Stats()
}
