// Package blockcache is the fixed-capacity write-back buffer cache that
// sits between the block device and everything above it. It is the Go
// realization of the reference-counted, interior-mutability buffer cache
// the filesystem core is built around: callers borrow a buffer through a
// BufferHandle, and the cache evicts only buffers nobody still holds.
package blockcache

import (
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/rustedfs/rfs/blockdev"
	"github.com/rustedfs/rfs/rfserr"
)

// Capacity is the fixed number of buffers the cache holds at once.
const Capacity = 16

type buffer struct {
	mu       sync.Mutex
	index    uint
	data     []byte
	dirty    bool
	refCount int
}

// Cache is a fixed-capacity, write-back cache of device blocks. The zero
// value is not usable; construct with New.
type Cache struct {
	mu      sync.Mutex
	device  blockdev.Device
	buffers map[uint]*buffer
	order   []uint // insertion order, for first-fit eviction
}

// New builds a Cache of Capacity buffers over device.
func New(device blockdev.Device) *Cache {
	return &Cache{
		device:  device,
		buffers: make(map[uint]*buffer, Capacity),
	}
}

// Get returns a reference-counted handle to the buffer for block index,
// loading it from the device on a miss. If the cache is full and every
// buffer is referenced, Get panics with rfserr.CacheExhausted: retaining
// more than Capacity live handles at once is a caller bug, not a condition
// to recover from.
func (c *Cache) Get(index uint) (*BufferHandle, error) {
	c.mu.Lock()

	if buf, ok := c.buffers[index]; ok {
		buf.refCount++
		c.mu.Unlock()
		return &BufferHandle{cache: c, buf: buf}, nil
	}

	if len(c.order) >= Capacity {
		if err := c.evictLocked(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}

	data := make([]byte, blockdev.BlockSize)
	if err := c.device.ReadBlock(index, data); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	buf := &buffer{index: index, data: data, refCount: 1}
	c.buffers[index] = buf
	c.order = append(c.order, index)
	c.mu.Unlock()
	return &BufferHandle{cache: c, buf: buf}, nil
}

// evictLocked removes the first (in insertion order) buffer with a
// reference count of 0 (no live BufferHandle, held only by the cache),
// flushing it first if dirty. c.mu must already be held.
func (c *Cache) evictLocked() error {
	for i, index := range c.order {
		buf := c.buffers[index]
		if buf.refCount != 0 {
			continue
		}

		if buf.dirty {
			if err := c.device.WriteBlock(buf.index, buf.data); err != nil {
				return err
			}
		}
		delete(c.buffers, index)
		c.order = append(c.order[:i], c.order[i+1:]...)
		return nil
	}

	panic(rfserr.CacheExhausted.WithMessage(
		"every buffer in the cache is still referenced"))
}

func (c *Cache) release(buf *buffer) {
	c.mu.Lock()
	buf.refCount--
	c.mu.Unlock()
}

// Sync flushes every dirty buffer currently in the cache without evicting
// any of them. Failures from individual blocks are aggregated so one bad
// block doesn't hide another.
func (c *Cache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result error
	for _, index := range c.order {
		buf := c.buffers[index]
		buf.mu.Lock()
		if buf.dirty {
			if err := c.device.WriteBlock(buf.index, buf.data); err != nil {
				result = multierror.Append(result, err)
			} else {
				buf.dirty = false
			}
		}
		buf.mu.Unlock()
	}
	return result
}

// BufferHandle is a shared, reference-counted borrow of one cached block.
// It must be released with Release once the caller is done with it.
type BufferHandle struct {
	cache *Cache
	buf   *buffer
}

// Release decrements the handle's reference count, making the buffer
// eligible for eviction once nothing else references it.
func (h *BufferHandle) Release() {
	h.cache.release(h.buf)
}

// Index returns the block index this handle refers to.
func (h *BufferHandle) Index() uint {
	return h.buf.index
}

// Read applies f to an immutable view of the buffer starting at offset and
// returns f's result.
func Read[T any](h *BufferHandle, offset int, f func([]byte) T) T {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	return f(h.buf.data[offset:])
}

// Modify applies f to a mutable view of the buffer starting at offset,
// marks the buffer dirty, and returns f's result.
func Modify[T any](h *BufferHandle, offset int, f func([]byte) T) T {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	h.buf.dirty = true
	return f(h.buf.data[offset:])
}
