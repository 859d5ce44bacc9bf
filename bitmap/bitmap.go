// Package bitmap implements the allocation bitmap used for both the inode
// bitmap and the data bitmap: a contiguous run of blocks, searched lowest
// block, lowest bit first. Each fetched block's raw bytes are viewed
// directly as a github.com/boljen/go-bitmap.Bitmap, the same bit-testing
// primitive the teacher's allocator is built on.
package bitmap

import (
	"github.com/boljen/go-bitmap"

	"github.com/rustedfs/rfs/blockcache"
	"github.com/rustedfs/rfs/rfserr"
)

const blockBits = blockdevBlockSize * 8

// blockdevBlockSize mirrors blockdev.BlockSize.
const blockdevBlockSize = 512

// Allocator manages a contiguous run of bitmap blocks starting at
// StartBlock, grounded on the teacher's Allocator but operating through the
// block cache (so the bitmap itself lives in ordinary cached, on-disk
// state) rather than a private in-memory copy.
type Allocator struct {
	StartBlock uint
	Blocks     uint
}

// New builds an Allocator over blocks [startBlock, startBlock+blocks).
func New(startBlock, blocks uint) Allocator {
	return Allocator{StartBlock: startBlock, Blocks: blocks}
}

// Maximum returns the total number of bits this allocator can manage.
func (a Allocator) Maximum() uint {
	return a.Blocks * blockBits
}

// Alloc scans for the lowest clear bit, sets it, and returns its global
// index. It returns rfserr.BitmapExhausted if every bit is already set.
func (a Allocator) Alloc(cache *blockcache.Cache) (uint, error) {
	for blockOffset := uint(0); blockOffset < a.Blocks; blockOffset++ {
		handle, err := cache.Get(a.StartBlock + blockOffset)
		if err != nil {
			return 0, err
		}

		bitPos, found := blockcache.Modify(handle, 0, func(data []byte) (int, bool) {
			bm := bitmap.Bitmap(data)
			for i := 0; i < blockBits; i++ {
				if !bm.Get(i) {
					bm.Set(i, true)
					return i, true
				}
			}
			return 0, false
		})
		handle.Release()

		if found {
			return blockOffset*blockBits + uint(bitPos), nil
		}
	}
	return 0, rfserr.BitmapExhausted
}

// Dealloc clears the bit at the given global index. Clearing a bit that is
// already clear is a contract violation and panics, matching the fatal
// "dealloc of a free bit" assertion the allocator inherits from its source.
func (a Allocator) Dealloc(cache *blockcache.Cache, index uint) error {
	blockOffset := index / blockBits
	bitPos := int(index % blockBits)

	handle, err := cache.Get(a.StartBlock + blockOffset)
	if err != nil {
		return err
	}
	defer handle.Release()

	blockcache.Modify(handle, 0, func(data []byte) struct{} {
		bm := bitmap.Bitmap(data)
		if !bm.Get(bitPos) {
			panic(rfserr.BitmapExhausted.WithMessage("dealloc of a bit that was never allocated"))
		}
		bm.Set(bitPos, false)
		return struct{}{}
	})
	return nil
}
