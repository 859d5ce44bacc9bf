// Package fs is the filesystem manager: it formats a device, opens an
// existing image, translates inode numbers to (block, offset) and back,
// and routes inode/data-block allocation through the two bitmaps.
package fs

import (
	"github.com/hashicorp/go-multierror"

	"github.com/rustedfs/rfs/bitmap"
	"github.com/rustedfs/rfs/blockcache"
	"github.com/rustedfs/rfs/blockdev"
	"github.com/rustedfs/rfs/layout"
	"github.com/rustedfs/rfs/rfserr"
)

// bitsPerDataBitmapBlock is the number of data blocks one data-bitmap
// block can describe, plus the bitmap block itself: the original source's
// "4097" grouping constant (4096 data bits + 1 for the bitmap block).
const bitsPerDataBitmapBlock = blockdev.BlockSize*8 + 1

// Stat reports free-space accounting for an open filesystem, a
// diagnostics-only companion to Format/Open that every embedding needs
// even though it isn't part of the core read/write path.
type Stat struct {
	TotalBlocks     uint32
	InodeBlocksFree uint32
	DataBlocksFree  uint32
}

// Manager holds everything needed to translate between inode numbers and
// on-disk positions and to allocate/free inodes and data blocks. It is the
// Go counterpart of RustedFileSystem.
type Manager struct {
	Device blockdev.Device
	Cache  *blockcache.Cache

	InodeBitmap bitmap.Allocator
	DataBitmap  bitmap.Allocator

	inodeStartBlock uint32
	dataStartBlock  uint32

	totalBlocks uint32
}

// Format lays out a brand-new filesystem across device's total_blocks
// blocks, using inodeBitmapBlocks blocks for the inode bitmap, and returns
// a Manager ready to use. The root directory is inode #0.
func Format(device blockdev.Device, totalBlocks, inodeBitmapBlocks uint32) (*Manager, error) {
	cache := blockcache.New(device)

	inodeBitmap := bitmap.New(1, uint(inodeBitmapBlocks))
	inodeBlocks := uint32((uint64(inodeBitmap.Maximum())*uint64(layout.InodeSize) + blockdev.BlockSize - 1) / blockdev.BlockSize)
	inodeTotalBlocks := inodeBitmapBlocks + inodeBlocks
	dataTotalBlocks := totalBlocks - 1 - inodeTotalBlocks
	dataBitmapBlocks := (dataTotalBlocks + bitsPerDataBitmapBlock - 1) / bitsPerDataBitmapBlock
	dataBlocks := dataTotalBlocks - dataBitmapBlocks

	dataBitmap := bitmap.New(uint(1+inodeBitmapBlocks+inodeBlocks), uint(dataBitmapBlocks))

	m := &Manager{
		Device:          device,
		Cache:           cache,
		InodeBitmap:     inodeBitmap,
		DataBitmap:      dataBitmap,
		inodeStartBlock: 1 + inodeBitmapBlocks,
		dataStartBlock:  1 + inodeTotalBlocks + dataBitmapBlocks,
		totalBlocks:     totalBlocks,
	}

	var zeroErrs error
	zero := make([]byte, blockdev.BlockSize)
	for i := uint32(0); i < totalBlocks; i++ {
		handle, err := cache.Get(uint(i))
		if err != nil {
			zeroErrs = multierror.Append(zeroErrs, err)
			continue
		}
		blockcache.Modify(handle, 0, func(data []byte) struct{} {
			copy(data, zero)
			return struct{}{}
		})
		handle.Release()
	}
	if zeroErrs != nil {
		return nil, zeroErrs
	}

	sbHandle, err := cache.Get(0)
	if err != nil {
		return nil, err
	}
	blockcache.Modify(sbHandle, 0, func(data []byte) struct{} {
		layout.SuperBlock{
			Magic:             layout.Magic,
			TotalBlocks:       totalBlocks,
			InodeBitmapBlocks: inodeBitmapBlocks,
			InodeBlocks:       inodeBlocks,
			DataBitmapBlocks:  dataBitmapBlocks,
			DataBlocks:        dataBlocks,
		}.Encode(data)
		return struct{}{}
	})
	sbHandle.Release()

	rootID, err := m.AllocInode()
	if err != nil {
		return nil, err
	}
	if rootID != 0 {
		panic(rfserr.NotAFilesystem.WithMessage("root inode did not receive id 0"))
	}
	blockID, offset := m.InodePosition(rootID)
	rootHandle, err := cache.Get(uint(blockID))
	if err != nil {
		return nil, err
	}
	blockcache.Modify(rootHandle, int(offset), func(data []byte) struct{} {
		in := layout.Inode{}
		in.Init(layout.Directory)
		in.Encode(data)
		return struct{}{}
	})
	rootHandle.Release()

	if err := cache.Sync(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open reads the super-block from device and reconstructs the Manager.
// It fails with rfserr.NotAFilesystem if the magic doesn't match.
func Open(device blockdev.Device) (*Manager, error) {
	cache := blockcache.New(device)

	handle, err := cache.Get(0)
	if err != nil {
		return nil, err
	}
	sb := blockcache.Read(handle, 0, layout.DecodeSuperBlock)
	handle.Release()

	if !sb.Valid() {
		return nil, rfserr.NotAFilesystem
	}

	inodeTotalBlocks := sb.InodeBitmapBlocks + sb.InodeBlocks
	return &Manager{
		Device:          device,
		Cache:           cache,
		InodeBitmap:     bitmap.New(1, uint(sb.InodeBitmapBlocks)),
		DataBitmap:      bitmap.New(uint(1+inodeTotalBlocks), uint(sb.DataBitmapBlocks)),
		inodeStartBlock: 1 + sb.InodeBitmapBlocks,
		dataStartBlock:  1 + inodeTotalBlocks + sb.DataBitmapBlocks,
		totalBlocks:     sb.TotalBlocks,
	}, nil
}

// InodePosition returns the (block, byte offset) of inode id's on-disk
// record.
func (m *Manager) InodePosition(id uint32) (uint32, uint32) {
	blockID := m.inodeStartBlock + id/layout.InodesPerBlock
	offset := (id % layout.InodesPerBlock) * layout.InodeSize
	return blockID, offset
}

// InodeID is the inverse of InodePosition.
func (m *Manager) InodeID(blockID uint32, offset uint32) uint32 {
	return (blockID-m.inodeStartBlock)*layout.InodesPerBlock + offset/layout.InodeSize
}

// AllocInode reserves the lowest free inode number.
func (m *Manager) AllocInode() (uint32, error) {
	id, err := m.InodeBitmap.Alloc(m.Cache)
	return uint32(id), err
}

// DeallocInode frees inode id.
func (m *Manager) DeallocInode(id uint32) error {
	return m.InodeBitmap.Dealloc(m.Cache, uint(id))
}

// AllocData reserves the lowest free data block and returns its absolute
// block index (local index + dataStartBlock).
func (m *Manager) AllocData() (uint32, error) {
	local, err := m.DataBitmap.Alloc(m.Cache)
	if err != nil {
		return 0, err
	}
	return uint32(local) + m.dataStartBlock, nil
}

// DeallocData zeroes absIndex and returns it to the data bitmap.
func (m *Manager) DeallocData(absIndex uint32) error {
	handle, err := m.Cache.Get(uint(absIndex))
	if err != nil {
		return err
	}
	zero := make([]byte, blockdev.BlockSize)
	blockcache.Modify(handle, 0, func(data []byte) struct{} {
		copy(data, zero)
		return struct{}{}
	})
	handle.Release()

	return m.DataBitmap.Dealloc(m.Cache, uint(absIndex-m.dataStartBlock))
}

// Stat scans both bitmaps and reports free-space accounting.
func (m *Manager) Stat() (Stat, error) {
	inodeFree, err := countFree(m.Cache, m.InodeBitmap)
	if err != nil {
		return Stat{}, err
	}
	dataFree, err := countFree(m.Cache, m.DataBitmap)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		TotalBlocks:     m.totalBlocks,
		InodeBlocksFree: inodeFree,
		DataBlocksFree:  dataFree,
	}, nil
}

func countFree(cache *blockcache.Cache, alloc bitmap.Allocator) (uint32, error) {
	free := uint32(0)
	max := alloc.Maximum()
	for i := uint(0); i < max; i++ {
		handle, err := cache.Get(alloc.StartBlock + i/(blockdev.BlockSize*8))
		if err != nil {
			return 0, err
		}
		bit := i % (blockdev.BlockSize * 8)
		set := blockcache.Read(handle, 0, func(data []byte) bool {
			return data[bit/8]&(1<<(bit%8)) != 0
		})
		handle.Release()
		if !set {
			free++
		}
	}
	return free, nil
}
