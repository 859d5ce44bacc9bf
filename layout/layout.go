// Package layout defines the on-disk structures of a rustedfs image and the
// inode block-addressing arithmetic built on top of them: the super-block,
// the packed inode record with its direct/indirect1/indirect2 pointers,
// and the fixed-size directory entry. Everything here is little-endian and
// packed, ported byte-for-byte from the original RustedFileSystem layout.
package layout

import (
	"encoding/binary"

	"github.com/rustedfs/rfs/blockcache"
	"github.com/rustedfs/rfs/blockdev"
	"github.com/rustedfs/rfs/rfserr"
)

// Magic identifies a valid rustedfs image in block 0.
const Magic uint32 = 0xDEADBEEF

// Addressing constants (B=512, pointer width 4).
const (
	DirectCount   = 28                        // D
	PointersPerBlock = blockdev.BlockSize / 4  // K
	Indirect2Count   = PointersPerBlock * PointersPerBlock

	DirectBound    = DirectCount                       // 28
	Indirect1Bound = DirectBound + PointersPerBlock     // 156
	Indirect2Bound = Indirect1Bound + Indirect2Count    // 16540

	// MaxFileSize is the largest size addressable through direct + single
	// indirect + double indirect pointers.
	MaxFileSize = uint64(Indirect2Bound) * blockdev.BlockSize
)

// NameLengthLimit is N, the maximum number of non-NUL bytes in a Dirent
// name.
const NameLengthLimit = 27

// DirentSize is the packed, on-disk size of a Dirent: N+1 name bytes plus a
// uint32 inode number.
const DirentSize = NameLengthLimit + 1 + 4

// InodeSize is the packed, on-disk size of an Inode record: size(4) +
// direct[28](4 each) + indirect1(4) + indirect2(4) + type(4) = 128 bytes.
const InodeSize = 4 + DirectCount*4 + 4 + 4 + 4

// InodesPerBlock is the number of packed Inode records in one block.
const InodesPerBlock = blockdev.BlockSize / InodeSize

// InodeType distinguishes what an inode's data region holds.
type InodeType uint32

const (
	File InodeType = iota
	Directory
	SoftLink
)

// SuperBlock is the first block of an image: the magic value and the five
// counts that partition the remaining blocks.
type SuperBlock struct {
	Magic             uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeBlocks       uint32
	DataBitmapBlocks  uint32
	DataBlocks        uint32
}

// Valid reports whether Magic identifies a rustedfs image.
func (sb SuperBlock) Valid() bool {
	return sb.Magic == Magic
}

// Encode packs sb into dst (at least 24 bytes), zero-padding is the
// caller's responsibility (dst is expected to be a zeroed block buffer).
func (sb SuperBlock) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(dst[4:8], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(dst[8:12], sb.InodeBitmapBlocks)
	binary.LittleEndian.PutUint32(dst[12:16], sb.InodeBlocks)
	binary.LittleEndian.PutUint32(dst[16:20], sb.DataBitmapBlocks)
	binary.LittleEndian.PutUint32(dst[20:24], sb.DataBlocks)
}

// DecodeSuperBlock unpacks a SuperBlock from src (at least 24 bytes).
func DecodeSuperBlock(src []byte) SuperBlock {
	return SuperBlock{
		Magic:             binary.LittleEndian.Uint32(src[0:4]),
		TotalBlocks:       binary.LittleEndian.Uint32(src[4:8]),
		InodeBitmapBlocks: binary.LittleEndian.Uint32(src[8:12]),
		InodeBlocks:       binary.LittleEndian.Uint32(src[12:16]),
		DataBitmapBlocks:  binary.LittleEndian.Uint32(src[16:20]),
		DataBlocks:        binary.LittleEndian.Uint32(src[20:24]),
	}
}

// Inode is a fixed-size, packed record describing one filesystem object:
// its byte size, its direct/indirect1/indirect2 block pointers, and its
// type.
type Inode struct {
	Size      uint32
	Direct    [DirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      InodeType
}

// Init resets the inode to an empty object of the given type.
func (in *Inode) Init(t InodeType) {
	*in = Inode{Type: t}
}

func (in Inode) IsDir() bool      { return in.Type == Directory }
func (in Inode) IsFile() bool     { return in.Type == File }
func (in Inode) IsSoftLink() bool { return in.Type == SoftLink }

// Encode packs in into dst (at least InodeSize bytes).
func (in Inode) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], in.Size)
	for i, ptr := range in.Direct {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(dst[off:off+4], ptr)
	}
	base := 4 + DirectCount*4
	binary.LittleEndian.PutUint32(dst[base:base+4], in.Indirect1)
	binary.LittleEndian.PutUint32(dst[base+4:base+8], in.Indirect2)
	binary.LittleEndian.PutUint32(dst[base+8:base+12], uint32(in.Type))
}

// DecodeInode unpacks an Inode from src (at least InodeSize bytes).
func DecodeInode(src []byte) Inode {
	var in Inode
	in.Size = binary.LittleEndian.Uint32(src[0:4])
	for i := range in.Direct {
		off := 4 + i*4
		in.Direct[i] = binary.LittleEndian.Uint32(src[off : off+4])
	}
	base := 4 + DirectCount*4
	in.Indirect1 = binary.LittleEndian.Uint32(src[base : base+4])
	in.Indirect2 = binary.LittleEndian.Uint32(src[base+4 : base+8])
	in.Type = InodeType(binary.LittleEndian.Uint32(src[base+8 : base+12]))
	return in
}

// DataBlocks returns the number of data blocks needed to hold Size bytes.
func (in Inode) DataBlocks() uint32 {
	return (in.Size + blockdev.BlockSize - 1) / blockdev.BlockSize
}

// TotalBlocks returns the number of blocks (data plus metadata: indirect1
// and/or indirect2 and its used sub-indirect1 blocks) needed to address
// size bytes.
func TotalBlocks(size uint32) uint32 {
	dataBlocks := uint32((uint64(size) + blockdev.BlockSize - 1) / blockdev.BlockSize)
	total := dataBlocks

	if dataBlocks > DirectBound {
		total++ // indirect1 itself
	}
	if dataBlocks > Indirect1Bound {
		total++ // indirect2 itself
		total += (dataBlocks - Indirect1Bound + PointersPerBlock - 1) / PointersPerBlock
	}
	return total
}

// BlocksNeeded returns how many additional blocks must be allocated to
// grow this inode from its current size to newSize.
func (in Inode) BlocksNeeded(newSize uint32) uint32 {
	if newSize < in.Size {
		panic(rfserr.OutOfRange.WithMessage("BlocksNeeded called with a smaller size"))
	}
	if uint64(newSize) > MaxFileSize {
		panic(rfserr.OutOfRange)
	}
	return TotalBlocks(newSize) - TotalBlocks(in.Size)
}

type indirectBlock [PointersPerBlock]uint32

func decodeIndirectBlock(data []byte) indirectBlock {
	var blk indirectBlock
	for i := range blk {
		blk[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	return blk
}

func encodeIndirectBlock(data []byte, blk indirectBlock) {
	for i, v := range blk {
		binary.LittleEndian.PutUint32(data[i*4:i*4+4], v)
	}
}

// BlockID resolves an inode-relative block index (0 <= innerID < total
// data blocks of this inode) to an absolute device block index.
func (in Inode) BlockID(innerID uint32, cache *blockcache.Cache) (uint32, error) {
	if innerID < DirectBound {
		return in.Direct[innerID], nil
	}

	if innerID < Indirect1Bound {
		handle, err := cache.Get(uint(in.Indirect1))
		if err != nil {
			return 0, err
		}
		defer handle.Release()
		return blockcache.Read(handle, 0, func(data []byte) uint32 {
			return decodeIndirectBlock(data)[innerID-DirectBound]
		}), nil
	}

	last := innerID - Indirect1Bound
	handle2, err := cache.Get(uint(in.Indirect2))
	if err != nil {
		return 0, err
	}
	subIndirect1 := blockcache.Read(handle2, 0, func(data []byte) uint32 {
		return decodeIndirectBlock(data)[last/PointersPerBlock]
	})
	handle2.Release()

	handle1, err := cache.Get(uint(subIndirect1))
	if err != nil {
		return 0, err
	}
	defer handle1.Release()
	return blockcache.Read(handle1, 0, func(data []byte) uint32 {
		return decodeIndirectBlock(data)[last%PointersPerBlock]
	}), nil
}

// IncreaseSize grows the inode to newSize, consuming freshBlocks (absolute
// device block indices, already allocated by the caller) to fill in the
// newly needed data and metadata blocks. len(freshBlocks) must equal
// BlocksNeeded(newSize).
func (in *Inode) IncreaseSize(newSize uint32, freshBlocks []uint32, cache *blockcache.Cache) error {
	currentBlocks := in.DataBlocks()
	in.Size = newSize
	totalBlocks := in.DataBlocks()
	next := 0
	take := func() uint32 {
		v := freshBlocks[next]
		next++
		return v
	}

	for currentBlocks < min32(totalBlocks, DirectBound) {
		in.Direct[currentBlocks] = take()
		currentBlocks++
	}
	if totalBlocks <= DirectBound {
		return nil
	}

	if currentBlocks == DirectBound {
		in.Indirect1 = take()
	}
	handle1, err := cache.Get(uint(in.Indirect1))
	if err != nil {
		return err
	}
	blockcache.Modify(handle1, 0, func(data []byte) struct{} {
		blk := decodeIndirectBlock(data)
		for currentBlocks < min32(totalBlocks, Indirect1Bound) {
			blk[currentBlocks-DirectBound] = take()
			currentBlocks++
		}
		encodeIndirectBlock(data, blk)
		return struct{}{}
	})
	handle1.Release()
	if totalBlocks <= Indirect1Bound {
		return nil
	}

	// Corrected sentinel: the original source's first cut gated the
	// indirect2 allocation on current_blocks == INODE_INDIRECT1_COUNT
	// (128), which can never hold since indirect1 saturates at
	// Indirect1Bound (156). The condition must compare against
	// Indirect1Bound.
	if currentBlocks == Indirect1Bound {
		in.Indirect2 = take()
	}

	handle2, err := cache.Get(uint(in.Indirect2))
	if err != nil {
		return err
	}
	defer handle2.Release()

	blk2 := blockcache.Read(handle2, 0, decodeIndirectBlock)
	for currentBlocks < totalBlocks {
		subIndex := (currentBlocks - Indirect1Bound) / PointersPerBlock
		subOffset := (currentBlocks - Indirect1Bound) % PointersPerBlock

		if subOffset == 0 {
			blk2[subIndex] = take()
			blockcache.Modify(handle2, 0, func(data []byte) struct{} {
				encodeIndirectBlock(data, blk2)
				return struct{}{}
			})
		}

		subHandle, err := cache.Get(uint(blk2[subIndex]))
		if err != nil {
			return err
		}
		blockcache.Modify(subHandle, 0, func(data []byte) struct{} {
			sub := decodeIndirectBlock(data)
			sub[subOffset] = take()
			encodeIndirectBlock(data, sub)
			return struct{}{}
		})
		subHandle.Release()
		currentBlocks++
	}
	return nil
}

// DecreaseSize shrinks the inode to newSize and returns the absolute block
// indices freed, in the order they should be returned to the data bitmap.
func (in *Inode) DecreaseSize(newSize uint32, cache *blockcache.Cache) ([]uint32, error) {
	var freed []uint32
	currentBlocks := in.DataBlocks()
	in.Size = newSize
	recycled := in.DataBlocks()

	for recycled < min32(currentBlocks, DirectBound) {
		freed = append(freed, in.Direct[recycled])
		in.Direct[recycled] = 0
		recycled++
	}
	if currentBlocks <= DirectBound {
		return freed, nil
	}

	handle1, err := cache.Get(uint(in.Indirect1))
	if err != nil {
		return nil, err
	}
	blk1 := blockcache.Read(handle1, 0, decodeIndirectBlock)
	handle1.Release()
	for recycled < min32(currentBlocks, Indirect1Bound) {
		freed = append(freed, blk1[recycled-DirectBound])
		recycled++
	}
	if in.DataBlocks() <= DirectBound {
		freed = append(freed, in.Indirect1)
		in.Indirect1 = 0
	}
	if currentBlocks <= Indirect1Bound {
		return freed, nil
	}

	handle2, err := cache.Get(uint(in.Indirect2))
	if err != nil {
		return nil, err
	}
	blk2 := blockcache.Read(handle2, 0, decodeIndirectBlock)
	handle2.Release()
	for recycled < currentBlocks {
		subIndex := (recycled - Indirect1Bound) / PointersPerBlock
		subOffset := (recycled - Indirect1Bound) % PointersPerBlock
		if subOffset == 0 {
			freed = append(freed, blk2[subIndex])
		}

		subHandle, err := cache.Get(uint(blk2[subIndex]))
		if err != nil {
			return nil, err
		}
		sub := blockcache.Read(subHandle, 0, decodeIndirectBlock)
		subHandle.Release()
		freed = append(freed, sub[subOffset])
		recycled++
	}
	if in.DataBlocks() <= Indirect1Bound {
		freed = append(freed, in.Indirect2)
		in.Indirect2 = 0
	}
	return freed, nil
}

// ReadAt reads into buf starting at offset, never past in.Size, and
// returns the number of bytes actually read.
func (in Inode) ReadAt(offset uint32, buf []byte, cache *blockcache.Cache) (int, error) {
	end := offset + uint32(len(buf))
	if end > in.Size {
		end = in.Size
	}
	if offset >= end {
		return 0, nil
	}

	start := offset
	read := 0
	for start < end {
		blockIndex := start / blockdev.BlockSize
		blockEnd := (blockIndex + 1) * blockdev.BlockSize
		if blockEnd > end {
			blockEnd = end
		}
		chunkLen := blockEnd - start

		absBlock, err := in.BlockID(blockIndex, cache)
		if err != nil {
			return read, err
		}
		handle, err := cache.Get(uint(absBlock))
		if err != nil {
			return read, err
		}
		withinBlock := start % blockdev.BlockSize
		blockcache.Read(handle, 0, func(data []byte) struct{} {
			copy(buf[read:read+int(chunkLen)], data[withinBlock:withinBlock+chunkLen])
			return struct{}{}
		})
		handle.Release()

		read += int(chunkLen)
		start = blockEnd
	}
	return read, nil
}

// WriteAt writes buf starting at offset. The caller must have already
// grown the inode (via IncreaseSize) so that offset+len(buf) <= in.Size;
// WriteAt never grows the inode itself.
func (in Inode) WriteAt(offset uint32, buf []byte, cache *blockcache.Cache) (int, error) {
	end := offset + uint32(len(buf))
	if end > in.Size {
		panic(rfserr.OutOfRange.WithMessage("write past inode size"))
	}

	start := offset
	written := 0
	for start < end {
		blockIndex := start / blockdev.BlockSize
		blockEnd := (blockIndex + 1) * blockdev.BlockSize
		if blockEnd > end {
			blockEnd = end
		}
		chunkLen := blockEnd - start

		absBlock, err := in.BlockID(blockIndex, cache)
		if err != nil {
			return written, err
		}
		handle, err := cache.Get(uint(absBlock))
		if err != nil {
			return written, err
		}
		withinBlock := start % blockdev.BlockSize
		blockcache.Modify(handle, 0, func(data []byte) struct{} {
			copy(data[withinBlock:withinBlock+chunkLen], buf[written:written+int(chunkLen)])
			return struct{}{}
		})
		handle.Release()

		written += int(chunkLen)
		start = blockEnd
	}
	return written, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Dirent is a fixed-size directory entry: a NUL-padded name and the inode
// number it names.
type Dirent struct {
	Name        [NameLengthLimit + 1]byte
	InodeNumber uint32
}

// NewDirent builds a Dirent for name (which must be <= NameLengthLimit
// bytes and NUL-free) and inodeNumber.
func NewDirent(name string, inodeNumber uint32) (Dirent, error) {
	if len(name) > NameLengthLimit {
		return Dirent{}, rfserr.NameTooLong
	}
	var d Dirent
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return Dirent{}, rfserr.InvalidName
		}
		d.Name[i] = name[i]
	}
	d.InodeNumber = inodeNumber
	return d, nil
}

// NameString decodes the NUL-terminated name.
func (d Dirent) NameString() string {
	for i, b := range d.Name {
		if b == 0 {
			return string(d.Name[:i])
		}
	}
	return string(d.Name[:])
}

// Encode packs d into dst (at least DirentSize bytes).
func (d Dirent) Encode(dst []byte) {
	copy(dst[:NameLengthLimit+1], d.Name[:])
	binary.LittleEndian.PutUint32(dst[NameLengthLimit+1:DirentSize], d.InodeNumber)
}

// DecodeDirent unpacks a Dirent from src (at least DirentSize bytes).
func DecodeDirent(src []byte) Dirent {
	var d Dirent
	copy(d.Name[:], src[:NameLengthLimit+1])
	d.InodeNumber = binary.LittleEndian.Uint32(src[NameLengthLimit+1 : DirentSize])
	return d
}
