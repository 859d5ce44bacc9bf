// Package blockdev is the block device port: the minimal capability the
// filesystem core needs from whatever backs it, a host file on the packer
// side or a VirtIO driver on the kernel side.
package blockdev

import (
	"fmt"
	"io"

	"github.com/rustedfs/rfs/rfserr"
)

// BlockSize is the fixed block size, in bytes, used throughout the
// filesystem core.
const BlockSize = 512

// Device is a fixed-size block store addressed by a zero-based index. Every
// read and write transfers exactly BlockSize bytes.
type Device interface {
	// ReadBlock fills dst (length BlockSize) with the contents of block
	// index. It fails with rfserr.IOFailed if a full block can't be read.
	ReadBlock(index uint, dst []byte) error

	// WriteBlock persists src (length BlockSize) as block index. It fails
	// with rfserr.IOFailed on a short write.
	WriteBlock(index uint, src []byte) error

	// TotalBlocks returns the number of addressable blocks.
	TotalBlocks() uint
}

// Resizer is implemented by devices that can grow or shrink their backing
// store.
type Resizer interface {
	Resize(newTotalBlocks uint) error
}

// Stream wraps an io.ReadWriteSeeker as a Device, grounded on the same
// seek-then-read/write discipline as a BlockStream. It backs both the
// host packer (over an *os.File) and tests (over an in-memory buffer via
// bytesextra).
type Stream struct {
	stream      io.ReadWriteSeeker
	totalBlocks uint
}

// NewStream wraps stream, which must already be sized to
// totalBlocks*BlockSize bytes.
func NewStream(stream io.ReadWriteSeeker, totalBlocks uint) *Stream {
	return &Stream{stream: stream, totalBlocks: totalBlocks}
}

func (d *Stream) TotalBlocks() uint {
	return d.totalBlocks
}

func (d *Stream) checkBounds(index uint) error {
	if index >= d.totalBlocks {
		return rfserr.IOFailed.WithMessage(fmt.Sprintf(
			"block %d not in range [0, %d)", index, d.totalBlocks))
	}
	return nil
}

func (d *Stream) seekToBlock(index uint) error {
	_, err := d.stream.Seek(int64(index)*BlockSize, io.SeekStart)
	return err
}

func (d *Stream) ReadBlock(index uint, dst []byte) error {
	if len(dst) != BlockSize {
		return rfserr.IOFailed.WithMessage(fmt.Sprintf(
			"read buffer must be %d bytes, got %d", BlockSize, len(dst)))
	}
	if err := d.checkBounds(index); err != nil {
		return err
	}
	if err := d.seekToBlock(index); err != nil {
		return rfserr.IOFailed.Wrap(err)
	}

	n, err := io.ReadFull(d.stream, dst)
	if err != nil || n != BlockSize {
		return rfserr.IOFailed.WithMessage(fmt.Sprintf(
			"short read of block %d: got %d of %d bytes", index, n, BlockSize))
	}
	return nil
}

func (d *Stream) WriteBlock(index uint, src []byte) error {
	if len(src) != BlockSize {
		return rfserr.IOFailed.WithMessage(fmt.Sprintf(
			"write buffer must be %d bytes, got %d", BlockSize, len(src)))
	}
	if err := d.checkBounds(index); err != nil {
		return err
	}
	if err := d.seekToBlock(index); err != nil {
		return rfserr.IOFailed.Wrap(err)
	}

	n, err := d.stream.Write(src)
	if err != nil || n != BlockSize {
		return rfserr.IOFailed.WithMessage(fmt.Sprintf(
			"short write of block %d: wrote %d of %d bytes", index, n, BlockSize))
	}
	return nil
}

// Resize implements Resizer by appending null blocks when growing, and
// truncating via the underlying stream's Truncate method (if it has one)
// when shrinking.
func (d *Stream) Resize(newTotalBlocks uint) error {
	if newTotalBlocks == d.totalBlocks {
		return nil
	}

	if newTotalBlocks > d.totalBlocks {
		if _, err := d.stream.Seek(0, io.SeekEnd); err != nil {
			return rfserr.IOFailed.Wrap(err)
		}
		padding := make([]byte, BlockSize*(newTotalBlocks-d.totalBlocks))
		if _, err := d.stream.Write(padding); err != nil {
			return rfserr.IOFailed.Wrap(err)
		}
		d.totalBlocks = newTotalBlocks
		return nil
	}

	truncator, ok := d.stream.(interface{ Truncate(int64) error })
	if !ok {
		return rfserr.IOFailed.WithMessage(
			"underlying stream can't be truncated to shrink the image")
	}
	if err := truncator.Truncate(int64(newTotalBlocks) * BlockSize); err != nil {
		return rfserr.IOFailed.Wrap(err)
	}
	d.totalBlocks = newTotalBlocks
	return nil
}

// DetermineBlockCount returns the number of whole BlockSize blocks currently
// in stream, rounded down.
func DetermineBlockCount(stream io.Seeker) (uint, error) {
	offset, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return uint(offset / BlockSize), nil
}
