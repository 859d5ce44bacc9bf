package blockdev

import "github.com/xaionaro-go/bytesextra"

// NewMemoryDevice builds a Device backed entirely by an in-memory byte
// slice, for tests. It is fixed at
// totalBlocks and cannot grow past the slice it was given.
func NewMemoryDevice(totalBlocks uint) *Stream {
	backing := make([]byte, totalBlocks*BlockSize)
	return NewStream(bytesextra.NewReadWriteSeeker(backing), totalBlocks)
}
