package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustedfs/rfs/blockdev"
	"github.com/rustedfs/rfs/fs"
	"github.com/rustedfs/rfs/layout"
	"github.com/rustedfs/rfs/vfs"
)

func newRoot(t *testing.T, totalBlocks uint32) *vfs.Handle {
	t.Helper()
	dev := blockdev.NewMemoryDevice(uint(totalBlocks))
	manager, err := fs.Format(dev, totalBlocks, 1)
	require.NoError(t, err)

	root := vfs.Root(manager)
	require.NoError(t, root.SetDefaultDirent(root.InodeID()))
	return root
}

func TestHandle__CreateWriteFindRead__SmallFile(t *testing.T) {
	root := newRoot(t, 4096)

	file, ok, err := root.Create("hello", layout.File)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := file.WriteAt(0, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	found, ok, err := root.Find("hello")
	require.NoError(t, err)
	require.True(t, ok)

	buf := make([]byte, 2)
	n, err = found.ReadAt(0, buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "hi", string(buf))
}

func TestHandle__Create__ExistingNameFails(t *testing.T) {
	root := newRoot(t, 4096)

	_, ok, err := root.Create("dup", layout.File)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = root.Create("dup", layout.File)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandle__CreateDelete__RoundTrip(t *testing.T) {
	root := newRoot(t, 4096)

	_, ok, err := root.Create("gone", layout.File)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, root.Delete("gone"))

	_, ok, err = root.Find("gone")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandle__Delete__CompactsWithLastDirent(t *testing.T) {
	root := newRoot(t, 4096)

	for _, name := range []string{"a", "b", "c", "d"} {
		_, ok, err := root.Create(name, layout.File)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, root.Delete("b"))

	names, err := root.Ls()
	require.NoError(t, err)
	// "." and ".." come first (set up by newRoot), then a, d, c per the
	// swap-with-last compaction.
	require.Equal(t, []string{".", "..", "a", "d", "c"}, names)
}

func TestHandle__WriteAt__CrossesIndirect2Boundary(t *testing.T) {
	root := newRoot(t, 1<<16)
	file, ok, err := root.Create("big", layout.File)
	require.NoError(t, err)
	require.True(t, ok)

	size := int(layout.Indirect1Bound+1) * blockdev.BlockSize
	data := make([]byte, size)
	for block := 0; block*blockdev.BlockSize < size; block++ {
		pattern := byte(block)
		for i := 0; i < blockdev.BlockSize; i++ {
			data[block*blockdev.BlockSize+i] = pattern
		}
	}

	n, err := file.WriteAt(0, data)
	require.NoError(t, err)
	require.Equal(t, size, n)

	fileSize, err := file.FileSize()
	require.NoError(t, err)
	require.Equal(t, uint32(size), fileSize)

	buf := make([]byte, blockdev.BlockSize)
	for _, block := range []int{0, int(layout.DirectBound - 1), int(layout.DirectBound), int(layout.Indirect1Bound - 1), int(layout.Indirect1Bound)} {
		n, err := file.ReadAt(uint32(block*blockdev.BlockSize), buf)
		require.NoError(t, err)
		require.Equal(t, blockdev.BlockSize, n)
		expected := make([]byte, blockdev.BlockSize)
		for i := range expected {
			expected[i] = byte(block)
		}
		require.Equal(t, expected, buf, "block %d", block)
	}
}

func TestHandle__Find__MissingNameReturnsNotFound(t *testing.T) {
	root := newRoot(t, 4096)

	_, ok, err := root.Find("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandle__Delete__MissingNamePanics(t *testing.T) {
	root := newRoot(t, 4096)

	require.Panics(t, func() {
		_ = root.Delete("nope")
	})
}

func TestHandle__Find__OnNonDirectoryPanics(t *testing.T) {
	root := newRoot(t, 4096)
	file, ok, err := root.Create("notadir", layout.File)
	require.NoError(t, err)
	require.True(t, ok)

	require.Panics(t, func() {
		_, _, _ = file.Find("x")
	})
}

func TestHandle__ReadAt__PastEndOfFileReturnsZero(t *testing.T) {
	root := newRoot(t, 4096)
	file, ok, err := root.Create("f", layout.File)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = file.WriteAt(0, []byte("abc"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := file.ReadAt(3, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestHandle__IsLink__SoftLinkStoresTargetAsContent(t *testing.T) {
	root := newRoot(t, 4096)
	link, ok, err := root.Create("lnk", layout.SoftLink)
	require.NoError(t, err)
	require.True(t, ok)

	isLink, err := link.IsLink()
	require.NoError(t, err)
	require.True(t, isLink)

	_, err = link.WriteAt(0, []byte("/bin/hello"))
	require.NoError(t, err)

	size, err := link.FileSize()
	require.NoError(t, err)
	buf := make([]byte, size)
	_, err = link.ReadAt(0, buf)
	require.NoError(t, err)
	require.Equal(t, "/bin/hello", string(buf))
}

func TestHandle__GrowShrinkGrow__RestoresSize(t *testing.T) {
	root := newRoot(t, 4096)
	file, ok, err := root.Create("gs", layout.File)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = file.WriteAt(0, make([]byte, 2000))
	require.NoError(t, err)
	require.NoError(t, file.Clear())
	_, err = file.WriteAt(0, make([]byte, 2000))
	require.NoError(t, err)

	size, err := file.FileSize()
	require.NoError(t, err)
	require.Equal(t, uint32(2000), size)
}
