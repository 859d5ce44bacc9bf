package fs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustedfs/rfs/blockcache"
	"github.com/rustedfs/rfs/blockdev"
	"github.com/rustedfs/rfs/fs"
	"github.com/rustedfs/rfs/layout"
)

func TestFormat__LayoutComputation__Matches4096BlockScenario(t *testing.T) {
	dev := blockdev.NewMemoryDevice(4096)
	manager, err := fs.Format(dev, 4096, 1)
	require.NoError(t, err)

	stat, err := manager.Stat()
	require.NoError(t, err)
	require.Equal(t, uint32(4096), stat.TotalBlocks)

	reopened, err := fs.Open(dev)
	require.NoError(t, err)
	require.Equal(t, manager.InodeBitmap, reopened.InodeBitmap)
	require.Equal(t, manager.DataBitmap, reopened.DataBitmap)
}

func TestFormat__RootInode__IsDirectoryWithSizeZero(t *testing.T) {
	dev := blockdev.NewMemoryDevice(4096)
	manager, err := fs.Format(dev, 4096, 1)
	require.NoError(t, err)

	blockID, offset := manager.InodePosition(0)
	handle, err := manager.Cache.Get(uint(blockID))
	require.NoError(t, err)
	defer handle.Release()

	root := blockcache.Read(handle, int(offset), layout.DecodeInode)
	require.True(t, root.IsDir())
	require.Equal(t, uint32(0), root.Size)
}

func TestOpen__RejectsImageWithWrongMagic(t *testing.T) {
	dev := blockdev.NewMemoryDevice(64)
	_, err := fs.Open(dev)
	require.Error(t, err)
}

func TestManager__InodePosition__RoundTrips(t *testing.T) {
	dev := blockdev.NewMemoryDevice(4096)
	manager, err := fs.Format(dev, 4096, 1)
	require.NoError(t, err)

	for _, id := range []uint32{0, 1, 3, 31} {
		blockID, offset := manager.InodePosition(id)
		require.Equal(t, id, manager.InodeID(blockID, offset))
	}
}

func TestManager__AllocDeallocData__ReusesLowestFreedBlock(t *testing.T) {
	dev := blockdev.NewMemoryDevice(4096)
	manager, err := fs.Format(dev, 4096, 1)
	require.NoError(t, err)

	a, err := manager.AllocData()
	require.NoError(t, err)
	b, err := manager.AllocData()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, manager.DeallocData(a))

	reused, err := manager.AllocData()
	require.NoError(t, err)
	require.Equal(t, a, reused)
}

func TestManager__AllocDeallocInode__ReusesLowestFreedID(t *testing.T) {
	dev := blockdev.NewMemoryDevice(4096)
	manager, err := fs.Format(dev, 4096, 1)
	require.NoError(t, err)

	id, err := manager.AllocInode()
	require.NoError(t, err)
	require.NoError(t, manager.DeallocInode(id))

	reused, err := manager.AllocInode()
	require.NoError(t, err)
	require.Equal(t, id, reused)
}
