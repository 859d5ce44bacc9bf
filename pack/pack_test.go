package pack_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustedfs/rfs/blockdev"
	"github.com/rustedfs/rfs/fs"
	"github.com/rustedfs/rfs/pack"
	"github.com/rustedfs/rfs/vfs"
)

func TestPack__CreatesRootBinAndCopiesFiles(t *testing.T) {
	sourceDir := t.TempDir()
	targetDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "hello"), []byte("hi there"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "skip.txt"), []byte("ignored"), 0644))

	opts := pack.Options{SourceDir: sourceDir, TargetDir: targetDir, TotalBlocks: 4096}
	require.NoError(t, pack.Pack(opts))

	imagePath := filepath.Join(targetDir, "fs.img")
	info, err := os.Stat(imagePath)
	require.NoError(t, err)
	require.Equal(t, int64(4096)*blockdev.BlockSize, info.Size())

	file, err := os.Open(imagePath)
	require.NoError(t, err)
	defer file.Close()

	device := blockdev.NewStream(file, 4096)
	manager, err := fs.Open(device)
	require.NoError(t, err)

	root := vfs.Root(manager)
	names, err := root.Ls()
	require.NoError(t, err)
	require.Contains(t, names, "bin")
	require.NotContains(t, names, "skip.txt")

	bin, ok, err := root.Find("bin")
	require.NoError(t, err)
	require.True(t, ok)

	binNames, err := bin.Ls()
	require.NoError(t, err)
	require.Contains(t, binNames, "hello")

	helloHandle, ok, err := bin.Find("hello")
	require.NoError(t, err)
	require.True(t, ok)

	size, err := helloHandle.FileSize()
	require.NoError(t, err)
	buf := make([]byte, size)
	_, err = helloHandle.ReadAt(0, buf)
	require.NoError(t, err)
	require.Equal(t, "hi there", string(buf))
}
