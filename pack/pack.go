// Package pack implements the host-side embedding: formatting a fresh
// image, laying down a root directory and a /bin directory, and copying
// every flat binary from a source directory into /bin. It is the Go
// counterpart of fs_tool's packer.
package pack

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rustedfs/rfs/blockdev"
	"github.com/rustedfs/rfs/fs"
	"github.com/rustedfs/rfs/layout"
	"github.com/rustedfs/rfs/vfs"
)

// DefaultInodeBitmapBlocks matches the one block the original packer
// always requests.
const DefaultInodeBitmapBlocks = 1

// Options configures a packer run.
type Options struct {
	// SourceDir holds the flat binaries to insert under /bin.
	SourceDir string
	// TargetDir is where fs.img is created.
	TargetDir string
	// TotalBlocks is the size, in blocks, of the image to format.
	TotalBlocks uint32
}

// Pack formats target/fs.img and populates it from opts.SourceDir.
func Pack(opts Options) error {
	imagePath := filepath.Join(opts.TargetDir, "fs.img")
	file, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", imagePath, err)
	}
	defer file.Close()

	if err := file.Truncate(int64(opts.TotalBlocks) * blockdev.BlockSize); err != nil {
		return fmt.Errorf("sizing %s: %w", imagePath, err)
	}

	device := blockdev.NewStream(file, uint(opts.TotalBlocks))
	manager, err := fs.Format(device, opts.TotalBlocks, DefaultInodeBitmapBlocks)
	if err != nil {
		return fmt.Errorf("formatting image: %w", err)
	}

	root := vfs.Root(manager)
	if err := root.SetDefaultDirent(root.InodeID()); err != nil {
		return fmt.Errorf("initializing root directory: %w", err)
	}

	bin, ok, err := root.Create("bin", layout.Directory)
	if err != nil {
		return fmt.Errorf("creating /bin: %w", err)
	}
	if !ok {
		return fmt.Errorf("creating /bin: already exists")
	}
	if err := bin.SetDefaultDirent(root.InodeID()); err != nil {
		return fmt.Errorf("initializing /bin: %w", err)
	}

	entries, err := os.ReadDir(opts.SourceDir)
	if err != nil {
		return fmt.Errorf("reading source dir %s: %w", opts.SourceDir, err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, ".") {
			continue
		}

		if err := packOne(bin, opts.SourceDir, name); err != nil {
			return err
		}
	}
	return nil
}

func packOne(bin *vfs.Handle, sourceDir, name string) error {
	srcPath := filepath.Join(sourceDir, name)
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", srcPath, err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", srcPath, err)
	}

	inode, ok, err := bin.Create(name, layout.File)
	if err != nil {
		return fmt.Errorf("creating /bin/%s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("creating /bin/%s: already exists", name)
	}

	if _, err := inode.WriteAt(0, data); err != nil {
		return fmt.Errorf("writing /bin/%s: %w", name, err)
	}
	return nil
}
