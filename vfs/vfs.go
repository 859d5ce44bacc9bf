// Package vfs is the inode handle layer: the user-facing object for an
// inode (read/write at offset, grow/shrink, create/delete children, list,
// resolve symbolic links) built atop the filesystem manager and block
// cache. It is the Go counterpart of InodeHandler.
package vfs

import (
	"github.com/rustedfs/rfs/blockcache"
	"github.com/rustedfs/rfs/fs"
	"github.com/rustedfs/rfs/layout"
	"github.com/rustedfs/rfs/rfserr"
)

// Handle is an in-memory reference to an inode by its (block, offset)
// on-disk location. Its coordinates are stable for its lifetime; the
// inode's contents are read and modified entirely through the cache.
type Handle struct {
	blockID uint32
	offset  uint32
	manager *fs.Manager
}

// Root returns a Handle for the root directory, inode #0.
func Root(manager *fs.Manager) *Handle {
	blockID, offset := manager.InodePosition(0)
	return &Handle{blockID: blockID, offset: offset, manager: manager}
}

func newHandle(manager *fs.Manager, id uint32) *Handle {
	blockID, offset := manager.InodePosition(id)
	return &Handle{blockID: blockID, offset: offset, manager: manager}
}

func (h *Handle) readInode() (layout.Inode, error) {
	handle, err := h.manager.Cache.Get(uint(h.blockID))
	if err != nil {
		return layout.Inode{}, err
	}
	defer handle.Release()
	return blockcache.Read(handle, int(h.offset), layout.DecodeInode), nil
}

// modifyInode loads this handle's inode, passes it to f for in-place
// mutation, and writes the result back. f's error return propagates
// unchanged; it may also panic for the non-recoverable contract
// violations (NotADirectory, NotFound-on-delete) the VFS layer defines.
func (h *Handle) modifyInode(f func(*layout.Inode) error) error {
	handle, err := h.manager.Cache.Get(uint(h.blockID))
	if err != nil {
		return err
	}
	defer handle.Release()

	var ferr error
	blockcache.Modify(handle, int(h.offset), func(data []byte) struct{} {
		in := layout.DecodeInode(data)
		ferr = f(&in)
		in.Encode(data)
		return struct{}{}
	})
	return ferr
}

// InodeID derives this handle's inode number from its on-disk position.
func (h *Handle) InodeID() uint32 {
	return h.manager.InodeID(h.blockID, h.offset)
}

// IsLink reports whether this inode is a symbolic link.
func (h *Handle) IsLink() (bool, error) {
	in, err := h.readInode()
	if err != nil {
		return false, err
	}
	return in.IsSoftLink(), nil
}

// IsDir reports whether this inode is a directory.
func (h *Handle) IsDir() (bool, error) {
	in, err := h.readInode()
	if err != nil {
		return false, err
	}
	return in.IsDir(), nil
}

// FileSize returns the inode's current byte size.
func (h *Handle) FileSize() (uint32, error) {
	in, err := h.readInode()
	if err != nil {
		return 0, err
	}
	return in.Size, nil
}

// ReadAt reads into buf starting at offset; it never modifies the inode's
// size.
func (h *Handle) ReadAt(offset uint32, buf []byte) (int, error) {
	in, err := h.readInode()
	if err != nil {
		return 0, err
	}
	return in.ReadAt(offset, buf, h.manager.Cache)
}

// growTo allocates whatever data blocks are needed to grow the inode to
// newSize, then applies them, implementing the "grow then write" split:
// allocation goes through the manager, application stays in layout.Inode.
func (h *Handle) growTo(in *layout.Inode, newSize uint32) error {
	if newSize <= in.Size {
		return nil
	}
	needed := in.BlocksNeeded(newSize)
	fresh := make([]uint32, needed)
	for i := range fresh {
		block, err := h.manager.AllocData()
		if err != nil {
			return err
		}
		fresh[i] = block
	}
	return in.IncreaseSize(newSize, fresh, h.manager.Cache)
}

func (h *Handle) shrinkTo(in *layout.Inode, newSize uint32) error {
	if newSize >= in.Size {
		return nil
	}
	freed, err := in.DecreaseSize(newSize, h.manager.Cache)
	if err != nil {
		return err
	}
	for _, block := range freed {
		if err := h.manager.DeallocData(block); err != nil {
			return err
		}
	}
	return nil
}

// WriteAt grows the inode to offset+len(buf) if needed, then writes, then
// flushes the cache. It returns the number of bytes written.
func (h *Handle) WriteAt(offset uint32, buf []byte) (int, error) {
	var written int
	err := h.modifyInode(func(in *layout.Inode) error {
		if err := h.growTo(in, offset+uint32(len(buf))); err != nil {
			return err
		}
		n, err := in.WriteAt(offset, buf, h.manager.Cache)
		written = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return written, h.manager.Cache.Sync()
}

// Clear shrinks the inode to size 0, freeing every data and metadata block
// it held.
func (h *Handle) Clear() error {
	err := h.modifyInode(func(in *layout.Inode) error {
		return h.shrinkTo(in, 0)
	})
	if err != nil {
		return err
	}
	return h.manager.Cache.Sync()
}

func direntCount(in layout.Inode) uint32 {
	return in.Size / layout.DirentSize
}

func (h *Handle) findInodeID(name string, in layout.Inode) (uint32, bool, error) {
	count := direntCount(in)
	buf := make([]byte, layout.DirentSize)
	for i := uint32(0); i < count; i++ {
		n, err := in.ReadAt(i*layout.DirentSize, buf, h.manager.Cache)
		if err != nil {
			return 0, false, err
		}
		if n != layout.DirentSize {
			return 0, false, rfserr.IOFailed.WithMessage("short dirent read")
		}
		d := layout.DecodeDirent(buf)
		if d.NameString() == name {
			return d.InodeNumber, true, nil
		}
	}
	return 0, false, nil
}

// Find scans this directory's entries in order and returns a handle for
// the first dirent named name. ok is false if no such entry exists.
func (h *Handle) Find(name string) (*Handle, bool, error) {
	in, err := h.readInode()
	if err != nil {
		return nil, false, err
	}
	if !in.IsDir() {
		panic(rfserr.NotADirectory)
	}

	id, ok, err := h.findInodeID(name, in)
	if err != nil || !ok {
		return nil, false, err
	}
	return newHandle(h.manager, id), true, nil
}

// Create allocates a new inode of the given type and appends a dirent
// naming it to this directory. ok is false (and no inode is created) if
// name already exists. Directories created this way do not get "." and
// ".." automatically; call SetDefaultDirent for that.
func (h *Handle) Create(name string, t layout.InodeType) (*Handle, bool, error) {
	dirIn, err := h.readInode()
	if err != nil {
		return nil, false, err
	}
	if !dirIn.IsDir() {
		panic(rfserr.NotADirectory)
	}

	if _, exists, err := h.findInodeID(name, dirIn); err != nil {
		return nil, false, err
	} else if exists {
		return nil, false, nil
	}

	dirent, err := layout.NewDirent(name, 0)
	if err != nil {
		return nil, false, err
	}

	newID, err := h.manager.AllocInode()
	if err != nil {
		return nil, false, err
	}
	newBlockID, newOffset := h.manager.InodePosition(newID)
	niHandle, err := h.manager.Cache.Get(uint(newBlockID))
	if err != nil {
		return nil, false, err
	}
	blockcache.Modify(niHandle, int(newOffset), func(data []byte) struct{} {
		in := layout.Inode{}
		in.Init(t)
		in.Encode(data)
		return struct{}{}
	})
	niHandle.Release()

	dirent.InodeNumber = newID
	err = h.modifyInode(func(in *layout.Inode) error {
		count := direntCount(*in)
		newSize := (count + 1) * layout.DirentSize
		if err := h.growTo(in, newSize); err != nil {
			return err
		}
		direntBuf := make([]byte, layout.DirentSize)
		dirent.Encode(direntBuf)
		_, err := in.WriteAt(count*layout.DirentSize, direntBuf, h.manager.Cache)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if err := h.manager.Cache.Sync(); err != nil {
		return nil, false, err
	}
	return newHandle(h.manager, newID), true, nil
}

// SetDefaultDirent writes "." (pointing at this directory) at offset 0 and
// ".." (pointing at parentID) at offset DirentSize, growing the directory
// to 2*DirentSize. Meant to be called once, right after Create returns a
// fresh directory handle.
func (h *Handle) SetDefaultDirent(parentID uint32) error {
	selfDirent, err := layout.NewDirent(".", h.InodeID())
	if err != nil {
		return err
	}
	parentDirent, err := layout.NewDirent("..", parentID)
	if err != nil {
		return err
	}

	err = h.modifyInode(func(in *layout.Inode) error {
		if err := h.growTo(in, 2*layout.DirentSize); err != nil {
			return err
		}
		selfBuf := make([]byte, layout.DirentSize)
		selfDirent.Encode(selfBuf)
		if _, err := in.WriteAt(0, selfBuf, h.manager.Cache); err != nil {
			return err
		}
		parentBuf := make([]byte, layout.DirentSize)
		parentDirent.Encode(parentBuf)
		_, err := in.WriteAt(layout.DirentSize, parentBuf, h.manager.Cache)
		return err
	})
	if err != nil {
		return err
	}
	return h.manager.Cache.Sync()
}

// Delete removes the dirent named name: frees its inode (and all its data
// and metadata blocks), replaces the removed dirent with the directory's
// last dirent, and shrinks by one DirentSize. It panics if name doesn't
// exist, matching the "delete of a missing name" contract violation.
func (h *Handle) Delete(name string) error {
	var targetID uint32
	found := false

	err := h.modifyInode(func(in *layout.Inode) error {
		if !in.IsDir() {
			panic(rfserr.NotADirectory)
		}
		count := direntCount(*in)
		buf := make([]byte, layout.DirentSize)
		last := make([]byte, layout.DirentSize)
		if _, err := in.ReadAt((count-1)*layout.DirentSize, last, h.manager.Cache); err != nil {
			return err
		}

		for i := uint32(0); i < count; i++ {
			if _, err := in.ReadAt(i*layout.DirentSize, buf, h.manager.Cache); err != nil {
				return err
			}
			d := layout.DecodeDirent(buf)
			if d.NameString() != name {
				continue
			}
			targetID = d.InodeNumber
			found = true
			if _, err := in.WriteAt(i*layout.DirentSize, last, h.manager.Cache); err != nil {
				return err
			}
			break
		}
		if !found {
			panic(rfserr.NotFound)
		}

		return h.shrinkTo(in, (count-1)*layout.DirentSize)
	})
	if err != nil {
		return err
	}

	target := newHandle(h.manager, targetID)
	if err := target.Clear(); err != nil {
		return err
	}
	if err := h.manager.DeallocInode(targetID); err != nil {
		return err
	}
	return h.manager.Cache.Sync()
}

// Ls enumerates this directory's dirents and decodes each name.
func (h *Handle) Ls() ([]string, error) {
	in, err := h.readInode()
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		panic(rfserr.NotADirectory)
	}

	count := direntCount(in)
	names := make([]string, 0, count)
	buf := make([]byte, layout.DirentSize)
	for i := uint32(0); i < count; i++ {
		if _, err := in.ReadAt(i*layout.DirentSize, buf, h.manager.Cache); err != nil {
			return nil, err
		}
		names = append(names, layout.DecodeDirent(buf).NameString())
	}
	return names, nil
}

// IsEmpty reports whether a directory contains only "." and "..".
func (h *Handle) IsEmpty() (bool, error) {
	names, err := h.Ls()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n != "." && n != ".." {
			return false, nil
		}
	}
	return true, nil
}
