// Path resolution and the thin by-path wrappers atop Handle: folding
// "/"-separated components over Find, dereferencing symbolic links, and
// splitting at the last component for the mutating operations.
package vfs

import (
	"strings"

	"golang.org/x/exp/slices"

	"github.com/rustedfs/rfs/layout"
	"github.com/rustedfs/rfs/rfserr"
)

// maxSymlinkHops bounds symbolic link resolution so a cycle terminates
// with rfserr.LoopDetected instead of looping forever.
const maxSymlinkHops = 40

func splitComponents(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FindByPath folds path's components over Find, starting from root. It
// does not follow symbolic links.
func FindByPath(root *Handle, path string) (*Handle, bool, error) {
	current := root
	for _, name := range splitComponents(path) {
		next, ok, err := current.Find(name)
		if err != nil || !ok {
			return nil, false, err
		}
		current = next
	}
	return current, true, nil
}

// FindRealByPath behaves like FindByPath but additionally dereferences
// symbolic links at each step, restarting resolution from the decoded
// target path (which must be absolute). It returns rfserr.LoopDetected if
// more than maxSymlinkHops link hops are followed.
func FindRealByPath(root *Handle, path string) (*Handle, bool, error) {
	hops := 0
	remaining := splitComponents(path)

	current := root
	for len(remaining) > 0 {
		name := remaining[0]
		remaining = remaining[1:]

		next, ok, err := current.Find(name)
		if err != nil || !ok {
			return nil, false, err
		}

		isLink, err := next.IsLink()
		if err != nil {
			return nil, false, err
		}
		if !isLink {
			current = next
			continue
		}

		hops++
		if hops > maxSymlinkHops {
			return nil, false, rfserr.LoopDetected
		}

		size, err := next.FileSize()
		if err != nil {
			return nil, false, err
		}
		targetBuf := make([]byte, size)
		if _, err := next.ReadAt(0, targetBuf); err != nil {
			return nil, false, err
		}

		target := splitComponents(string(targetBuf))
		remaining = slices.Insert(remaining, 0, target...)
		current = root
	}
	return current, true, nil
}

func splitParent(path string) (parentComponents []string, name string) {
	components := splitComponents(path)
	if len(components) == 0 {
		return nil, ""
	}
	return components[:len(components)-1], components[len(components)-1]
}

func findParent(root *Handle, parentComponents []string) (*Handle, error) {
	current := root
	for _, name := range parentComponents {
		next, ok, err := current.Find(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, rfserr.NotFound
		}
		current = next
	}
	return current, nil
}

// MkdirByPath creates a directory at path and wires up its "." and ".."
// entries. ok is false if the name already exists.
func MkdirByPath(root *Handle, path string) (*Handle, bool, error) {
	parentComponents, name := splitParent(path)
	parent, err := findParent(root, parentComponents)
	if err != nil {
		return nil, false, err
	}

	dir, ok, err := parent.Create(name, layout.Directory)
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := dir.SetDefaultDirent(parent.InodeID()); err != nil {
		return nil, false, err
	}
	return dir, true, nil
}

// TouchByPath creates an empty regular file at path. ok is false if the
// name already exists.
func TouchByPath(root *Handle, path string) (*Handle, bool, error) {
	parentComponents, name := splitParent(path)
	parent, err := findParent(root, parentComponents)
	if err != nil {
		return nil, false, err
	}
	return parent.Create(name, layout.File)
}

// LnByPath creates a symbolic link at path whose content is target.
func LnByPath(root *Handle, path, target string) (*Handle, bool, error) {
	parentComponents, name := splitParent(path)
	parent, err := findParent(root, parentComponents)
	if err != nil {
		return nil, false, err
	}

	link, ok, err := parent.Create(name, layout.SoftLink)
	if err != nil || !ok {
		return nil, ok, err
	}
	if _, err := link.WriteAt(0, []byte(target)); err != nil {
		return nil, false, err
	}
	return link, true, nil
}

// RmdirByPath removes an empty directory at path. It returns
// rfserr.DirectoryNotEmpty if the directory contains anything besides "."
// and "..".
func RmdirByPath(root *Handle, path string) error {
	target, ok, err := FindByPath(root, path)
	if err != nil {
		return err
	}
	if !ok {
		return rfserr.NotFound
	}
	isDir, err := target.IsDir()
	if err != nil {
		return err
	}
	if !isDir {
		panic(rfserr.NotADirectory)
	}
	empty, err := target.IsEmpty()
	if err != nil {
		return err
	}
	if !empty {
		return rfserr.DirectoryNotEmpty
	}

	parentComponents, name := splitParent(path)
	parent, err := findParent(root, parentComponents)
	if err != nil {
		return err
	}
	return parent.Delete(name)
}

// LsByPath resolves path and lists its directory entries.
func LsByPath(root *Handle, path string) ([]string, error) {
	target, ok, err := FindByPath(root, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rfserr.NotFound
	}
	return target.Ls()
}

// DeleteByPath removes the entry at path (file, symlink, or empty
// directory is left to the caller to check via IsDir/IsEmpty).
func DeleteByPath(root *Handle, path string) error {
	parentComponents, name := splitParent(path)
	parent, err := findParent(root, parentComponents)
	if err != nil {
		return err
	}
	return parent.Delete(name)
}
