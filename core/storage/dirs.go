package storage

import (
	"os"
	"path"
	"sort"

	"github.com/sandvfs/sandvfs/core/codes"
)

// Entry describes one file or directory inside the sandbox.
type Entry struct {
	// Path is the slash-separated logical path relative to the root.
	Path string
	// Name is the final path element.
	Name string
	// IsDir reports whether the entry is a directory.
	IsDir bool
	// Size is the file size in bytes; zero for directories.
	Size int64
}

// Exists reports whether a file or directory exists at the logical path.
func (b *Backend) Exists(name string) (bool, error) {
	if err := b.check("stat"); err != nil {
		return false, err
	}
	full, err := b.resolve(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, codes.New(codes.IOErr, "stat", name, err)
	}
	return true, nil
}

// Mkdir creates the directory at the logical path, including any missing
// parents. Returns true whether the directory was created or already
// existed; only a real failure returns an error.
func (b *Backend) Mkdir(name string) (bool, error) {
	if err := b.check("mkdir"); err != nil {
		return false, err
	}
	full, err := b.resolve(name)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return false, codes.New(codes.IOErr, "mkdir", name, err)
	}
	return true, nil
}

// Unlink removes the file or directory at the logical path. Directories
// require recursive=true unless empty. Returns false without error when
// nothing existed to delete, mirroring idempotent delete semantics.
func (b *Backend) Unlink(name string, recursive bool) (bool, error) {
	if err := b.check("unlink"); err != nil {
		return false, err
	}
	full, err := b.resolve(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, codes.New(codes.IOErr, "unlink", name, err)
	}
	if recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		return false, codes.New(codes.IOErr, "unlink", name, err)
	}
	return true, nil
}

// ListEntries returns the immediate children of the logical directory,
// sorted by name.
func (b *Backend) ListEntries(name string) ([]Entry, error) {
	if err := b.check("list"); err != nil {
		return nil, err
	}
	full, err := b.resolve(name)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, codes.New(codes.NotFound, "list", name, err)
		}
		return nil, codes.New(codes.IOErr, "list", name, err)
	}

	base := path.Clean("/" + name)
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		e := Entry{
			Path:  path.Join(base, de.Name()),
			Name:  de.Name(),
			IsDir: de.IsDir(),
		}
		if !de.IsDir() {
			if info, err := de.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// TraverseOptions configure a tree walk.
type TraverseOptions struct {
	// Root is the logical directory to start from.
	Root string
	// Recursive descends into subdirectories when true.
	Recursive bool
	// Visitor is invoked for every entry. Returning an error stops the
	// walk and propagates the error.
	Visitor func(Entry) error
}

// Traverse walks the tree under opts.Root, invoking the visitor for each
// entry in sorted order, directories before their contents.
func (b *Backend) Traverse(opts TraverseOptions) error {
	if opts.Visitor == nil {
		return codes.New(codes.Misuse, "traverse", opts.Root, nil)
	}
	return b.traverse(opts.Root, opts.Recursive, opts.Visitor)
}

func (b *Backend) traverse(dir string, recursive bool, visit func(Entry) error) error {
	entries, err := b.ListEntries(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := visit(e); err != nil {
			return err
		}
		if e.IsDir && recursive {
			if err := b.traverse(e.Path, recursive, visit); err != nil {
				return err
			}
		}
	}
	return nil
}
