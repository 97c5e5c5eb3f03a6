// Package storage provides the synchronous storage backend over a
// sandboxed root directory. All operations are positional and blocking.
// A Backend may be confined to a single owning goroutine (the I/O
// context); confined calls from any other goroutine fail with
// WrongContext rather than racing.
package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/sandvfs/sandvfs/core/capability"
	"github.com/sandvfs/sandvfs/core/codes"
)

// OpenFlags control how a file is opened.
type OpenFlags uint8

const (
	// FlagCreate creates the file if it does not exist.
	FlagCreate OpenFlags = 1 << iota
	// FlagReadOnly opens the file for reading only.
	FlagReadOnly
	// FlagDeleteOnClose unlinks the file when the handle is closed.
	FlagDeleteOnClose
)

// Backend is a synchronous storage backend rooted at a sandbox directory.
// Logical paths are slash-separated and interpreted relative to the root;
// they can never escape it.
type Backend struct {
	root string

	// owner is the goroutine id this backend is confined to, or 0 when
	// the backend is unconfined (pooled direct access).
	owner atomic.Int64
}

// NewBackend creates a backend over root. The capability probe for the
// root runs once here; an unusable root fails with CantOpen.
func NewBackend(root string) (*Backend, error) {
	avail := capability.Detect(root)
	if !avail.SyncAccess {
		return nil, codes.New(codes.CantOpen, "probe root", root, fmt.Errorf("%s", avail.Reason))
	}
	return &Backend{root: root}, nil
}

// Root returns the sandbox root directory.
func (b *Backend) Root() string {
	return b.root
}

// Confine binds the backend to the calling goroutine. Subsequent
// operations from any other goroutine fail with WrongContext.
func (b *Backend) Confine() {
	b.owner.Store(goroutineID())
}

// Unconfine removes the goroutine binding, e.g. across a proxy restart.
func (b *Backend) Unconfine() {
	b.owner.Store(0)
}

// check enforces the confinement invariant for op.
func (b *Backend) check(op string) error {
	owner := b.owner.Load()
	if owner != 0 && owner != goroutineID() {
		return codes.New(codes.WrongContext, op, "", nil)
	}
	return nil
}

// resolve normalizes a logical path and maps it inside the sandbox root.
// Escaping paths are a protocol violation.
func (b *Backend) resolve(name string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "/" {
		return b.root, nil
	}
	if strings.HasPrefix(cleaned, "/..") {
		return "", codes.New(codes.Misuse, "resolve", name, fmt.Errorf("path escapes sandbox"))
	}
	return filepath.Join(b.root, filepath.FromSlash(cleaned[1:])), nil
}

// Open opens the logical file name under the sandbox root.
func (b *Backend) Open(name string, flags OpenFlags) (*Handle, error) {
	if err := b.check("open"); err != nil {
		return nil, err
	}
	full, err := b.resolve(name)
	if err != nil {
		return nil, err
	}

	mode := os.O_RDWR
	if flags&FlagReadOnly != 0 {
		mode = os.O_RDONLY
	}
	if flags&FlagCreate != 0 {
		mode |= os.O_CREATE
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, codes.New(codes.CantOpen, "open", name, err)
		}
	}

	f, err := os.OpenFile(full, mode, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, codes.New(codes.NotFound, "open", name, err)
		}
		return nil, codes.New(codes.CantOpen, "open", name, err)
	}
	return &Handle{backend: b, f: f, name: name, full: full, flags: flags}, nil
}

// Handle is an exclusive positional handle on one file.
type Handle struct {
	backend *Backend
	f       *os.File
	name    string
	full    string
	flags   OpenFlags
	closed  bool
}

// Name returns the logical file name the handle was opened with.
func (h *Handle) Name() string {
	return h.name
}

// ReadOnly reports whether the handle rejects writes.
func (h *Handle) ReadOnly() bool {
	return h.flags&FlagReadOnly != 0
}

func (h *Handle) check(op string) error {
	if h.closed {
		return codes.New(codes.Misuse, op, h.name, fmt.Errorf("handle closed"))
	}
	return h.backend.check(op)
}

// ReadAt reads into p at the given offset. A read past end-of-file
// returns the bytes available without an error; the caller decides how
// to treat the short count.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if err := h.check("read"); err != nil {
		return 0, err
	}
	n, err := h.f.ReadAt(p, off)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, codes.New(codes.IOErr, "read", h.name, err)
	}
	return n, nil
}

// WriteAt writes p at the given offset, extending the file as needed.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if err := h.check("write"); err != nil {
		return 0, err
	}
	if h.ReadOnly() {
		return 0, codes.New(codes.ReadOnly, "write", h.name, nil)
	}
	n, err := h.f.WriteAt(p, off)
	if err != nil {
		return n, codes.New(codes.IOErr, "write", h.name, err)
	}
	return n, nil
}

// Truncate resizes the file to size bytes.
func (h *Handle) Truncate(size int64) error {
	if err := h.check("truncate"); err != nil {
		return err
	}
	if h.ReadOnly() {
		return codes.New(codes.ReadOnly, "truncate", h.name, nil)
	}
	if err := h.f.Truncate(size); err != nil {
		return codes.New(codes.IOErr, "truncate", h.name, err)
	}
	return nil
}

// Flush forces buffered writes to stable storage.
func (h *Handle) Flush() error {
	if err := h.check("flush"); err != nil {
		return err
	}
	if err := h.f.Sync(); err != nil {
		return codes.New(codes.IOErr, "flush", h.name, err)
	}
	return nil
}

// Size returns the current file size in bytes.
func (h *Handle) Size() (int64, error) {
	if err := h.check("size"); err != nil {
		return 0, err
	}
	info, err := h.f.Stat()
	if err != nil {
		return 0, codes.New(codes.IOErr, "size", h.name, err)
	}
	return info.Size(), nil
}

// Close releases the handle. With FlagDeleteOnClose the file is unlinked
// afterwards. Closing twice is a no-op.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	if err := h.backend.check("close"); err != nil {
		return err
	}
	h.closed = true
	if err := h.f.Close(); err != nil {
		return codes.New(codes.IOErr, "close", h.name, err)
	}
	if h.flags&FlagDeleteOnClose != 0 {
		if err := os.Remove(h.full); err != nil && !os.IsNotExist(err) {
			return codes.New(codes.IOErr, "unlink", h.name, err)
		}
	}
	return nil
}
