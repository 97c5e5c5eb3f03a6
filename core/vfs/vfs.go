// Package vfs implements the page-store contract consumed by the
// relational engine: open/read/write/truncate/sync/size/lock/unlock/
// close keyed by file descriptor. Each operation maps either to a
// direct pool-slot call (pooled mode) or to a command message pushed
// through the async proxy; either way the caller blocks until the
// result is in hand.
package vfs

import (
	"fmt"
	"sync"

	"github.com/sandvfs/sandvfs/core/codes"
	"github.com/sandvfs/sandvfs/core/pool"
	"github.com/sandvfs/sandvfs/core/proxy"
	"github.com/sandvfs/sandvfs/core/storage"
	"github.com/sandvfs/sandvfs/internal/logging"
)

// Options select the adapter's backend. At least one of Pool and
// Client must be set; with both set, pooled mode is preferred and the
// proxy is the fallback while the pool is paused.
type Options struct {
	// Pool serves files directly from associated slots.
	Pool *pool.Pool
	// Client dispatches command messages to the async proxy.
	Client *proxy.Client
}

// VFS is the adapter. The adapter mutex guards only the descriptor and
// lock tables; I/O serializes on each descriptor's own mutex, so a
// slow command on one descriptor never stalls the others.
type VFS struct {
	pool   *pool.Pool
	client *proxy.Client

	mu     sync.Mutex
	files  map[int32]*File
	locks  map[string]*lockState
	nextFD int32
}

// File is one open descriptor. The lock level is part of the per-path
// lock table and is guarded by the adapter mutex; the remaining
// mutable state is guarded by the descriptor's own mutex.
type File struct {
	fd     int32
	name   string
	flags  storage.OpenFlags
	lock   LockLevel
	pooled *pool.SlotFile // nil on the proxied path

	mu     sync.Mutex
	size   int64 // cached size; -1 when unknown
	closed bool
}

// FD returns the descriptor number.
func (f *File) FD() int32 {
	return f.fd
}

// Name returns the logical filename.
func (f *File) Name() string {
	return f.name
}

// LockLevel returns the connection's current lock level.
func (f *File) LockLevel() LockLevel {
	return f.lock
}

// Pooled reports whether the descriptor is served by a pool slot.
func (f *File) Pooled() bool {
	return f.pooled != nil
}

// guard reports Misuse for a descriptor closed after lookup. Callers
// hold f.mu.
func (f *File) guard(op string) error {
	if f.closed {
		return codes.New(codes.Misuse, op, f.name, fmt.Errorf("descriptor %d closed", f.fd))
	}
	return nil
}

// New creates an adapter over the configured backends.
func New(opts Options) (*VFS, error) {
	if opts.Pool == nil && opts.Client == nil {
		return nil, codes.New(codes.Misuse, "new vfs", "", fmt.Errorf("no backend configured"))
	}
	return &VFS{
		pool:   opts.Pool,
		client: opts.Client,
		files:  map[int32]*File{},
		locks:  map[string]*lockState{},
	}, nil
}

// Open opens a logical file and returns its descriptor.
func (v *VFS) Open(name string, flags storage.OpenFlags) (int32, error) {
	v.mu.Lock()
	v.nextFD++
	fd := v.nextFD
	v.mu.Unlock()

	f := &File{fd: fd, name: name, flags: flags, size: -1}

	usePool := v.pool != nil && !v.pool.Paused()
	if usePool {
		sf, err := v.pool.OpenFile(name, flags)
		if err != nil {
			return 0, err
		}
		f.pooled = sf
		f.name = sf.Name()
	} else {
		if v.client == nil {
			return 0, codes.New(codes.Busy, "open", name, fmt.Errorf("pool paused and no proxy configured"))
		}
		if _, err := v.client.Do(proxy.Command{Op: proxy.OpOpen, FD: fd, Path: name, Flags: flags}); err != nil {
			return 0, err
		}
	}

	v.mu.Lock()
	v.files[fd] = f
	v.mu.Unlock()
	logging.Debug("vfs: open", "fd", fd, "file", f.name, "pooled", f.Pooled())
	return fd, nil
}

// fileLocked resolves a descriptor. Callers hold v.mu.
func (v *VFS) fileLocked(fd int32, op string) (*File, error) {
	f, ok := v.files[fd]
	if !ok {
		return nil, codes.New(codes.Misuse, op, "", fmt.Errorf("descriptor %d not open", fd))
	}
	return f, nil
}

func (v *VFS) file(fd int32, op string) (*File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fileLocked(fd, op)
}

// Read fills p from the file at offset. A read past end-of-file
// zero-fills the tail and reports the bytes actually present.
func (v *VFS) Read(fd int32, p []byte, off int64) (int, error) {
	f, err := v.file(fd, "read")
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard("read"); err != nil {
		return 0, err
	}

	var n int
	if f.Pooled() {
		n, err = f.pooled.ReadAt(p, off)
	} else {
		var res proxy.Result
		res, err = v.client.Do(proxy.Command{Op: proxy.OpRead, FD: fd, Offset: off, Length: int64(len(p))})
		if err == nil {
			n = copy(p, res.Payload)
		}
	}
	if err != nil {
		return 0, err
	}
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return n, nil
}

// Write stores p at offset, extending the file as needed.
func (v *VFS) Write(fd int32, p []byte, off int64) (int, error) {
	f, err := v.file(fd, "write")
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard("write"); err != nil {
		return 0, err
	}

	var n int
	if f.Pooled() {
		n, err = f.pooled.WriteAt(p, off)
	} else {
		var res proxy.Result
		res, err = v.client.Do(proxy.Command{Op: proxy.OpWrite, FD: fd, Offset: off, Payload: p})
		n = int(res.N)
	}
	if err != nil {
		return n, err
	}
	if end := off + int64(n); f.size >= 0 && end > f.size {
		f.size = end
	}
	return n, nil
}

// Truncate resizes the file.
func (v *VFS) Truncate(fd int32, size int64) error {
	f, err := v.file(fd, "truncate")
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard("truncate"); err != nil {
		return err
	}

	if f.Pooled() {
		err = f.pooled.Truncate(size)
	} else {
		_, err = v.client.Do(proxy.Command{Op: proxy.OpTruncate, FD: fd, Length: size})
	}
	if err != nil {
		return err
	}
	f.size = size
	return nil
}

// Sync flushes the file to stable storage.
func (v *VFS) Sync(fd int32) error {
	f, err := v.file(fd, "sync")
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard("sync"); err != nil {
		return err
	}
	if f.Pooled() {
		return f.pooled.Sync()
	}
	_, err = v.client.Do(proxy.Command{Op: proxy.OpSync, FD: fd})
	return err
}

// FileSize returns the current size, consulting the per-descriptor
// cache before the backend.
func (v *VFS) FileSize(fd int32) (int64, error) {
	f, err := v.file(fd, "size")
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard("size"); err != nil {
		return 0, err
	}
	if f.size >= 0 {
		return f.size, nil
	}

	var size int64
	if f.Pooled() {
		size, err = f.pooled.Size()
	} else {
		var res proxy.Result
		res, err = v.client.Do(proxy.Command{Op: proxy.OpSize, FD: fd})
		size = res.N
	}
	if err != nil {
		return 0, err
	}
	f.size = size
	return size, nil
}

// Lock upgrades the descriptor's lock to level per the compatibility
// matrix; conflicts fail with Busy and leave state consistent.
func (v *VFS) Lock(fd int32, level LockLevel) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, err := v.fileLocked(fd, "lock")
	if err != nil {
		return err
	}
	ls := v.locks[f.name]
	if ls == nil {
		ls = &lockState{}
		v.locks[f.name] = ls
	}
	return ls.acquire(f, level)
}

// Unlock downgrades the descriptor's lock to shared or none. Unlock
// never upgrades.
func (v *VFS) Unlock(fd int32, level LockLevel) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, err := v.fileLocked(fd, "unlock")
	if err != nil {
		return err
	}
	ls := v.locks[f.name]
	if ls == nil {
		return nil
	}
	if err := ls.release(f, level); err != nil {
		return err
	}
	if ls.idle() {
		delete(v.locks, f.name)
	}
	return nil
}

// CheckReservedLock reports whether any connection holds a reserved or
// higher lock on the descriptor's file.
func (v *VFS) CheckReservedLock(fd int32) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, err := v.fileLocked(fd, "check reserved")
	if err != nil {
		return false, err
	}
	ls := v.locks[f.name]
	return ls != nil && ls.reservedOrHigher(), nil
}

// Close releases the descriptor, dropping any lock it still holds.
func (v *VFS) Close(fd int32) error {
	v.mu.Lock()
	f, err := v.fileLocked(fd, "close")
	if err != nil {
		v.mu.Unlock()
		return err
	}
	delete(v.files, fd)
	if ls := v.locks[f.name]; ls != nil {
		ls.release(f, LockNone)
		if ls.idle() {
			delete(v.locks, f.name)
		}
	}
	v.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.Pooled() {
		err = f.pooled.Close()
	} else {
		_, err = v.client.Do(proxy.Command{Op: proxy.OpClose, FD: fd})
	}
	logging.Debug("vfs: close", "fd", fd, "file", f.name)
	return err
}

// OpenFileCount returns the number of descriptors currently open.
func (v *VFS) OpenFileCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.files)
}

// CodeFor translates any error from this adapter into the fixed
// result-code set consumed by the relational engine.
func CodeFor(err error) codes.Code {
	c := codes.CodeOf(err)
	switch c {
	// The engine-facing set is narrower than the internal taxonomy.
	case codes.CapacityExceeded:
		return codes.CantOpen
	case codes.WrongContext:
		return codes.Misuse
	case codes.Corruption:
		return codes.IOErr
	default:
		return c
	}
}
