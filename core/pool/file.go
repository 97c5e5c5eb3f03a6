package pool

import (
	"fmt"

	"github.com/sandvfs/sandvfs/core/codes"
	"github.com/sandvfs/sandvfs/core/storage"
)

// SlotFile is an open logical file served directly by a pool slot. All
// offsets are relative to the file content, which starts after the
// slot's identity record.
type SlotFile struct {
	pool          *Pool
	slot          *Slot
	name          string
	readOnly      bool
	deleteOnClose bool
	closed        bool
}

// OpenFile opens a logical file through the pool, bypassing the command
// channel. A paused pool rejects opens with Busy until unpaused.
func (p *Pool) OpenFile(name string, flags storage.OpenFlags) (*SlotFile, error) {
	name = normalizeName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkUsable("open"); err != nil {
		return nil, err
	}
	if p.paused {
		return nil, codes.New(codes.Busy, "open", name, fmt.Errorf("pool %s paused", p.name))
	}
	slot, err := p.acquireLocked(name, flags&storage.FlagCreate != 0)
	if err != nil {
		return nil, err
	}
	p.openCount++
	return &SlotFile{
		pool:          p,
		slot:          slot,
		name:          name,
		readOnly:      flags&storage.FlagReadOnly != 0,
		deleteOnClose: flags&storage.FlagDeleteOnClose != 0,
	}, nil
}

// OpenFileCount returns the number of files currently open through the
// pool.
func (p *Pool) OpenFileCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCount
}

// Name returns the logical filename the file was opened with.
func (f *SlotFile) Name() string {
	return f.name
}

func (f *SlotFile) check(op string) error {
	if f.closed {
		return codes.New(codes.Misuse, op, f.name, fmt.Errorf("file closed"))
	}
	return nil
}

// ReadAt reads into p at the content-relative offset. Reads past the
// end return the bytes available without an error.
func (f *SlotFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.check("read"); err != nil {
		return 0, err
	}
	return f.slot.handle.ReadAt(p, off+headerSize)
}

// WriteAt writes p at the content-relative offset.
func (f *SlotFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.check("write"); err != nil {
		return 0, err
	}
	if f.readOnly {
		return 0, codes.New(codes.ReadOnly, "write", f.name, nil)
	}
	return f.slot.handle.WriteAt(p, off+headerSize)
}

// Truncate resizes the content to size bytes.
func (f *SlotFile) Truncate(size int64) error {
	if err := f.check("truncate"); err != nil {
		return err
	}
	if f.readOnly {
		return codes.New(codes.ReadOnly, "truncate", f.name, nil)
	}
	return f.slot.handle.Truncate(size + headerSize)
}

// Sync flushes the slot's backing handle.
func (f *SlotFile) Sync() error {
	if err := f.check("sync"); err != nil {
		return err
	}
	return f.slot.handle.Flush()
}

// Size returns the content size in bytes.
func (f *SlotFile) Size() (int64, error) {
	if err := f.check("size"); err != nil {
		return 0, err
	}
	raw, err := f.slot.handle.Size()
	if err != nil {
		return 0, err
	}
	if raw < headerSize {
		return 0, nil
	}
	return raw - headerSize, nil
}

// Close releases the open file. With delete-on-close the association is
// released, freeing the slot. Closing twice is a no-op.
func (f *SlotFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	f.pool.mu.Lock()
	f.pool.openCount--
	var err error
	if f.deleteOnClose {
		if f.pool.byName[f.name] == f.slot {
			if rerr := f.slot.reset(); rerr != nil {
				err = rerr
			} else {
				delete(f.pool.byName, f.name)
			}
		}
	}
	f.pool.mu.Unlock()
	return err
}
