// Package pool implements the handle pool: a fixed-capacity set of
// exclusive storage handles held open for the process lifetime, mapped
// to logical filenames through persisted, digest-tagged identity
// records. The pool is the direct backend of the VFS adapter in pooled
// mode, bypassing the command-channel round trip entirely.
package pool

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sandvfs/sandvfs/core/capability"
	"github.com/sandvfs/sandvfs/core/codes"
	"github.com/sandvfs/sandvfs/core/storage"
	"github.com/sandvfs/sandvfs/internal/logging"
)

// DefaultCapacity is the slot count for pools created without one.
const DefaultCapacity = 6

// Options configure pool initialization.
type Options struct {
	// Root is the directory holding all pools.
	Root string
	// Capacity is the minimum slot count. Existing slots recovered from
	// disk are never discarded to meet a smaller capacity.
	Capacity int
	// ForceReinit discards a cached pool (or cached failure) for the
	// same name and initializes from scratch.
	ForceReinit bool
}

// Pool manages the slot set for one named pool.
type Pool struct {
	name    string
	id      uuid.UUID
	backend *storage.Backend

	mu        sync.Mutex
	slots     []*Slot
	byName    map[string]*Slot
	openCount int
	paused    bool
	removed   bool
}

// Slot is one pool-managed exclusive storage handle, reusable across
// files. A slot keeps its backing handle open from pool initialization
// until shutdown or capacity reduction.
type Slot struct {
	pool   *Pool
	index  int
	handle *storage.Handle
	name   string // associated logical filename; "" when free
}

// Index returns the slot's position in the pool.
func (s *Slot) Index() int {
	return s.index
}

// FileName returns the associated logical filename, or "" for a free slot.
func (s *Slot) FileName() string {
	return s.name
}

func slotFileName(index int) string {
	return fmt.Sprintf("/slot-%04d.sv", index)
}

// newPool initializes a pool under dir, recovering slot associations
// from persisted identity records. Called through the registry only.
// A forced reinit re-runs the capability probe for the directory.
func newPool(dir string, capacity int, force bool) (*Pool, error) {
	if force {
		capability.Redetect(dir)
	}
	backend, err := storage.NewBackend(dir)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	p := &Pool{
		name:    filepath.Base(dir),
		id:      uuid.New(),
		backend: backend,
		byName:  make(map[string]*Slot),
	}

	if err := p.recover(); err != nil {
		return nil, err
	}
	for len(p.slots) < capacity {
		if err := p.addSlot(); err != nil {
			p.closeSlots()
			return nil, err
		}
	}
	logging.Info("pool initialized",
		"pool", p.name, "instance", p.id.String(),
		"capacity", len(p.slots), "associated", len(p.byName))
	return p, nil
}

// recover scans persisted slot files and reconciles identity records.
// Records that fail their digest check are recovered by resetting the
// slot to free; corruption is never fatal here.
func (p *Pool) recover() error {
	entries, err := p.backend.ListEntries("/")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir || !strings.HasPrefix(e.Name, "slot-") || !strings.HasSuffix(e.Name, ".sv") {
			continue
		}
		var index int
		if _, err := fmt.Sscanf(e.Name, "slot-%04d.sv", &index); err != nil {
			continue
		}
		h, err := p.backend.Open(e.Path, 0)
		if err != nil {
			return err
		}
		slot := &Slot{pool: p, index: index, handle: h}

		buf := make([]byte, headerSize)
		if _, err := h.ReadAt(buf, 0); err != nil {
			h.Close()
			return err
		}
		name, derr := decodeIdentity(buf)
		switch {
		case derr != nil:
			logging.Warn("pool: discarding corrupt slot identity",
				"pool", p.name, "slot", index, "error", derr)
			if err := slot.reset(); err != nil {
				h.Close()
				return err
			}
		case name != "":
			if _, dup := p.byName[name]; dup {
				// Two slots claiming one filename cannot both win.
				logging.Warn("pool: duplicate association, freeing slot",
					"pool", p.name, "slot", index, "file", name)
				if err := slot.reset(); err != nil {
					h.Close()
					return err
				}
			} else {
				slot.name = name
				p.byName[name] = slot
			}
		}
		p.slots = append(p.slots, slot)
	}
	sort.Slice(p.slots, func(i, j int) bool { return p.slots[i].index < p.slots[j].index })
	return nil
}

// addSlot creates and opens one new slot file. Caller holds no lock
// during init; holds p.mu afterwards.
func (p *Pool) addSlot() error {
	index := 0
	used := make(map[int]bool, len(p.slots))
	for _, s := range p.slots {
		used[s.index] = true
	}
	for used[index] {
		index++
	}

	h, err := p.backend.Open(slotFileName(index), storage.FlagCreate)
	if err != nil {
		return err
	}
	slot := &Slot{pool: p, index: index, handle: h}
	if err := slot.reset(); err != nil {
		h.Close()
		return err
	}
	p.slots = append(p.slots, slot)
	sort.Slice(p.slots, func(i, j int) bool { return p.slots[i].index < p.slots[j].index })
	return nil
}

// reset clears the identity record and drops any content, leaving the
// slot free.
func (s *Slot) reset() error {
	if err := s.handle.Truncate(headerSize); err != nil {
		return err
	}
	zero, _ := encodeIdentity("")
	if _, err := s.handle.WriteAt(zero, 0); err != nil {
		return err
	}
	if err := s.handle.Flush(); err != nil {
		return err
	}
	s.name = ""
	return nil
}

// associate writes the identity record binding the slot to name.
func (s *Slot) associate(name string) error {
	rec, err := encodeIdentity(name)
	if err != nil {
		return err
	}
	if _, err := s.handle.WriteAt(rec, 0); err != nil {
		return err
	}
	if err := s.handle.Flush(); err != nil {
		return err
	}
	s.name = name
	return nil
}

// normalizeName canonicalizes a logical filename to an absolute
// slash-separated path.
func normalizeName(name string) string {
	return path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
}

// InstanceID identifies this pool instance; two callers initializing
// the same pool name observe the same id.
func (p *Pool) InstanceID() uuid.UUID {
	return p.id
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Capacity returns the current slot count.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// FileCount returns the number of associated slots.
func (p *Pool) FileCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byName)
}

// FileNames returns the associated logical filenames, sorted.
func (p *Pool) FileNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Paused reports whether the pool is currently paused.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Pool) checkUsable(op string) error {
	if p.removed {
		return codes.New(codes.Misuse, op, p.name, fmt.Errorf("pool removed"))
	}
	return nil
}

// checkActive additionally rejects slot access while the pool is
// paused. Paused storage belongs to whoever paused it.
func (p *Pool) checkActive(op string) error {
	if err := p.checkUsable(op); err != nil {
		return err
	}
	if p.paused {
		return codes.New(codes.Busy, op, p.name, fmt.Errorf("pool %s paused", p.name))
	}
	return nil
}

// AcquireSlotFor returns the slot associated with name, or associates a
// free slot when createIfMissing is set. With no free slot left the
// request fails with CapacityExceeded; without createIfMissing a missing
// association fails with NotFound.
func (p *Pool) AcquireSlotFor(name string, createIfMissing bool) (*Slot, error) {
	name = normalizeName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(name, createIfMissing)
}

func (p *Pool) acquireLocked(name string, createIfMissing bool) (*Slot, error) {
	if err := p.checkUsable("acquire"); err != nil {
		return nil, err
	}
	if slot, ok := p.byName[name]; ok {
		return slot, nil
	}
	if !createIfMissing {
		return nil, codes.New(codes.NotFound, "acquire", name, nil)
	}
	for _, slot := range p.slots {
		if slot.name == "" {
			if err := slot.associate(name); err != nil {
				return nil, err
			}
			p.byName[name] = slot
			return slot, nil
		}
	}
	return nil, codes.New(codes.CapacityExceeded, "acquire", name,
		fmt.Errorf("all %d slots associated", len(p.slots)))
}

// Release disassociates the slot for name, making it free for reuse.
// A name with no association is a silent no-op, mirroring idempotent
// delete semantics.
func (p *Pool) Release(name string) error {
	name = normalizeName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkActive("release"); err != nil {
		return err
	}
	slot, ok := p.byName[name]
	if !ok {
		return nil
	}
	if err := slot.reset(); err != nil {
		return err
	}
	delete(p.byName, name)
	return nil
}

// AddCapacity grows the pool by n slots and returns the new capacity.
func (p *Pool) AddCapacity(n int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkUsable("add capacity"); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, codes.New(codes.Misuse, "add capacity", p.name, fmt.Errorf("negative count %d", n))
	}
	for i := 0; i < n; i++ {
		if err := p.addSlot(); err != nil {
			return len(p.slots), err
		}
	}
	return len(p.slots), nil
}

// ReduceCapacity removes n free slots and returns the new capacity.
// Fails with Busy when fewer than n slots are free.
func (p *Pool) ReduceCapacity(n int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkUsable("reduce capacity"); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, codes.New(codes.Misuse, "reduce capacity", p.name, fmt.Errorf("negative count %d", n))
	}
	free := 0
	for _, slot := range p.slots {
		if slot.name == "" {
			free++
		}
	}
	if free < n {
		return len(p.slots), codes.New(codes.Busy, "reduce capacity", p.name,
			fmt.Errorf("only %d of %d requested slots free", free, n))
	}

	// Remove free slots from the high end first so surviving indices
	// stay stable.
	removed := 0
	for i := len(p.slots) - 1; i >= 0 && removed < n; i-- {
		slot := p.slots[i]
		if slot.name != "" {
			continue
		}
		if err := slot.handle.Close(); err != nil {
			return len(p.slots), err
		}
		if _, err := p.backend.Unlink(slotFileName(slot.index), false); err != nil {
			return len(p.slots), err
		}
		p.slots = append(p.slots[:i], p.slots[i+1:]...)
		removed++
	}
	return len(p.slots), nil
}

// Pause detaches the pool from new opens. Pausing with files open
// through the pool is a protocol violation.
func (p *Pool) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkUsable("pause"); err != nil {
		return err
	}
	if p.openCount > 0 {
		return codes.New(codes.Misuse, "pause", p.name,
			fmt.Errorf("%d files open through the pool", p.openCount))
	}
	p.paused = true
	return nil
}

// Unpause resumes opens. A no-op when the pool is already active.
func (p *Pool) Unpause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkUsable("unpause"); err != nil {
		return err
	}
	p.paused = false
	return nil
}

// closeSlots closes every slot handle. Caller coordinates locking.
func (p *Pool) closeSlots() {
	for _, slot := range p.slots {
		if err := slot.handle.Close(); err != nil {
			logging.Warn("pool: closing slot handle", "pool", p.name, "slot", slot.index, "error", err)
		}
	}
}

// close shuts the pool down. Called through the registry only.
func (p *Pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removed {
		return
	}
	p.closeSlots()
	p.removed = true
}
