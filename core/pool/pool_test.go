package pool

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sandvfs/sandvfs/core/codes"
	"github.com/sandvfs/sandvfs/core/storage"
)

func newTestPool(t *testing.T, capacity int) *Pool {
	t.Helper()
	p, err := Open(t.Name(), Options{Root: t.TempDir(), Capacity: capacity})
	if err != nil {
		t.Fatalf("Open pool failed: %v", err)
	}
	return p
}

// checkInvariant asserts "at most one slot per filename, associated <=
// capacity" directly against the slot table.
func checkInvariant(t *testing.T, p *Pool) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]int)
	associated := 0
	for _, s := range p.slots {
		if s.name != "" {
			seen[s.name]++
			associated++
		}
	}
	for name, count := range seen {
		if count > 1 {
			t.Errorf("invariant violated: %d slots map to %q", count, name)
		}
	}
	if associated > len(p.slots) {
		t.Errorf("invariant violated: %d associated > capacity %d", associated, len(p.slots))
	}
	if len(p.byName) != associated {
		t.Errorf("byName has %d entries; slot table has %d associated", len(p.byName), associated)
	}
}

func TestAcquireRelease_Invariant(t *testing.T) {
	p := newTestPool(t, 3)

	ops := []struct {
		acquire bool
		name    string
	}{
		{true, "/a.db"},
		{true, "/b.db"},
		{true, "/a.db"}, // repeat acquire returns the same slot
		{false, "/a.db"},
		{true, "/c.db"},
		{true, "/d.db"},
		{false, "/ghost.db"}, // releasing the unknown is a no-op
		{false, "/b.db"},
		{false, "/c.db"},
		{false, "/d.db"},
	}
	for i, op := range ops {
		if op.acquire {
			if _, err := p.AcquireSlotFor(op.name, true); err != nil {
				t.Fatalf("op %d: acquire %q failed: %v", i, op.name, err)
			}
		} else {
			if err := p.Release(op.name); err != nil {
				t.Fatalf("op %d: release %q failed: %v", i, op.name, err)
			}
		}
		checkInvariant(t, p)
	}
	if n := p.FileCount(); n != 0 {
		t.Errorf("FileCount after full release = %d; want 0", n)
	}
}

func TestAcquire_SameSlotForSameName(t *testing.T) {
	p := newTestPool(t, 2)

	s1, err := p.AcquireSlotFor("/same.db", true)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := p.AcquireSlotFor("/same.db", true)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("second acquire returned a different slot")
	}
	// Names normalize before lookup.
	s3, err := p.AcquireSlotFor("same.db", false)
	if err != nil || s3 != s1 {
		t.Errorf("normalized acquire = %v, %v; want original slot", s3, err)
	}
}

func TestAcquire_NotFoundAndCapacity(t *testing.T) {
	p := newTestPool(t, 2)

	if _, err := p.AcquireSlotFor("/none.db", false); !errors.Is(err, codes.ErrNotFound) {
		t.Errorf("acquire without create = %v; want NotFound", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := p.AcquireSlotFor(fmt.Sprintf("/f%d.db", i), true); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := p.AcquireSlotFor("/overflow.db", true); !errors.Is(err, codes.ErrCapacity) {
		t.Errorf("acquire beyond capacity = %v; want CapacityExceeded", err)
	}

	// Releasing one slot frees capacity again.
	if err := p.Release("/f0.db"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.AcquireSlotFor("/overflow.db", true); err != nil {
		t.Errorf("acquire after release = %v; want success", err)
	}
}

func TestCapacityGrowShrink(t *testing.T) {
	p := newTestPool(t, 4)

	if _, err := p.AcquireSlotFor("/keep.db", true); err != nil {
		t.Fatal(err)
	}

	got, err := p.AddCapacity(2)
	if err != nil || got != 6 {
		t.Fatalf("AddCapacity(2) = %d, %v; want 6, nil", got, err)
	}
	if p.Capacity() != 6 {
		t.Errorf("Capacity = %d; want 6", p.Capacity())
	}

	// 5 free slots; reducing by 6 conflicts with the association.
	if _, err := p.ReduceCapacity(6); !errors.Is(err, codes.ErrBusy) {
		t.Errorf("ReduceCapacity(6) = %v; want Busy", err)
	}
	got, err = p.ReduceCapacity(5)
	if err != nil || got != 1 {
		t.Fatalf("ReduceCapacity(5) = %d, %v; want 1, nil", got, err)
	}
	checkInvariant(t, p)

	// The surviving slot still serves its file.
	if _, err := p.AcquireSlotFor("/keep.db", false); err != nil {
		t.Errorf("association lost across shrink: %v", err)
	}
}

func TestPauseUnpause(t *testing.T) {
	p := newTestPool(t, 2)

	// Pausing with zero open files succeeds.
	if err := p.Pause(); err != nil {
		t.Fatalf("Pause = %v; want nil", err)
	}
	// While paused, opens fail with Busy.
	if _, err := p.OpenFile("/x.db", storage.FlagCreate); !errors.Is(err, codes.ErrBusy) {
		t.Errorf("OpenFile while paused = %v; want Busy", err)
	}
	// Unpause is idempotent.
	if err := p.Unpause(); err != nil {
		t.Fatal(err)
	}
	if err := p.Unpause(); err != nil {
		t.Errorf("repeat Unpause = %v; want nil", err)
	}

	f, err := p.OpenFile("/x.db", storage.FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	// Pausing with an open file is Misuse.
	if err := p.Pause(); !errors.Is(err, codes.ErrMisuse) {
		t.Errorf("Pause with open file = %v; want Misuse", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Pause(); err != nil {
		t.Errorf("Pause after close = %v; want nil", err)
	}
}

func TestSlotFile_ReadWriteTruncate(t *testing.T) {
	p := newTestPool(t, 2)

	f, err := p.OpenFile("/file.db", storage.FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	payload := []byte("content starts at offset zero from the caller's view")
	if _, err := f.WriteAt(payload, 0); err != nil {
		t.Fatal(err)
	}
	size, err := f.Size()
	if err != nil || size != int64(len(payload)) {
		t.Errorf("Size = %d, %v; want %d", size, err, len(payload))
	}

	buf := make([]byte, len(payload))
	n, err := f.ReadAt(buf, 0)
	if err != nil || n != len(payload) || string(buf) != string(payload) {
		t.Errorf("ReadAt = %q (%d), %v", buf[:n], n, err)
	}

	if err := f.Truncate(7); err != nil {
		t.Fatal(err)
	}
	size, _ = f.Size()
	if size != 7 {
		t.Errorf("Size after truncate = %d; want 7", size)
	}
	if err := f.Sync(); err != nil {
		t.Errorf("Sync = %v", err)
	}
}

func TestSlotFile_DeleteOnClose(t *testing.T) {
	p := newTestPool(t, 2)

	f, err := p.OpenFile("/journal", storage.FlagCreate|storage.FlagDeleteOnClose)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte("j"), 0); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.AcquireSlotFor("/journal", false); !errors.Is(err, codes.ErrNotFound) {
		t.Errorf("journal survived delete-on-close: %v", err)
	}
	checkInvariant(t, p)
}

func TestOpenFile_CountsAndDoubleClose(t *testing.T) {
	p := newTestPool(t, 2)

	f, err := p.OpenFile("/c.db", storage.FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	if n := p.OpenFileCount(); n != 1 {
		t.Errorf("OpenFileCount = %d; want 1", n)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("double close = %v; want nil", err)
	}
	if n := p.OpenFileCount(); n != 0 {
		t.Errorf("OpenFileCount after close = %d; want 0", n)
	}
	if _, err := f.ReadAt(make([]byte, 1), 0); !errors.Is(err, codes.ErrMisuse) {
		t.Errorf("read on closed file = %v; want Misuse", err)
	}
}
