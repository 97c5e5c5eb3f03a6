package vfs

import (
	"fmt"

	"github.com/sandvfs/sandvfs/core/codes"
)

// LockLevel is the per-file lock state of one connection, following the
// rollback-journal locking protocol.
type LockLevel int

const (
	// LockNone holds no lock.
	LockNone LockLevel = iota
	// LockShared permits reading alongside other shared holders.
	LockShared
	// LockReserved signals intent to write; a single holder, shared
	// readers may remain.
	LockReserved
	// LockPending blocks new shared acquisitions while the holder waits
	// for readers to drain. Transitional on the way to exclusive.
	LockPending
	// LockExclusive permits writing; no other locks coexist.
	LockExclusive
)

// String returns the lock level name.
func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockReserved:
		return "reserved"
	case LockPending:
		return "pending"
	case LockExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LockLevel(%d)", int(l))
	}
}

// lockState is the shared lock table entry for one logical path. All
// connections on this adapter contend through it. It has exactly one
// writer context (the adapter under its mutex), so no locking beyond
// that ownership is needed.
type lockState struct {
	sharedCount int   // connections holding >= shared
	reserved    *File // at most one
	pending     *File // at most one
	exclusive   *File // at most one
}

func (ls *lockState) busy(op, path string, why string) error {
	return codes.New(codes.Busy, op, path, fmt.Errorf("%s", why))
}

// acquire transitions f to the requested level, enforcing the
// compatibility matrix. Caller holds the adapter mutex.
func (ls *lockState) acquire(f *File, level LockLevel) error {
	if level <= f.lock {
		// Same level is a no-op; an actual downgrade goes through unlock.
		if level == f.lock {
			return nil
		}
		return codes.New(codes.Misuse, "lock", f.name,
			fmt.Errorf("cannot lower %s to %s via lock", f.lock, level))
	}

	switch level {
	case LockShared:
		// A writer drains readers by holding pending; new shared
		// acquisitions must not starve it.
		if ls.pending != nil && ls.pending != f {
			return ls.busy("lock", f.name, "pending lock held elsewhere")
		}
		if ls.exclusive != nil && ls.exclusive != f {
			return ls.busy("lock", f.name, "exclusive lock held elsewhere")
		}
		ls.sharedCount++
		f.lock = LockShared

	case LockReserved:
		if f.lock != LockShared {
			return codes.New(codes.Misuse, "lock", f.name,
				fmt.Errorf("reserved requires shared, holding %s", f.lock))
		}
		if ls.reserved != nil && ls.reserved != f {
			return ls.busy("lock", f.name, "reserved lock held elsewhere")
		}
		if ls.pending != nil && ls.pending != f {
			return ls.busy("lock", f.name, "pending lock held elsewhere")
		}
		if ls.exclusive != nil && ls.exclusive != f {
			return ls.busy("lock", f.name, "exclusive lock held elsewhere")
		}
		ls.reserved = f
		f.lock = LockReserved

	case LockPending, LockExclusive:
		if f.lock < LockReserved {
			return codes.New(codes.Misuse, "lock", f.name,
				fmt.Errorf("exclusive requires reserved, holding %s", f.lock))
		}
		if ls.exclusive != nil && ls.exclusive != f {
			return ls.busy("lock", f.name, "exclusive lock held elsewhere")
		}
		if ls.pending != nil && ls.pending != f {
			return ls.busy("lock", f.name, "pending lock held elsewhere")
		}
		// Take pending first: it blocks new readers while existing ones
		// drain.
		ls.pending = f
		f.lock = LockPending
		if level == LockPending {
			return nil
		}
		if ls.sharedCount > 1 {
			// Our own shared count is part of sharedCount; anyone else
			// still reading keeps us at pending.
			return ls.busy("lock", f.name,
				fmt.Sprintf("%d other readers still hold shared", ls.sharedCount-1))
		}
		ls.exclusive = f
		f.lock = LockExclusive

	default:
		return codes.New(codes.Misuse, "lock", f.name, fmt.Errorf("invalid level %d", level))
	}
	return nil
}

// release downgrades f to the requested level (shared or none). Caller
// holds the adapter mutex.
func (ls *lockState) release(f *File, level LockLevel) error {
	if level > LockShared {
		return codes.New(codes.Misuse, "unlock", f.name,
			fmt.Errorf("unlock target must be shared or none, got %s", level))
	}
	if level >= f.lock {
		return nil
	}

	if ls.reserved == f {
		ls.reserved = nil
	}
	if ls.pending == f {
		ls.pending = nil
	}
	if ls.exclusive == f {
		ls.exclusive = nil
	}
	if level == LockNone && f.lock >= LockShared {
		ls.sharedCount--
	}
	f.lock = level
	return nil
}

// reservedOrHigher reports whether any connection holds at least a
// reserved lock.
func (ls *lockState) reservedOrHigher() bool {
	return ls.reserved != nil || ls.pending != nil || ls.exclusive != nil
}

// idle reports whether the entry carries no state and can be dropped.
func (ls *lockState) idle() bool {
	return ls.sharedCount == 0 && !ls.reservedOrHigher()
}
