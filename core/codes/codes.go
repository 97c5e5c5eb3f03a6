// Package codes defines the result codes and error types shared by the
// storage backend, the command proxy, the handle pool, and the VFS adapter.
package codes

import (
	"errors"
	"fmt"
)

// Code is the fixed result-code set returned to the page-store consumer.
type Code int

const (
	// OK indicates the operation succeeded.
	OK Code = iota
	// IOErr indicates the underlying storage operation failed.
	IOErr
	// Busy indicates a lock or pause conflict; the caller may retry.
	Busy
	// ReadOnly indicates a write was attempted on a read-only handle.
	ReadOnly
	// CantOpen indicates a file could not be opened.
	CantOpen
	// NotFound indicates a missing file or slot.
	NotFound
	// Misuse indicates a protocol violation by the caller.
	Misuse
	// IOTimeout indicates the wait deadline elapsed; the outcome of the
	// in-flight operation is ambiguous, not guaranteed-failed.
	IOTimeout
	// CapacityExceeded indicates the pool has no free slot left.
	CapacityExceeded
	// Corruption indicates a persisted slot identity record failed its
	// digest check. Always recovered internally, never fatal.
	Corruption
	// WrongContext indicates a confined operation was invoked from an
	// execution context that does not own it.
	WrongContext
)

// String returns the canonical name of the code.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case IOErr:
		return "IOErr"
	case Busy:
		return "Busy"
	case ReadOnly:
		return "ReadOnly"
	case CantOpen:
		return "CantOpen"
	case NotFound:
		return "NotFound"
	case Misuse:
		return "Misuse"
	case IOTimeout:
		return "IOTimeout"
	case CapacityExceeded:
		return "CapacityExceeded"
	case Corruption:
		return "Corruption"
	case WrongContext:
		return "WrongContext"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Sentinel errors for common cases
var (
	// ErrIO indicates an underlying storage failure
	ErrIO = errors.New("i/o error")
	// ErrBusy indicates a lock, pause, or capacity-shrink conflict
	ErrBusy = errors.New("busy")
	// ErrReadOnly indicates a write on a read-only handle
	ErrReadOnly = errors.New("read-only")
	// ErrCantOpen indicates a file could not be opened
	ErrCantOpen = errors.New("cannot open")
	// ErrNotFound indicates a missing file or slot
	ErrNotFound = errors.New("not found")
	// ErrMisuse indicates a protocol violation
	ErrMisuse = errors.New("misuse")
	// ErrTimeout indicates an elapsed wait deadline with ambiguous outcome
	ErrTimeout = errors.New("i/o timeout")
	// ErrCapacity indicates pool exhaustion
	ErrCapacity = errors.New("capacity exceeded")
	// ErrCorrupt indicates a slot identity digest mismatch
	ErrCorrupt = errors.New("identity record corrupt")
	// ErrWrongContext indicates a confined call from a foreign context
	ErrWrongContext = errors.New("wrong execution context")
)

// sentinelFor maps a code to its sentinel error.
func sentinelFor(c Code) error {
	switch c {
	case IOErr:
		return ErrIO
	case Busy:
		return ErrBusy
	case ReadOnly:
		return ErrReadOnly
	case CantOpen:
		return ErrCantOpen
	case NotFound:
		return ErrNotFound
	case Misuse:
		return ErrMisuse
	case IOTimeout:
		return ErrTimeout
	case CapacityExceeded:
		return ErrCapacity
	case Corruption:
		return ErrCorrupt
	case WrongContext:
		return ErrWrongContext
	default:
		return nil
	}
}

// StorageError is an error carrying a result code plus operation context.
type StorageError struct {
	Code Code   // classification within the fixed taxonomy
	Op   string // operation being performed (e.g., "read", "acquire")
	Path string // file or slot path involved, if any
	Err  error  // underlying error, if any
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: failed to %s %s: %v", e.Code, e.Op, e.Path, e.Err)
		}
		return fmt.Sprintf("%s: failed to %s %s", e.Code, e.Op, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: failed to %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: failed to %s", e.Code, e.Op)
}

func (e *StorageError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinelFor(e.Code)
}

// Is lets errors.Is match a StorageError against its code sentinel even
// when a different underlying error is wrapped.
func (e *StorageError) Is(target error) bool {
	return target == sentinelFor(e.Code)
}

// New creates a StorageError with the given code and context.
func New(code Code, op, path string, err error) *StorageError {
	return &StorageError{Code: code, Op: op, Path: path, Err: err}
}

// CodeOf classifies an error into the fixed result-code set. A nil error
// is OK; an unrecognized error is IOErr.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrBusy):
		return Busy
	case errors.Is(err, ErrReadOnly):
		return ReadOnly
	case errors.Is(err, ErrCantOpen):
		return CantOpen
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrMisuse):
		return Misuse
	case errors.Is(err, ErrTimeout):
		return IOTimeout
	case errors.Is(err, ErrCapacity):
		return CapacityExceeded
	case errors.Is(err, ErrCorrupt):
		return Corruption
	case errors.Is(err, ErrWrongContext):
		return WrongContext
	default:
		return IOErr
	}
}
