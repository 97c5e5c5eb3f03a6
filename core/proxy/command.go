// Package proxy bridges the driving context and the I/O context. Callers
// submit serialized commands over a channel; a dedicated loop goroutine,
// the only owner of the confined storage backend, executes them
// synchronously and posts results back through a shared, reusable result
// cell. The requester blocks on the cell with a deadline, so a
// cooperative caller appears to perform blocking I/O without ever
// touching the sandboxed file system itself.
package proxy

import (
	"github.com/google/uuid"

	"github.com/sandvfs/sandvfs/core/storage"
)

// Opcode identifies the storage operation a command requests.
type Opcode uint8

const (
	// OpOpen opens Path with Flags and registers it under FD.
	OpOpen Opcode = iota + 1
	// OpRead reads Length bytes at Offset from FD.
	OpRead
	// OpWrite writes Payload at Offset to FD.
	OpWrite
	// OpTruncate resizes FD to Length bytes.
	OpTruncate
	// OpSync flushes FD to stable storage.
	OpSync
	// OpSize reports the current size of FD.
	OpSize
	// OpClose closes FD and releases its handle.
	OpClose
	// OpDelete unlinks Path (Recursive for directories).
	OpDelete
	// OpExists reports whether Path exists.
	OpExists
)

// String returns the opcode name used in error context.
func (op Opcode) String() string {
	switch op {
	case OpOpen:
		return "open"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpTruncate:
		return "truncate"
	case OpSync:
		return "sync"
	case OpSize:
		return "size"
	case OpClose:
		return "close"
	case OpDelete:
		return "delete"
	case OpExists:
		return "exists"
	default:
		return "unknown"
	}
}

// Command is one serialized I/O request. Request ids are unique for the
// lifetime of an in-flight request; the proxy consumes each command
// exactly once and pairs it with exactly one Result.
type Command struct {
	// ID is assigned by the client when the command is submitted.
	ID uuid.UUID
	// Op selects the storage operation.
	Op Opcode
	// FD is the file descriptor the command targets.
	FD int32
	// Path is the logical file path for OpOpen/OpDelete/OpExists.
	Path string
	// Flags are the open flags for OpOpen.
	Flags storage.OpenFlags
	// Offset is the byte offset for OpRead/OpWrite.
	Offset int64
	// Length is the read length for OpRead or the new size for OpTruncate.
	Length int64
	// Payload carries the bytes to write for OpWrite.
	Payload []byte
	// Recursive applies to OpDelete.
	Recursive bool
}

// Result is the single response paired with a command. Err carries the
// storage error unchanged; translation to a result code happens in the
// VFS adapter, never here.
type Result struct {
	// ID echoes the command id so abandoned waits can discard stale
	// results.
	ID uuid.UUID
	// N is the byte count for reads/writes/sizes, or 1/0 for boolean
	// outcomes (delete, exists).
	N int64
	// Payload carries the bytes read for OpRead.
	Payload []byte
	// Err is the storage-backend failure, if any.
	Err error
}
