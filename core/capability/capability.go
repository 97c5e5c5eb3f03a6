// Package capability performs the one-time runtime probe that determines
// whether a sandbox root supports synchronous positional file access.
// The result is computed once per root and consumed as a typed flag by
// every component; it is never re-checked per call.
package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Availability is the typed outcome of a capability probe.
type Availability struct {
	// SyncAccess reports whether synchronous positional I/O works under
	// the probed root.
	SyncAccess bool
	// Reason explains a negative result.
	Reason string
}

var (
	mu     sync.Mutex
	probed = make(map[string]Availability)
)

// Detect probes the given root once and memoizes the result. Subsequent
// calls for the same root return the cached Availability.
func Detect(root string) Availability {
	mu.Lock()
	defer mu.Unlock()
	if avail, ok := probed[root]; ok {
		return avail
	}
	avail := probe(root)
	probed[root] = avail
	return avail
}

// Redetect discards the cached result for root and probes again. Intended
// for tests and forced pool reinitialization.
func Redetect(root string) Availability {
	mu.Lock()
	delete(probed, root)
	mu.Unlock()
	return Detect(root)
}

// probe exercises the operations the storage backend depends on: recursive
// directory creation, positional write, positional read-back, and unlink.
func probe(root string) Availability {
	if err := os.MkdirAll(root, 0755); err != nil {
		return Availability{Reason: fmt.Sprintf("cannot create root: %v", err)}
	}

	f, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return Availability{Reason: fmt.Sprintf("cannot create file: %v", err)}
	}
	name := f.Name()
	defer os.Remove(name)
	defer f.Close()

	payload := []byte("sandvfs-probe")
	if _, err := f.WriteAt(payload, 0); err != nil {
		return Availability{Reason: fmt.Sprintf("positional write failed: %v", err)}
	}
	buf := make([]byte, len(payload))
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Availability{Reason: fmt.Sprintf("positional read failed: %v", err)}
	}
	if string(buf) != string(payload) {
		return Availability{Reason: "read-back mismatch"}
	}

	// Probe files must not leak into listings seen by callers.
	if _, err := os.Stat(filepath.Dir(name)); err != nil {
		return Availability{Reason: fmt.Sprintf("root vanished during probe: %v", err)}
	}

	return Availability{SyncAccess: true}
}
