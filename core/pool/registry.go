package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sandvfs/sandvfs/core/codes"
	"github.com/sandvfs/sandvfs/internal/logging"
)

// The registry guarantees that concurrent initializations of the same
// named pool converge on one instance, and that an initialization
// failure is cached and replayed verbatim until a forced reinit.

type registryEntry struct {
	once sync.Once
	pool *Pool
	err  error
}

var registry = struct {
	sync.Mutex
	entries map[string]*registryEntry
}{entries: make(map[string]*registryEntry)}

func registryKey(root, name string) string {
	return filepath.Clean(root) + "\x00" + name
}

// Open returns the pool registered under name beneath opts.Root,
// initializing it on first use. Concurrent callers for the same name
// receive the same instance. A failed initialization is memoized; pass
// opts.ForceReinit to discard it and try again.
func Open(name string, opts Options) (*Pool, error) {
	if name == "" || opts.Root == "" {
		return nil, codes.New(codes.Misuse, "open pool", name, fmt.Errorf("name and root are required"))
	}
	key := registryKey(opts.Root, name)

	registry.Lock()
	e, ok := registry.entries[key]
	if ok && opts.ForceReinit {
		if e.pool != nil {
			e.pool.close()
		}
		delete(registry.entries, key)
		ok = false
	}
	if !ok {
		e = &registryEntry{}
		registry.entries[key] = e
	}
	registry.Unlock()

	e.once.Do(func() {
		e.pool, e.err = newPool(filepath.Join(opts.Root, name), opts.Capacity, opts.ForceReinit)
	})
	return e.pool, e.err
}

// Remove shuts down the named pool and deletes its backing storage.
// Returns false when no such pool was registered or stored.
func Remove(name string, root string) bool {
	key := registryKey(root, name)

	registry.Lock()
	e, ok := registry.entries[key]
	delete(registry.entries, key)
	registry.Unlock()

	if ok && e.pool != nil {
		e.pool.close()
	}

	dir := filepath.Join(root, name)
	if _, err := os.Stat(dir); err != nil {
		return ok && e.pool != nil
	}
	if err := os.RemoveAll(dir); err != nil {
		logging.Error("pool: removing backing storage", "pool", name, "error", err)
		return false
	}
	return true
}
