package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sandvfs/sandvfs/core/codes"
	"github.com/sandvfs/sandvfs/core/pool"
	"github.com/sandvfs/sandvfs/core/proxy"
	"github.com/sandvfs/sandvfs/core/storage"
)

func pooledVFS(t *testing.T) (*VFS, *pool.Pool) {
	t.Helper()
	p, err := pool.Open("vfs-test", pool.Options{Root: t.TempDir(), Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	v, err := New(Options{Pool: p})
	if err != nil {
		t.Fatal(err)
	}
	return v, p
}

func proxiedVFS(t *testing.T) *VFS {
	t.Helper()
	backend, err := storage.NewBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	px := proxy.New(backend, proxy.Options{})
	t.Cleanup(px.Shutdown)
	v, err := New(Options{Client: px.NewClient(5 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestNew_RequiresBackend(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, codes.ErrMisuse) {
		t.Errorf("New with no backend = %v; want Misuse", err)
	}
}

func TestVFS_ReadWriteRoundTrip(t *testing.T) {
	modes := []struct {
		name string
		open func(t *testing.T) *VFS
	}{
		{"pooled", func(t *testing.T) *VFS { v, _ := pooledVFS(t); return v }},
		{"proxied", proxiedVFS},
	}
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			v := mode.open(t)
			fd, err := v.Open("/main.db", storage.FlagCreate)
			if err != nil {
				t.Fatal(err)
			}

			page := bytes.Repeat([]byte{0xAB}, 4096)
			if n, err := v.Write(fd, page, 0); err != nil || n != len(page) {
				t.Fatalf("Write = %d, %v; want %d, nil", n, err, len(page))
			}
			if err := v.Sync(fd); err != nil {
				t.Fatal(err)
			}

			got := make([]byte, 4096)
			if n, err := v.Read(fd, got, 0); err != nil || n != 4096 {
				t.Fatalf("Read = %d, %v; want 4096, nil", n, err)
			}
			if !bytes.Equal(got, page) {
				t.Error("read back different content")
			}

			size, err := v.FileSize(fd)
			if err != nil || size != 4096 {
				t.Fatalf("FileSize = %d, %v; want 4096, nil", size, err)
			}

			if err := v.Close(fd); err != nil {
				t.Fatal(err)
			}
			if v.OpenFileCount() != 0 {
				t.Errorf("OpenFileCount = %d; want 0", v.OpenFileCount())
			}
		})
	}
}

func TestVFS_ShortReadZeroFills(t *testing.T) {
	v, _ := pooledVFS(t)
	fd, err := v.Open("/short.db", storage.FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close(fd)

	if _, err := v.Write(fd, []byte("abc"), 0); err != nil {
		t.Fatal(err)
	}

	buf := bytes.Repeat([]byte{0xEE}, 8)
	n, err := v.Read(fd, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Read = %d; want 3", n)
	}
	want := append([]byte("abc"), 0, 0, 0, 0, 0)
	if !bytes.Equal(buf, want) {
		t.Errorf("buffer = %x; want %x", buf, want)
	}
}

func TestVFS_TruncateUpdatesSize(t *testing.T) {
	v, _ := pooledVFS(t)
	fd, err := v.Open("/trunc.db", storage.FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close(fd)

	if _, err := v.Write(fd, make([]byte, 1000), 0); err != nil {
		t.Fatal(err)
	}
	if err := v.Truncate(fd, 100); err != nil {
		t.Fatal(err)
	}
	if size, _ := v.FileSize(fd); size != 100 {
		t.Errorf("FileSize after truncate = %d; want 100", size)
	}
}

func TestVFS_SizeCacheTracksWrites(t *testing.T) {
	v, _ := pooledVFS(t)
	fd, err := v.Open("/cache.db", storage.FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close(fd)

	if size, err := v.FileSize(fd); err != nil || size != 0 {
		t.Fatalf("initial FileSize = %d, %v; want 0, nil", size, err)
	}
	if _, err := v.Write(fd, make([]byte, 512), 4096); err != nil {
		t.Fatal(err)
	}
	if size, _ := v.FileSize(fd); size != 4608 {
		t.Errorf("FileSize after extending write = %d; want 4608", size)
	}
}

func TestVFS_UnknownDescriptor(t *testing.T) {
	v, _ := pooledVFS(t)
	if _, err := v.Read(99, make([]byte, 4), 0); !errors.Is(err, codes.ErrMisuse) {
		t.Errorf("Read on unknown fd = %v; want Misuse", err)
	}
	if err := v.Close(99); !errors.Is(err, codes.ErrMisuse) {
		t.Errorf("Close on unknown fd = %v; want Misuse", err)
	}
}

func TestVFS_LockProtocol(t *testing.T) {
	v, _ := pooledVFS(t)
	writer, err := v.Open("/locked.db", storage.FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	reader, err := v.Open("/locked.db", 0)
	if err != nil {
		t.Fatal(err)
	}

	for _, fd := range []int32{writer, reader} {
		if err := v.Lock(fd, LockShared); err != nil {
			t.Fatal(err)
		}
	}
	if err := v.Lock(writer, LockReserved); err != nil {
		t.Fatal(err)
	}

	held, err := v.CheckReservedLock(reader)
	if err != nil || !held {
		t.Errorf("CheckReservedLock = %v, %v; want true, nil", held, err)
	}

	if err := v.Lock(reader, LockReserved); !errors.Is(err, codes.ErrBusy) {
		t.Errorf("competing reserved = %v; want Busy", err)
	}
	if err := v.Lock(writer, LockExclusive); !errors.Is(err, codes.ErrBusy) {
		t.Errorf("exclusive with reader = %v; want Busy", err)
	}

	if err := v.Unlock(reader, LockNone); err != nil {
		t.Fatal(err)
	}
	if err := v.Lock(writer, LockExclusive); err != nil {
		t.Fatalf("exclusive after reader left = %v", err)
	}

	if err := v.Unlock(writer, LockNone); err != nil {
		t.Fatal(err)
	}
	held, err = v.CheckReservedLock(writer)
	if err != nil || held {
		t.Errorf("CheckReservedLock after unlock = %v, %v; want false, nil", held, err)
	}

	v.Close(writer)
	v.Close(reader)
}

func TestVFS_CloseDropsLock(t *testing.T) {
	v, _ := pooledVFS(t)
	a, err := v.Open("/drop.db", storage.FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	b, err := v.Open("/drop.db", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close(b)

	if err := v.Lock(a, LockShared); err != nil {
		t.Fatal(err)
	}
	if err := v.Lock(a, LockReserved); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(a); err != nil {
		t.Fatal(err)
	}

	// The closed descriptor's reserved lock is gone; another connection
	// can take the write path.
	if err := v.Lock(b, LockShared); err != nil {
		t.Fatal(err)
	}
	if err := v.Lock(b, LockReserved); err != nil {
		t.Errorf("reserved after holder closed = %v; want nil", err)
	}
}

func TestVFS_PausedPoolRejectsOpen(t *testing.T) {
	v, p := pooledVFS(t)
	if err := p.Pause(); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Open("/blocked.db", storage.FlagCreate); !errors.Is(err, codes.ErrBusy) {
		t.Errorf("Open on paused pool without proxy = %v; want Busy", err)
	}
	if err := p.Unpause(); err != nil {
		t.Fatal(err)
	}
	fd, err := v.Open("/blocked.db", storage.FlagCreate)
	if err != nil {
		t.Fatalf("Open after unpause = %v", err)
	}
	v.Close(fd)
}

func TestCodeFor_NarrowsTaxonomy(t *testing.T) {
	cases := []struct {
		in   codes.Code
		want codes.Code
	}{
		{codes.Busy, codes.Busy},
		{codes.NotFound, codes.NotFound},
		{codes.CapacityExceeded, codes.CantOpen},
		{codes.WrongContext, codes.Misuse},
		{codes.Corruption, codes.IOErr},
	}
	for _, c := range cases {
		err := codes.New(c.in, "op", "/p", nil)
		if got := CodeFor(err); got != c.want {
			t.Errorf("CodeFor(%s) = %s; want %s", c.in, got, c.want)
		}
	}
	if got := CodeFor(nil); got != codes.OK {
		t.Errorf("CodeFor(nil) = %s; want OK", got)
	}
}

func TestVFS_IndependentDescriptors(t *testing.T) {
	v, _ := pooledVFS(t)

	// Each goroutine drives its own descriptor; operations on one must
	// not interfere with, or wait on, the others.
	fds := make([]int32, 3)
	for i := range fds {
		fd, err := v.Open(fmt.Sprintf("/db-%d.db", i), storage.FlagCreate)
		if err != nil {
			t.Fatal(err)
		}
		fds[i] = fd
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(fds))
	for i, fd := range fds {
		wg.Add(1)
		go func(i int, fd int32) {
			defer wg.Done()
			page := bytes.Repeat([]byte{byte('a' + i)}, 256)
			for round := 0; round < 50; round++ {
				if _, err := v.Write(fd, page, int64(round)*256); err != nil {
					errs <- err
					return
				}
				got := make([]byte, 256)
				if _, err := v.Read(fd, got, int64(round)*256); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, page) {
					errs <- fmt.Errorf("fd %d round %d: read back wrong page", fd, round)
					return
				}
			}
		}(i, fd)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for _, fd := range fds {
		size, err := v.FileSize(fd)
		if err != nil || size != 50*256 {
			t.Errorf("fd %d size = %d, %v; want %d, nil", fd, size, err, 50*256)
		}
		if err := v.Close(fd); err != nil {
			t.Errorf("close fd %d: %v", fd, err)
		}
	}
}

func TestVFS_CloseRacesInFlightOps(t *testing.T) {
	v, _ := pooledVFS(t)

	fd, err := v.Open("/race.db", storage.FlagCreate)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 64)
		for {
			// Closed descriptors surface Misuse, never a crash.
			if _, err := v.Read(fd, buf, 0); err != nil {
				if !errors.Is(err, codes.ErrMisuse) {
					t.Errorf("read on closing descriptor = %v; want Misuse", err)
				}
				return
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	if err := v.Close(fd); err != nil {
		t.Errorf("close = %v", err)
	}
	wg.Wait()

	if n := v.OpenFileCount(); n != 0 {
		t.Errorf("open descriptors after close = %d; want 0", n)
	}
}
