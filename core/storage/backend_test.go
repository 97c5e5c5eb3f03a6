package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandvfs/sandvfs/core/codes"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(filepath.Join(t.TempDir(), "sandbox"))
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	return b
}

func TestOpen_CreateWriteRead(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Open("/db/main.db", FlagCreate)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()

	payload := []byte("page one contents")
	n, err := h.WriteAt(payload, 100)
	if err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if n != len(payload) {
		t.Errorf("WriteAt wrote %d bytes; want %d", n, len(payload))
	}

	buf := make([]byte, len(payload))
	n, err = h.ReadAt(buf, 100)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != len(payload) || !bytes.Equal(buf, payload) {
		t.Errorf("ReadAt = %q (%d bytes); want %q", buf[:n], n, payload)
	}

	size, err := h.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if want := int64(100 + len(payload)); size != want {
		t.Errorf("Size = %d; want %d", size, want)
	}
}

func TestOpen_MissingWithoutCreate(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.Open("/absent.db", 0)
	if !errors.Is(err, codes.ErrNotFound) {
		t.Errorf("Open of missing file = %v; want NotFound", err)
	}
}

func TestReadAt_ShortReadAtEOF(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Open("/short.db", FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if _, err := h.WriteAt([]byte("abc"), 0); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 10)
	n, err := h.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt past EOF returned error: %v", err)
	}
	if n != 3 {
		t.Errorf("ReadAt = %d bytes; want 3", n)
	}
}

func TestWriteAt_ReadOnly(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Open("/ro.db", FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	h.Close()

	ro, err := b.Open("/ro.db", FlagReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()

	if _, err := ro.WriteAt([]byte("x"), 0); !errors.Is(err, codes.ErrReadOnly) {
		t.Errorf("WriteAt on read-only handle = %v; want ReadOnly", err)
	}
	if err := ro.Truncate(0); !errors.Is(err, codes.ErrReadOnly) {
		t.Errorf("Truncate on read-only handle = %v; want ReadOnly", err)
	}
}

func TestTruncateAndFlush(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Open("/trunc.db", FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if _, err := h.WriteAt(make([]byte, 4096), 0); err != nil {
		t.Fatal(err)
	}
	if err := h.Truncate(512); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if err := h.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	size, err := h.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 512 {
		t.Errorf("Size after truncate = %d; want 512", size)
	}
}

func TestDeleteOnClose(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Open("/journal", FlagCreate|FlagDeleteOnClose)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.WriteAt([]byte("rollback"), 0); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	exists, err := b.Exists("/journal")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("file should be unlinked after delete-on-close")
	}
}

func TestClose_Idempotent(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Open("/f", FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close = %v; want nil", err)
	}
	if _, err := h.ReadAt(make([]byte, 1), 0); !errors.Is(err, codes.ErrMisuse) {
		t.Errorf("ReadAt on closed handle = %v; want Misuse", err)
	}
}

func TestResolve_RejectsEscape(t *testing.T) {
	b := newTestBackend(t)

	if _, err := b.Open("../outside", FlagCreate); !errors.Is(err, codes.ErrMisuse) {
		t.Errorf("Open escaping path = %v; want Misuse", err)
	}
	if _, err := b.Open("/a/../../outside", FlagCreate); !errors.Is(err, codes.ErrMisuse) {
		t.Errorf("Open escaping path = %v; want Misuse", err)
	}
}

func TestResolve_NormalizesInsideRoot(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Open("/a/b/../c.db", FlagCreate)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h.Close()

	if _, err := os.Stat(filepath.Join(b.Root(), "a", "c.db")); err != nil {
		t.Errorf("normalized file missing: %v", err)
	}
}

func TestConfine_WrongContext(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Open("/f", FlagCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unconfine()

	// Confine to a separate goroutine, then call from the test goroutine.
	done := make(chan struct{})
	go func() {
		b.Confine()
		close(done)
	}()
	<-done

	if _, err := h.ReadAt(make([]byte, 1), 0); !errors.Is(err, codes.ErrWrongContext) {
		t.Errorf("ReadAt from foreign goroutine = %v; want WrongContext", err)
	}
	if _, err := b.Open("/g", FlagCreate); !errors.Is(err, codes.ErrWrongContext) {
		t.Errorf("Open from foreign goroutine = %v; want WrongContext", err)
	}

	b.Unconfine()
	if _, err := h.ReadAt(make([]byte, 1), 0); err != nil {
		t.Errorf("ReadAt after Unconfine = %v; want nil", err)
	}
}

func TestGoroutineID_StableWithinGoroutine(t *testing.T) {
	if goroutineID() != goroutineID() {
		t.Error("goroutineID should be stable within one goroutine")
	}
	other := make(chan int64, 1)
	go func() { other <- goroutineID() }()
	if id := <-other; id == goroutineID() {
		t.Error("different goroutines should have different ids")
	}
}
