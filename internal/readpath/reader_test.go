package readpath

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prismfs/prismfs/internal/storage/memory"
	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/retry"
)

func newTestReader(t *testing.T, backend *memory.Backend, prefetch bool) *Reader {
	t.Helper()
	return NewReader(backend, Config{
		PrefetchEnabled: prefetch,
		PrefetchWindow:  64,
		Retry:           retry.Config{MaxAttempts: 2, InitialDelay: 1, MaxDelay: 1},
	}, nil)
}

func TestReadExactRange(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "f", []byte("0123456789"))

	r := newTestReader(t, backend, false)
	r.Open(1, "f")
	defer r.Close(1)

	dest := make([]byte, 4)
	n, err := r.Read(ctx, 1, 3, dest)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 || string(dest) != "3456" {
		t.Errorf("Read = (%d, %q), want (4, %q)", n, dest, "3456")
	}
}

func TestShortReadAtEOF(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "f", []byte("short"))

	r := newTestReader(t, backend, false)
	r.Open(1, "f")

	dest := make([]byte, 16)
	n, err := r.Read(ctx, 1, 2, dest)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 || string(dest[:n]) != "ort" {
		t.Errorf("Read = (%d, %q), want (3, %q)", n, dest[:n], "ort")
	}

	// Fully past the end reads zero bytes without error.
	n, err = r.Read(ctx, 1, 100, dest)
	if err != nil || n != 0 {
		t.Errorf("Read past EOF = (%d, %v), want (0, nil)", n, err)
	}
}

func TestReadMissingObject(t *testing.T) {
	backend := memory.NewBackend()
	r := newTestReader(t, backend, false)
	r.Open(1, "gone")

	_, err := r.Read(context.Background(), 1, 0, make([]byte, 8))
	if !errors.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestReadUnknownHandle(t *testing.T) {
	r := newTestReader(t, memory.NewBackend(), false)
	_, err := r.Read(context.Background(), 42, 0, make([]byte, 8))
	if errors.KindOf(err) != errors.KindStateError {
		t.Errorf("expected StateError, got %v", err)
	}
}

func TestReadRetriesTransientFailure(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "f", []byte("data"))

	var calls atomic.Int64
	backend.GetHook = func(key string) error {
		if calls.Add(1) == 1 {
			return errors.New(errors.KindUnavailable, "memory.get", key)
		}
		return nil
	}

	r := newTestReader(t, backend, false)
	r.Open(1, "f")

	dest := make([]byte, 4)
	n, err := r.Read(ctx, 1, 0, dest)
	if err != nil {
		t.Fatalf("Read should recover: %v", err)
	}
	if n != 4 || calls.Load() != 2 {
		t.Errorf("n = %d, calls = %d; want 4, 2", n, calls.Load())
	}
}

func TestSequentialPrefetchServesNextRead(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	content := bytes.Repeat([]byte("abcdefgh"), 32) // 256 bytes
	backend.Put(ctx, "stream", content)

	r := newTestReader(t, backend, true)
	r.Open(1, "stream")

	// Two sequential reads establish the pattern and trigger prefetch.
	dest := make([]byte, 16)
	if _, err := r.Read(ctx, 1, 0, dest); err != nil {
		t.Fatalf("read 1: %v", err)
	}
	if _, err := r.Read(ctx, 1, 16, dest); err != nil {
		t.Fatalf("read 2: %v", err)
	}

	// Wait for the background prefetch to land.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && r.Stats().PrefetchIssued == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if r.Stats().PrefetchIssued == 0 {
		t.Fatal("prefetch never issued")
	}

	// The next sequential read is fully inside the prefetched window.
	before := r.Stats().BackendReads
	n, err := r.Read(ctx, 1, 32, dest)
	if err != nil || n != 16 {
		t.Fatalf("read 3 = (%d, %v)", n, err)
	}
	if !bytes.Equal(dest, content[32:48]) {
		t.Error("window content mismatch")
	}
	stats := r.Stats()
	if stats.PrefetchHits == 0 {
		t.Error("expected a prefetch hit")
	}
	if stats.BackendReads != before {
		t.Error("window hit should not touch the backend")
	}
}

func TestPrefetchFailureIsSilent(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "s", bytes.Repeat([]byte("x"), 128))

	// The first two reads succeed and establish the sequential pattern; the
	// third backend call is the prefetch, which fails.
	var calls atomic.Int64
	var allowAll atomic.Bool
	backend.GetHook = func(key string) error {
		if allowAll.Load() {
			return nil
		}
		if calls.Add(1) >= 3 {
			return errors.New(errors.KindUnavailable, "memory.get", key)
		}
		return nil
	}

	r := newTestReader(t, backend, true)
	r.Open(1, "s")

	dest := make([]byte, 8)
	if _, err := r.Read(ctx, 1, 0, dest); err != nil {
		t.Fatalf("read 1: %v", err)
	}
	if _, err := r.Read(ctx, 1, 8, dest); err != nil {
		t.Fatalf("read 2: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && r.Stats().PrefetchErrors == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if r.Stats().PrefetchErrors == 0 {
		t.Fatal("prefetch error never recorded")
	}

	// Foreground reads keep working.
	allowAll.Store(true)
	if _, err := r.Read(ctx, 1, 16, dest); err != nil {
		t.Errorf("foreground read after failed prefetch: %v", err)
	}
}

func TestRandomAccessSkipsPrefetch(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "r", bytes.Repeat([]byte("y"), 256))

	r := newTestReader(t, backend, true)
	r.Open(1, "r")

	dest := make([]byte, 8)
	offsets := []int64{100, 20, 200, 0}
	for _, off := range offsets {
		if _, err := r.Read(ctx, 1, off, dest); err != nil {
			t.Fatalf("read at %d: %v", off, err)
		}
	}

	time.Sleep(20 * time.Millisecond)
	if issued := r.Stats().PrefetchIssued; issued != 0 {
		t.Errorf("prefetch issued %d times for random access, want 0", issued)
	}
}
