package staging

import (
	"bytes"
	"context"
	"testing"

	"github.com/prismfs/prismfs/internal/storage/memory"
	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/retry"
)

func newTestManager(t *testing.T, backend *memory.Backend) *Manager {
	t.Helper()
	return NewManager(backend, Config{
		SpillDirectory: t.TempDir(),
		SpillThreshold: 1024,
		Retry:          retry.Config{MaxAttempts: 2, InitialDelay: 1, MaxDelay: 1},
	}, nil)
}

func TestWriteFlushRoundTrip(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend)
	defer m.Close()
	ctx := context.Background()

	if err := m.Open(ctx, 1, "out.txt", true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n, err := m.Write(1, 0, []byte("hello")); err != nil || n != 5 {
		t.Fatalf("Write = (%d, %v), want (5, nil)", n, err)
	}
	if err := m.Flush(ctx, 1); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := backend.Get(ctx, "out.txt", 0, -1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("uploaded = %q, want %q", data, "hello")
	}
}

func TestOpenSeedsExistingObject(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend)
	defer m.Close()
	ctx := context.Background()

	backend.Put(ctx, "doc.txt", []byte("abcdefgh"))

	if err := m.Open(ctx, 1, "doc.txt", false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Overwrite the middle only; the rest must survive the whole-object PUT.
	m.Write(1, 2, []byte("XY"))
	if err := m.Release(ctx, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}

	data, _ := backend.Get(ctx, "doc.txt", 0, -1)
	if string(data) != "abXYefgh" {
		t.Errorf("object = %q, want %q", data, "abXYefgh")
	}
}

func TestOpenTruncateDiscardsExisting(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend)
	defer m.Close()
	ctx := context.Background()

	backend.Put(ctx, "t.txt", []byte("old content"))

	m.Open(ctx, 1, "t.txt", true)
	m.Write(1, 0, []byte("new"))
	if err := m.Release(ctx, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}

	data, _ := backend.Get(ctx, "t.txt", 0, -1)
	if string(data) != "new" {
		t.Errorf("object = %q, want %q", data, "new")
	}
}

func TestSparseWriteZeroFill(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend)
	defer m.Close()
	ctx := context.Background()

	m.Open(ctx, 1, "sparse", true)
	m.Write(1, 10, []byte("end"))

	if size, ok := m.Size(1); !ok || size != 13 {
		t.Fatalf("size = %d, want 13", size)
	}

	dest := make([]byte, 13)
	n, err := m.Read(1, 0, dest)
	if err != nil || n != 13 {
		t.Fatalf("Read = (%d, %v)", n, err)
	}
	want := append(make([]byte, 10), []byte("end")...)
	if !bytes.Equal(dest, want) {
		t.Errorf("read = %v, want gap zero-filled then %q", dest, "end")
	}
}

func TestReadYourWritesBeforeFlush(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend)
	defer m.Close()
	ctx := context.Background()

	m.Open(ctx, 1, "ryw", true)
	m.Write(1, 0, []byte("staged bytes"))

	dest := make([]byte, 6)
	n, err := m.Read(1, 7, dest)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(dest[:n]) != "bytes" {
		t.Errorf("read = %q, want %q", dest[:n], "bytes")
	}
	// Nothing uploaded yet.
	if _, err := backend.Get(ctx, "ryw", 0, -1); !errors.IsNotFound(err) {
		t.Errorf("object should not exist before flush, got %v", err)
	}
}

func TestTruncateGrowAndShrink(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend)
	defer m.Close()
	ctx := context.Background()

	m.Open(ctx, 1, "tr", true)
	m.Write(1, 0, []byte("0123456789"))

	if err := m.Truncate(1, 4); err != nil {
		t.Fatalf("Truncate shrink: %v", err)
	}
	if size, _ := m.Size(1); size != 4 {
		t.Errorf("size after shrink = %d, want 4", size)
	}

	if err := m.Truncate(1, 8); err != nil {
		t.Fatalf("Truncate grow: %v", err)
	}
	dest := make([]byte, 8)
	m.Read(1, 0, dest)
	want := []byte{'0', '1', '2', '3', 0, 0, 0, 0}
	if !bytes.Equal(dest, want) {
		t.Errorf("content after grow = %v, want %v", dest, want)
	}
}

func TestSpillToDisk(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend) // threshold 1024
	defer m.Close()
	ctx := context.Background()

	m.Open(ctx, 1, "big", true)

	payload := bytes.Repeat([]byte("abcd"), 1024) // 4 KiB, past the threshold
	if _, err := m.Write(1, 0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stats := m.Stats()
	if stats.SpilledBytes != int64(len(payload)) {
		t.Errorf("spilled = %d, want %d", stats.SpilledBytes, len(payload))
	}
	if stats.BufferedBytes != 0 {
		t.Errorf("buffered = %d, want 0 after spill", stats.BufferedBytes)
	}

	// Reads and flush still work from the spill file.
	dest := make([]byte, 4)
	m.Read(1, 4, dest)
	if string(dest) != "abcd" {
		t.Errorf("spilled read = %q, want %q", dest, "abcd")
	}

	if err := m.Release(ctx, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	data, _ := backend.Get(ctx, "big", 0, -1)
	if !bytes.Equal(data, payload) {
		t.Errorf("uploaded %d bytes, want %d and equal content", len(data), len(payload))
	}
}

func TestFlushRetriesTransientFailure(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend)
	defer m.Close()
	ctx := context.Background()

	calls := 0
	backend.PutHook = func(key string) error {
		calls++
		if calls == 1 {
			return errors.New(errors.KindUnavailable, "memory.put", key)
		}
		return nil
	}

	m.Open(ctx, 1, "retry", true)
	m.Write(1, 0, []byte("persist me"))
	if err := m.Flush(ctx, 1); err != nil {
		t.Fatalf("Flush should succeed on second attempt: %v", err)
	}
	if calls != 2 {
		t.Errorf("put calls = %d, want 2", calls)
	}
}

func TestReleaseDiscardsOnUploadFailure(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend)
	defer m.Close()
	ctx := context.Background()

	backend.PutHook = func(key string) error {
		return errors.New(errors.KindUnavailable, "memory.put", key)
	}

	m.Open(ctx, 1, "lost", true)
	m.Write(1, 0, []byte("doomed"))

	err := m.Release(ctx, 1)
	if err == nil {
		t.Fatal("Release should report the upload failure")
	}

	// The buffer is gone regardless.
	if _, ok := m.Size(1); ok {
		t.Error("buffer should be discarded after failed release")
	}
	stats := m.Stats()
	if stats.FlushErrors == 0 {
		t.Error("flush errors should be counted")
	}
}

func TestCleanFlushOnUnchangedHandle(t *testing.T) {
	backend := memory.NewBackend()
	m := newTestManager(t, backend)
	defer m.Close()
	ctx := context.Background()

	backend.Put(ctx, "ro", []byte("content"))
	puts := 0
	backend.PutHook = func(string) error { puts++; return nil }

	m.Open(ctx, 1, "ro", false)
	if err := m.Flush(ctx, 1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := m.Release(ctx, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if puts != 0 {
		t.Errorf("clean handle triggered %d uploads, want 0", puts)
	}
}

func TestUnknownHandle(t *testing.T) {
	m := newTestManager(t, memory.NewBackend())
	defer m.Close()

	if _, err := m.Write(99, 0, []byte("x")); errors.KindOf(err) != errors.KindStateError {
		t.Errorf("Write on unknown handle: got %v, want StateError", err)
	}
	if err := m.Flush(context.Background(), 99); errors.KindOf(err) != errors.KindStateError {
		t.Errorf("Flush on unknown handle: got %v, want StateError", err)
	}
}
