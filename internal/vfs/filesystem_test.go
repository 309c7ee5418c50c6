package vfs

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismfs/prismfs/internal/staging"
	"github.com/prismfs/prismfs/internal/storage/memory"
	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/retry"
	"github.com/prismfs/prismfs/pkg/types"
)

func newTestFS(t *testing.T, backend *memory.Backend) *Filesystem {
	t.Helper()
	fs := New(backend, Options{
		CacheTTL: 2 * time.Second,
		Staging: staging.Config{
			SpillDirectory: t.TempDir(),
			SpillThreshold: 1 << 20,
			Retry:          retry.Config{MaxAttempts: 2, InitialDelay: 1, MaxDelay: 1},
		},
	}, nil, nil)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestLookupFileAndMissing(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "docs/readme.txt", []byte("hello"))

	fs := newTestFS(t, backend)

	handle, attrs, err := fs.Lookup(ctx, "docs/readme.txt")
	require.NoError(t, err)
	assert.NotZero(t, handle)
	assert.Equal(t, types.KindFile, attrs.Kind)
	assert.Equal(t, int64(5), attrs.Size)

	_, _, err = fs.Lookup(ctx, "docs/missing.txt")
	assert.True(t, errors.IsNotFound(err))
}

func TestIdentityHandleStability(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "a.txt", []byte("x"))

	fs := newTestFS(t, backend)

	h1, _, err := fs.Lookup(ctx, "a.txt")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		h, _, err := fs.Lookup(ctx, "a.txt")
		require.NoError(t, err)
		assert.Equal(t, h1, h, "identity handle must stay stable across lookups")
	}
}

func TestDirectorySynthesisFromDeepKeys(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "projects/alpha/src/main.go", []byte("package main"))

	fs := newTestFS(t, backend)

	// No marker objects exist anywhere along the chain, yet every prefix
	// resolves as a directory.
	for _, dir := range []string{"projects", "projects/alpha", "projects/alpha/src"} {
		_, attrs, err := fs.Lookup(ctx, dir)
		require.NoError(t, err, dir)
		assert.Equal(t, types.KindDirectory, attrs.Kind, dir)
	}

	entries, err := fs.ReadDir(ctx, "projects/alpha")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "src", entries[0].Name)
	assert.Equal(t, types.KindDirectory, entries[0].Kind)
}

func TestReadDirCoalescesChildren(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "data/a.txt", []byte("1"))
	backend.Put(ctx, "data/b.txt", []byte("2"))
	backend.Put(ctx, "data/sub/c.txt", []byte("3"))
	backend.Put(ctx, "data/sub/d.txt", []byte("4"))
	backend.Put(ctx, "data/empty/", nil)

	fs := newTestFS(t, backend)

	entries, err := fs.ReadDir(ctx, "data")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	byName := map[string]types.FileKind{}
	for _, e := range entries {
		byName[e.Name] = e.Kind
	}
	assert.Equal(t, types.KindFile, byName["a.txt"])
	assert.Equal(t, types.KindFile, byName["b.txt"])
	assert.Equal(t, types.KindDirectory, byName["sub"])
	assert.Equal(t, types.KindDirectory, byName["empty"])
}

func TestReadDirRoot(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "top.txt", []byte("t"))
	backend.Put(ctx, "nested/file.txt", []byte("n"))

	fs := newTestFS(t, backend)

	entries, err := fs.ReadDir(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "nested", entries[0].Name)
	assert.Equal(t, "top.txt", entries[1].Name)
}

func TestWriteReadYourWrites(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	fs := newTestFS(t, backend)

	fh, err := fs.Create(ctx, "notes.txt", false)
	require.NoError(t, err)

	_, err = fs.Write(ctx, fh, 0, []byte("unflushed content"))
	require.NoError(t, err)

	// The same handle reads its own staged bytes before any upload.
	dest := make([]byte, 32)
	n, err := fs.Read(ctx, fh, 0, dest)
	require.NoError(t, err)
	assert.Equal(t, "unflushed content", string(dest[:n]))

	// Getattr reflects the staged size too.
	attrs, err := fs.Getattr(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(17), attrs.Size)

	require.NoError(t, fs.Release(ctx, fh))

	data, err := backend.Get(ctx, "notes.txt", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "unflushed content", string(data))
}

func TestFlushMakesSizeVisible(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	fs := newTestFS(t, backend)

	fh, err := fs.Create(ctx, "grow.txt", false)
	require.NoError(t, err)
	defer fs.Release(ctx, fh)

	_, err = fs.Write(ctx, fh, 0, []byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, fs.Flush(ctx, fh))

	attrs, err := fs.Getattr(ctx, "grow.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(10), attrs.Size)
}

func TestShortReadOnlyAtEOF(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "small.txt", []byte("abc"))

	fs := newTestFS(t, backend)

	fh, err := fs.Open(ctx, "small.txt", types.ModeRead, false)
	require.NoError(t, err)
	defer fs.Release(ctx, fh)

	dest := make([]byte, 10)
	n, err := fs.Read(ctx, fh, 0, dest)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = fs.Read(ctx, fh, 3, dest)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateExisting(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "taken.txt", []byte("old"))

	fs := newTestFS(t, backend)

	_, err := fs.Create(ctx, "taken.txt", false)
	assert.Equal(t, errors.KindExist, errors.KindOf(err))

	// With truncate the create succeeds and empties the object.
	fh, err := fs.Create(ctx, "taken.txt", true)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, fh))

	data, err := backend.Get(ctx, "taken.txt", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestOpenPreservesUntouchedBytes(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "partial.txt", []byte("aaaaaaaaaa"))

	fs := newTestFS(t, backend)

	fh, err := fs.Open(ctx, "partial.txt", types.ModeReadWrite, false)
	require.NoError(t, err)
	_, err = fs.Write(ctx, fh, 4, []byte("BB"))
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, fh))

	data, _ := backend.Get(ctx, "partial.txt", 0, -1)
	assert.Equal(t, "aaaaBBaaaa", string(data))
}

func TestMkdirRmdir(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	fs := newTestFS(t, backend)

	require.NoError(t, fs.Mkdir(ctx, "newdir"))

	_, attrs, err := fs.Lookup(ctx, "newdir")
	require.NoError(t, err)
	assert.Equal(t, types.KindDirectory, attrs.Kind)

	// Marker object landed in the store.
	_, err = backend.Stat(ctx, "newdir/")
	require.NoError(t, err)

	err = fs.Mkdir(ctx, "newdir")
	assert.Equal(t, errors.KindExist, errors.KindOf(err))

	require.NoError(t, fs.Rmdir(ctx, "newdir"))
	_, _, err = fs.Lookup(ctx, "newdir")
	assert.True(t, errors.IsNotFound(err))
}

func TestRmdirNotEmpty(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "full/", nil)
	backend.Put(ctx, "full/child.txt", []byte("x"))

	fs := newTestFS(t, backend)

	err := fs.Rmdir(ctx, "full")
	assert.Equal(t, errors.KindNotEmpty, errors.KindOf(err))

	// Removing the child clears the way.
	require.NoError(t, fs.Unlink(ctx, "full/child.txt"))
	require.NoError(t, fs.Rmdir(ctx, "full"))
}

func TestUnlink(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "del.txt", []byte("x"))
	backend.Put(ctx, "dir/", nil)

	fs := newTestFS(t, backend)

	require.NoError(t, fs.Unlink(ctx, "del.txt"))
	assert.True(t, errors.IsNotFound(fs.Unlink(ctx, "del.txt")))

	err := fs.Unlink(ctx, "dir")
	assert.Equal(t, errors.KindIsDirectory, errors.KindOf(err))
}

func TestRenamePreservesIdentity(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "before.txt", []byte("payload"))

	fs := newTestFS(t, backend)

	oldHandle, _, err := fs.Lookup(ctx, "before.txt")
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, "before.txt", "after.txt"))

	newHandle, attrs, err := fs.Lookup(ctx, "after.txt")
	require.NoError(t, err)
	assert.Equal(t, oldHandle, newHandle, "rename must carry the identity handle to the new path")
	assert.Equal(t, int64(7), attrs.Size)

	_, _, err = fs.Lookup(ctx, "before.txt")
	assert.True(t, errors.IsNotFound(err))

	data, _ := backend.Get(ctx, "after.txt", 0, -1)
	assert.Equal(t, "payload", string(data))
}

func TestRenameDirectoryTree(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "src/", nil)
	backend.Put(ctx, "src/a.txt", []byte("a"))
	backend.Put(ctx, "src/deep/b.txt", []byte("b"))

	fs := newTestFS(t, backend)

	require.NoError(t, fs.Rename(ctx, "src", "dst"))

	data, err := backend.Get(ctx, "dst/a.txt", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	data, err = backend.Get(ctx, "dst/deep/b.txt", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	_, err = backend.Stat(ctx, "src/a.txt")
	assert.True(t, errors.IsNotFound(err))

	entries, err := fs.ReadDir(ctx, "dst")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRenameDirectoryOverEmptyDirectory(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "src/", nil)
	backend.Put(ctx, "src/a.txt", []byte("a"))
	backend.Put(ctx, "dst/", nil)

	fs := newTestFS(t, backend)

	require.NoError(t, fs.Rename(ctx, "src", "dst"))

	data, err := backend.Get(ctx, "dst/a.txt", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	_, _, err = fs.Lookup(ctx, "src")
	assert.True(t, errors.IsNotFound(err))
}

func TestRenameDirectoryOverNonEmptyDirectory(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "src/", nil)
	backend.Put(ctx, "src/a.txt", []byte("a"))
	backend.Put(ctx, "dst/", nil)
	backend.Put(ctx, "dst/keep.txt", []byte("k"))

	fs := newTestFS(t, backend)

	err := fs.Rename(ctx, "src", "dst")
	assert.Equal(t, errors.KindNotEmpty, errors.KindOf(err))

	// Nothing moved and the destination kept its child.
	data, err := backend.Get(ctx, "dst/keep.txt", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "k", string(data))

	_, err = backend.Stat(ctx, "src/a.txt")
	require.NoError(t, err)
}

func TestRenameFileOverDirectory(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "f.txt", []byte("f"))
	backend.Put(ctx, "d/", nil)

	fs := newTestFS(t, backend)

	err := fs.Rename(ctx, "f.txt", "d")
	assert.Equal(t, errors.KindIsDirectory, errors.KindOf(err))
}

func TestReleaseUploadFailureReportsDataLoss(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	fs := newTestFS(t, backend)

	fh, err := fs.Create(ctx, "doomed.txt", false)
	require.NoError(t, err)

	_, err = fs.Write(ctx, fh, 0, []byte("never lands"))
	require.NoError(t, err)

	backend.PutHook = func(key string) error {
		return errors.New(errors.KindUnavailable, "memory.put", key)
	}

	err = fs.Release(ctx, fh)
	require.Error(t, err, "release must surface the failed upload")

	// The staged bytes are gone; a fresh read sees the pre-failure object.
	backend.PutHook = nil
	attrs, err := fs.Getattr(ctx, "doomed.txt")
	require.NoError(t, err)
	assert.Zero(t, attrs.Size)
}

func TestReadOnlyMountRejectsMutations(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "ro.txt", []byte("x"))

	fs := New(backend, Options{ReadOnly: true, CacheTTL: time.Second}, nil, nil)
	defer fs.Close()

	_, err := fs.Create(ctx, "new.txt", false)
	assert.Equal(t, errors.KindPermissionDenied, errors.KindOf(err))
	assert.Equal(t, errors.KindPermissionDenied, errors.KindOf(fs.Mkdir(ctx, "d")))
	assert.Equal(t, errors.KindPermissionDenied, errors.KindOf(fs.Unlink(ctx, "ro.txt")))
	assert.Equal(t, errors.KindPermissionDenied, errors.KindOf(fs.Rename(ctx, "ro.txt", "y.txt")))

	_, err = fs.Open(ctx, "ro.txt", types.ModeWrite, false)
	assert.Equal(t, errors.KindPermissionDenied, errors.KindOf(err))

	// Reads still work.
	fh, err := fs.Open(ctx, "ro.txt", types.ModeRead, false)
	require.NoError(t, err)
	defer fs.Release(ctx, fh)
}

func TestRootPrefixScopesKeys(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "scoped/inside.txt", []byte("in"))
	backend.Put(ctx, "outside.txt", []byte("out"))

	fs := New(backend, Options{Root: "scoped", CacheTTL: time.Second}, nil, nil)
	defer fs.Close()

	_, attrs, err := fs.Lookup(ctx, "inside.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), attrs.Size)

	_, _, err = fs.Lookup(ctx, "outside.txt")
	assert.True(t, errors.IsNotFound(err))

	entries, err := fs.ReadDir(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "inside.txt", entries[0].Name)
}

func TestConcurrentWritersDistinctFiles(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	fs := newTestFS(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("worker-%d.txt", i)
			fh, err := fs.Create(ctx, path, false)
			if err != nil {
				t.Errorf("create %s: %v", path, err)
				return
			}
			content := fmt.Sprintf("content from writer %d", i)
			if _, err := fs.Write(ctx, fh, 0, []byte(content)); err != nil {
				t.Errorf("write %s: %v", path, err)
			}
			if err := fs.Release(ctx, fh); err != nil {
				t.Errorf("release %s: %v", path, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		data, err := backend.Get(ctx, fmt.Sprintf("worker-%d.txt", i), 0, -1)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("content from writer %d", i), string(data))
	}
}

func TestConcurrentWritersSamePath(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	fs := newTestFS(t, backend)

	first, err := fs.Create(ctx, "shared.txt", false)
	require.NoError(t, err)
	second, err := fs.Open(ctx, "shared.txt", types.ModeReadWrite, false)
	require.NoError(t, err)

	payloadA := []byte("payload from the first writer")
	payloadB := []byte("second writer wins")
	_, err = fs.Write(ctx, first, 0, payloadA)
	require.NoError(t, err)
	_, err = fs.Write(ctx, second, 0, payloadB)
	require.NoError(t, err)

	require.NoError(t, fs.Release(ctx, first))
	require.NoError(t, fs.Release(ctx, second))

	// Each handle staged independently and each flush replaced the whole
	// object; the last release lands in full, never a blend of both.
	data, err := backend.Get(ctx, "shared.txt", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, string(payloadB), string(data))

	fh, err := fs.Open(ctx, "shared.txt", types.ModeRead, false)
	require.NoError(t, err)
	defer fs.Release(ctx, fh)

	dest := make([]byte, 64)
	n, err := fs.Read(ctx, fh, 0, dest)
	require.NoError(t, err)
	assert.Equal(t, string(payloadB), string(dest[:n]))
}

func TestOperationStats(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "s.txt", []byte("stats"))

	fs := newTestFS(t, backend)

	fs.Lookup(ctx, "s.txt")
	fh, _ := fs.Open(ctx, "s.txt", types.ModeRead, false)
	fs.Read(ctx, fh, 0, make([]byte, 5))
	fs.Release(ctx, fh)
	fs.Lookup(ctx, "absent.txt")

	ops, _, _ := fs.Stats()
	assert.Equal(t, int64(2), ops.Lookups)
	assert.Equal(t, int64(1), ops.Opens)
	assert.Equal(t, int64(1), ops.Reads)
	assert.Equal(t, int64(1), ops.Releases)
	assert.Equal(t, int64(5), ops.BytesRead)
	assert.Equal(t, int64(1), ops.Errors)
}

func TestReadAfterRacingDelete(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "r.txt", []byte("contents"))

	fs := newTestFS(t, backend)

	fh, err := fs.Open(ctx, "r.txt", types.ModeRead, false)
	require.NoError(t, err)
	defer fs.Release(ctx, fh)

	// Another remover deletes the object while the handle is open; the
	// handle no longer refers to a live object, which is not the same as
	// the path never having existed.
	require.NoError(t, backend.Delete(ctx, "r.txt"))

	_, err = fs.Read(ctx, fh, 0, make([]byte, 8))
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
	assert.Equal(t, syscall.ESTALE, errors.Errno(err))
}

func TestStaleHandleAfterRelease(t *testing.T) {
	backend := memory.NewBackend()
	ctx := context.Background()
	backend.Put(ctx, "h.txt", []byte("x"))

	fs := newTestFS(t, backend)

	fh, err := fs.Open(ctx, "h.txt", types.ModeRead, false)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, fh))

	_, err = fs.Read(ctx, fh, 0, make([]byte, 1))
	assert.Equal(t, errors.KindStateError, errors.KindOf(err))
}
