package vfs

import (
	"context"
	"time"

	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/types"
)

// Open opens an existing file at path and returns a file handle id. Writable
// opens stage the current object body so partial overwrites preserve
// untouched bytes; truncate starts the staging buffer empty instead.
func (fs *Filesystem) Open(ctx context.Context, path string, mode types.OpenMode, truncate bool) (uint64, error) {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Opens++ })

	if mode.Writable() || truncate {
		if err := fs.checkWritable("open", path); err != nil {
			fs.record("open", start, 0, err)
			return 0, err
		}
	}

	attrs, err := fs.getAttributes(ctx, path)
	if err != nil {
		fs.record("open", start, 0, err)
		return 0, err
	}
	if attrs.Kind == types.KindDirectory {
		err := errors.New(errors.KindIsDirectory, "open", path)
		fs.record("open", start, 0, err)
		return 0, err
	}

	fh, err := fs.openHandle(ctx, path, mode, truncate)
	fs.record("open", start, 0, err)
	return fh, err
}

// Create makes a new empty file at path and opens it for writing. An
// existing entry under the same path fails with an exists error unless
// truncate is set.
func (fs *Filesystem) Create(ctx context.Context, path string, truncate bool) (uint64, error) {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Creates++ })

	if err := fs.checkWritable("create", path); err != nil {
		fs.record("create", start, 0, err)
		return 0, err
	}

	attrs, err := fs.getAttributes(ctx, path)
	switch {
	case err == nil && attrs.Kind == types.KindDirectory:
		err = errors.New(errors.KindIsDirectory, "create", path)
		fs.record("create", start, 0, err)
		return 0, err
	case err == nil && !truncate:
		err = errors.New(errors.KindExist, "create", path)
		fs.record("create", start, 0, err)
		return 0, err
	case err != nil && !errors.IsNotFound(err):
		fs.record("create", start, 0, err)
		return 0, err
	}

	// Materialize the object right away so the entry is visible to other
	// observers before the first flush.
	if err := fs.backend.Put(ctx, fs.key(path), nil); err != nil {
		fs.record("create", start, 0, err)
		return 0, err
	}

	fs.inodes.BumpGeneration(path)
	fs.cache.Put(path, types.Attributes{
		Kind:       types.KindFile,
		ModifiedAt: time.Now(),
		Generation: fs.inodes.Generation(path),
	})
	fs.cache.Invalidate(parent(path))

	fh, err := fs.openHandle(ctx, path, types.ModeReadWrite, true)
	fs.record("create", start, 0, err)
	return fh, err
}

// openHandle registers the handle state and wires the staging buffer or read
// stream for it.
func (fs *Filesystem) openHandle(ctx context.Context, path string, mode types.OpenMode, truncate bool) (uint64, error) {
	fs.mu.Lock()
	fs.nextFH++
	id := fs.nextFH
	fs.handles[id] = &fileHandle{id: id, path: path, mode: mode}
	fs.mu.Unlock()

	if mode.Writable() {
		if err := fs.staging.Open(ctx, id, fs.key(path), truncate); err != nil {
			fs.dropHandle(id)
			return 0, err
		}
	} else {
		fs.reader.Open(id, fs.key(path))
	}

	fs.logger.Debug("opened handle", "path", path, "fh", id, "mode", mode, "truncate", truncate)
	return id, nil
}

func (fs *Filesystem) dropHandle(id uint64) {
	fs.mu.Lock()
	delete(fs.handles, id)
	fs.mu.Unlock()
}

func (fs *Filesystem) handle(id uint64) (*fileHandle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.handles[id]
	if !ok || h.released {
		return nil, errors.New(errors.KindStateError, "handle", "")
	}
	return h, nil
}

// Read fills dest from the file behind fh starting at offset. A short count
// happens only at end of file. Writable handles read their own staged bytes.
func (fs *Filesystem) Read(ctx context.Context, fh uint64, offset int64, dest []byte) (int, error) {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Reads++ })

	h, err := fs.handle(fh)
	if err != nil {
		fs.record("read", start, 0, err)
		return 0, err
	}

	var n int
	if h.mode.Writable() {
		n, err = fs.staging.Read(fh, offset, dest)
	} else {
		n, err = fs.reader.Read(ctx, fh, offset, dest)
		if errors.IsNotFound(err) {
			// The object vanished under an open handle; a remover won the
			// race and the handle no longer refers to a live object.
			err = errors.Wrap(errors.KindConflict, "read", h.path, err)
		}
	}

	if err == nil {
		fs.count(func(s *types.OperationStats) { s.BytesRead += int64(n) })
	}
	fs.record("read", start, int64(n), err)
	return n, err
}

// Write stages data at offset on the handle's buffer. Bytes are not durable
// until Flush or Release uploads the staged object.
func (fs *Filesystem) Write(ctx context.Context, fh uint64, offset int64, data []byte) (int, error) {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Writes++ })

	h, err := fs.handle(fh)
	if err != nil {
		fs.record("write", start, 0, err)
		return 0, err
	}
	if !h.mode.Writable() {
		err := errors.New(errors.KindStateError, "write", h.path)
		fs.record("write", start, 0, err)
		return 0, err
	}

	n, err := fs.staging.Write(fh, offset, data)
	if err == nil {
		fs.count(func(s *types.OperationStats) { s.BytesWritten += int64(n) })
	}
	fs.record("write", start, int64(n), err)
	return n, err
}

// Truncate resizes the staged content of a writable handle.
func (fs *Filesystem) Truncate(ctx context.Context, fh uint64, size int64) error {
	h, err := fs.handle(fh)
	if err != nil {
		return err
	}
	if !h.mode.Writable() {
		return errors.New(errors.KindStateError, "truncate", h.path)
	}
	return fs.staging.Truncate(fh, size)
}

// Flush uploads the staged content of a writable handle. The handle stays
// open. After a successful flush the path's attributes reflect the new size
// immediately.
func (fs *Filesystem) Flush(ctx context.Context, fh uint64) error {
	start := time.Now()

	h, err := fs.handle(fh)
	if err != nil {
		fs.record("flush", start, 0, err)
		return err
	}
	if !h.mode.Writable() {
		return nil
	}

	err = fs.staging.Flush(ctx, fh)
	if err == nil {
		fs.refreshAfterWrite(h.path, fh)
	}
	fs.record("flush", start, 0, err)
	return err
}

// Release closes the handle. Writable handles flush first; if the upload
// fails after its bounded retries the staged bytes are discarded and the
// error is surfaced so the caller sees the data loss.
func (fs *Filesystem) Release(ctx context.Context, fh uint64) error {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Releases++ })

	h, err := fs.handle(fh)
	if err != nil {
		fs.record("release", start, 0, err)
		return err
	}

	if h.mode.Writable() {
		err = fs.staging.Release(ctx, fh)
		if err == nil {
			fs.refreshAfterWrite(h.path, 0)
		} else {
			// The cached snapshot may describe bytes that never landed.
			fs.cache.Invalidate(h.path)
			fs.inodes.BumpGeneration(h.path)
		}
	} else {
		fs.reader.Close(fh)
	}

	fs.mu.Lock()
	h.released = true
	delete(fs.handles, fh)
	fs.mu.Unlock()

	fs.record("release", start, 0, err)
	return err
}

// refreshAfterWrite updates the attribute snapshot after a successful upload
// so the writer immediately reads back its own mutation. fh 0 means the
// staging buffer is already gone and the size comes from the next stat.
func (fs *Filesystem) refreshAfterWrite(path string, fh uint64) {
	fs.inodes.BumpGeneration(path)
	gen := fs.inodes.Generation(path)

	if fh != 0 {
		if size, ok := fs.staging.Size(fh); ok {
			fs.cache.Put(path, types.Attributes{
				Kind:       types.KindFile,
				Size:       size,
				ModifiedAt: time.Now(),
				Generation: gen,
			})
			return
		}
	}
	fs.cache.Invalidate(path)
}
