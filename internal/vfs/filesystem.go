// Package vfs implements the filesystem core: it synthesizes a directory tree
// over the flat key namespace of an object store and dispatches file
// operations against it. The FUSE layer is a thin adapter over this package,
// which keeps the semantics testable without a mounted kernel bridge.
package vfs

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prismfs/prismfs/internal/inode"
	"github.com/prismfs/prismfs/internal/meta"
	"github.com/prismfs/prismfs/internal/readpath"
	"github.com/prismfs/prismfs/internal/staging"
	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/types"
)

// Options configures the filesystem core.
type Options struct {
	// Root is the key prefix all paths are mapped under. Empty mounts the
	// whole bucket.
	Root     string
	ReadOnly bool

	CacheTTL        time.Duration
	CacheMaxEntries int
	CacheShards     int
	CleanupInterval time.Duration

	Staging staging.Config
	Read    readpath.Config
}

// Filesystem translates path-level file operations into object operations.
type Filesystem struct {
	backend types.Backend
	inodes  *inode.Map
	cache   *meta.Cache
	staging *staging.Manager
	reader  *readpath.Reader
	metrics types.MetricsCollector
	logger  *slog.Logger

	root     string
	readOnly bool

	mu      sync.Mutex
	handles map[uint64]*fileHandle
	nextFH  uint64
	stats   types.OperationStats
}

// fileHandle is the state of one open file. The id is distinct from the
// path's identity handle; several opens of one path get separate ids.
type fileHandle struct {
	id       uint64
	path     string
	mode     types.OpenMode
	released bool
}

// New creates a filesystem core over backend. metrics may be nil.
func New(backend types.Backend, opts Options, metrics types.MetricsCollector, logger *slog.Logger) *Filesystem {
	if logger == nil {
		logger = slog.Default()
	}

	root := strings.Trim(opts.Root, "/")
	if root != "" {
		root += "/"
	}

	return &Filesystem{
		backend: backend,
		inodes:  inode.NewMap(),
		cache:   meta.NewCache(opts.CacheTTL, opts.CacheMaxEntries, opts.CacheShards, opts.CleanupInterval),
		staging: staging.NewManager(backend, opts.Staging, logger),
		reader:  readpath.NewReader(backend, opts.Read, logger),
		metrics: metrics,
		logger:  logger.With("component", "vfs"),
		root:    root,
		readOnly: opts.ReadOnly,
		handles: make(map[uint64]*fileHandle),
	}
}

// Close releases the caches and staging buffers. Unflushed writes are
// dropped; callers release handles first.
func (fs *Filesystem) Close() error {
	fs.cache.Close()
	return fs.staging.Close()
}

// key maps a mount-relative path to its object key.
func (fs *Filesystem) key(path string) string {
	return fs.root + path
}

// markerKey is the object key of a directory marker.
func (fs *Filesystem) markerKey(path string) string {
	return fs.root + path + "/"
}

// Lookup resolves path to its identity handle and attributes. The identity
// handle is stable for the lifetime of the mount session.
func (fs *Filesystem) Lookup(ctx context.Context, path string) (uint64, types.Attributes, error) {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Lookups++ })

	handle, _ := fs.inodes.Resolve(path)
	attrs, err := fs.getAttributes(ctx, path)
	fs.record("lookup", start, 0, err)
	if err != nil {
		return 0, types.Attributes{}, err
	}
	return handle, attrs, nil
}

// Getattr returns current attributes for path.
func (fs *Filesystem) Getattr(ctx context.Context, path string) (types.Attributes, error) {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Getattrs++ })

	attrs, err := fs.getAttributes(ctx, path)
	fs.record("getattr", start, 0, err)
	return attrs, err
}

// Handle returns the identity handle for path, minting one if needed.
func (fs *Filesystem) Handle(path string) uint64 {
	handle, _ := fs.inodes.Resolve(path)
	return handle
}

// getAttributes resolves attributes for path: staged writes first, then the
// metadata cache, then the backend.
func (fs *Filesystem) getAttributes(ctx context.Context, path string) (types.Attributes, error) {
	if path == "" {
		return types.Attributes{Kind: types.KindDirectory, Generation: fs.inodes.Generation("")}, nil
	}

	// An open writable handle sees its own staged size before flush.
	if size, ok := fs.stagedSize(path); ok {
		return types.Attributes{
			Kind:       types.KindFile,
			Size:       size,
			ModifiedAt: time.Now(),
			Generation: fs.inodes.Generation(path),
			FetchedAt:  time.Now(),
		}, nil
	}

	gen := fs.inodes.Generation(path)
	if attrs, ok := fs.cache.Get(path, gen); ok {
		fs.recordCache(path, true)
		return attrs, nil
	}
	fs.recordCache(path, false)

	attrs, err := fs.statBackend(ctx, path)
	if err != nil {
		return types.Attributes{}, err
	}
	attrs.Generation = gen
	fs.cache.Put(path, attrs)
	return attrs, nil
}

// statBackend determines what path is in the store: an object, a directory
// marker, or a synthesized directory implied by deeper keys.
func (fs *Filesystem) statBackend(ctx context.Context, path string) (types.Attributes, error) {
	info, err := fs.backend.Stat(ctx, fs.key(path))
	if err == nil {
		return types.Attributes{
			Kind:       types.KindFile,
			Size:       info.Size,
			ModifiedAt: info.LastModified,
			ETag:       info.ETag,
			FetchedAt:  time.Now(),
		}, nil
	}
	if !errors.IsNotFound(err) {
		return types.Attributes{}, err
	}

	if info, err := fs.backend.Stat(ctx, fs.markerKey(path)); err == nil {
		return types.Attributes{
			Kind:       types.KindDirectory,
			ModifiedAt: info.LastModified,
			FetchedAt:  time.Now(),
		}, nil
	} else if !errors.IsNotFound(err) {
		return types.Attributes{}, err
	}

	// No object and no marker. Deeper keys still imply a directory.
	infos, err := fs.backend.List(ctx, fs.markerKey(path))
	if err != nil {
		return types.Attributes{}, err
	}
	if len(infos) > 0 {
		return types.Attributes{
			Kind:      types.KindDirectory,
			FetchedAt: time.Now(),
		}, nil
	}

	return types.Attributes{}, errors.New(errors.KindNotFound, "lookup", path)
}

// stagedSize reports the staged size when path has an open writable handle.
func (fs *Filesystem) stagedSize(path string) (int64, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, h := range fs.handles {
		if h.path == path && h.mode.Writable() && !h.released {
			if size, ok := fs.staging.Size(h.id); ok {
				return size, true
			}
		}
	}
	return 0, false
}

// Stats returns a snapshot of the dispatcher, cache, and staging counters.
func (fs *Filesystem) Stats() (types.OperationStats, types.CacheStats, types.StagingStats) {
	fs.mu.Lock()
	ops := fs.stats
	fs.mu.Unlock()
	return ops, fs.cache.Stats(), fs.staging.Stats()
}

// ReadStats returns the read path counters.
func (fs *Filesystem) ReadStats() readpath.Stats {
	return fs.reader.Stats()
}

func (fs *Filesystem) count(fn func(*types.OperationStats)) {
	fs.mu.Lock()
	fn(&fs.stats)
	fs.mu.Unlock()
}

func (fs *Filesystem) record(op string, start time.Time, size int64, err error) {
	if err != nil {
		fs.count(func(s *types.OperationStats) { s.Errors++ })
	}
	if fs.metrics != nil {
		fs.metrics.RecordOperation(op, time.Since(start), size, err == nil)
	}
}

func (fs *Filesystem) recordCache(path string, hit bool) {
	if fs.metrics == nil {
		return
	}
	if hit {
		fs.metrics.RecordCacheHit(path)
	} else {
		fs.metrics.RecordCacheMiss(path)
	}
}

// checkWritable rejects mutations on read-only mounts.
func (fs *Filesystem) checkWritable(op, path string) error {
	if fs.readOnly {
		return errors.New(errors.KindPermissionDenied, op, path)
	}
	return nil
}

// parent returns the parent path of path, "" for top-level entries.
func parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// baseName returns the last path segment.
func baseName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// childSegment extracts the immediate child name of key relative to prefix,
// reporting whether the key lies deeper than one level.
func childSegment(key, prefix string) (name string, deeper bool) {
	rest := strings.TrimPrefix(key, prefix)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx], true
	}
	return rest, false
}

// sortEntries orders directory entries by name.
func sortEntries(entries []types.DirEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
