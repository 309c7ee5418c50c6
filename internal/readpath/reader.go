// Package readpath serves file reads with ranged backend requests. Sequential
// access patterns trigger a best-effort prefetch of the next window so
// streaming reads do not pay one round trip per block.
package readpath

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/retry"
	"github.com/prismfs/prismfs/pkg/types"
)

// Config controls read behavior.
type Config struct {
	PrefetchEnabled bool          `yaml:"prefetch_enabled"`
	PrefetchWindow  int64         `yaml:"prefetch_window"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	Retry           retry.Config  `yaml:"retry"`
}

// Stats is a snapshot of read activity.
type Stats struct {
	BackendReads    int64 `json:"backend_reads"`
	PrefetchIssued  int64 `json:"prefetch_issued"`
	PrefetchHits    int64 `json:"prefetch_hits"`
	BytesFromCache  int64 `json:"bytes_from_cache"`
	BytesFromStore  int64 `json:"bytes_from_store"`
	PrefetchErrors  int64 `json:"prefetch_errors"`
}

// Reader tracks per-handle read streams.
type Reader struct {
	backend types.Backend
	retryer *retry.Retryer
	config  Config
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[uint64]*stream
	stats   Stats
}

// stream holds sequential-read state for one open handle. window caches the
// most recent prefetched range.
type stream struct {
	mu         sync.Mutex
	key        string
	lastEnd    int64
	sequential int

	window    []byte
	windowOff int64

	prefetching bool
}

// NewReader creates a read path over backend.
func NewReader(backend types.Backend, config Config, logger *slog.Logger) *Reader {
	if config.PrefetchWindow <= 0 {
		config.PrefetchWindow = 1024 * 1024
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reader{
		backend: backend,
		retryer: retry.New(config.Retry),
		config:  config,
		logger:  logger.With("component", "readpath"),
		streams: make(map[uint64]*stream),
	}
}

// Open registers a read stream for handle against key.
func (r *Reader) Open(handle uint64, key string) {
	r.mu.Lock()
	r.streams[handle] = &stream{key: key}
	r.mu.Unlock()
}

// Close drops the stream state for handle.
func (r *Reader) Close(handle uint64) {
	r.mu.Lock()
	delete(r.streams, handle)
	r.mu.Unlock()
}

// Read fills dest from the object at the handle's key starting at offset.
// The returned count is short only when the range crosses the end of the
// object. Transient backend failures are retried before surfacing.
func (r *Reader) Read(ctx context.Context, handle uint64, offset int64, dest []byte) (int, error) {
	r.mu.Lock()
	s, ok := r.streams[handle]
	r.mu.Unlock()
	if !ok {
		return 0, errors.New(errors.KindStateError, "read", fmt.Sprintf("handle %d", handle))
	}

	if n, ok := r.fromWindow(s, offset, dest); ok {
		r.bump(func(st *Stats) {
			st.PrefetchHits++
			st.BytesFromCache += int64(n)
		})
		r.observe(s, offset, n, len(dest))
		return n, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	var data []byte
	err := r.retryer.Do(reqCtx, func(ctx context.Context) error {
		var getErr error
		data, getErr = r.backend.Get(ctx, s.key, offset, int64(len(dest)))
		return getErr
	})
	if err != nil {
		return 0, err
	}

	n := copy(dest, data)
	r.bump(func(st *Stats) {
		st.BackendReads++
		st.BytesFromStore += int64(n)
	})
	r.observe(s, offset, n, len(dest))
	return n, nil
}

// Stats returns a snapshot of read counters.
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reader) bump(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

// fromWindow serves the read from the prefetched window when the requested
// range is fully inside it.
func (r *Reader) fromWindow(s *stream, offset int64, dest []byte) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.window == nil {
		return 0, false
	}
	end := offset + int64(len(dest))
	winEnd := s.windowOff + int64(len(s.window))
	if offset < s.windowOff || end > winEnd {
		return 0, false
	}
	n := copy(dest, s.window[offset-s.windowOff:])
	return n, true
}

// observe updates sequential-read tracking and kicks off a prefetch when the
// pattern looks like a streaming read. A short count means the object ended,
// so there is nothing ahead to fetch.
func (r *Reader) observe(s *stream, offset int64, n, requested int) {
	s.mu.Lock()
	if offset == s.lastEnd {
		s.sequential++
	} else {
		s.sequential = 0
	}
	s.lastEnd = offset + int64(n)

	start := s.lastEnd
	shouldPrefetch := r.config.PrefetchEnabled &&
		s.sequential >= 2 &&
		n == requested &&
		!s.prefetching &&
		(s.window == nil || start >= s.windowOff+int64(len(s.window)))
	if shouldPrefetch {
		s.prefetching = true
	}
	s.mu.Unlock()

	if shouldPrefetch {
		go r.prefetch(s, start)
	}
}

// prefetch fetches the next window in the background. Failures are logged
// and dropped; the foreground read path never depends on prefetch.
func (r *Reader) prefetch(s *stream, offset int64) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.RequestTimeout)
	defer cancel()

	data, err := r.backend.Get(ctx, s.key, offset, r.config.PrefetchWindow)

	s.mu.Lock()
	s.prefetching = false
	if err == nil && len(data) > 0 {
		s.window = data
		s.windowOff = offset
	}
	s.mu.Unlock()

	if err != nil {
		r.bump(func(st *Stats) { st.PrefetchErrors++ })
		r.logger.Debug("prefetch failed", "key", s.key, "offset", offset, "error", err)
		return
	}
	r.bump(func(st *Stats) { st.PrefetchIssued++ })
}
