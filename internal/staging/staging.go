// Package staging buffers writes per open handle until flush. Object stores
// have no partial update, so every dirty handle is materialized as the full
// future object body and uploaded in one PUT.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/retry"
	"github.com/prismfs/prismfs/pkg/types"
)

// Config controls staging buffer behavior.
type Config struct {
	SpillDirectory string        `yaml:"spill_directory"`
	SpillThreshold int64         `yaml:"spill_threshold"`
	MaxBufferSize  int64         `yaml:"max_buffer_size"`
	Retry          retry.Config  `yaml:"retry"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
}

// Manager owns the staging buffers for all writable handles of a mount.
type Manager struct {
	backend types.Backend
	retryer *retry.Retryer
	config  Config
	logger  *slog.Logger

	mu      sync.Mutex
	buffers map[uint64]*Buffer

	flushes       int64
	flushErrors   int64
	bytesUploaded int64
}

// Buffer is the staged content for one writable handle. Writes past the
// current size extend it with zeros. Once the content grows past the spill
// threshold it moves to a temp file so large objects do not pin memory.
type Buffer struct {
	mu    sync.Mutex
	key   string
	data  []byte
	size  int64
	dirty bool

	spill     *os.File
	spillPath string
}

// NewManager creates a staging manager uploading through backend.
func NewManager(backend types.Backend, config Config, logger *slog.Logger) *Manager {
	if config.SpillThreshold <= 0 {
		config.SpillThreshold = 16 * 1024 * 1024
	}
	if config.SpillDirectory == "" {
		config.SpillDirectory = os.TempDir()
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		backend: backend,
		retryer: retry.New(config.Retry),
		config:  config,
		logger:  logger.With("component", "staging"),
		buffers: make(map[uint64]*Buffer),
	}
}

// Open creates the staging buffer for a writable handle. Unless truncate is
// set, the current object body is fetched so untouched byte ranges survive
// the whole-object upload. A missing object starts the buffer empty.
func (m *Manager) Open(ctx context.Context, handle uint64, key string, truncate bool) error {
	buf := &Buffer{key: key}

	if !truncate {
		data, err := m.backend.Get(ctx, key, 0, -1)
		if err != nil && !errors.IsNotFound(err) {
			return errors.Wrap(errors.KindUnavailable, "staging.open", key, err)
		}
		if err == nil {
			if m.config.MaxBufferSize > 0 && int64(len(data)) > m.config.MaxBufferSize {
				return errors.New(errors.KindInternal, "staging.open", key)
			}
			buf.data = data
			buf.size = int64(len(data))
		}
	} else {
		buf.dirty = true
	}

	m.mu.Lock()
	m.buffers[handle] = buf
	m.mu.Unlock()

	return nil
}

func (m *Manager) get(handle uint64) (*Buffer, error) {
	m.mu.Lock()
	buf, ok := m.buffers[handle]
	m.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.KindStateError, "staging", fmt.Sprintf("handle %d", handle))
	}
	return buf, nil
}

// Write stages data at offset, extending the staged size with zeros when the
// write lands past the current end.
func (m *Manager) Write(handle uint64, offset int64, data []byte) (int, error) {
	buf, err := m.get(handle)
	if err != nil {
		return 0, err
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	end := offset + int64(len(data))
	if m.config.MaxBufferSize > 0 && end > m.config.MaxBufferSize {
		return 0, errors.New(errors.KindInternal, "staging.write", buf.key)
	}

	if buf.spill == nil && end > m.config.SpillThreshold {
		if err := m.spillLocked(buf); err != nil {
			return 0, err
		}
	}

	if buf.spill != nil {
		if _, err := buf.spill.WriteAt(data, offset); err != nil {
			return 0, errors.Wrap(errors.KindInternal, "staging.write", buf.key, err)
		}
	} else {
		if end > int64(len(buf.data)) {
			grown := make([]byte, end)
			copy(grown, buf.data)
			buf.data = grown
		}
		copy(buf.data[offset:], data)
	}

	if end > buf.size {
		buf.size = end
	}
	buf.dirty = true
	return len(data), nil
}

// Read serves reads from the staged content so a handle observes its own
// writes before flush. Gaps and extensions read as zero. Returns the number
// of bytes filled; a short count means offset+len crossed the staged size.
func (m *Manager) Read(handle uint64, offset int64, dest []byte) (int, error) {
	buf, err := m.get(handle)
	if err != nil {
		return 0, err
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if offset >= buf.size {
		return 0, nil
	}
	n := int64(len(dest))
	if offset+n > buf.size {
		n = buf.size - offset
	}

	if buf.spill != nil {
		read, err := buf.spill.ReadAt(dest[:n], offset)
		if err != nil && int64(read) < n {
			// Holes short of the truncated size read as zero.
			for i := read; int64(i) < n; i++ {
				dest[i] = 0
			}
		}
		return int(n), nil
	}

	copy(dest[:n], buf.data[offset:offset+n])
	return int(n), nil
}

// Truncate resizes the staged content. Growing exposes zeros.
func (m *Manager) Truncate(handle uint64, size int64) error {
	buf, err := m.get(handle)
	if err != nil {
		return err
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if m.config.MaxBufferSize > 0 && size > m.config.MaxBufferSize {
		return errors.New(errors.KindInternal, "staging.truncate", buf.key)
	}

	if buf.spill != nil {
		if err := buf.spill.Truncate(size); err != nil {
			return errors.Wrap(errors.KindInternal, "staging.truncate", buf.key, err)
		}
	} else if size <= int64(len(buf.data)) {
		buf.data = buf.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, buf.data)
		buf.data = grown
	}

	buf.size = size
	buf.dirty = true
	return nil
}

// Size reports the staged size for handle.
func (m *Manager) Size(handle uint64) (int64, bool) {
	buf, err := m.get(handle)
	if err != nil {
		return 0, false
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.size, true
}

// Dirty reports whether handle has unflushed writes.
func (m *Manager) Dirty(handle uint64) bool {
	buf, err := m.get(handle)
	if err != nil {
		return false
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.dirty
}

// Flush uploads the staged content as one whole-object PUT with bounded
// retries. The buffer stays open so the handle can keep writing.
func (m *Manager) Flush(ctx context.Context, handle uint64) error {
	buf, err := m.get(handle)
	if err != nil {
		return err
	}

	buf.mu.Lock()
	if !buf.dirty {
		buf.mu.Unlock()
		return nil
	}
	body, err := buf.contentsLocked()
	key := buf.key
	buf.mu.Unlock()
	if err != nil {
		return err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, m.config.UploadTimeout)
	defer cancel()

	err = m.retryer.Do(uploadCtx, func(ctx context.Context) error {
		return m.backend.Put(ctx, key, body)
	})

	m.mu.Lock()
	m.flushes++
	if err != nil {
		m.flushErrors++
	} else {
		m.bytesUploaded += int64(len(body))
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("upload failed", "key", key, "bytes", len(body), "error", err)
		return err
	}

	buf.mu.Lock()
	buf.dirty = false
	buf.mu.Unlock()

	m.logger.Debug("flushed staged object", "key", key, "bytes", len(body))
	return nil
}

// Release flushes any dirty content and then discards the buffer. On upload
// failure the staged bytes are dropped and the error is returned so the
// caller can surface the data loss.
func (m *Manager) Release(ctx context.Context, handle uint64) error {
	flushErr := m.Flush(ctx, handle)
	if flushErr != nil && errors.KindOf(flushErr) == errors.KindStateError {
		return flushErr
	}

	m.mu.Lock()
	buf, ok := m.buffers[handle]
	delete(m.buffers, handle)
	m.mu.Unlock()

	if ok {
		buf.mu.Lock()
		if buf.dirty && flushErr != nil {
			m.logger.Error("discarding unflushed writes", "key", buf.key, "bytes", buf.size)
		}
		buf.discardLocked()
		buf.mu.Unlock()
	}

	return flushErr
}

// Discard drops the buffer for handle without uploading.
func (m *Manager) Discard(handle uint64) {
	m.mu.Lock()
	buf, ok := m.buffers[handle]
	delete(m.buffers, handle)
	m.mu.Unlock()

	if ok {
		buf.mu.Lock()
		buf.discardLocked()
		buf.mu.Unlock()
	}
}

// Stats returns a snapshot of staging activity.
func (m *Manager) Stats() types.StagingStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := types.StagingStats{
		OpenBuffers:   len(m.buffers),
		Flushes:       m.flushes,
		FlushErrors:   m.flushErrors,
		BytesUploaded: m.bytesUploaded,
	}
	for _, buf := range m.buffers {
		buf.mu.Lock()
		if buf.spill != nil {
			stats.SpilledBytes += buf.size
		} else {
			stats.BufferedBytes += buf.size
		}
		buf.mu.Unlock()
	}
	return stats
}

// Close discards every remaining buffer. Callers flush first if they care
// about the contents.
func (m *Manager) Close() error {
	m.mu.Lock()
	buffers := m.buffers
	m.buffers = make(map[uint64]*Buffer)
	m.mu.Unlock()

	for _, buf := range buffers {
		buf.mu.Lock()
		buf.discardLocked()
		buf.mu.Unlock()
	}
	return nil
}

// spillLocked moves an in-memory buffer to a temp file. Caller holds buf.mu.
func (m *Manager) spillLocked(buf *Buffer) error {
	f, err := os.CreateTemp(m.config.SpillDirectory, "prismfs-stage-*")
	if err != nil {
		return errors.Wrap(errors.KindInternal, "staging.spill", buf.key, err)
	}
	if len(buf.data) > 0 {
		if _, err := f.WriteAt(buf.data, 0); err != nil {
			f.Close()
			os.Remove(f.Name())
			return errors.Wrap(errors.KindInternal, "staging.spill", buf.key, err)
		}
	}

	m.logger.Debug("spilled staging buffer", "key", buf.key, "bytes", buf.size, "file", filepath.Base(f.Name()))

	buf.spill = f
	buf.spillPath = f.Name()
	buf.data = nil
	return nil
}

// contentsLocked returns the full staged body. Caller holds buf.mu.
func (b *Buffer) contentsLocked() ([]byte, error) {
	if b.spill == nil {
		body := make([]byte, len(b.data))
		copy(body, b.data)
		return body, nil
	}

	body := make([]byte, b.size)
	n, err := b.spill.ReadAt(body, 0)
	if err != nil && int64(n) < b.size {
		for i := n; int64(i) < b.size; i++ {
			body[i] = 0
		}
	}
	return body, nil
}

func (b *Buffer) discardLocked() {
	b.data = nil
	b.dirty = false
	if b.spill != nil {
		b.spill.Close()
		os.Remove(b.spillPath)
		b.spill = nil
	}
}
