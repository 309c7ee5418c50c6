// Package memory provides a map-backed Backend. It powers the in-memory mount
// mode and gives tests a backend with controllable failures.
package memory

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/types"
)

type object struct {
	data         []byte
	lastModified time.Time
	etag         string
}

// Backend stores objects in process memory.
type Backend struct {
	mu      sync.RWMutex
	objects map[string]*object
	closed  bool

	// Fault injection. A non-nil hook runs before the operation; returning an
	// error aborts it.
	GetHook    func(key string) error
	PutHook    func(key string) error
	CopyHook   func(srcKey string) error
	DeleteHook func(key string) error
	ListHook   func(prefix string) error
}

// NewBackend creates an empty in-memory backend.
func NewBackend() *Backend {
	return &Backend{objects: make(map[string]*object)}
}

func (b *Backend) Get(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindTimeout, "memory.get", key, err)
	}
	if b.GetHook != nil {
		if err := b.GetHook(key); err != nil {
			return nil, err
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[key]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "memory.get", key)
	}

	length := int64(len(obj.data))
	if offset >= length {
		return []byte{}, nil
	}
	end := length
	if size > 0 && offset+size < length {
		end = offset + size
	}

	out := make([]byte, end-offset)
	copy(out, obj.data[offset:end])
	return out, nil
}

func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.KindTimeout, "memory.put", key, err)
	}
	if b.PutHook != nil {
		if err := b.PutHook(key); err != nil {
			return err
		}
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[key] = &object{
		data:         stored,
		lastModified: time.Now(),
		etag:         fmt.Sprintf("%x", md5.Sum(stored)),
	}
	return nil
}

func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.KindTimeout, "memory.copy", srcKey, err)
	}
	if b.CopyHook != nil {
		if err := b.CopyHook(srcKey); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.objects[srcKey]
	if !ok {
		return errors.New(errors.KindNotFound, "memory.copy", srcKey)
	}

	stored := make([]byte, len(src.data))
	copy(stored, src.data)
	b.objects[dstKey] = &object{
		data:         stored,
		lastModified: time.Now(),
		etag:         src.etag,
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindTimeout, "memory.list", prefix, err)
	}
	if b.ListHook != nil {
		if err := b.ListHook(prefix); err != nil {
			return nil, err
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var infos []types.ObjectInfo
	for key, obj := range b.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, types.ObjectInfo{
				Key:          key,
				Size:         int64(len(obj.data)),
				LastModified: obj.lastModified,
				ETag:         obj.etag,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.KindTimeout, "memory.delete", key, err)
	}
	if b.DeleteHook != nil {
		if err := b.DeleteHook(key); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[key]; !ok {
		return errors.New(errors.KindNotFound, "memory.delete", key)
	}
	delete(b.objects, key)
	return nil
}

func (b *Backend) Stat(ctx context.Context, key string) (*types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindTimeout, "memory.stat", key, err)
	}
	if b.GetHook != nil {
		if err := b.GetHook(key); err != nil {
			return nil, err
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[key]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "memory.stat", key)
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.lastModified,
		ETag:         obj.etag,
	}, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New(errors.KindUnavailable, "memory.health", "")
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.objects = make(map[string]*object)
	return nil
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
