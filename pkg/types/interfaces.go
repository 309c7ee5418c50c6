package types

import (
	"context"
	"time"
)

// Backend defines the object-storage capability the translation core consumes.
// Implementations translate their native failures into pkg/errors kinds so the
// dispatcher can map them onto POSIX result codes.
type Backend interface {
	// Get retrieves size bytes of the object at key starting at offset.
	// size <= 0 reads to the end of the object.
	Get(ctx context.Context, key string, offset, size int64) ([]byte, error)

	// Put replaces the object at key with data in a single whole-object write.
	Put(ctx context.Context, key string, data []byte) error

	// Copy duplicates the object at srcKey to dstKey without routing the
	// body through the caller. An absent source returns a NotFound error.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// List returns metadata for every key sharing the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes the object at key. Deleting an absent key returns a
	// NotFound error.
	Delete(ctx context.Context, key string) error

	// Stat returns metadata for the object at key without fetching its body.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources (connection pools, scratch files).
	Close() error
}

// MetricsCollector defines the metrics hooks the dispatcher calls. A nil
// collector is always permitted.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(path string)
	RecordCacheMiss(path string)
	RecordBackendRequest(operation string, duration time.Duration, err error)
}
