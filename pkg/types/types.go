package types

import (
	"time"
)

// FileKind distinguishes the two entry kinds the backend namespace can
// represent. Object stores have no native directories; KindDirectory entries
// are synthesized from key prefixes or marker objects.
type FileKind uint8

const (
	KindFile FileKind = iota
	KindDirectory
)

// String returns a short human-readable name for the kind.
func (k FileKind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// OpenMode describes how an open handle may be used.
type OpenMode uint8

const (
	ModeRead OpenMode = iota
	ModeWrite
	ModeReadWrite
)

// Writable reports whether the mode permits writes.
func (m OpenMode) Writable() bool {
	return m == ModeWrite || m == ModeReadWrite
}

// Readable reports whether the mode permits reads.
func (m OpenMode) Readable() bool {
	return m == ModeRead || m == ModeReadWrite
}

// ObjectInfo represents metadata about a backend object
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag"`
	ContentType  string    `json:"content_type"`
}

// Attributes is a cached per-path attribute snapshot. A snapshot is trusted
// only while it is inside its TTL window and its Generation matches the
// identity map's generation for the same path; a mismatch forces a remote
// re-fetch.
type Attributes struct {
	Kind       FileKind  `json:"kind"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	ETag       string    `json:"etag,omitempty"`
	Generation uint64    `json:"generation"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// DirEntry is a single entry in a directory listing window.
type DirEntry struct {
	Name string   `json:"name"`
	Kind FileKind `json:"kind"`
}

// CacheStats represents metadata cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	HitRate     float64 `json:"hit_rate"`
	Generations uint64  `json:"generation_misses"`
}

// StagingStats tracks write-staging activity across all open handles.
type StagingStats struct {
	OpenBuffers   int   `json:"open_buffers"`
	BufferedBytes int64 `json:"buffered_bytes"`
	SpilledBytes  int64 `json:"spilled_bytes"`
	Flushes       int64 `json:"flushes"`
	FlushErrors   int64 `json:"flush_errors"`
	BytesUploaded int64 `json:"bytes_uploaded"`
}

// OperationStats tracks dispatcher operation counts for the control surface.
type OperationStats struct {
	Lookups      int64 `json:"lookups"`
	Getattrs     int64 `json:"getattrs"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Releases     int64 `json:"releases"`
	Creates      int64 `json:"creates"`
	Unlinks      int64 `json:"unlinks"`
	Mkdirs       int64 `json:"mkdirs"`
	Rmdirs       int64 `json:"rmdirs"`
	Renames      int64 `json:"renames"`
	ReadDirs     int64 `json:"readdirs"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}
