// Package s3 implements the object-storage backend over the AWS SDK. Any
// S3-compatible endpoint works; MinIO and other path-style services set
// Endpoint and ForcePathStyle.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/types"
)

// Config represents S3 backend configuration.
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`
}

// BackendMetrics tracks S3 backend activity.
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// Backend implements types.Backend against one bucket.
type Backend struct {
	bucket string
	config *Config
	pool   *ConnectionPool
	logger *slog.Logger

	mu      sync.RWMutex
	metrics BackendMetrics
}

// NewBackend creates an S3 backend and verifies the bucket is reachable.
func NewBackend(ctx context.Context, bucket string, cfg *Config) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, clientOpts), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	backend := &Backend{
		bucket: bucket,
		config: cfg,
		pool:   pool,
		logger: slog.Default().With("component", "s3-backend", "bucket", bucket),
	}

	if err := backend.HealthCheck(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	backend.logger.Info("S3 backend ready",
		"region", cfg.Region,
		"endpoint", cfg.Endpoint,
		"pool_size", cfg.PoolSize)

	return backend, nil
}

// Get retrieves size bytes at offset via a ranged GET. size <= 0 reads to the
// end of the object. A range starting at or past the end reads zero bytes.
func (b *Backend) Get(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start)) }()

	var rangeHeader *string
	if offset > 0 || size > 0 {
		if size > 0 {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		} else {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	client := b.pool.Get()
	defer b.pool.Put(client)

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	})
	if err != nil {
		// S3 answers 416 when the range starts past the object end.
		if isAPIErrorCode(err, "InvalidRange") {
			return []byte{}, nil
		}
		b.recordError(err)
		return nil, b.translateError(err, "s3.get", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		b.recordError(err)
		return nil, errors.Wrap(errors.KindUnavailable, "s3.get", key, err)
	}

	b.mu.Lock()
	b.metrics.BytesDownloaded += int64(len(data))
	b.mu.Unlock()

	return data, nil
}

// Put replaces the object at key in a single whole-object write.
func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start)) }()

	client := b.pool.Get()
	defer b.pool.Put(client)

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(detectContentType(key)),
	})
	if err != nil {
		b.recordError(err)
		return b.translateError(err, "s3.put", key)
	}

	b.mu.Lock()
	b.metrics.BytesUploaded += int64(len(data))
	b.mu.Unlock()

	return nil
}

// List returns metadata for every key under prefix, following continuation
// tokens until the listing is complete.
func (b *Backend) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start)) }()

	client := b.pool.Get()
	defer b.pool.Put(client)

	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []types.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			b.recordError(err)
			return nil, b.translateError(err, "s3.list", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}
	}

	return objects, nil
}

// Copy duplicates srcKey to dstKey server-side, so the bytes never transit
// the mount process.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start)) }()

	client := b.pool.Get()
	defer b.pool.Put(client)

	_, err := client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + url.PathEscape(srcKey)),
	})
	if err != nil {
		b.recordError(err)
		return b.translateError(err, "s3.copy", srcKey)
	}

	return nil
}

// Delete removes the object at key. Deleting an absent key reports NotFound
// so callers can distinguish it; S3's own DeleteObject would succeed silently.
func (b *Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start)) }()

	if _, err := b.Stat(ctx, key); err != nil {
		return err
	}

	client := b.pool.Get()
	defer b.pool.Put(client)

	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		b.recordError(err)
		return b.translateError(err, "s3.delete", key)
	}

	return nil
}

// Stat returns object metadata via HEAD.
func (b *Backend) Stat(ctx context.Context, key string) (*types.ObjectInfo, error) {
	start := time.Now()
	defer func() { b.recordMetrics(time.Since(start)) }()

	client := b.pool.Get()
	defer b.pool.Put(client)

	result, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "s3.stat", key)
	}

	return &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		ContentType:  aws.ToString(result.ContentType),
	}, nil
}

// HealthCheck verifies the bucket is reachable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	client := b.pool.Get()
	defer b.pool.Put(client)

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return b.translateError(err, "s3.health", b.bucket)
	}
	return nil
}

// Metrics returns a snapshot of backend activity.
func (b *Backend) Metrics() BackendMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	return b.pool.Close()
}

func (b *Backend) recordMetrics(duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.Requests++
	if b.metrics.Requests == 1 {
		b.metrics.AverageLatency = duration
	} else {
		b.metrics.AverageLatency = time.Duration(
			(int64(b.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (b *Backend) recordError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.Errors++
	b.metrics.LastError = err.Error()
	b.metrics.LastErrorTime = time.Now()
}

// translateError maps SDK failures onto the error kinds the dispatcher
// understands.
func (b *Backend) translateError(err error, op, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.Wrap(errors.KindNotFound, op, key, err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Wrap(errors.KindUnavailable, op, b.bucket, err)
	case isAPIErrorCode(err, "AccessDenied"), isAPIErrorCode(err, "InvalidAccessKeyId"),
		isAPIErrorCode(err, "SignatureDoesNotMatch"):
		return errors.Wrap(errors.KindPermissionDenied, op, key, err)
	case isAPIErrorCode(err, "PreconditionFailed"):
		return errors.Wrap(errors.KindConflict, op, key, err)
	case isAPIErrorCode(err, "SlowDown"), isAPIErrorCode(err, "ServiceUnavailable"),
		isAPIErrorCode(err, "InternalError"):
		return errors.Wrap(errors.KindUnavailable, op, key, err)
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return errors.Wrap(errors.KindTimeout, op, key, err)
	default:
		return errors.Wrap(errors.KindUnavailable, op, key, err)
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}

func isAPIErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode() == code
	}
	return false
}

func detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".html"):
		return "text/html"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
