// Command prismfs mounts an object storage bucket as a POSIX filesystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prismfs/prismfs/internal/config"
	"github.com/prismfs/prismfs/internal/control"
	prismfuse "github.com/prismfs/prismfs/internal/fuse"
	"github.com/prismfs/prismfs/internal/health"
	"github.com/prismfs/prismfs/internal/metrics"
	"github.com/prismfs/prismfs/internal/readpath"
	"github.com/prismfs/prismfs/internal/staging"
	"github.com/prismfs/prismfs/internal/storage/memory"
	"github.com/prismfs/prismfs/internal/storage/s3"
	"github.com/prismfs/prismfs/internal/vfs"
	"github.com/prismfs/prismfs/pkg/types"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "prismfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "path to YAML configuration file")
		bucket      = flag.String("bucket", "", "object storage bucket to mount")
		mountPoint  = flag.String("mount", "", "mount point (default: temporary directory)")
		root        = flag.String("root", "", "key prefix to mount instead of the whole bucket")
		socketPath  = flag.String("socket", "", "control socket path")
		endpoint    = flag.String("endpoint", "", "custom S3 endpoint URL")
		region      = flag.String("region", "", "S3 region")
		readOnly    = flag.Bool("read-only", false, "mount read-only")
		allowOther  = flag.Bool("allow-other", false, "allow other users to access the mount")
		debug       = flag.Bool("debug", false, "enable FUSE debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
		inMemory    = flag.Bool("in-memory", false, "")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("prismfs %s\n", version)
		return nil
	}

	cfg := config.NewDefault()
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}

	if *bucket != "" {
		cfg.S3.Bucket = *bucket
	}
	if *mountPoint != "" {
		cfg.Mount.MountPoint = *mountPoint
	}
	if *root != "" {
		cfg.S3.Root = *root
	}
	if *socketPath != "" {
		cfg.Mount.SocketPath = *socketPath
	}
	if *endpoint != "" {
		cfg.S3.Endpoint = *endpoint
	}
	if *region != "" {
		cfg.S3.Region = *region
	}
	if *readOnly {
		cfg.Mount.ReadOnly = true
	}
	if *allowOther {
		cfg.Mount.AllowOther = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !*inMemory && cfg.S3.Bucket == "" {
		return fmt.Errorf("no bucket configured (use -bucket or PRISMFS_S3_BUCKET)")
	}

	logger := newLogger(cfg.Global)
	slog.SetDefault(logger)

	logger.Info("starting prismfs",
		"version", version,
		"bucket", cfg.S3.Bucket,
		"root", cfg.S3.Root,
		"read_only", cfg.Mount.ReadOnly)

	ctx := context.Background()

	backend, err := newBackend(ctx, cfg, *inMemory)
	if err != nil {
		return fmt.Errorf("connect to backend: %w", err)
	}
	defer backend.Close()

	collector, err := metrics.NewCollector(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	}, logger)
	if err != nil {
		return fmt.Errorf("create metrics collector: %w", err)
	}
	if err := collector.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = collector.Stop(shutdownCtx)
	}()

	opts, err := buildOptions(cfg)
	if err != nil {
		return err
	}

	core := vfs.New(backend, opts, collector, logger)
	defer core.Close()

	manager := prismfuse.NewMountManager(core, &prismfuse.Config{
		MountPoint:   cfg.Mount.MountPoint,
		ReadOnly:     cfg.Mount.ReadOnly,
		AllowOther:   cfg.Mount.AllowOther,
		AllowRoot:    cfg.Mount.AllowRoot,
		FSName:       cfg.Mount.FSName,
		Debug:        *debug,
		UID:          cfg.Mount.UID,
		GID:          cfg.Mount.GID,
		FileMode:     cfg.Mount.FileMode,
		DirMode:      cfg.Mount.DirMode,
		AttrTimeout:  cfg.Mount.AttrTimeout,
		EntryTimeout: cfg.Mount.EntryTimeout,
	}, logger)

	monitor := health.NewMonitor(backend, health.DefaultConfig(), logger)
	monitor.Start()
	defer monitor.Stop()

	if err := manager.Mount(); err != nil {
		return err
	}

	ctrl := control.NewServer(cfg.Mount.SocketPath,
		&statusReporter{core: core, manager: manager, monitor: monitor},
		manager.Unmount, logger)
	if err := ctrl.Start(); err != nil {
		_ = manager.Unmount()
		return err
	}
	defer ctrl.Close()

	go handleSignals(manager, logger)

	logger.Info("prismfs ready",
		"mount_point", manager.MountPoint(),
		"socket", ctrl.SocketPath())

	manager.Wait()

	logger.Info("prismfs stopped")
	return nil
}

func newBackend(ctx context.Context, cfg *config.Configuration, inMemory bool) (types.Backend, error) {
	if inMemory {
		return memory.NewBackend(), nil
	}

	return s3.NewBackend(ctx, cfg.S3.Bucket, &s3.Config{
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		SessionToken:    cfg.S3.SessionToken,
		ForcePathStyle:  cfg.S3.ForcePathStyle,
		MaxRetries:      cfg.Network.Retry.MaxAttempts,
		RequestTimeout:  cfg.Network.RequestTimeout,
		PoolSize:        cfg.S3.PoolSize,
	})
}

func buildOptions(cfg *config.Configuration) (vfs.Options, error) {
	spillThreshold, err := config.ParseSize(cfg.Staging.SpillThreshold)
	if err != nil {
		return vfs.Options{}, err
	}
	maxBuffer, err := config.ParseSize(cfg.Staging.MaxBufferSize)
	if err != nil {
		return vfs.Options{}, err
	}
	prefetchWindow, err := config.ParseSize(cfg.Read.PrefetchWindow)
	if err != nil {
		return vfs.Options{}, err
	}

	return vfs.Options{
		Root:     cfg.S3.Root,
		ReadOnly: cfg.Mount.ReadOnly,

		CacheTTL:        cfg.Cache.TTL,
		CacheMaxEntries: cfg.Cache.MaxEntries,
		CacheShards:     cfg.Cache.Shards,
		CleanupInterval: cfg.Cache.CleanupInterval,

		Staging: staging.Config{
			SpillDirectory: cfg.Staging.SpillDirectory,
			SpillThreshold: spillThreshold,
			MaxBufferSize:  maxBuffer,
			Retry:          cfg.Network.Retry,
			UploadTimeout:  cfg.Network.RequestTimeout,
		},
		Read: readpath.Config{
			PrefetchEnabled: cfg.Read.PrefetchEnabled,
			PrefetchWindow:  prefetchWindow,
			RequestTimeout:  cfg.Network.RequestTimeout,
			Retry:           cfg.Network.Retry,
		},
	}, nil
}

func newLogger(cfg config.GlobalConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func handleSignals(manager *prismfuse.MountManager, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received signal, unmounting", "signal", sig.String())

	if err := manager.Unmount(); err != nil {
		logger.Error("clean unmount failed", "error", err)
		os.Exit(1)
	}
}

// statusReporter adapts the dispatcher core and mount manager to the control
// protocol.
type statusReporter struct {
	core    *vfs.Filesystem
	manager *prismfuse.MountManager
	monitor *health.Monitor
}

func (r *statusReporter) Status() control.Status {
	ops, cache, stagingStats := r.core.Stats()
	return control.Status{
		MountPoint: r.manager.MountPoint(),
		Mounted:    r.manager.IsMounted(),
		Operations: ops,
		Cache:      cache,
		Staging:    stagingStats,
		Backend:    r.monitor.Snapshot(),
	}
}
