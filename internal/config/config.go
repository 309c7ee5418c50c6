package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/prismfs/prismfs/pkg/retry"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Mount   MountConfig   `yaml:"mount"`
	S3      S3Config      `yaml:"s3"`
	Cache   CacheConfig   `yaml:"cache"`
	Staging StagingConfig `yaml:"staging"`
	Read    ReadConfig    `yaml:"read"`
	Network NetworkConfig `yaml:"network"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// MountConfig represents mount-point and control-socket settings. An empty
// MountPoint makes the binary create and use a fresh temporary directory.
type MountConfig struct {
	MountPoint string `yaml:"mount_point"`
	SocketPath string `yaml:"socket_path"`

	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`
	AllowRoot  bool   `yaml:"allow_root"`
	FSName     string `yaml:"fs_name"`

	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`

	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// S3Config represents object-storage backend settings
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Root            string `yaml:"root"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	PoolSize        int    `yaml:"pool_size"`
}

// CacheConfig represents metadata cache settings. The TTL is the staleness
// window tolerated for attribute snapshots not invalidated by local writes.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	MaxEntries      int           `yaml:"max_entries"`
	Shards          int           `yaml:"shards"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StagingConfig represents write-staging settings
type StagingConfig struct {
	// SpillDirectory is the scratch area for buffers larger than
	// SpillThreshold. Empty means os.TempDir().
	SpillDirectory string `yaml:"spill_directory"`
	SpillThreshold string `yaml:"spill_threshold"`
	MaxBufferSize  string `yaml:"max_buffer_size"`
}

// ReadConfig represents read-path settings
type ReadConfig struct {
	PrefetchEnabled bool   `yaml:"prefetch_enabled"`
	PrefetchWindow  string `yaml:"prefetch_window"`
	MaxCachedRanges int    `yaml:"max_cached_ranges"`
}

// NetworkConfig represents backend request settings
type NetworkConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retry          retry.Config  `yaml:"retry"`
}

// MetricsConfig represents Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Mount: MountConfig{
			SocketPath:   "/tmp/prismfs.sock",
			FSName:       "prismfs",
			FileMode:     0644,
			DirMode:      0755,
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
		S3: S3Config{
			Region:   "us-east-1",
			PoolSize: 8,
		},
		Cache: CacheConfig{
			TTL:             2 * time.Second,
			MaxEntries:      100000,
			Shards:          16,
			CleanupInterval: time.Minute,
		},
		Staging: StagingConfig{
			SpillThreshold: "16MB",
			MaxBufferSize:  "1GB",
		},
		Read: ReadConfig{
			PrefetchEnabled: true,
			PrefetchWindow:  "1MB",
			MaxCachedRanges: 64,
		},
		Network: NetworkConfig{
			RequestTimeout: 30 * time.Second,
			Retry: retry.Config{
				MaxAttempts:  4,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "localhost:9540",
			Path:    "/metrics",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PRISMFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PRISMFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("PRISMFS_SOCKET_PATH"); val != "" {
		c.Mount.SocketPath = val
	}

	if val := os.Getenv("PRISMFS_S3_BUCKET"); val != "" {
		c.S3.Bucket = val
	}
	if val := os.Getenv("PRISMFS_S3_ROOT"); val != "" {
		c.S3.Root = val
	}
	if val := os.Getenv("PRISMFS_S3_REGION"); val != "" {
		c.S3.Region = val
	}
	if val := os.Getenv("PRISMFS_S3_ENDPOINT"); val != "" {
		c.S3.Endpoint = val
	}
	if val := os.Getenv("PRISMFS_S3_ACCESS_KEY_ID"); val != "" {
		c.S3.AccessKeyID = val
	}
	if val := os.Getenv("PRISMFS_S3_SECRET_ACCESS_KEY"); val != "" {
		c.S3.SecretAccessKey = val
	}
	if val := os.Getenv("PRISMFS_S3_POOL_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.S3.PoolSize = size
		}
	}

	if val := os.Getenv("PRISMFS_CACHE_TTL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.TTL = duration
		}
	}
	if val := os.Getenv("PRISMFS_PREFETCH_ENABLED"); val != "" {
		c.Read.PrefetchEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PRISMFS_REQUEST_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Network.RequestTimeout = duration
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Global.LogLevel, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Mount.SocketPath == "" {
		return fmt.Errorf("socket_path cannot be empty")
	}

	if c.S3.PoolSize <= 0 {
		return fmt.Errorf("s3 pool_size must be greater than 0")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.Cache.Shards <= 0 {
		return fmt.Errorf("cache shards must be greater than 0")
	}

	if _, err := ParseSize(c.Staging.SpillThreshold); err != nil {
		return fmt.Errorf("invalid staging spill_threshold: %w", err)
	}
	if _, err := ParseSize(c.Staging.MaxBufferSize); err != nil {
		return fmt.Errorf("invalid staging max_buffer_size: %w", err)
	}
	if _, err := ParseSize(c.Read.PrefetchWindow); err != nil {
		return fmt.Errorf("invalid read prefetch_window: %w", err)
	}

	if c.Network.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}

	return nil
}

// ParseSize parses a human-readable size like "16MB" or "1GB" into bytes.
// A bare number is taken as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	upper := strings.ToUpper(s)
	for _, m := range multipliers {
		if strings.HasSuffix(upper, m.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(upper, m.suffix))
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			if val < 0 {
				return 0, fmt.Errorf("size cannot be negative: %q", s)
			}
			return int64(val * float64(m.factor)), nil
		}
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}
	return val, nil
}
