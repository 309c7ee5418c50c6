package fuse

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/prismfs/prismfs/internal/vfs"
)

// MountManager owns the kernel mount lifecycle for one filesystem instance.
type MountManager struct {
	core   *vfs.Filesystem
	config *Config
	logger *slog.Logger

	mu         sync.Mutex
	server     *gofuse.Server
	mounted    bool
	mountPoint string
	tempMount  bool
}

// NewMountManager creates a mount manager around the dispatcher core.
func NewMountManager(core *vfs.Filesystem, config *Config, logger *slog.Logger) *MountManager {
	if config.FSName == "" {
		config.FSName = "prismfs"
	}
	if config.AttrTimeout == 0 {
		config.AttrTimeout = time.Second
	}
	if config.EntryTimeout == 0 {
		config.EntryTimeout = time.Second
	}
	if config.FileMode == 0 {
		config.FileMode = 0644
	}
	if config.DirMode == 0 {
		config.DirMode = 0755
	}
	if config.UID == 0 {
		config.UID = safeIntToUint32(os.Getuid())
	}
	if config.GID == 0 {
		config.GID = safeIntToUint32(os.Getgid())
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MountManager{
		core:   core,
		config: config,
		logger: logger.With("component", "mount"),
	}
}

// Mount attaches the filesystem to the kernel. When the configured mount
// point is unusable a temporary directory is created and used instead;
// MountPoint reports where the tree actually landed.
func (m *MountManager) Mount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("already mounted at %s", m.mountPoint)
	}

	mountPoint, temp, err := m.resolveMountPoint()
	if err != nil {
		return err
	}

	root := NewRoot(m.core, m.config)
	server, err := gofs.Mount(mountPoint, root, m.buildFUSEOptions())
	if err != nil {
		if temp {
			_ = os.Remove(mountPoint)
		}
		return fmt.Errorf("mount %s: %w", mountPoint, err)
	}

	m.server = server
	m.mounted = true
	m.mountPoint = mountPoint
	m.tempMount = temp

	m.logger.Info("filesystem mounted",
		"mount_point", mountPoint,
		"read_only", m.config.ReadOnly,
		"temporary", temp)

	return nil
}

// Wait blocks until the kernel connection ends.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()

	if server != nil {
		server.Wait()
	}
}

// Unmount detaches the filesystem, falling back to a lazy detach when the
// mount point is busy.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return fmt.Errorf("not mounted")
	}

	m.logger.Info("unmounting filesystem", "mount_point", m.mountPoint)

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("unmount failed, detaching lazily", "error", err)
		if lazyErr := syscall.Unmount(m.mountPoint, 2); lazyErr != nil {
			return fmt.Errorf("unmount %s: %w", m.mountPoint, err)
		}
	}

	if m.tempMount {
		_ = os.Remove(m.mountPoint)
	}

	m.mounted = false
	m.server = nil

	m.logger.Info("filesystem unmounted")
	return nil
}

// IsMounted reports whether the kernel mount is active.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns where the filesystem is or will be attached.
func (m *MountManager) MountPoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mountPoint != "" {
		return m.mountPoint
	}
	return m.config.MountPoint
}

func (m *MountManager) resolveMountPoint() (string, bool, error) {
	mountPoint := m.config.MountPoint

	if mountPoint != "" {
		if err := validateMountPoint(mountPoint); err == nil {
			return mountPoint, false, nil
		} else {
			m.logger.Warn("configured mount point unusable, using temporary directory",
				"mount_point", mountPoint, "error", err)
		}
	}

	tmp, err := os.MkdirTemp("", "prismfs-*")
	if err != nil {
		return "", false, fmt.Errorf("create temporary mount point: %w", err)
	}
	return tmp, true, nil
}

func (m *MountManager) buildFUSEOptions() *gofs.Options {
	opts := &gofs.Options{
		MountOptions: gofuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
			MaxWrite:   128 * 1024,
		},
		AttrTimeout:     &m.config.AttrTimeout,
		EntryTimeout:    &m.config.EntryTimeout,
		NullPermissions: true,
	}

	if m.config.ReadOnly {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	}
	if m.config.AllowRoot {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "allow_root")
	}

	return opts
}

func validateMountPoint(mountPoint string) error {
	info, err := os.Stat(mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", mountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", mountPoint)
	}
	if isAlreadyMounted(mountPoint) {
		return fmt.Errorf("mount point already mounted: %s", mountPoint)
	}
	return nil
}

func isAlreadyMounted(mountPoint string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}

	clean := filepath.Clean(mountPoint)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == clean {
			return true
		}
	}
	return false
}
