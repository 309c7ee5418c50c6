// Package fuse adapts the vfs core to the kernel FUSE protocol via
// hanwen/go-fuse. Nodes hold no state of their own beyond their path; all
// semantics live in internal/vfs.
package fuse

import (
	"context"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/prismfs/prismfs/internal/vfs"
	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/types"
)

// Config represents FUSE adapter configuration.
type Config struct {
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`
	AllowRoot  bool   `yaml:"allow_root"`
	FSName     string `yaml:"fsname"`
	Debug      bool   `yaml:"debug"`

	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`

	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// DirectoryNode is a directory entry in the mounted tree.
type DirectoryNode struct {
	gofs.Inode
	core   *vfs.Filesystem
	config *Config
	path   string
}

// NewRoot returns the root directory node for mounting.
func NewRoot(core *vfs.Filesystem, config *Config) *DirectoryNode {
	return &DirectoryNode{core: core, config: config, path: ""}
}

func (n *DirectoryNode) childPath(name string) string {
	if n.path == "" {
		return name
	}
	return n.path + "/" + name
}

func (n *DirectoryNode) fillAttr(attrs types.Attributes, out *gofuse.Attr) {
	if attrs.Kind == types.KindDirectory {
		out.Mode = syscall.S_IFDIR | n.config.DirMode
	} else {
		out.Mode = syscall.S_IFREG | n.config.FileMode
	}
	out.Size = safeInt64ToUint64(attrs.Size)
	out.Uid = n.config.UID
	out.Gid = n.config.GID

	unixTime := safeInt64ToUint64(attrs.ModifiedAt.Unix())
	out.Mtime = unixTime
	out.Atime = unixTime
	out.Ctime = unixTime
}

func (n *DirectoryNode) newChildInode(ctx context.Context, path string, kind types.FileKind) *gofs.Inode {
	ino := n.core.Handle(path)
	if kind == types.KindDirectory {
		child := &DirectoryNode{core: n.core, config: n.config, path: path}
		return n.NewInode(ctx, child, gofs.StableAttr{Mode: gofuse.S_IFDIR, Ino: ino})
	}
	child := &FileNode{core: n.core, config: n.config, path: path, parent: n}
	return n.NewInode(ctx, child, gofs.StableAttr{Mode: gofuse.S_IFREG, Ino: ino})
}

// Lookup resolves a child by name.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	path := n.childPath(name)

	_, attrs, err := n.core.Lookup(ctx, path)
	if err != nil {
		return nil, errors.Errno(err)
	}

	n.fillAttr(attrs, &out.Attr)
	return n.newChildInode(ctx, path, attrs.Kind), 0
}

// Getattr returns the directory's attributes.
func (n *DirectoryNode) Getattr(ctx context.Context, fh gofs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	attrs, err := n.core.Getattr(ctx, n.path)
	if err != nil {
		return errors.Errno(err)
	}
	n.fillAttr(attrs, &out.Attr)
	return 0
}

// Readdir lists the directory in one enumeration window.
func (n *DirectoryNode) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	entries, err := n.core.ReadDir(ctx, n.path)
	if err != nil {
		return nil, errors.Errno(err)
	}

	out := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(gofuse.S_IFREG)
		if e.Kind == types.KindDirectory {
			mode = gofuse.S_IFDIR
		}
		out = append(out, gofuse.DirEntry{
			Name: e.Name,
			Mode: mode,
			Ino:  n.core.Handle(n.childPath(e.Name)),
		})
	}
	return gofs.NewListDirStream(out), 0
}

// Mkdir creates a child directory.
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	path := n.childPath(name)
	if err := n.core.Mkdir(ctx, path); err != nil {
		return nil, errors.Errno(err)
	}

	attrs, err := n.core.Getattr(ctx, path)
	if err != nil {
		return nil, errors.Errno(err)
	}
	n.fillAttr(attrs, &out.Attr)
	return n.newChildInode(ctx, path, types.KindDirectory), 0
}

// Rmdir removes an empty child directory.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errors.Errno(n.core.Rmdir(ctx, n.childPath(name)))
}

// Unlink removes a child file.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errors.Errno(n.core.Unlink(ctx, n.childPath(name)))
}

// Create makes a new file and opens it.
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	path := n.childPath(name)

	fh, err := n.core.Create(ctx, path, flags&syscall.O_TRUNC != 0)
	if err != nil {
		return nil, nil, 0, errors.Errno(err)
	}

	attrs, err := n.core.Getattr(ctx, path)
	if err != nil {
		_ = n.core.Release(ctx, fh)
		return nil, nil, 0, errors.Errno(err)
	}
	n.fillAttr(attrs, &out.Attr)

	inode := n.newChildInode(ctx, path, types.KindFile)
	handle := &FileHandle{core: n.core, id: fh, path: path}
	return inode, handle, 0, 0
}

// Rename moves a child under a new parent directory.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dest, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EXDEV
	}
	return errors.Errno(n.core.Rename(ctx, n.childPath(name), dest.childPath(newName)))
}

// FileNode is a regular file entry in the mounted tree.
type FileNode struct {
	gofs.Inode
	core   *vfs.Filesystem
	config *Config
	path   string
	parent *DirectoryNode
}

// Getattr returns current file attributes, staged size included.
func (f *FileNode) Getattr(ctx context.Context, fh gofs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	attrs, err := f.core.Getattr(ctx, f.path)
	if err != nil {
		return errors.Errno(err)
	}
	f.parent.fillAttr(attrs, &out.Attr)
	return 0
}

// Open opens the file, wiring a staging buffer for writable opens.
func (f *FileNode) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	mode := openMode(flags)
	truncate := flags&syscall.O_TRUNC != 0

	fh, err := f.core.Open(ctx, f.path, mode, truncate)
	if err != nil {
		return nil, 0, errors.Errno(err)
	}
	return &FileHandle{core: f.core, id: fh, path: f.path}, 0, 0
}

// Setattr handles truncation. Other attribute changes have no backend
// representation and succeed silently.
func (f *FileNode) Setattr(ctx context.Context, fh gofs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if handle, ok := fh.(*FileHandle); ok {
			if err := f.core.Truncate(ctx, handle.id, int64(size)); err != nil {
				return errors.Errno(err)
			}
		} else {
			if errno := f.truncateClosed(ctx, int64(size)); errno != 0 {
				return errno
			}
		}
	}
	return f.Getattr(ctx, fh, out)
}

// truncateClosed resizes a file with no open handle by staging it briefly.
func (f *FileNode) truncateClosed(ctx context.Context, size int64) syscall.Errno {
	fh, err := f.core.Open(ctx, f.path, types.ModeWrite, size == 0)
	if err != nil {
		return errors.Errno(err)
	}
	if err := f.core.Truncate(ctx, fh, size); err != nil {
		_ = f.core.Release(ctx, fh)
		return errors.Errno(err)
	}
	return errors.Errno(f.core.Release(ctx, fh))
}

// openMode maps kernel open flags to the core's access mode.
func openMode(flags uint32) types.OpenMode {
	switch flags & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		return types.ModeWrite
	case syscall.O_RDWR:
		return types.ModeReadWrite
	default:
		return types.ModeRead
	}
}

// FileHandle is one open file descriptor.
type FileHandle struct {
	core *vfs.Filesystem
	id   uint64
	path string
}

// Read fills dest from the file. Short results happen only at end of file.
func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n, err := h.core.Read(ctx, h.id, off, dest)
	if err != nil {
		return nil, errors.Errno(err)
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

// Write stages data; durability comes at flush or release.
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.core.Write(ctx, h.id, off, data)
	if err != nil {
		return 0, errors.Errno(err)
	}
	return safeIntToUint32(n), 0
}

// Flush uploads staged content on close(2) of this descriptor.
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return errors.Errno(h.core.Flush(ctx, h.id))
}

// Fsync uploads staged content on fsync(2).
func (h *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errors.Errno(h.core.Flush(ctx, h.id))
}

// Release closes the handle. A failed final upload surfaces here as EIO and
// the staged bytes are dropped.
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	return errors.Errno(h.core.Release(ctx, h.id))
}

// Interface assertions keep the adapter honest about what the kernel can
// call.
var (
	_ gofs.NodeLookuper  = (*DirectoryNode)(nil)
	_ gofs.NodeGetattrer = (*DirectoryNode)(nil)
	_ gofs.NodeReaddirer = (*DirectoryNode)(nil)
	_ gofs.NodeMkdirer   = (*DirectoryNode)(nil)
	_ gofs.NodeRmdirer   = (*DirectoryNode)(nil)
	_ gofs.NodeUnlinker  = (*DirectoryNode)(nil)
	_ gofs.NodeCreater   = (*DirectoryNode)(nil)
	_ gofs.NodeRenamer   = (*DirectoryNode)(nil)

	_ gofs.NodeGetattrer = (*FileNode)(nil)
	_ gofs.NodeOpener    = (*FileNode)(nil)
	_ gofs.NodeSetattrer = (*FileNode)(nil)

	_ gofs.FileReader   = (*FileHandle)(nil)
	_ gofs.FileWriter   = (*FileHandle)(nil)
	_ gofs.FileFlusher  = (*FileHandle)(nil)
	_ gofs.FileFsyncer  = (*FileHandle)(nil)
	_ gofs.FileReleaser = (*FileHandle)(nil)
)
