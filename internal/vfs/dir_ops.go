package vfs

import (
	"context"
	"strings"
	"time"

	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/types"
)

// ReadDir lists the immediate children of the directory at path. The listing
// is a one-shot window: one backend enumeration, coalesced down to unique
// child names. Keys deeper than one level collapse into their first segment.
func (fs *Filesystem) ReadDir(ctx context.Context, path string) ([]types.DirEntry, error) {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.ReadDirs++ })

	prefix := fs.root
	if path != "" {
		attrs, err := fs.getAttributes(ctx, path)
		if err != nil {
			fs.record("readdir", start, 0, err)
			return nil, err
		}
		if attrs.Kind != types.KindDirectory {
			err := errors.New(errors.KindNotDirectory, "readdir", path)
			fs.record("readdir", start, 0, err)
			return nil, err
		}
		prefix = fs.markerKey(path)
	}

	infos, err := fs.backend.List(ctx, prefix)
	if err != nil {
		fs.record("readdir", start, 0, err)
		return nil, err
	}

	// Coalesce keys into unique immediate children. A directory sighting
	// wins over a file sighting of the same name.
	kinds := make(map[string]types.FileKind)
	for _, info := range infos {
		rest := strings.TrimPrefix(info.Key, prefix)
		if rest == "" {
			continue // the directory's own marker
		}
		name, deeper := childSegment(info.Key, prefix)
		if name == "" {
			continue
		}
		isDir := deeper || strings.HasSuffix(rest, "/")
		if isDir {
			kinds[name] = types.KindDirectory
		} else if _, seen := kinds[name]; !seen {
			kinds[name] = types.KindFile
		}
	}

	entries := make([]types.DirEntry, 0, len(kinds))
	for name, kind := range kinds {
		entries = append(entries, types.DirEntry{Name: name, Kind: kind})
	}
	sortEntries(entries)

	fs.record("readdir", start, 0, nil)
	return entries, nil
}

// Mkdir creates a directory by writing its marker object.
func (fs *Filesystem) Mkdir(ctx context.Context, path string) error {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Mkdirs++ })

	if err := fs.checkWritable("mkdir", path); err != nil {
		fs.record("mkdir", start, 0, err)
		return err
	}

	if _, err := fs.getAttributes(ctx, path); err == nil {
		err := errors.New(errors.KindExist, "mkdir", path)
		fs.record("mkdir", start, 0, err)
		return err
	} else if !errors.IsNotFound(err) {
		fs.record("mkdir", start, 0, err)
		return err
	}

	err := fs.backend.Put(ctx, fs.markerKey(path), nil)
	if err == nil {
		fs.inodes.BumpGeneration(path)
		fs.cache.Put(path, types.Attributes{
			Kind:       types.KindDirectory,
			ModifiedAt: time.Now(),
			Generation: fs.inodes.Generation(path),
		})
		fs.cache.Invalidate(parent(path))
	}
	fs.record("mkdir", start, 0, err)
	return err
}

// Rmdir removes an empty directory. A directory with any children, marker or
// implied, refuses with a not-empty error.
func (fs *Filesystem) Rmdir(ctx context.Context, path string) error {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Rmdirs++ })

	err := fs.rmdir(ctx, path)
	fs.record("rmdir", start, 0, err)
	return err
}

func (fs *Filesystem) rmdir(ctx context.Context, path string) error {
	if err := fs.checkWritable("rmdir", path); err != nil {
		return err
	}

	attrs, err := fs.getAttributes(ctx, path)
	if err != nil {
		return err
	}
	if attrs.Kind != types.KindDirectory {
		return errors.New(errors.KindNotDirectory, "rmdir", path)
	}

	if err := fs.removeDirEntry(ctx, "rmdir", path); err != nil {
		return err
	}

	fs.inodes.Invalidate(path)
	fs.cache.Invalidate(path)
	fs.cache.Invalidate(parent(path))
	return nil
}

// removeDirEntry deletes a directory's marker after verifying it has no
// children, marker or implied. A synthesized directory with no children has
// no marker left; both outcomes remove the entry.
func (fs *Filesystem) removeDirEntry(ctx context.Context, op, path string) error {
	marker := fs.markerKey(path)
	infos, err := fs.backend.List(ctx, marker)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Key != marker {
			return errors.New(errors.KindNotEmpty, op, path)
		}
	}

	if err := fs.backend.Delete(ctx, marker); err != nil && !errors.IsNotFound(err) {
		return err
	}
	return nil
}

// Unlink removes the file at path.
func (fs *Filesystem) Unlink(ctx context.Context, path string) error {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Unlinks++ })

	err := fs.unlink(ctx, path)
	fs.record("unlink", start, 0, err)
	return err
}

func (fs *Filesystem) unlink(ctx context.Context, path string) error {
	if err := fs.checkWritable("unlink", path); err != nil {
		return err
	}

	attrs, err := fs.getAttributes(ctx, path)
	if err != nil {
		return err
	}
	if attrs.Kind == types.KindDirectory {
		return errors.New(errors.KindIsDirectory, "unlink", path)
	}

	// A delete that loses the race to another remover still converges on
	// the same end state.
	if err := fs.backend.Delete(ctx, fs.key(path)); err != nil && !errors.IsNotFound(err) {
		return err
	}

	fs.inodes.Invalidate(path)
	fs.cache.Invalidate(path)
	fs.cache.Invalidate(parent(path))
	return nil
}

// Rename moves the entry at old to new. Object stores have no native rename,
// so file bodies are copied then the source is deleted; a directory moves
// every key under its prefix. The identity handle follows the entry to its
// new path.
func (fs *Filesystem) Rename(ctx context.Context, oldPath, newPath string) error {
	start := time.Now()
	fs.count(func(s *types.OperationStats) { s.Renames++ })

	err := fs.rename(ctx, oldPath, newPath)
	fs.record("rename", start, 0, err)
	return err
}

func (fs *Filesystem) rename(ctx context.Context, oldPath, newPath string) error {
	if err := fs.checkWritable("rename", oldPath); err != nil {
		return err
	}

	attrs, err := fs.getAttributes(ctx, oldPath)
	if err != nil {
		return err
	}

	destAttrs, destErr := fs.getAttributes(ctx, newPath)
	if destErr == nil {
		switch {
		case destAttrs.Kind == types.KindDirectory && attrs.Kind != types.KindDirectory:
			return errors.New(errors.KindIsDirectory, "rename", newPath)
		case destAttrs.Kind != types.KindDirectory && attrs.Kind == types.KindDirectory:
			return errors.New(errors.KindNotDirectory, "rename", newPath)
		case destAttrs.Kind == types.KindDirectory:
			// Directory over directory replaces the destination only while
			// it is empty.
			if err := fs.removeDirEntry(ctx, "rename", newPath); err != nil {
				return err
			}
		}
	} else if !errors.IsNotFound(destErr) {
		return destErr
	}

	if attrs.Kind == types.KindDirectory {
		err = fs.renameTree(ctx, oldPath, newPath)
	} else {
		err = fs.moveObject(ctx, fs.key(oldPath), fs.key(newPath))
	}
	if err != nil {
		return err
	}

	fs.inodes.Rename(oldPath, newPath)
	fs.cache.InvalidatePrefix(oldPath)
	fs.cache.InvalidatePrefix(newPath)
	fs.cache.Invalidate(parent(oldPath))
	fs.cache.Invalidate(parent(newPath))
	return nil
}

// renameTree moves every key under the old prefix, marker included.
func (fs *Filesystem) renameTree(ctx context.Context, oldPath, newPath string) error {
	oldPrefix := fs.markerKey(oldPath)
	newPrefix := fs.markerKey(newPath)

	infos, err := fs.backend.List(ctx, oldPrefix)
	if err != nil {
		return err
	}
	for _, info := range infos {
		dest := newPrefix + strings.TrimPrefix(info.Key, oldPrefix)
		if err := fs.moveObject(ctx, info.Key, dest); err != nil {
			return err
		}
	}
	if len(infos) == 0 {
		// Marker-less implied directory with nothing under it; create the
		// destination marker so the entry survives the move.
		return fs.backend.Put(ctx, newPrefix, nil)
	}
	return nil
}

// moveObject copies src to dst then deletes src. The copy happens inside the
// backend, so large objects never round-trip through the mount process.
func (fs *Filesystem) moveObject(ctx context.Context, srcKey, dstKey string) error {
	if err := fs.backend.Copy(ctx, srcKey, dstKey); err != nil {
		return err
	}
	if err := fs.backend.Delete(ctx, srcKey); err != nil && !errors.IsNotFound(err) {
		return err
	}
	return nil
}
