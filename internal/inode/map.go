// Package inode maintains the bidirectional mapping between backend paths and
// the stable numeric handles the kernel protocol addresses them by. Handles
// are allocated monotonically and never reused within a mount session; a path
// keeps its handle until it is deleted, and a rename moves the handle to the
// new path.
package inode

import (
	"sync"

	"github.com/prismfs/prismfs/pkg/errors"
)

// RootHandle is the handle of the mount root. It always exists.
const RootHandle uint64 = 1

type entry struct {
	handle     uint64
	path       string
	generation uint64
}

// Map is the authoritative identity map for one mount session.
type Map struct {
	mu       sync.Mutex
	byPath   map[string]*entry
	byHandle map[uint64]*entry
	next     uint64
}

// NewMap creates an identity map with the root path pre-registered.
func NewMap() *Map {
	m := &Map{
		byPath:   make(map[string]*entry),
		byHandle: make(map[uint64]*entry),
		next:     RootHandle,
	}
	m.Resolve("")
	return m
}

// Resolve returns the handle for path, allocating one on first reference.
// The second return reports whether the handle was newly created. Racing
// resolutions of the same path observe the same handle.
func (m *Map) Resolve(path string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byPath[path]; ok {
		return e.handle, false
	}

	e := &entry{handle: m.next, path: path}
	m.next++
	m.byPath[path] = e
	m.byHandle[e.handle] = e
	return e.handle, true
}

// PathOf returns the path currently bound to handle.
func (m *Map) PathOf(handle uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byHandle[handle]
	if !ok {
		return "", false
	}
	return e.path, true
}

// Generation returns the generation counter for path, or 0 when the path has
// never been resolved.
func (m *Map) Generation(path string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byPath[path]; ok {
		return e.generation
	}
	return 0
}

// BumpGeneration marks the object at path as changed, invalidating any
// attribute snapshot taken against the previous generation.
func (m *Map) BumpGeneration(path string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byPath[path]; ok {
		e.generation++
		return e.generation
	}
	return 0
}

// Invalidate removes path from the map after a delete. The handle is retired
// and will never be assigned to another path.
func (m *Map) Invalidate(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byPath[path]; ok {
		delete(m.byPath, path)
		delete(m.byHandle, e.handle)
	}
}

// Rename moves the handle bound to old over to new, bumping its generation.
// Any identity previously bound to new is retired: the renamed-over object no
// longer exists. Renaming a path that was never resolved registers new
// directly, so callers need not pre-resolve.
func (m *Map) Rename(old, new string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byPath[old]
	if !ok {
		_, exists := m.byPath[new]
		if exists {
			return nil
		}
		ne := &entry{handle: m.next, path: new}
		m.next++
		m.byPath[new] = ne
		m.byHandle[ne.handle] = ne
		return nil
	}

	if victim, ok := m.byPath[new]; ok && victim != e {
		delete(m.byHandle, victim.handle)
	}

	delete(m.byPath, old)
	e.path = new
	e.generation++
	m.byPath[new] = e
	return nil
}

// Len returns the number of live identities, for the control surface.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPath)
}

// MustPath returns the path for handle or a Conflict error when the handle
// was retired by a concurrent delete or rename.
func (m *Map) MustPath(handle uint64, op string) (string, error) {
	path, ok := m.PathOf(handle)
	if !ok {
		return "", errors.New(errors.KindConflict, op, "")
	}
	return path, nil
}
