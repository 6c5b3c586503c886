// Package fdtable maps the process-visible flat integer descriptor space
// onto remote file handles. Ordinary remote descriptors are the remote
// handle id with a reserved high bit set, so routing an fd-taking call is a
// constant-time mask test with no lookup or lock. Descriptors created by
// duplication get an explicit alias entry from the new integer to the
// original descriptor, consulted before the mask test.
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// RemoteFlag is the reserved bit that marks a descriptor as remote. Handle
// ids must fit below it; the bit below the sign bit keeps remote
// descriptors positive ints on every supported platform.
const RemoteFlag = 1 << 30

// Table owns the fd→handle map, the inode map, the alias map and the
// best-effort fd→path debug map. Each map has its own RWMutex; no operation
// nests one map's lock inside another's, so there is no ordering hazard.
type Table struct {
	mu    sync.RWMutex
	files map[int]*File

	inoMu  sync.RWMutex
	inodes map[uint64]*Inode

	aliasMu sync.RWMutex
	aliases map[int]int // alias fd -> original descriptor (flag bit set)

	pathMu sync.RWMutex
	paths  map[int]string
}

// New returns an empty table.
func New() *Table {
	return &Table{
		files:   make(map[int]*File),
		inodes:  make(map[uint64]*Inode),
		aliases: make(map[int]int),
		paths:   make(map[int]string),
	}
}

// IsRemote reports whether fd addresses a remote handle, either through an
// alias entry or through the reserved bit.
func (t *Table) IsRemote(fd int) bool {
	if fd < 0 {
		return false
	}
	t.aliasMu.RLock()
	_, aliased := t.aliases[fd]
	t.aliasMu.RUnlock()
	if aliased {
		return true
	}
	return fd&RemoteFlag != 0
}

// Resolve returns the remote handle id behind fd, following at most one
// alias indirection, and reports whether fd is remote at all.
func (t *Table) Resolve(fd int) (int, bool) {
	if fd < 0 {
		return 0, false
	}
	t.aliasMu.RLock()
	orig, aliased := t.aliases[fd]
	t.aliasMu.RUnlock()
	if aliased {
		return orig &^ RemoteFlag, true
	}
	if fd&RemoteFlag == 0 {
		return 0, false
	}
	return fd &^ RemoteFlag, true
}

// Open registers a freshly opened remote handle and returns the descriptor
// to hand to the caller: the handle id with the reserved bit set. The inode
// entry is created (or re-referenced) before the handle becomes visible, so
// no reader can observe a handle without its inode. A handle id that does
// not fit below the reserved bit is descriptor-space exhaustion and is
// surfaced, not masked.
func (t *Table) Open(id int, flags int, name string, ino uint64) (int, error) {
	if id < 0 || id >= RemoteFlag {
		return -1, unix.EMFILE
	}

	t.inoMu.Lock()
	inode, ok := t.inodes[ino]
	if !ok {
		inode = &Inode{Ino: ino}
		t.inodes[ino] = inode
	}
	inode.refs++
	t.inoMu.Unlock()

	f := &File{
		ID:     id,
		Flags:  flags,
		Kind:   KindOf(name),
		Inode:  inode,
		dupRef: 1,
	}

	t.mu.Lock()
	t.files[id] = f
	t.mu.Unlock()

	fd := id | RemoteFlag
	if name != "" {
		t.SetPath(fd, name)
	}
	return fd, nil
}

// Lookup returns the open handle behind fd, or nil if fd is not remote or
// not open. The returned File's own fields are guarded by its own mutex;
// holding no table lock while using it is intended.
func (t *Table) Lookup(fd int) *File {
	id, ok := t.Resolve(fd)
	if !ok {
		return nil
	}
	t.mu.RLock()
	f := t.files[id]
	t.mu.RUnlock()
	return f
}

// RegisterAlias records newFd as a duplicate of oldFd and bumps the shared
// handle's reference count. An aliased source is flattened to its ultimate
// original before storing, so the alias map stays exactly one level deep.
// Fails with EBADF when oldFd has no open handle, leaving no partial entry.
func (t *Table) RegisterAlias(newFd, oldFd int) (int, error) {
	t.aliasMu.RLock()
	if orig, ok := t.aliases[oldFd]; ok {
		oldFd = orig
	}
	t.aliasMu.RUnlock()

	if oldFd&RemoteFlag == 0 {
		return -1, unix.EBADF
	}
	id := oldFd &^ RemoteFlag

	t.mu.RLock()
	f := t.files[id]
	t.mu.RUnlock()
	if f == nil {
		return -1, unix.EBADF
	}
	f.addRef()

	t.aliasMu.Lock()
	t.aliases[newFd] = oldFd
	t.aliasMu.Unlock()
	return newFd, nil
}

// Release drops the descriptor fd. For an alias it removes the alias entry;
// either way the shared handle's reference count is decremented. When the
// count reaches zero the handle is removed from the table and the inode
// reference is dropped; the torn-down File is returned with last=true so the
// caller can close the remote handle. Releasing an unknown descriptor
// reports EBADF.
func (t *Table) Release(fd int) (f *File, last bool, err error) {
	target := fd
	t.aliasMu.Lock()
	if orig, ok := t.aliases[fd]; ok {
		delete(t.aliases, fd)
		target = orig
	}
	t.aliasMu.Unlock()

	if target&RemoteFlag == 0 {
		return nil, false, unix.EBADF
	}
	id := target &^ RemoteFlag

	t.mu.RLock()
	f = t.files[id]
	t.mu.RUnlock()
	if f == nil {
		return nil, false, unix.EBADF
	}

	t.ClearPath(fd)

	if !f.dropRef() {
		return f, false, nil
	}

	t.mu.Lock()
	delete(t.files, id)
	t.mu.Unlock()

	t.inoMu.Lock()
	inode := f.Inode
	inode.refs--
	if inode.refs <= 0 {
		delete(t.inodes, inode.Ino)
	}
	t.inoMu.Unlock()

	return f, true, nil
}

// InodeRefs reports how many open handles reference ino. Diagnostics only.
func (t *Table) InodeRefs(ino uint64) int {
	t.inoMu.RLock()
	defer t.inoMu.RUnlock()
	if inode, ok := t.inodes[ino]; ok {
		return inode.refs
	}
	return 0
}

// OpenCount reports the number of distinct open handles.
func (t *Table) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

// SetPath records the path fd was opened with. Best effort, for debug logs.
func (t *Table) SetPath(fd int, name string) {
	t.pathMu.Lock()
	t.paths[fd] = name
	t.pathMu.Unlock()
}

// PathOf returns the recorded path for fd, or "" when unknown or stale.
func (t *Table) PathOf(fd int) string {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	return t.paths[fd]
}

// ClearPath removes the debug path entry for fd.
func (t *Table) ClearPath(fd int) {
	t.pathMu.Lock()
	delete(t.paths, fd)
	t.pathMu.Unlock()
}
