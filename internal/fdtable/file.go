package fdtable

import (
	"path"
	"strings"
	"sync"
)

// Kind classifies an open file by its basename, for policy applied by the
// surrounding layer (write buffering and flush behavior differ per kind).
type Kind uint8

const (
	KindPlain Kind = iota
	KindBinLog
	KindRedoLog
	KindRelayLog
)

const (
	binLogPrefix   = "mysql-bin."
	redoLogPrefix  = "ib_logfile"
	relayLogPrefix = "relay-bin."
)

// KindOf classifies a path by well-known basename prefixes.
func KindOf(name string) Kind {
	base := path.Base(name)
	switch {
	case strings.HasPrefix(base, binLogPrefix):
		return KindBinLog
	case strings.HasPrefix(base, redoLogPrefix):
		return KindRedoLog
	case strings.HasPrefix(base, relayLogPrefix):
		return KindRelayLog
	default:
		return KindPlain
	}
}

// Inode is the per-inode state shared by every open handle on the same
// file. It exists so cross-handle concerns (page cache identity, pending
// flush tracking) have a single home. Reference counted by the table.
type Inode struct {
	Ino uint64

	refs int // guarded by Table.inoMu

	mu           sync.Mutex
	pendingFlush bool
}

// MarkDirty records that the inode has buffered writes not yet flushed.
func (i *Inode) MarkDirty() {
	i.mu.Lock()
	i.pendingFlush = true
	i.mu.Unlock()
}

// ClearDirty resets the pending-flush mark and reports whether it was set.
func (i *Inode) ClearDirty() bool {
	i.mu.Lock()
	was := i.pendingFlush
	i.pendingFlush = false
	i.mu.Unlock()
	return was
}

// File is one open handle on a remote file. Duplicated descriptors alias the
// same File, so they share flags and position exactly as POSIX dup requires.
// Position and the duplication count are mutated by concurrent callers
// sharing the handle; they are guarded by the handle's own mutex, never by
// the table locks.
type File struct {
	ID    int // remote handle id, without the descriptor flag bit
	Flags int
	Kind  Kind
	Inode *Inode

	mu     sync.Mutex
	pos    int64
	dupRef int
}

// Pos returns the current file position.
func (f *File) Pos() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

// SetPos sets the file position and returns it.
func (f *File) SetPos(v int64) int64 {
	f.mu.Lock()
	f.pos = v
	f.mu.Unlock()
	return v
}

// Advance moves the position by delta and returns the new value.
func (f *File) Advance(delta int64) int64 {
	f.mu.Lock()
	f.pos += delta
	v := f.pos
	f.mu.Unlock()
	return v
}

// DupRef returns the current alias count.
func (f *File) DupRef() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dupRef
}

func (f *File) addRef() {
	f.mu.Lock()
	f.dupRef++
	f.mu.Unlock()
}

// dropRef decrements the alias count and reports whether this was the last
// reference. The count never goes below zero; a drop on a dead handle is a
// bookkeeping bug upstream and is reported as not-last.
func (f *File) dropRef() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dupRef <= 0 {
		return false
	}
	f.dupRef--
	return f.dupRef == 0
}
