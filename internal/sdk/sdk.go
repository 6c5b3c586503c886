// Package sdk declares the surface this layer consumes from the remote
// filesystem client. The SDK is an external collaborator: one Client is one
// started session against the cluster, and every operation follows the
// signed-status convention (non-negative on success, -errno on failure)
// that internal/errno normalizes at the call boundary.
package sdk

// Stat carries the attributes the metadata service reports for one inode.
type Stat struct {
	Ino   uint64
	Size  int64
	Mode  uint32
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Atime int64
	Mtime int64
	Ctime int64
}

// Dirent is one directory entry as returned by Readdir.
type Dirent struct {
	Ino  uint64
	Name string
	Type uint8
}

// ExtentRequest locates one contiguous piece of a byte range on a storage
// node. A zero PartitionID marks a hole: no physical data exists and the
// range reads as zeros.
type ExtentRequest struct {
	PartitionID  uint64
	ExtentID     uint64
	ExtentOffset int64
	FileOffset   int64
	Size         int

	// Storage node owning the extent. Meaningless for holes.
	Host string
	Port int
}

// Hole reports whether the request describes a gap with no backing extent.
func (r *ExtentRequest) Hole() bool {
	return r.PartitionID == 0
}

// Client is one active session. Create/configure/start/close is the session
// lifecycle; all other calls require a started session. Implementations must
// be safe for concurrent use by arbitrary goroutines.
type Client interface {
	// Session lifecycle.
	SetOption(key, value string) int
	Start() int
	Close()
	SessionID() int64

	// Path and metadata operations. All paths are mount-relative.
	Chdir(path string) int
	GetAttr(path string, st *Stat) int
	SetAttr(path string, st *Stat, valid uint32) int
	Open(path string, flags int, mode uint32) int
	Flush(fd int) int
	CloseFile(fd int) int
	Truncate(path string, size int64) int
	Ftruncate(fd int, size int64) int

	// Directory operations.
	Mkdir(path string, mode uint32) int
	Rmdir(path string) int
	Unlink(path string) int
	Rename(from, to string) int
	Symlink(target, link string) int
	Link(from, to string) int
	Readlink(path string) (string, int)
	Readdir(fd int, max int) ([]Dirent, int)

	// BatchStat resolves attributes for many inodes in one round trip.
	BatchStat(inos []uint64) ([]Stat, int)

	// ReadRequests resolves up to max extent locations covering
	// [offset, offset+size) of the open file fd.
	ReadRequests(fd int, size int, offset int64, max int) ([]ExtentRequest, int)

	// Data plane, metadata-mediated. Read is the authoritative fallback for
	// the socket fast path; Write is always routed here.
	Read(fd int, buf []byte, offset int64) int64
	Write(fd int, buf []byte, offset int64) int64
}
