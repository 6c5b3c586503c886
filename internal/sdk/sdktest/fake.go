// Package sdktest provides an in-memory sdk.Client for tests: a flat
// path-keyed file store with real open-handle accounting, plus knobs for
// scripting the extent-location answers the read engine consumes.
package sdktest

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bypassfs/bypassfs/internal/sdk"
)

type file struct {
	ino  uint64
	data []byte
	mode uint32
}

type handle struct {
	f     *file
	flags int
}

// Fake implements sdk.Client over an in-memory tree. The zero value is not
// usable; call New.
type Fake struct {
	mu      sync.Mutex
	options map[string]string
	started bool
	cwd     string

	files   map[string]*file
	handles map[int]*handle
	nextID  int
	nextIno uint64

	// Requests scripts ReadRequests answers per handle id. When a handle has
	// no script, ReadRequests reports zero locations and the engine must
	// fall back.
	Requests map[int][]sdk.ExtentRequest
	// ReqStatus, when negative, fails every ReadRequests call.
	ReqStatus int

	// Call counters for asserting which path served a request.
	ReadCalls         int
	WriteCalls        int
	ReadRequestsCalls int
}

// New returns an empty started-ready fake.
func New() *Fake {
	return &Fake{
		options:  make(map[string]string),
		files:    make(map[string]*file),
		handles:  make(map[int]*handle),
		nextID:   1,
		nextIno:  1,
		cwd:      "/",
		Requests: make(map[int][]sdk.ExtentRequest),
	}
}

// AddFile seeds a file with contents and returns its inode.
func (f *Fake) AddFile(path string, data []byte) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(path, data)
}

func (f *Fake) addLocked(path string, data []byte) uint64 {
	if existing, ok := f.files[path]; ok {
		existing.data = data
		return existing.ino
	}
	ino := f.nextIno
	f.nextIno++
	f.files[path] = &file{ino: ino, data: data, mode: 0o644}
	return ino
}

// Data returns a copy of a file's current contents.
func (f *Fake) Data(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.files[path]; ok {
		return append([]byte(nil), fl.data...)
	}
	return nil
}

func (f *Fake) SetOption(key, value string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options[key] = value
	return 0
}

func (f *Fake) Start() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return 0
}

func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
}

func (f *Fake) SessionID() int64 { return 1 }

func (f *Fake) Chdir(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cwd = path
	return 0
}

func (f *Fake) GetAttr(path string, st *sdk.Stat) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[path]
	if !ok {
		return -int(unix.ENOENT)
	}
	st.Ino = fl.ino
	st.Size = int64(len(fl.data))
	st.Mode = fl.mode
	st.Nlink = 1
	return 0
}

func (f *Fake) SetAttr(path string, st *sdk.Stat, valid uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return -int(unix.ENOENT)
	}
	return 0
}

func (f *Fake) Open(path string, flags int, mode uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl, ok := f.files[path]
	if !ok {
		if flags&unix.O_CREAT == 0 {
			return -int(unix.ENOENT)
		}
		f.addLocked(path, nil)
		fl = f.files[path]
		fl.mode = mode
	}

	id := f.nextID
	f.nextID++
	f.handles[id] = &handle{f: fl, flags: flags}
	return id
}

func (f *Fake) Flush(fd int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[fd]; !ok {
		return -int(unix.EBADF)
	}
	return 0
}

func (f *Fake) CloseFile(fd int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[fd]; !ok {
		return -int(unix.EBADF)
	}
	delete(f.handles, fd)
	return 0
}

func (f *Fake) Truncate(path string, size int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[path]
	if !ok {
		return -int(unix.ENOENT)
	}
	fl.data = resize(fl.data, size)
	return 0
}

func (f *Fake) Ftruncate(fd int, size int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[fd]
	if !ok {
		return -int(unix.EBADF)
	}
	h.f.data = resize(h.f.data, size)
	return 0
}

func resize(data []byte, size int64) []byte {
	if int64(len(data)) >= size {
		return data[:size]
	}
	return append(data, make([]byte, size-int64(len(data)))...)
}

func (f *Fake) Mkdir(path string, mode uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; ok {
		return -int(unix.EEXIST)
	}
	f.addLocked(path, nil)
	f.files[path].mode = mode | unix.S_IFDIR
	return 0
}

func (f *Fake) Rmdir(path string) int { return f.Unlink(path) }

func (f *Fake) Unlink(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return -int(unix.ENOENT)
	}
	delete(f.files, path)
	return 0
}

func (f *Fake) Rename(from, to string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[from]
	if !ok {
		return -int(unix.ENOENT)
	}
	delete(f.files, from)
	f.files[to] = fl
	return 0
}

func (f *Fake) Symlink(target, link string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(link, []byte(target))
	f.files[link].mode |= unix.S_IFLNK
	return 0
}

func (f *Fake) Link(from, to string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[from]
	if !ok {
		return -int(unix.ENOENT)
	}
	f.files[to] = fl
	return 0
}

func (f *Fake) Readlink(path string) (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.files[path]
	if !ok {
		return "", -int(unix.ENOENT)
	}
	return string(fl.data), 0
}

func (f *Fake) Readdir(fd int, max int) ([]sdk.Dirent, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[fd]; !ok {
		return nil, -int(unix.EBADF)
	}
	return nil, 0
}

func (f *Fake) BatchStat(inos []uint64) ([]sdk.Stat, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sdk.Stat
	for _, fl := range f.files {
		for _, ino := range inos {
			if fl.ino == ino {
				out = append(out, sdk.Stat{Ino: fl.ino, Size: int64(len(fl.data)), Mode: fl.mode})
			}
		}
	}
	return out, 0
}

func (f *Fake) ReadRequests(fd int, size int, offset int64, max int) ([]sdk.ExtentRequest, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadRequestsCalls++
	if f.ReqStatus < 0 {
		return nil, f.ReqStatus
	}
	reqs := f.Requests[fd]
	if len(reqs) > max {
		reqs = reqs[:max]
	}
	return reqs, 0
}

func (f *Fake) Read(fd int, buf []byte, offset int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadCalls++
	h, ok := f.handles[fd]
	if !ok {
		return -int64(unix.EBADF)
	}
	if offset >= int64(len(h.f.data)) {
		return 0
	}
	return int64(copy(buf, h.f.data[offset:]))
}

func (f *Fake) Write(fd int, buf []byte, offset int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WriteCalls++
	h, ok := f.handles[fd]
	if !ok {
		return -int64(unix.EBADF)
	}
	end := offset + int64(len(buf))
	h.f.data = resize(h.f.data, end)
	copy(h.f.data[offset:end], buf)
	return int64(len(buf))
}
