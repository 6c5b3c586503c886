// Package mount is the interception surface: one Client per process wires
// the path router, the descriptor table, the hybrid read engine and the
// remote SDK session together and exposes the filesystem calls the layer
// stands in for. Every call first classifies its target; local targets go
// straight to the host kernel, remote targets to the cluster.
package mount

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bypassfs/bypassfs/internal/cache"
	"github.com/bypassfs/bypassfs/internal/circuit"
	"github.com/bypassfs/bypassfs/internal/config"
	"github.com/bypassfs/bypassfs/internal/errno"
	"github.com/bypassfs/bypassfs/internal/fdtable"
	"github.com/bypassfs/bypassfs/internal/metrics"
	"github.com/bypassfs/bypassfs/internal/pool"
	"github.com/bypassfs/bypassfs/internal/read"
	"github.com/bypassfs/bypassfs/internal/router"
	"github.com/bypassfs/bypassfs/internal/sdk"
	"github.com/bypassfs/bypassfs/pkg/utils"
)

// Client is the process-wide interposition state.
type Client struct {
	cfg     *config.Configuration
	router  *router.Router
	table   *fdtable.Table
	client  sdk.Client
	conns   *pool.Pool
	engine  *read.Engine
	log     *utils.Logger
	metrics *metrics.Collector

	// cwd is the absolute host-visible working directory; inScope marks it
	// as inside the mount scope, which is what makes relative paths remote
	// candidates.
	cwdMu   sync.RWMutex
	cwd     string
	inScope bool
}

// New wires a Client from configuration and a remote SDK session. The
// session is configured and started here; a failed start is fatal because
// without it every remote target would misroute to local disk.
func New(cfg *config.Configuration, client sdk.Client) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt, err := router.New(cfg.MountPoint, cfg.IgnorePath)
	if err != nil {
		return nil, err
	}
	log, err := utils.SetupLogging(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return nil, err
	}

	client.SetOption("masterAddr", cfg.Master.Addrs)
	client.SetOption("volName", cfg.Master.Volume)
	client.SetOption("owner", cfg.Master.Owner)
	if _, err := errno.Int(client.Start()); err != nil {
		return nil, err
	}

	conns := pool.New(&pool.Config{
		MaxIdlePerNode: cfg.Pool.MaxIdlePerNode,
		DialTimeout:    cfg.Pool.DialTimeout,
		IOTimeout:      cfg.Pool.IOTimeout,
	})
	collector := metrics.NewCollector()

	engine := read.NewEngine(client, conns, &read.Options{
		BigCache:   cache.NewPageCache(&cache.Config{MaxBytes: cfg.BigCacheBytes(), MaxEntries: cfg.Cache.BigMaxEntries}),
		SmallCache: cache.NewPageCache(&cache.Config{MaxBytes: cfg.SmallCacheBytes(), MaxEntries: cfg.Cache.SmallMaxEntries}),
		BigSplit:   cfg.BigSplitBytes(),
		Breaker:    circuit.New(nil),
		Metrics:    collector,
		Log:        log,
	})

	c := &Client{
		cfg:     cfg,
		router:  rt,
		table:   fdtable.New(),
		client:  client,
		conns:   conns,
		engine:  engine,
		log:     log,
		metrics: collector,
	}

	if wd, err := os.Getwd(); err == nil {
		c.setCwd(wd)
	} else {
		c.setCwd("/")
	}

	if err := collector.Serve(cfg.ProfPort); err != nil {
		return nil, err
	}
	log.Info("session %d started, mount point %s", client.SessionID(), rt.MountPoint())
	return c, nil
}

// Shutdown flushes nothing; open handles belong to the process. It stops the
// metrics endpoint, drops pooled connections and closes the session.
func (c *Client) Shutdown(ctx context.Context) {
	c.metrics.Stop(ctx)
	c.conns.Close()
	c.client.Close()
}

func (c *Client) setCwd(abs string) {
	abs = router.Clean(abs)
	t := c.router.Resolve(abs, "/", false)
	c.cwdMu.Lock()
	c.cwd = abs
	c.inScope = t.Remote
	c.cwdMu.Unlock()
}

// resolve classifies name against the current working directory.
func (c *Client) resolve(name string) router.Target {
	c.cwdMu.RLock()
	cwd, inScope := c.cwd, c.inScope
	c.cwdMu.RUnlock()
	return c.router.Resolve(name, cwd, inScope)
}

// abspath returns the host-visible absolute form of name.
func (c *Client) abspath(name string) string {
	if name != "" && name[0] == '/' {
		return router.Clean(name)
	}
	c.cwdMu.RLock()
	cwd := c.cwd
	c.cwdMu.RUnlock()
	return router.Clean(cwd + "/" + name)
}

// Open opens name with flags and mode, returning a descriptor. Remote
// descriptors carry the reserved bit and never collide with kernel ones.
func (c *Client) Open(name string, flags int, mode uint32) (int, error) {
	t := c.resolve(name)
	if !t.Remote {
		return unix.Open(name, flags, mode)
	}

	id, err := errno.Int(c.client.Open(t.Path, flags, mode))
	if err != nil {
		return errno.Sentinel, err
	}

	var st sdk.Stat
	if _, err := errno.Int(c.client.GetAttr(t.Path, &st)); err != nil {
		c.client.CloseFile(id)
		return errno.Sentinel, err
	}

	fd, err := c.table.Open(id, flags, c.abspath(name), st.Ino)
	if err != nil {
		c.client.CloseFile(id)
		return errno.Sentinel, err
	}

	f := c.table.Lookup(fd)
	if flags&unix.O_TRUNC != 0 {
		c.engine.Invalidate(st.Ino)
	}
	if flags&unix.O_APPEND != 0 {
		f.SetPos(st.Size)
	}

	c.metrics.SetOpenFiles(c.table.OpenCount())
	c.log.Debug("open %s flags %#x -> fd %d ino %d", name, flags, fd, st.Ino)
	return fd, nil
}

// Close releases fd. Closing one duplicate leaves the others functional; the
// remote handle is flushed and closed only when the last reference drops.
func (c *Client) Close(fd int) error {
	if !c.table.IsRemote(fd) {
		return unix.Close(fd)
	}

	f, last, err := c.table.Release(fd)
	if err != nil {
		return err
	}
	if !last {
		return nil
	}

	if f.Inode.ClearDirty() {
		if _, err := errno.Int(c.client.Flush(f.ID)); err != nil {
			c.log.Warn("flush on close failed, fd %d: %v", fd, err)
		}
	}
	_, err = errno.Int(c.client.CloseFile(f.ID))
	c.metrics.SetOpenFiles(c.table.OpenCount())
	return err
}

// Dup2 duplicates oldFd onto newFd. A remote source registers newFd as an
// alias of the shared handle; a local source goes to the kernel.
func (c *Client) Dup2(oldFd, newFd int) (int, error) {
	if oldFd == newFd {
		if !c.table.IsRemote(oldFd) && oldFd < 0 {
			return errno.Sentinel, errno.Error(unix.EBADF)
		}
		return newFd, nil
	}
	if !c.table.IsRemote(oldFd) {
		// dup3 covers dup2 once the equal-descriptor case is handled.
		if err := unix.Dup3(oldFd, newFd, 0); err != nil {
			return errno.Sentinel, err
		}
		return newFd, nil
	}
	// POSIX closes whatever newFd referred to before the duplication.
	if c.table.IsRemote(newFd) {
		c.Close(newFd)
	}
	return c.table.RegisterAlias(newFd, oldFd)
}

// Dup3 is Dup2 with flags; only O_CLOEXEC is meaningful and remote handles
// have no exec inheritance, so the flag is accepted and ignored.
func (c *Client) Dup3(oldFd, newFd, flags int) (int, error) {
	if !c.table.IsRemote(oldFd) {
		if err := unix.Dup3(oldFd, newFd, flags); err != nil {
			return errno.Sentinel, err
		}
		return newFd, nil
	}
	if oldFd == newFd {
		return errno.Sentinel, errno.Error(unix.EINVAL)
	}
	if c.table.IsRemote(newFd) {
		c.Close(newFd)
	}
	return c.table.RegisterAlias(newFd, oldFd)
}

// Read reads from the shared position and advances it by the bytes read.
func (c *Client) Read(fd int, buf []byte) (int, error) {
	if !c.table.IsRemote(fd) {
		return unix.Read(fd, buf)
	}
	f := c.table.Lookup(fd)
	if f == nil {
		return errno.Sentinel, errno.Error(unix.EBADF)
	}
	n, err := c.engine.Read(f.ID, f.Inode.Ino, buf, f.Pos())
	if err != nil {
		return errno.Sentinel, err
	}
	f.Advance(int64(n))
	return n, nil
}

// Pread reads at an explicit offset without touching the position.
func (c *Client) Pread(fd int, buf []byte, offset int64) (int, error) {
	if !c.table.IsRemote(fd) {
		return unix.Pread(fd, buf, offset)
	}
	f := c.table.Lookup(fd)
	if f == nil {
		return errno.Sentinel, errno.Error(unix.EBADF)
	}
	return c.engine.Read(f.ID, f.Inode.Ino, buf, offset)
}

// Write writes at the shared position and advances it.
func (c *Client) Write(fd int, buf []byte) (int, error) {
	if !c.table.IsRemote(fd) {
		return unix.Write(fd, buf)
	}
	f := c.table.Lookup(fd)
	if f == nil {
		return errno.Sentinel, errno.Error(unix.EBADF)
	}
	n, err := c.writeAt(f, buf, f.Pos())
	if err != nil {
		return errno.Sentinel, err
	}
	f.Advance(int64(n))
	return n, nil
}

// Pwrite writes at an explicit offset without touching the position.
func (c *Client) Pwrite(fd int, buf []byte, offset int64) (int, error) {
	if !c.table.IsRemote(fd) {
		return unix.Pwrite(fd, buf, offset)
	}
	f := c.table.Lookup(fd)
	if f == nil {
		return errno.Sentinel, errno.Error(unix.EBADF)
	}
	return c.writeAt(f, buf, offset)
}

func (c *Client) writeAt(f *fdtable.File, buf []byte, offset int64) (int, error) {
	n, err := errno.Size(c.client.Write(f.ID, buf, offset))
	if err != nil {
		return errno.Sentinel, err
	}
	f.Inode.MarkDirty()
	c.engine.Invalidate(f.Inode.Ino)
	c.metrics.ObserveWrite()
	return int(n), nil
}

// Lseek repositions the shared offset. SEEK_END resolves the current size
// from the metadata service.
func (c *Client) Lseek(fd int, offset int64, whence int) (int64, error) {
	if !c.table.IsRemote(fd) {
		return unix.Seek(fd, offset, whence)
	}
	f := c.table.Lookup(fd)
	if f == nil {
		return errno.Sentinel, errno.Error(unix.EBADF)
	}

	var base int64
	switch whence {
	case unix.SEEK_SET:
		base = 0
	case unix.SEEK_CUR:
		base = f.Pos()
	case unix.SEEK_END:
		stats, status := c.client.BatchStat([]uint64{f.Inode.Ino})
		if _, err := errno.Int(status); err != nil {
			return errno.Sentinel, err
		}
		if len(stats) == 0 {
			return errno.Sentinel, errno.Error(unix.EIO)
		}
		base = stats[0].Size
	default:
		return errno.Sentinel, errno.Error(unix.EINVAL)
	}
	if base+offset < 0 {
		return errno.Sentinel, errno.Error(unix.EINVAL)
	}
	return f.SetPos(base + offset), nil
}

// Truncate truncates by path.
func (c *Client) Truncate(name string, size int64) error {
	t := c.resolve(name)
	if !t.Remote {
		return unix.Truncate(name, size)
	}
	var st sdk.Stat
	if _, err := errno.Int(c.client.GetAttr(t.Path, &st)); err != nil {
		return err
	}
	if _, err := errno.Int(c.client.Truncate(t.Path, size)); err != nil {
		return err
	}
	c.engine.Invalidate(st.Ino)
	return nil
}

// Ftruncate truncates by descriptor.
func (c *Client) Ftruncate(fd int, size int64) error {
	if !c.table.IsRemote(fd) {
		return unix.Ftruncate(fd, size)
	}
	f := c.table.Lookup(fd)
	if f == nil {
		return errno.Error(unix.EBADF)
	}
	if _, err := errno.Int(c.client.Ftruncate(f.ID, size)); err != nil {
		return err
	}
	c.engine.Invalidate(f.Inode.Ino)
	return nil
}

// Fsync forces buffered writes on fd out to the cluster.
func (c *Client) Fsync(fd int) error {
	if !c.table.IsRemote(fd) {
		return unix.Fsync(fd)
	}
	f := c.table.Lookup(fd)
	if f == nil {
		return errno.Error(unix.EBADF)
	}
	f.Inode.ClearDirty()
	_, err := errno.Int(c.client.Flush(f.ID))
	return err
}

// Fdatasync has the same remote semantics as Fsync; the SDK does not
// separate data and metadata flushes.
func (c *Client) Fdatasync(fd int) error {
	if !c.table.IsRemote(fd) {
		return unix.Fdatasync(fd)
	}
	return c.Fsync(fd)
}

// Chdir changes the working directory and reclassifies the scope flag, which
// is what makes later relative paths remote candidates.
func (c *Client) Chdir(name string) error {
	abs := c.abspath(name)
	t := c.resolve(name)
	if !t.Remote {
		if err := unix.Chdir(name); err != nil {
			return err
		}
		c.setCwd(abs)
		return nil
	}

	if _, err := errno.Int(c.client.Chdir(t.Path)); err != nil {
		return err
	}
	c.cwdMu.Lock()
	c.cwd = abs
	c.inScope = true
	c.cwdMu.Unlock()
	return nil
}

// Getcwd returns the host-visible working directory, including the mount
// point prefix for a remote cwd.
func (c *Client) Getcwd() string {
	c.cwdMu.RLock()
	defer c.cwdMu.RUnlock()
	return c.cwd
}

// Mkdir creates a directory.
func (c *Client) Mkdir(name string, mode uint32) error {
	t := c.resolve(name)
	if !t.Remote {
		return unix.Mkdir(name, mode)
	}
	_, err := errno.Int(c.client.Mkdir(t.Path, mode))
	return err
}

// Rmdir removes a directory.
func (c *Client) Rmdir(name string) error {
	t := c.resolve(name)
	if !t.Remote {
		return unix.Rmdir(name)
	}
	_, err := errno.Int(c.client.Rmdir(t.Path))
	return err
}

// Unlink removes a file.
func (c *Client) Unlink(name string) error {
	t := c.resolve(name)
	if !t.Remote {
		return unix.Unlink(name)
	}
	var st sdk.Stat
	if _, err := errno.Int(c.client.GetAttr(t.Path, &st)); err == nil {
		c.engine.Invalidate(st.Ino)
	}
	_, err := errno.Int(c.client.Unlink(t.Path))
	return err
}

// Rename renames within one side. A rename across the mount boundary cannot
// be expressed as a metadata operation and reports EXDEV, exactly as a
// kernel cross-device rename would.
func (c *Client) Rename(from, to string) error {
	tf, tt := c.resolve(from), c.resolve(to)
	switch {
	case !tf.Remote && !tt.Remote:
		return unix.Rename(from, to)
	case tf.Remote && tt.Remote:
		_, err := errno.Int(c.client.Rename(tf.Path, tt.Path))
		return err
	default:
		return errno.Error(unix.EXDEV)
	}
}

// Symlink creates link pointing at target. The target string is stored as
// given when it lives outside the mount scope, mount-relative when inside,
// so remote links stay valid regardless of where the volume is mounted.
func (c *Client) Symlink(target, link string) error {
	tl := c.resolve(link)
	if !tl.Remote {
		return unix.Symlink(target, link)
	}
	stored := target
	if tt := c.resolve(target); tt.Remote {
		stored = tt.Path
	}
	_, err := errno.Int(c.client.Symlink(stored, tl.Path))
	return err
}

// Link creates a hard link; both names must be on the same side.
func (c *Client) Link(from, to string) error {
	tf, tt := c.resolve(from), c.resolve(to)
	switch {
	case !tf.Remote && !tt.Remote:
		return unix.Link(from, to)
	case tf.Remote && tt.Remote:
		_, err := errno.Int(c.client.Link(tf.Path, tt.Path))
		return err
	default:
		return errno.Error(unix.EXDEV)
	}
}

// Readlink resolves a symlink's target.
func (c *Client) Readlink(name string) (string, error) {
	t := c.resolve(name)
	if !t.Remote {
		buf := make([]byte, unix.PathMax)
		n, err := unix.Readlink(name, buf)
		if err != nil {
			return "", err
		}
		return string(buf[:n]), nil
	}
	target, status := c.client.Readlink(t.Path)
	if _, err := errno.Int(status); err != nil {
		return "", err
	}
	return target, nil
}

// Stat fills st with the attributes of name.
func (c *Client) Stat(name string, st *sdk.Stat) error {
	t := c.resolve(name)
	if !t.Remote {
		var hostSt unix.Stat_t
		if err := unix.Stat(name, &hostSt); err != nil {
			return err
		}
		*st = statFromHost(&hostSt)
		return nil
	}
	_, err := errno.Int(c.client.GetAttr(t.Path, st))
	return err
}

// Fstat fills st with the attributes behind fd.
func (c *Client) Fstat(fd int, st *sdk.Stat) error {
	if !c.table.IsRemote(fd) {
		var hostSt unix.Stat_t
		if err := unix.Fstat(fd, &hostSt); err != nil {
			return err
		}
		*st = statFromHost(&hostSt)
		return nil
	}
	f := c.table.Lookup(fd)
	if f == nil {
		return errno.Error(unix.EBADF)
	}
	stats, status := c.client.BatchStat([]uint64{f.Inode.Ino})
	if _, err := errno.Int(status); err != nil {
		return err
	}
	if len(stats) == 0 {
		return errno.Error(unix.EIO)
	}
	*st = stats[0]
	return nil
}

func statFromHost(h *unix.Stat_t) sdk.Stat {
	return sdk.Stat{
		Ino:   h.Ino,
		Size:  h.Size,
		Mode:  h.Mode,
		Nlink: uint32(h.Nlink),
		Uid:   h.Uid,
		Gid:   h.Gid,
		Atime: h.Atim.Sec,
		Mtime: h.Mtim.Sec,
		Ctime: h.Ctim.Sec,
	}
}

// Readdir lists up to max entries of the open directory fd.
func (c *Client) Readdir(fd int, max int) ([]sdk.Dirent, error) {
	if !c.table.IsRemote(fd) {
		return nil, errno.Error(unix.ENOTSUP)
	}
	f := c.table.Lookup(fd)
	if f == nil {
		return nil, errno.Error(unix.EBADF)
	}
	ents, status := c.client.Readdir(f.ID, max)
	if _, err := errno.Int(status); err != nil {
		return nil, err
	}
	return ents, nil
}

// IsRemoteFd reports whether fd belongs to this layer.
func (c *Client) IsRemoteFd(fd int) bool {
	return c.table.IsRemote(fd)
}

// PathOf returns the recorded open path of fd, for diagnostics.
func (c *Client) PathOf(fd int) string {
	return c.table.PathOf(fd)
}

// Stats publishes a point-in-time view of the layer's internals.
type Stats struct {
	OpenFiles int        `json:"open_files"`
	Pool      pool.Stats `json:"pool"`
}

// Stats snapshots the layer's internal counters.
func (c *Client) Stats() Stats {
	return Stats{
		OpenFiles: c.table.OpenCount(),
		Pool:      c.conns.Stats(),
	}
}
