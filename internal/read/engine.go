// Package read implements the hybrid read path: a best-effort direct read
// against storage-node sockets using pre-resolved extent locations, backed
// by the remote SDK's own read call whenever the direct attempt cannot fully
// account for the requested bytes. The fast path is purely a latency
// optimization; the fallback is the single source of truth.
package read

import (
	"fmt"

	"github.com/bypassfs/bypassfs/internal/cache"
	"github.com/bypassfs/bypassfs/internal/circuit"
	"github.com/bypassfs/bypassfs/internal/errno"
	"github.com/bypassfs/bypassfs/internal/metrics"
	"github.com/bypassfs/bypassfs/internal/pool"
	"github.com/bypassfs/bypassfs/internal/proto"
	"github.com/bypassfs/bypassfs/internal/sdk"
	"github.com/bypassfs/bypassfs/pkg/utils"
)

// maxExtentRequests bounds one fast-path attempt: at most this many extent
// locations are resolved and exchanged before the shortfall check.
const maxExtentRequests = 3

// Options carries the engine's optional collaborators. Nil fields disable
// the corresponding concern.
type Options struct {
	BigCache   *cache.PageCache
	SmallCache *cache.PageCache
	// BigSplit is the request size at or above which pages go to the big
	// cache.
	BigSplit int64
	// Breaker skips exchanges against nodes that keep failing, sparing the
	// fast path a doomed dial per read.
	Breaker *circuit.Tracker
	Metrics *metrics.Collector
	Log     *utils.Logger
}

// Engine serves remote reads for open handles.
type Engine struct {
	client sdk.Client
	conns  *pool.Pool
	opts   Options
}

// NewEngine builds an engine over a started SDK session and a connection
// pool.
func NewEngine(client sdk.Client, conns *pool.Pool, opts *Options) *Engine {
	e := &Engine{client: client, conns: conns}
	if opts != nil {
		e.opts = *opts
	}
	return e
}

// Read fills buf from the file behind handle id fd at offset, returning the
// byte count like a native pread. ino names the inode for cache identity.
func (e *Engine) Read(fd int, ino uint64, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if page := e.cacheGet(ino, offset, len(buf)); page != nil {
		e.observeCache("hit")
		copy(buf, page)
		return len(buf), nil
	}
	e.observeCache("miss")

	if n, ok := e.tryDirect(fd, buf, offset); ok {
		e.observeRead(metrics.PathFast, n)
		e.cachePut(ino, offset, buf[:n])
		return n, nil
	}

	// The fast path came up short. Whatever it wrote into buf is discarded
	// as a result; the SDK read below is authoritative.
	n64, err := errno.Size(e.client.Read(fd, buf, offset))
	if err != nil {
		e.logf("read fallback failed, fd:%d offset:%d count:%d err:%v", fd, offset, len(buf), err)
		return errno.Sentinel, err
	}
	e.observeRead(metrics.PathFallback, int(n64))
	e.cachePut(ino, offset, buf[:n64])
	return int(n64), nil
}

// tryDirect attempts the request against storage nodes. It reports the bytes
// it accounted for and whether that fully covers the request. Transport
// failures are absorbed here and never reach the caller: a flaky storage
// node costs latency, not correctness.
func (e *Engine) tryDirect(fd int, buf []byte, offset int64) (int, bool) {
	reqs, status := e.client.ReadRequests(fd, len(buf), offset, maxExtentRequests)
	if status < 0 {
		return 0, false
	}

	total := 0
	for i := range reqs {
		req := &reqs[i]
		if req.Size <= 0 {
			break
		}
		if req.Size > len(buf)-total {
			// A descriptor overshooting the request is a resolver bug;
			// treat it like any other fast-path failure.
			break
		}

		if req.Hole() {
			region := buf[total : total+req.Size]
			for j := range region {
				region[j] = 0
			}
			total += req.Size
			continue
		}

		n, ok := e.exchange(req, buf[total:total+req.Size])
		total += n
		if !ok || n != req.Size {
			break
		}
	}

	return total, total >= len(buf)
}

// exchange performs one extent read round trip into dst.
func (e *Engine) exchange(req *sdk.ExtentRequest, dst []byte) (int, bool) {
	addr := fmt.Sprintf("%s:%d", req.Host, req.Port)
	if e.opts.Breaker != nil && !e.opts.Breaker.Allow(addr) {
		e.logf("extent read skipped, node %s is open", addr)
		return 0, false
	}

	p := proto.NewReadPacket(req.PartitionID, req.ExtentID, req.ExtentOffset, dst, req.Size, req.FileOffset)

	conn, err := e.conns.Get(req.Host, req.Port)
	if err != nil {
		e.nodeFailed(addr)
		e.logf("extent read dial failed, %s err:%v", addr, err)
		return 0, false
	}
	if err := p.WriteTo(conn); err != nil {
		e.conns.Discard(conn)
		e.nodeFailed(addr)
		e.logf("extent read send failed, %s err:%v", addr, err)
		return 0, false
	}
	n, err := p.ReadReply(conn)
	if err != nil {
		e.conns.Discard(conn)
		e.nodeFailed(addr)
		e.logf("extent read reply failed, %s err:%v", addr, err)
		return 0, false
	}
	e.conns.Put(req.Host, req.Port, conn)
	if e.opts.Breaker != nil {
		e.opts.Breaker.Success(addr)
	}
	return n, true
}

func (e *Engine) nodeFailed(addr string) {
	if e.opts.Breaker != nil {
		e.opts.Breaker.Failure(addr)
	}
}

func (e *Engine) pick(size int) *cache.PageCache {
	if e.opts.BigSplit > 0 && int64(size) >= e.opts.BigSplit {
		return e.opts.BigCache
	}
	if e.opts.SmallCache != nil {
		return e.opts.SmallCache
	}
	return e.opts.BigCache
}

func (e *Engine) cacheGet(ino uint64, offset int64, size int) []byte {
	if c := e.pick(size); c != nil {
		return c.Get(ino, offset, size)
	}
	return nil
}

func (e *Engine) cachePut(ino uint64, offset int64, data []byte) {
	if len(data) == 0 {
		return
	}
	if c := e.pick(len(data)); c != nil {
		c.Put(ino, offset, data)
	}
}

// Invalidate drops cached pages of an inode, called when a write lands.
func (e *Engine) Invalidate(ino uint64) {
	if e.opts.BigCache != nil {
		e.opts.BigCache.Drop(ino)
	}
	if e.opts.SmallCache != nil {
		e.opts.SmallCache.Drop(ino)
	}
}

func (e *Engine) observeRead(path string, n int) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveRead(path, n)
	}
}

func (e *Engine) observeCache(outcome string) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveCache(outcome)
	}
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.opts.Log != nil {
		e.opts.Log.Debug(format, args...)
	}
}
