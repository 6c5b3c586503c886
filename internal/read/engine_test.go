package read

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bypassfs/bypassfs/internal/cache"
	"github.com/bypassfs/bypassfs/internal/circuit"
	"github.com/bypassfs/bypassfs/internal/errno"
	"github.com/bypassfs/bypassfs/internal/pool"
	"github.com/bypassfs/bypassfs/internal/proto"
	"github.com/bypassfs/bypassfs/internal/sdk"
	"github.com/bypassfs/bypassfs/internal/sdk/sdktest"
)

// fakeNode stands in for a storage node: every dialed connection is a
// net.Pipe whose far end answers extent read requests from a content map.
type fakeNode struct {
	extents map[uint64][]byte
	short   int // when >0, cap each reply payload at this many bytes
	served  int32
	dials   int32
}

func (n *fakeNode) dialer() func(string, time.Duration) (net.Conn, error) {
	return func(addr string, timeout time.Duration) (net.Conn, error) {
		atomic.AddInt32(&n.dials, 1)
		client, server := net.Pipe()
		go n.serve(server)
		return client, nil
	}
}

func (n *fakeNode) serve(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := proto.ReadRequest(conn)
		if err != nil {
			return
		}
		atomic.AddInt32(&n.served, 1)

		data := n.extents[req.ExtentID]
		start := req.ExtentOffset
		end := start + int64(req.Size)
		if start > int64(len(data)) {
			start = int64(len(data))
		}
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		payload := data[start:end]
		if n.short > 0 && len(payload) > n.short {
			payload = payload[:n.short]
		}
		if err := req.WriteReply(conn, payload); err != nil {
			return
		}
	}
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%26)
	}
	return out
}

func newTestPool(node *fakeNode) *pool.Pool {
	p := pool.New(nil)
	p.SetDialer(node.dialer())
	return p
}

func TestFastPathServesFullRequest(t *testing.T) {
	content := pattern(4096)
	client := sdktest.New()
	ino := client.AddFile("/data/f1", content)
	fd := client.Open("/data/f1", unix.O_RDONLY, 0)
	require.Greater(t, fd, 0)

	node := &fakeNode{extents: map[uint64][]byte{7: content}}
	client.Requests[fd] = []sdk.ExtentRequest{{
		PartitionID: 2, ExtentID: 7, ExtentOffset: 0, FileOffset: 0,
		Size: len(content), Host: "127.0.0.1", Port: 17030,
	}}

	e := NewEngine(client, newTestPool(node), nil)
	defer e.conns.Close()

	buf := make([]byte, len(content))
	n, err := e.Read(fd, ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.True(t, bytes.Equal(content, buf))

	assert.Equal(t, int32(1), atomic.LoadInt32(&node.served), "one extent, one round trip")
	assert.Equal(t, 0, client.ReadCalls, "fallback must stay untouched")
}

func TestFastPathMultipleExtents(t *testing.T) {
	content := pattern(3000)
	client := sdktest.New()
	ino := client.AddFile("/data/f2", content)
	fd := client.Open("/data/f2", unix.O_RDONLY, 0)

	node := &fakeNode{extents: map[uint64][]byte{
		1: content[:1000],
		2: content[1000:2200],
		3: content[2200:],
	}}
	client.Requests[fd] = []sdk.ExtentRequest{
		{PartitionID: 1, ExtentID: 1, Size: 1000, FileOffset: 0, Host: "h", Port: 1},
		{PartitionID: 1, ExtentID: 2, Size: 1200, FileOffset: 1000, Host: "h", Port: 1},
		{PartitionID: 1, ExtentID: 3, Size: 800, FileOffset: 2200, Host: "h", Port: 1},
	}

	e := NewEngine(client, newTestPool(node), nil)
	defer e.conns.Close()

	buf := make([]byte, 3000)
	n, err := e.Read(fd, ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 3000, n)
	assert.True(t, bytes.Equal(content, buf))
	assert.Equal(t, int32(3), atomic.LoadInt32(&node.served))
	assert.Equal(t, 0, client.ReadCalls)
}

func TestHoleDescriptorZeroFillsWithoutSocket(t *testing.T) {
	client := sdktest.New()
	ino := client.AddFile("/data/sparse", make([]byte, 1024))
	fd := client.Open("/data/sparse", unix.O_RDONLY, 0)

	client.Requests[fd] = []sdk.ExtentRequest{
		{PartitionID: 0, ExtentID: 0, Size: 1024, FileOffset: 0},
	}

	node := &fakeNode{extents: map[uint64][]byte{}}
	e := NewEngine(client, newTestPool(node), nil)
	defer e.conns.Close()

	buf := bytes.Repeat([]byte{0xAB}, 1024)
	n, err := e.Read(fd, ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.True(t, bytes.Equal(make([]byte, 1024), buf), "hole region must read as zeros")
	assert.Equal(t, int32(0), atomic.LoadInt32(&node.dials), "hole needs no connection")
	assert.Equal(t, 0, client.ReadCalls)
}

func TestHoleBetweenExtents(t *testing.T) {
	data := pattern(600)
	full := append(append(append([]byte{}, data[:200]...), make([]byte, 300)...), data[200:500]...)

	client := sdktest.New()
	ino := client.AddFile("/data/mixed", full)
	fd := client.Open("/data/mixed", unix.O_RDONLY, 0)

	node := &fakeNode{extents: map[uint64][]byte{
		11: data[:200],
		12: data[200:500],
	}}
	client.Requests[fd] = []sdk.ExtentRequest{
		{PartitionID: 3, ExtentID: 11, Size: 200, FileOffset: 0, Host: "h", Port: 1},
		{PartitionID: 0, ExtentID: 0, Size: 300, FileOffset: 200},
		{PartitionID: 3, ExtentID: 12, Size: 300, FileOffset: 500, Host: "h", Port: 1},
	}

	e := NewEngine(client, newTestPool(node), nil)
	defer e.conns.Close()

	buf := bytes.Repeat([]byte{0xCD}, 800)
	n, err := e.Read(fd, ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 800, n)
	assert.True(t, bytes.Equal(full, buf))
	assert.Equal(t, 0, client.ReadCalls)
}

func TestShortExchangeFallsBack(t *testing.T) {
	content := pattern(2048)
	client := sdktest.New()
	ino := client.AddFile("/data/f3", content)
	fd := client.Open("/data/f3", unix.O_RDONLY, 0)

	// The node only ever hands back half of what is asked for, so the fast
	// path can never account for the full request.
	node := &fakeNode{extents: map[uint64][]byte{9: content}, short: 1024}
	client.Requests[fd] = []sdk.ExtentRequest{
		{PartitionID: 4, ExtentID: 9, Size: 2048, FileOffset: 0, Host: "h", Port: 1},
	}

	e := NewEngine(client, newTestPool(node), nil)
	defer e.conns.Close()

	buf := make([]byte, 2048)
	n, err := e.Read(fd, ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2048, n)
	assert.True(t, bytes.Equal(content, buf), "fallback result is authoritative")
	assert.Equal(t, 1, client.ReadCalls)
}

func TestDialFailureIsAbsorbed(t *testing.T) {
	content := pattern(512)
	client := sdktest.New()
	ino := client.AddFile("/data/f4", content)
	fd := client.Open("/data/f4", unix.O_RDONLY, 0)

	client.Requests[fd] = []sdk.ExtentRequest{
		{PartitionID: 5, ExtentID: 1, Size: 512, FileOffset: 0, Host: "down", Port: 1},
	}

	p := pool.New(nil)
	p.SetDialer(func(addr string, timeout time.Duration) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: unix.ECONNREFUSED}
	})

	e := NewEngine(client, p, nil)
	buf := make([]byte, 512)
	n, err := e.Read(fd, ino, buf, 0)
	require.NoError(t, err, "transport trouble must never surface")
	assert.Equal(t, 512, n)
	assert.True(t, bytes.Equal(content, buf))
	assert.Equal(t, 1, client.ReadCalls)
}

func TestLocationQueryFailureFallsBack(t *testing.T) {
	content := pattern(256)
	client := sdktest.New()
	ino := client.AddFile("/data/f5", content)
	fd := client.Open("/data/f5", unix.O_RDONLY, 0)
	client.ReqStatus = -int(unix.EIO)

	node := &fakeNode{extents: map[uint64][]byte{}}
	e := NewEngine(client, newTestPool(node), nil)
	defer e.conns.Close()

	buf := make([]byte, 256)
	n, err := e.Read(fd, ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
	assert.True(t, bytes.Equal(content, buf))
	assert.Equal(t, 1, client.ReadCalls)
	assert.Equal(t, int32(0), atomic.LoadInt32(&node.dials))
}

func TestFallbackErrorSurfaces(t *testing.T) {
	client := sdktest.New()
	e := NewEngine(client, newTestPool(&fakeNode{}), nil)
	defer e.conns.Close()

	buf := make([]byte, 64)
	n, err := e.Read(999, 1, buf, 0)
	assert.Equal(t, errno.Sentinel, n)
	assert.Equal(t, unix.EBADF, err)
}

func TestCacheServesRepeatRead(t *testing.T) {
	content := pattern(1024)
	client := sdktest.New()
	ino := client.AddFile("/data/f6", content)
	fd := client.Open("/data/f6", unix.O_RDONLY, 0)

	node := &fakeNode{extents: map[uint64][]byte{21: content}}
	client.Requests[fd] = []sdk.ExtentRequest{
		{PartitionID: 6, ExtentID: 21, Size: 1024, FileOffset: 0, Host: "h", Port: 1},
	}

	small := cache.NewPageCache(&cache.Config{MaxBytes: 1 << 20, MaxEntries: 64})
	e := NewEngine(client, newTestPool(node), &Options{SmallCache: small})
	defer e.conns.Close()

	buf := make([]byte, 1024)
	_, err := e.Read(fd, ino, buf, 0)
	require.NoError(t, err)
	served := atomic.LoadInt32(&node.served)

	buf2 := make([]byte, 1024)
	n, err := e.Read(fd, ino, buf2, 0)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.True(t, bytes.Equal(content, buf2))
	assert.Equal(t, served, atomic.LoadInt32(&node.served), "repeat read must hit the cache")
	assert.Equal(t, 0, client.ReadCalls)

	// A write to the inode drops its pages.
	e.Invalidate(ino)
	_, err = e.Read(fd, ino, buf2, 0)
	require.NoError(t, err)
	assert.Equal(t, served+1, atomic.LoadInt32(&node.served))
}

func TestBreakerStopsDialingDeadNode(t *testing.T) {
	content := pattern(128)
	client := sdktest.New()
	ino := client.AddFile("/data/f7", content)
	fd := client.Open("/data/f7", unix.O_RDONLY, 0)

	client.Requests[fd] = []sdk.ExtentRequest{
		{PartitionID: 7, ExtentID: 2, Size: 128, FileOffset: 0, Host: "dead", Port: 1},
	}

	var dials int32
	p := pool.New(nil)
	p.SetDialer(func(addr string, timeout time.Duration) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, &net.OpError{Op: "dial", Err: unix.EHOSTUNREACH}
	})

	e := NewEngine(client, p, &Options{
		Breaker: circuit.New(&circuit.Config{Threshold: 2, Cooldown: time.Hour}),
	})

	buf := make([]byte, 128)
	for i := 0; i < 5; i++ {
		n, err := e.Read(fd, ino, buf, 0)
		require.NoError(t, err)
		assert.Equal(t, 128, n)
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&dials), "open node must not be dialed again")
	assert.Equal(t, 5, client.ReadCalls)
}

func TestZeroLengthRead(t *testing.T) {
	client := sdktest.New()
	e := NewEngine(client, newTestPool(&fakeNode{}), nil)
	defer e.conns.Close()

	n, err := e.Read(1, 1, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, client.ReadRequestsCalls)
}
