// Package pool keeps idle TCP connections to storage nodes, keyed by
// host:port. The read fast path borrows a connection per extent exchange and
// returns it only after a fully successful round trip; anything suspect is
// discarded so a poisoned socket can never serve a later request.
package pool

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Config tunes the pool. Zero values fall back to defaults.
type Config struct {
	MaxIdlePerNode int           `yaml:"max_idle_per_node"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout"`
}

const (
	defaultMaxIdle     = 8
	defaultDialTimeout = 2 * time.Second
)

// Stats tracks pool activity.
type Stats struct {
	Hits     int64 `json:"hits"`
	Dials    int64 `json:"dials"`
	Errors   int64 `json:"errors"`
	Returned int64 `json:"returned"`
	Dropped  int64 `json:"dropped"`
}

// Pool is a keyed idle-connection pool. Safe for concurrent use.
type Pool struct {
	mu     sync.RWMutex
	idle   map[string]chan net.Conn
	closed bool

	dial      func(addr string, timeout time.Duration) (net.Conn, error)
	maxIdle   int
	dialTO    time.Duration
	ioTimeout time.Duration

	statsMu sync.Mutex
	stats   Stats
}

// New builds a pool. The dialer is replaceable for tests; nil means plain
// TCP.
func New(cfg *Config) *Pool {
	if cfg == nil {
		cfg = &Config{}
	}
	maxIdle := cfg.MaxIdlePerNode
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}
	dialTO := cfg.DialTimeout
	if dialTO <= 0 {
		dialTO = defaultDialTimeout
	}
	return &Pool{
		idle:      make(map[string]chan net.Conn),
		dial:      dialTCP,
		maxIdle:   maxIdle,
		dialTO:    dialTO,
		ioTimeout: cfg.IOTimeout,
	}
}

func dialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// SetDialer replaces the dial function. Must be called before first use.
func (p *Pool) SetDialer(dial func(addr string, timeout time.Duration) (net.Conn, error)) {
	p.dial = dial
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func (p *Pool) bucket(k string) chan net.Conn {
	p.mu.RLock()
	ch, ok := p.idle[k]
	p.mu.RUnlock()
	if ok {
		return ch
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok = p.idle[k]; !ok {
		ch = make(chan net.Conn, p.maxIdle)
		p.idle[k] = ch
	}
	return ch
}

// Get returns an idle connection to host:port, dialing a new one when the
// bucket is empty.
func (p *Pool) Get(host string, port int) (net.Conn, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("pool is closed")
	}

	select {
	case conn := <-p.bucket(key(host, port)):
		p.count(func(s *Stats) { s.Hits++ })
		if p.ioTimeout > 0 {
			conn.SetDeadline(time.Now().Add(p.ioTimeout))
		}
		return conn, nil
	default:
	}

	conn, err := p.dial(key(host, port), p.dialTO)
	if err != nil {
		p.count(func(s *Stats) { s.Errors++ })
		return nil, err
	}
	p.count(func(s *Stats) { s.Dials++ })
	if p.ioTimeout > 0 {
		conn.SetDeadline(time.Now().Add(p.ioTimeout))
	}
	return conn, nil
}

// Put returns a healthy connection for reuse. A full bucket or a closed pool
// drops it instead.
func (p *Pool) Put(host string, port int, conn net.Conn) {
	if conn == nil {
		return
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	select {
	case p.bucket(key(host, port)) <- conn:
		p.count(func(s *Stats) { s.Returned++ })
	default:
		conn.Close()
		p.count(func(s *Stats) { s.Dropped++ })
	}
}

// Discard closes a connection suspected unhealthy. It never re-enters the
// pool.
func (p *Pool) Discard(conn net.Conn) {
	if conn != nil {
		conn.Close()
		p.count(func(s *Stats) { s.Dropped++ })
	}
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// Close drops every idle connection and rejects further Gets.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	buckets := p.idle
	p.idle = make(map[string]chan net.Conn)
	p.mu.Unlock()

	for _, ch := range buckets {
		for {
			select {
			case conn := <-ch:
				conn.Close()
			default:
				goto next
			}
		}
	next:
	}
}

func (p *Pool) count(f func(*Stats)) {
	p.statsMu.Lock()
	f(&p.stats)
	p.statsMu.Unlock()
}
