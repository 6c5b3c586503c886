// Package circuit tracks per-storage-node health for the read fast path.
// A node that keeps failing extent exchanges is skipped for a cooldown
// period, so every read against it stops paying a doomed dial before the
// authoritative fallback. Skipping never changes results: the caller treats
// a denied node exactly like a failed exchange.
package circuit

import (
	"sync"
	"time"
)

// State of one tracked node.
type State int

const (
	// StateClosed allows exchanges.
	StateClosed State = iota
	// StateOpen rejects exchanges until the cooldown expires.
	StateOpen
	// StateProbing allows exchanges again after the cooldown; the next
	// outcome decides between closed and open.
	StateProbing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// Config tunes the tracker. Zero values fall back to defaults.
type Config struct {
	// Threshold is the consecutive-failure count that opens a node.
	Threshold int `yaml:"threshold"`
	// Cooldown is how long an open node is skipped before probing again.
	Cooldown time.Duration `yaml:"cooldown"`
}

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
)

type node struct {
	fails     int
	openUntil time.Time
	probing   bool
}

// Tracker keeps one failure counter per node address. Safe for concurrent
// use.
type Tracker struct {
	mu    sync.Mutex
	nodes map[string]*node

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New builds a tracker; nil config gets defaults.
func New(cfg *Config) *Tracker {
	if cfg == nil {
		cfg = &Config{}
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Tracker{
		nodes:     make(map[string]*node),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether an exchange against addr should be attempted. An
// open node denies until its cooldown expires, then a single caller probes.
func (t *Tracker) Allow(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[addr]
	if !ok || n.fails < t.threshold {
		return true
	}
	if n.probing {
		return false
	}
	if t.now().Before(n.openUntil) {
		return false
	}
	n.probing = true
	return true
}

// Success resets addr's failure accounting.
func (t *Tracker) Success(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[addr]; ok {
		n.fails = 0
		n.probing = false
	}
}

// Failure records a failed exchange against addr. Reaching the threshold
// opens the node for a cooldown; a failed probe re-opens it.
func (t *Tracker) Failure(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[addr]
	if !ok {
		n = &node{}
		t.nodes[addr] = n
	}
	n.fails++
	n.probing = false
	if n.fails >= t.threshold {
		n.openUntil = t.now().Add(t.cooldown)
	}
}

// StateOf returns the current state of addr.
func (t *Tracker) StateOf(addr string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[addr]
	if !ok || n.fails < t.threshold {
		return StateClosed
	}
	if n.probing || !t.now().Before(n.openUntil) {
		return StateProbing
	}
	return StateOpen
}

// Snapshot reports the failure count of every tracked node, for
// diagnostics.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.nodes))
	for addr, n := range t.nodes {
		out[addr] = n.fails
	}
	return out
}
