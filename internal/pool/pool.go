// Package pool owns the set of constructed engines, keyed by canonical
// processing config. Engines are expensive to build (model loading, device
// placement), so the pool caches them with least-recently-used eviction and
// hands out refcounted leases.
package pool

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/carvelabs/cutout-service/internal/engine"
	"github.com/carvelabs/cutout-service/internal/metrics"
)

// MinCapacity is the smallest pool the service runs with; the default
// config always has a slot plus at least one custom config.
const MinCapacity = 2

// Factory builds an engine for one config. Called with the pool mutex held,
// which gives single-flight semantics: concurrent Acquire calls for the
// same new config pay construction exactly once.
type Factory func(cfg engine.Config) (engine.Engine, error)

type entry struct {
	key string
	eng engine.Engine

	// invokeMu serializes Process calls on this engine. Session
	// reentrancy is runtime-dependent, so invocation is serialized per
	// entry while the pool mutex stays free for other resolves.
	invokeMu sync.Mutex

	refs    int
	evicted bool
}

// Pool is a bounded LRU cache of engines. All state is guarded by mu; no
// engine invocation ever runs under it.
type Pool struct {
	mu       sync.Mutex
	capacity int
	factory  Factory
	entries  map[string]*entry
	order    []string // least-recently-used first
	closed   bool
}

// New creates an empty pool. Capacity below MinCapacity is raised to it.
func New(capacity int, factory Factory) *Pool {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &Pool{
		capacity: capacity,
		factory:  factory,
		entries:  make(map[string]*entry),
	}
}

// Acquire resolves cfg to an engine, constructing it on first use, and
// returns a lease the caller must Release. A construction failure leaves
// the pool unchanged.
func (p *Pool) Acquire(cfg engine.Config) (*Lease, error) {
	key := cfg.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("pool is closed")
	}

	if e, ok := p.entries[key]; ok {
		p.touch(key)
		e.refs++
		metrics.RecordPoolHit()
		return &Lease{pool: p, entry: e}, nil
	}

	metrics.RecordPoolMiss()
	eng, err := p.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine construction failed: %w", err)
	}

	e := &entry{key: key, eng: eng, refs: 1}
	p.entries[key] = e
	p.order = append(p.order, key)

	for len(p.entries) > p.capacity {
		p.evictOldest()
	}

	return &Lease{pool: p, entry: e}, nil
}

// touch moves key to the most-recently-used end of the order.
func (p *Pool) touch(key string) {
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.order = append(p.order, key)
}

// evictOldest removes the least-recently-used entry. If a batch still holds
// it, closing is deferred to the final Release. Caller holds p.mu.
func (p *Pool) evictOldest() {
	key := p.order[0]
	p.order = p.order[1:]
	e := p.entries[key]
	delete(p.entries, key)
	metrics.RecordPoolEviction()

	if e.refs == 0 {
		e.eng.Close()
	} else {
		e.evicted = true
	}
}

// Len returns the number of cached engines.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Capacity returns the configured capacity.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Keys returns the cached config keys from least to most recently used.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, len(p.order))
	copy(keys, p.order)
	return keys
}

// Close evicts and closes every cached engine. In-use engines are closed by
// their final Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for _, key := range p.order {
		e := p.entries[key]
		delete(p.entries, key)
		if e.refs == 0 {
			if err := e.eng.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		} else {
			e.evicted = true
		}
	}
	p.order = nil
	return firstErr
}

// Lease is a borrowed reference to a pooled engine. It stays valid even if
// the entry is evicted while the batch is in flight; the engine is closed
// only after its last lease is released.
type Lease struct {
	pool     *Pool
	entry    *entry
	released bool
}

// Process invokes the engine, serialized per entry. Never called under the
// pool mutex, so other requests can resolve concurrently.
func (l *Lease) Process(ctx context.Context, images []image.Image) ([]image.Image, error) {
	l.entry.invokeMu.Lock()
	defer l.entry.invokeMu.Unlock()
	return l.entry.eng.Process(ctx, images)
}

// Release returns the lease. Releasing twice is a no-op.
func (l *Lease) Release() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.entry.refs--
	if l.entry.evicted && l.entry.refs == 0 {
		l.entry.eng.Close()
	}
}
