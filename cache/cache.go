// Package cache implements the component cache: a load-through,
// pin-until-evicted map from contract id to compiled component, sitting in
// front of the persistent store's immutable bytes column.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "cache")

// BytesSource resolves a contract id to its immutable compiled bytes. The
// persistent store satisfies this (store.Store.ComponentBytes).
type BytesSource interface {
	ComponentBytes(ctx context.Context, contractID int64) ([]byte, error)
}

// Compiler turns raw component bytes into whatever loaded representation
// the execution core needs to instantiate and run a contract. The engine
// package supplies the real implementation (compiling through wasmer); the
// cache itself is agnostic to what a "compiled component" is.
type Compiler interface {
	Compile(ctx context.Context, bytes []byte) (any, error)
}

type slot struct {
	mu        sync.Mutex
	component any
	err       error
	loaded    bool
}

// Cache is a concurrency-safe, load-through cache of compiled components
// keyed by contract id. Entries stay pinned once loaded until Evict drops
// them; since component bytes are immutable, a recompile after Evict yields
// an equivalent component, so eviction has no effect on call semantics.
type Cache struct {
	bytes    BytesSource
	compiler Compiler

	mu    sync.Mutex
	slots map[int64]*slot
}

// New constructs a Cache backed by bytes for the raw component image and
// compiler for turning bytes into a loaded component.
func New(bytes BytesSource, compiler Compiler) *Cache {
	return &Cache{bytes: bytes, compiler: compiler, slots: make(map[int64]*slot)}
}

// Get returns the compiled component for contractID, compiling and caching
// it on first use. Concurrent Get calls for the same contractID block on a
// per-key lock rather than the whole cache, so loading one contract never
// stalls lookups of another.
func (c *Cache) Get(ctx context.Context, contractID int64) (any, error) {
	c.mu.Lock()
	s, ok := c.slots[contractID]
	if !ok {
		s = &slot{}
		c.slots[contractID] = s
	}
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.component, s.err
	}

	raw, err := c.bytes.ComponentBytes(ctx, contractID)
	if err != nil {
		s.loaded, s.err = true, fmt.Errorf("cache: load bytes for contract %d: %w", contractID, err)
		return nil, s.err
	}
	comp, err := c.compiler.Compile(ctx, raw)
	if err != nil {
		s.loaded, s.err = true, fmt.Errorf("cache: compile contract %d: %w", contractID, err)
		return nil, s.err
	}
	log.WithField("contract_id", contractID).Debug("component compiled and cached")
	s.component, s.loaded = comp, true
	return comp, nil
}

// Evict drops any cached entry for contractID, forcing the next Get to
// recompile. Present for completeness and tests; normal operation never
// needs to call it, since compiled components never go stale (component
// bytes are immutable once published).
func (c *Cache) Evict(contractID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, contractID)
}

// Len reports how many contracts currently have a loaded (or load-attempted)
// entry, for diagnostics and tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
