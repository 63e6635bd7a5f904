// Package memory implements the broker's bounded key/value cache.
//
// Eviction is strict insertion-order FIFO: reads never refresh an entry and
// re-storing a key keeps its original position.
package memory

import (
	"slices"
	"strings"
	"sync"
)

const (
	DefaultMaxSize = 1000
	GlobalKey      = "global"
)

// EvictionPolicy selects when Store evicts the oldest entry.
type EvictionPolicy string

const (
	// EvictWhenFull evicts whenever the store is at capacity, even if the
	// key being stored already exists and the store would not grow.
	EvictWhenFull EvictionPolicy = "legacy"
	// EvictOnGrowth evicts only when storing a new key at capacity.
	EvictOnGrowth EvictionPolicy = "growth"
)

// ParsePolicy maps a config value to a policy; unknown values yield the
// legacy policy.
func ParsePolicy(s string) EvictionPolicy {
	if EvictionPolicy(s) == EvictOnGrowth {
		return EvictOnGrowth
	}
	return EvictWhenFull
}

type Option func(*Memory)

func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(m *Memory) { m.policy = p }
}

// OnEvict registers a callback invoked, under the store lock, with every
// evicted key.
func OnEvict(fn func(key string)) Option {
	return func(m *Memory) { m.onEvict = fn }
}

type Memory struct {
	mu      sync.Mutex
	maxSize int
	policy  EvictionPolicy
	order   []string
	values  map[string]any
	onEvict func(key string)
}

func New(maxSize int, opts ...Option) *Memory {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	m := &Memory{
		maxSize: maxSize,
		policy:  EvictWhenFull,
		values:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Store(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.values[key]
	if len(m.order) >= m.maxSize && (m.policy == EvictWhenFull || !exists) {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.values, oldest)
		if oldest == key {
			exists = false
		}
		if m.onEvict != nil {
			m.onEvict(oldest)
		}
	}

	if !exists {
		m.order = append(m.order, key)
	}
	m.values[key] = value
}

func (m *Memory) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key and reports whether it was present.
func (m *Memory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	if i := slices.Index(m.order, key); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	return true
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = nil
	m.values = make(map[string]any)
}

// Relevant returns the entries whose key contains agentName, plus the
// "global" entry. Matching is by substring, so "val" also matches
// "validation-result".
func (m *Memory) Relevant(agentName string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]any)
	for _, k := range m.order {
		if k == GlobalKey || strings.Contains(k, agentName) {
			out[k] = m.values[k]
		}
	}
	return out
}

// Keys returns the keys in insertion order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *Memory) MaxSize() int { return m.maxSize }

func (m *Memory) Policy() EvictionPolicy { return m.policy }

// Snapshot returns a shallow copy of all entries.
func (m *Memory) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
