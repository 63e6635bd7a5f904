// Package archctx holds the shared architectural state visible to every
// agent: the latest model, discovery and business snapshots plus a
// free-form metadata map.
package archctx

import (
	"maps"
	"strings"
	"sync"
)

const GlobalKey = "global"

// View is the projection of the context handed to one agent. The three
// slots are deep copies; mutating them never affects shared state.
type View struct {
	Model     any            `json:"model"`
	Discovery any            `json:"discovery"`
	Business  any            `json:"business"`
	Metadata  map[string]any `json:"metadata"`
}

type Context struct {
	mu        sync.RWMutex
	model     any
	discovery any
	business  any
	metadata  map[string]any
}

func New() *Context {
	return &Context{metadata: make(map[string]any)}
}

// Update classifies result and assigns it to the matching slot, replacing
// the previous value. Unrecognized shapes are ignored and reported as
// KindNone.
func (c *Context) Update(result any) Kind {
	kind := Classify(result)
	if kind == KindNone {
		return kind
	}

	snapshot := Clone(result)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case KindModel:
		c.model = snapshot
	case KindDiscovery:
		c.discovery = snapshot
	case KindBusiness:
		c.business = snapshot
	}
	return kind
}

// Relevant returns all three slots unconditionally, plus the metadata
// entries whose key is prefixed by agentName or equals "global".
func (c *Context) Relevant(agentName string) View {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := View{
		Model:     Clone(c.model),
		Discovery: Clone(c.discovery),
		Business:  Clone(c.business),
		Metadata:  make(map[string]any),
	}
	for k, val := range c.metadata {
		if k == GlobalKey || strings.HasPrefix(k, agentName) {
			v.Metadata[k] = Clone(val)
		}
	}
	return v
}

// Snapshot returns the full state, including all metadata.
func (c *Context) Snapshot() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{
		Model:     Clone(c.model),
		Discovery: Clone(c.discovery),
		Business:  Clone(c.business),
		Metadata:  Clone(c.metadata).(map[string]any),
	}
}

func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = Clone(value)
}

// DeleteMetadata removes key and reports whether it was present.
func (c *Context) DeleteMetadata(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.metadata[key]
	delete(c.metadata, key)
	return ok
}

func (c *Context) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

func (c *Context) Slot(kind Kind) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch kind {
	case KindModel:
		return Clone(c.model)
	case KindDiscovery:
		return Clone(c.discovery)
	case KindBusiness:
		return Clone(c.business)
	}
	return nil
}

func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = nil
	c.discovery = nil
	c.business = nil
	c.metadata = make(map[string]any)
}
