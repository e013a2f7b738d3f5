package collaborator

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgemesh/supervisor/internal/model"
)

// StaticCatalog is an in-memory ComponentCatalog seeded at construction,
// used by tests and by deployments where the component catalog is baked
// into the image rather than fetched remotely.
type StaticCatalog struct {
	mu      sync.RWMutex
	entries map[string]*model.Component
}

// NewStaticCatalog returns an empty catalog.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{entries: make(map[string]*model.Component)}
}

// Register adds or replaces the definition for (name, version).
func (c *StaticCatalog) Register(name, version string, component *model.Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[catalogKey(name, version)] = component
}

func (c *StaticCatalog) Lookup(ctx context.Context, name, version string) (*model.Component, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[catalogKey(name, version)]
	if !ok {
		return nil, fmt.Errorf("component catalog: no definition for %s@%s", name, version)
	}
	return entry.Clone(), nil
}

func catalogKey(name, version string) string {
	return name + "@" + version
}
