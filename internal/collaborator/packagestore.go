package collaborator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/edgemesh/supervisor/pkg/logging"
)

// Fetcher downloads and unpacks a named, versioned package somewhere under
// root, returning the directory it landed in. The concrete transport (HTTP,
// local mirror, removable media) is supplied by the caller; CachedPackageStore
// only adds the resolve-or-cache-hit bookkeeping in front of it.
type Fetcher func(ctx context.Context, root, name, version string) (path string, err error)

// CachedPackageStore is a PackageStore backed by a bounded in-memory LRU of
// resolved package paths, grounded on the ipiton alert-history service's
// two-tier template cache (internal/infrastructure/template/cache.go),
// trimmed to a single tier since package resolution has no remote cache
// layer to fall back to here — only the local fetch-and-unpack Fetcher.
type CachedPackageStore struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, string]
	root    string
	fetch   Fetcher
	inFlight map[string]chan struct{}
}

// NewCachedPackageStore returns a PackageStore caching up to capacity
// resolved package paths under root, fetching cache misses via fetch.
func NewCachedPackageStore(root string, capacity int, fetch Fetcher) (*CachedPackageStore, error) {
	cache, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, fmt.Errorf("create package path cache: %w", err)
	}
	return &CachedPackageStore{cache: cache, root: root, fetch: fetch, inFlight: make(map[string]chan struct{})}, nil
}

func cacheKey(name, version string) string {
	return name + "@" + version
}

// Resolve returns the cached local path for (name, version), fetching it
// through the configured Fetcher on a miss. Concurrent Resolve calls for the
// same (name, version) are coalesced so only one fetch runs at a time.
func (s *CachedPackageStore) Resolve(ctx context.Context, name, version string) (string, error) {
	key := cacheKey(name, version)

	s.mu.Lock()
	if path, ok := s.cache.Get(key); ok {
		s.mu.Unlock()
		return path, nil
	}
	if wait, ok := s.inFlight[key]; ok {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		s.mu.Lock()
		path, ok := s.cache.Get(key)
		s.mu.Unlock()
		if ok {
			return path, nil
		}
		return "", fmt.Errorf("resolve %s: concurrent fetch did not populate cache", key)
	}
	done := make(chan struct{})
	s.inFlight[key] = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
		close(done)
	}()

	logging.Info("Collaborator", "resolving package %s (cache miss)", key)
	path, err := s.fetch(ctx, filepath.Join(s.root, name, version), name, version)
	if err != nil {
		return "", fmt.Errorf("fetch package %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache.Add(key, path)
	s.mu.Unlock()
	return path, nil
}
