package registry

import (
	"fmt"
	"sort"
	"sync"
)

// ArtifactStore holds the packed archive path of each library for the
// current run. A path is published once by the library's own Pack step and
// read by dependents in later tiers.
type ArtifactStore struct {
	mu    sync.RWMutex
	paths map[string]string
}

// NewArtifactStore returns an empty store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{paths: make(map[string]string)}
}

// Publish records path as the artifact of pkg. Publishing the same path again
// is a no-op; publishing a different path is an error.
func (s *ArtifactStore) Publish(pkg, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.paths[pkg]; ok && prev != path {
		return fmt.Errorf("artifact for %s already published as %s", pkg, prev)
	}
	s.paths[pkg] = path
	return nil
}

// Lookup returns the artifact path of pkg if it has been published.
func (s *ArtifactStore) Lookup(pkg string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path, ok := s.paths[pkg]
	return path, ok
}

// Published returns the names of packages with an artifact, sorted.
func (s *ArtifactStore) Published() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.paths))
	for pkg := range s.paths {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}
