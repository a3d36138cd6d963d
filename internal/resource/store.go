// Package resource adapts the external blob store that owns resource bytes.
// This core never reads or writes the bytes themselves; it only checks that
// a resource id resolves, reads its metadata, and releases ids that no
// Change references anymore.
package resource

import (
	"context"
	"errors"
	"sync"
)

var ErrNotExist = errors.New("resource does not exist")

// Info is the metadata the core keeps about an externally stored resource.
type Info struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
}

// Store is the narrow contract the workflow services consume. The interface
// is intentionally tiny so tests can run against the in-memory
// implementation while production uses MinIO.
type Store interface {
	// Stat resolves a resource id to its metadata or ErrNotExist.
	Stat(ctx context.Context, resourceID string) (Info, error)
	// Remove releases a resource nothing references anymore. Removing an
	// unknown id is not an error; the release step of deletion must be
	// idempotent.
	Remove(ctx context.Context, resourceID string) error
}

// InMemoryStore keeps resource metadata in process memory. Safe for
// concurrent use.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Info
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string]Info)}
}

// Put registers a resource, standing in for an upload to the real store.
func (s *InMemoryStore) Put(info Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[info.ID] = info
}

func (s *InMemoryStore) Stat(_ context.Context, resourceID string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.objects[resourceID]
	if !ok {
		return Info{}, ErrNotExist
	}
	return info, nil
}

func (s *InMemoryStore) Remove(_ context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, resourceID)
	return nil
}
