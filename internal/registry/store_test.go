package registry

import (
	"context"
	"sync"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
)

// memStore is an in-memory Store with Redis-like revision semantics.
type memStore struct {
	mu        sync.Mutex
	entries   map[string]config.Entry
	rev       uint64
	published []string
	updates   chan string
	loadErr   error
}

func newMemStore() *memStore {
	return &memStore{
		entries: make(map[string]config.Entry),
		updates: make(chan string, 1),
	}
}

func (s *memStore) LoadEntries(context.Context) (map[string]config.Entry, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, 0, s.loadErr
	}
	out := make(map[string]config.Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, s.rev, nil
}

func (s *memStore) SaveEntry(_ context.Context, e config.Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(e), nil
}

func (s *memStore) SeedEntry(_ context.Context, e config.Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Key]; ok {
		return 0, nil
	}
	return s.putLocked(e), nil
}

func (s *memStore) DeleteEntry(_ context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return 0, nil
	}
	delete(s.entries, key)
	s.rev++
	return s.rev, nil
}

func (s *memStore) PublishUpdate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, key)
	return nil
}

func (s *memStore) WatchUpdates(context.Context) <-chan string {
	return s.updates
}

// put writes e as another instance would, without notifying.
func (s *memStore) put(e config.Entry) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(e)
}

func (s *memStore) putLocked(e config.Entry) uint64 {
	s.rev++
	e.Revision = s.rev
	s.entries[e.Key] = e
	return s.rev
}

func (s *memStore) publishedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.published...)
}

var _ Store = (*memStore)(nil)
