package reinsertion

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps monitor state in process. Expiry is evaluated lazily
// against the clock.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	watches map[string]map[string]Watch
	seen    map[string]time.Time
	index   map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		watches: make(map[string]map[string]Watch),
		seen:    make(map[string]time.Time),
		index:   make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) PutWatch(_ context.Context, w Watch, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.watches[w.Tradeline]
	if !ok {
		bucket = make(map[string]Watch)
		s.watches[w.Tradeline] = bucket
	}
	bucket[w.EntityName+"|"+w.DisputeID] = w
	return nil
}

func (s *MemoryStore) Watches(_ context.Context, tradeline string) ([]Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.watches[tradeline]
	out := make([]Watch, 0, len(bucket))
	for _, w := range bucket {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityName != out[j].EntityName {
			return out[i].EntityName < out[j].EntityName
		}
		return out[i].DisputeID < out[j].DisputeID
	})
	return out, nil
}

func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.seen[key]
	return ok && s.now().Before(exp), nil
}

func (s *MemoryStore) MarkSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) AddObservation(_ context.Context, indexKey, entityName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.index[indexKey]
	if !ok {
		set = make(map[string]struct{})
		s.index[indexKey] = set
	}
	set[entityName] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveObservation(_ context.Context, indexKey, entityName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index[indexKey], entityName)
	return nil
}

func (s *MemoryStore) Observers(_ context.Context, indexKey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index[indexKey]))
	for name := range s.index[indexKey] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
