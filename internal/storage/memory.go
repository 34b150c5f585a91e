package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps ordered sets in process memory. Each set has its own
// lock, so traffic on one key never blocks another.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]*memorySet
}

type memorySet struct {
	mu   sync.RWMutex
	list *skipList
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]*memorySet)}
}

// set returns the set for key, creating it when create is true.
// Sets are never removed once created; an emptied set simply has size zero.
func (s *MemoryStore) set(key string, create bool) *memorySet {
	s.mu.RLock()
	set, ok := s.sets[key]
	s.mu.RUnlock()
	if ok || !create {
		return set
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok = s.sets[key]; ok {
		return set
	}
	set = &memorySet{list: newSkipList()}
	s.sets[key] = set
	return set
}

// Add inserts m under key unless m.ID is already present.
func (s *MemoryStore) Add(_ context.Context, key string, m Member) (bool, error) {
	set := s.set(key, true)
	set.mu.Lock()
	defer set.mu.Unlock()
	return set.list.insert(m), nil
}

// Rank returns the zero-based rank of id under key, or -1.
func (s *MemoryStore) Rank(_ context.Context, key string, id int64) (int64, error) {
	set := s.set(key, false)
	if set == nil {
		return -1, nil
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	return set.list.rank(id), nil
}

// RemoveMin pops up to n oldest members under key.
func (s *MemoryStore) RemoveMin(_ context.Context, key string, n int64) ([]Member, error) {
	set := s.set(key, false)
	if set == nil || n <= 0 {
		return nil, nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()

	if n > set.list.length {
		n = set.list.length
	}
	out := make([]Member, 0, n)
	for int64(len(out)) < n {
		m, ok := set.list.popMin()
		if !ok {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

// Size returns the cardinality of the set under key.
func (s *MemoryStore) Size(_ context.Context, key string) (int64, error) {
	set := s.set(key, false)
	if set == nil {
		return 0, nil
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	return set.list.length, nil
}

// Scan lists non-empty keys matching pattern in lexical order.
func (s *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	candidates := make(map[string]*memorySet, len(s.sets))
	for key, set := range s.sets {
		if matchPattern(pattern, key) {
			candidates[key] = set
		}
	}
	s.mu.RUnlock()

	keys := make([]string, 0, len(candidates))
	for key, set := range candidates {
		set.mu.RLock()
		n := set.list.length
		set.mu.RUnlock()
		if n > 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func matchPattern(pattern, key string) bool {
	prefix, suffix, wild := strings.Cut(pattern, "*")
	if !wild {
		return pattern == key
	}
	return len(key) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(key, prefix) &&
		strings.HasSuffix(key, suffix)
}
