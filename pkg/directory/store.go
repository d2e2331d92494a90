package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Entry is one staff directory record
type Entry struct {
	Key        string
	Name       string
	Department string
	Email      string
}

// Store is the directory storage query surface. Implementations are external
// collaborators; the resolver only needs these two operations.
type Store interface {
	GetByKey(ctx context.Context, partition, key string) (*Entry, error)
	ScanByKeyPrefix(ctx context.Context, partition, prefix string) ([]Entry, error)
}

// MemoryStore is an in-memory Store used by tests and development wiring
type MemoryStore struct {
	mutex      sync.RWMutex
	partitions map[string]map[string]Entry
}

// NewMemoryStore creates an empty in-memory directory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string]map[string]Entry)}
}

// Put inserts or replaces an entry
func (s *MemoryStore) Put(partition string, entry Entry) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.partitions[partition] == nil {
		s.partitions[partition] = make(map[string]Entry)
	}
	s.partitions[partition][entry.Key] = entry
}

// GetByKey returns the entry for an exact key, or nil when absent
func (s *MemoryStore) GetByKey(ctx context.Context, partition, key string) (*Entry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entry, exists := s.partitions[partition][key]
	if !exists {
		return nil, nil
	}
	return &entry, nil
}

// ScanByKeyPrefix returns all entries whose key starts with prefix, in key order
func (s *MemoryStore) ScanByKeyPrefix(ctx context.Context, partition, prefix string) ([]Entry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var results []Entry
	for key, entry := range s.partitions[partition] {
		if strings.HasPrefix(key, prefix) {
			results = append(results, entry)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}
