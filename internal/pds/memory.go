package pds

import (
	"fmt"
	"sort"
	"sync"
)

// MemStore keeps framed records in memory. Simulated nodes use it.
type MemStore struct {
	mu      sync.Mutex
	records map[MemID][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[MemID][]byte)}
}

func (s *MemStore) Save(id MemID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = encodeRecord(id, data)
	return nil
}

func (s *MemStore) Load(id MemID) ([]byte, error) {
	s.mu.Lock()
	raw, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mem %s: %w", id, ErrNotFound)
	}
	return decodeRecord(id, raw)
}

func (s *MemStore) Delete(id MemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemStore) List() ([]MemID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]MemID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemStore) Close() error { return nil }
