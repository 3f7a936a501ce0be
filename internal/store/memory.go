package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used for tests and single-node runs.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) (Record, error) {
	rec, err := prepareCreate(rec, s.now().UTC())
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.recs[rec.ID]; dup {
		return Record{}, fmt.Errorf("store: record %s already exists", rec.ID)
	}
	rec.Data = slices.Clone(rec.Data)
	s.recs[rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	rec, ok := s.recs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	rec.Data = slices.Clone(rec.Data)
	return &rec, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch map[string]any) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	data, err := mergePatch(rec.Data, patch)
	if err != nil {
		return Record{}, err
	}
	rec.Data = data
	rec.UpdatedAt = s.now().UTC()
	s.recs[id] = rec
	return rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return false, nil
	}
	delete(s.recs, id)
	return true, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}
