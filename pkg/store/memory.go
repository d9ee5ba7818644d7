package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/uws-client/pkg/models"
)

// MemoryStore is an in-memory implementation of the registry
type MemoryStore struct {
	records map[string]*Record // by job URL
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Track adds or updates a record
func (s *MemoryStore) Track(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.records[rec.JobURL]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
	}
	rec.UpdatedAt = now

	stored := *rec
	s.records[rec.JobURL] = &stored
	return nil
}

// Find retrieves a record by local ID, job id or job URL
func (s *MemoryStore) Find(ref string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[ref]; ok {
		out := *rec
		return &out, nil
	}
	for _, rec := range s.records {
		if rec.ID == ref || rec.JobID == ref {
			out := *rec
			return &out, nil
		}
	}
	return nil, ErrRecordNotFound
}

// List returns all records ordered by creation time
func (s *MemoryStore) List() ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		r := *rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobURL < out[j].JobURL
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdatePhase records the last observed phase of a job
func (s *MemoryStore) UpdatePhase(jobURL string, phase models.JobPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobURL]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Phase = phase
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Remove forgets a job
func (s *MemoryStore) Remove(jobURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[jobURL]; !ok {
		return ErrRecordNotFound
	}
	delete(s.records, jobURL)
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}
