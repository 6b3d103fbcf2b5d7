package kvstore

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e memEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// MemoryStore is a process-local Store for single-node deployments and
// tests.
type MemoryStore struct {
	QuotaFor func(projectID string) int64

	mu       sync.Mutex
	projects map[string]map[string]memEntry
	usage    map[string]int64
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore(quotaFor func(projectID string) int64) *MemoryStore {
	return &MemoryStore{
		QuotaFor: quotaFor,
		projects: make(map[string]map[string]memEntry),
		usage:    make(map[string]int64),
	}
}

func (s *MemoryStore) Get(_ context.Context, projectID, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.projects[projectID][key]
	if !ok || e.expired() {
		if ok {
			s.dropLocked(projectID, key, e)
		}
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, projectID, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := int64(0)
	if e, ok := s.projects[projectID][key]; ok && !e.expired() {
		prev = int64(len(e.value))
	}
	delta := int64(len(value)) - prev

	if quota := s.quota(projectID); quota > 0 && delta > 0 && s.usage[projectID]+delta > quota {
		return QuotaExceeded(projectID, quota)
	}

	if s.projects[projectID] == nil {
		s.projects[projectID] = make(map[string]memEntry)
	}
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.projects[projectID][key] = e
	s.usage[projectID] += delta
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, projectID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.projects[projectID][key]; ok {
		s.dropLocked(projectID, key, e)
	}
	return nil
}

func (s *MemoryStore) Usage(_ context.Context, projectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[projectID], nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) dropLocked(projectID, key string, e memEntry) {
	delete(s.projects[projectID], key)
	s.usage[projectID] -= int64(len(e.value))
}

func (s *MemoryStore) quota(projectID string) int64 {
	if s.QuotaFor == nil {
		return 0
	}
	return s.QuotaFor(projectID)
}
