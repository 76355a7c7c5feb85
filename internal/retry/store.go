// Package retry keeps per-job retry counters shared by the consumer's failure
// path and stuck-job recovery, so both agree on how often a job was requeued.
package retry

import (
	"context"
	"sync"
)

// Store counts requeues per job ID. Counters are reset when a job succeeds or
// is dead-lettered.
type Store interface {
	// Get returns the current count, 0 for unknown jobs.
	Get(ctx context.Context, jobID string) (int, error)
	// Incr adds one and returns the new count.
	Incr(ctx context.Context, jobID string) (int, error)
	// Seed raises the counter to at least n, used when a message carries a
	// count from another worker.
	Seed(ctx context.Context, jobID string, n int) error
	Reset(ctx context.Context, jobID string) error
	Close() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int)}
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[jobID], nil
}

func (s *MemoryStore) Incr(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[jobID]++
	return s.counts[jobID], nil
}

func (s *MemoryStore) Seed(_ context.Context, jobID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.counts[jobID] {
		s.counts[jobID] = n
	}
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, jobID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
