package connector

import (
	"sync"
	"time"
)

const (
	// dedupTTL is how long a processed message id keeps rejecting redelivery.
	dedupTTL = 5 * time.Minute
	// dedupEvictThreshold triggers an opportunistic sweep of expired entries.
	dedupEvictThreshold = 4096
)

// DedupStore is the process-wide record of processed message ids plus an
// in-flight guard. Both live here so deduplication covers a fast stop/restart
// of the same account.
type DedupStore struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	inflight map[string]struct{}
	ttl      time.Duration
	maxSize  int
	now      func() time.Time
}

// NewDedupStore creates a store with the default TTL and eviction threshold.
func NewDedupStore() *DedupStore {
	return &DedupStore{
		seen:     map[string]time.Time{},
		inflight: map[string]struct{}{},
		ttl:      dedupTTL,
		maxSize:  dedupEvictThreshold,
		now:      time.Now,
	}
}

// ShouldProcess reports whether the key is new work. A key already processed
// within the TTL, or currently in flight, returns false. Otherwise the key is
// marked processed and in flight, and true is returned.
func (s *DedupStore) ShouldProcess(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if seenAt, ok := s.seen[key]; ok && now.Sub(seenAt) < s.ttl {
		return false
	}
	if _, ok := s.inflight[key]; ok {
		return false
	}
	if len(s.seen) >= s.maxSize {
		s.evictExpiredLocked(now)
	}
	s.seen[key] = now
	s.inflight[key] = struct{}{}
	return true
}

// Release clears the in-flight marker once processing finishes. The TTL marker
// stays, so the same key is still rejected until the TTL elapses.
func (s *DedupStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

func (s *DedupStore) evictExpiredLocked(now time.Time) {
	for key, seenAt := range s.seen {
		if now.Sub(seenAt) >= s.ttl {
			delete(s.seen, key)
		}
	}
}

// Len returns the number of tracked TTL entries.
func (s *DedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
