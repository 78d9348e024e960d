package connector

import (
	"sync"
	"time"
)

// riskTTL is how long a permission failure suppresses proactive sends to the
// same target.
const riskTTL = 7 * 24 * time.Hour

// RiskEntry records why a target was flagged.
type RiskEntry struct {
	Level      string
	Reason     string
	RecordedAt time.Time
}

// RiskStore tracks per (account, target) delivery risk after permission-class
// send failures, so known-bad targets are skipped without a network call.
type RiskStore struct {
	mu      sync.Mutex
	entries map[string]RiskEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewRiskStore creates a store with the default 7-day TTL.
func NewRiskStore() *RiskStore {
	return &RiskStore{
		entries: map[string]RiskEntry{},
		ttl:     riskTTL,
		now:     time.Now,
	}
}

func riskKey(accountID, targetID string) string {
	return accountID + ":" + targetID
}

// Flag records a high-risk entry for the target.
func (s *RiskStore) Flag(accountID, targetID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[riskKey(accountID, targetID)] = RiskEntry{
		Level:      "high",
		Reason:     reason,
		RecordedAt: s.now(),
	}
}

// Clear removes any risk entry for the target, typically after a successful
// send.
func (s *RiskStore) Clear(accountID, targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, riskKey(accountID, targetID))
}

// IsHighRisk reports whether the target has an unexpired high-risk entry.
// Expired entries are removed on read.
func (s *RiskStore) IsHighRisk(accountID, targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := riskKey(accountID, targetID)
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	if s.now().Sub(entry.RecordedAt) >= s.ttl {
		delete(s.entries, key)
		return false
	}
	return true
}

// Sweep drops all expired entries; wired to a periodic job.
func (s *RiskStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	now := s.now()
	for key, entry := range s.entries {
		if now.Sub(entry.RecordedAt) >= s.ttl {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}
