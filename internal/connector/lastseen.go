package connector

import (
	"sort"
	"sync"
	"time"
)

// LastSeenTarget is one conversation the account has received a message from.
type LastSeenTarget struct {
	ID      string
	IsGroup bool
	SeenAt  time.Time
}

// LastSeenStore records, per account, every conversation that has messaged the
// robot. It is the default proactive audience when no explicit target or owner
// id is configured. Entries are only ever refreshed, never expired.
type LastSeenStore struct {
	mu      sync.Mutex
	targets map[string]map[string]LastSeenTarget
	now     func() time.Time
}

// NewLastSeenStore creates an empty store.
func NewLastSeenStore() *LastSeenStore {
	return &LastSeenStore{
		targets: map[string]map[string]LastSeenTarget{},
		now:     time.Now,
	}
}

// Touch records that the target messaged the account just now.
func (s *LastSeenStore) Touch(accountID, targetID string, isGroup bool) {
	if accountID == "" || targetID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.targets[accountID] == nil {
		s.targets[accountID] = map[string]LastSeenTarget{}
	}
	s.targets[accountID][targetID] = LastSeenTarget{
		ID:      targetID,
		IsGroup: isGroup,
		SeenAt:  s.now(),
	}
}

// List returns the account's known targets, most recently seen first.
func (s *LastSeenStore) List(accountID string) []LastSeenTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := s.targets[accountID]
	items := make([]LastSeenTarget, 0, len(group))
	for _, target := range group {
		items = append(items, target)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].SeenAt.After(items[j].SeenAt)
	})
	return items
}
