package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used when Postgres is not configured.
// Everything is lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	byKey    map[string]*Session
	byID     map[string]*Session
	messages map[string][]MessageRecord
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:    make(map[string]*Session),
		byID:     make(map[string]*Session),
		messages: make(map[string][]MessageRecord),
		now:      time.Now,
	}
}

func sessionKey(accountID, targetID string) string {
	return accountID + "#" + targetID
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, accountID, targetID string, isGroup bool) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(accountID, targetID)
	if sess, ok := s.byKey[key]; ok {
		return *sess, false, nil
	}
	now := s.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		AccountID: accountID,
		TargetID:  targetID,
		IsGroup:   isGroup,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byKey[key] = sess
	s.byID[sess.ID] = sess
	return *sess, true, nil
}

func (s *MemoryStore) RecordMessage(ctx context.Context, sessionID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	now := s.now().UTC()
	s.messages[sessionID] = append(s.messages[sessionID], MessageRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	})
	sess.UpdatedAt = now
	return nil
}

func (s *MemoryStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sess.Title = title
	sess.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) UpdateToken(ctx context.Context, sessionID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sess.Token = token
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.messages[sessionID]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]MessageRecord, len(records))
	copy(out, records)
	return out, nil
}

func (s *MemoryStore) CountUserMessages(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.messages[sessionID] {
		if rec.Role == "user" {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() {}
