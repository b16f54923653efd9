package outcome

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftlab/replygate/internal/domain"
)

// MemoryStore is a mutex-guarded in-memory Store, used in tests and when the
// service runs without a database.
type MemoryStore struct {
	mu          sync.Mutex
	byMessage   map[string]*domain.Outcome
	byConvOrder map[string][]string // conversation id -> message ids, insertion order

	now func() time.Time
}

// NewMemoryStore creates an in-memory outcome store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byMessage:   make(map[string]*domain.Outcome),
		byConvOrder: make(map[string][]string),
		now:         time.Now,
	}
}

// SaveDraft implements Store.
func (s *MemoryStore) SaveDraft(_ context.Context, o *domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	for _, id := range s.byConvOrder[o.ConversationID] {
		prev := s.byMessage[id]
		if prev.Status == domain.OutcomeStatusDrafted {
			prev.Status = domain.OutcomeStatusSuperseded
			at := now
			prev.SupersededAt = &at
		}
	}

	stored := *o
	stored.Status = domain.OutcomeStatusDrafted
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	s.byMessage[stored.MessageID] = &stored
	s.byConvOrder[stored.ConversationID] = append(s.byConvOrder[stored.ConversationID], stored.MessageID)

	return nil
}

// GetByMessageID implements Store.
func (s *MemoryStore) GetByMessageID(_ context.Context, messageID string) (*domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byMessage[messageID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *o
	return &cp, nil
}

// MarkSent implements Store.
func (s *MemoryStore) MarkSent(_ context.Context, messageID, sentSubject, sentBody, sentTo string, sentAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byMessage[messageID]
	if !ok || o.Status != domain.OutcomeStatusDrafted {
		return false, nil
	}

	o.Status = domain.OutcomeStatusSent
	o.SentSubject = sentSubject
	o.SentBody = sentBody
	o.SentTo = sentTo
	at := sentAt
	o.SentAt = &at

	return true, nil
}

// ListByConversation implements Store.
func (s *MemoryStore) ListByConversation(_ context.Context, conversationID string) ([]domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byConvOrder[conversationID]
	out := make([]domain.Outcome, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.byMessage[id])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}
