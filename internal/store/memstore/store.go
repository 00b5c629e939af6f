// Package memstore is an in-process chat.Store for local development and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
)

type Store struct {
	mu      sync.Mutex
	records []*chat.Record
	nextID  int64
	now     func() time.Time
}

func New() *Store {
	return &Store{nextID: 1, now: time.Now}
}

// WithClock replaces the clock used for created_at.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Insert stores r as-is (assigning an id) and returns the stored copy. Tests
// use it to seed rows with explicit timestamps.
func (s *Store) Insert(r chat.Record) chat.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID
	s.nextID++
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	stored := r
	s.records = append(s.records, &stored)
	return clone(&stored)
}

func (s *Store) GetChat(_ context.Context, id int64) (*chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(id)
	if r == nil {
		return nil, chat.ErrNotFound
	}
	out := clone(r)
	return &out, nil
}

func (s *Store) FindByConversation(_ context.Context, conversationID string) (*chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byConversation(conversationID)
	if r == nil {
		return nil, chat.ErrNotFound
	}
	out := clone(r)
	return &out, nil
}

func (s *Store) LatestChat(_ context.Context, userID int64) (*chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *chat.Record
	for _, r := range s.records {
		if r.UserID != userID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) ||
			(r.CreatedAt.Equal(latest.CreatedAt) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, chat.ErrNotFound
	}
	out := clone(latest)
	return &out, nil
}

func (s *Store) ListChats(_ context.Context, userID int64) ([]chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Record, 0)
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, clone(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CountChatsSince(_ context.Context, userID int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) EnsureConversation(_ context.Context, userID int64, conversationID string) (*chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.byConversation(conversationID); r != nil {
		if r.UserID != userID {
			return nil, chat.ErrForbidden
		}
		out := clone(r)
		return &out, nil
	}
	cid := conversationID
	r := &chat.Record{
		ID:             s.nextID,
		UserID:         userID,
		CreatedAt:      s.now(),
		ConversationID: &cid,
	}
	s.nextID++
	s.records = append(s.records, r)
	out := clone(r)
	return &out, nil
}

func (s *Store) UpsertTurn(_ context.Context, t chat.Turn) (*chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.byConversation(t.ConversationID); r != nil {
		if r.UserID != t.UserID {
			return nil, chat.ErrForbidden
		}
		r.Category = t.Category
		r.Question = t.Question
		r.Answer = t.Answer
		out := clone(r)
		return &out, nil
	}
	cid := t.ConversationID
	r := &chat.Record{
		ID:             s.nextID,
		UserID:         t.UserID,
		Category:       t.Category,
		Question:       t.Question,
		Answer:         t.Answer,
		CreatedAt:      s.now(),
		ConversationID: &cid,
	}
	s.nextID++
	s.records = append(s.records, r)
	out := clone(r)
	return &out, nil
}

func (s *Store) SetFeedback(_ context.Context, id int64, rating int) (*chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byID(id)
	if r == nil {
		return nil, chat.ErrNotFound
	}
	if r.Feedback != nil {
		return nil, chat.ErrAlreadySubmitted
	}
	v := rating
	r.Feedback = &v
	out := clone(r)
	return &out, nil
}

func (s *Store) byID(id int64) *chat.Record {
	for _, r := range s.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *Store) byConversation(conversationID string) *chat.Record {
	for _, r := range s.records {
		if r.ConversationID != nil && *r.ConversationID == conversationID {
			return r
		}
	}
	return nil
}

func clone(r *chat.Record) chat.Record {
	out := *r
	if r.ConversationID != nil {
		v := *r.ConversationID
		out.ConversationID = &v
	}
	if r.Feedback != nil {
		v := *r.Feedback
		out.Feedback = &v
	}
	return out
}
