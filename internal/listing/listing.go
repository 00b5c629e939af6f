// Package listing builds a user's conversation index from the remote
// service's conversation list and the local chat records.
package listing

import (
	"context"
	"log/slog"
	"time"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/rag"
)

type Entry struct {
	ConversationID *string       `json:"conversation_id"`
	CreatedAt      string        `json:"created_at"`
	LastActivity   string        `json:"last_activity"`
	Title          string        `json:"title"`
	ChatID         int64         `json:"chat_id"`
	Category       chat.Category `json:"category"`
}

// Merge joins remote conversations to local records by conversation id.
// Remote conversations with no local record are dropped, so one user never
// sees another's. Local records without a conversation id follow as
// local-only entries.
func Merge(local []chat.Record, remote []rag.Conversation) []Entry {
	byConv := make(map[string]chat.Record, len(local))
	for _, r := range local {
		if r.ConversationID != nil {
			byConv[*r.ConversationID] = r
		}
	}

	out := make([]Entry, 0, len(local))
	for _, c := range remote {
		r, ok := byConv[c.ConversationID]
		if !ok {
			continue
		}
		id := c.ConversationID
		out = append(out, Entry{
			ConversationID: &id,
			CreatedAt:      c.CreatedAt,
			LastActivity:   c.LastActivity,
			Title:          r.Question,
			ChatID:         r.ID,
			Category:       r.Category,
		})
	}

	for _, r := range local {
		if r.ConversationID != nil {
			continue
		}
		created := r.CreatedAt.UTC().Format(time.RFC3339Nano)
		out = append(out, Entry{
			CreatedAt:    created,
			LastActivity: created,
			Title:        r.Question,
			ChatID:       r.ID,
			Category:     r.Category,
		})
	}
	return out
}

type RecordLister interface {
	ListChats(ctx context.Context, userID int64) ([]chat.Record, error)
}

type ConversationLister interface {
	ListConversations(ctx context.Context) ([]rag.Conversation, error)
}

type Service struct {
	store  RecordLister
	remote ConversationLister
	logger *slog.Logger
}

func NewService(store RecordLister, remote ConversationLister, logger *slog.Logger) *Service {
	return &Service{store: store, remote: remote, logger: logger}
}

// Result is a merged listing. Partial is set when the remote list was
// unavailable and only local-only entries are present.
type Result struct {
	Conversations []Entry `json:"conversations"`
	Partial       bool    `json:"partial,omitempty"`
}

func (s *Service) List(ctx context.Context, userID int64) (*Result, error) {
	if userID <= 0 {
		return nil, chat.ErrUnauthorized
	}
	local, err := s.store.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}

	remote, err := s.remote.ListConversations(ctx)
	if err != nil {
		s.logger.Warn("remote conversation list unavailable, returning local entries", "user_id", userID, "error", err)
		return &Result{Conversations: Merge(local, nil), Partial: true}, nil
	}
	return &Result{Conversations: Merge(local, remote)}, nil
}
