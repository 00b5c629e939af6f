// Package feedback records a user's one-time rating of a chat.
package feedback

import (
	"context"
	"log/slog"
	"time"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/hermes"
)

const (
	MinRating = 1
	MaxRating = 5
)

// Input identifies the chat to rate. ChatID wins over ConversationID; with
// neither, the caller's most recent chat is rated.
type Input struct {
	UserID         int64
	Rating         int
	ChatID         *int64
	ConversationID string
}

type Publisher interface {
	Emit(subject string, data any)
}

type Enforcer struct {
	store  chat.Store
	events Publisher
	logger *slog.Logger
	now    func() time.Time
}

func New(store chat.Store, events Publisher, logger *slog.Logger) *Enforcer {
	return &Enforcer{store: store, events: events, logger: logger, now: time.Now}
}

// Submit stores the rating. A chat accepts feedback once; concurrent
// submissions race on the store's conditional write and all but one get
// chat.ErrAlreadySubmitted.
func (e *Enforcer) Submit(ctx context.Context, in Input) (*chat.Record, error) {
	if in.UserID <= 0 {
		return nil, chat.ErrUnauthorized
	}
	if in.Rating < MinRating || in.Rating > MaxRating {
		return nil, chat.ErrInvalidRating
	}

	target, err := e.resolve(ctx, in)
	if err != nil {
		return nil, err
	}
	if target.UserID != in.UserID {
		return nil, chat.ErrForbidden
	}
	if target.Feedback != nil {
		return nil, chat.ErrAlreadySubmitted
	}

	rec, err := e.store.SetFeedback(ctx, target.ID, in.Rating)
	if err != nil {
		return nil, err
	}

	e.logger.Info("feedback recorded", "chat_id", rec.ID, "user_id", in.UserID, "rating", in.Rating)
	if e.events != nil {
		e.events.Emit(hermes.SubjectFeedbackSubmitted, hermes.FeedbackSubmitted{
			ChatID:    rec.ID,
			UserID:    in.UserID,
			Rating:    in.Rating,
			Timestamp: e.now().UTC(),
		})
	}
	return rec, nil
}

func (e *Enforcer) resolve(ctx context.Context, in Input) (*chat.Record, error) {
	switch {
	case in.ChatID != nil:
		return e.store.GetChat(ctx, *in.ChatID)
	case in.ConversationID != "":
		// Scoped to the caller: another user's conversation is reported missing.
		rec, err := e.store.FindByConversation(ctx, in.ConversationID)
		if err != nil {
			return nil, err
		}
		if rec.UserID != in.UserID {
			return nil, chat.ErrNotFound
		}
		return rec, nil
	default:
		return e.store.LatestChat(ctx, in.UserID)
	}
}
