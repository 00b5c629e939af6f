// Package session keeps the local chat records and the remote conversation
// service in step: it opens conversations, gates turns on the daily quota,
// forwards them, and mirrors each answer into the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/hermes"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/quota"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/rag"
)

// Remote is the part of the conversation service the reconciler drives.
type Remote interface {
	CreateConversation(ctx context.Context) (*rag.CreatedConversation, error)
	SendTurn(ctx context.Context, conversationID, content, category string) (*rag.TurnReply, error)
	FetchHistory(ctx context.Context, conversationID string) (*rag.History, error)
}

// Publisher receives best-effort domain events.
type Publisher interface {
	Emit(subject string, data any)
}

type Reconciler struct {
	store  chat.Store
	remote Remote
	quota  *quota.Enforcer
	events Publisher
	logger *slog.Logger
	now    func() time.Time
}

func New(store chat.Store, remote Remote, q *quota.Enforcer, events Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		remote: remote,
		quota:  q,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// TurnInput is one user message as received from the client.
type TurnInput struct {
	UserID         int64
	Question       string
	Category       string
	ConversationID string
}

// PreparedTurn has passed validation, ownership and quota checks and is bound
// to a remote conversation.
type PreparedTurn struct {
	UserID         int64
	ConversationID string
	Category       chat.Category
	Question       string
	// Created is true when the conversation was allocated for this turn.
	Created bool
}

// Result is the answer to a completed turn. ChatID is nil when the mirror
// write failed.
type Result struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	ChatID         *int64 `json:"chat_id,omitempty"`
}

// Opened is the outcome of Open. Record is nil when the conversation exists
// remotely but could not be recorded locally; the first turn creates it.
type Opened struct {
	ConversationID string       `json:"conversation_id"`
	Record         *chat.Record `json:"chat,omitempty"`
}

// Open eagerly allocates a remote conversation and its placeholder record.
// A retried open that yields an already recorded conversation reuses it.
func (r *Reconciler) Open(ctx context.Context, userID int64) (*Opened, error) {
	if userID <= 0 {
		return nil, chat.ErrUnauthorized
	}
	if err := r.quota.Check(ctx, userID); err != nil {
		return nil, err
	}

	created, err := r.remote.CreateConversation(ctx)
	if err != nil {
		return nil, err
	}

	out := &Opened{ConversationID: created.ConversationID}
	rec, err := r.store.EnsureConversation(ctx, userID, created.ConversationID)
	switch {
	case errors.Is(err, chat.ErrForbidden):
		return nil, err
	case err != nil:
		r.logger.Error("failed to record opened conversation",
			"user_id", userID, "conversation_id", created.ConversationID, "error", err)
	default:
		out.Record = rec
	}
	return out, nil
}

// Prepare validates a turn and binds it to a conversation. Every check that can
// reject the turn runs before any remote call.
func (r *Reconciler) Prepare(ctx context.Context, in TurnInput) (*PreparedTurn, error) {
	if in.UserID <= 0 {
		return nil, chat.ErrUnauthorized
	}
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", chat.ErrInvalidInput)
	}
	category, ok := chat.ParseCategory(in.Category)
	if !ok {
		return nil, fmt.Errorf("%w: unknown category %q", chat.ErrInvalidInput, in.Category)
	}

	p := &PreparedTurn{
		UserID:         in.UserID,
		ConversationID: strings.TrimSpace(in.ConversationID),
		Category:       category,
		Question:       question,
	}

	charged := false
	if p.ConversationID != "" {
		rec, err := r.store.FindByConversation(ctx, p.ConversationID)
		switch {
		case errors.Is(err, chat.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("look up conversation: %w", err)
		case rec.UserID != in.UserID:
			return nil, chat.ErrForbidden
		default:
			// A placeholder opened today already holds one of today's slots.
			charged = rec.Question == "" && rec.Answer == "" && r.quota.CountsToday(rec.CreatedAt)
		}
	}

	if !charged {
		if err := r.quota.Check(ctx, in.UserID); err != nil {
			return nil, err
		}
	}

	if p.ConversationID == "" {
		created, err := r.remote.CreateConversation(ctx)
		if err != nil {
			return nil, err
		}
		p.ConversationID = created.ConversationID
		p.Created = true
	}
	return p, nil
}

// Send forwards a prepared turn and mirrors the answer locally. The mirror
// write outlives ctx once the remote turn has completed.
func (r *Reconciler) Send(ctx context.Context, p *PreparedTurn) (*Result, error) {
	reply, err := r.remote.SendTurn(ctx, p.ConversationID, p.Question, string(p.Category))
	if err != nil {
		return nil, err
	}

	res := &Result{Answer: reply.Response, ConversationID: p.ConversationID}
	if rec := r.Record(context.WithoutCancel(ctx), p, reply.Response); rec != nil {
		id := rec.ID
		res.ChatID = &id
	}
	return res, nil
}

// Turn runs one complete non-streaming exchange.
func (r *Reconciler) Turn(ctx context.Context, in TurnInput) (*Result, error) {
	p, err := r.Prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	return r.Send(ctx, p)
}

// Record writes answer into the turn's record, updating in place when it
// exists. Failures are logged and reported as a nil record; they never fail
// the exchange.
func (r *Reconciler) Record(ctx context.Context, p *PreparedTurn, answer string) *chat.Record {
	rec, err := r.store.UpsertTurn(ctx, chat.Turn{
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		Category:       p.Category,
		Question:       p.Question,
		Answer:         answer,
	})
	if err != nil {
		r.logger.Error("failed to mirror turn",
			"user_id", p.UserID, "conversation_id", p.ConversationID, "error", err)
		return nil
	}

	if r.events != nil {
		r.events.Emit(hermes.SubjectTurnCompleted, hermes.TurnCompleted{
			ChatID:         rec.ID,
			UserID:         rec.UserID,
			ConversationID: p.ConversationID,
			Category:       string(p.Category),
			Timestamp:      r.now().UTC(),
		})
	}
	return rec
}

// History returns the remote transcript of a conversation the caller owns.
func (r *Reconciler) History(ctx context.Context, userID int64, conversationID string) (*rag.History, error) {
	if userID <= 0 {
		return nil, chat.ErrUnauthorized
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", chat.ErrInvalidInput)
	}

	rec, err := r.store.FindByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, chat.ErrForbidden
	}
	return r.remote.FetchHistory(ctx, conversationID)
}

// Chats returns the caller's records, newest first.
func (r *Reconciler) Chats(ctx context.Context, userID int64) ([]chat.Record, error) {
	if userID <= 0 {
		return nil, chat.ErrUnauthorized
	}
	return r.store.ListChats(ctx, userID)
}
