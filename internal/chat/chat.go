package chat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrQuotaExceeded    = errors.New("daily question limit reached")
	ErrForbidden        = errors.New("forbidden")
	ErrAlreadySubmitted = errors.New("feedback already submitted for this chat")
	ErrNotFound         = errors.New("chat not found")
	ErrInvalidRating    = errors.New("rating must be an integer 1-5")
	ErrInvalidInput     = errors.New("invalid input")
)

// Category is the topic a question is filed under.
type Category string

const (
	CategoryCapstone     Category = "Capstone"
	CategoryKP           Category = "KP"
	CategoryMBKM         Category = "MBKM"
	CategoryRegistrasiMK Category = "Registrasi MK"
)

var categories = []Category{CategoryCapstone, CategoryKP, CategoryMBKM, CategoryRegistrasiMK}

// Categories returns the fixed set of accepted categories.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory returns the category matching s exactly.
func ParseCategory(s string) (Category, bool) {
	for _, c := range categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Record is the local row mirroring one conversation's latest turn and its
// ownership metadata. ConversationID and Feedback are nil when unset.
type Record struct {
	ID             int64     `json:"chat_id"`
	UserID         int64     `json:"user_id"`
	Category       Category  `json:"category"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	CreatedAt      time.Time `json:"created_at"`
	ConversationID *string   `json:"conversation_id"`
	Feedback       *int      `json:"feedback"`
}

// Turn is the data written by a completed exchange.
type Turn struct {
	UserID         int64
	ConversationID string
	Category       Category
	Question       string
	Answer         string
}

// Store is the minimum persistence surface the conversation layer needs.
type Store interface {
	GetChat(ctx context.Context, id int64) (*Record, error)
	// FindByConversation returns the record linked to conversationID for any user.
	FindByConversation(ctx context.Context, conversationID string) (*Record, error)
	LatestChat(ctx context.Context, userID int64) (*Record, error)
	ListChats(ctx context.Context, userID int64) ([]Record, error)
	CountChatsSince(ctx context.Context, userID int64, since time.Time) (int, error)

	// EnsureConversation creates an empty record for (userID, conversationID)
	// or returns the existing one. ErrForbidden if another user owns it.
	EnsureConversation(ctx context.Context, userID int64, conversationID string) (*Record, error)
	// UpsertTurn updates the record for (UserID, ConversationID) in place or
	// creates it. ErrForbidden if another user owns the conversation.
	UpsertTurn(ctx context.Context, t Turn) (*Record, error)
	// SetFeedback writes rating only while feedback is still null.
	// ErrAlreadySubmitted if it was set, ErrNotFound if the row is missing.
	SetFeedback(ctx context.Context, id int64, rating int) (*Record, error)
}
