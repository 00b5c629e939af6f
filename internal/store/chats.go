package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
)

const chatColumns = `id, user_id, category, question, answer, created_at, conversation_id, feedback`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*chat.Record, error) {
	var (
		r        chat.Record
		category string
		feedback *int16
	)
	if err := row.Scan(&r.ID, &r.UserID, &category, &r.Question, &r.Answer, &r.CreatedAt, &r.ConversationID, &feedback); err != nil {
		return nil, err
	}
	r.Category = chat.Category(category)
	if feedback != nil {
		v := int(*feedback)
		r.Feedback = &v
	}
	return &r, nil
}

func (s *Store) GetChat(ctx context.Context, id int64) (*chat.Record, error) {
	r, err := scanChat(s.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return r, nil
}

func (s *Store) FindByConversation(ctx context.Context, conversationID string) (*chat.Record, error) {
	r, err := scanChat(s.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE conversation_id = $1`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find chat by conversation: %w", err)
	}
	return r, nil
}

func (s *Store) LatestChat(ctx context.Context, userID int64) (*chat.Record, error) {
	r, err := scanChat(s.pool.QueryRow(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest chat: %w", err)
	}
	return r, nil
}

func (s *Store) ListChats(ctx context.Context, userID int64) ([]chat.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Record, 0)
	for rows.Next() {
		r, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return out, nil
}

func (s *Store) CountChatsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM chats WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chats: %w", err)
	}
	return n, nil
}

func (s *Store) EnsureConversation(ctx context.Context, userID int64, conversationID string) (*chat.Record, error) {
	r, err := scanChat(s.pool.QueryRow(ctx, `
		INSERT INTO chats (user_id, conversation_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id) DO NOTHING
		RETURNING `+chatColumns, userID, conversationID))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	existing, err := s.FindByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		return nil, chat.ErrForbidden
	}
	return existing, nil
}

func (s *Store) UpsertTurn(ctx context.Context, t chat.Turn) (*chat.Record, error) {
	// The WHERE on the update arm leaves another user's row untouched and
	// returns nothing.
	r, err := scanChat(s.pool.QueryRow(ctx, `
		INSERT INTO chats (user_id, category, question, answer, conversation_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id) DO UPDATE
		SET category = EXCLUDED.category, question = EXCLUDED.question, answer = EXCLUDED.answer
		WHERE chats.user_id = EXCLUDED.user_id
		RETURNING `+chatColumns,
		t.UserID, string(t.Category), t.Question, t.Answer, t.ConversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("upsert turn: %w", err)
	}
	return r, nil
}

func (s *Store) SetFeedback(ctx context.Context, id int64, rating int) (*chat.Record, error) {
	r, err := scanChat(s.pool.QueryRow(ctx, `
		UPDATE chats SET feedback = $1
		WHERE id = $2 AND feedback IS NULL
		RETURNING `+chatColumns, int16(rating), id))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("set feedback: %w", err)
	}

	if _, err := s.GetChat(ctx, id); err != nil {
		return nil, err
	}
	return nil, chat.ErrAlreadySubmitted
}
