package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/auth"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/feedback"
)

// looseInt decodes a JSON number or a numeric string. Present is false for
// null or an absent field.
type looseInt struct {
	Value   int64
	Present bool
	Valid   bool
}

func (n *looseInt) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	n.Present = true
	s := string(bytes.Trim(b, `"`))
	if s == "" {
		n.Present = false
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Fractional or non-numeric values are reported as invalid, not as a
		// decode failure.
		return nil
	}
	n.Value = v
	n.Valid = true
	return nil
}

type feedbackRequest struct {
	Rating         looseInt `json:"rating"`
	ChatID         looseInt `json:"chat_id"`
	ChatIDCamel    looseInt `json:"chatId"`
	ConversationID string   `json:"conversation_id"`
}

// submitFeedback handles POST /api/feedback
func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Rating.Valid {
		s.writeError(w, r, chat.ErrInvalidRating)
		return
	}

	in := feedback.Input{
		UserID:         auth.UserIDFrom(r.Context()),
		Rating:         int(req.Rating.Value),
		ConversationID: req.ConversationID,
	}
	chatID := req.ChatID
	if !chatID.Present {
		chatID = req.ChatIDCamel
	}
	if chatID.Present {
		if !chatID.Valid {
			s.writeError(w, r, chat.ErrNotFound)
			return
		}
		id := chatID.Value
		in.ChatID = &id
	}

	rec, err := s.deps.Feedback.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chat": rec})
}
