package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/auth"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/session"
)

type turnRequest struct {
	Question       string `json:"question"`
	Category       string `json:"category"`
	ConversationID string `json:"conversation_id"`
}

func (req turnRequest) input(userID int64) session.TurnInput {
	return session.TurnInput{
		UserID:         userID,
		Question:       req.Question,
		Category:       req.Category,
		ConversationID: req.ConversationID,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", chat.ErrInvalidInput, err)
	}
	return nil
}

// startChat handles POST /api/chat/start
func (s *Server) startChat(w http.ResponseWriter, r *http.Request) {
	opened, err := s.deps.Sessions.Open(r.Context(), auth.UserIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opened)
}

// postChat handles POST /api/chat
func (s *Server) postChat(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.Sessions.Turn(r.Context(), req.input(auth.UserIDFrom(r.Context())))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// listChats handles GET /api/chat
func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.deps.Sessions.Chats(r.Context(), auth.UserIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// chatHistory handles POST /api/chat/history
func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	history, err := s.deps.Sessions.History(r.Context(), auth.UserIDFrom(r.Context()), req.ConversationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// conversationList handles GET /api/chat/list
func (s *Server) conversationList(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Listing.List(r.Context(), auth.UserIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
