package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/rag"
)

const (
	msgQuotaExceeded = "Anda telah mencapai batas pertanyaan harian."
	msgRemoteFailure = "Server RAG sedang bermasalah."
	msgInternal      = "Internal server error"
)

type errorBody struct {
	Error string `json:"error"`
	// Answer repeats the quota message so chat clients can show it inline.
	Answer string `json:"answer,omitempty"`
}

// statusFor maps a domain error to its HTTP status and client message.
func statusFor(err error) (int, errorBody) {
	var rse *rag.RemoteServiceError
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		return http.StatusUnauthorized, errorBody{Error: "Unauthorized"}
	case errors.Is(err, chat.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorBody{Error: msgQuotaExceeded, Answer: msgQuotaExceeded}
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: "Forbidden"}
	case errors.Is(err, chat.ErrAlreadySubmitted):
		return http.StatusConflict, errorBody{Error: chat.ErrAlreadySubmitted.Error()}
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: chat.ErrNotFound.Error()}
	case errors.Is(err, chat.ErrInvalidRating):
		return http.StatusBadRequest, errorBody{Error: chat.ErrInvalidRating.Error()}
	case errors.Is(err, chat.ErrInvalidInput):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	case errors.As(err, &rse):
		return http.StatusBadGateway, errorBody{Error: msgRemoteFailure}
	default:
		return http.StatusInternalServerError, errorBody{Error: msgInternal}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	reqID := middleware.GetReqID(r.Context())

	var rse *rag.RemoteServiceError
	switch {
	case errors.As(err, &rse):
		s.logger.Error("remote service call failed",
			"request_id", reqID, "op", rse.Op, "status", rse.StatusCode, "body", rse.Body, "error", rse.Err)
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed", "request_id", reqID, "path", r.URL.Path, "error", err)
	default:
		s.logger.Debug("request rejected", "request_id", reqID, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
