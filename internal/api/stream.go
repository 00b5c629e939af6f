package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/auth"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/hermes"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/session"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/stream"
)

const (
	streamIDHeader  = "X-Stream-ID"
	msgThinking     = "Memproses pertanyaan..."
	msgStreamFailed = "Gagal mendapatkan jawaban, silakan coba lagi."
)

// streamChat handles POST /api/chat/stream. Validation, quota and ownership
// failures are plain JSON errors; once the event stream starts every failure
// is a terminal error event.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	userID := auth.UserIDFrom(r.Context())
	p, err := s.deps.Sessions.Prepare(r.Context(), req.input(userID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	streamID, ctx, release := s.deps.Streams.Register(r.Context(), userID)
	defer release()
	w.Header().Set(streamIDHeader, streamID)
	sse.Start()

	log := s.logger.With("stream_id", streamID, "user_id", userID, "conversation_id", p.ConversationID)
	if s.deps.Proxy {
		err = s.relay(ctx, sse, p)
	} else {
		err = s.synthesize(ctx, sse, p)
	}

	switch {
	case err == nil:
		log.Debug("stream completed")
	case errors.Is(err, context.Canceled):
		log.Info("stream cancelled")
	default:
		log.Warn("stream failed", "error", err)
	}
}

// synthesize fetches the whole answer, records it, then replays it as
// fragments. The record is written before the first fragment, so a cancelled
// stream still leaves it in place.
func (s *Server) synthesize(ctx context.Context, sse *stream.SSEWriter, p *session.PreparedTurn) error {
	if err := sse.Send(stream.Progress(stream.StageThinking, msgThinking)); err != nil {
		return err
	}

	res, err := s.deps.Sessions.Send(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sse.Send(stream.Failure(msgStreamFailed))
		return err
	}

	done := stream.Event{ConversationID: res.ConversationID, ChatID: res.ChatID}
	return s.deps.Synth.SynthesizeWith(ctx, res.Answer, sse, done)
}

// relay proxies the remote service's native stream and records the answer
// once it completes.
func (s *Server) relay(ctx context.Context, sse *stream.SSEWriter, p *session.PreparedTurn) error {
	body, err := s.deps.Streamer.StreamTurn(ctx, p.ConversationID, p.Question, string(p.Category))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sse.Send(stream.Failure(msgStreamFailed))
		return err
	}
	defer body.Close()

	full, err := stream.Relay(ctx, body, sse)
	if err != nil {
		return err
	}
	s.deps.Sessions.Record(context.WithoutCancel(ctx), p, full)
	return nil
}

// cancelStream handles DELETE /api/chat/stream/{streamID}
func (s *Server) cancelStream(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	userID := auth.UserIDFrom(r.Context())

	if s.deps.Streams.Cancel(streamID, userID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.deps.Broadcaster == nil {
		s.writeError(w, r, chat.ErrNotFound)
		return
	}

	// The stream may live on another replica.
	msg := hermes.StreamCancel{StreamID: streamID, UserID: userID}
	if err := s.deps.Broadcaster.Publish(hermes.SubjectStreamCancel, msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleStreamCancel is the NATS handler for obrolin.chat.stream.cancel.
func (s *Server) HandleStreamCancel(subject string, data []byte) {
	var msg hermes.StreamCancel
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Error("failed to parse stream cancel", "subject", subject, "error", err)
		return
	}
	if s.deps.Streams.Cancel(msg.StreamID, msg.UserID) {
		s.logger.Info("stream cancelled by broadcast", "stream_id", msg.StreamID, "user_id", msg.UserID)
	}
}
