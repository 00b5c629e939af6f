package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/auth"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/feedback"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/listing"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/session"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/stream"
)

// Streamer opens the remote service's native event stream.
type Streamer interface {
	StreamTurn(ctx context.Context, conversationID, content, category string) (io.ReadCloser, error)
}

// Broadcaster fans a message out to every replica.
type Broadcaster interface {
	Publish(subject string, data any) error
}

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type Deps struct {
	Sessions *session.Reconciler
	Listing  *listing.Service
	Feedback *feedback.Enforcer
	Verifier *auth.Verifier
	Streams  *stream.Registry
	Synth    stream.Synthesizer
	// Streamer is used when Proxy is set; otherwise answers are synthesized.
	Streamer Streamer
	Proxy    bool
	// Broadcaster is optional; without it cancellation is local only.
	Broadcaster Broadcaster
	Checks      []Check
	Logger      *slog.Logger
}

type Server struct {
	router *chi.Mux
	port   int
	deps   Deps
	logger *slog.Logger
}

func NewServer(port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Streams == nil {
		deps.Streams = stream.NewRegistry()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		deps:   deps,
		logger: deps.Logger,
	}

	router.Get("/health", s.health)
	router.Get("/ready", s.ready)

	router.Route("/api", func(r chi.Router) {
		r.Use(deps.Verifier.Middleware)

		r.Post("/chat/start", s.startChat)
		r.Post("/chat", s.postChat)
		r.Get("/chat", s.listChats)
		r.Post("/chat/stream", s.streamChat)
		r.Delete("/chat/stream/{streamID}", s.cancelStream)
		r.Post("/chat/history", s.chatHistory)
		r.Get("/chat/list", s.conversationList)
		r.Post("/feedback", s.submitFeedback)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer returns an http.Server for the router. WriteTimeout stays unset
// so long answer streams are not cut off.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.deps.Checks))
	for _, c := range s.deps.Checks {
		if err := c.Probe(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", c.Name, "error", err)
			results[c.Name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[c.Name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
