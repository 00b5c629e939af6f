package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/auth"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/feedback"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/hermes"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/listing"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/quota"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/rag"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/session"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/store/memstore"
	"github.com/NafizharRayhansyah23/obrolin-web/internal/stream"
)

// fakeRAG is an httptest stand-in for the conversation service.
type fakeRAG struct {
	calls     atomic.Int64
	nextConv  atomic.Int64
	failChat  bool
	streamRaw string
}

func (f *fakeRAG) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations/create/", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		n := f.nextConv.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"conversation_id": fmt.Sprintf("conv-%d", n)})
	})
	mux.HandleFunc("/conversations/chat/", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if f.failChat {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("model crashed"))
			return
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]string{
			"response":        strings.Repeat("jawaban ", 20) + req["content"],
			"conversation_id": req["conversation_id"],
		})
	})
	mux.HandleFunc("/conversations/chat-stream/", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(f.streamRaw))
	})
	mux.HandleFunc("/conversations/history/", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		w.Write([]byte(`{"conversation_id":"x","messages":[{"type":"user","content":"q","timestamp":"t"},{"type":"ai","content":"a","timestamp":"t"}]}`))
	})
	mux.HandleFunc("/conversations/list/", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		w.Write([]byte(`{"conversations":[{"conversation_id":"conv-1","created_at":"c","last_activity":"l"},{"conversation_id":"stranger","created_at":"c","last_activity":"l"}]}`))
	})
	mux.HandleFunc("/health/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	})
	return mux
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	subjects []string
}

func (b *fakeBroadcaster) Publish(subject string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	return nil
}

const testSecret = "test-secret"

type testEnv struct {
	srv   *Server
	store *memstore.Store
	rag   *fakeRAG
}

func bearer(t *testing.T, userID int64) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + token
}

func newTestEnv(t *testing.T, proxy bool, bc Broadcaster) *testEnv {
	t.Helper()
	f := &fakeRAG{}
	ragServer := httptest.NewServer(f.handler())
	t.Cleanup(ragServer.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memstore.New()
	client := rag.NewClient(ragServer.URL, 5*time.Second)
	verifier := auth.NewVerifier(testSecret, "", "")
	q := quota.New(st, time.Local)

	srv := NewServer(8080, Deps{
		Sessions:    session.New(st, client, q, nil, logger),
		Listing:     listing.NewService(st, client, logger),
		Feedback:    feedback.New(st, nil, logger),
		Verifier:    verifier,
		Streams:     stream.NewRegistry(),
		Synth:       stream.Synthesizer{ChunkSize: 16},
		Streamer:    client,
		Proxy:       proxy,
		Broadcaster: bc,
		Checks:      []Check{{Name: "rag", Probe: client.Health}},
		Logger:      logger,
	})
	return &testEnv{srv: srv, store: st, rag: f}
}

func (e *testEnv) do(t *testing.T, userID int64, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if userID > 0 {
		req.Header.Set("Authorization", bearer(t, userID))
	}
	w := httptest.NewRecorder()
	e.srv.router.ServeHTTP(w, req)
	return w
}

func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &evt); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		out = append(out, evt)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := env.do(t, 0, "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := env.do(t, 0, "GET", "/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	env.srv.deps.Checks = append(env.srv.deps.Checks, Check{Name: "store", Probe: func(context.Context) error {
		return errors.New("down")
	}})
	w = env.do(t, 0, "GET", "/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := env.do(t, 0, "GET", "/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestChat_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := env.do(t, 0, "POST", "/api/chat", turnRequest{Question: "q", Category: "KP"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if env.rag.calls.Load() != 0 {
		t.Error("no remote call may happen before authentication")
	}
}

func TestChat_TurnAndRecord(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := env.do(t, 1, "POST", "/api/chat", turnRequest{Question: "Apa itu KP?", Category: "KP"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res session.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.ConversationID != "conv-1" || !strings.HasSuffix(res.Answer, "Apa itu KP?") {
		t.Errorf("unexpected result %+v", res)
	}

	w = env.do(t, 1, "GET", "/api/chat", nil)
	var chats []chat.Record
	json.NewDecoder(w.Body).Decode(&chats)
	if len(chats) != 1 || chats[0].Question != "Apa itu KP?" {
		t.Errorf("expected recorded chat, got %+v", chats)
	}
}

func TestChat_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t, false, nil)
	for i := 0; i < quota.DailyLimit; i++ {
		env.store.Insert(chat.Record{UserID: 1, Question: "q"})
	}

	w := env.do(t, 1, "POST", "/api/chat", turnRequest{Question: "one more", Category: "KP"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var body errorBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Answer == "" {
		t.Error("expected user-facing quota message")
	}
	if env.rag.calls.Load() != 0 {
		t.Errorf("expected no remote calls, got %d", env.rag.calls.Load())
	}
}

func TestChat_RemoteFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.rag.failChat = true

	w := env.do(t, 1, "POST", "/api/chat", turnRequest{Question: "q", Category: "KP"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "model crashed") {
		t.Error("remote body must not leak to the client")
	}
}

func TestChat_InvalidInput(t *testing.T) {
	env := newTestEnv(t, false, nil)
	for _, req := range []turnRequest{{Category: "KP"}, {Question: "q"}, {Question: "q", Category: "Sports"}} {
		w := env.do(t, 1, "POST", "/api/chat", req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%+v: expected 400, got %d", req, w.Code)
		}
	}
}

func TestStartChat(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := env.do(t, 1, "POST", "/api/chat/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var opened session.Opened
	json.NewDecoder(w.Body).Decode(&opened)
	if opened.ConversationID != "conv-1" || opened.Record == nil {
		t.Errorf("unexpected open result %+v", opened)
	}
}

func TestStream_Synthesized(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := env.do(t, 1, "POST", "/api/chat/stream", turnRequest{Question: "halo", Category: "MBKM"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get(streamIDHeader) == "" {
		t.Error("expected stream id header")
	}

	events := sseEvents(t, w.Body.String())
	if events[0]["stage"] != "thinking" {
		t.Errorf("expected thinking first, got %v", events[0])
	}
	var streamed strings.Builder
	for _, e := range events[1 : len(events)-1] {
		if e["stage"] != "streaming" {
			t.Fatalf("unexpected stage %v", e["stage"])
		}
		streamed.WriteString(e["content"].(string))
	}
	last := events[len(events)-1]
	if last["stage"] != "complete" || last["full_content"] != streamed.String() {
		t.Errorf("complete event does not match fragments: %v", last)
	}
	if last["conversation_id"] != "conv-1" || last["chat_id"] == nil {
		t.Errorf("expected conversation and chat ids on complete, got %v", last)
	}

	chats, _ := env.store.ListChats(context.Background(), 1)
	if len(chats) != 1 || chats[0].Answer != streamed.String() {
		t.Errorf("expected recorded answer, got %+v", chats)
	}
}

func TestStream_QuotaRejectedBeforeStreaming(t *testing.T) {
	env := newTestEnv(t, false, nil)
	for i := 0; i < quota.DailyLimit; i++ {
		env.store.Insert(chat.Record{UserID: 1})
	}
	w := env.do(t, 1, "POST", "/api/chat/stream", turnRequest{Question: "q", Category: "KP"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected json error, got %q", ct)
	}
}

func TestStream_ProxyRelaysAndRecords(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.rag.streamRaw = "data: {\"stage\":\"analyzing\",\"message\":\"menganalisis\"}\n\n" +
		"data: {\"stage\":\"streaming\",\"content\":\"Ha\"}\n\n" +
		"data: {\"stage\":\"streaming\",\"content\":\"lo\"}\n\n" +
		"data: {\"stage\":\"complete\",\"full_content\":\"Halo\"}\n\n"

	w := env.do(t, 1, "POST", "/api/chat/stream", turnRequest{Question: "q", Category: "KP"})
	events := sseEvents(t, w.Body.String())
	if len(events) != 4 || events[3]["full_content"] != "Halo" {
		t.Fatalf("unexpected relayed events %v", events)
	}

	chats, _ := env.store.ListChats(context.Background(), 1)
	if len(chats) != 1 || chats[0].Answer != "Halo" {
		t.Errorf("expected relayed answer recorded, got %+v", chats)
	}
}

func TestStream_ProxyTruncatedEndsWithError(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.rag.streamRaw = "data: {\"stage\":\"streaming\",\"content\":\"Ha\"}\n\n"

	w := env.do(t, 1, "POST", "/api/chat/stream", turnRequest{Question: "q", Category: "KP"})
	events := sseEvents(t, w.Body.String())
	if last := events[len(events)-1]; last["stage"] != "error" {
		t.Fatalf("expected terminal error event, got %v", last)
	}
	chats, _ := env.store.ListChats(context.Background(), 1)
	if len(chats) != 0 {
		t.Errorf("truncated stream must not be recorded, got %+v", chats)
	}
}

func TestCancelStream(t *testing.T) {
	env := newTestEnv(t, false, nil)

	id, ctx, release := env.srv.deps.Streams.Register(context.Background(), 1)
	defer release()

	if w := env.do(t, 2, "DELETE", "/api/chat/stream/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("other user: expected 404, got %d", w.Code)
	}
	if w := env.do(t, 1, "DELETE", "/api/chat/stream/"+id, nil); w.Code != http.StatusNoContent {
		t.Errorf("owner: expected 204, got %d", w.Code)
	}
	if ctx.Err() == nil {
		t.Error("expected stream context cancelled")
	}
}

func TestCancelStream_MidEmissionKeepsRecord(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.srv.deps.Synth = stream.Synthesizer{ChunkSize: 8, Delay: 100 * time.Millisecond}
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(turnRequest{Question: "panjang", Category: "KP"})
	req, _ := http.NewRequest("POST", ts.URL+"/api/chat/stream", bytes.NewReader(body))
	req.Header.Set("Authorization", bearer(t, 1))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	streamID := resp.Header.Get(streamIDHeader)
	if streamID == "" {
		t.Fatal("expected stream id header")
	}

	var stages []string
	cancelled := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		stage, _ := evt["stage"].(string)
		stages = append(stages, stage)

		if stage == "streaming" && !cancelled {
			cancelled = true
			del, _ := http.NewRequest("DELETE", ts.URL+"/api/chat/stream/"+streamID, nil)
			del.Header.Set("Authorization", bearer(t, 1))
			dresp, err := http.DefaultClient.Do(del)
			if err != nil {
				t.Fatalf("cancel request failed: %v", err)
			}
			dresp.Body.Close()
			if dresp.StatusCode != http.StatusNoContent {
				t.Fatalf("expected 204, got %d", dresp.StatusCode)
			}
		}
	}

	if !cancelled {
		t.Fatalf("no fragment arrived before the stream ended: %v", stages)
	}
	for _, stage := range stages {
		if stage == "complete" {
			t.Fatalf("expected no complete event after cancel, got %v", stages)
		}
	}

	want := strings.Repeat("jawaban ", 20) + "panjang"
	chats, _ := env.store.ListChats(context.Background(), 1)
	if len(chats) != 1 || chats[0].Answer != want {
		t.Errorf("expected full answer recorded, got %+v", chats)
	}
}

func TestCancelStream_BroadcastsUnknown(t *testing.T) {
	bc := &fakeBroadcaster{}
	env := newTestEnv(t, false, bc)

	w := env.do(t, 1, "DELETE", "/api/chat/stream/elsewhere", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(bc.subjects) != 1 || bc.subjects[0] != hermes.SubjectStreamCancel {
		t.Errorf("expected one cancel broadcast, got %v", bc.subjects)
	}
}

func TestHandleStreamCancel(t *testing.T) {
	env := newTestEnv(t, false, nil)
	id, ctx, release := env.srv.deps.Streams.Register(context.Background(), 4)
	defer release()

	data, _ := json.Marshal(hermes.StreamCancel{StreamID: id, UserID: 4})
	env.srv.HandleStreamCancel(hermes.SubjectStreamCancel, data)
	if ctx.Err() == nil {
		t.Error("expected broadcast to cancel the local stream")
	}
}

func TestFeedback(t *testing.T) {
	env := newTestEnv(t, false, nil)
	rec := env.store.Insert(chat.Record{UserID: 1, Question: "q"})

	w := env.do(t, 1, "POST", "/api/feedback", map[string]any{"rating": "4", "chatId": rec.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, 1, "POST", "/api/feedback", map[string]any{"rating": 2, "chat_id": rec.ID})
	if w.Code != http.StatusConflict {
		t.Errorf("second submit: expected 409, got %d", w.Code)
	}

	other := env.store.Insert(chat.Record{UserID: 1})
	tests := []struct {
		name   string
		userID int64
		body   map[string]any
		want   int
	}{
		{"rating too high", 1, map[string]any{"rating": 6, "chat_id": other.ID}, http.StatusBadRequest},
		{"rating missing", 1, map[string]any{"chat_id": other.ID}, http.StatusBadRequest},
		{"fractional rating", 1, map[string]any{"rating": 3.5, "chat_id": other.ID}, http.StatusBadRequest},
		{"not owner", 2, map[string]any{"rating": 3, "chat_id": other.ID}, http.StatusForbidden},
		{"missing chat", 1, map[string]any{"rating": 3, "chat_id": 999}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, tt.userID, "POST", "/api/feedback", tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestConversationList(t *testing.T) {
	env := newTestEnv(t, false, nil)
	cid := "conv-1"
	env.store.Insert(chat.Record{UserID: 1, Question: "linked", ConversationID: &cid})
	env.store.Insert(chat.Record{UserID: 1, Question: "local only"})

	w := env.do(t, 1, "GET", "/api/chat/list", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res listing.Result
	json.NewDecoder(w.Body).Decode(&res)
	if len(res.Conversations) != 2 {
		t.Fatalf("expected 2 entries, got %+v", res.Conversations)
	}
	if res.Conversations[0].Title != "linked" || res.Conversations[1].ConversationID != nil {
		t.Errorf("unexpected merge order %+v", res.Conversations)
	}
}

func TestChatHistory(t *testing.T) {
	env := newTestEnv(t, false, nil)
	cid := "conv-hist"
	env.store.Insert(chat.Record{UserID: 1, ConversationID: &cid})

	w := env.do(t, 1, "POST", "/api/chat/history", map[string]string{"conversation_id": cid})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var h rag.History
	json.NewDecoder(w.Body).Decode(&h)
	if len(h.Messages) != 2 || h.Messages[1].Type != rag.MessageAssistant {
		t.Errorf("unexpected history %+v", h)
	}

	if w := env.do(t, 2, "POST", "/api/chat/history", map[string]string{"conversation_id": cid}); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for other user, got %d", w.Code)
	}
}
