package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "http://localhost:5000"

// Client talks to the remote conversation service. It keeps no state between
// calls and never retries.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient returns a client for baseURL. A zero timeout leaves requests
// bounded only by the caller's context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// RemoteServiceError is returned for transport failures, non-2xx statuses and
// bodies that cannot be decoded. StatusCode is 0 when no response arrived.
type RemoteServiceError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteServiceError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %d %s: %v", e.Op, e.StatusCode, e.Body, e.Err)
	default:
		return fmt.Sprintf("%s failed: %d %s", e.Op, e.StatusCode, e.Body)
	}
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

type Conversation struct {
	ConversationID string `json:"conversation_id"`
	CreatedAt      string `json:"created_at"`
	LastActivity   string `json:"last_activity"`
}

type CreatedConversation struct {
	ConversationID string `json:"conversation_id"`
	CreatedAt      string `json:"created_at,omitempty"`
}

type TurnReply struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
	Timestamp      string `json:"timestamp,omitempty"`
}

type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
)

type Message struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp string      `json:"timestamp"`
}

type History struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

type turnRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Category       string `json:"category,omitempty"`
}

// CreateConversation allocates a new remote session on every call.
func (c *Client) CreateConversation(ctx context.Context) (*CreatedConversation, error) {
	var out CreatedConversation
	if err := c.do(ctx, "createConversation", http.MethodPost, "/conversations/create/", nil, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == "" {
		return nil, &RemoteServiceError{Op: "createConversation", StatusCode: http.StatusOK, Err: fmt.Errorf("missing conversation_id")}
	}
	return &out, nil
}

// SendTurn posts one user message and returns the assistant's full reply.
func (c *Client) SendTurn(ctx context.Context, conversationID, content, category string) (*TurnReply, error) {
	var out TurnReply
	body := turnRequest{ConversationID: conversationID, Content: content, Category: category}
	if err := c.do(ctx, "sendTurn", http.MethodPost, "/conversations/chat/", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchHistory returns the ordered turns of a conversation.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) (*History, error) {
	var out History
	body := map[string]string{"conversation_id": conversationID}
	if err := c.do(ctx, "fetchHistory", http.MethodPost, "/conversations/history/", body, &out); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		// The service labels assistant turns "ai".
		if out.Messages[i].Type == "ai" {
			out.Messages[i].Type = MessageAssistant
		}
	}
	return &out, nil
}

// ListConversations returns the remote service's conversation index.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, "listConversations", http.MethodGet, "/conversations/list/", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// StreamTurn opens the native streaming endpoint and returns the raw SSE body.
// The caller must close it.
func (c *Client) StreamTurn(ctx context.Context, conversationID, content, category string) (io.ReadCloser, error) {
	const op = "streamTurn"
	payload, err := json.Marshal(turnRequest{ConversationID: conversationID, Content: content, Category: category})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/conversations/chat-stream/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// The overall client timeout would cut long streams, so use a copy without it.
	hc := *c.client
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &RemoteServiceError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &RemoteServiceError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp.Body, nil
}

// Health reports whether the remote service answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, "health", http.MethodGet, "/health/", nil, &out)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &RemoteServiceError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RemoteServiceError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RemoteServiceError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &RemoteServiceError{Op: op, StatusCode: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	return nil
}
