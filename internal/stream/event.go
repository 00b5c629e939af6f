// Package stream turns conversation answers into server-sent event streams,
// either by slicing a complete answer into fragments or by relaying the
// remote service's own event stream.
package stream

import (
	"encoding/json"
	"errors"
)

type Stage string

const (
	StageThinking   Stage = "thinking"
	StageSearching  Stage = "searching"
	StageAnalyzing  Stage = "analyzing"
	StageGenerating Stage = "generating"
	StageStreaming  Stage = "streaming"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// Terminal reports whether s ends a stream.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// Progress reports whether s is an informational stage carrying a message.
func (s Stage) Progress() bool {
	switch s {
	case StageThinking, StageSearching, StageAnalyzing, StageGenerating:
		return true
	}
	return false
}

func (s Stage) known() bool {
	return s.Progress() || s == StageStreaming || s.Terminal()
}

var (
	ErrTruncated = errors.New("upstream stream ended before completion")
	ErrMalformed = errors.New("malformed upstream event")
	ErrUpstream  = errors.New("upstream reported an error")
)

// Event is one SSE payload. Only the fields belonging to Stage are encoded.
type Event struct {
	Stage          Stage
	Message        string
	Content        string
	FullContent    string
	ConversationID string
	ChatID         *int64

	raw json.RawMessage
}

func Progress(stage Stage, message string) Event {
	return Event{Stage: stage, Message: message}
}

func Fragment(content string) Event {
	return Event{Stage: StageStreaming, Content: content}
}

func Complete(full string) Event {
	return Event{Stage: StageComplete, FullContent: full}
}

func Failure(message string) Event {
	return Event{Stage: StageError, Message: message}
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	out := map[string]any{"stage": e.Stage}
	switch {
	case e.Stage == StageStreaming:
		out["content"] = e.Content
	case e.Stage == StageComplete:
		out["full_content"] = e.FullContent
		if e.ConversationID != "" {
			out["conversation_id"] = e.ConversationID
		}
		if e.ChatID != nil {
			out["chat_id"] = *e.ChatID
		}
	default:
		out["message"] = e.Message
	}
	return json.Marshal(out)
}

// Sink receives events in order. An error aborts the stream.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }
