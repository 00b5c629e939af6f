package hermes

import "time"

const (
	SubjectTurnCompleted     = "obrolin.chat.turn.completed"
	SubjectFeedbackSubmitted = "obrolin.chat.feedback.submitted"
	// SubjectStreamCancel is consumed by every replica; the one holding the
	// stream stops it.
	SubjectStreamCancel = "obrolin.chat.stream.cancel"
)

type TurnCompleted struct {
	ChatID         int64     `json:"chat_id"`
	UserID         int64     `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Category       string    `json:"category"`
	Timestamp      time.Time `json:"timestamp"`
}

type FeedbackSubmitted struct {
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Rating    int       `json:"rating"`
	Timestamp time.Time `json:"timestamp"`
}

type StreamCancel struct {
	StreamID string `json:"stream_id"`
	UserID   int64  `json:"user_id"`
}
