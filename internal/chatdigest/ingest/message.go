package ingest

import (
	"context"
	"time"
)

// Message is an inbound chat message as seen by any transport.
type Message struct {
	// Transport names the source, e.g. "matrix" or "nats". Used for metrics.
	Transport      string
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	Text           string
	OccurredAt     time.Time
}

// Replier posts a plain-text response into a conversation.
type Replier interface {
	Reply(ctx context.Context, conversationID, text string) error
}
