package digest

import (
	"context"
	"iter"
	"time"

	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
)

// Window is the ordered set of messages of one conversation in [From, To).
type Window struct {
	ConversationID string
	From           time.Time
	To             time.Time
	Messages       []messagelog.Record
}

// Empty reports whether the window holds no messages.
func (w Window) Empty() bool { return len(w.Messages) == 0 }

// MessageSource is the read side of the message log.
type MessageSource interface {
	Range(ctx context.Context, conversationID string, from, to time.Time) iter.Seq2[messagelog.Record, error]
}

// Selector builds windows from a MessageSource. It adds no filtering of its
// own.
type Selector struct {
	source MessageSource
}

// NewSelector returns a Selector reading from source.
func NewSelector(source MessageSource) *Selector {
	return &Selector{source: source}
}

// Select materialises the messages of conversationID in [from, to).
func (s *Selector) Select(ctx context.Context, conversationID string, from, to time.Time) (Window, error) {
	msgs, err := messagelog.Collect(s.source.Range(ctx, conversationID, from, to))
	if err != nil {
		return Window{}, err
	}
	return Window{
		ConversationID: conversationID,
		From:           from,
		To:             to,
		Messages:       msgs,
	}, nil
}
