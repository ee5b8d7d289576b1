// Package digest turns a slice of a conversation's message log into a
// delivered digest: it selects the window, asks the Summarizer for a digest
// and hands the outcome to a Deliverer.
package digest

import (
	"context"
	"errors"
	"fmt"

	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
)

// Kind classifies an outbound message.
type Kind string

const (
	KindDigest        Kind = "digest"
	KindFailureNotice Kind = "failure_notice"
	KindNoActivity    Kind = "no_activity"
)

// SummaryRequest is the input to a Summarizer.
type SummaryRequest struct {
	ConversationID string
	// Label names the period, e.g. "daily" or "last 7 days".
	Label string
	// Messages are ordered by occurrence and never empty.
	Messages []messagelog.Record
}

// Summarizer produces digest text for a window of messages. Implementations
// must honour ctx cancellation.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, req SummaryRequest) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	return f(ctx, req)
}

// Deliverer sends text to a conversation.
type Deliverer interface {
	Deliver(ctx context.Context, conversationID, text string, kind Kind) error
}

// ErrSummarization matches every *SummarizationError.
var ErrSummarization = errors.New("digest: summarization failed")

// SummarizationError reports a Summarizer failure or timeout for one
// conversation. The occurrence stays eligible.
type SummarizationError struct {
	ConversationID string
	Err            error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("digest: summarize %s: %v", e.ConversationID, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

func (e *SummarizationError) Is(target error) bool { return target == ErrSummarization }
