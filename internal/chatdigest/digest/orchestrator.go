package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/chatdigest/common/redact"
	"github.com/bdobrica/chatdigest/internal/chatdigest/observability"
)

// Request describes one digest run.
type Request struct {
	ConversationID string
	From           time.Time
	To             time.Time
	Label          string
}

// Result is the outcome of a run that did not fail.
type Result struct {
	Kind     Kind
	Messages int
	Text     string
	// Delivered is false when the Deliverer returned an error or the
	// no-activity notice was suppressed. It never fails the run.
	Delivered bool
}

// OrchestratorConfig tunes an Orchestrator.
type OrchestratorConfig struct {
	// SummaryTimeout bounds each Summarizer call. Zero disables the bound.
	SummaryTimeout time.Duration
	// AnnounceEmpty delivers a no-activity notice for empty windows.
	AnnounceEmpty bool
	// Redactor scrubs secrets from error text before it reaches a chat.
	Redactor *redact.Redactor
}

// Orchestrator runs digest cycles. It is safe for concurrent use; it keeps
// no per-conversation state.
type Orchestrator struct {
	selector   *Selector
	summarizer Summarizer
	deliverer  Deliverer
	cfg        OrchestratorConfig
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(selector *Selector, summarizer Summarizer, deliverer Deliverer, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		selector:   selector,
		summarizer: summarizer,
		deliverer:  deliverer,
		cfg:        cfg,
	}
}

// Run selects the window, summarises it and delivers the outcome.
//
// An empty window produces a KindNoActivity result without calling the
// Summarizer. A Summarizer failure delivers a failure notice and returns a
// *SummarizationError. Storage errors are returned as-is and deliver
// nothing.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	log := observability.WithTrace(ctx).With("conversation_id", req.ConversationID, "label", req.Label)

	w, err := o.selector.Select(ctx, req.ConversationID, req.From, req.To)
	if err != nil {
		return Result{}, fmt.Errorf("digest: select window for %s: %w", req.ConversationID, err)
	}

	if w.Empty() {
		res := Result{Kind: KindNoActivity}
		if o.cfg.AnnounceEmpty {
			res.Text = noActivityText(req.Label)
			res.Delivered = o.deliver(ctx, log, req.ConversationID, res.Text, KindNoActivity)
		}
		log.Info("digest: no activity in window", "from", req.From, "to", req.To)
		return res, nil
	}

	summary, err := o.summarize(ctx, SummaryRequest{
		ConversationID: req.ConversationID,
		Label:          req.Label,
		Messages:       w.Messages,
	})
	if err != nil {
		serr := &SummarizationError{ConversationID: req.ConversationID, Err: err}
		o.deliver(ctx, log, req.ConversationID, failureText(req.Label, o.cfg.Redactor.Error(err)), KindFailureNotice)
		return Result{}, serr
	}

	res := Result{
		Kind:     KindDigest,
		Messages: len(w.Messages),
		Text:     digestText(req.Label, len(w.Messages), summary),
	}
	res.Delivered = o.deliver(ctx, log, req.ConversationID, res.Text, KindDigest)
	log.Info("digest: delivered", "messages", res.Messages, "delivered", res.Delivered)
	return res, nil
}

func (o *Orchestrator) summarize(ctx context.Context, req SummaryRequest) (string, error) {
	if o.cfg.SummaryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SummaryTimeout)
		defer cancel()
	}
	text, err := o.summarizer.Summarize(ctx, req)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("empty summary")
	}
	return text, nil
}

func (o *Orchestrator) deliver(ctx context.Context, log *slog.Logger, conversationID, text string, kind Kind) bool {
	if err := o.deliverer.Deliver(ctx, conversationID, text, kind); err != nil {
		log.Warn("digest: delivery failed", "kind", kind, "err", o.cfg.Redactor.Error(err))
		return false
	}
	return true
}

func digestText(label string, n int, summary string) string {
	return fmt.Sprintf("**Digest (%s)** · %d messages\n\n%s", label, n, summary)
}

func noActivityText(label string) string {
	return fmt.Sprintf("Digest (%s): no messages in this period.", label)
}

func failureText(label, reason string) string {
	return fmt.Sprintf("Digest (%s) could not be generated: %s", label, reason)
}
