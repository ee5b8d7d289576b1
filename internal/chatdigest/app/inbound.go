package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/chatdigest/common/redact"
	"github.com/bdobrica/chatdigest/common/trace"
	"github.com/bdobrica/chatdigest/internal/chatdigest/commands"
	"github.com/bdobrica/chatdigest/internal/chatdigest/ingest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/keywords"
	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
	"github.com/bdobrica/chatdigest/internal/chatdigest/observability"
	"github.com/bdobrica/chatdigest/internal/chatdigest/schedule"
)

// commandReplayGrace is how far before startup a command may have been sent
// and still be executed. Older commands arrive when a transport replays
// history and are ignored.
const commandReplayGrace = time.Minute

// InboundConfig wires an Inbound.
type InboundConfig struct {
	Messages  *messagelog.Log
	Schedules *schedule.Store
	Keywords  *keywords.Store
	Commands  *commands.Router
	Replier   ingest.Replier
	Metrics   *observability.Metrics
	Redactor  *redact.Redactor
	// AllowedChatIDs restricts which conversations are served. Empty allows
	// every conversation.
	AllowedChatIDs []string
	// KeywordReply posts the matched keywords back into the conversation.
	KeywordReply bool
	// StartedAt defaults to time.Now.
	StartedAt time.Time
}

// Inbound is the single entry point for messages from every transport: it
// logs chat text, creates the default schedule, records keyword hits and
// answers commands.
type Inbound struct {
	cfg     InboundConfig
	allowed map[string]bool
	// known holds conversations whose schedule is known to exist.
	known sync.Map
}

// NewInbound creates an Inbound.
func NewInbound(cfg InboundConfig) *Inbound {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	in := &Inbound{cfg: cfg}
	if len(cfg.AllowedChatIDs) > 0 {
		in.allowed = make(map[string]bool, len(cfg.AllowedChatIDs))
		for _, id := range cfg.AllowedChatIDs {
			in.allowed[id] = true
		}
	}
	return in
}

// Allowed reports whether conversationID passes the allow-list.
func (in *Inbound) Allowed(conversationID string) bool {
	return in.allowed == nil || in.allowed[conversationID]
}

// Handle processes one inbound message. It returns an error only when the
// message could not be stored, so that transports with redelivery retry it.
func (in *Inbound) Handle(ctx context.Context, msg ingest.Message) error {
	ctx = trace.Ensure(ctx)
	log := observability.WithTrace(ctx).With("conversation_id", msg.ConversationID, "transport", msg.Transport)

	if !in.Allowed(msg.ConversationID) {
		log.Debug("ignoring conversation not on the allow-list")
		return nil
	}

	if in.cfg.Commands != nil && in.cfg.Commands.IsCommand(msg.Text) {
		in.handleCommand(ctx, log, msg)
		return nil
	}

	rec := messagelog.Record{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		MessageID:      msg.MessageID,
		Text:           msg.Text,
		OccurredAt:     msg.OccurredAt,
	}
	if _, err := in.cfg.Messages.Append(ctx, rec); err != nil {
		if errors.Is(err, messagelog.ErrValidation) {
			log.Debug("dropping message", "err", err)
			return nil
		}
		return fmt.Errorf("ingest: %w", err)
	}
	in.cfg.Metrics.RecordIngested(msg.Transport)

	in.ensureSchedule(ctx, log, msg.ConversationID)

	rec.Text = strings.TrimSpace(rec.Text)
	in.checkKeywords(ctx, log, rec)
	return nil
}

func (in *Inbound) ensureSchedule(ctx context.Context, log *slog.Logger, conversationID string) {
	if _, ok := in.known.Load(conversationID); ok {
		return
	}
	if _, err := in.cfg.Schedules.EnsureDefault(ctx, conversationID); err != nil {
		log.Warn("could not create default schedule", "err", err)
		return
	}
	in.known.Store(conversationID, struct{}{})
}

func (in *Inbound) checkKeywords(ctx context.Context, log *slog.Logger, rec messagelog.Record) {
	if in.cfg.Keywords == nil {
		return
	}
	list, err := in.cfg.Keywords.Get(ctx, rec.ConversationID)
	if err != nil {
		log.Warn("could not load keywords", "err", err)
		return
	}
	matched := keywords.Match(rec.Text, list)
	if len(matched) == 0 {
		return
	}
	in.cfg.Metrics.RecordKeywordHits(len(matched))
	log.Info("keyword hit", "matched", strings.Join(matched, ","), "sender", rec.Sender())

	if err := in.cfg.Keywords.RecordHit(ctx, rec, matched); err != nil {
		log.Warn("could not record keyword hit", "err", err)
	}
	if in.cfg.KeywordReply {
		in.reply(ctx, log, rec.ConversationID, "Matched keywords: "+strings.Join(matched, ", "))
	}
}

func (in *Inbound) handleCommand(ctx context.Context, log *slog.Logger, msg ingest.Message) {
	if !msg.OccurredAt.IsZero() && msg.OccurredAt.Before(in.cfg.StartedAt.Add(-commandReplayGrace)) {
		log.Debug("ignoring replayed command", "occurred_at", msg.OccurredAt)
		return
	}

	response, err := in.cfg.Commands.Route(ctx, msg)
	switch {
	case errors.Is(err, commands.ErrUnknownCommand):
		// Other bots in the room may own it.
		log.Debug("unknown command", "err", err)
		return
	case err != nil:
		log.Error("command failed", "err", in.cfg.Redactor.Error(err))
		in.reply(ctx, log, msg.ConversationID, "❌ Error: "+in.cfg.Redactor.Error(err))
		return
	}
	if response != "" {
		in.reply(ctx, log, msg.ConversationID, response)
	}
}

func (in *Inbound) reply(ctx context.Context, log *slog.Logger, conversationID, text string) {
	if in.cfg.Replier == nil {
		return
	}
	if err := in.cfg.Replier.Reply(ctx, conversationID, text); err != nil {
		log.Error("failed to send reply", "err", err)
	}
}
