package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/ingest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/keywords"
	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
	"github.com/bdobrica/chatdigest/internal/chatdigest/observability"
	"github.com/bdobrica/chatdigest/internal/chatdigest/schedule"
)

const (
	searchLimit   = 20
	snippetRunes  = 200
	topSenders    = 10
	hitsListLimit = 10
	statsDays     = 7
)

// DigestRunner runs one digest; *digest.Orchestrator satisfies it.
type DigestRunner interface {
	Run(ctx context.Context, req digest.Request) (digest.Result, error)
}

// HandlersConfig carries the dependencies of the built-in commands.
type HandlersConfig struct {
	Messages  *messagelog.Log
	Schedules *schedule.Store
	Keywords  *keywords.Store
	Digests   DigestRunner
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handlers implements the built-in chat commands.
type Handlers struct {
	messages  *messagelog.Log
	schedules *schedule.Store
	keywords  *keywords.Store
	digests   DigestRunner
	now       func() time.Time
}

// NewHandlers creates the command handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		messages:  cfg.Messages,
		schedules: cfg.Schedules,
		keywords:  cfg.Keywords,
		digests:   cfg.Digests,
		now:       now,
	}
}

// Register binds every built-in command on r.
func (h *Handlers) Register(r *Router) {
	r.Register("start", h.HandleHelp)
	r.Register("help", h.HandleHelp)
	r.Register("chatid", h.HandleChatID)
	r.Register("search", h.HandleSearch)
	r.Register("stats", h.HandleStats)
	r.Register("digest_today", h.HandleDigestToday)
	r.Register("digest_week", h.HandleDigestWeek)
	r.Register("digest_time", h.HandleDigestTime)
	r.Register("digest_tz", h.HandleDigestTimezone)
	r.Register("keywords", h.HandleKeywords)
	r.Register("set_keywords", h.HandleSetKeywords)
	r.Register("hits_today", h.HandleHitsToday)
}

const helpText = `Commands:
/chatid: this conversation's id
/search <query>: search the message history
/stats: message counts for the last 7 days
/digest_today: digest of today's messages
/digest_week: digest of the last 7 days
/digest_time [HH:MM]: show or set the daily digest time
/digest_tz [Area/City]: show or set the digest timezone
/keywords: show watched keywords
/set_keywords a,b,c: replace the watched keywords
/hits_today: keyword hits since midnight`

// HandleHelp lists the commands.
func (h *Handlers) HandleHelp(_ context.Context, _ *Command, _ ingest.Message) (string, error) {
	return helpText, nil
}

// HandleChatID echoes the conversation id.
func (h *Handlers) HandleChatID(_ context.Context, _ *Command, msg ingest.Message) (string, error) {
	return "Chat ID: " + msg.ConversationID, nil
}

// HandleSearch runs a full-text search over the conversation's history.
func (h *Handlers) HandleSearch(ctx context.Context, cmd *Command, msg ingest.Message) (string, error) {
	if cmd.RawArgs == "" {
		return "Usage: /search <query>", nil
	}
	_, loc, err := h.entry(ctx, msg.ConversationID)
	if err != nil {
		return "", err
	}

	results, err := h.messages.Search(ctx, msg.ConversationID, cmd.RawArgs, searchLimit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "Nothing found.", nil
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s %s: %s", r.OccurredAt.In(loc).Format("2006-01-02 15:04"), r.Sender(), snippet(r.Text))
	}
	return b.String(), nil
}

// HandleStats reports the message count and the busiest senders of the last
// seven days.
func (h *Handlers) HandleStats(ctx context.Context, _ *Command, msg ingest.Message) (string, error) {
	since := h.now().Add(-statsDays * 24 * time.Hour)
	total, err := h.messages.Count(ctx, msg.ConversationID, since)
	if err != nil {
		return "", err
	}
	if total == 0 {
		return "No messages in the last 7 days.", nil
	}
	top, err := h.messages.TopSenders(ctx, msg.ConversationID, since, topSenders)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Messages in the last 7 days: %d\nTop senders:", total)
	for _, s := range top {
		rec := messagelog.Record{SenderID: s.SenderID, SenderName: s.SenderName}
		fmt.Fprintf(&b, "\n• %s: %d", rec.Sender(), s.Count)
	}
	return b.String(), nil
}

// HandleDigestToday summarises everything since local midnight.
func (h *Handlers) HandleDigestToday(ctx context.Context, _ *Command, msg ingest.Message) (string, error) {
	_, loc, err := h.entry(ctx, msg.ConversationID)
	if err != nil {
		return "", err
	}
	now := h.now().In(loc)
	return h.runDigest(ctx, msg.ConversationID, midnight(now), now, "today", "No messages today.")
}

// HandleDigestWeek summarises the last seven days.
func (h *Handlers) HandleDigestWeek(ctx context.Context, _ *Command, msg ingest.Message) (string, error) {
	now := h.now()
	return h.runDigest(ctx, msg.ConversationID, now.Add(-statsDays*24*time.Hour), now, "7 days", "No messages in the last 7 days.")
}

// runDigest runs an on-demand digest. The orchestrator delivers the result
// itself, so the reply is only used when it had nothing to say.
func (h *Handlers) runDigest(ctx context.Context, conversationID string, from, to time.Time, label, emptyReply string) (string, error) {
	res, err := h.digests.Run(ctx, digest.Request{
		ConversationID: conversationID,
		From:           from,
		To:             to,
		Label:          label,
	})
	var sumErr *digest.SummarizationError
	if errors.As(err, &sumErr) {
		// The failure notice was already delivered.
		observability.WithTrace(ctx).Warn("on-demand digest failed", "conversation_id", conversationID, "err", err)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if res.Kind == digest.KindNoActivity && !res.Delivered {
		return emptyReply, nil
	}
	return "", nil
}

// HandleDigestTime shows the digest time or, with an argument, sets it.
func (h *Handlers) HandleDigestTime(ctx context.Context, cmd *Command, msg ingest.Message) (string, error) {
	arg, ok := cmd.GetArg(0)
	if !ok {
		entry, _, err := h.entry(ctx, msg.ConversationID)
		if err != nil {
			return "", err
		}
		return h.describe("Daily digest time", entry) + "\nExample: /digest_time 21:30", nil
	}

	entry, err := h.schedules.SetTime(ctx, msg.ConversationID, arg)
	if errors.Is(err, schedule.ErrInvalidTimeFormat) {
		return "Please use HH:MM, for example 21:30.", nil
	}
	if err != nil {
		return "", err
	}
	return h.describe("Daily digest time updated", entry), nil
}

// HandleDigestTimezone shows the digest timezone or, with an argument, sets it.
func (h *Handlers) HandleDigestTimezone(ctx context.Context, cmd *Command, msg ingest.Message) (string, error) {
	arg, ok := cmd.GetArg(0)
	if !ok {
		entry, _, err := h.entry(ctx, msg.ConversationID)
		if err != nil {
			return "", err
		}
		return h.describe("Digest timezone", entry) + "\nExample: /digest_tz Europe/Bucharest", nil
	}

	entry, err := h.schedules.SetTimezone(ctx, msg.ConversationID, arg)
	if errors.Is(err, schedule.ErrInvalidTimezone) {
		return fmt.Sprintf("Unknown timezone %q. Use an IANA name such as Asia/Tashkent.", arg), nil
	}
	if err != nil {
		return "", err
	}
	return h.describe("Digest timezone updated", entry), nil
}

func (h *Handlers) describe(title string, entry schedule.Entry) string {
	line := fmt.Sprintf("%s: %s (%s)", title, entry.Time, entry.Timezone)
	next, err := schedule.NextOccurrence(entry, h.now())
	if err != nil {
		return line
	}
	loc, _ := entry.Location()
	return line + "\nNext digest: " + next.In(loc).Format("2006-01-02 15:04 MST")
}

// HandleKeywords shows the watched keywords.
func (h *Handlers) HandleKeywords(ctx context.Context, _ *Command, msg ingest.Message) (string, error) {
	kws, err := h.keywords.Get(ctx, msg.ConversationID)
	if err != nil {
		return "", err
	}
	return "Watched keywords: " + joinOr(kws, "(none)"), nil
}

// HandleSetKeywords replaces the watched keywords with a comma-separated
// list. An empty list clears it.
func (h *Handlers) HandleSetKeywords(ctx context.Context, cmd *Command, msg ingest.Message) (string, error) {
	kws, err := h.keywords.Set(ctx, msg.ConversationID, cmd.RawArgs)
	if err != nil {
		return "", err
	}
	return "Watched keywords updated: " + joinOr(kws, "(empty)"), nil
}

// HandleHitsToday reports keyword hits since local midnight.
func (h *Handlers) HandleHitsToday(ctx context.Context, _ *Command, msg ingest.Message) (string, error) {
	_, loc, err := h.entry(ctx, msg.ConversationID)
	if err != nil {
		return "", err
	}
	since := midnight(h.now().In(loc))
	n, err := h.keywords.CountHits(ctx, msg.ConversationID, since)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "No keyword hits today.", nil
	}
	hits, err := h.keywords.ListHits(ctx, msg.ConversationID, since, hitsListLimit)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Keyword hits today: %d", n)
	for _, hit := range hits {
		rec := messagelog.Record{SenderID: hit.SenderID, SenderName: hit.SenderName}
		fmt.Fprintf(&b, "\n• %s %s [%s]: %s",
			hit.OccurredAt.In(loc).Format("15:04"), rec.Sender(), strings.Join(hit.Matched, ", "), snippet(hit.Text))
	}
	return b.String(), nil
}

// entry returns the conversation's schedule, creating the default one, and
// its location.
func (h *Handlers) entry(ctx context.Context, conversationID string) (schedule.Entry, *time.Location, error) {
	entry, err := h.schedules.EnsureDefault(ctx, conversationID)
	if err != nil {
		return schedule.Entry{}, nil, err
	}
	loc, err := entry.Location()
	if err != nil {
		return schedule.Entry{}, nil, err
	}
	return entry, loc, nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func snippet(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= snippetRunes {
		return s
	}
	return string(r[:snippetRunes]) + "…"
}

func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return strings.Join(items, ", ")
}
