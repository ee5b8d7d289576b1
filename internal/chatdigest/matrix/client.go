// Package matrix connects chatdigest to a Matrix homeserver: it syncs room
// messages into the ingest pipeline, accepts room invites and sends digests
// and replies back.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/chatdigest/internal/chatdigest/ingest"
)

// TransportName labels messages ingested from Matrix.
const TransportName = "matrix"

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// RestrictRooms limits accepted invites to AllowedRooms. When false every
	// invite is accepted.
	RestrictRooms bool
	AllowedRooms  []string
	// DB persists the sync token. When nil an in-memory store is used and
	// history replays on every restart.
	DB *sql.DB
}

// MessageHandler receives every inbound text message.
type MessageHandler func(ctx context.Context, msg ingest.Message)

// Client wraps a mautrix client.
type Client struct {
	client  *mautrix.Client
	cfg     Config
	handler MessageHandler

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Client. It does not contact the homeserver.
func New(cfg Config) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.DB != nil {
		client.Store = NewDBSyncStore(cfg.DB)
	} else {
		slog.Warn("matrix: no database configured, room history will replay on restart")
	}
	return &Client{client: client, cfg: cfg, stopCh: make(chan struct{})}, nil
}

// Start registers handler and begins syncing in the background, reconnecting
// with exponential back-off until Stop is called.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMembership)

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			err := c.client.SyncWithContext(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			select {
			case <-c.stopCh:
				return
			default:
			}
			slog.Error("matrix: sync stopped, reconnecting", "err", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
		}
	}()
	slog.Info("matrix: syncing", "user_id", c.cfg.UserID)
	return nil
}

// Stop ends the sync loop. It is safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.client.StopSync()
	})
}

// UserID returns the bot's own user id.
func (c *Client) UserID() string { return c.cfg.UserID }

func (c *Client) roomAllowed(roomID string) bool {
	if !c.cfg.RestrictRooms {
		return true
	}
	for _, r := range c.cfg.AllowedRooms {
		if r == roomID {
			return true
		}
	}
	return false
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	msg, ok := messageFromEvent(evt, id.UserID(c.cfg.UserID))
	if !ok || c.handler == nil {
		return
	}
	c.handler(ctx, msg)
}

// handleMembership joins rooms the bot is invited to.
func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.cfg.UserID {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.roomAllowed(evt.RoomID.String()) {
		slog.Info("matrix: ignoring invite to room outside the allow-list", "room_id", evt.RoomID, "inviter", evt.Sender)
		return
	}
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: invite no longer valid", "room_id", evt.RoomID)
			return
		}
		slog.Error("matrix: join failed", "room_id", evt.RoomID, "err", err)
		return
	}
	slog.Info("matrix: joined room", "room_id", evt.RoomID, "inviter", evt.Sender)
}

// messageFromEvent converts a room message event. It rejects the bot's own
// messages and anything that is not text, notice or emote.
func messageFromEvent(evt *event.Event, self id.UserID) (ingest.Message, bool) {
	if evt == nil || evt.Sender == self {
		return ingest.Message{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return ingest.Message{}, false
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		return ingest.Message{}, false
	}
	body := strings.TrimSpace(content.Body)
	if body == "" {
		return ingest.Message{}, false
	}
	// Edits arrive as new events; the original is already in the log.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return ingest.Message{}, false
	}

	name, _, err := evt.Sender.Parse()
	if err != nil {
		name = ""
	}
	return ingest.Message{
		Transport:      TransportName,
		ConversationID: evt.RoomID.String(),
		MessageID:      evt.ID.String(),
		SenderID:       evt.Sender.String(),
		SenderName:     name,
		Text:           body,
		OccurredAt:     time.UnixMilli(evt.Timestamp).UTC(),
	}, true
}

// SendFormatted sends an m.text message with an HTML body.
func (c *Client) SendFormatted(ctx context.Context, roomID, html, plain string) error {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plain,
		Format:        event.FormatHTML,
		FormattedBody: html,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send formatted message: %w", err)
	}
	return nil
}

// SendNotice sends an m.notice, the conventional msgtype for bot output.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send notice: %w", err)
	}
	return nil
}
