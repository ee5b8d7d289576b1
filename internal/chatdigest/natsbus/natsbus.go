// Package natsbus is the NATS JetStream transport. Chat frontends publish
// messages on <prefix>.in.<conversation>; chatdigest consumes them through a
// durable consumer and publishes digests and replies on
// <prefix>.out.<conversation>.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/ingest"
)

// TransportName labels messages ingested from NATS.
const TransportName = "nats"

const (
	defaultDurable  = "chatdigest-ingest"
	defaultSenderID = "chatdigest"
	ackWait         = 2 * time.Minute
)

// Message is the JSON wire format on both subjects.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderAlias    string    `json:"senderAlias"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	// Kind is set on outbound messages only.
	Kind string `json:"kind,omitempty"`
}

// Config configures the bus.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	// Durable names the consumer. Defaults to "chatdigest-ingest".
	Durable string
	// SenderID stamps outbound messages. Defaults to "chatdigest".
	SenderID string
}

// Handler processes one inbound message. A non-nil error requests
// redelivery.
type Handler func(ctx context.Context, msg ingest.Message) error

// Bus is a connected JetStream transport.
type Bus struct {
	cfg Config
	nc  *nats.Conn
	js  jetstream.JetStream

	consume jetstream.ConsumeContext
}

// Connect dials NATS and makes sure the stream exists.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.Durable == "" {
		cfg.Durable = defaultDurable
	}
	if cfg.SenderID == "" {
		cfg.SenderID = defaultSenderID
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("chatdigest"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("natsbus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("natsbus: reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsbus: jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Chat messages and digests",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Storage:     jetstream.FileStorage,
		MaxAge:      30 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsbus: ensure stream %s: %w", cfg.Stream, err)
	}
	slog.Info("natsbus: connected", "stream", cfg.Stream, "prefix", cfg.SubjectPrefix)
	return &Bus{cfg: cfg, nc: nc, js: js}, nil
}

// InboundSubject is the subject frontends publish conversation messages on.
func InboundSubject(prefix, conversationID string) string {
	return prefix + ".in." + conversationID
}

// OutboundSubject is the subject digests and replies are published on.
func OutboundSubject(prefix, conversationID string) string {
	return prefix + ".out." + conversationID
}

// Consume starts the durable consumer. Messages are acknowledged after
// handler succeeds; malformed payloads are terminated.
func (b *Bus) Consume(ctx context.Context, handler Handler) error {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       b.cfg.Durable,
		FilterSubject: InboundSubject(b.cfg.SubjectPrefix, "*"),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("natsbus: create consumer: %w", err)
	}

	cc, err := cons.Consume(func(m jetstream.Msg) { b.handle(ctx, m, handler) })
	if err != nil {
		return fmt.Errorf("natsbus: consume: %w", err)
	}
	b.consume = cc
	return nil
}

// delivery is the part of jetstream.Msg the consumer acts on.
type delivery interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

func (b *Bus) handle(ctx context.Context, m delivery, handler Handler) {
	msg, err := Decode(b.cfg.SubjectPrefix, m.Subject(), m.Data())
	if err != nil {
		slog.Warn("natsbus: dropping malformed message", "subject", m.Subject(), "err", err)
		_ = m.Term()
		return
	}
	if err := handler(ctx, msg); err != nil {
		slog.Warn("natsbus: handler failed, requesting redelivery", "conversation_id", msg.ConversationID, "err", err)
		_ = m.Nak()
		return
	}
	if err := m.Ack(); err != nil {
		slog.Warn("natsbus: ack failed", "err", err)
	}
}

// Decode parses an inbound payload. The conversation id falls back to the
// last subject token when the payload omits it.
func Decode(prefix, subject string, data []byte) (ingest.Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return ingest.Message{}, fmt.Errorf("decode: %w", err)
	}
	conv := m.ConversationID
	if conv == "" {
		conv = strings.TrimPrefix(subject, prefix+".in.")
		if conv == subject || conv == "" {
			return ingest.Message{}, errors.New("no conversation id")
		}
	}
	if strings.TrimSpace(m.Text) == "" {
		return ingest.Message{}, errors.New("empty text")
	}
	return ingest.Message{
		Transport:      TransportName,
		ConversationID: conv,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderAlias,
		Text:           m.Text,
		OccurredAt:     m.CreatedAt,
	}, nil
}

// Deliver implements digest.Deliverer.
func (b *Bus) Deliver(ctx context.Context, conversationID, text string, kind digest.Kind) error {
	return b.publish(ctx, conversationID, text, string(kind))
}

// Reply implements ingest.Replier.
func (b *Bus) Reply(ctx context.Context, conversationID, text string) error {
	return b.publish(ctx, conversationID, text, "reply")
}

func (b *Bus) publish(ctx context.Context, conversationID, text, kind string) error {
	m, err := b.outbound(conversationID, text, kind, time.Now())
	if err != nil {
		return err
	}
	if _, err := b.js.PublishMsg(ctx, m); err != nil {
		return fmt.Errorf("natsbus: publish to %s: %w", m.Subject, err)
	}
	return nil
}

// outbound builds an outbound message. The Nats-Msg-Id header carries the
// payload id, so JetStream drops a repeated publish inside the stream's
// duplicate window.
func (b *Bus) outbound(conversationID, text, kind string, now time.Time) (*nats.Msg, error) {
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       b.cfg.SenderID,
		SenderAlias:    b.cfg.SenderID,
		Text:           text,
		CreatedAt:      now.UTC(),
		Kind:           kind,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("natsbus: marshal: %w", err)
	}
	m := nats.NewMsg(OutboundSubject(b.cfg.SubjectPrefix, conversationID))
	m.Data = data
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	return m, nil
}

// Close stops consuming and drains the connection.
func (b *Bus) Close() {
	if b.consume != nil {
		b.consume.Stop()
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
}
