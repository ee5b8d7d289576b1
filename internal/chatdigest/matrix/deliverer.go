package matrix

import (
	"bytes"
	"context"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bdobrica/chatdigest/common/retry"
	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
)

// Sender is the outbound half of Client.
type Sender interface {
	SendFormatted(ctx context.Context, roomID, html, plain string) error
	SendNotice(ctx context.Context, roomID, text string) error
}

// Deliverer posts digests and replies to Matrix rooms. Digests are rendered
// from Markdown to HTML; notices and replies go out as plain m.notice.
type Deliverer struct {
	sender Sender
	retry  retry.Config
	md     goldmark.Markdown
}

// NewDeliverer wraps sender. Sends are retried with retryCfg.
func NewDeliverer(sender Sender, retryCfg retry.Config) *Deliverer {
	return &Deliverer{
		sender: sender,
		retry:  retryCfg,
		md:     goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify)),
	}
}

// Render converts Markdown to the HTML subset Matrix clients display.
func (d *Deliverer) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := d.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("matrix: render markdown: %w", err)
	}
	return buf.String(), nil
}

// Deliver implements digest.Deliverer.
func (d *Deliverer) Deliver(ctx context.Context, roomID, text string, kind digest.Kind) error {
	if kind != digest.KindDigest {
		return d.Reply(ctx, roomID, text)
	}
	html, err := d.Render(text)
	if err != nil {
		// The plain body alone is still a usable digest.
		return d.Reply(ctx, roomID, text)
	}
	return retry.Do(ctx, d.retry, func() error {
		return d.sender.SendFormatted(ctx, roomID, html, text)
	})
}

// Reply implements ingest.Replier.
func (d *Deliverer) Reply(ctx context.Context, roomID, text string) error {
	return retry.Do(ctx, d.retry, func() error {
		return d.sender.SendNotice(ctx, roomID, text)
	})
}
