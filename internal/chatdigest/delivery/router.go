// Package delivery routes outbound messages to the transport that owns the
// conversation. Matrix room ids start with '!'; every other id belongs to
// the NATS bus.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/ingest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/observability"
)

// ErrNoTransport is returned for a conversation whose transport is not
// configured.
var ErrNoTransport = errors.New("delivery: no transport for conversation")

// Transport can send both digests and replies.
type Transport interface {
	digest.Deliverer
	ingest.Replier
}

// Router implements digest.Deliverer and ingest.Replier.
type Router struct {
	matrix  Transport
	nats    Transport
	metrics *observability.Metrics
}

// NewRouter builds a Router. Either transport may be nil.
func NewRouter(matrix, nats Transport, metrics *observability.Metrics) *Router {
	return &Router{matrix: matrix, nats: nats, metrics: metrics}
}

// IsMatrixRoom reports whether conversationID is a Matrix room id.
func IsMatrixRoom(conversationID string) bool {
	return strings.HasPrefix(conversationID, "!")
}

func (r *Router) route(conversationID string) (Transport, error) {
	t := r.nats
	if IsMatrixRoom(conversationID) {
		t = r.matrix
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTransport, conversationID)
	}
	return t, nil
}

// Deliver sends text of the given kind.
func (r *Router) Deliver(ctx context.Context, conversationID, text string, kind digest.Kind) error {
	t, err := r.route(conversationID)
	if err == nil {
		err = t.Deliver(ctx, conversationID, text, kind)
	}
	r.metrics.RecordDelivery(string(kind), err)
	return err
}

// Reply sends a command response.
func (r *Router) Reply(ctx context.Context, conversationID, text string) error {
	t, err := r.route(conversationID)
	if err == nil {
		err = t.Reply(ctx, conversationID, text)
	}
	r.metrics.RecordDelivery("reply", err)
	return err
}
