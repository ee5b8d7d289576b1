package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/observability"
)

type fakeTransport struct {
	name string
	got  []string
}

func (f *fakeTransport) Deliver(_ context.Context, conversationID, text string, kind digest.Kind) error {
	f.got = append(f.got, string(kind)+":"+conversationID)
	return nil
}

func (f *fakeTransport) Reply(_ context.Context, conversationID, text string) error {
	f.got = append(f.got, "reply:"+conversationID)
	return nil
}

func TestRouter(t *testing.T) {
	mx := &fakeTransport{name: "matrix"}
	nb := &fakeTransport{name: "nats"}
	m := observability.NewMetrics()
	r := NewRouter(mx, nb, m)
	ctx := context.Background()

	if err := r.Deliver(ctx, "!room:example.org", "d", digest.KindDigest); err != nil {
		t.Fatal(err)
	}
	if err := r.Reply(ctx, "room42", "pong"); err != nil {
		t.Fatal(err)
	}
	if len(mx.got) != 1 || mx.got[0] != "digest:!room:example.org" {
		t.Errorf("matrix got %q", mx.got)
	}
	if len(nb.got) != 1 || nb.got[0] != "reply:room42" {
		t.Errorf("nats got %q", nb.got)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("digest", "ok")); got != 1 {
		t.Errorf("delivery metric = %v", got)
	}
}

func TestRouter_MissingTransport(t *testing.T) {
	r := NewRouter(nil, &fakeTransport{}, nil)
	err := r.Deliver(context.Background(), "!room:example.org", "d", digest.KindDigest)
	if !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
	r = NewRouter(&fakeTransport{}, nil, nil)
	if err := r.Reply(context.Background(), "room42", "x"); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}
