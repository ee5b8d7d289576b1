package digest_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/chatdigest/common/redact"
	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
	"github.com/bdobrica/chatdigest/internal/chatdigest/store"
)

type delivery struct {
	conversationID string
	text           string
	kind           digest.Kind
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (d *recordingDeliverer) Deliver(_ context.Context, conversationID, text string, kind digest.Kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, delivery{conversationID, text, kind})
	return d.err
}

func (d *recordingDeliverer) all() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.sent...)
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls []digest.SummaryRequest
	fn    func(ctx context.Context, req digest.SummaryRequest) (string, error)
}

func (f *fakeSummarizer) Summarize(ctx context.Context, req digest.SummaryRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return "summary of " + req.Label, nil
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var t0 = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

func newLog(t *testing.T) *messagelog.Log {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "digest.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return messagelog.New(s.DB())
}

func appendAt(t *testing.T, l *messagelog.Log, conv, sender, text string, at time.Time) {
	t.Helper()
	if _, err := l.Append(context.Background(), messagelog.Record{
		ConversationID: conv, SenderName: sender, Text: text, OccurredAt: at,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestSelector_DelegatesToRange(t *testing.T) {
	l := newLog(t)
	appendAt(t, l, "!a:test", "ann", "before", t0.Add(-time.Minute))
	appendAt(t, l, "!a:test", "bob", "first", t0)
	appendAt(t, l, "!b:test", "eve", "other room", t0.Add(time.Minute))
	appendAt(t, l, "!a:test", "ann", "second", t0.Add(time.Hour))
	appendAt(t, l, "!a:test", "bob", "at end", t0.Add(2*time.Hour))

	w, err := digest.NewSelector(l).Select(context.Background(), "!a:test", t0, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if w.ConversationID != "!a:test" || !w.From.Equal(t0) || !w.To.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("unexpected window bounds: %+v", w)
	}
	var texts []string
	for _, m := range w.Messages {
		texts = append(texts, m.Text)
	}
	if got := strings.Join(texts, ","); got != "first,second" {
		t.Errorf("window texts = %q, want first,second", got)
	}

	empty, err := digest.NewSelector(l).Select(context.Background(), "!nobody:test", t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !empty.Empty() {
		t.Errorf("expected empty window, got %d messages", len(empty.Messages))
	}
}

func TestOrchestrator_Digest(t *testing.T) {
	l := newLog(t)
	appendAt(t, l, "!a:test", "ann", "hello", t0)
	appendAt(t, l, "!a:test", "bob", "world", t0.Add(time.Minute))

	sum := &fakeSummarizer{}
	del := &recordingDeliverer{}
	o := digest.NewOrchestrator(digest.NewSelector(l), sum, del, digest.OrchestratorConfig{AnnounceEmpty: true})

	res, err := o.Run(context.Background(), digest.Request{
		ConversationID: "!a:test", From: t0, To: t0.Add(time.Hour), Label: "daily",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != digest.KindDigest || res.Messages != 2 || !res.Delivered {
		t.Errorf("unexpected result: %+v", res)
	}
	if sum.callCount() != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.callCount())
	}
	req := sum.calls[0]
	if req.Label != "daily" || len(req.Messages) != 2 || req.Messages[0].Sender() != "@ann" || req.Messages[1].Text != "world" {
		t.Errorf("unexpected summary request: %+v", req)
	}

	sent := del.all()
	if len(sent) != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", len(sent))
	}
	if sent[0].kind != digest.KindDigest || !strings.Contains(sent[0].text, "summary of daily") {
		t.Errorf("unexpected delivery: %+v", sent[0])
	}
}

func TestOrchestrator_EmptyWindow(t *testing.T) {
	l := newLog(t)
	appendAt(t, l, "!a:test", "ann", "outside", t0.Add(-time.Hour))

	tests := []struct {
		name          string
		announce      bool
		wantDelivered int
	}{
		{"announced", true, 1},
		{"silent", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := &fakeSummarizer{}
			del := &recordingDeliverer{}
			o := digest.NewOrchestrator(digest.NewSelector(l), sum, del, digest.OrchestratorConfig{AnnounceEmpty: tt.announce})

			res, err := o.Run(context.Background(), digest.Request{
				ConversationID: "!a:test", From: t0, To: t0.Add(time.Hour), Label: "daily",
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Kind != digest.KindNoActivity {
				t.Errorf("kind = %s, want no_activity", res.Kind)
			}
			if sum.callCount() != 0 {
				t.Errorf("summarizer must not be called for an empty window")
			}
			sent := del.all()
			if len(sent) != tt.wantDelivered {
				t.Fatalf("deliveries = %d, want %d", len(sent), tt.wantDelivered)
			}
			if tt.wantDelivered == 1 && sent[0].kind != digest.KindNoActivity {
				t.Errorf("delivered kind = %s", sent[0].kind)
			}
		})
	}
}

func TestOrchestrator_SummarizerFailure(t *testing.T) {
	l := newLog(t)
	appendAt(t, l, "!a:test", "ann", "hello", t0)

	secret := "sk-very-secret-key"
	sum := &fakeSummarizer{fn: func(context.Context, digest.SummaryRequest) (string, error) {
		return "", errors.New("upstream rejected key " + secret)
	}}
	del := &recordingDeliverer{}
	o := digest.NewOrchestrator(digest.NewSelector(l), sum, del, digest.OrchestratorConfig{
		Redactor: redact.New(secret),
	})

	_, err := o.Run(context.Background(), digest.Request{
		ConversationID: "!a:test", From: t0, To: t0.Add(time.Hour), Label: "daily",
	})
	if !errors.Is(err, digest.ErrSummarization) {
		t.Fatalf("expected ErrSummarization, got %v", err)
	}
	var serr *digest.SummarizationError
	if !errors.As(err, &serr) || serr.ConversationID != "!a:test" {
		t.Errorf("expected *SummarizationError for !a:test, got %#v", err)
	}

	sent := del.all()
	if len(sent) != 1 || sent[0].kind != digest.KindFailureNotice {
		t.Fatalf("expected one failure notice, got %+v", sent)
	}
	if strings.Contains(sent[0].text, secret) {
		t.Errorf("failure notice leaks secret: %q", sent[0].text)
	}
}

func TestOrchestrator_EmptySummaryIsFailure(t *testing.T) {
	l := newLog(t)
	appendAt(t, l, "!a:test", "ann", "hello", t0)

	sum := &fakeSummarizer{fn: func(context.Context, digest.SummaryRequest) (string, error) { return "", nil }}
	o := digest.NewOrchestrator(digest.NewSelector(l), sum, &recordingDeliverer{}, digest.OrchestratorConfig{})

	_, err := o.Run(context.Background(), digest.Request{ConversationID: "!a:test", From: t0, To: t0.Add(time.Hour)})
	if !errors.Is(err, digest.ErrSummarization) {
		t.Fatalf("expected ErrSummarization for empty summary, got %v", err)
	}
}

func TestOrchestrator_SummaryTimeout(t *testing.T) {
	l := newLog(t)
	appendAt(t, l, "!a:test", "ann", "hello", t0)

	sum := &fakeSummarizer{fn: func(ctx context.Context, _ digest.SummaryRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	del := &recordingDeliverer{}
	o := digest.NewOrchestrator(digest.NewSelector(l), sum, del, digest.OrchestratorConfig{
		SummaryTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	_, err := o.Run(context.Background(), digest.Request{ConversationID: "!a:test", From: t0, To: t0.Add(time.Hour)})
	if !errors.Is(err, digest.ErrSummarization) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected summarization timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout not applied")
	}
	if sent := del.all(); len(sent) != 1 || sent[0].kind != digest.KindFailureNotice {
		t.Errorf("expected failure notice after timeout, got %+v", sent)
	}
}

func TestOrchestrator_DeliveryFailureDoesNotFailRun(t *testing.T) {
	l := newLog(t)
	appendAt(t, l, "!a:test", "ann", "hello", t0)

	del := &recordingDeliverer{err: errors.New("transport down")}
	o := digest.NewOrchestrator(digest.NewSelector(l), &fakeSummarizer{}, del, digest.OrchestratorConfig{})

	res, err := o.Run(context.Background(), digest.Request{ConversationID: "!a:test", From: t0, To: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("delivery failure must not fail the run: %v", err)
	}
	if res.Kind != digest.KindDigest || res.Delivered {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(del.all()) != 1 {
		t.Errorf("digest must be attempted exactly once")
	}
}
