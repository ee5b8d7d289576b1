package messagelog_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
	"github.com/bdobrica/chatdigest/internal/chatdigest/store"
)

func newTestLog(t *testing.T) *messagelog.Log {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return messagelog.New(s.DB())
}

var base = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

func mustAppend(t *testing.T, l *messagelog.Log, rec messagelog.Record) int64 {
	t.Helper()
	id, err := l.Append(context.Background(), rec)
	if err != nil {
		t.Fatalf("Append(%+v): %v", rec, err)
	}
	return id
}

func TestAppend_Validation(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		rec   messagelog.Record
		field string
	}{
		{"missing conversation", messagelog.Record{Text: "hi", OccurredAt: base}, "conversation_id"},
		{"blank conversation", messagelog.Record{ConversationID: "  ", Text: "hi", OccurredAt: base}, "conversation_id"},
		{"empty text", messagelog.Record{ConversationID: "!room:test", OccurredAt: base}, "text"},
		{"whitespace text", messagelog.Record{ConversationID: "!room:test", Text: " \n\t ", OccurredAt: base}, "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, tt.rec)
			if !errors.Is(err, messagelog.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var ve *messagelog.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("expected field %q, got %+v", tt.field, ve)
			}
		})
	}

	n, err := l.Count(ctx, "!room:test", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected records were persisted: count=%d", n)
	}
}

func TestAppend_NormalisesTextAndStampsTime(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := newTestLog(t).WithClock(func() time.Time { return fixed })

	id := mustAppend(t, l, messagelog.Record{ConversationID: "!room:test", Text: "  hello  "})
	if id <= 0 {
		t.Fatalf("expected positive insertion order, got %d", id)
	}

	got, err := messagelog.Collect(l.Range(context.Background(), "!room:test", fixed, fixed.Add(time.Second)))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Text != "hello" {
		t.Errorf("Text: got %q, want %q", got[0].Text, "hello")
	}
	if !got[0].OccurredAt.Equal(fixed) {
		t.Errorf("OccurredAt: got %v, want %v", got[0].OccurredAt, fixed)
	}
}

func TestAppend_KeepsConversationIDVerbatim(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	padded := " team-1 "

	mustAppend(t, l, messagelog.Record{ConversationID: padded, Text: "standup at ten", OccurredAt: base})

	got, err := messagelog.Collect(l.Range(ctx, padded, base.Add(-time.Minute), base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record under %q, got %d", padded, len(got))
	}
	if got[0].ConversationID != padded {
		t.Errorf("ConversationID: got %q, want %q", got[0].ConversationID, padded)
	}

	other, err := messagelog.Collect(l.Range(ctx, "team-1", base.Add(-time.Minute), base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("trimmed id matched %d records, want 0", len(other))
	}
}

func TestRange_OrdersByTimeThenInsertion(t *testing.T) {
	l := newTestLog(t)
	conv := "!room:test"

	// Appended out of time order, with a tie at base+1m.
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "third", OccurredAt: base.Add(2 * time.Minute)})
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "tie-a", OccurredAt: base.Add(time.Minute)})
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "first", OccurredAt: base})
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "tie-b", OccurredAt: base.Add(time.Minute)})
	mustAppend(t, l, messagelog.Record{ConversationID: "!other:test", Text: "elsewhere", OccurredAt: base})

	got, err := messagelog.Collect(l.Range(context.Background(), conv, base, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	want := []string{"first", "tie-a", "tie-b", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("record %d: got %q, want %q", i, got[i].Text, w)
		}
	}
}

func TestRange_HalfOpenInterval(t *testing.T) {
	l := newTestLog(t)
	conv := "!room:test"
	from, to := base, base.Add(time.Hour)

	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "before", OccurredAt: from.Add(-time.Nanosecond)})
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "at-from", OccurredAt: from})
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "inside", OccurredAt: from.Add(30 * time.Minute)})
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "at-to", OccurredAt: to})

	got, err := messagelog.Collect(l.Range(context.Background(), conv, from, to))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 2 || got[0].Text != "at-from" || got[1].Text != "inside" {
		t.Fatalf("unexpected window: %+v", got)
	}
}

func TestRange_EmptyAndRestartable(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	empty, err := messagelog.Collect(l.Range(ctx, "!nobody:test", base, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Range on empty conversation: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty sequence, got %d", len(empty))
	}

	conv := "!room:test"
	seq := l.Range(ctx, conv, base, base.Add(time.Hour))
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "one", OccurredAt: base})

	first, err := messagelog.Collect(seq)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "two", OccurredAt: base.Add(time.Minute)})
	second, err := messagelog.Collect(seq)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(first) != 1 || len(second) != 2 {
		t.Errorf("expected lazy re-query: first=%d second=%d", len(first), len(second))
	}
}

func TestRange_EarlyBreak(t *testing.T) {
	l := newTestLog(t)
	conv := "!room:test"
	for i := range 5 {
		mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: fmt.Sprintf("m%d", i), OccurredAt: base.Add(time.Duration(i) * time.Second)})
	}

	seen := 0
	for _, err := range l.Range(context.Background(), conv, base, base.Add(time.Hour)) {
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected to stop after 2, saw %d", seen)
	}

	// The connection must have been released by the early break.
	if _, err := l.Count(context.Background(), conv, base); err != nil {
		t.Fatalf("Count after break: %v", err)
	}
}

func TestAppend_ConcurrentWritersNeverLoseRecords(t *testing.T) {
	l := newTestLog(t)
	conv := "!busy:test"
	const writers, perWriter = 4, 25

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				_, err := l.Append(context.Background(), messagelog.Record{
					ConversationID: conv,
					SenderID:       fmt.Sprintf("@w%d:test", w),
					Text:           fmt.Sprintf("msg %d/%d", w, i),
					OccurredAt:     base.Add(time.Duration(i) * time.Millisecond),
				})
				if err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, err := messagelog.Collect(l.Range(context.Background(), conv, base, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != writers*perWriter {
		t.Fatalf("got %d records, want %d", len(got), writers*perWriter)
	}
	seen := make(map[int64]bool)
	for i, rec := range got {
		if seen[rec.ID] {
			t.Fatalf("duplicate record id %d", rec.ID)
		}
		seen[rec.ID] = true
		if i > 0 {
			prev := got[i-1]
			if rec.OccurredAt.Before(prev.OccurredAt) ||
				(rec.OccurredAt.Equal(prev.OccurredAt) && rec.ID < prev.ID) {
				t.Fatalf("ordering violated at %d: %+v after %+v", i, rec, prev)
			}
		}
	}
}

func TestSearch(t *testing.T) {
	l := newTestLog(t)
	conv := "!room:test"
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "deploy the release on friday", OccurredAt: base})
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "lunch plans", OccurredAt: base.Add(time.Minute)})
	mustAppend(t, l, messagelog.Record{ConversationID: conv, Text: "release notes are ready", OccurredAt: base.Add(2 * time.Minute)})
	mustAppend(t, l, messagelog.Record{ConversationID: "!other:test", Text: "release elsewhere", OccurredAt: base})

	got, err := l.Search(context.Background(), conv, "release", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if got[0].Text != "release notes are ready" {
		t.Errorf("expected newest first, got %q", got[0].Text)
	}

	none, err := l.Search(context.Background(), conv, `"unbalanced`, 10)
	if err != nil {
		t.Fatalf("Search with quote: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no hits, got %d", len(none))
	}
}

func TestCountAndTopSenders(t *testing.T) {
	l := newTestLog(t)
	conv := "!room:test"
	for i, sender := range []string{"@alice:test", "@bob:test", "@alice:test", "@alice:test", "@carol:test"} {
		mustAppend(t, l, messagelog.Record{
			ConversationID: conv,
			SenderID:       sender,
			SenderName:     sender[1:4],
			Text:           "msg",
			OccurredAt:     base.Add(time.Duration(i) * time.Minute),
		})
	}

	n, err := l.Count(context.Background(), conv, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Errorf("Count: got %d, want 4", n)
	}

	top, err := l.TopSenders(context.Background(), conv, base, 2)
	if err != nil {
		t.Fatalf("TopSenders: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 senders, got %d", len(top))
	}
	if top[0].SenderID != "@alice:test" || top[0].Count != 3 {
		t.Errorf("top sender: got %+v", top[0])
	}
}

func TestRecordSender(t *testing.T) {
	tests := []struct {
		rec  messagelog.Record
		want string
	}{
		{messagelog.Record{SenderID: "@alice:test", SenderName: "alice"}, "@alice"},
		{messagelog.Record{SenderID: "@bob:test"}, "@bob:test"},
		{messagelog.Record{}, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.rec.Sender(); got != tt.want {
			t.Errorf("Sender(%+v) = %q, want %q", tt.rec, got, tt.want)
		}
	}
}
