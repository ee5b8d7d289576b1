package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/chatdigest/common/retry"
	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
)

var fastRetry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func records(texts ...string) []messagelog.Record {
	out := make([]messagelog.Record, 0, len(texts))
	for i, t := range texts {
		out = append(out, messagelog.Record{
			ID:             int64(i + 1),
			ConversationID: "!a:test",
			SenderName:     fmt.Sprintf("user%d", i%2),
			Text:           t,
		})
	}
	return out
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponse{
		Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: content}}},
	})
}

func TestChunk(t *testing.T) {
	msgs := records("aaaa", "bbbb", "cccc")
	// Each line is "- @userN: xxxx\n" = 16 bytes.
	tests := []struct {
		max  int
		want int
	}{
		{1000, 1},
		{32, 2},
		{16, 3},
		{5, 3},
	}
	for _, tt := range tests {
		blocks := Chunk(msgs, tt.max)
		if len(blocks) != tt.want {
			t.Errorf("Chunk(max=%d) = %d blocks, want %d: %q", tt.max, len(blocks), tt.want, blocks)
		}
		if joined := strings.Join(blocks, ""); joined != "- @user0: aaaa\n- @user1: bbbb\n- @user0: cccc\n" {
			t.Errorf("Chunk(max=%d) lost or reordered lines: %q", tt.max, joined)
		}
	}
	if got := Chunk(nil, 10); len(got) != 0 {
		t.Errorf("Chunk(nil) = %q", got)
	}
}

func TestGateway_SingleBlock(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected Authorization: %s", r.Header.Get("Authorization"))
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Fatalf("unexpected messages: %+v", req.Messages)
		}
		if req.Model != defaultModel {
			t.Errorf("model = %q", req.Model)
		}
		if !strings.Contains(req.Messages[1].Content, "- @user0: ship the release") {
			t.Errorf("transcript missing from prompt: %q", req.Messages[1].Content)
		}
		if !strings.Contains(req.Messages[1].Content, "daily") {
			t.Errorf("label missing from prompt: %q", req.Messages[1].Content)
		}
		writeCompletion(w, "  Release shipped.  ")
	}))
	defer srv.Close()

	g := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/", Retry: fastRetry})
	got, err := g.Summarize(context.Background(), digest.SummaryRequest{
		ConversationID: "!a:test", Label: "daily", Messages: records("ship the release", "done"),
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Release shipped." {
		t.Errorf("summary = %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("single block should cost one call, got %d", calls.Load())
	}
}

func TestGateway_ChunkedMerge(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		prompt := req.Messages[1].Content
		if strings.HasPrefix(prompt, "Merge") {
			if !strings.Contains(prompt, "Block 1: partial-1") || !strings.Contains(prompt, "Block 3: partial-3") {
				t.Errorf("merge prompt missing partials: %q", prompt)
			}
			writeCompletion(w, "merged digest")
			return
		}
		writeCompletion(w, fmt.Sprintf("partial-%d", n))
	}))
	defer srv.Close()

	g := New(Config{APIKey: "k", BaseURL: srv.URL, ChunkChars: 16, Retry: fastRetry})
	got, err := g.Summarize(context.Background(), digest.SummaryRequest{
		Label: "daily", Messages: records("aaaa", "bbbb", "cccc"),
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "merged digest" {
		t.Errorf("summary = %q", got)
	}
	if calls.Load() != 4 {
		t.Errorf("expected 3 block calls + 1 merge, got %d", calls.Load())
	}
}

func TestGateway_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		writeCompletion(w, "ok")
	}))
	defer srv.Close()

	g := New(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry})
	got, err := g.Summarize(context.Background(), digest.SummaryRequest{Messages: records("x")})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "ok" || calls.Load() != 3 {
		t.Errorf("got %q after %d calls", got, calls.Load())
	}
}

func TestGateway_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer srv.Close()

	g := New(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry})
	_, err := g.Summarize(context.Background(), digest.SummaryRequest{Messages: records("x")})
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("expected auth error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestGateway_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	g := New(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry})
	if _, err := g.Summarize(context.Background(), digest.SummaryRequest{Messages: records("x")}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestGateway_NoMessages(t *testing.T) {
	g := New(Config{APIKey: "k"})
	if _, err := g.Summarize(context.Background(), digest.SummaryRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}

func TestGateway_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	g := New(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Summarize(ctx, digest.SummaryRequest{Messages: records("x")})
	if err == nil {
		t.Fatal("expected error after context deadline")
	}
}

func TestGateway_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "ok")
	}))
	defer srv.Close()

	// One call per minute: the second call must block until ctx expires.
	g := New(Config{APIKey: "k", BaseURL: srv.URL, RatePerMinute: 1, Retry: fastRetry})
	if _, err := g.Summarize(context.Background(), digest.SummaryRequest{Messages: records("x")}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Summarize(ctx, digest.SummaryRequest{Messages: records("x")}); err == nil {
		t.Fatal("expected second call to be throttled")
	}
}
