// Package summarizer implements digest.Summarizer over an OpenAI-compatible
// chat completions API.
//
// Long windows are split into blocks of bounded size. Each block is
// summarised on its own and the partial summaries are then merged into one
// digest; a window that fits in a single block costs a single call.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bdobrica/chatdigest/common/retry"
	"github.com/bdobrica/chatdigest/common/version"
	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o-mini"
	defaultTimeout    = 60 * time.Second
	defaultChunkChars = 8000
	defaultMaxTokens  = 1024
	defaultTemp       = 0.2

	// DefaultSystemPrompt asks for a secretary-style digest grouped by topic.
	DefaultSystemPrompt = "You are the attentive secretary of a group chat. Write a short digest of the discussion. " +
		"Group it by topic and call out tasks, deadlines, open disagreements and decisions taken. " +
		"Finish with a todo list and a risks/blockers section when there are any."
)

// Config configures the Gateway.
type Config struct {
	// APIKey is the bearer token for authentication.
	APIKey string

	// BaseURL overrides the API endpoint. Defaults to https://api.openai.com/v1.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini.
	Model string

	// Timeout is the per-request HTTP timeout. Defaults to 60 s. The
	// orchestrator bounds the whole call separately.
	Timeout time.Duration

	// ChunkChars is the maximum transcript size of one block. Defaults to 8000.
	ChunkChars int

	// SystemPrompt replaces DefaultSystemPrompt when set.
	SystemPrompt string

	// RatePerMinute caps API calls across all conversations. Zero means
	// unlimited.
	RatePerMinute int

	// Retry governs retries of transient failures (HTTP 429, 5xx, network).
	Retry retry.Config
}

// Gateway is a digest.Summarizer. It is safe for concurrent use.
type Gateway struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ChunkChars <= 0 {
		cfg.ChunkChars = defaultChunkChars
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	}

	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

// Summarize produces the digest text for req.Messages.
func (g *Gateway) Summarize(ctx context.Context, req digest.SummaryRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", errors.New("summarizer: no messages")
	}

	blocks := Chunk(req.Messages, g.cfg.ChunkChars)
	partials := make([]string, 0, len(blocks))
	for i, block := range blocks {
		prompt := fmt.Sprintf("Summarise block %d/%d of the %s conversation:\n%s", i+1, len(blocks), req.Label, block)
		text, err := g.complete(ctx, prompt)
		if err != nil {
			return "", fmt.Errorf("summarizer: block %d/%d: %w", i+1, len(blocks), err)
		}
		partials = append(partials, text)
	}
	if len(partials) == 1 {
		return partials[0], nil
	}

	var b strings.Builder
	for i, p := range partials {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Block %d: %s", i+1, p)
	}
	prompt := fmt.Sprintf("Merge these block summaries of the %s conversation into a single concise digest with headings:\n%s", req.Label, b.String())
	text, err := g.complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("summarizer: merge: %w", err)
	}
	return text, nil
}

// Chunk renders messages as transcript lines and packs them into blocks of
// at most maxChars. A single line longer than maxChars becomes its own block.
func Chunk(messages []messagelog.Record, maxChars int) []string {
	var (
		blocks  []string
		current strings.Builder
	)
	for _, m := range messages {
		line := fmt.Sprintf("- %s: %s\n", m.Sender(), m.Text)
		if current.Len()+len(line) > maxChars && current.Len() > 0 {
			blocks = append(blocks, current.String())
			current.Reset()
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		blocks = append(blocks, current.String())
	}
	return blocks
}

func (g *Gateway) complete(ctx context.Context, prompt string) (string, error) {
	data, err := json.Marshal(chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: g.cfg.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemp,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var text string
	err = retry.Do(ctx, g.cfg.Retry, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return retry.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		var err error
		text, err = g.post(ctx, data)
		return err
	})
	return text, err
}

// post performs one HTTP call. Errors that retrying cannot fix are wrapped
// with retry.Permanent.
func (g *Gateway) post(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(body),
	)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("create http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", retry.Permanent(fmt.Errorf("http request: %w", err))
		}
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	var chatResp chatResponse
	decodeErr := json.Unmarshal(respBody, &chatResp)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("rate limited (HTTP 429)%s", apiMessage(chatResp))
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("server error (HTTP %d)%s", resp.StatusCode, apiMessage(chatResp))
	case resp.StatusCode >= 400:
		return "", retry.Permanent(fmt.Errorf("request rejected (HTTP %d)%s", resp.StatusCode, apiMessage(chatResp)))
	}

	if decodeErr != nil {
		return "", retry.Permanent(fmt.Errorf("decode response: %w", decodeErr))
	}
	if chatResp.Error != nil {
		return "", retry.Permanent(fmt.Errorf("API error (%s): %s", chatResp.Error.Type, chatResp.Error.Message))
	}
	if len(chatResp.Choices) == 0 {
		return "", retry.Permanent(errors.New("no choices returned"))
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", retry.Permanent(errors.New("empty completion"))
	}
	return text, nil
}

func apiMessage(r chatResponse) string {
	if r.Error == nil || r.Error.Message == "" {
		return ""
	}
	return ": " + r.Error.Message
}

var _ digest.Summarizer = (*Gateway)(nil)
