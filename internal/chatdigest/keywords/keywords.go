// Package keywords keeps each conversation's watch list and records the
// messages that mention a watched word.
package keywords

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/patrickmn/go-cache"

	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
)

const defaultCacheTTL = 5 * time.Minute

// Hit is one message that matched at least one keyword.
type Hit struct {
	ID             int64
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	Matched        []string
	Text           string
	OccurredAt     time.Time
}

// Store persists keyword lists and hits. Lists are read on every inbound
// message, so they are cached in memory; Set refreshes the cache entry.
type Store struct {
	db    *sql.DB
	lists *cache.Cache
}

// New returns a Store over db. A non-positive ttl uses five minutes.
func New(db *sql.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Store{db: db, lists: cache.New(ttl, 2*ttl)}
}

// Parse splits a comma-separated list, trimming blanks and dropping
// case-insensitive duplicates. Order is preserved.
func Parse(csv string) []string {
	var (
		out  []string
		seen = map[string]bool{}
	)
	for _, raw := range strings.Split(csv, ",") {
		k := strings.TrimSpace(raw)
		if k == "" {
			continue
		}
		folded := strings.ToLower(k)
		if seen[folded] {
			continue
		}
		seen[folded] = true
		out = append(out, k)
	}
	return out
}

// Get returns the conversation's keywords; none configured is an empty list.
func (s *Store) Get(ctx context.Context, conversationID string) ([]string, error) {
	if v, ok := s.lists.Get(conversationID); ok {
		return v.([]string), nil
	}
	var csv string
	err := s.db.QueryRowContext(ctx,
		`SELECT keywords FROM keyword_lists WHERE conversation_id = ?`, conversationID,
	).Scan(&csv)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("keywords: get %s: %w", conversationID, err)
	}
	list := Parse(csv)
	s.lists.SetDefault(conversationID, list)
	return list, nil
}

// Set replaces the conversation's keywords and returns the normalised list.
// An empty csv clears the list.
func (s *Store) Set(ctx context.Context, conversationID, csv string) ([]string, error) {
	list := Parse(csv)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO keyword_lists (conversation_id, keywords)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			keywords   = excluded.keywords,
			updated_at = CURRENT_TIMESTAMP`,
		conversationID, strings.Join(list, ","),
	); err != nil {
		return nil, fmt.Errorf("keywords: set %s: %w", conversationID, err)
	}
	s.lists.SetDefault(conversationID, list)
	return list, nil
}

// Match returns the keywords that occur in text as whole words, compared
// case-insensitively. Word boundaries are Unicode aware, so Cyrillic and
// other non-Latin keywords match too.
func Match(text string, keywords []string) []string {
	if len(keywords) == 0 || text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var out []string
	for _, k := range keywords {
		if containsWord(lower, strings.ToLower(k)) {
			out = append(out, k)
		}
	}
	return out
}

func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for i := 0; i <= len(text)-len(word); {
		j := strings.Index(text[i:], word)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(word)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		i = start + size
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

// RecordHit stores one hit for rec.
func (s *Store) RecordHit(ctx context.Context, rec messagelog.Record, matched []string) error {
	if len(matched) == 0 {
		return nil
	}
	at := rec.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO keyword_hits (conversation_id, message_id, sender_id, sender_name, matched, text, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.MessageID, rec.SenderID, rec.SenderName,
		strings.Join(matched, ","), rec.Text, at.UTC().UnixNano(),
	); err != nil {
		return fmt.Errorf("keywords: record hit: %w", err)
	}
	return nil
}

// CountHits returns the number of hits at or after since.
func (s *Store) CountHits(ctx context.Context, conversationID string, since time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM keyword_hits WHERE conversation_id = ? AND occurred_at >= ?`,
		conversationID, since.UTC().UnixNano(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("keywords: count hits: %w", err)
	}
	return n, nil
}

// ListHits returns up to limit hits at or after since, oldest first.
func (s *Store) ListHits(ctx context.Context, conversationID string, since time.Time, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, sender_id, sender_name, matched, text, occurred_at
		FROM keyword_hits
		WHERE conversation_id = ? AND occurred_at >= ?
		ORDER BY occurred_at ASC, id ASC
		LIMIT ?`,
		conversationID, since.UTC().UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("keywords: list hits: %w", err)
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var (
			h       Hit
			matched string
			nanos   int64
		)
		if err := rows.Scan(&h.ID, &h.ConversationID, &h.MessageID, &h.SenderID, &h.SenderName, &matched, &h.Text, &nanos); err != nil {
			return nil, fmt.Errorf("keywords: scan hit: %w", err)
		}
		h.Matched = Parse(matched)
		h.OccurredAt = time.Unix(0, nanos).UTC()
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keywords: list hits rows: %w", err)
	}
	return out, nil
}
