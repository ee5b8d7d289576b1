// Package messagelog is the append-only, per-conversation store of inbound
// chat text. Records are immutable once written; Range yields them ordered by
// occurred_at and then by insertion order.
package messagelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// ErrValidation is matched (via errors.Is) by every *ValidationError.
var ErrValidation = errors.New("messagelog: invalid record")

// ValidationError reports a record rejected before anything was written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("messagelog: invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Record is one stored chat message.
type Record struct {
	// ID is the insertion order assigned by Append.
	ID             int64
	ConversationID string
	SenderID       string
	SenderName     string
	// MessageID is the transport's event id, if any.
	MessageID  string
	Text       string
	OccurredAt time.Time
}

// Sender returns the display attribution for the record: "@name" when a
// sender name is known, otherwise the sender id.
func (r Record) Sender() string {
	if r.SenderName != "" {
		return "@" + r.SenderName
	}
	if r.SenderID != "" {
		return r.SenderID
	}
	return "unknown"
}

// SenderCount is one row of TopSenders.
type SenderCount struct {
	SenderID   string
	SenderName string
	Count      int
}

// Log is the SQLite-backed message log. It is safe for concurrent use.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// New returns a Log over db. The messages table must exist (store.New runs
// the migration that creates it).
func New(db *sql.DB) *Log {
	return &Log{db: db, now: time.Now}
}

// WithClock overrides the clock used to stamp records that arrive without an
// OccurredAt.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Append validates and durably stores rec, returning its insertion order.
// Text is trimmed; empty text or a blank conversation id is rejected with
// a *ValidationError. The conversation id is stored exactly as given so that
// Range finds the record under the same key.
func (l *Log) Append(ctx context.Context, rec Record) (int64, error) {
	conv := rec.ConversationID
	if strings.TrimSpace(conv) == "" {
		return 0, &ValidationError{Field: "conversation_id", Reason: "must not be empty"}
	}
	text := strings.TrimSpace(rec.Text)
	if text == "" {
		return 0, &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	at := rec.OccurredAt
	if at.IsZero() {
		at = l.now()
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, message_id, sender_id, sender_name, text, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conv, rec.MessageID, rec.SenderID, rec.SenderName, text, at.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("messagelog: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("messagelog: last insert id: %w", err)
	}
	return id, nil
}

// Range yields the records of conversationID with from <= occurred_at < to,
// ordered by occurred_at then insertion order. The sequence is lazy: nothing
// is queried until it is ranged over, and ranging again re-runs the query.
// A query error is yielded once as the final element.
//
// The store runs on a single connection, so the loop body must not issue
// other queries against the same database; use Collect when it needs to.
func (l *Log) Range(ctx context.Context, conversationID string, from, to time.Time) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := l.db.QueryContext(ctx, `
			SELECT id, conversation_id, message_id, sender_id, sender_name, text, occurred_at
			FROM messages
			WHERE conversation_id = ? AND occurred_at >= ? AND occurred_at < ?
			ORDER BY occurred_at ASC, id ASC`,
			conversationID, from.UTC().UnixNano(), to.UTC().UnixNano(),
		)
		if err != nil {
			yield(Record{}, fmt.Errorf("messagelog: range query: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, fmt.Errorf("messagelog: range rows: %w", err))
		}
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Search runs a full-text query over conversationID's messages and returns
// at most limit matches, newest first.
func (l *Log) Search(ctx context.Context, conversationID, query string, limit int) ([]Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.message_id, m.sender_id, m.sender_name, m.text, m.occurred_at
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE m.conversation_id = ? AND messages_fts MATCH ?
		ORDER BY m.occurred_at DESC, m.id DESC
		LIMIT ?`,
		conversationID, ftsQuery(query), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messagelog: search: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messagelog: search rows: %w", err)
	}
	return out, nil
}

// Count returns the number of messages in conversationID since the given instant.
func (l *Log) Count(ctx context.Context, conversationID string, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND occurred_at >= ?`,
		conversationID, since.UTC().UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("messagelog: count: %w", err)
	}
	return n, nil
}

// TopSenders returns the most active senders in conversationID since the
// given instant, busiest first.
func (l *Log) TopSenders(ctx context.Context, conversationID string, since time.Time, limit int) ([]SenderCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT sender_id, MAX(sender_name), COUNT(*) AS cnt
		FROM messages
		WHERE conversation_id = ? AND occurred_at >= ?
		GROUP BY sender_id
		ORDER BY cnt DESC, sender_id ASC
		LIMIT ?`,
		conversationID, since.UTC().UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messagelog: top senders: %w", err)
	}
	defer rows.Close()

	var out []SenderCount
	for rows.Next() {
		var sc SenderCount
		if err := rows.Scan(&sc.SenderID, &sc.SenderName, &sc.Count); err != nil {
			return nil, fmt.Errorf("messagelog: scan sender count: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messagelog: top senders rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows rowScanner) (Record, error) {
	var (
		rec Record
		at  int64
	)
	if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.MessageID, &rec.SenderID, &rec.SenderName, &rec.Text, &at); err != nil {
		return Record{}, fmt.Errorf("messagelog: scan record: %w", err)
	}
	rec.OccurredAt = time.Unix(0, at).UTC()
	return rec, nil
}

// ftsQuery quotes every whitespace-separated term so user input cannot use
// FTS5 query syntax; terms are implicitly AND-ed.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
