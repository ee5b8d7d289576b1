// Package schedule is the durable per-conversation digest schedule: a local
// time of day, an IANA timezone and the monotonic last-fired guard.
//
// Every mutation runs under the conversation's lock.ScheduleKey so that a
// user changing the time and the scheduler recording a fired occurrence are
// serialised. The last-fired guard is additionally enforced in SQL, which
// keeps it correct when several processes share the database.
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/chatdigest/internal/chatdigest/lock"
)

// Defaults are applied to conversations that have no schedule yet.
type Defaults struct {
	Time     TimeOfDay
	Timezone string
}

// Store is the SQLite-backed schedule store.
type Store struct {
	db       *sql.DB
	locker   lock.Locker
	defaults Defaults
}

// New returns a Store over db. A nil locker falls back to an in-process
// lock.KeyedMutex.
func New(db *sql.DB, locker lock.Locker, defaults Defaults) *Store {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Store{db: db, locker: locker, defaults: defaults}
}

// Defaults returns the process-wide defaults.
func (s *Store) Defaults() Defaults { return s.defaults }

func (s *Store) withLock(ctx context.Context, conversationID string, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, lock.ScheduleKey(conversationID))
	if err != nil {
		return fmt.Errorf("schedule: lock %s: %w", conversationID, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			slog.Warn("schedule: unlock failed", "conversation_id", conversationID, "err", err)
		}
	}()
	return fn()
}

// GetOrCreateDefault returns the conversation's entry, creating it with the
// given defaults when absent. Concurrent calls for one conversation create
// exactly one row.
func (s *Store) GetOrCreateDefault(ctx context.Context, conversationID string, defaultTime TimeOfDay, defaultTimezone string) (Entry, error) {
	if _, err := LoadLocation(defaultTimezone); err != nil {
		return Entry{}, err
	}
	var entry Entry
	err := s.withLock(ctx, conversationID, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (conversation_id, digest_time, timezone)
			VALUES (?, ?, ?)
			ON CONFLICT(conversation_id) DO NOTHING`,
			conversationID, defaultTime.String(), defaultTimezone,
		); err != nil {
			return fmt.Errorf("schedule: create default for %s: %w", conversationID, err)
		}
		var err error
		entry, err = s.get(ctx, conversationID)
		return err
	})
	return entry, err
}

// EnsureDefault is GetOrCreateDefault with the store's own defaults.
func (s *Store) EnsureDefault(ctx context.Context, conversationID string) (Entry, error) {
	return s.GetOrCreateDefault(ctx, conversationID, s.defaults.Time, s.defaults.Timezone)
}

// Get returns the conversation's entry or ErrNotFound.
func (s *Store) Get(ctx context.Context, conversationID string) (Entry, error) {
	return s.get(ctx, conversationID)
}

// SetTime validates timeOfDay and stores it, preserving LastFired. A missing
// entry is created with the default timezone. On ErrInvalidTimeFormat
// nothing is changed.
func (s *Store) SetTime(ctx context.Context, conversationID, timeOfDay string) (Entry, error) {
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	err = s.withLock(ctx, conversationID, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (conversation_id, digest_time, timezone)
			VALUES (?, ?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET
				digest_time = excluded.digest_time,
				updated_at  = CURRENT_TIMESTAMP`,
			conversationID, tod.String(), s.defaults.Timezone,
		); err != nil {
			return fmt.Errorf("schedule: set time for %s: %w", conversationID, err)
		}
		var err error
		entry, err = s.get(ctx, conversationID)
		return err
	})
	return entry, err
}

// SetTimezone validates tz and stores it, preserving the time of day. When
// the zone changes LastFired is moved to the new zone's calendar, so the
// occurrence that already fired is not repeated and the next one in the new
// zone is not skipped. A missing entry is created with the default time.
func (s *Store) SetTimezone(ctx context.Context, conversationID, tz string) (Entry, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	err = s.withLock(ctx, conversationID, func() error {
		lastFired := ""
		current, err := s.get(ctx, conversationID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case !current.LastFired.IsZero():
			rebased := current.LastFired
			if current.Timezone != tz {
				if from, err := current.Location(); err == nil {
					rebased = rebaseLastFired(current.LastFired, current.Time, from, loc)
				}
			}
			lastFired = rebased.String()
		}

		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (conversation_id, digest_time, timezone)
			VALUES (?, ?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET
				timezone              = excluded.timezone,
				last_fired_occurrence = COALESCE(NULLIF(?, ''), last_fired_occurrence),
				updated_at            = CURRENT_TIMESTAMP`,
			conversationID, s.defaults.Time.String(), tz, lastFired,
		); err != nil {
			return fmt.Errorf("schedule: set timezone for %s: %w", conversationID, err)
		}
		entry, err = s.get(ctx, conversationID)
		return err
	})
	return entry, err
}

// rebaseLastFired re-expresses a last-fired date kept in zone from as the
// date, in zone to, of the latest occurrence at t that is not after the
// instant that actually fired.
func rebaseLastFired(last Date, t TimeOfDay, from, to *time.Location) Date {
	fired := t.On(last, from)
	d := DateOf(fired.In(to))
	if t.On(d, to).After(fired) {
		d = d.AddDays(-1)
	}
	return d
}

// RecordFired advances LastFired to occurrence. It is a monotonic
// compare-and-set: when occurrence is not strictly after the stored value
// nothing changes and recorded is false. It is not an error.
func (s *Store) RecordFired(ctx context.Context, conversationID string, occurrence Date) (recorded bool, err error) {
	if occurrence.IsZero() {
		return false, fmt.Errorf("schedule: record fired for %s: zero occurrence", conversationID)
	}
	err = s.withLock(ctx, conversationID, func() error {
		// YYYY-MM-DD strings compare in calendar order.
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_fired_occurrence = ?, updated_at = CURRENT_TIMESTAMP
			WHERE conversation_id = ?
			  AND (last_fired_occurrence IS NULL OR last_fired_occurrence < ?)`,
			occurrence.String(), conversationID, occurrence.String(),
		)
		if err != nil {
			return fmt.Errorf("schedule: record fired for %s: %w", conversationID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("schedule: record fired rows: %w", err)
		}
		recorded = n == 1
		return nil
	})
	return recorded, err
}

// List returns every entry, ordered by conversation id.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, digest_time, timezone, last_fired_occurrence
		FROM schedules
		ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("schedule: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			// One corrupt row must not hide every other conversation.
			slog.Warn("schedule: skipping malformed row", "err", err)
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) get(ctx context.Context, conversationID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, digest_time, timezone, last_fired_occurrence
		FROM schedules WHERE conversation_id = ?`, conversationID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e         Entry
		timeStr   string
		lastFired sql.NullString
	)
	if err := row.Scan(&e.ConversationID, &timeStr, &e.Timezone, &lastFired); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("schedule: scan: %w", err)
	}
	tod, err := ParseTimeOfDay(timeStr)
	if err != nil {
		return Entry{}, fmt.Errorf("schedule: stored time for %s: %w", e.ConversationID, err)
	}
	e.Time = tod
	if lastFired.Valid && lastFired.String != "" {
		d, err := ParseDate(lastFired.String)
		if err != nil {
			return Entry{}, err
		}
		e.LastFired = d
	}
	return e, nil
}
