// Package scheduler drives scheduled digests. A single periodic tick reads
// every schedule entry, decides from wall time and durable state alone which
// conversations are due, and dispatches one digest cycle per due
// conversation. There are no in-memory timers: a schedule change is picked
// up on the next tick and a restart loses nothing.
//
// Clock injection: the Engine accepts a Clock so that tests can move time
// precisely without wall-clock sleeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bdobrica/chatdigest/common/trace"
	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/lock"
	"github.com/bdobrica/chatdigest/internal/chatdigest/observability"
	"github.com/bdobrica/chatdigest/internal/chatdigest/schedule"
)

const (
	// MaxTickInterval is the longest allowed polling period.
	MaxTickInterval     = 60 * time.Second
	defaultTickInterval = 30 * time.Second
	defaultConcurrency  = 4
	defaultCycleLockTTL = 15 * time.Minute
	defaultLabel        = "daily"
)

// Clock is the engine's source of "now".
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Schedules is the part of the schedule store the engine reads and advances.
type Schedules interface {
	List(ctx context.Context) ([]schedule.Entry, error)
	Get(ctx context.Context, conversationID string) (schedule.Entry, error)
	RecordFired(ctx context.Context, conversationID string, occurrence schedule.Date) (bool, error)
}

// Runner runs one digest. *digest.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req digest.Request) (digest.Result, error)
}

// Config tunes an Engine.
type Config struct {
	// TickInterval is the polling period, clamped to (0, 60s]. Defaults to 30s.
	TickInterval time.Duration
	// Concurrency bounds the cycles running at once, across overlapping
	// ticks. Defaults to 4.
	Concurrency int
	// MaxAttempts caps failed attempts per occurrence. Zero retries on every
	// tick until the occurrence succeeds or its day ends.
	MaxAttempts int
	// CycleLockTTL bounds how long a crashed holder can block an occurrence
	// when the locker is distributed. It must exceed the summary timeout.
	CycleLockTTL time.Duration
	// Label is passed to the orchestrator for scheduled digests.
	Label string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.TickInterval > MaxTickInterval {
		c.TickInterval = MaxTickInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.CycleLockTTL <= 0 {
		c.CycleLockTTL = defaultCycleLockTTL
	}
	if c.Label == "" {
		c.Label = defaultLabel
	}
	return c
}

type attemptCount struct {
	occurrence schedule.Date
	n          int
}

// Engine evaluates schedules and dispatches digest cycles.
type Engine struct {
	schedules Schedules
	runner    Runner
	locker    lock.Locker
	clock     Clock
	metrics   *observability.Metrics
	cfg       Config

	mu       sync.Mutex
	attempts map[string]attemptCount // conversation id -> failures for one occurrence

	inflight sync.WaitGroup
	// slots bounds running cycles across all ticks.
	slots *semaphore.Weighted

	cronMu sync.Mutex
	cron   gocron.Scheduler
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithMetrics records tick and cycle metrics.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// New creates an Engine. A nil locker falls back to an in-process
// lock.KeyedMutex.
func New(schedules Schedules, runner Runner, locker lock.Locker, cfg Config, opts ...Option) *Engine {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	e := &Engine{
		schedules: schedules,
		runner:    runner,
		locker:    locker,
		clock:     realClock{},
		cfg:       cfg.withDefaults(),
		attempts:  make(map[string]attemptCount),
	}
	e.slots = semaphore.NewWeighted(int64(e.cfg.Concurrency))
	for _, o := range opts {
		o(e)
	}
	return e
}

// TickInterval reports the effective polling period.
func (e *Engine) TickInterval() time.Duration { return e.cfg.TickInterval }

// Due reports whether entry has an unfired occurrence at or before now, and
// the local date of that occurrence. Only today's occurrence is considered:
// a day missed entirely is never backfilled.
func Due(entry schedule.Entry, now time.Time) (today schedule.Date, due bool, err error) {
	loc, err := entry.Location()
	if err != nil {
		return schedule.Date{}, false, err
	}
	local := now.In(loc)
	today = schedule.DateOf(local)
	trigger := entry.Time.On(today, loc)
	return today, !local.Before(trigger) && entry.LastFired.Before(today), nil
}

// Window returns the digest window of the occurrence on date: from the same
// local time on the previous day up to the trigger instant.
func Window(entry schedule.Entry, date schedule.Date) (from, to time.Time, err error) {
	loc, err := entry.Location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return entry.Time.On(date.AddDays(-1), loc), entry.Time.On(date, loc), nil
}

// Tick evaluates every schedule once and dispatches a cycle for each due
// conversation. It returns the number of due conversations without waiting
// for their cycles; use Wait for that.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	entries, err := e.schedules.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list schedules: %w", err)
	}
	now := e.clock.Now()

	type dueEntry struct {
		entry schedule.Entry
		today schedule.Date
	}
	var due []dueEntry
	for _, entry := range entries {
		today, ok, err := Due(entry, now)
		if err != nil {
			slog.Warn("scheduler: skipping entry", "conversation_id", entry.ConversationID, "err", err)
			continue
		}
		if ok {
			due = append(due, dueEntry{entry: entry, today: today})
		}
	}
	e.metrics.RecordTick(len(due))
	if len(due) == 0 {
		return 0, nil
	}
	slog.Debug("scheduler: tick", "entries", len(entries), "due", len(due))

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		var g errgroup.Group
		for _, d := range due {
			g.Go(func() error {
				if err := e.slots.Acquire(ctx, 1); err != nil {
					return err
				}
				defer e.slots.Release(1)
				e.cycle(ctx, d.entry.ConversationID, d.today)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return len(due), nil
}

// Wait blocks until every cycle dispatched so far has finished.
func (e *Engine) Wait() { e.inflight.Wait() }

// cycle fires one occurrence. Failures are logged and leave the occurrence
// eligible for the next tick; they never affect other conversations.
func (e *Engine) cycle(ctx context.Context, conversationID string, occurrence schedule.Date) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx).With("conversation_id", conversationID, "occurrence", occurrence.String())
	start := time.Now()

	unlock, ok, err := e.locker.TryLock(ctx, lock.CycleKey(conversationID, occurrence.String()), e.cfg.CycleLockTTL)
	if err != nil {
		log.Error("scheduler: cycle lock failed", "err", err)
		e.metrics.RecordCycle("error", time.Since(start))
		return
	}
	if !ok {
		// Another tick or another instance is already firing this occurrence.
		log.Debug("scheduler: occurrence already in progress")
		e.metrics.RecordCycle("locked", time.Since(start))
		return
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Warn("scheduler: cycle unlock failed", "err", err)
		}
	}()

	// The entry may have changed or fired since the tick listed it.
	entry, err := e.schedules.Get(ctx, conversationID)
	if err != nil {
		log.Error("scheduler: reload schedule", "err", err)
		e.metrics.RecordCycle("error", time.Since(start))
		return
	}
	today, due, err := Due(entry, e.clock.Now())
	if err != nil || !due || today != occurrence {
		log.Debug("scheduler: no longer due", "err", err)
		return
	}

	if !e.beginAttempt(conversationID, occurrence) {
		e.metrics.RecordCycle("attempts_exhausted", time.Since(start))
		return
	}

	from, to, err := Window(entry, occurrence)
	if err != nil {
		log.Error("scheduler: window", "err", err)
		e.metrics.RecordCycle("error", time.Since(start))
		return
	}

	log.Info("scheduler: firing digest", "from", from, "to", to)
	res, err := e.runner.Run(ctx, digest.Request{
		ConversationID: conversationID,
		From:           from,
		To:             to,
		Label:          e.cfg.Label,
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, digest.ErrSummarization) {
			outcome = "summarization_failed"
		}
		log.Warn("scheduler: digest cycle failed, will retry", "err", err)
		e.metrics.RecordCycle(outcome, time.Since(start))
		return
	}

	recorded, err := e.schedules.RecordFired(ctx, conversationID, occurrence)
	if err != nil {
		log.Error("scheduler: record fired", "err", err)
		e.metrics.RecordCycle("error", time.Since(start))
		return
	}
	e.clearAttempts(conversationID)
	e.metrics.RecordCycle(string(res.Kind), time.Since(start))
	log.Info("scheduler: occurrence complete", "kind", res.Kind, "messages", res.Messages, "recorded", recorded)
}

// beginAttempt counts an attempt and reports whether it is allowed.
func (e *Engine) beginAttempt(conversationID string, occurrence schedule.Date) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.attempts[conversationID]
	if a.occurrence != occurrence {
		a = attemptCount{occurrence: occurrence}
	}
	if e.cfg.MaxAttempts > 0 && a.n >= e.cfg.MaxAttempts {
		if a.n == e.cfg.MaxAttempts {
			slog.Warn("scheduler: giving up on occurrence",
				"conversation_id", conversationID, "occurrence", occurrence.String(), "attempts", a.n)
			a.n++
			e.attempts[conversationID] = a
		}
		return false
	}
	a.n++
	e.attempts[conversationID] = a
	return true
}

func (e *Engine) clearAttempts(conversationID string) {
	e.mu.Lock()
	delete(e.attempts, conversationID)
	e.mu.Unlock()
}

// Start begins ticking every TickInterval, first tick immediately. Cycles
// run under ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cron != nil {
		return errors.New("scheduler: already started")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("scheduler: create: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(e.cfg.TickInterval),
		gocron.NewTask(func() {
			if _, err := e.Tick(ctx); err != nil {
				slog.Error("scheduler: tick failed", "err", err)
			}
		}),
		gocron.WithName("digest-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("scheduler: register tick: %w", err)
	}
	s.Start()
	e.cron = s
	slog.Info("scheduler: started", "tick_interval", e.cfg.TickInterval, "concurrency", e.cfg.Concurrency)
	return nil
}

// Stop halts ticking and waits for in-flight cycles. Cancel the context
// given to Start first to abort them.
func (e *Engine) Stop() error {
	e.cronMu.Lock()
	s := e.cron
	e.cron = nil
	e.cronMu.Unlock()

	var err error
	if s != nil {
		err = s.Shutdown()
	}
	e.Wait()
	return err
}
