// Package app wires the chatdigest components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/chatdigest/common/redact"
	"github.com/bdobrica/chatdigest/common/retry"
	"github.com/bdobrica/chatdigest/internal/chatdigest/commands"
	"github.com/bdobrica/chatdigest/internal/chatdigest/config"
	"github.com/bdobrica/chatdigest/internal/chatdigest/delivery"
	"github.com/bdobrica/chatdigest/internal/chatdigest/digest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/ingest"
	"github.com/bdobrica/chatdigest/internal/chatdigest/keywords"
	"github.com/bdobrica/chatdigest/internal/chatdigest/lock"
	"github.com/bdobrica/chatdigest/internal/chatdigest/matrix"
	"github.com/bdobrica/chatdigest/internal/chatdigest/messagelog"
	"github.com/bdobrica/chatdigest/internal/chatdigest/natsbus"
	"github.com/bdobrica/chatdigest/internal/chatdigest/observability"
	"github.com/bdobrica/chatdigest/internal/chatdigest/schedule"
	"github.com/bdobrica/chatdigest/internal/chatdigest/scheduler"
	"github.com/bdobrica/chatdigest/internal/chatdigest/store"
	"github.com/bdobrica/chatdigest/internal/chatdigest/summarizer"
)

// minCycleLockTTL is the floor for the distributed cycle lock.
const minCycleLockTTL = 15 * time.Minute

// App is a running chatdigest process.
type App struct {
	cfg *config.Config

	store   *store.Store
	redis   *redis.Client
	matrix  *matrix.Client
	bus     *natsbus.Bus
	engine  *scheduler.Engine
	inbound *Inbound
	health  *HealthServer
	metrics *observability.Metrics
}

// New builds every component from cfg. Network transports are connected
// here so that misconfiguration fails fast; syncing starts in Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, metrics: observability.NewMetrics()}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	db := st.DB()

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisURL != "" {
		client, err := lock.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		a.redis = client
		locker = lock.NewRedisLocker(client, lock.RedisConfig{})
		slog.Info("using redis locks")
	}

	defaultTime, err := schedule.ParseTimeOfDay(cfg.Digest.DefaultTime)
	if err != nil {
		return fmt.Errorf("default digest time: %w", err)
	}
	schedules := schedule.New(db, locker, schedule.Defaults{Time: defaultTime, Timezone: cfg.Digest.Timezone})
	messages := messagelog.New(db)
	kw := keywords.New(db, 0)
	redactor := redact.New(cfg.Secrets()...)

	// Leave the interface nil for an unconfigured transport so the router
	// reports ErrNoTransport.
	var matrixTransport, natsTransport delivery.Transport
	if cfg.Matrix.Enabled() {
		mc, err := matrix.New(matrix.Config{
			Homeserver:    cfg.Matrix.Homeserver,
			UserID:        cfg.Matrix.UserID,
			AccessToken:   cfg.Matrix.AccessToken,
			RestrictRooms: len(cfg.AllowedChatIDs) > 0,
			AllowedRooms:  matrixRooms(cfg.AllowedChatIDs),
			DB:            db,
		})
		if err != nil {
			return err
		}
		a.matrix = mc
		matrixTransport = matrix.NewDeliverer(mc, retry.DefaultConfig)
	}
	if cfg.NATS.URL != "" {
		bus, err := natsbus.Connect(ctx, natsbus.Config{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err != nil {
			return err
		}
		a.bus = bus
		natsTransport = bus
	}
	router := delivery.NewRouter(matrixTransport, natsTransport, a.metrics)

	gateway := summarizer.New(summarizer.Config{
		APIKey:        cfg.LLM.APIKey,
		BaseURL:       cfg.LLM.BaseURL,
		Model:         cfg.LLM.Model,
		ChunkChars:    cfg.LLM.ChunkChars,
		SystemPrompt:  cfg.LLM.SystemPrompt,
		RatePerMinute: cfg.LLM.RatePerMinute,
	})
	orchestrator := digest.NewOrchestrator(digest.NewSelector(messages), gateway, router, digest.OrchestratorConfig{
		SummaryTimeout: cfg.Digest.SummaryTimeout,
		AnnounceEmpty:  cfg.Digest.AnnounceEmpty,
		Redactor:       redactor,
	})

	a.engine = scheduler.New(schedules, orchestrator, locker, scheduler.Config{
		TickInterval: cfg.Digest.TickInterval,
		Concurrency:  cfg.Digest.Concurrency,
		MaxAttempts:  cfg.Digest.MaxAttempts,
		CycleLockTTL: max(minCycleLockTTL, 2*cfg.Digest.SummaryTimeout),
	}, scheduler.WithMetrics(a.metrics))

	cmds := commands.NewRouter(commands.Prefix)
	commands.NewHandlers(commands.HandlersConfig{
		Messages:  messages,
		Schedules: schedules,
		Keywords:  kw,
		Digests:   orchestrator,
	}).Register(cmds)

	a.inbound = NewInbound(InboundConfig{
		Messages:       messages,
		Schedules:      schedules,
		Keywords:       kw,
		Commands:       cmds,
		Replier:        router,
		Metrics:        a.metrics,
		Redactor:       redactor,
		AllowedChatIDs: cfg.AllowedChatIDs,
		KeywordReply:   cfg.KeywordReply,
	})

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, st)
		a.health.Handle("GET /metrics", a.metrics.Handler())
	}
	return nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fail := func(err error) error {
		cancel()
		return errors.Join(err, a.engine.Stop(), a.Close())
	}

	if a.health != nil {
		if err := a.health.Start(runCtx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	if a.matrix != nil {
		if err := a.matrix.Start(runCtx, a.handleMatrix); err != nil {
			return fail(fmt.Errorf("failed to start Matrix client: %w", err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Consume(runCtx, a.inbound.Handle); err != nil {
			return fail(fmt.Errorf("failed to start NATS consumer: %w", err))
		}
	}

	if err := a.engine.Start(runCtx); err != nil {
		return fail(err)
	}

	slog.Info("chatdigest is running")
	<-ctx.Done()
	slog.Info("shutting down")

	// Cancelled cycles record nothing and run again after restart.
	stopErr := a.engine.Stop()
	return errors.Join(stopErr, a.Close())
}

func (a *App) handleMatrix(ctx context.Context, msg ingest.Message) {
	if err := a.inbound.Handle(ctx, msg); err != nil {
		slog.Error("failed to ingest matrix message", "conversation_id", msg.ConversationID, "err", err)
	}
}

// Close releases every resource. It is safe on a partially built App.
func (a *App) Close() error {
	if a.matrix != nil {
		slog.Info("stopping Matrix client")
		a.matrix.Stop()
	}
	if a.bus != nil {
		slog.Info("closing NATS connection")
		a.bus.Close()
	}
	if a.health != nil {
		a.health.Stop()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		slog.Info("closing database")
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// Inbound returns the message entry point shared by the transports.
func (a *App) Inbound() *Inbound { return a.inbound }

func matrixRooms(ids []string) []string {
	var rooms []string
	for _, id := range ids {
		if delivery.IsMatrixRoom(id) {
			rooms = append(rooms, id)
		}
	}
	return rooms
}
