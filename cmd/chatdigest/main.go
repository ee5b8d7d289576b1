package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	// Schedules name IANA zones; embed the database for minimal images.
	_ "time/tzdata"

	"github.com/bdobrica/chatdigest/common/version"
	"github.com/bdobrica/chatdigest/internal/chatdigest/app"
	"github.com/bdobrica/chatdigest/internal/chatdigest/config"
	"github.com/bdobrica/chatdigest/internal/chatdigest/observability"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	observability.Setup(cfg.Log.Level, cfg.Log.Format)
	slog.Info("starting chatdigest", "version", version.Version, "commit", version.GitCommit, "build_time", version.BuildTime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatdigest: %v\n", err)
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running chatdigest: %v\n", err)
		os.Exit(1)
	}
}
