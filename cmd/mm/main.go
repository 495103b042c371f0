// ProphetX Market Maker: a sandbox market-making client for the ProphetX
// sports exchange.
//
// Architecture:
//
//	main.go              entry point: loads config, runs the engine, waits for SIGINT/SIGTERM
//	engine/engine.go     orchestrator: login, seed, subscribe, schedule; resubscribe on refresh
//	session/session.go   bearer session: login, periodic refresh, rotation hooks
//	market/seeder.go     discovers tournaments, events and markets into the Snapshot
//	market/snapshot.go   in-memory mirror of the catalog, patched by live deltas
//	stream/manager.go    pub/sub subscription: channel authorisation, binding, delta dispatch
//	pusher/conn.go       minimal Pusher protocol client over gorilla/websocket
//	wager/engine.go      placement, cancellation and random cancel sweeps against the ledger
//	scheduler            independent periodic tasks
//	export               snapshot rows to CSV, Redis, Kafka or Postgres
//	store/store.go       JSON persistence of outstanding wagers (survives restarts)
//	api                  operator status server and /metrics
//
// With -export the client takes one snapshot, appends it to the configured
// sink and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"prophetx-mm/internal/api"
	"prophetx-mm/internal/config"
	"prophetx-mm/internal/engine"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	exportOnly := flag.Bool("export", false, "export one snapshot to the configured sink and exit")
	flag.Parse()

	if p := os.Getenv("PMM_CONFIG"); p != "" {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *exportOnly {
		n, err := eng.Export(ctx)
		if err != nil {
			logger.Error("export failed", "error", err)
			os.Exit(1)
		}
		logger.Info("export complete", "rows", n, "sink", cfg.Export.Sink, "destination", cfg.Export.Destination)
		return
	}

	if err := run(ctx, cfg, eng, logger); err != nil {
		logger.Error("market maker stopped", "error", err)
		os.Exit(1)
	}
}

// run drives the engine and the status server until ctx is cancelled or
// either of them fails.
func run(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer eng.Stop()
		return eng.Run(ctx)
	})

	if cfg.Status.Enabled {
		srv := api.NewServer(cfg.Status, eng, eng.Metrics().Handler(), logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			return srv.Stop()
		})
		logger.Info("status server enabled", "url", fmt.Sprintf("http://localhost:%d", cfg.Status.Port))
	}

	logger.Info("prophetx market maker started",
		"base_url", cfg.API.BaseURL,
		"tournaments", cfg.Tournaments,
		"stake", cfg.Wager.Stake.String(),
		"wagering", cfg.Schedule.Enabled,
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
