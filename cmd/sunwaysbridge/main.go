package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/raterudder/sunwaysbridge/pkg/configflow"
	"github.com/raterudder/sunwaysbridge/pkg/entity"
	"github.com/raterudder/sunwaysbridge/pkg/integration"
	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/server"
	"github.com/raterudder/sunwaysbridge/pkg/storage"
	"github.com/raterudder/sunwaysbridge/pkg/sunways"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

func main() {
	// a missing .env is fine, flags and the environment still apply
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// init packages
	api := sunways.Configured()
	s := storage.Configured()
	mqttCfg := entity.ConfiguredMQTT()
	bootstrap := configflow.ConfiguredBootstrap()
	logFormat := lflag.String("log-format", "json", "Log output format (json or text)")
	retryInterval := lflag.Duration("setup-retry-interval", 30*time.Second, "How long to wait before retrying the setup of an entry that is not ready")

	collector := entity.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collector,
	)
	manager := integration.Configured(api, s, collector, mqttCfg)

	// init server
	srv := server.Configured(manager, s, func(email, password, initialToken string) configflow.StationLister {
		return configflow.NewClientFactory(*api)(email, password, initialToken)
	}, registry)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	log.SetDefaultFormat(*logFormat)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	defer manager.Close()

	if bootstrap.Enabled() {
		if err := addBootstrapEntry(ctx, s, *api, *bootstrap); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to add entry from flags", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx, *retryInterval); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "integration failed", slog.Any("error", err))
			cancel()
		}
	}()

	// Run will block until context is canceled or error happens
	err := srv.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

// addBootstrapEntry validates the credentials from the flags and stores the
// entry they resolve to. An entry that already exists is left alone.
func addBootstrapEntry(ctx context.Context, db storage.Database, api sunways.Options, b configflow.Bootstrap) error {
	f := configflow.New(configflow.NewClientFactory(api), db)
	res, err := f.Complete(ctx, b)
	if err != nil {
		return err
	}
	if res.Type == configflow.ResultAbort {
		log.Ctx(ctx).InfoContext(ctx, "entry from flags already configured", slog.String("reason", res.Reason))
		return nil
	}
	return saveEntry(ctx, db, *res.Entry)
}

func saveEntry(ctx context.Context, db storage.Database, entry types.Entry) error {
	if err := db.SaveEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "added entry from flags", slog.String("stationID", entry.StationID), slog.String("title", entry.Title))
	return nil
}
