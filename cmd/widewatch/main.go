package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wideobs/widewatch/internal/config"
	"github.com/wideobs/widewatch/internal/dispatch"
	"github.com/wideobs/widewatch/internal/logger"
	"github.com/wideobs/widewatch/internal/models"
	"github.com/wideobs/widewatch/internal/queryapi"
	"github.com/wideobs/widewatch/internal/registry"
	"github.com/wideobs/widewatch/internal/scheduler"
	"github.com/wideobs/widewatch/internal/server"
	"github.com/wideobs/widewatch/internal/storage"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	// Reloads re-read the config file so series edits land without a restart.
	reg, err := registry.New(func() ([]models.SeriesConfig, error) {
		c, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		return c.SeriesConfigs(), nil
	})
	if err != nil {
		logger.Fatal("Failed to build series registry: %v", err)
	}
	logger.Info("Registry loaded: %d series", len(reg.Snapshot().Series))

	queryClient := queryapi.NewClient(
		cfg.Query.BaseURL,
		cfg.Query.Timeout,
		queryapi.ClientConfig{
			MaxRetries:          cfg.Query.MaxRetries,
			RetryDelayBase:      cfg.Query.RetryDelayBase,
			RetryDelayMax:       cfg.Query.RetryDelayMax,
			MaxIdleConns:        cfg.Query.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Query.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.Query.IdleConnTimeout,
		},
	)

	sinks := []dispatch.Sink{dispatch.LogSink{}}
	if cfg.Notify.Webhook.Enabled {
		sinks = append(sinks, dispatch.NewWebhookSink(
			cfg.Notify.Webhook.URL,
			cfg.Notify.Webhook.Timeout,
			cfg.Notify.Webhook.MaxRetries,
			cfg.Notify.Webhook.RetryDelayBase,
		))
		logger.Info("Webhook sink enabled")
	}
	if cfg.Notify.Telegram.Enabled {
		tg, err := dispatch.NewTelegramSink(
			cfg.Notify.Telegram.BotToken,
			cfg.Notify.Telegram.ChatID,
			cfg.Notify.Telegram.MaxRetries,
			cfg.Notify.Telegram.RetryDelayBase,
		)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram sink: %v", err)
		}
		sinks = append(sinks, tg)
		logger.Info("Telegram sink enabled")
	}

	dispatcher := dispatch.New(sinks, cfg.Notify.QueueSize)

	baselines, err := store.LoadAllBaselines()
	if err != nil {
		logger.Fatal("Failed to load persisted baselines: %v", err)
	}
	machines, err := store.LoadAllMachines()
	if err != nil {
		logger.Fatal("Failed to load persisted incident machines: %v", err)
	}
	if len(baselines) > 0 || len(machines) > 0 {
		logger.Info("Restored state for %d baselines and %d incident machines", len(baselines), len(machines))
	}

	sched := scheduler.New(reg, queryClient, store, dispatcher, scheduler.Config{
		MaxWorkers:         cfg.Scheduler.MaxWorkers,
		ShutdownGrace:      cfg.Scheduler.ShutdownGrace,
		CheckpointInterval: cfg.Storage.CheckpointInterval,
	}, baselines, machines)

	srv := server.New(cfg.Server.ListenAddr, reg, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	// The dispatcher outlives the run context so queued notifications still
	// drain during shutdown.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispatcher.Start(dispatchCtx)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("Admin server error: %v", err)
			cancel()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	<-ctx.Done()

	// Shutdown order: let the scheduler drain and checkpoint, then flush the
	// notification queue, then stop the HTTP surface.
	wg.Wait()
	dispatcher.Close()
	stopDispatch()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown error: %v", err)
	}

	logger.Info("Service stopped")
}
