package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/api"
	"github.com/zoff-tech/clinic-outbox/pkg/broker"
	"github.com/zoff-tech/clinic-outbox/pkg/config"
	"github.com/zoff-tech/clinic-outbox/pkg/jobs"
	"github.com/zoff-tech/clinic-outbox/pkg/logging"
	"github.com/zoff-tech/clinic-outbox/pkg/outbox"
	"github.com/zoff-tech/clinic-outbox/pkg/status"
	"github.com/zoff-tech/clinic-outbox/pkg/store"
	"github.com/zoff-tech/clinic-outbox/pkg/telemetry"
	"github.com/zoff-tech/clinic-outbox/pkg/transport"
)

func main() {
	configDir := flag.String("config", "./cmd/outbox-agent", "directory holding outbox.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile(*configDir)
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatal("Error creating logger: ", err)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalw("outbox agent stopped", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Settings, logger *zap.SugaredLogger) error {
	if cfg.Observability.TracingURL != "" {
		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return err
		}
		defer shutdownTelemetry()
	}
	metrics := telemetry.NewMetrics()

	repo, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	exec, err := transport.NewHTTPExecutor(cfg.Transport)
	if err != nil {
		return err
	}
	defer exec.CloseIdle()

	brokers, err := broker.NewBrokers(ctx, cfg.Brokers, logger)
	if err != nil {
		return err
	}
	// open windows always get the websocket stream
	hub := findHub(brokers)
	if hub == nil {
		hub = broker.NewHub(logger)
		brokers = append(brokers, hub)
	}

	tracker := status.NewTracker(repo,
		status.WithBrokers(brokers...),
		status.WithRecorder(metrics),
		status.WithLogger(logger),
	)

	opts := append(outbox.OptionsFromSettings(cfg),
		outbox.WithTracker(tracker),
		outbox.WithRecorder(metrics),
		outbox.WithLogger(logger),
	)
	ob := outbox.New(repo, exec, opts...)
	if err := ob.Init(ctx); err != nil {
		return err
	}
	defer ob.Dispose()

	scheduler := jobs.NewScheduler(ctx, logger)
	if err := jobs.Register(scheduler, ob, ob,
		cfg.Connectivity.BackgroundSyncSpec, cfg.Connectivity.PurgeSpec, logger); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	app := api.NewFiber(cfg.Server, metrics)
	api.NewRouter(api.NewHandler(ob, logger), app, logger).RegisterRouter()

	events := &http.Server{
		Addr:              cfg.Server.EventsAddress,
		Handler:           api.NewEventsMux(hub, metrics.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Infow("local api listening", "address", cfg.Server.Address)
		errc <- app.Listen(cfg.Server.Address)
	}()
	if cfg.Server.EventsAddress != "" {
		go func() {
			logger.Infow("events listener started", "address", cfg.Server.EventsAddress)
			if err := events.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Errorw("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := app.ShutdownWithContext(shutdownCtx); serr != nil {
		logger.Warnw("local api shutdown", "error", serr)
	}
	if serr := events.Shutdown(shutdownCtx); serr != nil {
		logger.Warnw("events listener shutdown", "error", serr)
	}
	return err
}

func findHub(brokers []broker.MessageBroker) *broker.Hub {
	for _, b := range brokers {
		if h, ok := b.(*broker.Hub); ok {
			return h
		}
	}
	return nil
}
