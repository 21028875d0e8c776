package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jimdaga/balanced-plate/internal/aggregate"
	"github.com/jimdaga/balanced-plate/internal/api"
	"github.com/jimdaga/balanced-plate/internal/config"
	"github.com/jimdaga/balanced-plate/internal/database"
	"github.com/jimdaga/balanced-plate/internal/events"
	"github.com/jimdaga/balanced-plate/internal/notify"
	"github.com/jimdaga/balanced-plate/internal/pipeline"
	"github.com/jimdaga/balanced-plate/internal/provider"
	"github.com/jimdaga/balanced-plate/internal/store"
	"github.com/jimdaga/balanced-plate/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := worker.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.Mode)
	slog.SetDefault(logger)
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Init(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(db)

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if cfg.IsDevelopment() {
		if err := database.SeedDevData(db); err != nil {
			logger.Warn("Failed to seed development data", "error", err)
		}
	}

	loc, err := time.LoadLocation(cfg.ReportTimezone)
	if err != nil {
		return fmt.Errorf("invalid report timezone: %w", err)
	}

	st := store.New(db).WithReportLease(cfg.ReportLease)
	engine := aggregate.NewEngine(st, loc)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	analyses, closeProvider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	dispatcher, err := worker.NewDispatcher(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	bus := events.NewBus(cfg.EventBuffer, logger)
	defer bus.Close()

	// Workers in their own process reach browsers through the stream relay.
	var publisher events.Publisher = bus
	if cfg.Mode != config.ModeEmbedded {
		relay, err := events.NewStreamRelay(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer relay.Close()
		publisher = relay
		if cfg.Mode == config.ModeServer {
			stop := relay.StartForwarding(bus)
			defer stop()
		}
	}

	orch := pipeline.New(pipeline.Deps{
		Store:      st,
		Aggregator: engine,
		Analyzer:   analyses,
		Summarizer: analyses,
		Dispatcher: dispatcher,
		Events:     publisher,
		Logger:     logger,
	})
	batch := worker.NewBatch(st, orch, loc, worker.DefaultBatchConcurrency, logger)

	logger.Info("Starting", "mode", cfg.Mode, "env", cfg.Env, "provider", cfg.Provider)

	switch cfg.Mode {
	case config.ModeWorker:
		stopScheduler, err := worker.StartScheduler(cfg, logger)
		if err != nil {
			return err
		}
		defer stopScheduler()
		return worker.Run(cfg, orch, batch, logger)

	case config.ModeEmbedded:
		stopWorker, err := worker.Start(cfg, orch, batch, logger)
		if err != nil {
			return err
		}
		defer stopWorker()
		stopScheduler, err := worker.StartScheduler(cfg, logger)
		if err != nil {
			return err
		}
		defer stopScheduler()
	}

	router := api.NewRouter(api.Deps{
		Orchestrator: orch,
		Images:       st,
		History:      st,
		Analytics:    engine,
		Notifier:     notify.NewGateway(bus, orch, logger),
		Logger:       logger,
	})
	return serve(ctx, cfg, router, logger)
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, func(), error) {
	fallback := provider.MustLoadFallback()
	if cfg.Provider == config.ProviderMock {
		return provider.NewMock(fallback, 0), func() {}, nil
	}

	gemini, closeClient, err := provider.DialGemini(ctx, provider.GeminiConfig{
		ProjectID:       cfg.GoogleProjectID,
		Location:        cfg.GoogleLocation,
		CredentialsFile: cfg.GoogleCredentialsFile,
		Model:           cfg.GeminiModel,
		Timeout:         cfg.ProviderTimeout,
	}, provider.NewStorageLoader(cfg.ImageDir, cfg.ImageBaseURL), fallback, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gemini provider: %w", err)
	}
	return gemini, func() {
		if err := closeClient(); err != nil {
			logger.Warn("Failed to close gemini client", "error", err)
		}
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
