package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imagecompressor/internal/cleanup"
	"imagecompressor/internal/config"
	"imagecompressor/internal/handlers"
	"imagecompressor/internal/models"
	"imagecompressor/internal/pipeline"
	"imagecompressor/internal/store"
	"imagecompressor/internal/transcoder"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"), os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		logger.Error("failed to create uploads dir", "error", err)
		os.Exit(1)
	}

	st, filesDir, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open output store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}

	remover := cleanup.NewRemover(logger)
	tc := transcoder.NewService(logger, models.Profile{MaxWidth: cfg.MaxWidth, Quality: cfg.Quality})
	p := pipeline.New(logger, tc, st, remover, transcoder.Extension(), cfg.Workers)

	app := handlers.NewApp(logger, p, remover, handlers.Options{
		UploadsDir:     cfg.UploadsDir,
		FilesDir:       filesDir,
		PublicBaseURL:  cfg.PublicBaseURL,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	janitor := cleanup.NewJanitor(logger)
	janitor.Watch(cfg.UploadsDir, cfg.UploadTTL)
	janitor.WatchStore(cfg.StoreBackend, st, cfg.OutputTTL)
	janitor.Start(ctx, 10*time.Minute)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      6 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Addr, "store", cfg.StoreBackend, "max_width", cfg.MaxWidth, "quality", cfg.Quality)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	logger.Info("server stopped")
}

// openStore returns the configured artifact store and, for the local backend,
// the directory the static route serves.
func openStore(ctx context.Context, cfg config.Config) (store.Store, string, error) {
	if cfg.StoreBackend == config.BackendS3 {
		st, err := store.NewS3Store(ctx, cfg.S3)
		return st, "", err
	}
	st, err := store.NewLocalStore(cfg.OutputsDir)
	if err != nil {
		return nil, "", err
	}
	return st, st.Dir(), nil
}
