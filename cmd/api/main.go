package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inkmark/api/internal/app"
	"inkmark/api/internal/blob"
	"inkmark/api/internal/config"
	"inkmark/api/internal/lock"
	"inkmark/api/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	migrations, err := store.Migrations(cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	blobs, closeBlobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	defer closeBlobs()
	logger.Info("blob store ready", "driver", cfg.BlobDriver)

	var locker lock.Locker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLocker, err := lock.NewRedisLocker(cfg.RedisURL, cfg.LockTTL, logger)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisLocker.Close()
		locker = redisLocker
		logger.Info("using redis for submission locks", "ttl", cfg.LockTTL.String())
	} else {
		locker = lock.NewLocal()
		logger.Info("using in-process submission locks")
	}

	service := app.New(cfg, store.NewPostgresStore(db), blobs, locker, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("inkmark api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}

func openBlobStore(ctx context.Context, cfg config.Config) (blob.Store, func(), error) {
	switch cfg.BlobDriver {
	case "minio":
		backend, err := blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {}, nil
	case "gcs":
		backend, err := blob.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = backend.Close() }, nil
	case "", "memory":
		return blob.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown BLOB_DRIVER %q", cfg.BlobDriver)
	}
}
