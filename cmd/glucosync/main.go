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

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	informaladapter "github.com/glucosync/glucosync/internal/adapter/driven/informal"
	officialadapter "github.com/glucosync/glucosync/internal/adapter/driven/official"
	sqliteadapter "github.com/glucosync/glucosync/internal/adapter/driven/sqlite"
	httphandler "github.com/glucosync/glucosync/internal/adapter/driving/http"
	"github.com/glucosync/glucosync/internal/application"
	"github.com/glucosync/glucosync/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on a missing vault key).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"publication_delay", cfg.PublicationDelay,
		"safety_margin", cfg.SafetyMargin,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode) and migrate.
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("database ready", "path", cfg.DBPath)

	// 4. Wire driven adapters.
	vault, err := sqliteadapter.NewVaultRepo(db, cfg.SecretKey)
	if err != nil {
		return err
	}
	readingStore := sqliteadapter.NewReadingRepo(db)

	official := officialadapter.NewClient(officialadapter.Config{
		BaseURL:      cfg.OfficialBaseURL,
		TokenURL:     cfg.OfficialTokenURL,
		ClientID:     cfg.OfficialClientID,
		ClientSecret: cfg.OfficialClientSecret,
	}, vault)

	informal := informaladapter.NewClient(informaladapter.Config{
		BaseURL:       cfg.InformalBaseURL,
		AccountName:   cfg.InformalAccount,
		Password:      cfg.InformalPassword,
		ApplicationID: cfg.InformalAppID,
		SessionTTL:    cfg.SessionTTL,
	}, vault)

	if !cfg.HasOfficialCredentials() {
		slog.Warn("official feed credentials not configured; only stored tokens will work")
	}
	if !cfg.HasInformalCredentials() {
		slog.Warn("informal feed credentials not configured; only a stored session will work")
	}

	// 5. Application services.
	hybrid := application.NewHybridSource(official, informal, cfg.PublicationDelay, cfg.SafetyMargin)
	coordinator := application.NewSyncCoordinator(hybrid, readingStore, application.CoordinatorConfig{
		LiveInterval:    cfg.LiveInterval,
		RelaxedInterval: cfg.RelaxedInterval,
		MaxRunDuration:  cfg.MaxRunDuration,
		Retention:       cfg.Retention,
	})
	binder := application.NewLifecycleBinder(coordinator, 2*time.Second)

	// 6. Map host lifecycle signals: SIGUSR1 foregrounds, SIGUSR2 backgrounds.
	lifecycleCh := make(chan os.Signal, 1)
	signal.Notify(lifecycleCh, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range lifecycleCh {
			switch sig {
			case syscall.SIGUSR1:
				binder.Notify(application.Foreground)
			case syscall.SIGUSR2:
				binder.Notify(application.Background)
			}
		}
	}()

	// The daemon boots foregrounded.
	coordinator.Start()

	// 7. HTTP surface.
	handler := httphandler.NewHandler(hybrid, readingStore, coordinator, slog.Default())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(handler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("glucosync started")

	// 8. Wait for shutdown signal, then drain.
	<-ctx.Done()
	slog.Info("shutting down")

	coordinator.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
