package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serroba/patchsync/internal/acl"
	"github.com/serroba/patchsync/internal/api"
	"github.com/serroba/patchsync/internal/auth"
	"github.com/serroba/patchsync/internal/collab"
	"github.com/serroba/patchsync/internal/config"
	"github.com/serroba/patchsync/internal/storage"
	"github.com/serroba/patchsync/internal/storage/postgres"
	"github.com/serroba/patchsync/internal/storage/sqlite"
	"github.com/serroba/patchsync/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Parse(os.Args[1:], os.Getenv)

	var help *config.HelpError
	if errors.As(err, &help) {
		fmt.Println(help.Text)

		return
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	// Initialize WebSocket hub
	hub := ws.NewHub(ws.HubConfig{Logger: logger})

	// Permissions live in memory; owners are restored from storage below.
	gate := acl.NewGate(acl.GateConfig{Store: acl.NewMemoryStore(), Logger: logger})

	var snapshots *storage.SnapshotPolicy
	if cfg.SnapshotEvery > 0 {
		snapshots = storage.NewSnapshotPolicy(cfg.SnapshotEvery)
	}

	// Initialize session manager
	manager := collab.NewManager(collab.ManagerConfig{
		Store:          store,
		Gate:           gate,
		Hub:            hub,
		SnapshotPolicy: snapshots,
		Logger:         logger,
	})

	if err := manager.RestoreOwners(ctx); err != nil {
		return err
	}

	if cfg.JWTSecret == "" {
		logger.Warn("no JWT secret configured, trusting the " + auth.UserIDHeader + " header")
	}

	server := api.NewServer(api.ServerConfig{
		Manager:      manager,
		Hub:          hub,
		Verifier:     auth.NewVerifier(auth.Config{Secret: []byte(cfg.JWTSecret), TTL: cfg.TokenTTL}),
		Logger:       logger,
		PingInterval: cfg.PingInterval,
		PongWait:     2 * cfg.PingInterval,
	})

	// Configure HTTP server with timeouts
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)

	go func() {
		logger.Info("starting server", "addr", cfg.Addr, "store", cfg.Store)

		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// WebSocket connections are hijacked, so the HTTP server does not wait
	// for them; close them and flush the sessions first.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("close sessions", "error", err)
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}

		return s, s, nil
	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}

		return s, s, nil
	default:
		return storage.NewMemoryStore(), io.NopCloser(nil), nil
	}
}
