// Package main runs planbookd, the local sync daemon. It owns the SQLite
// store and the mutation queue, syncs against the Planbook server in the
// background, and serves a localhost REST/WebSocket API for the UI shell.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/planbookhq/backend/cmd/planbookd/handlers"
	"github.com/planbookhq/backend/internal/db"
	"github.com/planbookhq/backend/internal/logging"
	"github.com/planbookhq/backend/internal/network"
	"github.com/planbookhq/backend/internal/remote"
	"github.com/planbookhq/backend/internal/store"
	"github.com/planbookhq/backend/internal/sync"
	"github.com/planbookhq/backend/internal/sync/queue"
	"github.com/planbookhq/backend/internal/sync/scheduler"
)

type config struct {
	dataDir      string
	remoteURL    string
	authToken    string
	listenAddr   string
	syncInterval time.Duration
	logLevel     string
}

func loadConfig() config {
	cfg := config{
		dataDir:      envOr("DB_PATH", "./data"),
		remoteURL:    os.Getenv("PLANBOOK_REMOTE_URL"),
		authToken:    os.Getenv("PLANBOOK_AUTH_TOKEN"),
		listenAddr:   envOr("PLANBOOK_LISTEN_ADDR", "127.0.0.1:8090"),
		syncInterval: time.Minute,
		logLevel:     envOr("LOG_LEVEL", "info"),
	}
	if raw := os.Getenv("PLANBOOK_SYNC_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.syncInterval = d
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := loadConfig()
	logging.Init(os.Stdout, cfg.logLevel)

	if cfg.remoteURL == "" {
		logging.Error("PLANBOOK_REMOTE_URL is required", nil)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		logging.Error("failed to create data directory", err, map[string]interface{}{"path": cfg.dataDir})
		os.Exit(1)
	}

	database, err := db.Open(cfg.dataDir)
	if err != nil {
		logging.Error("failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		logging.Error("failed to initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("failed to apply migrations", err)
		os.Exit(1)
	}

	st := store.New(database)
	q := queue.New(database, queue.DefaultConfig(), time.Now)
	api := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:   cfg.remoteURL,
		AuthToken: cfg.authToken,
	})

	monitor := network.NewManualMonitor(false)
	prober := network.NewProber(monitor, network.ProberConfig{
		URL: cfg.remoteURL + "/api/health",
	})

	engine := sync.New(database, st, q, api, monitor, nil)
	hub := NewWSHub()
	engine.SetEventHandler(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go prober.Run(ctx)

	sched := scheduler.New(engine, monitor, cfg.syncInterval)
	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	handlers.NewRecordsHandler(engine).Register(mux)
	handlers.NewSyncHandler(engine, monitor).Register(mux)
	mux.HandleFunc("GET /api/events", hub.HandleWS)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"planbookd"}`))
	})

	server := &http.Server{
		Addr:    cfg.listenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("planbookd listening", map[string]interface{}{"addr": cfg.listenAddr})
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("server shutdown failed", err)
	}
}
