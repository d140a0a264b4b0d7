// Command connectord runs the CRM messaging connector: one WhatsApp Web
// session in headless Chrome, the outbound dispatch pipeline, delivery
// reconciliation, and the admin HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fernandinhomartins40/ferraco-sub000/config"
	"github.com/fernandinhomartins40/ferraco-sub000/connector"
	"github.com/fernandinhomartins40/ferraco-sub000/dbopen"
	"github.com/fernandinhomartins40/ferraco-sub000/dispatch"
	"github.com/fernandinhomartins40/ferraco-sub000/events"
	"github.com/fernandinhomartins40/ferraco-sub000/httpapi"
	"github.com/fernandinhomartins40/ferraco-sub000/identity"
	"github.com/fernandinhomartins40/ferraco-sub000/ratelimit"
	"github.com/fernandinhomartins40/ferraco-sub000/reconcile"
	"github.com/fernandinhomartins40/ferraco-sub000/watch"
	"github.com/fernandinhomartins40/ferraco-sub000/wweb"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", env("CONFIG_FILE", "connector.yaml"), "path to the YAML config")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Persistence: one database for outbound messages, conversations and
	// rate-limit rule overrides.
	db, err := dbopen.Open(cfg.Store.Path, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	outbound := dispatch.NewStore(db)
	if err := outbound.Init(); err != nil {
		slog.Error("init outbound store", "error", err)
		os.Exit(1)
	}
	chats := connector.NewStore(db)
	if err := chats.Init(); err != nil {
		slog.Error("init conversation store", "error", err)
		os.Exit(1)
	}
	if err := ratelimit.Init(db); err != nil {
		slog.Error("init rate limit rules", "error", err)
		os.Exit(1)
	}

	// Event fan-out.
	broadcaster := events.New(events.WithLogger(logger))
	defer broadcaster.Close()

	// Platform session: rod-driven WhatsApp Web client.
	client := wweb.New(wweb.Config{
		RemoteURL:   cfg.Browser.Remote,
		UserDataDir: cfg.Browser.UserDataDir,
		Headless:    !cfg.Browser.Headful,
	}, wweb.WithLogger(logger))

	manager := connector.NewManager(client, broadcaster,
		connector.WithLogger(logger),
		connector.WithHeartbeatInterval(cfg.Session.HeartbeatInterval),
		connector.WithReinitCooldown(cfg.Session.ReinitCooldown),
		connector.WithStore(chats))
	manager.Start()
	defer manager.Stop()

	// Rate limiting, with DB-backed overrides hot-reloaded on change.
	limiter := ratelimit.New(ratelimit.WithLogger(logger))
	done := make(chan struct{})
	defer close(done)
	limiter.StartSweeper(done, 10*time.Minute)

	if err := limiter.ReloadRules(ctx, db); err != nil {
		slog.Warn("load rate limit rules", "error", err)
	}
	rulesWatch := watch.New(db, watch.Options{Interval: 5 * time.Second, Logger: logger})
	go rulesWatch.OnChange(ctx, func() error {
		return limiter.ReloadRules(ctx, db)
	})

	// Outbound pipeline.
	dispatcher := dispatch.NewDispatcher(manager, limiter,
		identity.NewNormalizer(cfg.Identity.DefaultCountryCode),
		outbound, broadcaster,
		dispatch.WithLogger(logger))

	// Delivery reconciliation: platform acks push through ApplyAck, the
	// poll sweep covers whatever the push path missed.
	rec := reconcile.New(manager, outbound, broadcaster,
		reconcile.WithLogger(logger),
		reconcile.WithInterval(cfg.Session.ReconcileInterval),
		reconcile.WithWindow(cfg.Session.ReconcileWindow))
	client.OnAck(rec.ApplyAck)
	rec.Start()
	defer rec.Stop()

	// Admin API.
	api := httpapi.New(manager, dispatcher, broadcaster,
		cfg.HTTP.AdminPasswordHash,
		httpapi.WithLogger(logger),
		httpapi.WithConversationStore(chats))

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the events WebSocket is long-lived
	}

	go func() {
		slog.Info("connector listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if err := client.Close(shutdownCtx); err != nil {
		slog.Warn("session close", "error", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
