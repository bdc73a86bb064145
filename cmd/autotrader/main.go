package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/lock"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/session"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/storage"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/telegram"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	autoStart := flag.Bool("start", false, "start a session with the configured policy when there is none to resume")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Init logger
	log := logger.New(cfg.Logging.Level)
	log.Info("starting autotrader", "owner", cfg.Owner.ID, "backend", cfg.Backend.URL, "mode", cfg.Trading.Mode)

	// Init database
	db, err := storage.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	locker, closeLocker, err := lock.FromConfig(cfg, log)
	if err != nil {
		log.Error("lock init failed", "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	// Init services
	client := remote.NewClient(cfg, log)
	notifier := telegram.NewNotifier(cfg, log)
	ctrl := session.NewController(repo, client, locker, notifier, session.OptionsFromConfig(cfg), log)
	policy := session.PolicyFromConfig(cfg)
	webServer := web.NewServer(ctrl, repo, cfg.Owner.ID, policy, cfg.Web.Port, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := ctrl.Resume(ctx)
	switch {
	case errors.Is(err, session.ErrOwnedElsewhere):
		log.Warn("session is running in another process, serving status only")
	case err != nil:
		log.Error("resume session", "error", err)
	case sess == nil && *autoStart:
		if _, err := ctrl.Start(ctx, policy); err != nil {
			log.Error("start session", "error", err)
		}
	case sess == nil:
		log.Info("no active session; start one via POST /api/session/start")
	}

	// Start web server in goroutine
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.NotifyStatus("🤖 Autotrader started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	cancel()

	// close-all on shutdown may need several backend round-trips
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Error("session shutdown error", "error", err)
	}

	notifier.NotifyStatus("🛑 Autotrader stopped")
	log.Info("autotrader stopped")
}
