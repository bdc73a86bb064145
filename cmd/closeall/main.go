package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/executor"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/lock"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/storage"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/telegram"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "show open positions without closing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)
	ctx := context.Background()

	db, err := storage.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database init error: %v\n", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	records, err := repo.ListOpen(ctx, cfg.Owner.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list open trades error: %v\n", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		fmt.Println("No open positions.")
	} else {
		fmt.Printf("Found %d open position(s):\n\n", len(records))
		for _, p := range records {
			fmt.Printf("  %s %s: amount %.4f, entry value %.8f, opened %s\n",
				p.AssetID, p.Symbol, p.EntryAmount, p.EntryValue, p.OpenedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	}

	if *dryRun {
		fmt.Println("Dry run, nothing closed.")
		return
	}

	// refuse to race a running session
	locker, closeLocker, err := lock.FromConfig(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock init error: %v\n", err)
		os.Exit(1)
	}
	lease, err := locker.Acquire(ctx, lock.SessionKey(cfg.Owner.ID), cfg.LeaseTTL())
	if errors.Is(err, lock.ErrLockHeld) {
		closeLocker()
		fmt.Fprintln(os.Stderr, "A session is running in another process; stop it with POST /api/session/stop instead.")
		os.Exit(1)
	}
	if err != nil {
		closeLocker()
		fmt.Fprintf(os.Stderr, "acquire session lease error: %v\n", err)
		os.Exit(1)
	}

	failed := closeAll(ctx, cfg, repo, records, log)
	lease.Release()
	closeLocker()
	if failed {
		os.Exit(1)
	}
}

// closeAll liquidates records and deactivates the owner's sessions. It
// reports whether anything failed.
func closeAll(ctx context.Context, cfg *config.Config, repo *storage.Repository, records []position.Position, log *logger.Logger) bool {
	store := position.NewStore()
	for _, p := range records {
		if err := store.Upsert(p); err != nil {
			fmt.Fprintf(os.Stderr, "  [SKIP] %s: %v\n", p.AssetID, err)
		}
	}

	liquidator := executor.NewLiquidator(executor.Deps{
		Store:    store,
		Remote:   remote.NewClient(cfg, log),
		Ledger:   repo,
		Notifier: telegram.NewNotifier(cfg, log),
		Feed:     repo,
		OwnerID:  cfg.Owner.ID,
		Logger:   log,
	})

	closed, closeErr := liquidator.CloseAll(ctx, position.ReasonManual)
	for _, p := range store.Snapshot() {
		if p.Open() {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s: not confirmed by backend\n", p.AssetID)
			continue
		}
		fmt.Printf("  [OK]   %s: %s, P&L %+.2f%%, proceeds %.4f\n", p.AssetID, p.Status, p.PnLPercent, p.Proceeds)
	}

	failed := closeErr != nil
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "close all: %v\n", closeErr)
	}

	sessions, err := repo.ListActiveSessions(ctx, cfg.Owner.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list sessions error: %v\n", err)
		return true
	}
	for _, s := range sessions {
		if err := repo.DeactivateSession(ctx, s.ID, time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "  [FAIL] session %s: %v\n", s.ID, err)
			failed = true
			continue
		}
		fmt.Printf("  [OK]   session %s deactivated\n", s.ID)
	}

	fmt.Printf("\nDone: %d closed, %d still open.\n", closed, store.ActiveCount())
	return failed
}
