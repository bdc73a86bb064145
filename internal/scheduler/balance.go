package scheduler

import (
	"context"
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/storage"
)

type BalanceSource interface {
	Refresh(ctx context.Context) (remote.Balance, error)
}

type SnapshotSaver interface {
	SaveBalanceSnapshot(ctx context.Context, snapshot *storage.BalanceSnapshot) error
}

type ActiveCounter interface {
	ActiveCount() int
}

// BalanceLoop refreshes the wallet balance on its own period and whenever a
// trade is opened or closed.
type BalanceLoop struct {
	source    BalanceSource
	snapshots SnapshotSaver
	positions ActiveCounter
	ownerID   string
	interval  time.Duration
	logger    *logger.Logger
	trigger   chan struct{}
}

func NewBalanceLoop(source BalanceSource, snapshots SnapshotSaver, positions ActiveCounter, ownerID string, interval time.Duration, log *logger.Logger) *BalanceLoop {
	return &BalanceLoop{
		source:    source,
		snapshots: snapshots,
		positions: positions,
		ownerID:   ownerID,
		interval:  interval,
		logger:    log.With("loop", "balance"),
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests a refresh without blocking. Requests made while one is
// already pending are coalesced.
func (b *BalanceLoop) Trigger() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

func (b *BalanceLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refresh(ctx)
		case <-b.trigger:
			b.refresh(ctx)
		}
	}
}

func (b *BalanceLoop) refresh(ctx context.Context) {
	bal, err := b.source.Refresh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("balance refresh failed", "error", err)
		}
		return
	}

	snapshot := &storage.BalanceSnapshot{
		OwnerID:       b.ownerID,
		Amount:        bal.Amount,
		ValueInQuote:  bal.ValueInQuote,
		OpenPositions: b.positions.ActiveCount(),
	}
	if err := b.snapshots.SaveBalanceSnapshot(ctx, snapshot); err != nil {
		b.logger.Error("save balance snapshot", "error", err)
	}
	b.logger.Debug("balance refreshed", "amount", bal.Amount, "value_in_quote", bal.ValueInQuote)
}
