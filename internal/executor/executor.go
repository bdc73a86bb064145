package executor

import (
	"context"
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/metrics"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
)

// Remote is the trade execution backend.
type Remote interface {
	ScanAndExecute(ctx context.Context, tradeSize float64) (*remote.ScanResult, error)
	ExecuteBuy(ctx context.Context, assetID string, tradeSize float64) (*remote.ScanResult, error)
	CheckPositions(ctx context.Context, positions []remote.Holding) (*remote.CheckResponse, error)
	CloseAll(ctx context.Context, positions []remote.Holding) (*remote.CloseResponse, error)
	GetBalance(ctx context.Context) (*remote.Balance, error)
}

// Ledger is the durable trade record. Its open count wins over local state.
type Ledger interface {
	CountOpen(ctx context.Context, ownerID string) (int, error)
	ListOpen(ctx context.Context, ownerID string) ([]position.Position, error)
	WriteOpen(ctx context.Context, ownerID, sessionID string, p position.Position) error
	WriteClosed(ctx context.Context, ownerID, assetID string, exit position.Exit) (bool, error)
}

type Notifier interface {
	NotifyBuy(p position.Position)
	NotifySell(p position.Position)
	NotifyWarning(message string)
	NotifyError(context string, err error)
	NotifyStatus(message string)
}

// Feed receives profitable closes for the public trade ticker.
type Feed interface {
	RecordProfit(ctx context.Context, ownerID string, p position.Position) error
}

// BalanceRefresher schedules an out-of-band balance refresh.
type BalanceRefresher interface {
	Trigger()
}

// Deps is shared by every component of one session.
type Deps struct {
	Store     *position.Store
	Remote    Remote
	Ledger    Ledger
	Notifier  Notifier
	Feed      Feed
	Refresher BalanceRefresher
	OwnerID   string
	SessionID string
	Now       func() time.Time
	Logger    *logger.Logger
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) refresh() {
	if d.Refresher != nil {
		d.Refresher.Trigger()
	}
}

const (
	causeBackend  = "backend"
	causeDrift    = "drift"
	causeFailsafe = "failsafe"
	causeStop     = "stop"
)

// Holdings converts positions into the backend request shape.
func Holdings(ps []position.Position) []remote.Holding {
	out := make([]remote.Holding, 0, len(ps))
	for _, p := range ps {
		out = append(out, remote.Holding{AssetID: p.AssetID, EntryValue: p.EntryValue, OpenedAt: p.OpenedAt})
	}
	return out
}

func remoteErrorKind(err error) string {
	if remote.IsUnknownOutcome(err) {
		return "unknown"
	}
	return "backend"
}

// closer moves positions to a terminal status. The ledger write happens
// before the store is touched; a failed write leaves the position active.
type closer struct {
	Deps
}

func (c closer) close(ctx context.Context, p position.Position, exit position.Exit, cause string) bool {
	if !c.Store.BeginClose(p.AssetID) {
		return false
	}
	updated, err := c.Ledger.WriteClosed(ctx, c.OwnerID, p.AssetID, exit)
	if err != nil {
		c.Store.AbortClose(p.AssetID)
		c.Logger.Error("write closed record", "asset", p.AssetID, "cause", cause, "error", err)
		return false
	}
	if !updated {
		c.Logger.Info("ledger record already closed", "asset", p.AssetID, "cause", cause)
	}
	return c.finish(ctx, p.AssetID, exit, cause)
}

// release closes a position the ledger already reports closed.
func (c closer) release(ctx context.Context, p position.Position, exit position.Exit, cause string) bool {
	if !c.Store.BeginClose(p.AssetID) {
		return false
	}
	return c.finish(ctx, p.AssetID, exit, cause)
}

func (c closer) finish(ctx context.Context, assetID string, exit position.Exit, cause string) bool {
	if !c.Store.MarkTerminal(assetID, exit) {
		return false
	}
	metrics.Closes.WithLabelValues(string(exit.Status), cause).Inc()
	metrics.OpenPositions.Set(float64(c.Store.ActiveCount()))

	closed, _ := c.Store.Get(assetID)
	c.Notifier.NotifySell(closed)
	if exit.Status == position.StatusProfit && c.Feed != nil {
		if err := c.Feed.RecordProfit(ctx, c.OwnerID, closed); err != nil {
			c.Logger.Error("record profit", "asset", assetID, "error", err)
		}
	}
	c.refresh()

	c.Logger.Info("position closed",
		"asset", assetID, "status", exit.Status, "pnl_percent", exit.PnLPercent,
		"proceeds", exit.Proceeds, "reason", exit.Reason, "cause", cause)
	return true
}
