package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/metrics"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
)

// Failsafe closes positions held longer than maxHold without asking the
// backend first. With liquidate set, the backend is asked to sell them
// afterwards on a best-effort basis.
type Failsafe struct {
	closer
	maxHold   time.Duration
	liquidate bool
}

func NewFailsafe(deps Deps, maxHold time.Duration, liquidate bool) *Failsafe {
	return &Failsafe{closer: closer{Deps: deps}, maxHold: maxHold, liquidate: liquidate}
}

// Sweep returns the number of positions it closed.
func (f *Failsafe) Sweep(ctx context.Context) int {
	now := f.now()

	var stale []position.Position
	for _, p := range f.Store.SnapshotActive() {
		age := p.Age(now)
		if age <= f.maxHold {
			continue
		}
		exit := position.Exit{
			Status:     position.StatusClosedLoss,
			PnLPercent: p.PnLPercent,
			Reason:     position.ReasonMaxHold,
			At:         now,
		}
		if !f.close(ctx, p, exit, causeFailsafe) {
			continue
		}
		stale = append(stale, p)
		f.Logger.Warn("stale position force-closed", "asset", p.AssetID, "age", age.String(), "max_hold", f.maxHold.String())
		f.Notifier.NotifyWarning(fmt.Sprintf("%s held for %s, force-closed", p.AssetID, age.Round(time.Second)))
	}

	if f.liquidate && len(stale) > 0 {
		resp, err := f.Remote.CloseAll(ctx, Holdings(stale))
		if err != nil {
			metrics.RemoteErrors.WithLabelValues("close_all", remoteErrorKind(err)).Inc()
			f.Logger.Error("liquidate stale positions", "count", len(stale), "error", err)
			f.Notifier.NotifyError("failsafe liquidation", err)
		} else {
			for _, res := range resp.Results {
				f.Logger.Info("stale position liquidated", "asset", res.AssetID, "proceeds", res.Proceeds, "pnl_percent", res.PnLPercent)
			}
		}
	}

	return len(stale)
}
