package executor

import (
	"context"
	"fmt"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/metrics"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
)

// Liquidator sells every active position regardless of P&L.
type Liquidator struct {
	closer
}

func NewLiquidator(deps Deps) *Liquidator {
	return &Liquidator{closer: closer{Deps: deps}}
}

// CloseAll asks the backend to liquidate all active positions and records
// the ones it confirms. Positions the backend did not confirm stay active
// and are reported in the error.
func (l *Liquidator) CloseAll(ctx context.Context, reason string) (int, error) {
	active := l.Store.SnapshotActive()
	if len(active) == 0 {
		return 0, nil
	}

	resp, err := l.Remote.CloseAll(ctx, Holdings(active))
	if err != nil {
		metrics.RemoteErrors.WithLabelValues("close_all", remoteErrorKind(err)).Inc()
		return 0, fmt.Errorf("close all: %w", err)
	}

	closed := 0
	for _, res := range resp.Results {
		p, ok := l.Store.Get(res.AssetID)
		if !ok || !p.Open() {
			continue
		}
		exit := position.Exit{
			Status:     position.ExitStatus(res.PnLPercent),
			PnLPercent: res.PnLPercent,
			Proceeds:   res.Proceeds,
			Reason:     reason,
			At:         l.now(),
		}
		if l.close(ctx, p, exit, causeStop) {
			closed++
		}
	}

	if remaining := l.Store.ActiveCount(); remaining > 0 {
		return closed, fmt.Errorf("close all: %d position(s) not confirmed by backend", remaining)
	}
	return closed, nil
}
