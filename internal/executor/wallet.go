package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/metrics"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
)

// SizePolicy decides how much of the balance one entry commits.
type SizePolicy struct {
	Kind  string  `json:"kind"`  // percent or fixed
	Value float64 `json:"value"` // percent of balance, or an absolute amount
}

func (p SizePolicy) Validate() error {
	switch p.Kind {
	case config.SizePercent:
		if p.Value <= 0 || p.Value > 100 {
			return fmt.Errorf("percent trade size must be in (0, 100], got %v", p.Value)
		}
	case config.SizeFixed:
		if p.Value <= 0 {
			return fmt.Errorf("fixed trade size must be positive, got %v", p.Value)
		}
	default:
		return fmt.Errorf("unknown trade size kind %q", p.Kind)
	}
	return nil
}

// Wallet caches the last known balance and sizes entries from it.
type Wallet struct {
	remote Remote
	policy SizePolicy
	min    float64
	logger *logger.Logger

	mu        sync.RWMutex
	balance   remote.Balance
	updatedAt time.Time
}

func NewWallet(r Remote, policy SizePolicy, minTradeAmount float64, log *logger.Logger) *Wallet {
	return &Wallet{remote: r, policy: policy, min: minTradeAmount, logger: log}
}

func (w *Wallet) Refresh(ctx context.Context) (remote.Balance, error) {
	b, err := w.remote.GetBalance(ctx)
	if err != nil {
		metrics.RemoteErrors.WithLabelValues("get_balance", remoteErrorKind(err)).Inc()
		return remote.Balance{}, fmt.Errorf("get balance: %w", err)
	}

	w.mu.Lock()
	w.balance = *b
	w.updatedAt = time.Now()
	w.mu.Unlock()

	metrics.Balance.Set(b.Amount)
	return *b, nil
}

// Balance returns the cached balance and when it was fetched. A zero time
// means it was never fetched.
func (w *Wallet) Balance() (remote.Balance, time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.balance, w.updatedAt
}

func (w *Wallet) Policy() SizePolicy {
	return w.policy
}

func (w *Wallet) MinTradeAmount() float64 {
	return w.min
}

// TradeSize returns the amount to commit on the next entry.
func (w *Wallet) TradeSize(ctx context.Context) (float64, error) {
	if w.policy.Kind == config.SizeFixed {
		return w.policy.Value, nil
	}

	b, updated := w.Balance()
	if updated.IsZero() {
		var err error
		if b, err = w.Refresh(ctx); err != nil {
			return 0, err
		}
	}
	return b.Amount * w.policy.Value / 100, nil
}
