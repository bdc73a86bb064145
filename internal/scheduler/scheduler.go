package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/executor"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/metrics"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
)

// State is the step a trading loop is currently in.
type State int32

const (
	Idle State = iota
	CheckingPositions
	Scanning
	Buying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckingPositions:
		return "checking_positions"
	case Scanning:
		return "scanning"
	case Buying:
		return "buying"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Sweeper interface {
	Sweep(ctx context.Context) int
}

type Reconciler interface {
	Reconcile(ctx context.Context) (executor.Outcome, error)
}

// Buyer opens new positions, either backend-selected or pinned to one asset.
type Buyer interface {
	Scan(ctx context.Context) (bool, error)
	Target(ctx context.Context, assetID string) (bool, error)
}

type Notifier interface {
	NotifyError(context string, err error)
}

// Loop runs failsafe, reconciliation and entry once per interval. The scan
// and targeted loops differ only in how the entry step picks its asset.
type Loop struct {
	name       string
	failsafe   Sweeper
	reconciler Reconciler
	enter      func(ctx context.Context) (bool, error)
	entryState State
	interval   time.Duration
	notifier   Notifier
	logger     *logger.Logger

	state    atomic.Int32
	ticks    atomic.Int64
	mu       sync.Mutex
	lastTick time.Time
}

func NewScanLoop(fs Sweeper, rc Reconciler, buyer Buyer, interval time.Duration, notifier Notifier, log *logger.Logger) *Loop {
	return &Loop{
		name:       "scan",
		failsafe:   fs,
		reconciler: rc,
		enter:      buyer.Scan,
		entryState: Scanning,
		interval:   interval,
		notifier:   notifier,
		logger:     log.With("loop", "scan"),
	}
}

// NewTargetedLoop re-buys assetID whenever no position in it is active.
func NewTargetedLoop(fs Sweeper, rc Reconciler, buyer Buyer, assetID string, interval time.Duration, notifier Notifier, log *logger.Logger) *Loop {
	return &Loop{
		name:       "targeted",
		failsafe:   fs,
		reconciler: rc,
		enter: func(ctx context.Context) (bool, error) {
			return buyer.Target(ctx, assetID)
		},
		entryState: Buying,
		interval:   interval,
		notifier:   notifier,
		logger:     log.With("loop", "targeted", "asset", assetID),
	}
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) Interval() time.Duration { return l.interval }

func (l *Loop) State() State { return State(l.state.Load()) }

// Ticks is the number of ticks that got past the cancellation check.
func (l *Loop) Ticks() int64 { return l.ticks.Load() }

func (l *Loop) LastTick() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTick
}

func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("trading loop started", "interval", l.interval.String())

	// Run immediately on start
	l.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("trading loop stopped", "ticks", l.Ticks())
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one cycle. Cancellation is only checked on entry: once a tick
// has started it runs to completion so no position is left mid-transition.
func (l *Loop) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		metrics.Ticks.WithLabelValues(l.name, "skipped").Inc()
		return
	}
	ctx = context.WithoutCancel(ctx)

	l.ticks.Add(1)
	l.mu.Lock()
	l.lastTick = time.Now()
	l.mu.Unlock()

	defer l.setState(Idle)
	defer func() {
		if r := recover(); r != nil {
			metrics.Ticks.WithLabelValues(l.name, "panic").Inc()
			l.logger.Error("panic in trading tick", "panic", fmt.Sprint(r))
			l.notifier.NotifyError(l.name+" loop panic", fmt.Errorf("%v", r))
		}
	}()

	l.setState(CheckingPositions)
	forced := l.failsafe.Sweep(ctx)

	out, err := l.reconciler.Reconcile(ctx)
	if err != nil {
		l.fail("reconcile", err)
		return
	}
	if out.Remaining > 0 || out.Closed() > 0 || forced > 0 {
		l.logger.Debug("entry deferred",
			"remaining", out.Remaining, "sold", out.Sold, "drifted", out.Drifted, "forced", forced)
		metrics.Ticks.WithLabelValues(l.name, "ok").Inc()
		return
	}

	l.setState(l.entryState)
	if _, err := l.enter(ctx); err != nil {
		l.fail("entry", err)
		return
	}
	metrics.Ticks.WithLabelValues(l.name, "ok").Inc()
}

func (l *Loop) fail(step string, err error) {
	metrics.Ticks.WithLabelValues(l.name, "error").Inc()

	var be *remote.BackendError
	switch {
	case remote.IsUnknownOutcome(err):
		l.logger.Warn(step+" failed, retrying next tick", "outcome", "unknown", "error", err)
	case errors.As(err, &be):
		l.logger.Error(step+" rejected by backend", "status", be.Status, "error", err)
		l.notifier.NotifyError(l.name+" "+step, err)
	default:
		l.logger.Error(step+" failed", "error", err)
	}
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}
