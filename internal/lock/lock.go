// Package lock provides the lease a process holds while it runs a trading
// session, so two processes never drive the same owner's session at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
)

var (
	// ErrLockHeld is returned by Acquire when another holder owns the key.
	ErrLockHeld = errors.New("lock: held by another holder")
	// ErrLeaseLost is returned by Refresh once the lease expired or was taken.
	ErrLeaseLost = errors.New("lock: lease lost")
)

type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release is safe to call more than once.
	Release()
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// SessionKey is the lease key for one owner's trading session.
func SessionKey(ownerID string) string {
	return "autotrader:session:" + ownerID
}

// Keep refreshes lease every ttl/3 until ctx is done. It returns ErrLeaseLost
// (wrapped) as soon as a refresh reports the lease gone; other refresh errors
// are logged and retried on the next interval.
func Keep(ctx context.Context, lease Lease, ttl time.Duration, log *logger.Logger) error {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := lease.Refresh(ctx, ttl)
			switch {
			case err == nil:
			case errors.Is(err, ErrLeaseLost):
				return fmt.Errorf("keep session lease: %w", err)
			case ctx.Err() != nil:
				return nil
			default:
				log.Warn("lease refresh failed", "error", err)
			}
		}
	}
}

// LocalLocker is an in-process Locker used when Redis is disabled.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	nowFn func() time.Time
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), nowFn: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if e, ok := l.held[key]; ok && now.Before(e.expiresAt) {
		return nil, ErrLockHeld
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expiresAt: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
	once   sync.Once
}

func (ll *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	l := ll.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[ll.key]
	if !ok || e.token != ll.token {
		return ErrLeaseLost
	}
	e.expiresAt = l.nowFn().Add(ttl)
	l.held[ll.key] = e
	return nil
}

func (ll *localLease) Release() {
	ll.once.Do(func() {
		l := ll.locker
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.held[ll.key]; ok && e.token == ll.token {
			delete(l.held, ll.key)
		}
	})
}

var _ Locker = (*LocalLocker)(nil)
