package position

import (
	"fmt"
	"sync"
)

// Store is the in-memory cache of a session's positions keyed by asset.
// Every method holds the lock for its whole body and never blocks on I/O,
// so readers never observe a half-applied update. Snapshots are copies.
type Store struct {
	mu      sync.Mutex
	current map[string]*Position
	order   []string
	closing map[string]bool
	history []Position
}

func NewStore() *Store {
	return &Store{
		current: make(map[string]*Position),
		closing: make(map[string]bool),
	}
}

// SnapshotActive returns the active positions in insertion order.
func (s *Store) SnapshotActive() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Position, 0, len(s.order))
	for _, id := range s.order {
		if p := s.current[id]; p.Open() {
			out = append(out, *p)
		}
	}
	return out
}

// Snapshot returns every position, terminal ones included, oldest first.
func (s *Store) Snapshot() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Position, 0, len(s.history)+len(s.order))
	out = append(out, s.history...)
	for _, id := range s.order {
		out = append(out, *s.current[id])
	}
	return out
}

func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.current {
		if p.Open() {
			n++
		}
	}
	return n
}

func (s *Store) Get(assetID string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.current[assetID]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Upsert inserts a new active position or refreshes the mutable fields of an
// active one. A terminal position with the same asset is moved to history so
// a re-buy of the same asset starts a fresh instance.
func (s *Store) Upsert(p Position) error {
	if p.AssetID == "" {
		return fmt.Errorf("position: empty asset id")
	}
	if p.Status == "" {
		p.Status = StatusActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.current[p.AssetID]
	switch {
	case !ok:
		s.insert(p)
	case existing.Open():
		existing.Symbol = p.Symbol
		existing.EntryAmount = p.EntryAmount
		existing.EntryValue = p.EntryValue
		existing.PnLPercent = p.PnLPercent
		existing.Ledgered = existing.Ledgered || p.Ledgered
	default:
		s.history = append(s.history, *existing)
		s.remove(p.AssetID)
		s.insert(p)
	}
	return nil
}

// UpdatePnL changes only the P&L of an active position.
func (s *Store) UpdatePnL(assetID string, pnlPercent float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.current[assetID]
	if !ok || !p.Open() {
		return false
	}
	p.PnLPercent = pnlPercent
	return true
}

func (s *Store) MarkLedgered(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.current[assetID]; ok {
		p.Ledgered = true
	}
}

// BeginClose claims the right to close an active position. Only one caller
// can hold the claim per asset; it is released by MarkTerminal or AbortClose.
func (s *Store) BeginClose(assetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.current[assetID]
	if !ok || !p.Open() || s.closing[assetID] {
		return false
	}
	s.closing[assetID] = true
	return true
}

func (s *Store) AbortClose(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.closing, assetID)
}

// MarkTerminal moves an active position to a terminal status exactly once.
// It returns false when the position is unknown or already terminal.
func (s *Store) MarkTerminal(assetID string, exit Exit) bool {
	if exit.Status.Open() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.closing, assetID)
	p, ok := s.current[assetID]
	if !ok || !p.Open() {
		return false
	}
	p.Status = exit.Status
	p.PnLPercent = exit.PnLPercent
	p.Proceeds = exit.Proceeds
	p.ExitReason = exit.Reason
	p.ClosedAt = exit.At
	return true
}

func (s *Store) insert(p Position) {
	cp := p
	s.current[p.AssetID] = &cp
	s.order = append(s.order, p.AssetID)
}

func (s *Store) remove(assetID string) {
	delete(s.current, assetID)
	for i, id := range s.order {
		if id == assetID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
