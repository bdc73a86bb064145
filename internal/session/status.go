package session

import (
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
)

// Status is a point-in-time view of the controller for the status API.
type Status struct {
	Running   bool                `json:"running"`
	SessionID string              `json:"session_id,omitempty"`
	StartedAt *time.Time          `json:"started_at,omitempty"`
	Policy    *Policy             `json:"policy,omitempty"`
	Loop      string              `json:"loop,omitempty"`
	State     string              `json:"state"`
	Ticks     int64               `json:"ticks"`
	LastTick  *time.Time          `json:"last_tick,omitempty"`
	NextTick  *time.Time          `json:"next_tick,omitempty"`
	Balance   *remote.Balance     `json:"balance,omitempty"`
	Active    []position.Position `json:"active"`
	History   []position.Position `json:"history"`
	Error     string              `json:"error,omitempty"`
}

// Status describes the running session, or the last one if none is running.
func (c *Controller) Status() Status {
	c.mu.Lock()
	r, running := c.run, c.run != nil
	if r == nil {
		r = c.last
	}
	c.mu.Unlock()

	st := Status{Running: running, State: "idle", Active: []position.Position{}, History: []position.Position{}}
	if r == nil {
		return st
	}

	started := r.session.StartedAt
	st.SessionID = r.session.ID
	st.StartedAt = &started
	policy := r.policy
	st.Policy = &policy
	st.Loop = r.loop.Name()
	st.Ticks = r.loop.Ticks()
	if running {
		st.State = r.loop.State().String()
	}

	if last := r.loop.LastTick(); !last.IsZero() {
		st.LastTick = &last
		if running {
			next := last.Add(r.loop.Interval())
			st.NextTick = &next
		}
	}
	if bal, at := r.wallet.Balance(); !at.IsZero() {
		st.Balance = &bal
	}

	for _, p := range r.store.Snapshot() {
		if p.Open() {
			st.Active = append(st.Active, p)
		} else {
			st.History = append(st.History, p)
		}
	}

	c.mu.Lock()
	if r.err != nil {
		st.Error = r.err.Error()
	}
	c.mu.Unlock()
	return st
}
