package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/session"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/storage"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 500
)

type statusResponse struct {
	session.Status
	// set when Balance comes from the last stored snapshot
	BalanceAt *time.Time         `json:"balance_at,omitempty"`
	PnL24h    storage.PnLSummary `json:"pnl_24h"`
}

type startResponse struct {
	Session *storage.Session `json:"session"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.sessions.Status()}

	pnl, err := s.trades.PnLSummary(r.Context(), s.ownerID, time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Error("pnl summary", "error", err)
	} else {
		resp.PnL24h = pnl
	}

	if resp.Balance == nil {
		snap, err := s.trades.LatestBalanceSnapshot(r.Context(), s.ownerID)
		switch {
		case err == nil:
			resp.Balance = &remote.Balance{Amount: snap.Amount, ValueInQuote: snap.ValueInQuote}
			at := snap.CreatedAt
			resp.BalanceAt = &at
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Error("latest balance snapshot", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	trades, err := s.trades.RecentTrades(r.Context(), s.ownerID, limit)
	if err != nil {
		s.logger.Error("recent trades", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to load trades"))
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	feed, err := s.trades.RecentProfits(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent profits", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to load feed"))
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// handleStart starts a session. An empty body uses the configured policy.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	policy := s.defaultPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := policy.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.sessions.Start(r.Context(), policy)
	if err != nil {
		s.writeSessionError(w, "start session", err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Session: sess})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	// finish the close-all sweep even if the client goes away
	ctx := context.WithoutCancel(r.Context())
	if err := s.sessions.Stop(ctx); err != nil {
		s.writeSessionError(w, "stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Status())
}

func (s *Server) writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrOwnedElsewhere):
		writeError(w, http.StatusConflict, err)
	default:
		s.logger.Error(op, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultTradesLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxTradesLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
