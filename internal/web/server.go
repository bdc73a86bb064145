package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/session"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/storage"
)

// Sessions is the session controller as seen by the HTTP API.
type Sessions interface {
	Start(ctx context.Context, policy session.Policy) (*storage.Session, error)
	Stop(ctx context.Context) error
	Status() session.Status
}

// Trades reads the ledger for the API.
type Trades interface {
	RecentTrades(ctx context.Context, ownerID string, limit int) ([]storage.Trade, error)
	PnLSummary(ctx context.Context, ownerID string, since time.Time) (storage.PnLSummary, error)
	RecentProfits(ctx context.Context, limit int) ([]storage.TradeNotification, error)
	LatestBalanceSnapshot(ctx context.Context, ownerID string) (*storage.BalanceSnapshot, error)
}

type Server struct {
	httpServer    *http.Server
	sessions      Sessions
	trades        Trades
	ownerID       string
	defaultPolicy session.Policy
	port          int
	logger        *logger.Logger
}

func NewServer(sessions Sessions, trades Trades, ownerID string, defaultPolicy session.Policy, port int, log *logger.Logger) *Server {
	s := &Server{
		sessions:      sessions,
		trades:        trades,
		ownerID:       ownerID,
		defaultPolicy: defaultPolicy,
		port:          port,
		logger:        log.With("component", "web"),
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// stop waits for the close-all sweep
		WriteTimeout: 2 * time.Minute,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/feed", s.handleFeed)
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
