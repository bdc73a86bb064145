package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
)

const (
	actionScanAndExecute = "scan_and_execute"
	actionExecuteTrade   = "execute_trade"
	actionCheckPositions = "check_positions"
	actionCloseAll       = "close_all"
	actionGetBalance     = "get_balance"
)

// Client calls the trade execution backend. The backend is the authority on
// whether a buy or sell happened; every request is safe to repeat.
type Client struct {
	httpClient *http.Client
	url        string
	token      string
	logger     *logger.Logger
}

func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.BackendTimeout()},
		url:        cfg.Backend.URL,
		token:      cfg.Backend.Token,
		logger:     log,
	}
}

func (c *Client) ScanAndExecute(ctx context.Context, tradeSize float64) (*ScanResult, error) {
	var out ScanResult
	req := scanRequest{Action: actionScanAndExecute, TradeSize: tradeSize}
	if err := c.call(ctx, actionScanAndExecute, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteBuy buys one specific asset instead of letting the backend pick.
func (c *Client) ExecuteBuy(ctx context.Context, assetID string, tradeSize float64) (*ScanResult, error) {
	var out ScanResult
	req := buyRequest{
		Action:    actionExecuteTrade,
		AssetID:   assetID,
		TradeSize: tradeSize,
		TradeType: "buy",
	}
	if err := c.call(ctx, actionExecuteTrade, req, &out); err != nil {
		return nil, err
	}
	if out.Executed && out.Position != nil && out.Position.AssetID == "" {
		out.Position.AssetID = assetID
	}
	return &out, nil
}

func (c *Client) CheckPositions(ctx context.Context, positions []Holding) (*CheckResponse, error) {
	var out CheckResponse
	req := holdingsRequest{Action: actionCheckPositions, Positions: positions}
	if err := c.call(ctx, actionCheckPositions, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CloseAll(ctx context.Context, positions []Holding) (*CloseResponse, error) {
	var out CloseResponse
	req := holdingsRequest{Action: actionCloseAll, Positions: positions}
	if err := c.call(ctx, actionCloseAll, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := c.call(ctx, actionGetBalance, actionRequest{Action: actionGetBalance}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, action string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", action, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", action, ErrUnknownOutcome, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w: %w", action, ErrUnknownOutcome, err)
	}

	c.logger.Debug("backend call",
		"action", action, "status", resp.StatusCode,
		"request_id", requestID, "elapsed", time.Since(start).String())

	if resp.StatusCode != http.StatusOK {
		var ep errorPayload
		_ = json.Unmarshal(data, &ep)
		if ep.Error == "" {
			ep.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s: %w", action, &BackendError{Status: resp.StatusCode, Message: ep.Error})
	}

	// A 200 may still carry an error payload.
	var ep errorPayload
	if err := json.Unmarshal(data, &ep); err == nil && ep.Error != "" {
		return fmt.Errorf("%s: %w", action, &BackendError{Status: http.StatusOK, Message: ep.Error})
	}

	// the backend acted on the request; an unreadable reply does not say how
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: parse response: %w: %w", action, ErrUnknownOutcome, err)
	}
	return nil
}
