// Package exchange implements the trading venue's REST and WebSocket clients.
//
// The REST client (Client) handles order management:
//   - SubmitOrder:    POST   /orders        — place one order
//   - CancelOrder:    DELETE /orders/{id}   — cancel by exchange ID
//   - OrdersSnapshot: GET    /orders        — full order list for reconciliation
//
// Every request is rate-limited per endpoint category, automatically retried
// on 5xx errors, and authenticated with a bearer API key. In dry-run mode
// mutating calls return synthetic success without touching the network.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"binary-trader/internal/config"
	"binary-trader/pkg/types"
)

// wireOrder is the JSON shape of one order on the REST API.
type wireOrder struct {
	ID          string `json:"id"`
	ClientToken string `json:"client_token"`
	Ticker      string `json:"ticker"`
	Side        string `json:"side"`
	Action      string `json:"action"`
	Type        string `json:"type"`
	Count       int    `json:"count"`
	Price       string `json:"price,omitempty"` // dollars, e.g. "0.55"
	Status      string `json:"status"`
	FilledCount int    `json:"filled_count"`
	AvgPrice    string `json:"avg_price,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type submitResponse struct {
	Order wireOrder `json:"order"`
}

type ordersResponse struct {
	Orders []wireOrder `json:"orders"`
}

// Client is the exchange REST API client. It wraps a resty HTTP client
// with rate limiting, retry, and bearer auth.
type Client struct {
	http   *resty.Client
	orders *rate.Limiter // submissions
	cancel *rate.Limiter // cancels
	reads  *rate.Limiter // snapshots and book reads
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.ExchangeConfig, dryRun bool, logger *slog.Logger) *Client {
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIKey)

	return &Client{
		http:   httpClient,
		orders: rate.NewLimiter(rate.Limit(20), 40),
		cancel: rate.NewLimiter(rate.Limit(20), 40),
		reads:  rate.NewLimiter(rate.Limit(10), 20),
		dryRun: dryRun,
		logger: logger.With("component", "exchange"),
	}
}

// SubmitOrder places one order and returns the exchange acknowledgement.
func (c *Client) SubmitOrder(ctx context.Context, req types.SubmitRequest) (types.SubmitResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order",
			"ticker", req.Ticker, "action", req.Action, "count", req.Count)
		return types.SubmitResult{
			ExchangeID: "dry-run-" + req.ClientToken,
			Accepted:   true,
		}, nil
	}
	if err := c.orders.Wait(ctx); err != nil {
		return types.SubmitResult{}, err
	}

	body := wireOrder{
		ClientToken: req.ClientToken,
		Ticker:      req.Ticker,
		Side:        string(req.Side),
		Action:      string(req.Action),
		Type:        string(req.Type),
		Count:       req.Count,
	}
	if req.Type == types.LIMIT {
		body.Price = centsToWire(req.Price)
	}

	var result submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return types.SubmitResult{}, fmt.Errorf("submit order: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		return types.SubmitResult{
			ExchangeID: result.Order.ID,
			Accepted:   true,
			Filled:     result.Order.FilledCount,
		}, nil
	case http.StatusUnprocessableEntity:
		return types.SubmitResult{
			ExchangeID: result.Order.ID,
			Accepted:   false,
			Reason:     result.Order.Reason,
		}, nil
	default:
		return types.SubmitResult{}, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
}

// CancelOrder cancels an order by exchange ID.
func (c *Client) CancelOrder(ctx context.Context, exchangeID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "exchange_id", exchangeID)
		return nil
	}
	if err := c.cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/orders/" + exchangeID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// OrdersSnapshot fetches the exchange's view of all our orders.
func (c *Client) OrdersSnapshot(ctx context.Context) ([]types.ExchangeOrder, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	var result ordersResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/orders")
	if err != nil {
		return nil, fmt.Errorf("orders snapshot: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("orders snapshot: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.ExchangeOrder, 0, len(result.Orders))
	for _, wo := range result.Orders {
		eo := types.ExchangeOrder{
			ExchangeID:  wo.ID,
			ClientToken: wo.ClientToken,
			Status:      wo.Status,
			Count:       wo.Count,
			FilledCount: wo.FilledCount,
		}
		if wo.AvgPrice != "" {
			cents, err := wireToCents(wo.AvgPrice)
			if err != nil {
				c.logger.Warn("snapshot order with bad avg price",
					"exchange_id", wo.ID, "avg_price", wo.AvgPrice)
				continue
			}
			eo.AvgPrice = cents
		}
		out = append(out, eo)
	}
	return out, nil
}
