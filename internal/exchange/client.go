// Package exchange implements the Coinbase Advanced Trade REST and
// WebSocket clients plus the Mock and Paper adapters.
//
// The REST client (Client) covers the brokerage surface the bot needs:
//   - GetProducts:     GET  /api/v3/brokerage/products            — tradable pairs + increments
//   - GetBalances:     GET  /api/v3/brokerage/accounts            — available balances
//   - GetTicker:       GET  /api/v3/brokerage/products/{id}/ticker
//   - PlaceLimitOrder: POST /api/v3/brokerage/orders              — post-only limit GTC
//   - CancelOrder:     POST /api/v3/brokerage/orders/batch_cancel
//   - ListOpenOrders:  GET  /api/v3/brokerage/orders/historical/batch?order_status=OPEN
//   - GetFills:        GET  /api/v3/brokerage/orders/historical/fills
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with CB-ACCESS HMAC headers
// (except public market-data reads).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/pkg/types"
)

// Client is the Coinbase Advanced Trade REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	auth   *Auth         // HMAC auth for request signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	wsURL  string
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   NewAuth(cfg.APIKey, cfg.APISecret),
		rl:     NewRateLimiter(),
		wsURL:  cfg.WSURL,
		logger: logger.With("component", "coinbase"),
	}
}

// HasCredentials reports whether the client holds an API key pair. Without
// one only public market-data endpoints work; startup refuses live trading.
func (c *Client) HasCredentials() bool {
	return c.auth.HasCredentials()
}

// — wire types —

type productWire struct {
	ProductID      string `json:"product_id"`
	Price          string `json:"price"`
	Volume24h      string `json:"volume_24h"`
	BaseIncrement  string `json:"base_increment"`
	QuoteIncrement string `json:"quote_increment"`
	BaseMinSize    string `json:"base_min_size"`
	ProductType    string `json:"product_type"`
	TradingDisable bool   `json:"trading_disabled"`
}

type accountWire struct {
	Currency         string `json:"currency"`
	AvailableBalance struct {
		Value string `json:"value"`
	} `json:"available_balance"`
}

type orderWire struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Side               string `json:"side"`
	Status             string `json:"status"`
	CreatedTime        string `json:"created_time"`
	OrderConfiguration struct {
		LimitLimitGTC struct {
			LimitPrice string `json:"limit_price"`
			BaseSize   string `json:"base_size"`
		} `json:"limit_limit_gtc"`
	} `json:"order_configuration"`
}

type fillWire struct {
	TradeID   string `json:"trade_id"`
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Commission string `json:"commission"`
	TradeTime string `json:"trade_time"`
}

// mustJSON marshals a payload we constructed ourselves, so failure would be
// a programming error.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseT(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "OPEN", "PENDING", "QUEUED":
		return types.OrderOpen
	case "FILLED":
		return types.OrderFilled
	case "CANCELLED", "CANCEL_QUEUED", "EXPIRED":
		return types.OrderCanceled
	case "FAILED", "REJECTED":
		return types.OrderRejected
	default:
		return types.OrderUnknown
	}
}

func orderFromWire(w orderWire) types.Order {
	return types.Order{
		ID:        w.OrderID,
		ClientTag: w.ClientOrderID,
		MarketID:  w.ProductID,
		Side:      types.Side(w.Side),
		Price:     parseF(w.OrderConfiguration.LimitLimitGTC.LimitPrice),
		Size:      parseF(w.OrderConfiguration.LimitLimitGTC.BaseSize),
		Status:    mapOrderStatus(w.Status),
		CreatedAt: parseT(w.CreatedTime),
	}
}

// signedRequest prepares a request with CB-ACCESS headers for the given
// method/path/body. path must exclude the query string.
func (c *Client) signedRequest(ctx context.Context, method, path, body string) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(method, path, body))
}

// GetProducts returns tradable USD spot products.
func (c *Client) GetProducts(ctx context.Context) ([]types.Product, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Products []productWire `json:"products"`
	}
	path := "/api/v3/brokerage/products"
	resp, err := c.signedRequest(ctx, "GET", path, "").
		SetQueryParam("product_type", "SPOT").
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get products: %w", statusError(resp.StatusCode(), resp.String()))
	}

	products := make([]types.Product, 0, len(result.Products))
	for _, p := range result.Products {
		if p.TradingDisable {
			continue
		}
		products = append(products, types.Product{
			ID:             p.ProductID,
			BaseIncrement:  parseF(p.BaseIncrement),
			QuoteIncrement: parseF(p.QuoteIncrement),
			MinSize:        parseF(p.BaseMinSize),
			Price:          parseF(p.Price),
			Volume24h:      parseF(p.Volume24h),
		})
	}
	return products, nil
}

// GetBalances returns available balances keyed by currency code.
func (c *Client) GetBalances(ctx context.Context) (map[string]float64, error) {
	if err := c.rl.Private.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Accounts []accountWire `json:"accounts"`
	}
	path := "/api/v3/brokerage/accounts"
	resp, err := c.signedRequest(ctx, "GET", path, "").
		SetQueryParam("limit", "250").
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get accounts: %w", statusError(resp.StatusCode(), resp.String()))
	}

	balances := make(map[string]float64, len(result.Accounts))
	for _, a := range result.Accounts {
		balances[a.Currency] = parseF(a.AvailableBalance.Value)
	}
	return balances, nil
}

// GetTicker fetches the latest trade price for a product.
func (c *Client) GetTicker(ctx context.Context, productID string) (types.Ticker, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return types.Ticker{}, err
	}

	var result struct {
		Trades []struct {
			Price string `json:"price"`
			Time  string `json:"time"`
		} `json:"trades"`
	}
	path := "/api/v3/brokerage/products/" + productID + "/ticker"
	resp, err := c.signedRequest(ctx, "GET", path, "").
		SetQueryParam("limit", "1").
		SetResult(&result).
		Get(path)
	if err != nil {
		return types.Ticker{}, fmt.Errorf("get ticker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Ticker{}, fmt.Errorf("get ticker: %w", statusError(resp.StatusCode(), resp.String()))
	}
	if len(result.Trades) == 0 {
		return types.Ticker{}, fmt.Errorf("get ticker: no trades for %s", productID)
	}
	return types.Ticker{
		ProductID: productID,
		Price:     parseF(result.Trades[0].Price),
		Time:      parseT(result.Trades[0].Time),
	}, nil
}

// PlaceLimitOrder submits a post-only limit GTC order. The client tag is
// sent as client_order_id, which Coinbase deduplicates server-side, so a
// retried placement cannot double-fill.
func (c *Client) PlaceLimitOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	if err := c.rl.Private.Wait(ctx); err != nil {
		return "", err
	}

	payload := map[string]any{
		"client_order_id": req.ClientTag,
		"product_id":      req.MarketID,
		"side":            string(req.Side),
		"order_configuration": map[string]any{
			"limit_limit_gtc": map[string]any{
				"limit_price": strconv.FormatFloat(req.Price, 'f', -1, 64),
				"base_size":   strconv.FormatFloat(req.Size, 'f', -1, 64),
				"post_only":   req.PostOnly,
			},
		},
	}

	var result struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error        string `json:"error"`
			ErrorDetails string `json:"error_details"`
		} `json:"error_response"`
	}
	path := "/api/v3/brokerage/orders"
	body := mustJSON(payload)
	resp, err := c.signedRequest(ctx, "POST", path, body).
		SetBody([]byte(body)).
		SetResult(&result).
		Post(path)
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("place order: %w", statusError(resp.StatusCode(), resp.String()))
	}
	if !result.Success {
		return "", &APIError{
			Status: resp.StatusCode(),
			Body:   result.ErrorResponse.Error + ": " + result.ErrorResponse.ErrorDetails,
		}
	}

	c.logger.Debug("order placed",
		"product", req.MarketID,
		"side", req.Side,
		"price", req.Price,
		"size", req.Size,
		"order_id", result.SuccessResponse.OrderID,
	)
	return result.SuccessResponse.OrderID, nil
}

// CancelOrder cancels a single order by exchange ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.rl.Private.Wait(ctx); err != nil {
		return err
	}

	var result struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
			OrderID       string `json:"order_id"`
		} `json:"results"`
	}
	path := "/api/v3/brokerage/orders/batch_cancel"
	body := mustJSON(map[string]any{"order_ids": []string{orderID}})
	resp, err := c.signedRequest(ctx, "POST", path, body).
		SetBody([]byte(body)).
		SetResult(&result).
		Post(path)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: %w", statusError(resp.StatusCode(), resp.String()))
	}
	if len(result.Results) == 0 {
		return fmt.Errorf("cancel order %s: empty response", orderID)
	}
	if r := result.Results[0]; !r.Success {
		if r.FailureReason == "UNKNOWN_CANCEL_ORDER" || r.FailureReason == "DUPLICATE_CANCEL_REQUEST" {
			return fmt.Errorf("cancel order %s: %w", orderID, ErrOrderNotFound)
		}
		return fmt.Errorf("cancel order %s: %s", orderID, r.FailureReason)
	}
	return nil
}

// ListOpenOrders returns resting orders, optionally filtered to one product.
func (c *Client) ListOpenOrders(ctx context.Context, productID string) ([]types.Order, error) {
	if err := c.rl.Private.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Orders []orderWire `json:"orders"`
	}
	path := "/api/v3/brokerage/orders/historical/batch"
	req := c.signedRequest(ctx, "GET", path, "").
		SetQueryParam("order_status", "OPEN").
		SetResult(&result)
	if productID != "" {
		req.SetQueryParam("product_id", productID)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list open orders: %w", statusError(resp.StatusCode(), resp.String()))
	}

	orders := make([]types.Order, 0, len(result.Orders))
	for _, w := range result.Orders {
		orders = append(orders, orderFromWire(w))
	}
	return orders, nil
}

// GetFills returns fills since the given time, oldest first.
func (c *Client) GetFills(ctx context.Context, productID string, since time.Time) ([]types.Fill, error) {
	if err := c.rl.Private.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Fills []fillWire `json:"fills"`
	}
	path := "/api/v3/brokerage/orders/historical/fills"
	req := c.signedRequest(ctx, "GET", path, "").
		SetQueryParam("start_sequence_timestamp", since.UTC().Format(time.RFC3339)).
		SetResult(&result)
	if productID != "" {
		req.SetQueryParam("product_id", productID)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("get fills: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get fills: %w", statusError(resp.StatusCode(), resp.String()))
	}

	fills := make([]types.Fill, 0, len(result.Fills))
	for _, w := range result.Fills {
		fills = append(fills, types.Fill{
			ID:        w.TradeID,
			OrderID:   w.OrderID,
			MarketID:  w.ProductID,
			Side:      types.Side(w.Side),
			Price:     parseF(w.Price),
			Size:      parseF(w.Size),
			Fee:       parseF(w.Commission),
			Timestamp: parseT(w.TradeTime),
		})
	}
	// Coinbase returns newest first; the engine wants oldest first.
	for i, j := 0, len(fills)-1; i < j; i, j = i+1, j-1 {
		fills[i], fills[j] = fills[j], fills[i]
	}
	return fills, nil
}

// StreamTicker runs a WebSocket ticker subscription until ctx is cancelled.
func (c *Client) StreamTicker(ctx context.Context, productIDs []string, fn TickerFunc) error {
	feed := NewTickerFeed(c.wsURL, productIDs, fn, c.logger)
	return feed.Run(ctx)
}

// StreamFills runs the authenticated user-channel subscription until ctx is
// cancelled.
func (c *Client) StreamFills(ctx context.Context, fn FillFunc) error {
	feed := NewUserFeed(c.wsURL, c.auth, fn, c.logger)
	return feed.Run(ctx)
}
