// Package bybit implements the broker.Broker interface against the Bybit
// v5 unified trading API.
package bybit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"tradepilot/internal/broker"
	"tradepilot/pkg/types"
)

// Config holds Bybit connectivity settings.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Demo      bool   // Demo trading environment (paper trading)
	Category  string // Product category: spot, linear, inverse
	Quote     string // Quote/settlement coin, e.g. USDT
}

// Client adapts the Bybit HTTP API to the engine's Broker interface.
type Client struct {
	httpClient *bybit_api.Client
	category   string
	quote      string
	demo       bool
	testnet    bool
}

// Compile-time interface check.
var _ broker.Broker = (*Client)(nil)

// New creates a Bybit broker client. Demo mode routes to the paper-trading
// environment, testnet to the Bybit testnet, otherwise mainnet.
func New(cfg Config) *Client {
	var baseURL string
	switch {
	case cfg.Demo:
		baseURL = "https://api-demo.bybit.com"
	case cfg.Testnet:
		baseURL = bybit_api.TESTNET
	default:
		baseURL = bybit_api.MAINNET
	}

	category := cfg.Category
	if category == "" {
		category = "linear"
	}
	quote := cfg.Quote
	if quote == "" {
		quote = "USDT"
	}

	return &Client{
		httpClient: bybit_api.NewBybitHttpClient(
			cfg.APIKey,
			cfg.APISecret,
			bybit_api.WithBaseURL(baseURL),
		),
		category: category,
		quote:    quote,
		demo:     cfg.Demo,
		testnet:  cfg.Testnet,
	}
}

// Name returns "bybit".
func (c *Client) Name() string {
	return "bybit"
}

// Environment describes which Bybit environment the client targets.
func (c *Client) Environment() string {
	switch {
	case c.demo:
		return "demo"
	case c.testnet:
		return "testnet"
	default:
		return "mainnet"
	}
}

// SubmitOrder places a market order and confirms the fill. Bybit's create
// response only carries the order ID, so the fill price and quantity are
// read back from the realtime order query.
func (c *Client) SubmitOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error) {
	const op = "submit_order"

	params := map[string]interface{}{
		"category":  c.category,
		"symbol":    order.Symbol,
		"side":      sideToBybit(order.Side),
		"orderType": "Market",
		"qty":       formatQty(order.Quantity),
	}
	if order.OrderType == types.OrderTypeLimit {
		params["orderType"] = "Limit"
		params["price"] = strconv.FormatFloat(order.LimitPrice, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return nil, broker.Classify(op, err)
	}

	orderID, err := parseOrderID(result)
	if err != nil {
		return nil, classifyResponse(op, err)
	}

	return c.confirmFill(ctx, order.Symbol, orderID)
}

// confirmFill polls the order until it reaches a terminal status and
// extracts the executed quantity and average price.
func (c *Client) confirmFill(ctx context.Context, symbol, orderID string) (*types.OrderResult, error) {
	const op = "confirm_fill"

	for attempt := 0; attempt < 5; attempt++ {
		status, err := c.queryOrder(ctx, symbol, orderID)
		if err != nil {
			return nil, err
		}
		switch status.Status {
		case "Filled":
			return &types.OrderResult{
				BrokerOrderID: orderID,
				FilledQty:     status.CumExecQty,
				FillPrice:     status.AvgPrice,
			}, nil
		case "Rejected":
			return nil, broker.NewFatal(op, 0, fmt.Sprintf("order %s rejected: %s", orderID, status.RejectReason), nil)
		case "Cancelled":
			return nil, broker.NewFatal(op, 0, fmt.Sprintf("order %s cancelled before fill", orderID), nil)
		}

		select {
		case <-ctx.Done():
			return nil, broker.Classify(op, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}

	return nil, broker.NewRetryable(op, 0, fmt.Sprintf("order %s not filled within confirmation window", orderID), nil)
}

// queryOrder fetches the realtime state of one order, falling back to the
// order history for orders that already left the open-orders book.
func (c *Client) queryOrder(ctx context.Context, symbol, orderID string) (*orderState, error) {
	const op = "get_order_status"

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return nil, broker.Classify(op, err)
	}
	state, found, err := parseOrderState(result, orderID)
	if err != nil {
		return nil, classifyResponse(op, err)
	}
	if found {
		return state, nil
	}

	// Not in the open book: it either filled or was cancelled.
	result, err = c.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	if err != nil {
		return nil, broker.Classify(op, err)
	}
	state, found, err = parseOrderState(result, orderID)
	if err != nil {
		return nil, classifyResponse(op, err)
	}
	if !found {
		return nil, broker.NewRetryable(op, 0, fmt.Sprintf("order %s not yet visible", orderID), nil)
	}
	return state, nil
}

// CancelOrder cancels an in-flight order.
func (c *Client) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	const op = "cancel_order"

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  brokerOrderID,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return broker.Classify(op, err)
	}
	if err := checkRetCode(result); err != nil {
		return classifyResponse(op, err)
	}
	return nil
}

// GetPositions returns all open positions settled in the configured quote
// coin.
func (c *Client) GetPositions(ctx context.Context) ([]broker.RemotePosition, error) {
	const op = "get_positions"

	params := map[string]interface{}{
		"category":   c.category,
		"settleCoin": c.quote,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	if err != nil {
		return nil, broker.Classify(op, err)
	}
	positions, err := parsePositions(result)
	if err != nil {
		return nil, classifyResponse(op, err)
	}
	return positions, nil
}

// GetAccount returns the unified account equity and available balance.
func (c *Client) GetAccount(ctx context.Context) (*broker.AccountSnapshot, error) {
	const op = "get_account"

	params := map[string]interface{}{
		"accountType": "UNIFIED",
		"coin":        c.quote,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return nil, broker.Classify(op, err)
	}
	snapshot, err := parseAccount(result)
	if err != nil {
		return nil, classifyResponse(op, err)
	}
	return snapshot, nil
}

// GetLatestPrice returns the last traded price for a symbol.
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	const op = "get_latest_price"

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return 0, broker.Classify(op, err)
	}
	price, err := parseLatestPrice(result, symbol)
	if err != nil {
		return 0, classifyResponse(op, err)
	}
	return price, nil
}

func sideToBybit(side types.OrderSide) string {
	if side == types.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func formatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}
