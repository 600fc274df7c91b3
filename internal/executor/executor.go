// Package executor wraps every broker operation in a named retry policy,
// a per-operation-class rate limit, and a bounded timeout. It is the only
// component allowed to talk to the broker for mutating operations.
package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"tradepilot/internal/broker"
	"tradepilot/internal/logger"
	"tradepilot/pkg/types"
)

// OrderExecutor normalizes broker success and failure. Mutating calls run
// under ExponentialBackoff, read-only queries under ImmediateRetry; every
// attempt is bounded by the configured call timeout.
type OrderExecutor struct {
	broker  broker.Broker
	log     *logger.Logger
	timeout time.Duration

	submit Policy
	query  Policy

	// Most venues tolerate roughly 10 orders/s and far more data reads.
	tradeLimiter *rate.Limiter
	dataLimiter  *rate.Limiter
}

// New creates an executor around the given broker.
func New(b broker.Broker, log *logger.Logger, callTimeout time.Duration) *OrderExecutor {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &OrderExecutor{
		broker:       b,
		log:          log,
		timeout:      callTimeout,
		submit:       ExponentialBackoff(),
		query:        ImmediateRetry(),
		tradeLimiter: rate.NewLimiter(rate.Limit(10), 10),
		dataLimiter:  rate.NewLimiter(rate.Limit(50), 50),
	}
}

// Submit places an order and returns the confirmed fill. Retryable broker
// failures are retried with exponential backoff; a fatal failure or
// exhausted retries is returned to the caller, which must move the
// originating signal to failed — executions are never silently dropped.
func (e *OrderExecutor) Submit(ctx context.Context, order *types.Order) (*types.OrderResult, error) {
	if err := e.tradeLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	order.Status = types.OrderStatusSubmitted
	order.SubmittedAt = time.Now().UTC()

	var result *types.OrderResult
	err := e.submit.Do(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		var submitErr error
		result, submitErr = e.broker.SubmitOrder(attemptCtx, order)
		return submitErr
	})
	if err != nil {
		order.Status = types.OrderStatusRejected
		e.log.Error("order submit failed: %s %s qty=%.4f: %v", order.Side, order.Symbol, order.Quantity, err)
		return nil, err
	}

	order.Status = types.OrderStatusFilled
	order.BrokerOrderID = result.BrokerOrderID
	e.log.Trade("order filled: %s %s qty=%.4f @ %.4f (broker id %s)",
		order.Side, order.Symbol, result.FilledQty, result.FillPrice, result.BrokerOrderID)
	return result, nil
}

// Cancel cancels an in-flight order with the backoff policy.
func (e *OrderExecutor) Cancel(ctx context.Context, symbol, brokerOrderID string) error {
	if err := e.tradeLimiter.Wait(ctx); err != nil {
		return err
	}
	return e.submit.Do(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return e.broker.CancelOrder(attemptCtx, symbol, brokerOrderID)
	})
}

// ClosePosition submits the market order that flattens the given position.
func (e *OrderExecutor) ClosePosition(ctx context.Context, pos *types.Position) (*types.OrderResult, error) {
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %s is not open", pos.Symbol)
	}
	order := &types.Order{
		Symbol:    pos.Symbol,
		Side:      types.ClosingSideFor(pos.Direction),
		Quantity:  pos.Quantity,
		OrderType: types.OrderTypeMarket,
	}
	return e.Submit(ctx, order)
}

// Positions fetches the broker's open positions with the immediate-retry
// policy.
func (e *OrderExecutor) Positions(ctx context.Context) ([]broker.RemotePosition, error) {
	if err := e.dataLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	var positions []broker.RemotePosition
	err := e.query.Do(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		var queryErr error
		positions, queryErr = e.broker.GetPositions(attemptCtx)
		return queryErr
	})
	return positions, err
}

// Account fetches the broker account snapshot with the immediate-retry
// policy.
func (e *OrderExecutor) Account(ctx context.Context) (*broker.AccountSnapshot, error) {
	if err := e.dataLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	var snapshot *broker.AccountSnapshot
	err := e.query.Do(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		var queryErr error
		snapshot, queryErr = e.broker.GetAccount(attemptCtx)
		return queryErr
	})
	return snapshot, err
}

// LatestPrice fetches the last traded price with the immediate-retry policy.
func (e *OrderExecutor) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := e.dataLimiter.Wait(ctx); err != nil {
		return 0, err
	}
	var price float64
	err := e.query.Do(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		var queryErr error
		price, queryErr = e.broker.GetLatestPrice(attemptCtx, symbol)
		return queryErr
	})
	return price, err
}

// BrokerName returns the underlying broker identifier.
func (e *OrderExecutor) BrokerName() string {
	return e.broker.Name()
}
