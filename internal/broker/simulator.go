package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tradepilot/pkg/types"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

// Simulator implements Broker entirely in memory. It backs paper trading
// and the engine's test suite: prices are set explicitly, market orders
// fill immediately at the current price, and failures can be scripted per
// operation.
type Simulator struct {
	mu        sync.Mutex
	cash      float64
	positions map[string]*simPosition
	prices    map[string]float64
	failures  map[string][]error // op -> queued errors, consumed FIFO

	// SubmittedOrders records every order that reached the simulator, in
	// submission order. Tests assert on it.
	SubmittedOrders []types.Order
}

type simPosition struct {
	direction  types.Direction
	quantity   float64
	entryPrice float64
}

// NewSimulator creates a simulator with the given starting cash.
func NewSimulator(startingCash float64) *Simulator {
	return &Simulator{
		cash:      startingCash,
		positions: make(map[string]*simPosition),
		prices:    make(map[string]float64),
		failures:  make(map[string][]error),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// SetPrice sets the current market price for a symbol.
func (s *Simulator) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// FailNext queues an error to be returned by the next call of the given
// operation ("submit_order", "get_positions", "get_account",
// "get_latest_price", "cancel_order").
func (s *Simulator) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// ImportPosition seeds a broker-side position that the engine did not open,
// for reconciliation tests and paper-mode bootstrapping.
func (s *Simulator) ImportPosition(symbol string, direction types.Direction, qty, entryPrice float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[symbol] = &simPosition{direction: direction, quantity: qty, entryPrice: entryPrice}
	if _, ok := s.prices[symbol]; !ok {
		s.prices[symbol] = entryPrice
	}
}

// RemovePosition drops a broker-side position without a closing fill, to
// simulate out-of-band manual closes.
func (s *Simulator) RemovePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
}

func (s *Simulator) takeFailure(op string) error {
	queued := s.failures[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	s.failures[op] = queued[1:]
	return err
}

// SubmitOrder fills a market order immediately at the current price,
// updating the simulated position and cash.
func (s *Simulator) SubmitOrder(_ context.Context, order *types.Order) (*types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("submit_order"); err != nil {
		return nil, err
	}

	price, ok := s.prices[order.Symbol]
	if !ok || price <= 0 {
		return nil, NewFatal("submit_order", 0, fmt.Sprintf("invalid symbol %s: no market price", order.Symbol), nil)
	}

	s.SubmittedOrders = append(s.SubmittedOrders, *order)
	s.applyFill(order, price)

	return &types.OrderResult{
		BrokerOrderID: uuid.NewString(),
		FilledQty:     order.Quantity,
		FillPrice:     price,
	}, nil
}

// applyFill adjusts the simulated book for one fill. A fill that reduces an
// existing position to zero removes it; a fill with no existing position
// opens one in the direction implied by the order side.
func (s *Simulator) applyFill(order *types.Order, price float64) {
	pos := s.positions[order.Symbol]
	notional := order.Quantity * price

	if pos == nil {
		direction := types.DirectionLong
		if order.Side == types.OrderSideSell {
			direction = types.DirectionShort
		}
		s.positions[order.Symbol] = &simPosition{
			direction:  direction,
			quantity:   order.Quantity,
			entryPrice: price,
		}
		s.cash -= notional
		return
	}

	closing := (pos.direction == types.DirectionLong && order.Side == types.OrderSideSell) ||
		(pos.direction == types.DirectionShort && order.Side == types.OrderSideBuy)
	if !closing {
		// Adding to an existing position: average the entry.
		total := pos.quantity + order.Quantity
		pos.entryPrice = (pos.entryPrice*pos.quantity + price*order.Quantity) / total
		pos.quantity = total
		s.cash -= notional
		return
	}

	s.cash += notional
	if order.Quantity >= pos.quantity {
		delete(s.positions, order.Symbol)
	} else {
		pos.quantity -= order.Quantity
	}
}

// CancelOrder is a no-op for the simulator; market orders never rest.
func (s *Simulator) CancelOrder(_ context.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeFailure("cancel_order")
}

// GetPositions returns the simulated positions marked at current prices.
func (s *Simulator) GetPositions(_ context.Context) ([]RemotePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("get_positions"); err != nil {
		return nil, err
	}

	positions := make([]RemotePosition, 0, len(s.positions))
	for symbol, pos := range s.positions {
		mark := s.prices[symbol]
		pnl := (mark - pos.entryPrice) * pos.quantity
		if pos.direction == types.DirectionShort {
			pnl = -pnl
		}
		positions = append(positions, RemotePosition{
			Symbol:        symbol,
			Direction:     pos.direction,
			Quantity:      pos.quantity,
			EntryPrice:    pos.entryPrice,
			MarkPrice:     mark,
			UnrealizedPnL: pnl,
		})
	}
	return positions, nil
}

// GetAccount returns cash plus marked-to-market position value as equity.
func (s *Simulator) GetAccount(_ context.Context) (*AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("get_account"); err != nil {
		return nil, err
	}

	equity := s.cash
	for symbol, pos := range s.positions {
		equity += pos.quantity * s.prices[symbol]
	}
	return &AccountSnapshot{
		Equity:           equity,
		Cash:             s.cash,
		AvailableBalance: s.cash,
	}, nil
}

// GetLatestPrice returns the configured price for a symbol.
func (s *Simulator) GetLatestPrice(_ context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("get_latest_price"); err != nil {
		return 0, err
	}

	price, ok := s.prices[symbol]
	if !ok {
		return 0, NewFatal("get_latest_price", 0, fmt.Sprintf("invalid symbol %s: no market price", symbol), nil)
	}
	return price, nil
}
