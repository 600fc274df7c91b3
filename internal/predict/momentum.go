package predict

import (
	"context"
	"fmt"
	"math"
	"sync"

	"tradepilot/pkg/types"
)

// Momentum scores the price change over a rolling window of observed
// cycle prices. It needs a full window before it produces predictions, so
// the engine runs several quiet cycles after startup for each symbol.
type Momentum struct {
	prices      PriceSource
	window      int     // Samples per symbol before scoring starts
	sensitivity float64 // Return magnitude mapped to confidence 1.0

	mu      sync.Mutex
	history map[string][]float64
}

// NewMomentum creates a momentum predictor. window is the number of cycle
// prices kept per symbol; sensitivity is the absolute window return that
// saturates confidence at 1.0 (e.g. 0.05 for 5%).
func NewMomentum(prices PriceSource, window int, sensitivity float64) *Momentum {
	if window < 2 {
		window = 2
	}
	if sensitivity <= 0 {
		sensitivity = 0.05
	}
	return &Momentum{
		prices:      prices,
		window:      window,
		sensitivity: sensitivity,
		history:     make(map[string][]float64),
	}
}

// Predict records the symbol's latest price and scores the window return.
// It abstains until the window is full.
func (m *Momentum) Predict(ctx context.Context, symbol string) (*types.Prediction, error) {
	price, err := m.prices.LatestPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("momentum %s: %w", symbol, err)
	}
	if price <= 0 {
		return nil, fmt.Errorf("momentum %s: non-positive price %.4f", symbol, price)
	}

	m.mu.Lock()
	hist := append(m.history[symbol], price)
	if len(hist) > m.window {
		hist = hist[len(hist)-m.window:]
	}
	m.history[symbol] = hist
	full := len(hist) == m.window
	first := hist[0]
	m.mu.Unlock()

	if !full || first <= 0 {
		return nil, nil
	}

	ret := (price - first) / first
	if ret == 0 {
		return nil, nil
	}

	direction := types.DirectionLong
	if ret < 0 {
		direction = types.DirectionShort
	}
	confidence := math.Min(math.Abs(ret)/m.sensitivity, 1.0)

	return &types.Prediction{
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		Metadata: map[string]string{
			"window_return": fmt.Sprintf("%.5f", ret),
			"window_size":   fmt.Sprintf("%d", m.window),
		},
	}, nil
}

// Reset drops accumulated history, e.g. across a market-close rollover.
func (m *Momentum) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make(map[string][]float64)
}
