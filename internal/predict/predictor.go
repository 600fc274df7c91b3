// Package predict produces trade candidates for the trading cycle. The
// engine treats the predictor as an opaque, replaceable source: a failure
// or an abstain simply means no signal this cycle.
package predict

import (
	"context"

	"tradepilot/pkg/types"
)

// Predictor produces at most one prediction per symbol per cycle. A nil
// prediction with a nil error means the predictor abstained.
type Predictor interface {
	Predict(ctx context.Context, symbol string) (*types.Prediction, error)
}

// PriceSource supplies the latest traded price for a symbol.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}
