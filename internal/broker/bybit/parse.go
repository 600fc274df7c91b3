package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"tradepilot/internal/broker"
	"tradepilot/pkg/types"
)

// Bybit v5 ret codes the classifier cares about.
const (
	retCodeInvalidAPIKey       = 10003
	retCodeInvalidSignature    = 10004
	retCodeInvalidTimestamp    = 10005
	retCodeRateLimitExceeded   = 10006
	retCodeOrderNotFound       = 110001
	retCodeInvalidOrderType    = 110004
	retCodeInsufficientBalance = 110007
	retCodeSymbolNotFound      = 110009
	retCodeInvalidQuantity     = 110020
	retCodeInvalidPrice        = 110021
	retCodeMarketClosed        = 110043
)

// retCodeError carries a non-zero Bybit ret code out of the parsers so the
// classifier can map it.
type retCodeError struct {
	code int
	msg  string
}

func (e *retCodeError) Error() string {
	return fmt.Sprintf("bybit ret code %d: %s", e.code, e.msg)
}

// classifyResponse maps parser errors, in particular ret-code errors, onto
// the broker error taxonomy.
func classifyResponse(op string, err error) error {
	if err == nil {
		return nil
	}
	rc, ok := err.(*retCodeError)
	if !ok {
		return broker.Classify(op, err)
	}
	switch rc.code {
	case retCodeRateLimitExceeded:
		return broker.NewRetryable(op, rc.code, rc.msg, rc)
	case retCodeInvalidAPIKey, retCodeInvalidSignature, retCodeInvalidTimestamp,
		retCodeOrderNotFound, retCodeInvalidOrderType, retCodeInsufficientBalance,
		retCodeSymbolNotFound, retCodeInvalidQuantity, retCodeInvalidPrice,
		retCodeMarketClosed:
		return broker.NewFatal(op, rc.code, rc.msg, rc)
	}
	if rc.code >= 500 && rc.code < 600 {
		return broker.NewRetryable(op, rc.code, rc.msg, rc)
	}
	// Unknown ret code: leave unclassified for the retry-once rule.
	return fmt.Errorf("%s: %w", op, rc)
}

// unwrapResult validates the ServerResponse envelope and re-marshals the
// result payload for typed decoding.
func unwrapResult(response interface{}) ([]byte, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T", response)
	}
	if serverResp.RetCode != 0 {
		return nil, &retCodeError{code: serverResp.RetCode, msg: serverResp.RetMsg}
	}
	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return resultBytes, nil
}

// checkRetCode validates the envelope of calls whose payload is ignored.
func checkRetCode(response interface{}) error {
	_, err := unwrapResult(response)
	return err
}

// parseOrderID extracts the order ID from a create-order response.
func parseOrderID(response interface{}) (string, error) {
	resultBytes, err := unwrapResult(response)
	if err != nil {
		return "", err
	}

	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(resultBytes, &created); err != nil {
		return "", fmt.Errorf("failed to unmarshal create-order result: %w", err)
	}
	if created.OrderID == "" {
		return "", fmt.Errorf("create-order response carried no orderId")
	}
	return created.OrderID, nil
}

// orderState is the subset of a realtime order the engine needs to confirm
// a fill.
type orderState struct {
	Status       string
	CumExecQty   float64
	AvgPrice     float64
	RejectReason string
}

// parseOrderState finds orderID in an open-orders or order-history response.
func parseOrderState(response interface{}, orderID string) (*orderState, bool, error) {
	resultBytes, err := unwrapResult(response)
	if err != nil {
		return nil, false, err
	}

	var listing struct {
		List []struct {
			OrderID      string `json:"orderId"`
			OrderStatus  string `json:"orderStatus"`
			CumExecQty   string `json:"cumExecQty"`
			AvgPrice     string `json:"avgPrice"`
			RejectReason string `json:"rejectReason"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &listing); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal order list: %w", err)
	}

	for _, o := range listing.List {
		if o.OrderID != orderID {
			continue
		}
		return &orderState{
			Status:       o.OrderStatus,
			CumExecQty:   parseFloat(o.CumExecQty),
			AvgPrice:     parseFloat(o.AvgPrice),
			RejectReason: o.RejectReason,
		}, true, nil
	}
	return nil, false, nil
}

// parsePositions converts a position-list response into RemotePositions,
// skipping zero-size entries Bybit reports for recently closed symbols.
func parsePositions(response interface{}) ([]broker.RemotePosition, error) {
	resultBytes, err := unwrapResult(response)
	if err != nil {
		return nil, err
	}

	var listing struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &listing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position list: %w", err)
	}

	positions := make([]broker.RemotePosition, 0, len(listing.List))
	for _, p := range listing.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		direction := types.DirectionLong
		if p.Side == "Sell" {
			direction = types.DirectionShort
		}
		positions = append(positions, broker.RemotePosition{
			Symbol:        p.Symbol,
			Direction:     direction,
			Quantity:      size,
			EntryPrice:    parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnrealisedPnl),
		})
	}
	return positions, nil
}

// parseAccount extracts equity and available balance from a unified wallet
// response.
func parseAccount(response interface{}) (*broker.AccountSnapshot, error) {
	resultBytes, err := unwrapResult(response)
	if err != nil {
		return nil, err
	}

	var wallet struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalWalletBalance    string `json:"totalWalletBalance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &wallet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet result: %w", err)
	}
	if len(wallet.List) == 0 {
		return nil, fmt.Errorf("wallet response carried no accounts")
	}

	acct := wallet.List[0]
	return &broker.AccountSnapshot{
		Equity:           parseFloat(acct.TotalEquity),
		Cash:             parseFloat(acct.TotalWalletBalance),
		AvailableBalance: parseFloat(acct.TotalAvailableBalance),
	}, nil
}

// parseLatestPrice extracts the last traded price for symbol from a tickers
// response.
func parseLatestPrice(response interface{}, symbol string) (float64, error) {
	resultBytes, err := unwrapResult(response)
	if err != nil {
		return 0, err
	}

	var tickers struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &tickers); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ticker result: %w", err)
	}

	for _, t := range tickers.List {
		if t.Symbol == symbol {
			price := parseFloat(t.LastPrice)
			if price <= 0 {
				return 0, fmt.Errorf("ticker for %s carried no price", symbol)
			}
			return price, nil
		}
	}
	return 0, fmt.Errorf("no ticker returned for symbol %s", symbol)
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
