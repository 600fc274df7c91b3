package types

import "time"

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the execution style of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the in-flight state of an order at the broker
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is the ephemeral in-flight representation of a broker order. Orders
// exist only while pending; terminal orders update the owning signal and
// position and are then dropped.
type Order struct {
	BrokerOrderID string      `json:"broker_order_id"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Quantity      float64     `json:"quantity"`
	OrderType     OrderType   `json:"order_type"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	Status        OrderStatus `json:"status"`
	SignalID      string      `json:"signal_id,omitempty"`
	SubmittedAt   time.Time   `json:"submitted_at"`
}

// OrderResult captures a confirmed fill.
type OrderResult struct {
	BrokerOrderID string  `json:"broker_order_id"`
	FilledQty     float64 `json:"filled_qty"`
	FillPrice     float64 `json:"fill_price"`
}

// SideFor returns the order side that opens a position in the given
// direction.
func SideFor(d Direction) OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ClosingSideFor returns the order side that closes a position held in the
// given direction.
func ClosingSideFor(d Direction) OrderSide {
	if d == DirectionShort {
		return OrderSideBuy
	}
	return OrderSideSell
}
