package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketdeck/marketdeck/errs"
)

// OrderSide captures the direction of an order.
type OrderSide string

const (
	// OrderSideBuy places a bid.
	OrderSideBuy OrderSide = "buy"
	// OrderSideSell places an ask.
	OrderSideSell OrderSide = "sell"
)

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	// OrderTypeMarket executes at the prevailing price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit rests at the requested price.
	OrderTypeLimit OrderType = "limit"
)

// OrderStatus tracks the order lifecycle: pending -> filled | cancelled.
type OrderStatus string

const (
	// OrderStatusPending marks an order in the active set.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusFilled marks a completed order.
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusCancelled marks a cancelled order.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status ends the lifecycle. Terminal orders
// live in history and can never re-enter the active set.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Order is an accepted order. Orders are echoed through their lifecycle as
// state transitions only; they are never matched against a real book.
type Order struct {
	ID        string           `json:"id"`
	Symbol    string           `json:"symbol"`
	Side      OrderSide        `json:"side"`
	Type      OrderType        `json:"type"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Status    OrderStatus      `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// OrderRequest carries the fields a caller supplies when placing an order.
type OrderRequest struct {
	Symbol   string           `json:"symbol"`
	Side     OrderSide        `json:"side"`
	Type     OrderType        `json:"type"`
	Quantity decimal.Decimal  `json:"quantity"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

// Validate checks an order request before it enters the trading projection.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if r.Side != OrderSideBuy && r.Side != OrderSideSell {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("unknown side"))
	}
	if r.Type != OrderTypeMarket && r.Type != OrderTypeLimit {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("unknown order type"))
	}
	if !r.Quantity.IsPositive() {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if r.Type == OrderTypeLimit && (r.Price == nil || !r.Price.IsPositive()) {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("limit order requires positive price"))
	}
	return nil
}
