package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusTerminal(t *testing.T) {
	require.False(t, OrderStatusPending.Terminal())
	require.True(t, OrderStatusFilled.Terminal())
	require.True(t, OrderStatusCancelled.Terminal())
}

func TestOrderRequestValidate(t *testing.T) {
	price := decimal.RequireFromString("100.5")
	valid := OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     OrderSideBuy,
		Type:     OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
		Price:    &price,
	}
	require.NoError(t, valid.Validate())

	market := valid
	market.Type = OrderTypeMarket
	market.Price = nil
	require.NoError(t, market.Validate())

	cases := map[string]func(OrderRequest) OrderRequest{
		"missing symbol": func(r OrderRequest) OrderRequest { r.Symbol = ""; return r },
		"bad side":       func(r OrderRequest) OrderRequest { r.Side = "short"; return r },
		"bad type":       func(r OrderRequest) OrderRequest { r.Type = "stop"; return r },
		"zero quantity":  func(r OrderRequest) OrderRequest { r.Quantity = decimal.Zero; return r },
		"limit no price": func(r OrderRequest) OrderRequest { r.Price = nil; return r },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, mutate(valid).Validate())
		})
	}
}
