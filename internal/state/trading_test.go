package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/schema"
)

func newTradingStore(t *testing.T) *TradingStore {
	t.Helper()
	return NewTradingStore(config.Default().Sink, nil, nil)
}

func depthEvt(symbol string, seq uint64, payload schema.DepthPayload) *schema.Event {
	if payload.UpdatedAt.IsZero() {
		payload.UpdatedAt = time.Now().UTC()
	}
	return &schema.Event{
		EventID: schema.BuildEventID(schema.SourceStream, symbol, schema.EventTypeDepth, seq),
		Origin:  schema.SourceStream,
		Symbol:  symbol,
		Type:    schema.EventTypeDepth,
		Seq:     seq,
		EmitTS:  time.Now().UTC(),
		Payload: payload,
	}
}

func tradeEvt(symbol string, seq uint64, id string, occurred time.Time) *schema.Event {
	return &schema.Event{
		EventID: schema.BuildEventID(schema.SourcePoll, symbol, schema.EventTypeTrade, seq),
		Origin:  schema.SourcePoll,
		Symbol:  symbol,
		Type:    schema.EventTypeTrade,
		Seq:     seq,
		EmitTS:  occurred,
		Payload: schema.TradePayload{
			TradeID:    id,
			Price:      decimal.NewFromInt(43000),
			Quantity:   decimal.NewFromInt(1),
			Side:       schema.TradeSideBuy,
			OccurredAt: occurred,
		},
	}
}

func level(price int64, quantity int64) schema.PriceLevel {
	return schema.PriceLevel{Price: decimal.NewFromInt(price), Quantity: decimal.NewFromInt(quantity)}
}

func TestDepthReplaceNormalizesSideOrdering(t *testing.T) {
	store := newTradingStore(t)
	ctx := context.Background()

	// Sides arrive unsorted; apply normalizes bids descending and asks
	// ascending.
	store.apply(ctx, depthEvt("BTCUSDT", 1, schema.DepthPayload{
		Bids: []schema.PriceLevel{level(42998, 1), level(43000, 2), level(42999, 3)},
		Asks: []schema.PriceLevel{level(43003, 1), level(43001, 2), level(43002, 3)},
	}))

	book, ok := store.Book("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, "43000", book.Bids[0].Price.String())
	require.Equal(t, "42998", book.Bids[2].Price.String())
	require.Equal(t, "43001", book.Asks[0].Price.String())
	require.Equal(t, "43003", book.Asks[2].Price.String())

	// A second snapshot replaces both sides in full.
	store.apply(ctx, depthEvt("BTCUSDT", 2, schema.DepthPayload{
		Bids: []schema.PriceLevel{level(44000, 1)},
		Asks: []schema.PriceLevel{level(44001, 1)},
	}))
	book, _ = store.Book("BTCUSDT")
	require.Len(t, book.Bids, 1)
	require.Len(t, book.Asks, 1)
}

func TestTradeTapeNewestFirstWithCap(t *testing.T) {
	cfg := config.Default().Sink
	cfg.TradeTapeCap = 3
	store := NewTradingStore(cfg, nil, nil)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		store.apply(ctx, tradeEvt("BTCUSDT", uint64(i+1), fmt.Sprintf("t-%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	tape := store.Trades("BTCUSDT")
	require.Len(t, tape, 3)
	require.Equal(t, "t-4", tape[0].TradeID, "newest first")
	require.Equal(t, "t-2", tape[2].TradeID, "oldest prints evicted")
}

func TestTradeTapeDropsDuplicateIDs(t *testing.T) {
	store := newTradingStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	store.apply(ctx, tradeEvt("BTCUSDT", 1, "t-1", now))
	store.apply(ctx, tradeEvt("BTCUSDT", 2, "t-1", now))
	require.Len(t, store.Trades("BTCUSDT"), 1)
}

func TestOrderLifecycle(t *testing.T) {
	store := newTradingStore(t)

	order, err := store.PlaceOrder(schema.OrderRequest{
		Symbol:   "btcusdt",
		Side:     schema.OrderSideBuy,
		Type:     schema.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(0.5),
	})
	require.NoError(t, err)
	require.NotEmpty(t, order.ID)
	require.Equal(t, "BTCUSDT", order.Symbol)
	require.Equal(t, schema.OrderStatusPending, order.Status)
	require.Len(t, store.ActiveOrders(), 1)
	require.Empty(t, store.OrderHistory())

	filled, err := store.FillOrder(order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)

	// The move to history is atomic: gone from active, present once in
	// history.
	require.Empty(t, store.ActiveOrders())
	history := store.OrderHistory()
	require.Len(t, history, 1)
	require.Equal(t, order.ID, history[0].ID)
}

func TestTerminalOrdersNeverTransitionAgain(t *testing.T) {
	store := newTradingStore(t)

	order, err := store.PlaceOrder(schema.OrderRequest{
		Symbol:   "ETHUSDT",
		Side:     schema.OrderSideSell,
		Type:     schema.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	_, err = store.CancelOrder(order.ID)
	require.NoError(t, err)

	_, err = store.FillOrder(order.ID)
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeConflict))

	_, err = store.CancelOrder(order.ID)
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeConflict))
}

func TestSettleUnknownOrderIsNotFound(t *testing.T) {
	store := newTradingStore(t)
	_, err := store.FillOrder("no-such-order")
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestPlaceOrderValidation(t *testing.T) {
	store := newTradingStore(t)

	_, err := store.PlaceOrder(schema.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     schema.OrderSideBuy,
		Type:     schema.OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
	})
	require.Error(t, err, "limit order without price")
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	price := decimal.NewFromInt(43000)
	order, err := store.PlaceOrder(schema.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     schema.OrderSideBuy,
		Type:     schema.OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
		Price:    &price,
	})
	require.NoError(t, err)
	require.NotNil(t, order.Price)

	historyBefore := len(store.OrderHistory())
	_, err = store.CancelOrder(order.ID)
	require.NoError(t, err)
	require.Len(t, store.OrderHistory(), historyBefore+1)
}

func TestOrderHistoryEvictsOldestPastCap(t *testing.T) {
	cfg := config.Default().Sink
	cfg.OrderHistoryCap = 2
	store := NewTradingStore(cfg, nil, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		order, err := store.PlaceOrder(schema.OrderRequest{
			Symbol: "BTCUSDT", Side: schema.OrderSideBuy,
			Type: schema.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
		})
		require.NoError(t, err)
		_, err = store.FillOrder(order.ID)
		require.NoError(t, err)
		ids = append(ids, order.ID)
	}

	history := store.OrderHistory()
	require.Len(t, history, 2)
	require.Equal(t, ids[2], history[0].ID, "newest settlement first")
	require.Equal(t, ids[1], history[1].ID)
}

func TestOrdersNewestFirst(t *testing.T) {
	store := newTradingStore(t)

	first, err := store.PlaceOrder(schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	second, err := store.PlaceOrder(schema.OrderRequest{
		Symbol: "ETHUSDT", Side: schema.OrderSideSell,
		Type: schema.OrderTypeMarket, Quantity: decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	_, err = store.FillOrder(first.ID)
	require.NoError(t, err)
	_, err = store.CancelOrder(second.ID)
	require.NoError(t, err)

	history := store.OrderHistory()
	require.Len(t, history, 2)
	require.Equal(t, second.ID, history[0].ID, "newest settlement first")
}
