package state

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/internal/bus/eventbus"
	"github.com/marketdeck/marketdeck/internal/schema"
)

func newMarketStore(t *testing.T) *MarketStore {
	t.Helper()
	return NewMarketStore(config.Default().Sink, nil)
}

func tickerEvt(symbol string, seq uint64, price int64, observed time.Time) *schema.Event {
	return &schema.Event{
		EventID: schema.BuildEventID(schema.SourceStream, symbol, schema.EventTypeTicker, seq),
		Origin:  schema.SourceStream,
		Symbol:  symbol,
		Type:    schema.EventTypeTicker,
		Seq:     seq,
		EmitTS:  observed,
		Payload: schema.TickerPayload{Price: decimal.NewFromInt(price), ObservedAt: observed},
	}
}

func klineEvt(symbol string, seq uint64, candles ...schema.Candle) *schema.Event {
	return &schema.Event{
		EventID: schema.BuildEventID(schema.SourcePoll, symbol, schema.EventTypeKline, seq),
		Origin:  schema.SourcePoll,
		Symbol:  symbol,
		Type:    schema.EventTypeKline,
		Seq:     seq,
		EmitTS:  time.Now().UTC(),
		Payload: schema.KlinePayload{Interval: "1m", Candles: candles},
	}
}

func candleAt(open time.Time, closePrice int64) schema.Candle {
	price := decimal.NewFromInt(closePrice)
	return schema.Candle{OpenTime: open, Open: price, High: price, Low: price, Close: price, Volume: decimal.NewFromInt(1)}
}

func TestStaleTickerNeverOverwritesNewer(t *testing.T) {
	store := newMarketStore(t)
	ctx := context.Background()
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	store.apply(ctx, tickerEvt("BTCUSDT", 1, 43000, base))
	store.apply(ctx, tickerEvt("BTCUSDT", 2, 42000, base.Add(-time.Second)))

	ticker, ok := store.Ticker("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, "43000", ticker.Price.String())
	require.Equal(t, base, store.lastObserved("BTCUSDT"))

	// An equally fresh snapshot is allowed through.
	store.apply(ctx, tickerEvt("BTCUSDT", 3, 44000, base))
	ticker, _ = store.Ticker("BTCUSDT")
	require.Equal(t, "44000", ticker.Price.String())
}

func TestCandleReplaceByOpenTime(t *testing.T) {
	store := newMarketStore(t)
	ctx := context.Background()
	bucket := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	store.apply(ctx, klineEvt("BTCUSDT", 1, candleAt(bucket, 100)))
	store.apply(ctx, klineEvt("BTCUSDT", 2, candleAt(bucket.Add(time.Minute), 101)))
	// Same open time again: replaces in place, no duplicate bucket.
	store.apply(ctx, klineEvt("BTCUSDT", 3, candleAt(bucket, 105)))

	series := store.Candles("BTCUSDT")
	require.Len(t, series, 2)
	require.Equal(t, "105", series[0].Close.String())
	require.Equal(t, "101", series[1].Close.String())
}

func TestCandleSeriesOutOfOrderInsertStaysSorted(t *testing.T) {
	store := newMarketStore(t)
	ctx := context.Background()
	bucket := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	store.apply(ctx, klineEvt("BTCUSDT", 1, candleAt(bucket.Add(2*time.Minute), 102)))
	store.apply(ctx, klineEvt("BTCUSDT", 2, candleAt(bucket, 100)))
	store.apply(ctx, klineEvt("BTCUSDT", 3, candleAt(bucket.Add(time.Minute), 101)))

	series := store.Candles("BTCUSDT")
	require.Len(t, series, 3)
	for i := 1; i < len(series); i++ {
		require.True(t, series[i].OpenTime.After(series[i-1].OpenTime))
	}
}

func TestCandleSeriesEvictsOldestPastCap(t *testing.T) {
	cfg := config.Default().Sink
	cfg.CandleSeriesCap = 3
	store := NewMarketStore(cfg, nil)
	ctx := context.Background()
	bucket := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		store.apply(ctx, klineEvt("BTCUSDT", uint64(i+1), candleAt(bucket.Add(time.Duration(i)*time.Minute), int64(100+i))))
	}

	series := store.Candles("BTCUSDT")
	require.Len(t, series, 3)
	require.Equal(t, bucket.Add(2*time.Minute), series[0].OpenTime, "oldest buckets evicted")
	require.Equal(t, "104", series[2].Close.String())
}

func TestCoinListAndSourceProjection(t *testing.T) {
	store := newMarketStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	store.apply(ctx, &schema.Event{
		EventID: schema.BuildEventID(schema.SourcePoll, "", schema.EventTypeCoinList, 1),
		Origin:  schema.SourcePoll,
		Type:    schema.EventTypeCoinList,
		Seq:     1,
		EmitTS:  now,
		Payload: schema.CoinListPayload{
			Coins:      []schema.Coin{{Symbol: "BTCUSDT", Name: "BTC", Price: decimal.NewFromInt(43000)}},
			ObservedAt: now,
		},
	})
	require.Len(t, store.Coins(), 1)

	require.Equal(t, schema.SourceStream, store.ActiveSource())
	store.apply(ctx, &schema.Event{
		EventID: schema.BuildEventID(schema.SourcePoll, "", schema.EventTypeSourceChanged, 1),
		Origin:  schema.SourcePoll,
		Type:    schema.EventTypeSourceChanged,
		Seq:     1,
		EmitTS:  now,
		Payload: schema.SourceChangedPayload{Active: schema.SourcePoll, Reason: "stream disconnected", At: now},
	})
	require.Equal(t, schema.SourcePoll, store.ActiveSource())
}

func TestMalformedEventIsDroppedNotApplied(t *testing.T) {
	store := newMarketStore(t)
	ctx := context.Background()

	// Ticker event carrying the wrong payload shape fails boundary
	// validation and leaves the projection untouched.
	store.apply(ctx, &schema.Event{
		EventID: schema.BuildEventID(schema.SourceStream, "BTCUSDT", schema.EventTypeTicker, 1),
		Origin:  schema.SourceStream,
		Symbol:  "BTCUSDT",
		Type:    schema.EventTypeTicker,
		Seq:     1,
		EmitTS:  time.Now().UTC(),
		Payload: schema.DepthPayload{},
	})
	_, ok := store.Ticker("BTCUSDT")
	require.False(t, ok)
}

func TestFavorites(t *testing.T) {
	store := newMarketStore(t)

	require.Equal(t, []string{"BNBUSDT", "BTCUSDT", "ETHUSDT"}, store.Favorites())
	require.True(t, store.IsFavorite("btcusdt"))

	require.True(t, store.AddFavorite("SOLUSDT"))
	require.False(t, store.AddFavorite("SOLUSDT"))
	require.True(t, store.RemoveFavorite("SOLUSDT"))
	require.False(t, store.RemoveFavorite("SOLUSDT"))
	require.False(t, store.AddFavorite(""))
}

func TestRunAppliesEventsFromBus(t *testing.T) {
	store := newMarketStore(t)
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	t.Cleanup(bus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = store.Run(ctx, bus) }()

	// Republish until the subscription is live and the projection catches
	// up; the apply is idempotent for an identical snapshot.
	observed := time.Now().UTC()
	require.Eventually(t, func() bool {
		require.NoError(t, bus.Publish(ctx, tickerEvt("ETHUSDT", 1, 2650, observed)))
		_, ok := store.Ticker("ETHUSDT")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
