package query

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketdeck/marketdeck/internal/clock"
	"github.com/marketdeck/marketdeck/internal/schema"
)

// referencePrices seeds synthetic values for well-known symbols. Unknown
// symbols derive a price from a hash so the same symbol always gets the
// same baseline.
var referencePrices = map[string]float64{
	"BTCUSDT":  43250.50,
	"ETHUSDT":  2650.75,
	"BNBUSDT":  315.20,
	"ADAUSDT":  0.485,
	"SOLUSDT":  98.45,
	"XRPUSDT":  0.625,
	"DOTUSDT":  7.85,
	"AVAXUSDT": 36.75,
}

// baselineSymbols fixes the synthetic instrument list ordering.
var baselineSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT",
	"AVAXUSDT", "DOTUSDT", "XRPUSDT", "ADAUSDT",
}

// Baseline produces deterministic synthetic market data so a query result is
// always renderable even before the first successful fetch. A price hint, if
// set, overrides the reference price so synthetic values stay continuous
// with the last authoritative price shown.
type Baseline struct {
	clk clock.Clock

	mu    sync.Mutex
	hints map[string]decimal.Decimal
}

// NewBaseline constructs a synthetic baseline generator.
func NewBaseline(clk clock.Clock) *Baseline {
	if clk == nil {
		clk = clock.System()
	}
	return &Baseline{clk: clk, hints: make(map[string]decimal.Decimal)}
}

// SetHint records the last authoritative price for a symbol.
func (b *Baseline) SetHint(symbol string, price decimal.Decimal) {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" || price.LessThanOrEqual(decimal.Zero) {
		return
	}
	b.mu.Lock()
	b.hints[symbol] = price
	b.mu.Unlock()
}

// Price returns the baseline price for a symbol.
func (b *Baseline) Price(symbol string) decimal.Decimal {
	symbol = schema.NormalizeSymbol(symbol)
	b.mu.Lock()
	hint, ok := b.hints[symbol]
	b.mu.Unlock()
	if ok {
		return hint
	}
	if ref, known := referencePrices[symbol]; known {
		return decimal.NewFromFloat(ref)
	}
	return hashPrice(symbol)
}

// Coins returns a synthetic instrument list.
func (b *Baseline) Coins(limit int) []schema.Coin {
	symbols := baselineSymbols
	if limit > 0 && limit < len(symbols) {
		symbols = symbols[:limit]
	}
	coins := make([]schema.Coin, 0, len(symbols))
	for _, symbol := range symbols {
		price := b.Price(symbol)
		coins = append(coins, schema.Coin{
			Symbol:           symbol,
			Name:             schema.BaseName(symbol),
			Price:            price,
			Change24h:        decimal.Zero,
			ChangePercent24h: 0,
			Volume24h:        price.Mul(decimal.NewFromInt(10_000)).Round(2),
			MarketCap:        price.Mul(decimal.NewFromInt(19_000_000)).Round(2),
			High24h:          price,
			Low24h:           price,
		})
	}
	return coins
}

// Candles returns a flat synthetic series ending at the current bucket.
func (b *Baseline) Candles(symbol, interval string, limit int) []schema.Candle {
	if limit <= 0 {
		limit = 1
	}
	step := intervalDuration(interval)
	price := b.Price(symbol)
	end := b.clk.Now().UTC().Truncate(step)
	rnd := symbolRand(symbol)

	candles := make([]schema.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		jitter := 1 + (rnd.Float64()-0.5)*0.002
		closePrice := price.Mul(decimal.NewFromFloat(jitter)).Round(8)
		candles = append(candles, schema.Candle{
			OpenTime: end.Add(-time.Duration(i) * step),
			Open:     price,
			High:     maxDecimal(price, closePrice),
			Low:      minDecimal(price, closePrice),
			Close:    closePrice,
			Volume:   decimal.NewFromFloat(rnd.Float64() * 1000).Round(4),
		})
		price = closePrice
	}
	return candles
}

// Depth returns a synthetic book centered on the baseline price.
func (b *Baseline) Depth(symbol string, levels int) schema.DepthPayload {
	if levels <= 0 {
		levels = 20
	}
	price := b.Price(symbol)
	rnd := symbolRand(symbol)
	now := b.clk.Now().UTC()

	bids := make([]schema.PriceLevel, 0, levels)
	asks := make([]schema.PriceLevel, 0, levels)
	for i := 0; i < levels; i++ {
		step := decimal.NewFromFloat(float64(i+1) * 0.001)
		quantityBid := decimal.NewFromFloat(rnd.Float64() * 10).Round(6)
		quantityAsk := decimal.NewFromFloat(rnd.Float64() * 10).Round(6)
		bids = append(bids, schema.PriceLevel{
			Price:    price.Mul(decimal.NewFromInt(1).Sub(step)).Round(8),
			Quantity: quantityBid,
		})
		asks = append(asks, schema.PriceLevel{
			Price:    price.Mul(decimal.NewFromInt(1).Add(step)).Round(8),
			Quantity: quantityAsk,
		})
	}
	return schema.DepthPayload{Bids: bids, Asks: asks, UpdatedAt: now}
}

// Trades returns synthetic trade prints around the baseline price.
func (b *Baseline) Trades(symbol string, limit int) []schema.TradePayload {
	if limit <= 0 {
		limit = 1
	}
	price := b.Price(symbol)
	rnd := symbolRand(symbol)
	now := b.clk.Now().UTC()

	trades := make([]schema.TradePayload, 0, limit)
	for i := 0; i < limit; i++ {
		jitter := 1 + (rnd.Float64()-0.5)*0.002
		side := schema.TradeSideBuy
		if rnd.Intn(2) == 0 {
			side = schema.TradeSideSell
		}
		trades = append(trades, schema.TradePayload{
			TradeID:    fmt.Sprintf("%s-synthetic-%d", symbol, i),
			Price:      price.Mul(decimal.NewFromFloat(jitter)).Round(8),
			Quantity:   decimal.NewFromFloat(rnd.Float64() * 5).Round(6),
			Side:       side,
			OccurredAt: now.Add(-time.Duration(i) * time.Second),
		})
	}
	return trades
}

// symbolRand seeds a generator from the symbol so synthetic data is stable
// across calls.
func symbolRand(symbol string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return rand.New(rand.NewSource(int64(h.Sum64()))) //nolint:gosec // synthetic data, not crypto
}

func hashPrice(symbol string) decimal.Decimal {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	cents := int64(h.Sum64()%10_000_000) + 100
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1s":
		return time.Second
	case "1m", "":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
