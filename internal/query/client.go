// Package query implements the pull transport: a rate-limited REST client
// whose results are always renderable. Failures surface as typed errors for
// logging, but every call still returns the cached last-good value for the
// same request, or a deterministic synthetic baseline when nothing has been
// fetched yet.
package query

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/clock"
	"github.com/marketdeck/marketdeck/internal/schema"
)

// Client fetches market snapshots over REST.
type Client struct {
	cfg      config.QuerySettings
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	clk      clock.Clock
	baseline *Baseline

	mu       sync.Mutex
	lastGood map[string]any
}

// Options configures the client beyond its QuerySettings.
type Options struct {
	Clock      clock.Clock
	HTTPClient *http.Client
}

// NewClient constructs a REST query client.
func NewClient(cfg config.QuerySettings, opts Options) *Client {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
	}
	return &Client{
		cfg:      cfg,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		clk:      clk,
		baseline: NewBaseline(clk),
		lastGood: make(map[string]any),
	}
}

// SetPriceHint seeds the synthetic baseline with the last authoritative
// price for a symbol, so fallback values stay continuous with what the
// dashboard last showed.
func (c *Client) SetPriceHint(symbol string, price decimal.Decimal) {
	c.baseline.SetHint(symbol, price)
}

// TickerList fetches the instrument list, sorted by quote volume.
func (c *Client) TickerList(ctx context.Context) ([]schema.Coin, error) {
	limit := c.cfg.CoinListLimit
	key := cacheKey("coinlist", "", strconv.Itoa(limit))

	body, err := c.get(ctx, "/ticker/24hr", nil)
	if err != nil {
		return c.coinListFallback(key, limit), err
	}
	coins, err := parseCoinList(body, limit)
	if err != nil {
		return c.coinListFallback(key, limit), err
	}
	c.store(key, coins)
	return coins, nil
}

// Klines fetches a candle series for one symbol.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]schema.Candle, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if limit <= 0 {
		limit = c.cfg.KlineLimit
	}
	key := cacheKey("klines", symbol, interval+"/"+strconv.Itoa(limit))

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.get(ctx, "/klines", params)
	if err != nil {
		return c.klinesFallback(key, symbol, interval, limit), err
	}
	candles, err := parseKlines(body)
	if err != nil {
		return c.klinesFallback(key, symbol, interval, limit), err
	}
	c.store(key, candles)
	return candles, nil
}

// Depth fetches an order book snapshot for one symbol.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (schema.DepthPayload, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if limit <= 0 {
		limit = c.cfg.DepthLimit
	}
	key := cacheKey("depth", symbol, strconv.Itoa(limit))

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.get(ctx, "/depth", params)
	if err != nil {
		return c.depthFallback(key, symbol, limit), err
	}
	payload, err := parseDepth(body, c.clk.Now().UTC())
	if err != nil {
		return c.depthFallback(key, symbol, limit), err
	}
	c.store(key, payload)
	return payload, nil
}

// Trades fetches the most recent trade prints for one symbol.
func (c *Client) Trades(ctx context.Context, symbol string, limit int) ([]schema.TradePayload, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if limit <= 0 {
		limit = c.cfg.TradeLimit
	}
	key := cacheKey("trades", symbol, strconv.Itoa(limit))

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.get(ctx, "/trades", params)
	if err != nil {
		return c.tradesFallback(key, symbol, limit), err
	}
	trades, err := parseTrades(body, symbol)
	if err != nil {
		return c.tradesFallback(key, symbol, limit), err
	}
	c.store(key, trades)
	return trades, nil
}

// Price fetches the latest price for one symbol.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = schema.NormalizeSymbol(symbol)
	key := cacheKey("price", symbol, "")

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.get(ctx, "/ticker/price", params)
	if err != nil {
		return c.priceFallback(key, symbol), err
	}
	price, err := parsePrice(body)
	if err != nil {
		return c.priceFallback(key, symbol), err
	}
	c.store(key, price)
	return price, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New("query/http", errs.CodeNetwork,
			errs.WithMessage("rate limiter wait"), errs.WithCause(err))
	}

	target := c.baseURL + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs.New("query/http", errs.CodeNetwork,
			errs.WithMessage("create request"), errs.WithCause(err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New("query/http", errs.CodeNetwork,
			errs.WithMessage("fetch "+endpoint), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errs.New("query/http", errs.CodeRateLimited,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("throttled on "+endpoint))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New("query/http", errs.CodeQuery,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("%s returned status %d", endpoint, resp.StatusCode)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New("query/http", errs.CodeNetwork,
			errs.WithMessage("read "+endpoint), errs.WithCause(err))
	}
	return body, nil
}

func cacheKey(resource, symbol, params string) string {
	return resource + "|" + symbol + "|" + params
}

func (c *Client) store(key string, value any) {
	c.mu.Lock()
	c.lastGood[key] = value
	c.mu.Unlock()
}

func (c *Client) cached(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.lastGood[key]
	return value, ok
}

func (c *Client) coinListFallback(key string, limit int) []schema.Coin {
	if cached, ok := c.cached(key); ok {
		if coins, ok := cached.([]schema.Coin); ok {
			return coins
		}
	}
	return c.baseline.Coins(limit)
}

func (c *Client) klinesFallback(key, symbol, interval string, limit int) []schema.Candle {
	if cached, ok := c.cached(key); ok {
		if candles, ok := cached.([]schema.Candle); ok {
			return candles
		}
	}
	return c.baseline.Candles(symbol, interval, limit)
}

func (c *Client) depthFallback(key, symbol string, limit int) schema.DepthPayload {
	if cached, ok := c.cached(key); ok {
		if payload, ok := cached.(schema.DepthPayload); ok {
			return payload
		}
	}
	return c.baseline.Depth(symbol, limit)
}

func (c *Client) tradesFallback(key, symbol string, limit int) []schema.TradePayload {
	if cached, ok := c.cached(key); ok {
		if trades, ok := cached.([]schema.TradePayload); ok {
			return trades
		}
	}
	return c.baseline.Trades(symbol, limit)
}

func (c *Client) priceFallback(key, symbol string) decimal.Decimal {
	if cached, ok := c.cached(key); ok {
		if price, ok := cached.(decimal.Decimal); ok {
			return price
		}
	}
	return c.baseline.Price(symbol)
}

type wireCoin struct {
	Symbol        string `json:"symbol"`
	LastPrice     string `json:"lastPrice"`
	PriceChange   string `json:"priceChange"`
	PercentChange string `json:"priceChangePercent"`
	QuoteVolume   string `json:"quoteVolume"`
	HighPrice     string `json:"highPrice"`
	LowPrice      string `json:"lowPrice"`
}

func parseCoinList(body []byte, limit int) ([]schema.Coin, error) {
	var rows []wireCoin
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.New("query/parse", errs.CodeParse,
			errs.WithMessage("malformed ticker list"), errs.WithCause(err))
	}

	coins := make([]schema.Coin, 0, limit)
	for _, row := range rows {
		if !strings.HasSuffix(row.Symbol, "USDT") {
			continue
		}
		price, err := schema.ParseDecimal("lastPrice", row.LastPrice)
		if err != nil {
			return nil, err
		}
		change, err := schema.ParseDecimal("priceChange", row.PriceChange)
		if err != nil {
			return nil, err
		}
		percent, err := schema.ParseFloat("priceChangePercent", row.PercentChange)
		if err != nil {
			return nil, err
		}
		volume, err := schema.ParseDecimal("quoteVolume", row.QuoteVolume)
		if err != nil {
			return nil, err
		}
		high, err := schema.ParseDecimal("highPrice", row.HighPrice)
		if err != nil {
			return nil, err
		}
		low, err := schema.ParseDecimal("lowPrice", row.LowPrice)
		if err != nil {
			return nil, err
		}
		coins = append(coins, schema.Coin{
			Symbol:           row.Symbol,
			Name:             schema.BaseName(row.Symbol),
			Price:            price,
			Change24h:        change,
			ChangePercent24h: percent,
			Volume24h:        volume,
			MarketCap:        price.Mul(volume).Div(decimal.NewFromInt(1000)).Round(2),
			High24h:          high,
			Low24h:           low,
		})
	}

	// Largest quote volume first, then trim to the display budget.
	sort.SliceStable(coins, func(i, j int) bool {
		return coins[i].Volume24h.GreaterThan(coins[j].Volume24h)
	})
	if limit > 0 && len(coins) > limit {
		coins = coins[:limit]
	}
	return coins, nil
}

func parseKlines(body []byte) ([]schema.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.New("query/parse", errs.CodeParse,
			errs.WithMessage("malformed kline series"), errs.WithCause(err))
	}

	candles := make([]schema.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, errs.New("query/parse", errs.CodeParse,
				errs.WithMessage(fmt.Sprintf("kline row %d has %d cells", i, len(row))))
		}
		var openMillis int64
		if err := json.Unmarshal(row[0], &openMillis); err != nil {
			return nil, errs.New("query/parse", errs.CodeParse,
				errs.WithMessage(fmt.Sprintf("kline row %d open time", i)), errs.WithCause(err))
		}
		cells := make([]decimal.Decimal, 5)
		for c := 0; c < 5; c++ {
			var raw string
			if err := json.Unmarshal(row[c+1], &raw); err != nil {
				return nil, errs.New("query/parse", errs.CodeParse,
					errs.WithMessage(fmt.Sprintf("kline row %d cell %d", i, c+1)), errs.WithCause(err))
			}
			value, err := schema.ParseDecimal(fmt.Sprintf("kline[%d][%d]", i, c+1), raw)
			if err != nil {
				return nil, err
			}
			cells[c] = value
		}
		candles = append(candles, schema.Candle{
			OpenTime: schema.FromUnixMillis(openMillis),
			Open:     cells[0],
			High:     cells[1],
			Low:      cells[2],
			Close:    cells[3],
			Volume:   cells[4],
		})
	}
	return candles, nil
}

type wireBook struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func parseDepth(body []byte, now time.Time) (schema.DepthPayload, error) {
	var book wireBook
	if err := json.Unmarshal(body, &book); err != nil {
		return schema.DepthPayload{}, errs.New("query/parse", errs.CodeParse,
			errs.WithMessage("malformed depth snapshot"), errs.WithCause(err))
	}
	bids, err := parseBookSide("bids", book.Bids)
	if err != nil {
		return schema.DepthPayload{}, err
	}
	asks, err := parseBookSide("asks", book.Asks)
	if err != nil {
		return schema.DepthPayload{}, err
	}
	return schema.DepthPayload{Bids: bids, Asks: asks, UpdatedAt: now}, nil
}

func parseBookSide(field string, raw [][2]string) ([]schema.PriceLevel, error) {
	levels := make([]schema.PriceLevel, 0, len(raw))
	for i, pair := range raw {
		price, err := schema.ParseDecimal(fmt.Sprintf("%s[%d].price", field, i), pair[0])
		if err != nil {
			return nil, err
		}
		quantity, err := schema.ParseDecimal(fmt.Sprintf("%s[%d].qty", field, i), pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, schema.PriceLevel{Price: price, Quantity: quantity})
	}
	return levels, nil
}

type wireTradeRow struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Quantity     string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

func parseTrades(body []byte, symbol string) ([]schema.TradePayload, error) {
	var rows []wireTradeRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.New("query/parse", errs.CodeParse,
			errs.WithMessage("malformed trade list"), errs.WithCause(err))
	}
	trades := make([]schema.TradePayload, 0, len(rows))
	for i, row := range rows {
		price, err := schema.ParseDecimal(fmt.Sprintf("trades[%d].price", i), row.Price)
		if err != nil {
			return nil, err
		}
		quantity, err := schema.ParseDecimal(fmt.Sprintf("trades[%d].qty", i), row.Quantity)
		if err != nil {
			return nil, err
		}
		side := schema.TradeSideBuy
		if row.IsBuyerMaker {
			side = schema.TradeSideSell
		}
		trades = append(trades, schema.TradePayload{
			TradeID:    fmt.Sprintf("%s-%d", symbol, row.ID),
			Price:      price,
			Quantity:   quantity,
			Side:       side,
			OccurredAt: schema.FromUnixMillis(row.Time),
		})
	}
	return trades, nil
}

type wirePrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func parsePrice(body []byte) (decimal.Decimal, error) {
	var row wirePrice
	if err := json.Unmarshal(body, &row); err != nil {
		return decimal.Zero, errs.New("query/parse", errs.CodeParse,
			errs.WithMessage("malformed price"), errs.WithCause(err))
	}
	return schema.ParseDecimal("price", row.Price)
}
