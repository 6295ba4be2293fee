// Package schema defines the normalized event contract between the
// arbitration controller and the state projections, plus the typed
// entities those projections store.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketdeck/marketdeck/errs"
)

// Source identifies which transport produced a piece of data.
type Source string

const (
	// SourceStream marks data that arrived on the push channel.
	SourceStream Source = "stream"
	// SourcePoll marks data that arrived on the pull channel.
	SourcePoll Source = "poll"
)

// Valid reports whether the source is a known transport.
func (s Source) Valid() bool {
	return s == SourceStream || s == SourcePoll
}

// EventType enumerates the closed set of event kinds delivered to sinks.
type EventType string

const (
	// EventTypeTicker identifies ticker snapshot updates.
	EventTypeTicker EventType = "Ticker"
	// EventTypeKline identifies candlestick updates.
	EventTypeKline EventType = "Kline"
	// EventTypeDepth identifies full order book snapshots.
	EventTypeDepth EventType = "Depth"
	// EventTypeTrade identifies trade prints.
	EventTypeTrade EventType = "Trade"
	// EventTypeCoinList identifies full instrument list refreshes.
	EventTypeCoinList EventType = "CoinList"
	// EventTypeSourceChanged identifies arbitration transitions.
	EventTypeSourceChanged EventType = "SourceChanged"
)

// PerSymbol reports whether events of this type are scoped to one symbol.
func (et EventType) PerSymbol() bool {
	switch et {
	case EventTypeTicker, EventTypeKline, EventTypeDepth, EventTypeTrade:
		return true
	case EventTypeCoinList, EventTypeSourceChanged:
		return false
	default:
		return false
	}
}

// Known reports whether the type belongs to the closed event set.
func (et EventType) Known() bool {
	switch et {
	case EventTypeTicker, EventTypeKline, EventTypeDepth, EventTypeTrade,
		EventTypeCoinList, EventTypeSourceChanged:
		return true
	default:
		return false
	}
}

// Event is the single shape every raw update is normalized into before it
// reaches a sink, regardless of the transport it originated from.
type Event struct {
	EventID string    `json:"event_id"`
	Origin  Source    `json:"origin"`
	Symbol  string    `json:"symbol,omitempty"`
	Type    EventType `json:"type"`
	Seq     uint64    `json:"seq"`
	EmitTS  time.Time `json:"emit_ts"`
	Payload any       `json:"payload"`
}

// BuildEventID constructs the default idempotency key for an event.
func BuildEventID(origin Source, symbol string, typ EventType, seq uint64) string {
	return fmt.Sprintf("%s:%s:%s:%d", origin, strings.TrimSpace(symbol), typ, seq)
}

// Validate performs the sink-boundary shape check. Events failing it are
// dropped by consumers, never applied.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeValidation, errs.WithMessage("nil event"))
	}
	if !e.Type.Known() {
		return errs.New("schema/event", errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown event type %q", e.Type)))
	}
	if !e.Origin.Valid() {
		return errs.New("schema/event", errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown origin %q", e.Origin)))
	}
	if e.Type.PerSymbol() && strings.TrimSpace(e.Symbol) == "" {
		return errs.New("schema/event", errs.CodeValidation,
			errs.WithMessage(string(e.Type)+" event requires symbol"))
	}

	switch e.Type {
	case EventTypeTicker:
		payload, ok := e.Payload.(TickerPayload)
		if !ok {
			return payloadMismatch(e.Type, e.Payload)
		}
		if payload.ObservedAt.IsZero() {
			return errs.New("schema/event", errs.CodeValidation,
				errs.WithMessage("ticker requires observed_at"))
		}
	case EventTypeKline:
		payload, ok := e.Payload.(KlinePayload)
		if !ok {
			return payloadMismatch(e.Type, e.Payload)
		}
		if len(payload.Candles) == 0 {
			return errs.New("schema/event", errs.CodeValidation,
				errs.WithMessage("kline requires at least one candle"))
		}
		for _, candle := range payload.Candles {
			if candle.OpenTime.IsZero() {
				return errs.New("schema/event", errs.CodeValidation,
					errs.WithMessage("candle requires open time"))
			}
		}
	case EventTypeDepth:
		if _, ok := e.Payload.(DepthPayload); !ok {
			return payloadMismatch(e.Type, e.Payload)
		}
	case EventTypeTrade:
		payload, ok := e.Payload.(TradePayload)
		if !ok {
			return payloadMismatch(e.Type, e.Payload)
		}
		if payload.Side != TradeSideBuy && payload.Side != TradeSideSell {
			return errs.New("schema/event", errs.CodeValidation,
				errs.WithMessage(fmt.Sprintf("unknown trade side %q", payload.Side)))
		}
	case EventTypeCoinList:
		if _, ok := e.Payload.(CoinListPayload); !ok {
			return payloadMismatch(e.Type, e.Payload)
		}
	case EventTypeSourceChanged:
		payload, ok := e.Payload.(SourceChangedPayload)
		if !ok {
			return payloadMismatch(e.Type, e.Payload)
		}
		if !payload.Active.Valid() {
			return errs.New("schema/event", errs.CodeValidation,
				errs.WithMessage(fmt.Sprintf("unknown active source %q", payload.Active)))
		}
	}
	return nil
}

func payloadMismatch(typ EventType, payload any) error {
	return errs.New("schema/event", errs.CodeValidation,
		errs.WithMessage(fmt.Sprintf("%s payload has type %T", typ, payload)))
}

// TickerPayload carries one live snapshot for a symbol. Latest wins, guarded
// by ObservedAt monotonicity in the market projection.
type TickerPayload struct {
	Price            decimal.Decimal `json:"price"`
	Change24h        decimal.Decimal `json:"change_24h"`
	ChangePercent24h float64         `json:"change_percent_24h"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	MarketCap        decimal.Decimal `json:"market_cap"`
	ObservedAt       time.Time       `json:"observed_at"`
}

// Candle is one OHLCV bucket keyed by its open time.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// KlinePayload carries one or more candles for a symbol. A single-element
// payload is an in-progress bucket update; longer payloads are bootstrap
// series. Either way each candle replaces any stored candle sharing its
// open time.
type KlinePayload struct {
	Interval string   `json:"interval"`
	Candles  []Candle `json:"candles"`
}

// PriceLevel is one (price, quantity) rung of an order book side.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// DepthPayload is a whole-book snapshot; each update replaces both sides in
// full rather than patching them.
type DepthPayload struct {
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TradeSide captures the direction of a trade print.
type TradeSide string

const (
	// TradeSideBuy indicates buy side fills.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell indicates sell side fills.
	TradeSideSell TradeSide = "sell"
)

// TradePayload is a single trade print destined for the trade tape.
type TradePayload struct {
	TradeID    string          `json:"trade_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Side       TradeSide       `json:"side"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Coin is one row of the instrument list shown by the dashboard.
type Coin struct {
	Symbol           string          `json:"symbol"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Change24h        decimal.Decimal `json:"change_24h"`
	ChangePercent24h float64         `json:"change_percent_24h"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	MarketCap        decimal.Decimal `json:"market_cap"`
	High24h          decimal.Decimal `json:"high_24h"`
	Low24h           decimal.Decimal `json:"low_24h"`
}

// CoinListPayload replaces the full instrument list.
type CoinListPayload struct {
	Coins      []Coin    `json:"coins"`
	ObservedAt time.Time `json:"observed_at"`
}

// SourceChangedPayload announces an arbitration transition.
type SourceChangedPayload struct {
	Active Source    `json:"active"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// BaseName strips the quote suffix from a symbol for display purposes
// ("BTCUSDT" -> "BTC").
func BaseName(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}

// NormalizeSymbol canonicalizes a symbol identifier.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
