// Package state holds the bounded projections fed by the event bus: market
// data for rendering and trading surfaces for interaction. Each store is
// applied by a single goroutine, so every event runs to completion before
// the next one is looked at.
package state

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/internal/bus/eventbus"
	"github.com/marketdeck/marketdeck/internal/schema"
)

// MarketStore projects tickers, candles, the coin list, favorites, and the
// active source.
type MarketStore struct {
	cfg config.SinkSettings
	log *log.Logger

	mu        sync.RWMutex
	tickers   map[string]schema.TickerPayload
	candles   map[string][]schema.Candle
	coins     []schema.Coin
	favorites map[string]struct{}
	active    schema.Source

	appliedCounter metric.Int64Counter
	droppedCounter metric.Int64Counter
}

// NewMarketStore constructs the market projection with default favorites
// seeded from configuration.
func NewMarketStore(cfg config.SinkSettings, logger *log.Logger) *MarketStore {
	if logger == nil {
		logger = log.New(log.Writer(), "[market] ", log.LstdFlags)
	}
	favorites := make(map[string]struct{}, len(cfg.DefaultFavorites))
	for _, symbol := range cfg.DefaultFavorites {
		favorites[schema.NormalizeSymbol(symbol)] = struct{}{}
	}
	s := &MarketStore{
		cfg:       cfg,
		log:       logger,
		tickers:   make(map[string]schema.TickerPayload),
		candles:   make(map[string][]schema.Candle),
		favorites: favorites,
		active:    schema.SourceStream,
	}
	meter := otel.Meter("state")
	s.appliedCounter, _ = meter.Int64Counter("state.events.applied",
		metric.WithDescription("Events applied to projections"),
		metric.WithUnit("{event}"))
	s.droppedCounter, _ = meter.Int64Counter("state.events.dropped",
		metric.WithDescription("Events dropped at the projection boundary"),
		metric.WithUnit("{event}"))
	return s
}

// Run subscribes the store to its event kinds and applies them sequentially
// until ctx ends.
func (s *MarketStore) Run(ctx context.Context, bus eventbus.Bus) error {
	kinds := []schema.EventType{
		schema.EventTypeTicker,
		schema.EventTypeKline,
		schema.EventTypeCoinList,
		schema.EventTypeSourceChanged,
	}
	channels := make([]<-chan *schema.Event, 0, len(kinds))
	for _, kind := range kinds {
		_, ch, err := bus.Subscribe(ctx, kind)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-channels[0]:
			s.apply(ctx, evt)
		case evt := <-channels[1]:
			s.apply(ctx, evt)
		case evt := <-channels[2]:
			s.apply(ctx, evt)
		case evt := <-channels[3]:
			s.apply(ctx, evt)
		}
	}
}

// apply validates one event at the boundary and projects it. Shape
// mismatches are dropped and counted, never fatal.
func (s *MarketStore) apply(ctx context.Context, evt *schema.Event) {
	if evt == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		s.drop(ctx, evt, err)
		return
	}

	switch payload := evt.Payload.(type) {
	case schema.TickerPayload:
		s.applyTicker(evt.Symbol, payload)
	case schema.KlinePayload:
		s.applyKlines(evt.Symbol, payload)
	case schema.CoinListPayload:
		s.mu.Lock()
		s.coins = payload.Coins
		s.mu.Unlock()
	case schema.SourceChangedPayload:
		s.mu.Lock()
		s.active = payload.Active
		s.mu.Unlock()
	default:
		return
	}

	if s.appliedCounter != nil {
		s.appliedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event.type", string(evt.Type)),
			attribute.String("store", "market")))
	}
}

// applyTicker enforces the monotonic observation-time guard: a snapshot
// observed earlier than the stored one never overwrites it.
func (s *MarketStore) applyTicker(symbol string, payload schema.TickerPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.tickers[symbol]; ok && payload.ObservedAt.Before(current.ObservedAt) {
		return
	}
	s.tickers[symbol] = payload
}

// applyKlines replaces candles sharing an open time and appends new ones,
// keeping the series sorted and bounded by evicting the oldest buckets.
func (s *MarketStore) applyKlines(symbol string, payload schema.KlinePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.candles[symbol]
	for _, candle := range payload.Candles {
		idx := sort.Search(len(series), func(i int) bool {
			return !series[i].OpenTime.Before(candle.OpenTime)
		})
		if idx < len(series) && series[idx].OpenTime.Equal(candle.OpenTime) {
			series[idx] = candle
			continue
		}
		series = append(series, schema.Candle{})
		copy(series[idx+1:], series[idx:])
		series[idx] = candle
	}
	if limit := s.cfg.CandleSeriesCap; limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	s.candles[symbol] = series
}

func (s *MarketStore) drop(ctx context.Context, evt *schema.Event, err error) {
	s.log.Printf("dropped %s event: %v", evt.Type, err)
	if s.droppedCounter != nil {
		s.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event.type", string(evt.Type)),
			attribute.String("store", "market")))
	}
}

// Ticker returns the last snapshot for a symbol.
func (s *MarketStore) Ticker(symbol string) (schema.TickerPayload, bool) {
	symbol = schema.NormalizeSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.tickers[symbol]
	return payload, ok
}

// Candles returns the stored series for a symbol, oldest first.
func (s *MarketStore) Candles(symbol string) []schema.Candle {
	symbol = schema.NormalizeSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.candles[symbol]
	out := make([]schema.Candle, len(series))
	copy(out, series)
	return out
}

// Coins returns the current instrument list.
func (s *MarketStore) Coins() []schema.Coin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Coin, len(s.coins))
	copy(out, s.coins)
	return out
}

// ActiveSource returns the source announced by the latest transition.
func (s *MarketStore) ActiveSource() schema.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Favorites returns the favorite symbols, sorted.
func (s *MarketStore) Favorites() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.favorites))
	for symbol := range s.favorites {
		out = append(out, symbol)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AddFavorite marks a symbol as favorite. Returns false if already marked.
func (s *MarketStore) AddFavorite(symbol string) bool {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.favorites[symbol]; exists {
		return false
	}
	s.favorites[symbol] = struct{}{}
	return true
}

// RemoveFavorite unmarks a symbol. Returns false if it was not marked.
func (s *MarketStore) RemoveFavorite(symbol string) bool {
	symbol = schema.NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.favorites[symbol]; !exists {
		return false
	}
	delete(s.favorites, symbol)
	return true
}

// IsFavorite reports whether the symbol is marked.
func (s *MarketStore) IsFavorite(symbol string) bool {
	symbol = schema.NormalizeSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.favorites[symbol]
	return exists
}

// lastObserved is exposed for tests.
func (s *MarketStore) lastObserved(symbol string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tickers[symbol].ObservedAt
}
