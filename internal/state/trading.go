package state

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/bus/eventbus"
	"github.com/marketdeck/marketdeck/internal/clock"
	"github.com/marketdeck/marketdeck/internal/schema"
)

// TradingStore projects order books and trade tapes, and owns the local
// order lifecycle.
type TradingStore struct {
	cfg config.SinkSettings
	clk clock.Clock
	log *log.Logger

	mu      sync.RWMutex
	books   map[string]schema.DepthPayload
	tapes   map[string][]schema.TradePayload
	seen    map[string]map[string]struct{}
	active  map[string]schema.Order
	history []schema.Order

	appliedCounter metric.Int64Counter
	droppedCounter metric.Int64Counter
}

// NewTradingStore constructs the trading projection.
func NewTradingStore(cfg config.SinkSettings, clk clock.Clock, logger *log.Logger) *TradingStore {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[trading] ", log.LstdFlags)
	}
	s := &TradingStore{
		cfg:    cfg,
		clk:    clk,
		log:    logger,
		books:  make(map[string]schema.DepthPayload),
		tapes:  make(map[string][]schema.TradePayload),
		seen:   make(map[string]map[string]struct{}),
		active: make(map[string]schema.Order),
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

// Run subscribes the store to depth and trade events and applies them
// sequentially until ctx ends.
func (s *TradingStore) Run(ctx context.Context, bus eventbus.Bus) error {
	_, depths, err := bus.Subscribe(ctx, schema.EventTypeDepth)
	if err != nil {
		return err
	}
	_, trades, err := bus.Subscribe(ctx, schema.EventTypeTrade)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-depths:
			s.apply(ctx, evt)
		case evt := <-trades:
			s.apply(ctx, evt)
		}
	}
}

func (s *TradingStore) apply(ctx context.Context, evt *schema.Event) {
	if evt == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		s.log.Printf("dropped %s event: %v", evt.Type, err)
		if s.droppedCounter != nil {
			s.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event.type", string(evt.Type)),
				attribute.String("store", "trading")))
		}
		return
	}

	switch payload := evt.Payload.(type) {
	case schema.DepthPayload:
		s.applyDepth(evt.Symbol, payload)
	case schema.TradePayload:
		s.applyTrade(evt.Symbol, payload)
	default:
		return
	}

	if s.appliedCounter != nil {
		s.appliedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event.type", string(evt.Type)),
			attribute.String("store", "trading")))
	}
}

// applyDepth replaces both book sides in full and normalizes ordering:
// bids descending, asks ascending by price.
func (s *TradingStore) applyDepth(symbol string, payload schema.DepthPayload) {
	bids := make([]schema.PriceLevel, len(payload.Bids))
	copy(bids, payload.Bids)
	asks := make([]schema.PriceLevel, len(payload.Asks))
	copy(asks, payload.Asks)

	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	s.mu.Lock()
	s.books[symbol] = schema.DepthPayload{Bids: bids, Asks: asks, UpdatedAt: payload.UpdatedAt}
	s.mu.Unlock()
}

// applyTrade prepends the print to the tape, dropping duplicates by trade
// id so repeated poll snapshots do not double-count, and trims to the cap.
func (s *TradingStore) applyTrade(symbol string, payload schema.TradePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.seen[symbol]
	if ids == nil {
		ids = make(map[string]struct{})
		s.seen[symbol] = ids
	}
	if _, dup := ids[payload.TradeID]; dup {
		return
	}

	tape := append([]schema.TradePayload{payload}, s.tapes[symbol]...)
	if limit := s.cfg.TradeTapeCap; limit > 0 && len(tape) > limit {
		evicted := tape[limit:]
		tape = tape[:limit]
		for _, old := range evicted {
			delete(ids, old.TradeID)
		}
	}
	ids[payload.TradeID] = struct{}{}
	s.tapes[symbol] = tape
}

// Book returns the current order book for a symbol.
func (s *TradingStore) Book(symbol string) (schema.DepthPayload, bool) {
	symbol = schema.NormalizeSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.books[symbol]
	return book, ok
}

// Trades returns the tape for a symbol, newest first.
func (s *TradingStore) Trades(symbol string) []schema.TradePayload {
	symbol = schema.NormalizeSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	tape := s.tapes[symbol]
	out := make([]schema.TradePayload, len(tape))
	copy(out, tape)
	return out
}

// PlaceOrder validates the request and opens a pending order.
func (s *TradingStore) PlaceOrder(req schema.OrderRequest) (schema.Order, error) {
	if err := req.Validate(); err != nil {
		return schema.Order{}, err
	}
	order := schema.Order{
		ID:        uuid.NewString(),
		Symbol:    schema.NormalizeSymbol(req.Symbol),
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    schema.OrderStatusPending,
		CreatedAt: s.clk.Now().UTC(),
	}
	s.mu.Lock()
	s.active[order.ID] = order
	s.mu.Unlock()
	return order, nil
}

// FillOrder transitions a pending order to filled and moves it to history.
func (s *TradingStore) FillOrder(id string) (schema.Order, error) {
	return s.settle(id, schema.OrderStatusFilled)
}

// CancelOrder transitions a pending order to cancelled and moves it to
// history.
func (s *TradingStore) CancelOrder(id string) (schema.Order, error) {
	return s.settle(id, schema.OrderStatusCancelled)
}

// settle performs the single allowed terminal transition. The move from
// active to history happens under one lock acquisition, so an order is
// never observable in both collections or in neither.
func (s *TradingStore) settle(id string, status schema.OrderStatus) (schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.active[id]
	if !ok {
		for _, settled := range s.history {
			if settled.ID == id {
				return schema.Order{}, errs.New("state/orders", errs.CodeConflict,
					errs.WithMessage("order "+id+" already "+string(settled.Status)))
			}
		}
		return schema.Order{}, errs.New("state/orders", errs.CodeNotFound,
			errs.WithMessage("order "+id+" not found"))
	}

	order.Status = status
	delete(s.active, id)
	s.history = append([]schema.Order{order}, s.history...)
	if limit := s.cfg.OrderHistoryCap; limit > 0 && len(s.history) > limit {
		s.history = s.history[:limit]
	}
	return order, nil
}

// ActiveOrders returns open orders, newest first.
func (s *TradingStore) ActiveOrders() []schema.Order {
	s.mu.RLock()
	out := make([]schema.Order, 0, len(s.active))
	for _, order := range s.active {
		out = append(out, order)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// OrderHistory returns settled orders, newest first.
func (s *TradingStore) OrderHistory() []schema.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Order, len(s.history))
	copy(out, s.history)
	return out
}
