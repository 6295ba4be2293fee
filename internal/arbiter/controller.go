// Package arbiter owns source arbitration: it decides whether the dashboard
// is fed by the push stream or the poll loop, normalizes both into the same
// event shape, and keeps the subscription registry authoritative across
// transport churn.
package arbiter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/bus/eventbus"
	"github.com/marketdeck/marketdeck/internal/clock"
	"github.com/marketdeck/marketdeck/internal/registry"
	"github.com/marketdeck/marketdeck/internal/schema"
	"github.com/marketdeck/marketdeck/internal/stream"
)

// QueryClient is the pull-transport surface the controller polls against.
type QueryClient interface {
	TickerList(ctx context.Context) ([]schema.Coin, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]schema.Candle, error)
	Depth(ctx context.Context, symbol string, limit int) (schema.DepthPayload, error)
	Trades(ctx context.Context, symbol string, limit int) ([]schema.TradePayload, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetPriceHint(symbol string, price decimal.Decimal)
}

// SourceState is the controller's externally visible arbitration state.
// LastReason persists the latest transition cause, so a reconnect-exhausted
// failover stays visible to the UI until the next transition.
type SourceState struct {
	Active              schema.Source `json:"active"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastTransition      time.Time     `json:"last_transition"`
	LastReason          string        `json:"last_reason,omitempty"`
}

// Deps wires the controller's collaborators.
type Deps struct {
	Bus     eventbus.Bus
	Adapter stream.Adapter
	Query   QueryClient
	Clock   clock.Clock
	Logger  *log.Logger
}

// Controller runs the arbitration state machine. Initial state is Streaming;
// the poll scheduler only exists while Polling.
type Controller struct {
	cfg      config.PollSettings
	bus      eventbus.Bus
	adapter  stream.Adapter
	query    QueryClient
	clk      clock.Clock
	log      *log.Logger
	registry *registry.Registry

	mu         sync.Mutex
	state      SourceState
	focus      string
	lastPrice  map[string]decimal.Decimal
	generation uint64
	pollCancel context.CancelFunc
	seq        map[string]uint64
	runCtx     context.Context
}

// New constructs a controller. The adapter is not connected until Run.
func New(cfg config.PollSettings, deps Deps) *Controller {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[arbiter] ", log.LstdFlags)
	}
	return &Controller{
		cfg:       cfg,
		bus:       deps.Bus,
		adapter:   deps.Adapter,
		query:     deps.Query,
		clk:       clk,
		log:       logger,
		registry:  registry.New(),
		state:     SourceState{Active: schema.SourceStream},
		lastPrice: make(map[string]decimal.Decimal),
		seq:       make(map[string]uint64),
	}
}

// Run connects the adapter and drives the state machine until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	if err := c.adapter.Connect(ctx); err != nil {
		return err
	}
	go c.bootstrap(ctx)

	for {
		select {
		case <-ctx.Done():
			c.stopScheduler()
			return ctx.Err()
		case evt := <-c.adapter.Events():
			c.handleStreamEvent(ctx, evt)
		case lc := <-c.adapter.Lifecycle():
			c.handleLifecycle(ctx, lc)
		}
	}
}

// State returns the current arbitration state.
func (c *Controller) State() SourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Focus returns the currently viewed symbol.
func (c *Controller) Focus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focus
}

// Subscriptions returns the registry snapshot.
func (c *Controller) Subscriptions() []string {
	return c.registry.Snapshot()
}

// Subscribe registers a symbol with the registry and the stream adapter.
func (c *Controller) Subscribe(symbol string) error {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return errs.New("arbiter/subscribe", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if c.registry.Add(symbol) {
		c.adapter.Subscribe(symbol)
	}
	return nil
}

// Unsubscribe removes a symbol from the registry and the stream adapter.
func (c *Controller) Unsubscribe(symbol string) error {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return errs.New("arbiter/unsubscribe", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if c.registry.Remove(symbol) {
		c.adapter.Unsubscribe(symbol)
	}
	return nil
}

// SetFocus records the viewed symbol, which becomes the fine poll target,
// and subscribes it. A focus change backfills the symbol's candle series
// through the query client so the chart renders before the first stream
// kline lands.
func (c *Controller) SetFocus(symbol string) error {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return errs.New("arbiter/focus", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	c.mu.Lock()
	changed := c.focus != symbol
	c.focus = symbol
	runCtx := c.runCtx
	c.mu.Unlock()
	if changed && runCtx != nil {
		go c.bootstrapKlines(runCtx, symbol)
	}
	return c.Subscribe(symbol)
}

// SwitchSource is the manual override: it transitions unconditionally,
// bypassing the failure-threshold guard. Switching to the already active
// source is a no-op and emits nothing.
func (c *Controller) SwitchSource(ctx context.Context, source schema.Source) error {
	if !source.Valid() {
		return errs.New("arbiter/switch", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown source %q", source)))
	}
	c.mu.Lock()
	if c.state.Active == source {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	switch source {
	case schema.SourcePoll:
		c.toPolling(ctx, "manual override")
	case schema.SourceStream:
		c.toStreaming(ctx, "manual override")
		if err := c.adapter.Connect(ctx); err != nil {
			c.log.Printf("connect after manual switch: %v", err)
		}
	}
	return nil
}

func (c *Controller) handleStreamEvent(ctx context.Context, evt *schema.Event) {
	if evt == nil {
		return
	}
	c.mu.Lock()
	active := c.state.Active
	c.mu.Unlock()
	// A stream frame arriving while polled data is authoritative is
	// discarded so exactly one source feeds the sinks.
	if active != schema.SourceStream {
		return
	}
	c.recordPrice(evt)
	if err := c.bus.Publish(ctx, evt); err != nil {
		c.log.Printf("publish stream event: %v", err)
	}
}

func (c *Controller) handleLifecycle(ctx context.Context, lc stream.LifecycleEvent) {
	switch lc.Kind {
	case stream.LifecycleConnected:
		c.mu.Lock()
		c.state.ConsecutiveFailures = 0
		wasPolling := c.state.Active == schema.SourcePoll
		c.mu.Unlock()
		if wasPolling {
			c.toStreaming(ctx, "stream connected")
		}
		c.registry.ReplayOnto(c.adapter)

	case stream.LifecycleTransportError:
		c.mu.Lock()
		c.state.ConsecutiveFailures++
		failures := c.state.ConsecutiveFailures
		streaming := c.state.Active == schema.SourceStream
		c.mu.Unlock()
		c.log.Printf("transport error (%d consecutive): %v", failures, lc.Err)
		if streaming && failures >= c.cfg.FailureThreshold {
			c.toPolling(ctx, fmt.Sprintf("%d consecutive transport errors", failures))
		}

	case stream.LifecycleDisconnected:
		if c.activeIs(schema.SourceStream) {
			c.toPolling(ctx, "stream disconnected")
		}

	case stream.LifecycleReconnectExhausted:
		c.log.Printf("stream reconnect budget exhausted: %v", lc.Err)
		if c.activeIs(schema.SourceStream) {
			c.toPolling(ctx, "reconnect budget exhausted")
		}
	}
}

func (c *Controller) activeIs(source schema.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Active == source
}

// toPolling enters Polling: seeds the query client's synthetic baseline
// with the last authoritative prices, starts the scheduler, and announces
// the transition exactly once.
func (c *Controller) toPolling(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.state.Active == schema.SourcePoll {
		c.mu.Unlock()
		return
	}
	c.state.Active = schema.SourcePoll
	c.state.ConsecutiveFailures = 0
	c.state.LastTransition = c.clk.Now().UTC()
	c.state.LastReason = reason
	c.generation++
	gen := c.generation
	hints := make(map[string]decimal.Decimal, len(c.lastPrice))
	for symbol, price := range c.lastPrice {
		hints[symbol] = price
	}
	runCtx := c.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	pollCtx, cancel := context.WithCancel(runCtx)
	c.pollCancel = cancel
	c.mu.Unlock()

	for symbol, price := range hints {
		c.query.SetPriceHint(symbol, price)
	}

	c.log.Printf("source -> poll (%s)", reason)
	c.announce(ctx, schema.SourcePoll, reason)

	go c.runCoarseLoop(pollCtx, gen)
	go c.runFineLoop(pollCtx, gen)
}

// toStreaming leaves Polling: stops the scheduler, replays the registry
// onto the adapter, and announces the transition exactly once.
func (c *Controller) toStreaming(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.state.Active == schema.SourceStream {
		c.mu.Unlock()
		return
	}
	c.state.Active = schema.SourceStream
	c.state.ConsecutiveFailures = 0
	c.state.LastTransition = c.clk.Now().UTC()
	c.state.LastReason = reason
	c.generation++
	cancel := c.pollCancel
	c.pollCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.registry.ReplayOnto(c.adapter)

	c.log.Printf("source -> stream (%s)", reason)
	c.announce(ctx, schema.SourceStream, reason)
}

func (c *Controller) stopScheduler() {
	c.mu.Lock()
	cancel := c.pollCancel
	c.pollCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) announce(ctx context.Context, active schema.Source, reason string) {
	now := c.clk.Now().UTC()
	seq := c.nextSeq(schema.EventTypeSourceChanged, "")
	evt := &schema.Event{
		EventID: schema.BuildEventID(active, "", schema.EventTypeSourceChanged, seq),
		Origin:  active,
		Type:    schema.EventTypeSourceChanged,
		Seq:     seq,
		EmitTS:  now,
		Payload: schema.SourceChangedPayload{Active: active, Reason: reason, At: now},
	}
	if err := c.bus.Publish(ctx, evt); err != nil {
		c.log.Printf("publish source change: %v", err)
	}
}

// bootstrap publishes the initial coin list, and the focused symbol's candle
// series when a focus is already set, through the query client regardless of
// the active source. The client falls back to cached or synthetic data, so
// reads render before the first stream delivery or poll cycle.
func (c *Controller) bootstrap(ctx context.Context) {
	coins, err := c.query.TickerList(ctx)
	if err != nil {
		c.log.Printf("coin list bootstrap: %v", err)
	}
	c.publishPoll(ctx, "", schema.EventTypeCoinList, schema.CoinListPayload{
		Coins:      coins,
		ObservedAt: c.clk.Now().UTC(),
	})

	c.mu.Lock()
	focus := c.focus
	c.mu.Unlock()
	if focus != "" {
		c.bootstrapKlines(ctx, focus)
	}
}

// bootstrapKlines backfills one symbol's candle series.
func (c *Controller) bootstrapKlines(ctx context.Context, symbol string) {
	candles, err := c.query.Klines(ctx, symbol, "1m", 0)
	if err != nil {
		c.log.Printf("kline bootstrap %s: %v", symbol, err)
	}
	if len(candles) == 0 {
		return
	}
	c.publishPoll(ctx, symbol, schema.EventTypeKline, schema.KlinePayload{Interval: "1m", Candles: candles})
}

// runCoarseLoop refreshes the full coin list at the coarse interval.
func (c *Controller) runCoarseLoop(ctx context.Context, gen uint64) {
	ticker := c.clk.NewTicker(c.cfg.CoinListInterval)
	defer ticker.Stop()

	c.pollCoinList(ctx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.pollCoinList(ctx, gen)
		}
	}
}

// runFineLoop refreshes the focused symbol's price, depth, and trades at
// the fine interval.
func (c *Controller) runFineLoop(ctx context.Context, gen uint64) {
	ticker := c.clk.NewTicker(c.cfg.FocusInterval)
	defer ticker.Stop()

	c.pollFocus(ctx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.pollFocus(ctx, gen)
		}
	}
}

func (c *Controller) pollCoinList(ctx context.Context, gen uint64) {
	coins, err := c.query.TickerList(ctx)
	if err != nil {
		// A failed poll is logged and skipped; it never transitions.
		c.log.Printf("coin list poll: %v", err)
	}
	if !c.generationCurrent(gen) {
		return
	}
	now := c.clk.Now().UTC()
	c.publishPoll(ctx, "", schema.EventTypeCoinList, schema.CoinListPayload{Coins: coins, ObservedAt: now})
}

func (c *Controller) pollFocus(ctx context.Context, gen uint64) {
	c.mu.Lock()
	symbol := c.focus
	c.mu.Unlock()
	if symbol == "" {
		return
	}

	price, err := c.query.Price(ctx, symbol)
	if err != nil {
		c.log.Printf("price poll %s: %v", symbol, err)
	}
	depth, err := c.query.Depth(ctx, symbol, 0)
	if err != nil {
		c.log.Printf("depth poll %s: %v", symbol, err)
	}
	trades, err := c.query.Trades(ctx, symbol, 0)
	if err != nil {
		c.log.Printf("trades poll %s: %v", symbol, err)
	}
	candles, err := c.query.Klines(ctx, symbol, "1m", 0)
	if err != nil {
		c.log.Printf("kline poll %s: %v", symbol, err)
	}

	// Results staged before this check are discarded wholesale if the
	// controller left Polling while the fetches were in flight.
	if !c.generationCurrent(gen) {
		return
	}

	now := c.clk.Now().UTC()
	c.mu.Lock()
	c.lastPrice[symbol] = price
	c.mu.Unlock()

	c.publishPoll(ctx, symbol, schema.EventTypeTicker, schema.TickerPayload{Price: price, ObservedAt: now})
	c.publishPoll(ctx, symbol, schema.EventTypeDepth, depth)
	for _, trade := range trades {
		c.publishPoll(ctx, symbol, schema.EventTypeTrade, trade)
	}
	if len(candles) > 0 {
		c.publishPoll(ctx, symbol, schema.EventTypeKline, schema.KlinePayload{Interval: "1m", Candles: candles})
	}
}

func (c *Controller) publishPoll(ctx context.Context, symbol string, kind schema.EventType, payload any) {
	seq := c.nextSeq(kind, symbol)
	evt := &schema.Event{
		EventID: schema.BuildEventID(schema.SourcePoll, symbol, kind, seq),
		Origin:  schema.SourcePoll,
		Symbol:  symbol,
		Type:    kind,
		Seq:     seq,
		EmitTS:  c.clk.Now().UTC(),
		Payload: payload,
	}
	if err := c.bus.Publish(ctx, evt); err != nil {
		c.log.Printf("publish poll event: %v", err)
	}
}

func (c *Controller) generationCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && c.state.Active == schema.SourcePoll
}

// recordPrice remembers the last authoritative price per symbol so it can
// seed the synthetic baseline on failover.
func (c *Controller) recordPrice(evt *schema.Event) {
	ticker, ok := evt.Payload.(schema.TickerPayload)
	if !ok || evt.Symbol == "" {
		return
	}
	c.mu.Lock()
	c.lastPrice[evt.Symbol] = ticker.Price
	c.mu.Unlock()
}

func (c *Controller) nextSeq(kind schema.EventType, symbol string) uint64 {
	key := string(kind) + "|" + symbol
	c.mu.Lock()
	seq := c.seq[key] + 1
	c.seq[key] = seq
	c.mu.Unlock()
	return seq
}
