package stream

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/clock"
	"github.com/marketdeck/marketdeck/internal/schema"
)

// basePrices seeds the random walk per well-known symbol.
var basePrices = map[string]float64{
	"BTCUSDT":  43250.50,
	"ETHUSDT":  2650.75,
	"BNBUSDT":  315.20,
	"ADAUSDT":  0.485,
	"SOLUSDT":  98.45,
	"XRPUSDT":  0.625,
	"DOTUSDT":  7.85,
	"AVAXUSDT": 36.75,
}

const defaultBasePrice = 100.0

// SimOptions configures the simulated feed beyond its StreamSettings.
type SimOptions struct {
	Name           string
	Clock          clock.Clock
	Seed           int64
	HandshakeDelay time.Duration
	// FailHandshake, when set, is consulted per connect attempt; returning
	// true makes that handshake fail. Used to exercise backoff and
	// reconnect-exhausted paths.
	FailHandshake func(attempt int) bool
}

// SimFeed is a simulated push transport. Each event kind runs on its own
// timer so a slow cadence for one kind never delays another, and prices
// follow a per-symbol random walk seeded deterministically.
type SimFeed struct {
	cfg  config.StreamSettings
	name string
	clk  clock.Clock

	handshakeDelay time.Duration
	failHandshake  func(attempt int) bool

	events    chan *schema.Event
	lifecycle chan LifecycleEvent

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	rnd       *rand.Rand
	subs      map[string]struct{}
	walks     map[string]*walkState
	seq       map[string]uint64
	connected bool
	dialing   bool
	closed    bool
	session   *session
}

type walkState struct {
	base float64
	last float64
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewSimFeed constructs the simulated feed.
func NewSimFeed(cfg config.StreamSettings, opts SimOptions) *SimFeed {
	name := opts.Name
	if name == "" {
		name = "sim"
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	handshakeDelay := opts.HandshakeDelay
	if handshakeDelay <= 0 {
		handshakeDelay = 50 * time.Millisecond
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	f := &SimFeed{
		cfg:            cfg,
		name:           name,
		clk:            clk,
		handshakeDelay: handshakeDelay,
		failHandshake:  opts.FailHandshake,
		events:         make(chan *schema.Event, 256),
		lifecycle:      make(chan LifecycleEvent, 16),
		rnd:            rand.New(rand.NewSource(seed)), //nolint:gosec // simulation, not crypto
		subs:           make(map[string]struct{}),
		walks:          make(map[string]*walkState),
		seq:            make(map[string]uint64),
	}
	f.rootCtx, f.rootCancel = context.WithCancel(context.Background())
	return f
}

// Events returns the raw typed event stream.
func (f *SimFeed) Events() <-chan *schema.Event { return f.events }

// Lifecycle returns the transport lifecycle signal stream.
func (f *SimFeed) Lifecycle() <-chan LifecycleEvent { return f.lifecycle }

// Connect begins the asynchronous handshake. Calling it while connected or
// while a dial is already in flight is a no-op.
func (f *SimFeed) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errs.New("stream/sim", errs.CodeUnavailable, errs.WithMessage("adapter closed"))
	}
	if f.connected || f.dialing {
		f.mu.Unlock()
		return nil
	}
	f.dialing = true
	f.mu.Unlock()

	go f.dial()
	return nil
}

// dial runs the bounded-backoff handshake loop.
func (f *SimFeed) dial() {
	wait := f.cfg.ReconnectInitialWait
	for attempt := 1; ; attempt++ {
		select {
		case <-f.rootCtx.Done():
			f.setDialing(false)
			return
		case <-f.clk.After(f.handshakeDelay):
		}

		if !f.isDialing() {
			// Disconnect was requested mid-handshake.
			return
		}

		if f.failHandshake != nil && f.failHandshake(attempt) {
			err := errs.New("stream/sim", errs.CodeTransport,
				errs.WithMessage(fmt.Sprintf("handshake attempt %d failed", attempt)))
			f.emitLifecycle(LifecycleEvent{Kind: LifecycleTransportError, Err: err, At: f.clk.Now()})
			if attempt >= f.cfg.MaxReconnectAttempts {
				exhausted := errs.New("stream/sim", errs.CodeReconnectExhausted,
					errs.WithMessage(fmt.Sprintf("gave up after %d attempts", attempt)))
				f.emitLifecycle(LifecycleEvent{Kind: LifecycleReconnectExhausted, Err: exhausted, At: f.clk.Now()})
				f.setDialing(false)
				return
			}
			select {
			case <-f.rootCtx.Done():
				f.setDialing(false)
				return
			case <-f.clk.After(wait):
			}
			wait *= 2
			if wait > f.cfg.ReconnectMaxWait {
				wait = f.cfg.ReconnectMaxWait
			}
			continue
		}

		f.establish()
		return
	}
}

func (f *SimFeed) establish() {
	f.mu.Lock()
	if f.closed || !f.dialing {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(f.rootCtx)
	sess := &session{ctx: ctx, cancel: cancel}
	f.session = sess
	f.connected = true
	f.dialing = false
	f.mu.Unlock()

	f.emitLifecycle(LifecycleEvent{Kind: LifecycleConnected, At: f.clk.Now()})

	sess.wg.Go(func() { f.runKind(sess.ctx, schema.EventTypeTicker, f.cfg.TickerInterval) })
	sess.wg.Go(func() { f.runKind(sess.ctx, schema.EventTypeTrade, f.cfg.TradeInterval) })
	sess.wg.Go(func() { f.runKind(sess.ctx, schema.EventTypeDepth, f.cfg.DepthInterval) })
	sess.wg.Go(func() { f.runKind(sess.ctx, schema.EventTypeKline, f.cfg.KlineInterval) })
}

// Disconnect stops the feed without attempting to reconnect. Safe to call
// repeatedly and in any state.
func (f *SimFeed) Disconnect() {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	f.dialing = false
	sess := f.session
	f.session = nil
	f.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.wg.Wait()
	}
	if wasConnected {
		f.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, At: f.clk.Now()})
	}
}

// Drop simulates the link failing: generators stop, a transport error is
// signalled, and the bounded reconnect loop begins.
func (f *SimFeed) Drop(err error) {
	f.mu.Lock()
	if f.closed || !f.connected {
		f.mu.Unlock()
		return
	}
	f.connected = false
	f.dialing = true
	sess := f.session
	f.session = nil
	f.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.wg.Wait()
	}
	if err == nil {
		err = errs.New("stream/sim", errs.CodeTransport, errs.WithMessage("connection dropped"))
	}
	f.emitLifecycle(LifecycleEvent{Kind: LifecycleTransportError, Err: err, At: f.clk.Now()})
	go f.dial()
}

// Subscribe records interest in a symbol. While disconnected the symbol is
// remembered and starts streaming immediately after the next connect.
func (f *SimFeed) Subscribe(symbol string) {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return
	}
	f.mu.Lock()
	f.subs[symbol] = struct{}{}
	f.mu.Unlock()
}

// Unsubscribe drops interest in a symbol.
func (f *SimFeed) Unsubscribe(symbol string) {
	symbol = schema.NormalizeSymbol(symbol)
	f.mu.Lock()
	delete(f.subs, symbol)
	f.mu.Unlock()
}

// Subscriptions returns the remembered symbol set, sorted.
func (f *SimFeed) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for symbol := range f.subs {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Close tears the adapter down for good. Event channels stop carrying data
// but stay open so concurrent emitters can never hit a closed channel;
// consumers select against their own context.
func (f *SimFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.connected = false
	f.dialing = false
	sess := f.session
	f.session = nil
	f.mu.Unlock()

	f.rootCancel()
	if sess != nil {
		sess.wg.Wait()
	}
}

func (f *SimFeed) runKind(ctx context.Context, kind schema.EventType, interval time.Duration) {
	ticker := f.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			for _, symbol := range f.subscribedSnapshot() {
				f.emitKind(ctx, kind, symbol)
			}
		}
	}
}

func (f *SimFeed) subscribedSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for symbol := range f.subs {
		out = append(out, symbol)
	}
	return out
}

func (f *SimFeed) emitKind(ctx context.Context, kind schema.EventType, symbol string) {
	now := f.clk.Now().UTC()
	seq := f.nextSeq(kind, symbol)

	var payload any
	switch kind {
	case schema.EventTypeTicker:
		payload = f.tickerPayload(symbol, now)
	case schema.EventTypeTrade:
		payload = f.tradePayload(symbol, seq, now)
	case schema.EventTypeDepth:
		payload = f.depthPayload(symbol, now)
	case schema.EventTypeKline:
		payload = f.klinePayload(symbol, now)
	default:
		return
	}

	evt := &schema.Event{
		EventID: schema.BuildEventID(schema.SourceStream, symbol, kind, seq),
		Origin:  schema.SourceStream,
		Symbol:  symbol,
		Type:    kind,
		Seq:     seq,
		EmitTS:  now,
		Payload: payload,
	}
	select {
	case <-ctx.Done():
	case f.events <- evt:
	}
}

func (f *SimFeed) tickerPayload(symbol string, now time.Time) schema.TickerPayload {
	f.mu.Lock()
	walk := f.walkLocked(symbol)
	price := f.stepLocked(walk, 0.01)
	volume := 1_000_000 + f.rnd.Float64()*1_000_000_000
	f.mu.Unlock()

	change := price - walk.base
	percent := 0.0
	if walk.base != 0 {
		percent = change / walk.base * 100
	}
	return schema.TickerPayload{
		Price:            decimal.NewFromFloat(price).Round(8),
		Change24h:        decimal.NewFromFloat(change).Round(8),
		ChangePercent24h: percent,
		Volume24h:        decimal.NewFromFloat(volume).Round(2),
		MarketCap:        decimal.NewFromFloat(price * 19_000_000).Round(2),
		ObservedAt:       now,
	}
}

func (f *SimFeed) tradePayload(symbol string, seq uint64, now time.Time) schema.TradePayload {
	f.mu.Lock()
	walk := f.walkLocked(symbol)
	price := walk.last * (1 + (f.rnd.Float64()-0.5)*0.002)
	quantity := f.rnd.Float64() * 5
	buy := f.rnd.Intn(2) == 0
	f.mu.Unlock()

	side := schema.TradeSideSell
	if buy {
		side = schema.TradeSideBuy
	}
	return schema.TradePayload{
		TradeID:    fmt.Sprintf("%s-%d", symbol, seq),
		Price:      decimal.NewFromFloat(price).Round(8),
		Quantity:   decimal.NewFromFloat(quantity).Round(6),
		Side:       side,
		OccurredAt: now,
	}
}

func (f *SimFeed) depthPayload(symbol string, now time.Time) schema.DepthPayload {
	const levels = 10
	f.mu.Lock()
	walk := f.walkLocked(symbol)
	last := walk.last
	quantities := make([]float64, 2*levels)
	for i := range quantities {
		quantities[i] = f.rnd.Float64() * 10
	}
	f.mu.Unlock()

	bids := make([]schema.PriceLevel, 0, levels)
	asks := make([]schema.PriceLevel, 0, levels)
	for i := 0; i < levels; i++ {
		step := float64(i+1) * 0.001
		bids = append(bids, schema.PriceLevel{
			Price:    decimal.NewFromFloat(last * (1 - step)).Round(8),
			Quantity: decimal.NewFromFloat(quantities[i]).Round(6),
		})
		asks = append(asks, schema.PriceLevel{
			Price:    decimal.NewFromFloat(last * (1 + step)).Round(8),
			Quantity: decimal.NewFromFloat(quantities[levels+i]).Round(6),
		})
	}
	return schema.DepthPayload{Bids: bids, Asks: asks, UpdatedAt: now}
}

func (f *SimFeed) klinePayload(symbol string, now time.Time) schema.KlinePayload {
	f.mu.Lock()
	walk := f.walkLocked(symbol)
	open := walk.last
	closePrice := f.stepLocked(walk, 0.005)
	highJitter := f.rnd.Float64() * 0.005
	lowJitter := f.rnd.Float64() * 0.005
	volume := f.rnd.Float64() * 1_000_000
	f.mu.Unlock()

	high := max(open, closePrice) * (1 + highJitter)
	low := min(open, closePrice) * (1 - lowJitter)
	candle := schema.Candle{
		OpenTime: now.Truncate(time.Minute),
		Open:     decimal.NewFromFloat(open).Round(8),
		High:     decimal.NewFromFloat(high).Round(8),
		Low:      decimal.NewFromFloat(low).Round(8),
		Close:    decimal.NewFromFloat(closePrice).Round(8),
		Volume:   decimal.NewFromFloat(volume).Round(4),
	}
	return schema.KlinePayload{Interval: "1m", Candles: []schema.Candle{candle}}
}

// walkLocked returns the walk state for a symbol; callers hold f.mu.
func (f *SimFeed) walkLocked(symbol string) *walkState {
	walk, ok := f.walks[symbol]
	if !ok {
		base, known := basePrices[symbol]
		if !known {
			base = defaultBasePrice
		}
		walk = &walkState{base: base, last: base}
		f.walks[symbol] = walk
	}
	return walk
}

// stepLocked advances the walk by a bounded random percentage.
func (f *SimFeed) stepLocked(walk *walkState, amplitude float64) float64 {
	change := (f.rnd.Float64() - 0.5) * 2 * amplitude
	next := walk.last * (1 + change)
	if next <= 0 {
		next = walk.base
	}
	walk.last = next
	return next
}

func (f *SimFeed) nextSeq(kind schema.EventType, symbol string) uint64 {
	key := fmt.Sprintf("%s|%s", kind, symbol)
	f.mu.Lock()
	seq := f.seq[key] + 1
	f.seq[key] = seq
	f.mu.Unlock()
	return seq
}

func (f *SimFeed) emitLifecycle(evt LifecycleEvent) {
	select {
	case <-f.rootCtx.Done():
	case f.lifecycle <- evt:
	}
}

func (f *SimFeed) isDialing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialing
}

func (f *SimFeed) setDialing(v bool) {
	f.mu.Lock()
	f.dialing = v
	f.mu.Unlock()
}
