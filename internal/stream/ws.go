package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/clock"
	"github.com/marketdeck/marketdeck/internal/schema"
)

const (
	// Upstream caps control messages at 5 per second per connection.
	controlMessageInterval = 250 * time.Millisecond
	// Keep subscribe payloads modest so pacing between chunks stays cheap.
	maxStreamsPerRequest = 100

	writeTimeout = 5 * time.Second
)

// WSFeed is the live websocket push transport. It maintains one combined
// stream connection, replays remembered subscriptions after every reconnect,
// and normalizes wire messages into typed events.
type WSFeed struct {
	cfg config.StreamSettings
	clk clock.Clock

	events    chan *schema.Event
	lifecycle chan LifecycleEvent

	rootCtx    context.Context
	rootCancel context.CancelFunc

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64

	controlMu       sync.Mutex
	lastControlSend time.Time

	mu        sync.Mutex
	subs      map[string]struct{}
	seq       map[string]uint64
	connected bool
	dialing   bool
	closed    bool
	session   context.CancelFunc
}

// WSOptions configures the websocket feed beyond its StreamSettings.
type WSOptions struct {
	Clock clock.Clock
}

// NewWSFeed constructs the websocket feed. cfg.URL must point at a combined
// stream endpoint.
func NewWSFeed(cfg config.StreamSettings, opts WSOptions) *WSFeed {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	f := &WSFeed{
		cfg:       cfg,
		clk:       clk,
		events:    make(chan *schema.Event, 256),
		lifecycle: make(chan LifecycleEvent, 16),
		subs:      make(map[string]struct{}),
		seq:       make(map[string]uint64),
	}
	f.rootCtx, f.rootCancel = context.WithCancel(context.Background())
	return f
}

// Events returns the raw typed event stream.
func (f *WSFeed) Events() <-chan *schema.Event { return f.events }

// Lifecycle returns the transport lifecycle signal stream.
func (f *WSFeed) Lifecycle() <-chan LifecycleEvent { return f.lifecycle }

// Connect begins the asynchronous dial loop. Calling it while connected or
// while a dial is in flight is a no-op.
func (f *WSFeed) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errs.New("stream/ws", errs.CodeUnavailable, errs.WithMessage("adapter closed"))
	}
	if f.connected || f.dialing {
		f.mu.Unlock()
		return nil
	}
	sessCtx, cancel := context.WithCancel(f.rootCtx)
	f.session = cancel
	f.dialing = true
	f.mu.Unlock()

	go f.run(sessCtx)
	return nil
}

// Disconnect stops the feed without attempting to reconnect. Safe to call
// repeatedly and in any state.
func (f *WSFeed) Disconnect() {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	f.dialing = false
	cancel := f.session
	f.session = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.closeConn(websocket.StatusNormalClosure, "disconnect")
	if wasConnected {
		f.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, At: f.clk.Now()})
	}
}

// Subscribe records interest in a symbol. While disconnected the symbol is
// remembered and replayed after the next successful handshake.
func (f *WSFeed) Subscribe(symbol string) {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return
	}
	f.mu.Lock()
	if _, exists := f.subs[symbol]; exists {
		f.mu.Unlock()
		return
	}
	f.subs[symbol] = struct{}{}
	connected := f.connected
	f.mu.Unlock()

	if connected {
		if err := f.sendBatchedControlRequests("SUBSCRIBE", streamsFor(symbol)); err != nil {
			f.emitLifecycle(LifecycleEvent{Kind: LifecycleTransportError, Err: err, At: f.clk.Now()})
		}
	}
}

// Unsubscribe drops interest in a symbol.
func (f *WSFeed) Unsubscribe(symbol string) {
	symbol = schema.NormalizeSymbol(symbol)
	f.mu.Lock()
	if _, exists := f.subs[symbol]; !exists {
		f.mu.Unlock()
		return
	}
	delete(f.subs, symbol)
	connected := f.connected
	f.mu.Unlock()

	if connected {
		if err := f.sendBatchedControlRequests("UNSUBSCRIBE", streamsFor(symbol)); err != nil {
			f.emitLifecycle(LifecycleEvent{Kind: LifecycleTransportError, Err: err, At: f.clk.Now()})
		}
	}
}

// Close tears the adapter down for good. Event channels stop carrying data
// but stay open; consumers select against their own context.
func (f *WSFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.connected = false
	f.dialing = false
	f.session = nil
	f.mu.Unlock()

	f.rootCancel()
	f.closeConn(websocket.StatusNormalClosure, "shutdown")
}

// run maintains the connection: dial with exponential backoff under a bounded
// consecutive-failure budget, replay subscriptions, then read until the link
// drops. The failure counter resets on every successful handshake.
func (f *WSFeed) run(ctx context.Context) {
	defer f.setDialing(false)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.cfg.ReconnectInitialWait
	policy.MaxInterval = f.cfg.ReconnectMaxWait

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, f.cfg.HandshakeTimeout)
		conn, _, err := websocket.Dial(dialCtx, f.cfg.URL, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			f.emitLifecycle(LifecycleEvent{
				Kind: LifecycleTransportError,
				Err: errs.New("stream/ws", errs.CodeTransport,
					errs.WithMessage(fmt.Sprintf("dial %s", f.cfg.URL)), errs.WithCause(err)),
				At: f.clk.Now(),
			})
			if failures >= f.cfg.MaxReconnectAttempts {
				f.emitLifecycle(LifecycleEvent{
					Kind: LifecycleReconnectExhausted,
					Err: errs.New("stream/ws", errs.CodeReconnectExhausted,
						errs.WithMessage(fmt.Sprintf("gave up after %d attempts", failures))),
					At: f.clk.Now(),
				})
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-f.clk.After(policy.NextBackOff()):
			}
			continue
		}

		f.connMu.Lock()
		f.conn = conn
		f.connMu.Unlock()
		f.setConnected(true)
		failures = 0
		policy.Reset()

		f.emitLifecycle(LifecycleEvent{Kind: LifecycleConnected, At: f.clk.Now()})

		if err := f.replaySubscriptions(); err != nil {
			f.emitLifecycle(LifecycleEvent{Kind: LifecycleTransportError, Err: err, At: f.clk.Now()})
		}

		readErr := f.readLoop(ctx, conn)

		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
		f.setConnected(false)

		if ctx.Err() != nil {
			return
		}
		failures++
		f.emitLifecycle(LifecycleEvent{
			Kind: LifecycleTransportError,
			Err: errs.New("stream/ws", errs.CodeTransport,
				errs.WithMessage("connection lost"), errs.WithCause(readErr)),
			At: f.clk.Now(),
		})
		if failures >= f.cfg.MaxReconnectAttempts {
			f.emitLifecycle(LifecycleEvent{
				Kind: LifecycleReconnectExhausted,
				Err: errs.New("stream/ws", errs.CodeReconnectExhausted,
					errs.WithMessage(fmt.Sprintf("gave up after %d attempts", failures))),
				At: f.clk.Now(),
			})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-f.clk.After(policy.NextBackOff()):
		}
	}
}

func (f *WSFeed) replaySubscriptions() error {
	f.mu.Lock()
	streams := make([]string, 0, len(f.subs)*4)
	for symbol := range f.subs {
		streams = append(streams, streamsFor(symbol)...)
	}
	f.mu.Unlock()
	return f.sendBatchedControlRequests("SUBSCRIBE", streams)
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *controlError    `json:"error,omitempty"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (f *WSFeed) sendBatchedControlRequests(method string, streams []string) error {
	if len(streams) == 0 {
		return nil
	}

	f.controlMu.Lock()
	defer f.controlMu.Unlock()

	f.connMu.RLock()
	conn := f.conn
	f.connMu.RUnlock()
	if conn == nil {
		return errs.New("stream/ws", errs.CodeTransport, errs.WithMessage("not connected"))
	}

	for _, chunk := range chunkStreams(streams, maxStreamsPerRequest) {
		if err := f.waitForControlWindowLocked(); err != nil {
			return err
		}
		req := controlRequest{Method: method, Params: chunk, ID: f.msgIDGen.Add(1)}
		data, err := json.Marshal(req)
		if err != nil {
			return errs.New("stream/ws", errs.CodeParse,
				errs.WithMessage("marshal "+method+" request"), errs.WithCause(err))
		}
		writeCtx, cancel := context.WithTimeout(f.rootCtx, writeTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return errs.New("stream/ws", errs.CodeTransport,
				errs.WithMessage("write "+method+" request"), errs.WithCause(err))
		}
		f.lastControlSend = f.clk.Now()
	}
	return nil
}

func (f *WSFeed) waitForControlWindowLocked() error {
	if f.lastControlSend.IsZero() {
		return nil
	}
	wait := f.lastControlSend.Add(controlMessageInterval).Sub(f.clk.Now())
	if wait <= 0 {
		return nil
	}
	select {
	case <-f.clk.After(wait):
		return nil
	case <-f.rootCtx.Done():
		return errs.New("stream/ws", errs.CodeUnavailable,
			errs.WithMessage("closed while pacing control requests"))
	}
}

func chunkStreams(streams []string, size int) [][]string {
	if len(streams) == 0 {
		return nil
	}
	if size <= 0 || len(streams) <= size {
		snapshot := make([]string, len(streams))
		copy(snapshot, streams)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(streams)+size-1)/size)
	for start := 0; start < len(streams); start += size {
		end := min(start+size, len(streams))
		chunk := make([]string, end-start)
		copy(chunk, streams[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// streamsFor maps one symbol to its combined-stream names.
func streamsFor(symbol string) []string {
	s := strings.ToLower(symbol)
	return []string{
		s + "@ticker",
		s + "@trade",
		s + "@kline_1m",
		s + "@depth20@100ms",
	}
}

// readLoop reads frames until the connection drops. Control responses are
// acknowledged and skipped; data frames are parsed into typed events, and a
// malformed frame is reported without tearing the link down.
func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				f.emitLifecycle(LifecycleEvent{
					Kind: LifecycleTransportError,
					Err: errs.New("stream/ws", errs.CodeTransport,
						errs.WithMessage(fmt.Sprintf("control rejected (id=%d code=%d): %s",
							resp.ID, resp.Error.Code, resp.Error.Msg))),
					At: f.clk.Now(),
				})
			}
			continue
		}

		evt, err := f.parseFrame(data)
		if err != nil {
			f.emitLifecycle(LifecycleEvent{Kind: LifecycleTransportError, Err: err, At: f.clk.Now()})
			continue
		}
		if evt == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		case f.events <- evt:
		}
	}
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wireTicker struct {
	Symbol        string `json:"s"`
	LastPrice     string `json:"c"`
	PriceChange   string `json:"p"`
	PercentChange string `json:"P"`
	Volume        string `json:"v"`
	QuoteVolume   string `json:"q"`
	EventTime     int64  `json:"E"`
}

type wireTrade struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type wireKline struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
	} `json:"k"`
}

type wireDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// parseFrame turns one combined-stream frame into a typed event. Partial
// depth frames carry no symbol, so routing leans on the stream name.
func (f *WSFeed) parseFrame(data []byte) (*schema.Event, error) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New("stream/ws", errs.CodeParse,
			errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	if frame.Stream == "" || len(frame.Data) == 0 {
		return nil, nil
	}

	name, suffix, ok := strings.Cut(frame.Stream, "@")
	if !ok {
		return nil, nil
	}
	symbol := schema.NormalizeSymbol(name)

	switch {
	case suffix == "ticker":
		return f.parseTicker(symbol, frame.Data)
	case suffix == "trade":
		return f.parseTrade(symbol, frame.Data)
	case strings.HasPrefix(suffix, "kline"):
		return f.parseKline(symbol, frame.Data)
	case strings.HasPrefix(suffix, "depth"):
		return f.parseDepth(symbol, frame.Data)
	default:
		return nil, nil
	}
}

func (f *WSFeed) parseTicker(symbol string, data json.RawMessage) (*schema.Event, error) {
	var w wireTicker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New("stream/ws", errs.CodeParse,
			errs.WithMessage("malformed ticker frame"), errs.WithCause(err))
	}
	price, err := schema.ParseDecimal("ticker.c", w.LastPrice)
	if err != nil {
		return nil, err
	}
	change, err := schema.ParseDecimal("ticker.p", w.PriceChange)
	if err != nil {
		return nil, err
	}
	percent, err := schema.ParseFloat("ticker.P", w.PercentChange)
	if err != nil {
		return nil, err
	}
	volume, err := schema.ParseDecimal("ticker.q", w.QuoteVolume)
	if err != nil {
		return nil, err
	}
	observed := schema.FromUnixMillis(w.EventTime)
	payload := schema.TickerPayload{
		Price:            price,
		Change24h:        change,
		ChangePercent24h: percent,
		Volume24h:        volume,
		ObservedAt:       observed,
	}
	return f.buildEvent(schema.EventTypeTicker, symbol, payload), nil
}

func (f *WSFeed) parseTrade(symbol string, data json.RawMessage) (*schema.Event, error) {
	var w wireTrade
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New("stream/ws", errs.CodeParse,
			errs.WithMessage("malformed trade frame"), errs.WithCause(err))
	}
	price, err := schema.ParseDecimal("trade.p", w.Price)
	if err != nil {
		return nil, err
	}
	quantity, err := schema.ParseDecimal("trade.q", w.Quantity)
	if err != nil {
		return nil, err
	}
	side := schema.TradeSideBuy
	if w.IsBuyerMaker {
		side = schema.TradeSideSell
	}
	payload := schema.TradePayload{
		TradeID:    fmt.Sprintf("%s-%d", symbol, w.TradeID),
		Price:      price,
		Quantity:   quantity,
		Side:       side,
		OccurredAt: schema.FromUnixMillis(w.TradeTime),
	}
	return f.buildEvent(schema.EventTypeTrade, symbol, payload), nil
}

func (f *WSFeed) parseKline(symbol string, data json.RawMessage) (*schema.Event, error) {
	var w wireKline
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New("stream/ws", errs.CodeParse,
			errs.WithMessage("malformed kline frame"), errs.WithCause(err))
	}
	k := w.Kline
	open, err := schema.ParseDecimal("kline.o", k.Open)
	if err != nil {
		return nil, err
	}
	high, err := schema.ParseDecimal("kline.h", k.High)
	if err != nil {
		return nil, err
	}
	low, err := schema.ParseDecimal("kline.l", k.Low)
	if err != nil {
		return nil, err
	}
	closePrice, err := schema.ParseDecimal("kline.c", k.Close)
	if err != nil {
		return nil, err
	}
	volume, err := schema.ParseDecimal("kline.v", k.Volume)
	if err != nil {
		return nil, err
	}
	payload := schema.KlinePayload{
		Interval: k.Interval,
		Candles: []schema.Candle{{
			OpenTime: schema.FromUnixMillis(k.OpenTime),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		}},
	}
	return f.buildEvent(schema.EventTypeKline, symbol, payload), nil
}

func (f *WSFeed) parseDepth(symbol string, data json.RawMessage) (*schema.Event, error) {
	var w wireDepth
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New("stream/ws", errs.CodeParse,
			errs.WithMessage("malformed depth frame"), errs.WithCause(err))
	}
	bids, err := parseLevels("depth.bids", w.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels("depth.asks", w.Asks)
	if err != nil {
		return nil, err
	}
	payload := schema.DepthPayload{Bids: bids, Asks: asks, UpdatedAt: f.clk.Now().UTC()}
	return f.buildEvent(schema.EventTypeDepth, symbol, payload), nil
}

func parseLevels(field string, raw [][2]string) ([]schema.PriceLevel, error) {
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

func (f *WSFeed) buildEvent(kind schema.EventType, symbol string, payload any) *schema.Event {
	seq := f.nextSeq(kind, symbol)
	return &schema.Event{
		EventID: schema.BuildEventID(schema.SourceStream, symbol, kind, seq),
		Origin:  schema.SourceStream,
		Symbol:  symbol,
		Type:    kind,
		Seq:     seq,
		EmitTS:  f.clk.Now().UTC(),
		Payload: payload,
	}
}

func (f *WSFeed) nextSeq(kind schema.EventType, symbol string) uint64 {
	key := fmt.Sprintf("%s|%s", kind, symbol)
	f.mu.Lock()
	seq := f.seq[key] + 1
	f.seq[key] = seq
	f.mu.Unlock()
	return seq
}

func (f *WSFeed) closeConn(status websocket.StatusCode, reason string) {
	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.Close(status, reason)
		f.conn = nil
	}
	f.connMu.Unlock()
}

func (f *WSFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	if v {
		f.dialing = false
	}
	f.mu.Unlock()
}

func (f *WSFeed) setDialing(v bool) {
	f.mu.Lock()
	f.dialing = v
	f.mu.Unlock()
}

func (f *WSFeed) emitLifecycle(evt LifecycleEvent) {
	select {
	case <-f.rootCtx.Done():
	case f.lifecycle <- evt:
	}
}
